// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package secret

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/n-transport/internal/arena"
	"github.com/nishisan-dev/n-transport/internal/packet"
)

// replayWindowSize é a janela deslizante de key ids aceitos.
const replayWindowSize = 64

// Layout da entry na arena:
//
//	secret     [32]byte
//	maxKeyID   uint64 (big-endian)
//	bitmap     uint64 (bit i = maxKeyID-i já visto)
//	hasSeen    1 byte
const (
	entrySecretOff  = 0
	entryMaxKeyOff  = SecretLen
	entryBitmapOff  = SecretLen + 8
	entryHasSeenOff = SecretLen + 16
	entrySize       = SecretLen + 17
)

// LookupResult classifica o resultado de um lookup de credenciais.
type LookupResult uint8

const (
	// LookupOK: credenciais aceitas, opener disponível.
	LookupOK LookupResult = iota
	// LookupUnknown: path secret desconhecido.
	LookupUnknown
	// LookupStale: key id abaixo da janela de replay.
	LookupStale
	// LookupReplay: key id já visto.
	LookupReplay
)

// Store é o lado receptor do mapa de path secrets. As entries vivem na
// arena; o índice mapeia o id público para o handle corrente. Entries
// evitadas pela arena viram misses (UnknownPathSecret), forçando o
// peer a reestabelecer.
type Store struct {
	mu     sync.Mutex
	arena  *arena.Arena
	index  map[[packet.PathSecretIDLen]byte]arena.Handle
	logger *slog.Logger
}

// NewStore cria um store com a capacidade (em bytes) para a arena.
func NewStore(capacity int, logger *slog.Logger) *Store {
	return &Store{
		arena:  arena.New(capacity),
		index:  make(map[[packet.PathSecretIDLen]byte]arena.Handle),
		logger: logger,
	}
}

// Insert registra um path secret, substituindo qualquer entry anterior
// com o mesmo id.
func (s *Store) Insert(sec Secret) error {
	id := sec.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index[id]; ok {
		s.arena.Deallocate(old)
		delete(s.index, id)
	}

	h, err := s.arena.Allocate(entrySize)
	if err != nil {
		return err
	}
	g, ok := s.arena.Read(h)
	if !ok {
		panic("secret: freshly allocated entry unreadable")
	}
	b := g.Bytes()
	copy(b[entrySecretOff:], sec[:])
	binary.BigEndian.PutUint64(b[entryMaxKeyOff:], 0)
	binary.BigEndian.PutUint64(b[entryBitmapOff:], 0)
	b[entryHasSeenOff] = 0
	g.Release()

	s.index[id] = h
	s.logger.Debug("path secret inserted", "handle", int(h))
	return nil
}

// Remove dealoca o path secret com o id dado, se presente.
func (s *Store) Remove(id [packet.PathSecretIDLen]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.index[id]; ok {
		s.arena.Deallocate(h)
		delete(s.index, id)
	}
}

// Len retorna o número de secrets indexados.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Lookup valida as credenciais contra a janela de replay e retorna o
// secret para derivação de chaves. Em falha, retorna a resposta
// secret-control a enviar ao peer.
func (s *Store) Lookup(creds packet.Credentials) (Secret, LookupResult, *packet.SecretControl) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sec Secret

	h, ok := s.index[creds.ID]
	if !ok {
		return sec, LookupUnknown, s.unknownResponse(creds)
	}
	g, ok := s.arena.Read(h)
	if !ok {
		// Entry evitada pela arena: trata como desconhecida.
		delete(s.index, creds.ID)
		return sec, LookupUnknown, s.unknownResponse(creds)
	}
	defer g.Release()

	b := g.Bytes()
	copy(sec[:], b[entrySecretOff:entrySecretOff+SecretLen])
	maxKey := binary.BigEndian.Uint64(b[entryMaxKeyOff:])
	bitmap := binary.BigEndian.Uint64(b[entryBitmapOff:])
	hasSeen := b[entryHasSeenOff] != 0

	switch {
	case !hasSeen || creds.KeyID > maxKey:
		// Avança a janela.
		if hasSeen {
			shift := creds.KeyID - maxKey
			if shift >= replayWindowSize {
				bitmap = 0
			} else {
				bitmap <<= shift
			}
		}
		bitmap |= 1
		maxKey = creds.KeyID
		hasSeen = true

	default:
		delta := maxKey - creds.KeyID
		if delta >= replayWindowSize {
			resp := &packet.SecretControl{
				Tag:         packet.TagStaleKey,
				ID:          creds.ID,
				WireVersion: packet.SecretControlWireVersion,
				KeyID:       maxKey - replayWindowSize + 1,
			}
			sec.SignControl(resp)
			return sec, LookupStale, resp
		}
		if bitmap&(1<<delta) != 0 {
			resp := &packet.SecretControl{
				Tag:         packet.TagReplayDetected,
				ID:          creds.ID,
				WireVersion: packet.SecretControlWireVersion,
				KeyID:       creds.KeyID,
			}
			sec.SignControl(resp)
			return sec, LookupReplay, resp
		}
		bitmap |= 1 << delta
	}

	binary.BigEndian.PutUint64(b[entryMaxKeyOff:], maxKey)
	binary.BigEndian.PutUint64(b[entryBitmapOff:], bitmap)
	if hasSeen {
		b[entryHasSeenOff] = 1
	}

	return sec, LookupOK, nil
}

// unknownResponse monta um UnknownPathSecret. Sem o secret, a resposta
// não pode ser autenticada; a tag vai zerada e o peer a trata apenas
// como um hint.
func (s *Store) unknownResponse(creds packet.Credentials) *packet.SecretControl {
	return &packet.SecretControl{
		Tag:         packet.TagUnknownPathSecret,
		ID:          creds.ID,
		WireVersion: packet.SecretControlWireVersion,
	}
}
