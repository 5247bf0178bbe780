// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package secret implementa os path secrets pré-compartilhados que
// substituem o handshake: derivação de chaves por key id, o store
// receptor sobre a arena e as respostas secret-control.
package secret

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/packet"
)

// SecretLen é o tamanho do material de um path secret.
const SecretLen = 32

// Secret é um path secret de longa duração, vinculado a um par de
// peers fora de banda.
type Secret [SecretLen]byte

// ID deriva o identificador público de 16 bytes do secret.
func (s Secret) ID() [packet.PathSecretIDLen]byte {
	var id [packet.PathSecretIDLen]byte
	r := hkdf.New(sha256.New, s[:], nil, []byte("ntransport path id"))
	if _, err := io.ReadFull(r, id[:]); err != nil {
		panic(fmt.Sprintf("secret: hkdf expand failed: %v", err))
	}
	return id
}

// DeriveKey deriva o par opener/sealer para um key id.
// Ambos os lados derivam o mesmo material do mesmo (secret, keyID).
func (s Secret) DeriveKey(keyID uint64) (crypto.Opener, crypto.Sealer, error) {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], keyID)

	var aeadMaterial, prfMaterial [32]byte
	r := hkdf.New(sha256.New, s[:], info[:], []byte("ntransport stream key"))
	if _, err := io.ReadFull(r, aeadMaterial[:]); err != nil {
		return nil, nil, fmt.Errorf("deriving aead material: %w", err)
	}
	if _, err := io.ReadFull(r, prfMaterial[:]); err != nil {
		return nil, nil, fmt.Errorf("deriving prf material: %w", err)
	}

	return crypto.NewKey(aeadMaterial, prfMaterial)
}

// controlKey deriva a chave de autenticação dos pacotes secret-control.
func (s Secret) controlKey() [32]byte {
	var key [32]byte
	r := hkdf.New(sha256.New, s[:], nil, []byte("ntransport secret control"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic(fmt.Sprintf("secret: hkdf expand failed: %v", err))
	}
	return key
}

// SignControl preenche a auth tag de um pacote secret-control.
func (s Secret) SignControl(p *packet.SecretControl) {
	key := s.controlKey()
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte{byte(p.Tag)})
	mac.Write(p.ID[:])
	var scratch [16]byte
	binary.BigEndian.PutUint64(scratch[:8], p.WireVersion)
	binary.BigEndian.PutUint64(scratch[8:], p.KeyID)
	mac.Write(scratch[:])
	copy(p.AuthTag[:], mac.Sum(nil))
}

// VerifyControl valida a auth tag de um pacote secret-control.
func (s Secret) VerifyControl(p *packet.SecretControl) bool {
	expected := *p
	s.SignControl(&expected)
	return hmac.Equal(expected.AuthTag[:], p.AuthTag[:])
}
