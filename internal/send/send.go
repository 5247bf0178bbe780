// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package send implementa o caminho de envio de um stream: a aplicação
// empurra bytes para o buffer, que são drenados em pacotes selados e
// entregues ao socket sob o pacing configurado.
package send

import (
	"context"
	"errors"
	"sync"

	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/recovery"
)

// ErrFinished indica escrita após o Finish do stream.
var ErrFinished = errors.New("send: write after finish")

// DefaultMaxPayload é o payload máximo por pacote de stream.
const DefaultMaxPayload = 1200

// Output recebe os pacotes selados prontos para o wire.
type Output interface {
	Send(pkt []byte) error
}

// Buffer é o send buffer de um stream. Write acumula; Flush drena em
// pacotes selados com packet numbers e offsets monotônicos.
type Buffer struct {
	mu sync.Mutex

	creds    packet.Credentials
	streamID packet.StreamID
	sealer   crypto.Sealer
	out      Output
	pacer    *recovery.Pacer
	space    recovery.Space

	maxPayload int
	pending    []byte
	offset     uint64
	finished   bool
	finSent    bool

	// Pacotes reliable retidos para retransmissão, por packet number.
	inFlight map[uint64][]byte
}

// Config parametriza um Buffer.
type Config struct {
	Credentials packet.Credentials
	StreamID    packet.StreamID
	Sealer      crypto.Sealer
	Output      Output
	Pacer       *recovery.Pacer
	MaxPayload  int
}

// NewBuffer cria o send buffer de um stream.
func NewBuffer(cfg Config) *Buffer {
	maxPayload := cfg.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	b := &Buffer{
		creds:      cfg.Credentials,
		streamID:   cfg.StreamID,
		sealer:     cfg.Sealer,
		out:        cfg.Output,
		pacer:      cfg.Pacer,
		maxPayload: maxPayload,
	}
	if cfg.StreamID.IsReliable {
		b.inFlight = make(map[uint64][]byte)
	}
	return b
}

// Write acumula bytes no buffer. Implementa io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return 0, ErrFinished
	}
	b.pending = append(b.pending, p...)
	return len(p), nil
}

// Finish marca o fim do stream; o próximo Flush emite o final offset.
func (b *Buffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
}

// Flush drena o buffer em pacotes selados, respeitando o pacer.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) > 0 || (b.finished && !b.finSent) {
		n := len(b.pending)
		if n > b.maxPayload {
			n = b.maxPayload
		}
		chunk := b.pending[:n]
		last := n == len(b.pending)

		params := packet.StreamParams{
			Credentials:  b.creds,
			StreamID:     b.streamID,
			PacketNumber: b.space.Next(),
			StreamOffset: b.offset,
		}
		if b.finished && last {
			params.HasFinalOffset = true
			params.FinalOffset = b.offset + uint64(n)
		}

		pkt, err := packet.EncodeStream(params, chunk, b.sealer)
		if err != nil {
			return err
		}

		if err := b.pacer.Wait(ctx, len(pkt)); err != nil {
			return err
		}
		if err := b.out.Send(pkt); err != nil {
			return err
		}

		if b.inFlight != nil {
			b.inFlight[params.PacketNumber] = pkt
		}

		b.offset += uint64(n)
		b.pending = b.pending[n:]
		if b.finished && last {
			b.finSent = true
		}
	}
	return nil
}

// Retransmit reenvia um pacote reliable retido sob um novo packet
// number, reescrevendo o header in-place sem re-executar o AEAD.
func (b *Buffer) Retransmit(ctx context.Context, pn uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pkt, ok := b.inFlight[pn]
	if !ok {
		return errors.New("send: packet not retained")
	}

	retx := b.space.Next()
	if err := packet.Retransmit(pkt, retx, b.sealer); err != nil {
		return err
	}
	if err := b.pacer.Wait(ctx, len(pkt)); err != nil {
		return err
	}
	return b.out.Send(pkt)
}

// Ack libera pacotes reliable reconhecidos até largest (inclusive).
func (b *Buffer) Ack(largest uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pn := range b.inFlight {
		if pn <= largest {
			delete(b.inFlight, pn)
		}
	}
}

// InFlight retorna quantos pacotes reliable aguardam reconhecimento.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}
