// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package send

import (
	"bytes"
	"context"
	"testing"

	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/secret"
)

type captureOutput struct {
	pkts [][]byte
}

func (c *captureOutput) Send(pkt []byte) error {
	c.pkts = append(c.pkts, append([]byte(nil), pkt...))
	return nil
}

func newTestBuffer(t *testing.T, reliable bool, maxPayload int) (*Buffer, *captureOutput, secret.Secret) {
	t.Helper()
	var sec secret.Secret
	for i := range sec {
		sec[i] = byte(i + 11)
	}
	_, sealer, err := sec.DeriveKey(2)
	if err != nil {
		t.Fatal(err)
	}
	out := &captureOutput{}
	b := NewBuffer(Config{
		Credentials: packet.Credentials{ID: sec.ID(), KeyID: 2},
		StreamID:    packet.StreamID{RouteKey: 5, IsReliable: reliable},
		Sealer:      sealer,
		Output:      out,
		MaxPayload:  maxPayload,
	})
	return b, out, sec
}

// decodeAll decodifica e decifra os pacotes emitidos, concatenando os
// payloads em ordem de offset.
func decodeAll(t *testing.T, sec secret.Secret, pkts [][]byte) ([]byte, bool) {
	t.Helper()
	opener, _, err := sec.DeriveKey(2)
	if err != nil {
		t.Fatal(err)
	}

	byOffset := map[uint64][]byte{}
	sawFin := false
	var total uint64
	for _, raw := range pkts {
		p, _, err := packet.DecodeStream(raw, opener.TagLen())
		if err != nil {
			t.Fatalf("decoding emitted packet: %v", err)
		}
		plaintext, err := p.DecryptInPlace(opener)
		if err != nil {
			t.Fatalf("decrypting emitted packet: %v", err)
		}
		byOffset[p.StreamOffset] = plaintext
		if p.IsFin() {
			sawFin = true
		}
		if end := p.StreamOffset + uint64(len(plaintext)); end > total {
			total = end
		}
	}

	joined := make([]byte, total)
	for off, data := range byOffset {
		copy(joined[off:], data)
	}
	return joined, sawFin
}

func TestBuffer_WriteFlushFin(t *testing.T) {
	b, out, sec := newTestBuffer(t, false, 8)

	payload := []byte("the quick brown fox jumps")
	if _, err := b.Write(payload); err != nil {
		t.Fatal(err)
	}
	b.Finish()
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// 25 bytes com payload máximo 8 → 4 pacotes.
	if len(out.pkts) != 4 {
		t.Fatalf("emitted %d packets, want 4", len(out.pkts))
	}

	joined, sawFin := decodeAll(t, sec, out.pkts)
	if !bytes.Equal(joined, payload) {
		t.Errorf("reassembled payload = %q", joined)
	}
	if !sawFin {
		t.Error("no packet carried the final offset")
	}

	if _, err := b.Write([]byte("x")); err != ErrFinished {
		t.Errorf("write after finish: %v", err)
	}
}

func TestBuffer_ReliableRetransmit(t *testing.T) {
	b, out, sec := newTestBuffer(t, true, 64)

	if _, err := b.Write([]byte("retained payload")); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.InFlight() != 1 {
		t.Fatalf("InFlight = %d", b.InFlight())
	}

	if err := b.Retransmit(context.Background(), 0); err != nil {
		t.Fatalf("Retransmit: %v", err)
	}
	if len(out.pkts) != 2 {
		t.Fatalf("emitted %d packets", len(out.pkts))
	}

	// O reenvio decifra para o mesmo payload com pn novo.
	opener, _, err := sec.DeriveKey(2)
	if err != nil {
		t.Fatal(err)
	}
	p, _, err := packet.DecodeStream(out.pkts[1], opener.TagLen())
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsRetransmission() || p.OriginalPacketNumber != 0 || p.PacketNumber != 1 {
		t.Errorf("retransmission pn: orig=%d pn=%d", p.OriginalPacketNumber, p.PacketNumber)
	}
	plaintext, err := p.DecryptInPlace(opener)
	if err != nil {
		t.Fatalf("decrypting retransmission: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("retained payload")) {
		t.Errorf("plaintext = %q", plaintext)
	}

	b.Ack(0)
	if b.InFlight() != 0 {
		t.Errorf("InFlight after ack = %d", b.InFlight())
	}
}

func TestBuffer_UnreliableDoesNotRetain(t *testing.T) {
	b, _, _ := newTestBuffer(t, false, 64)
	if _, err := b.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.InFlight() != 0 {
		t.Errorf("unreliable buffer retained %d packets", b.InFlight())
	}
	if err := b.Retransmit(context.Background(), 0); err == nil {
		t.Error("Retransmit on unreliable buffer succeeded")
	}
}
