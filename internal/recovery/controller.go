// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recovery

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// PacketNumberSpace separa os contextos de numeração de pacotes.
type PacketNumberSpace uint8

const (
	SpaceApplicationData PacketNumberSpace = iota
	SpaceControl
)

// Space gera packet numbers monotônicos para um espaço.
type Space struct {
	next uint64
}

// Next retorna o próximo packet number do espaço.
func (s *Space) Next() uint64 {
	pn := s.next
	s.next++
	return pn
}

// Peek retorna o próximo packet number sem consumi-lo.
func (s *Space) Peek() uint64 { return s.next }

// Controller é o oráculo opaco de congestion control consumido pelo
// pipeline de envio. Implementações (CUBIC etc.) ficam fora do core.
type Controller interface {
	// CongestionWindow retorna a janela corrente em bytes.
	CongestionWindow() uint64
	// BytesInFlight retorna os bytes não reconhecidos.
	BytesInFlight() uint64
	// OnPacketSent registra um envio.
	OnPacketSent(sentTime time.Time, bytes uint64)
	// OnAck registra o reconhecimento de bytes.
	OnAck(ackTime time.Time, bytes uint64, rtt *RttEstimator)
	// OnLoss registra perda; congestão persistente reseta a janela.
	OnLoss(lossTime time.Time, bytes uint64, persistent bool)
}

// Pacer limita a taxa de emissão de pacotes com um token bucket.
// Alinhado ao burst do buffer de escrita do pipeline de envio.
type Pacer struct {
	limiter *rate.Limiter
}

// maxPacerBurst limita reservas enormes em uma única escrita.
const maxPacerBurst = 256 * 1024

// NewPacer cria um pacer com a taxa máxima em bytes/segundo.
// Se bytesPerSec <= 0, retorna nil (sem pacing); os métodos de um
// Pacer nil são no-ops.
func NewPacer(bytesPerSec int64) *Pacer {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxPacerBurst {
		burst = maxPacerBurst
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait bloqueia até haver orçamento para n bytes, respeitando ctx.
// Escritas maiores que o burst são divididas em pedaços.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	if p == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > p.limiter.Burst() {
			chunk = p.limiter.Burst()
		}
		if err := p.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// PacedWriter aplica o pacer a um io.Writer.
type PacedWriter struct {
	w     io.Writer
	pacer *Pacer
	ctx   context.Context
}

// NewPacedWriter envolve w com rate limiting. Com pacer nil, retorna w.
func NewPacedWriter(ctx context.Context, w io.Writer, pacer *Pacer) io.Writer {
	if pacer == nil {
		return w
	}
	return &PacedWriter{w: w, pacer: pacer, ctx: ctx}
}

// Write implementa io.Writer consumindo tokens antes de cada pedaço.
func (pw *PacedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > pw.pacer.limiter.Burst() {
			chunk = pw.pacer.limiter.Burst()
		}
		if err := pw.pacer.limiter.WaitN(pw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := pw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
