// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recv

import (
	"time"

	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/transport"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// EnqueuePacket entrega bytes de pacote recebidos por outra task.
// Válido apenas no modo DispatchChannel; em DispatchLocal o worker
// drena a própria fonte.
func (s *Shared) EnqueuePacket(pkt []byte) {
	s.mu.Lock()
	s.in.pending = append(s.in.pending, pkt)
	s.mu.Unlock()
	s.WakeWorker()
}

// dispatchLocked valida e aplica um pacote ao estado do stream.
// Deve ser chamado com s.mu held (worker com TryLock bem-sucedido ou
// caminhos de teste que serializam externamente).
//
// Pacotes inválidos em transportes unreliable são descartados em
// silêncio; em transportes reliable encerram o stream.
func (s *Shared) dispatchLocked(buf []byte) {
	if len(buf) == 0 {
		return
	}

	recv := s.in.recv

	switch packet.Tag(buf[0]).Kind() {
	case packet.KindStream:
		p, _, err := packet.DecodeStream(buf, s.opener.TagLen())
		if err != nil {
			s.dropOrClose("stream packet decode failed", err)
			return
		}

		// Pre-check: credenciais devem casar com a chave do stream
		// antes de qualquer trabalho de AEAD.
		if p.Credentials != s.creds {
			s.dropOrClose("credential mismatch", nil)
			return
		}

		plaintext, err := p.DecryptInPlace(s.opener)
		if err != nil {
			s.dropOrClose("packet authentication failed", err)
			return
		}

		if err := recv.Deliver(p, plaintext); err != nil {
			s.packetsDropped.Add(1)
			return
		}
		s.packetsDelivered.Add(1)

		s.in.sourceControlPort = p.SourceControlPort

		// A primeira vez que o peer reporta next-expected-control > 0
		// confirma que ele viu nosso tráfego: sai do handshake.
		if s.in.handshaking && p.NextExpectedControlPacket > 0 {
			s.in.handshaking = false
			s.logger.Debug("stream handshake confirmed",
				"nextExpectedControlPacket", p.NextExpectedControlPacket)
		}

	case packet.KindDatagram:
		// Datagrams só existem em transportes unreliable; em stream
		// (reliable) são um kind inesperado e fecham o stream.
		if s.reliable {
			s.dropOrClose("unexpected packet kind", nil)
			return
		}
		p, _, err := packet.DecodeDatagram(buf, s.opener.TagLen())
		if err != nil {
			s.dropOrClose("datagram decode failed", err)
			return
		}
		if p.Credentials != s.creds {
			s.dropOrClose("credential mismatch", nil)
			return
		}
		plaintext, err := p.DecryptInPlace(s.opener)
		if err != nil {
			s.dropOrClose("datagram authentication failed", err)
			return
		}
		if !recv.deliverDatagram(plaintext) {
			s.packetsDropped.Add(1)
			s.logger.Debug("datagram inbox full, dropping")
			return
		}
		s.packetsDelivered.Add(1)
		recv.lastActivity = time.Now()

	case packet.KindControl:
		p, _, err := packet.DecodeControl(buf, s.opener.TagLen())
		if err != nil {
			s.dropOrClose("control packet decode failed", err)
			return
		}
		if p.Credentials != s.creds {
			s.dropOrClose("credential mismatch", nil)
			return
		}
		if err := p.Verify(s.opener); err != nil {
			s.dropOrClose("control packet authentication failed", err)
			return
		}
		s.packetsDelivered.Add(1)
		recv.lastActivity = time.Now()

	default:
		// Tipos inesperados: datagram descarta, stream fecha.
		s.dropOrClose("unexpected packet kind", nil)
	}
}

// dropOrClose aplica a política de erro do transporte: silêncio em
// unreliable, encerramento em reliable.
func (s *Shared) dropOrClose(reason string, err error) {
	s.packetsDropped.Add(1)

	if !s.reliable {
		s.logger.Debug("dropping invalid packet", "reason", reason, "error", err)
		return
	}

	code := transport.ProtocolViolation
	if wire.IsInvariantViolation(err) || wire.IsUnexpectedEOF(err) {
		code = transport.FrameEncodingError
	}
	s.in.recv.close(code, reason)
	s.logger.Warn("closing reliable stream on invalid packet",
		"reason", reason, "error", err, "code", code.String())
}

// PollResult é o resultado de um passo do worker.
type PollResult uint8

const (
	// PollIdle: nada a fazer; aguardar waker.
	PollIdle PollResult = iota
	// PollProgress: trabalho feito; pode haver mais.
	PollProgress
	// PollContended: aplicação segura o lock; rearmar o timer.
	PollContended
	// PollShutdown: estado terminal observado; worker encerra.
	PollShutdown
)

// PollWorker executa um passo do worker:
//
//  1. Se a aplicação sinalizou shutdown, retorna PollShutdown.
//  2. TryLock no inner; sob contenção, devolve PollContended — a
//     aplicação fará o trabalho no release e o timer rearma o retry.
//  3. Com o lock, se o worker possui o socket (DispatchLocal), drena a
//     fonte por pacotes prontos; senão (DispatchChannel), drena os
//     pendentes entregues por EnqueuePacket.
//  4. Ainda com o lock, dispacha os pacotes, emite ACKs se a política delega
//     ao worker e consulta o idle timer (unreliable).
func (s *Shared) PollWorker(out func(pkt []byte) error) PollResult {
	if s.IsAppClosed() {
		return PollShutdown
	}

	if !s.mu.TryLock() {
		return PollContended
	}

	recv := s.in.recv
	progress := false

	if s.in.dispatch == DispatchLocal {
		// O worker possui a fonte: drena tudo que está pronto sem
		// passar pelo canal cross-task.
		for {
			pkt, err := s.source.PollRecv()
			if err != nil {
				s.logger.Debug("recv source error", "error", err)
				break
			}
			if pkt == nil {
				break
			}
			s.dispatchLocked(pkt)
			progress = true
		}
	} else {
		pending := s.in.pending
		s.in.pending = nil
		for _, buf := range pending {
			s.dispatchLocked(buf)
			progress = true
		}
	}

	if !s.reliable {
		if s.ackMode == AckModeWorker || recv.ShouldTransmit() {
			for _, pkt := range recv.FillTransmitQueue(s.creds, s.sealer) {
				if err := out(pkt); err != nil {
					s.logger.Debug("worker ack send failed", "error", err)
					recv.ackEliciting = true
					break
				}
				progress = true
			}
		}
		if recv.CheckIdle(time.Now()) {
			s.logger.Info("closing idle stream")
		}
	}

	terminal := recv.state.IsTerminal()
	s.mu.Unlock()

	if terminal {
		return PollShutdown
	}
	if progress {
		return PollProgress
	}
	return PollIdle
}

// RunWorker é o loop de fundo do worker: acorda no waker, poll, e sob
// contenção rearma um timer de fallback.
func (s *Shared) RunWorker(out func(pkt []byte) error, retry time.Duration, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(retry)
	defer timer.Stop()

	for {
		switch s.PollWorker(out) {
		case PollShutdown:
			return
		case PollContended:
			// Contenção: cede à aplicação e tenta de novo no timer.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(retry)
			select {
			case <-timer.C:
			case <-s.workerWaker:
			}
		case PollProgress:
			// Continua drenando imediatamente.
		case PollIdle:
			select {
			case <-s.workerWaker:
			case <-timer.C:
				timer.Reset(retry)
			}
		}
	}
}
