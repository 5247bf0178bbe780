// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package recv implementa o pipeline de recepção de um stream: a
// máquina de estados do receiver, o estado compartilhado entre a task
// de aplicação e a task worker, a política de ACK e o dispatcher de
// pacotes.
package recv

import (
	"time"

	"github.com/nishisan-dev/n-transport/internal/buffer"
	"github.com/nishisan-dev/n-transport/internal/frame"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/transport"
)

// State é o estado do receiver de um stream.
type State uint8

const (
	// StateRecv: recebendo, final size desconhecido.
	StateRecv State = iota
	// StateSizeKnown: final size conhecido, bytes ainda pendentes.
	StateSizeKnown
	// StateDataRecvd: todos os bytes recebidos, leitura pendente.
	StateDataRecvd
	// StateDataRead: terminal — tudo recebido e consumido.
	StateDataRead
	// StateErrored: terminal — stream encerrado com erro.
	StateErrored
)

// IsTerminal reporta se o estado encerra o stream.
func (s State) IsTerminal() bool {
	return s == StateDataRead || s == StateErrored
}

// Receiver é a máquina de estados de recepção. Não é thread-safe; o
// acesso é serializado por Shared.
type Receiver struct {
	state State
	err   *transport.Error

	reasm *buffer.Reassembler

	// Maior packet number visto e flag de ACK pendente.
	largestPN    uint64
	seenAny      bool
	ackEliciting bool

	// Último packet number de controle esperado informado pelo peer.
	nextExpectedControlPacket uint64

	// ACKs são emitidos em ordem crescente de packet number.
	lastAckedPN  uint64
	ackPN        uint64 // packet number dos nossos pacotes de controle
	lastActivity time.Time
	idleTimeout  time.Duration

	// Datagrams abertos aguardando a aplicação, em ordem de chegada.
	datagrams [][]byte
}

// maxBufferedDatagrams limita o inbox de datagrams; excedentes são
// descartados (transporte unreliable).
const maxBufferedDatagrams = 64

// NewReceiver cria um receiver com o idle timeout dado (0 = sem idle).
func NewReceiver(idleTimeout time.Duration) *Receiver {
	return &Receiver{
		reasm:        buffer.New(),
		idleTimeout:  idleTimeout,
		lastActivity: time.Now(),
	}
}

// State retorna o estado corrente.
func (r *Receiver) State() State { return r.state }

// Err retorna o erro terminal, se houver.
func (r *Receiver) Err() *transport.Error { return r.err }

// Reassembler expõe o buffer de recepção.
func (r *Receiver) Reassembler() *buffer.Reassembler { return r.reasm }

// NextExpectedControlPacket retorna o último valor informado pelo peer.
func (r *Receiver) NextExpectedControlPacket() uint64 { return r.nextExpectedControlPacket }

// close transiciona para o estado de erro terminal.
func (r *Receiver) close(code transport.Code, reason string) {
	if r.state.IsTerminal() {
		return
	}
	r.state = StateErrored
	r.err = transport.NewError(code, reason)
}

// Deliver aplica um pacote de stream já aberto ao reassembler e
// atualiza a máquina de estados.
func (r *Receiver) Deliver(p *packet.StreamPacket, plaintext []byte) error {
	if r.state.IsTerminal() {
		return nil
	}

	var err error
	if p.Tag.HasFinalOffset() {
		// O pacote pode não terminar no final offset; registra o fin
		// escrevendo a cauda com WriteAtFin quando este é o pacote
		// final, senão valida o limite pelo caminho normal.
		if p.IsFin() {
			err = r.reasm.WriteAtFin(p.StreamOffset, plaintext)
		} else {
			err = r.reasm.WriteAt(p.StreamOffset, plaintext)
		}
	} else {
		err = r.reasm.WriteAt(p.StreamOffset, plaintext)
	}
	if err != nil {
		switch err {
		case buffer.ErrInvalidFin:
			r.close(transport.FinalSizeError, err.Error())
		default:
			r.close(transport.FlowControlError, err.Error())
		}
		return err
	}

	if !r.seenAny || p.PacketNumber > r.largestPN {
		r.largestPN = p.PacketNumber
		r.seenAny = true
	}
	r.ackEliciting = true
	r.lastActivity = time.Now()

	if p.NextExpectedControlPacket > r.nextExpectedControlPacket {
		r.nextExpectedControlPacket = p.NextExpectedControlPacket
	}

	r.syncState()
	return nil
}

// syncState deriva o estado a partir do reassembler.
func (r *Receiver) syncState() {
	if r.state.IsTerminal() {
		return
	}
	switch {
	case r.reasm.IsReadingComplete():
		r.state = StateDataRead
	case r.reasm.IsWritingComplete():
		r.state = StateDataRecvd
	default:
		if _, ok := r.reasm.FinalSize(); ok {
			r.state = StateSizeKnown
		}
	}
}

// OnRead deve ser chamado após a aplicação consumir do reassembler.
func (r *Receiver) OnRead() {
	r.syncState()
}

// ShouldTransmit reporta se há ACK pendente de emissão.
func (r *Receiver) ShouldTransmit() bool {
	return r.ackEliciting && r.seenAny
}

// FillTransmitQueue produz os pacotes de controle de ACK pendentes,
// em ordem crescente de packet number, prontos para o socket.
func (r *Receiver) FillTransmitQueue(creds packet.Credentials, sealer interface {
	TagLen() int
	Seal(nonce uint64, header, plaintext []byte) []byte
	RetransmissionTag(o, n uint64, tag []byte)
}) [][]byte {
	if !r.ShouldTransmit() {
		return nil
	}

	var control []byte
	control = frame.AppendAck(control, frame.Ack{
		Ranges: []frame.AckRange{{Smallest: 0, Largest: r.largestPN}},
	})

	pkt := packet.EncodeControl(packet.ControlParams{
		Credentials:  creds,
		PacketNumber: r.ackPN,
		ControlData:  control,
	}, sealer)

	r.ackPN++
	r.lastAckedPN = r.largestPN
	r.ackEliciting = false

	return [][]byte{pkt}
}

// deliverDatagram enfileira um datagram aberto para a aplicação.
// Retorna false quando o inbox está cheio (o datagram é descartado).
func (r *Receiver) deliverDatagram(payload []byte) bool {
	if r.state.IsTerminal() || len(r.datagrams) >= maxBufferedDatagrams {
		return false
	}
	r.datagrams = append(r.datagrams, payload)
	return true
}

// PopDatagram retorna o datagram mais antigo pendente, ou nil.
func (r *Receiver) PopDatagram() []byte {
	if len(r.datagrams) == 0 {
		return nil
	}
	d := r.datagrams[0]
	r.datagrams = r.datagrams[1:]
	return d
}

// CheckIdle fecha o stream se a inatividade do peer excedeu o timeout.
// Só se aplica a transportes unreliable; streams reliable delegam o
// ciclo de vida ao TCP subjacente.
func (r *Receiver) CheckIdle(now time.Time) bool {
	if r.idleTimeout <= 0 || r.state.IsTerminal() {
		return false
	}
	if now.Sub(r.lastActivity) >= r.idleTimeout {
		r.close(transport.NoError, "idle timeout")
		return true
	}
	return false
}
