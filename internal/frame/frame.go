// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package frame implementa o subconjunto de frames QUIC reconhecido
// dentro do control data: PADDING, PING, ACK (com ECN opcional),
// MAX_DATA e CONNECTION_CLOSE. Tipos desconhecidos são ignorados.
package frame

import (
	"github.com/nishisan-dev/n-transport/internal/transport"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// Tipos de frame no wire (valores do QUIC v1).
const (
	TypePadding         = 0x00
	TypePing            = 0x01
	TypeAck             = 0x02
	TypeAckECN          = 0x03
	TypeMaxData         = 0x10
	TypeConnectionClose = 0x1c
)

// AckRange é uma faixa fechada de packet numbers reconhecidos.
type AckRange struct {
	Smallest uint64
	Largest  uint64
}

// ECNCounts são os contadores ECN opcionais de um frame ACK.
type ECNCounts struct {
	ECT0 uint64
	ECT1 uint64
	CE   uint64
}

// Ack reconhece faixas de packet numbers.
type Ack struct {
	AckDelay uint64
	Ranges   []AckRange // ordenadas da maior para a menor
	ECN      *ECNCounts
}

// MaxData atualiza o limite de flow control da conexão.
type MaxData struct {
	MaximumData uint64
}

// ConnectionClose encerra a conexão com um código de transporte.
type ConnectionClose struct {
	Code      transport.Code
	FrameType uint64 // frame que causou o erro (0 se desconhecido)
	Reason    string
}

// Handler recebe os frames reconhecidos durante o parse.
// Frames de tipo desconhecido não geram callback.
type Handler interface {
	OnPing()
	OnAck(Ack)
	OnMaxData(MaxData)
	OnConnectionClose(ConnectionClose)
}

// Parse percorre o control data chamando h para cada frame
// reconhecido. PADDING é pulado; tipos desconhecidos são ignorados por
// completo (o restante do buffer é descartado, já que o comprimento de
// um frame desconhecido não é conhecido).
func Parse(data []byte, h Handler) error {
	d := wire.NewDecoder(data)

	for d.Len() > 0 {
		frameType, err := d.VarInt()
		if err != nil {
			return err
		}

		switch frameType {
		case TypePadding:
			// PADDING é um único byte zero; nada a fazer.

		case TypePing:
			h.OnPing()

		case TypeAck, TypeAckECN:
			ack, err := parseAck(d, frameType == TypeAckECN)
			if err != nil {
				return err
			}
			h.OnAck(ack)

		case TypeMaxData:
			v, err := d.VarInt()
			if err != nil {
				return err
			}
			h.OnMaxData(MaxData{MaximumData: v})

		case TypeConnectionClose:
			cc, err := parseConnectionClose(d)
			if err != nil {
				return err
			}
			h.OnConnectionClose(cc)

		default:
			// Tipo desconhecido: ignora o restante.
			return nil
		}
	}
	return nil
}

func parseAck(d *wire.Decoder, ecn bool) (Ack, error) {
	var ack Ack

	largest, err := d.VarInt()
	if err != nil {
		return ack, err
	}
	if ack.AckDelay, err = d.VarInt(); err != nil {
		return ack, err
	}
	rangeCount, err := d.VarInt()
	if err != nil {
		return ack, err
	}
	firstRange, err := d.VarInt()
	if err != nil {
		return ack, err
	}

	if firstRange > largest {
		return ack, wire.NewInvariantViolation("ack range underflow")
	}
	smallest := largest - firstRange
	ack.Ranges = append(ack.Ranges, AckRange{Smallest: smallest, Largest: largest})

	for i := uint64(0); i < rangeCount; i++ {
		gap, err := d.VarInt()
		if err != nil {
			return ack, err
		}
		rangeLen, err := d.VarInt()
		if err != nil {
			return ack, err
		}

		if smallest < gap+2 {
			return ack, wire.NewInvariantViolation("ack range underflow")
		}
		largest = smallest - gap - 2
		if rangeLen > largest {
			return ack, wire.NewInvariantViolation("ack range underflow")
		}
		smallest = largest - rangeLen
		ack.Ranges = append(ack.Ranges, AckRange{Smallest: smallest, Largest: largest})
	}

	if ecn {
		var counts ECNCounts
		if counts.ECT0, err = d.VarInt(); err != nil {
			return ack, err
		}
		if counts.ECT1, err = d.VarInt(); err != nil {
			return ack, err
		}
		if counts.CE, err = d.VarInt(); err != nil {
			return ack, err
		}
		ack.ECN = &counts
	}

	return ack, nil
}

func parseConnectionClose(d *wire.Decoder) (ConnectionClose, error) {
	var cc ConnectionClose

	code, err := d.VarInt()
	if err != nil {
		return cc, err
	}
	cc.Code = transport.Code(code)

	if cc.FrameType, err = d.VarInt(); err != nil {
		return cc, err
	}
	reason, err := d.LenPrefixedSlice()
	if err != nil {
		return cc, err
	}
	cc.Reason = string(reason)
	return cc, nil
}

// AppendPing codifica um frame PING.
func AppendPing(buf []byte) []byte {
	return wire.AppendVarInt(buf, TypePing)
}

// AppendAck codifica um frame ACK (ou ACK_ECN se ack.ECN != nil).
// ack.Ranges deve estar ordenado da maior faixa para a menor.
func AppendAck(buf []byte, ack Ack) []byte {
	frameType := uint64(TypeAck)
	if ack.ECN != nil {
		frameType = TypeAckECN
	}
	buf = wire.AppendVarInt(buf, frameType)

	first := ack.Ranges[0]
	buf = wire.AppendVarInt(buf, first.Largest)
	buf = wire.AppendVarInt(buf, ack.AckDelay)
	buf = wire.AppendVarInt(buf, uint64(len(ack.Ranges)-1))
	buf = wire.AppendVarInt(buf, first.Largest-first.Smallest)

	prevSmallest := first.Smallest
	for _, r := range ack.Ranges[1:] {
		buf = wire.AppendVarInt(buf, prevSmallest-r.Largest-2)
		buf = wire.AppendVarInt(buf, r.Largest-r.Smallest)
		prevSmallest = r.Smallest
	}

	if ack.ECN != nil {
		buf = wire.AppendVarInt(buf, ack.ECN.ECT0)
		buf = wire.AppendVarInt(buf, ack.ECN.ECT1)
		buf = wire.AppendVarInt(buf, ack.ECN.CE)
	}
	return buf
}

// AppendMaxData codifica um frame MAX_DATA.
func AppendMaxData(buf []byte, maximumData uint64) []byte {
	buf = wire.AppendVarInt(buf, TypeMaxData)
	return wire.AppendVarInt(buf, maximumData)
}

// AppendConnectionClose codifica um frame CONNECTION_CLOSE.
func AppendConnectionClose(buf []byte, cc ConnectionClose) []byte {
	buf = wire.AppendVarInt(buf, TypeConnectionClose)
	buf = wire.AppendVarInt(buf, uint64(cc.Code))
	buf = wire.AppendVarInt(buf, cc.FrameType)
	buf = wire.AppendVarInt(buf, uint64(len(cc.Reason)))
	return append(buf, cc.Reason...)
}
