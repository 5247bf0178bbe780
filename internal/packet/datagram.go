// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// DatagramPacket carrega payload não-ordenado. O packet number só
// aparece quando o datagram é connected ou ack-eliciting; control data
// e application header são opcionais.
type DatagramPacket struct {
	Tag          Tag
	Credentials  Credentials
	PacketNumber uint64 // válido apenas se IsConnected ou IsAckEliciting

	header            []byte
	applicationHeader wire.CheckedRange
	controlData       wire.CheckedRange
	payload           []byte
	authTag           []byte
}

// HasPacketNumber reporta se o datagram carrega packet number.
func (p *DatagramPacket) HasPacketNumber() bool {
	return p.Tag.IsConnected() || p.Tag.IsAckEliciting()
}

// Header retorna o header completo (AAD).
func (p *DatagramPacket) Header() []byte { return p.header }

// ApplicationHeader retorna o application header (pode ser vazio).
func (p *DatagramPacket) ApplicationHeader() []byte { return p.applicationHeader.Get(p.header) }

// ControlData retorna o control data (pode ser vazio).
func (p *DatagramPacket) ControlData() []byte { return p.controlData.Get(p.header) }

// Payload retorna o ciphertext (plaintext após DecryptInPlace).
func (p *DatagramPacket) Payload() []byte { return p.payload }

// Decrypt abre o datagram escrevendo o plaintext em out.
func (p *DatagramPacket) Decrypt(o crypto.Opener, out []byte) ([]byte, error) {
	return o.Open(p.PacketNumber, p.header, p.payload, p.authTag, out)
}

// DecryptInPlace abre o datagram in-place.
func (p *DatagramPacket) DecryptInPlace(o crypto.Opener) ([]byte, error) {
	joined := p.payload[:len(p.payload)+len(p.authTag)]
	return o.OpenInPlace(p.PacketNumber, p.header, joined)
}

// DecodeDatagram parseia um datagram a partir de buf.
func DecodeDatagram(buf []byte, tagLen int) (*DatagramPacket, int, error) {
	if tagLen < crypto.MinTagLen {
		return nil, 0, wire.NewInvariantViolation("auth tag length below minimum")
	}

	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	tag := Tag(tagByte)
	if err := tag.Validate(KindDatagram); err != nil {
		return nil, 0, err
	}

	p := &DatagramPacket{Tag: tag}

	if p.Credentials, err = decodeCredentials(d); err != nil {
		return nil, 0, err
	}
	if p.HasPacketNumber() {
		if p.PacketNumber, err = d.VarInt(); err != nil {
			return nil, 0, err
		}
	}

	controlDataLen := uint64(0)
	if tag.IsAckEliciting() {
		if controlDataLen, err = d.VarInt(); err != nil {
			return nil, 0, err
		}
	}
	payloadLen, err := d.VarInt()
	if err != nil {
		return nil, 0, err
	}
	applicationHeaderLen := uint64(0)
	if tag.HasApplicationHeader() {
		if applicationHeaderLen, err = d.VarInt(); err != nil {
			return nil, 0, err
		}
	}

	if p.applicationHeader, err = d.SkipIntoRange(int(applicationHeaderLen)); err != nil {
		return nil, 0, err
	}
	if p.controlData, err = d.SkipIntoRange(int(controlDataLen)); err != nil {
		return nil, 0, err
	}

	p.header = buf[:d.Pos()]

	if p.payload, err = d.Slice(int(payloadLen)); err != nil {
		return nil, 0, err
	}
	if p.authTag, err = d.Slice(tagLen); err != nil {
		return nil, 0, err
	}

	return p, d.Pos(), nil
}

// DatagramParams descreve os campos de um datagram a selar.
type DatagramParams struct {
	Credentials       Credentials
	PacketNumber      uint64
	IsConnected       bool
	IsAckEliciting    bool
	KeyPhase          bool
	ApplicationHeader []byte
	ControlData       []byte
}

// EncodeDatagram monta e sela um datagram.
func EncodeDatagram(p DatagramParams, plaintext []byte, s crypto.Sealer) []byte {
	tag := kindDatagram
	if p.KeyPhase {
		tag |= KeyPhaseMask
	}
	if p.IsConnected {
		tag |= IsConnectedMask
	}
	if p.IsAckEliciting {
		tag |= AckElicitingMask
	}
	if len(p.ApplicationHeader) > 0 {
		tag |= HasApplicationHeaderMask
	}

	buf := make([]byte, 0, 32+len(p.ApplicationHeader)+len(p.ControlData)+len(plaintext)+s.TagLen())
	buf = append(buf, byte(tag))
	buf = appendCredentials(buf, p.Credentials)
	nonce := uint64(0)
	if p.IsConnected || p.IsAckEliciting {
		buf = wire.AppendVarInt(buf, p.PacketNumber)
		nonce = p.PacketNumber
	}
	if p.IsAckEliciting {
		buf = wire.AppendVarInt(buf, uint64(len(p.ControlData)))
	}
	buf = wire.AppendVarInt(buf, uint64(len(plaintext)))
	if len(p.ApplicationHeader) > 0 {
		buf = wire.AppendVarInt(buf, uint64(len(p.ApplicationHeader)))
	}
	buf = append(buf, p.ApplicationHeader...)
	if p.IsAckEliciting {
		buf = append(buf, p.ControlData...)
	}

	sealed := s.Seal(nonce, buf, plaintext)
	return append(buf, sealed...)
}
