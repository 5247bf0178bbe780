// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// ControlPacket carrega frames de controle (ACK, MAX_DATA,
// CONNECTION_CLOSE...) autenticados mas não cifrados: o control data
// inteiro é AAD e o pacote não tem payload.
type ControlPacket struct {
	Tag               Tag
	Credentials       Credentials
	SourceControlPort uint16
	StreamID          StreamID // válido apenas se Tag.ControlCarriesStreamID()
	PacketNumber      uint64

	header            []byte
	applicationHeader wire.CheckedRange
	controlData       wire.CheckedRange
	authTag           []byte
}

// Header retorna o header completo (AAD).
func (p *ControlPacket) Header() []byte { return p.header }

// ControlData retorna os frames de controle serializados.
func (p *ControlPacket) ControlData() []byte { return p.controlData.Get(p.header) }

// ApplicationHeader retorna o application header (pode ser vazio).
func (p *ControlPacket) ApplicationHeader() []byte { return p.applicationHeader.Get(p.header) }

// AuthTag retorna a auth tag.
func (p *ControlPacket) AuthTag() []byte { return p.authTag }

// Verify autentica o pacote: AEAD open com plaintext vazio.
func (p *ControlPacket) Verify(o crypto.Opener) error {
	_, err := o.Open(p.PacketNumber, p.header, nil, p.authTag, nil)
	return err
}

// DecodeControl parseia um pacote de controle a partir de buf,
// retornando o pacote e quantos bytes foram consumidos.
func DecodeControl(buf []byte, tagLen int) (*ControlPacket, int, error) {
	if tagLen < crypto.MinTagLen {
		return nil, 0, wire.NewInvariantViolation("auth tag length below minimum")
	}

	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	tag := Tag(tagByte)
	if err := tag.Validate(KindControl); err != nil {
		return nil, 0, err
	}

	p := &ControlPacket{Tag: tag}

	if p.Credentials, err = decodeCredentials(d); err != nil {
		return nil, 0, err
	}
	if p.SourceControlPort, err = d.Uint16(); err != nil {
		return nil, 0, err
	}
	if tag.ControlCarriesStreamID() {
		if p.StreamID, err = decodeStreamID(d); err != nil {
			return nil, 0, err
		}
	}
	if p.PacketNumber, err = d.VarInt(); err != nil {
		return nil, 0, err
	}

	controlDataLen, err := d.VarInt()
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

	if p.authTag, err = d.Slice(tagLen); err != nil {
		return nil, 0, err
	}

	return p, d.Pos(), nil
}

// ControlParams descreve os campos de um pacote de controle a selar.
type ControlParams struct {
	Credentials       Credentials
	SourceControlPort uint16
	StreamID          StreamID
	HasStreamID       bool
	PacketNumber      uint64
	KeyPhase          bool
	ApplicationHeader []byte
	ControlData       []byte
}

// EncodeControl monta e autentica um pacote de controle.
func EncodeControl(p ControlParams, s crypto.Sealer) []byte {
	tag := kindControl
	if p.KeyPhase {
		tag |= KeyPhaseMask
	}
	if p.HasStreamID {
		tag |= IsStreamMask
	}
	if len(p.ApplicationHeader) > 0 {
		tag |= HasApplicationHeaderMask
	}

	buf := make([]byte, 0, 48+len(p.ApplicationHeader)+len(p.ControlData)+s.TagLen())
	buf = append(buf, byte(tag))
	buf = appendCredentials(buf, p.Credentials)
	buf = wire.AppendUint16(buf, p.SourceControlPort)
	if p.HasStreamID {
		buf = appendStreamID(buf, p.StreamID)
	}
	buf = wire.AppendVarInt(buf, p.PacketNumber)
	buf = wire.AppendVarInt(buf, uint64(len(p.ControlData)))
	if len(p.ApplicationHeader) > 0 {
		buf = wire.AppendVarInt(buf, uint64(len(p.ApplicationHeader)))
	}
	buf = append(buf, p.ApplicationHeader...)
	buf = append(buf, p.ControlData...)

	sealed := s.Seal(p.PacketNumber, buf, nil)
	return append(buf, sealed...)
}
