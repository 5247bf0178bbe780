// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// retransmissionFieldLen é o tamanho do campo de packet number
// relativo de retransmissão em streams reliable.
const retransmissionFieldLen = 3

// maxRetransmissionDelta é o maior delta representável no campo de
// 24 bits.
const maxRetransmissionDelta = 1 << 24

// StreamPacket é um pacote de stream parseado in-place.
//
// Todos os slices aliasam o buffer de origem; o pacote só é válido
// enquanto o buffer não for reutilizado.
type StreamPacket struct {
	Tag                       Tag
	Credentials               Credentials
	SourceControlPort         uint16
	SourceStreamPort          uint16 // válido apenas se Tag.HasSourceStreamPort()
	StreamID                  StreamID
	OriginalPacketNumber      uint64
	PacketNumber              uint64 // original + delta de retransmissão
	RetransmissionFieldOffset int    // offset do campo u24 dentro do header
	NextExpectedControlPacket uint64
	StreamOffset              uint64
	FinalOffset               uint64 // válido apenas se Tag.HasFinalOffset()

	header            []byte
	applicationHeader wire.CheckedRange
	controlData       wire.CheckedRange
	payload           []byte
	authTag           []byte
}

// Header retorna o header completo (AAD do AEAD).
func (p *StreamPacket) Header() []byte { return p.header }

// ApplicationHeader retorna os bytes do application header (pode ser vazio).
func (p *StreamPacket) ApplicationHeader() []byte { return p.applicationHeader.Get(p.header) }

// ControlData retorna os bytes de control data (pode ser vazio).
func (p *StreamPacket) ControlData() []byte { return p.controlData.Get(p.header) }

// Payload retorna o ciphertext (ou plaintext após OpenInPlace).
func (p *StreamPacket) Payload() []byte { return p.payload }

// AuthTag retorna a auth tag.
func (p *StreamPacket) AuthTag() []byte { return p.authTag }

// IsRetransmission reporta se o pacote carrega um delta de
// retransmissão não-zero.
func (p *StreamPacket) IsRetransmission() bool {
	return p.PacketNumber != p.OriginalPacketNumber
}

// IsFin reporta se este pacote termina exatamente no final offset.
func (p *StreamPacket) IsFin() bool {
	if !p.Tag.HasFinalOffset() {
		return false
	}
	return p.StreamOffset+uint64(len(p.payload)) == p.FinalOffset
}

// DecodeStream parseia um pacote de stream a partir de buf, retornando
// o pacote e quantos bytes foram consumidos. tagLen é o comprimento da
// auth tag da suíte em uso (>= crypto.MinTagLen).
func DecodeStream(buf []byte, tagLen int) (*StreamPacket, int, error) {
	if tagLen < crypto.MinTagLen {
		return nil, 0, wire.NewInvariantViolation("auth tag length below minimum")
	}

	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	tag := Tag(tagByte)
	if err := tag.Validate(KindStream); err != nil {
		return nil, 0, err
	}

	p := &StreamPacket{Tag: tag}

	if p.Credentials, err = decodeCredentials(d); err != nil {
		return nil, 0, err
	}
	if p.SourceControlPort, err = d.Uint16(); err != nil {
		return nil, 0, err
	}
	if tag.HasSourceStreamPort() {
		if p.SourceStreamPort, err = d.Uint16(); err != nil {
			return nil, 0, err
		}
	}
	if p.StreamID, err = decodeStreamID(d); err != nil {
		return nil, 0, err
	}
	if p.OriginalPacketNumber, err = d.VarInt(); err != nil {
		return nil, 0, err
	}

	// O campo de retransmissão fica imediatamente após o packet number
	// original; o offset é registrado para a reescrita in-place.
	p.RetransmissionFieldOffset = d.Pos()
	p.PacketNumber = p.OriginalPacketNumber
	if p.StreamID.IsReliable {
		rel, err := d.Uint24()
		if err != nil {
			return nil, 0, err
		}
		pn := p.OriginalPacketNumber + uint64(rel)
		if pn < p.OriginalPacketNumber {
			return nil, 0, wire.NewInvariantViolation("retransmission packet number overflow")
		}
		p.PacketNumber = pn
	}

	if p.NextExpectedControlPacket, err = d.VarInt(); err != nil {
		return nil, 0, err
	}
	if p.StreamOffset, err = d.VarInt(); err != nil {
		return nil, 0, err
	}
	if tag.HasFinalOffset() {
		if p.FinalOffset, err = d.VarInt(); err != nil {
			return nil, 0, err
		}
		if p.FinalOffset < p.StreamOffset {
			return nil, 0, wire.NewInvariantViolation("final offset before stream offset")
		}
	}

	controlDataLen := uint64(0)
	if tag.HasControlData() {
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

	// O header termina após app header + control data: tudo até aqui é
	// AAD. Payload e auth tag vêm em seguida.
	totalHeaderLen := d.Pos()
	p.header = buf[:totalHeaderLen]

	if p.payload, err = d.Slice(int(payloadLen)); err != nil {
		return nil, 0, err
	}
	if p.authTag, err = d.Slice(tagLen); err != nil {
		return nil, 0, err
	}

	return p, d.Pos(), nil
}

// removeRetransmit desfaz o delta de retransmissão: re-aplica a tag
// keyed (auto-inversa sob XOR) e zera os 3 bytes do campo no header,
// restaurando o pacote à sua forma original antes do AEAD open.
func (p *StreamPacket) removeRetransmit(o crypto.Opener) {
	if !p.IsRetransmission() {
		return
	}
	o.RetransmissionTag(p.OriginalPacketNumber, p.PacketNumber, p.authTag)
	off := p.RetransmissionFieldOffset
	p.header[off] = 0
	p.header[off+1] = 0
	p.header[off+2] = 0
}

// Decrypt abre o pacote escrevendo o plaintext em out.
// Nonce = packet number original; AAD = header completo.
func (p *StreamPacket) Decrypt(o crypto.Opener, out []byte) ([]byte, error) {
	p.removeRetransmit(o)
	return o.Open(p.OriginalPacketNumber, p.header, p.payload, p.authTag, out)
}

// DecryptInPlace abre o pacote sobre payload||tag contíguos no buffer
// de origem, retornando o plaintext in-place.
func (p *StreamPacket) DecryptInPlace(o crypto.Opener) ([]byte, error) {
	p.removeRetransmit(o)

	// payload e authTag são fatias contíguas do mesmo buffer; recompõe
	// a janela payload||tag sem copiar.
	joined := p.payload[:len(p.payload)+len(p.authTag)]
	return o.OpenInPlace(p.OriginalPacketNumber, p.header, joined)
}

// Retransmit reescreve in-place o packet number de retransmissão de um
// pacote reliable já selado, sem re-executar o AEAD sobre o payload.
//
// A operação é equivalente a "decrypt, re-encrypt com o novo pn":
// desfaz a tag do delta anterior (se houver), grava o novo delta de
// 24 bits e aplica a nova tag keyed por (original, novo).
func Retransmit(buf []byte, retransmissionPN uint64, s crypto.Sealer) error {
	if s.TagLen() < crypto.MinTagLen {
		return wire.NewInvariantViolation("auth tag length below minimum")
	}

	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return err
	}
	tag := Tag(tagByte)
	if err := tag.Validate(KindStream); err != nil {
		return err
	}
	if _, err := decodeCredentials(d); err != nil {
		return err
	}
	if _, err := d.Uint16(); err != nil {
		return err
	}
	if tag.HasSourceStreamPort() {
		if _, err := d.Uint16(); err != nil {
			return err
		}
	}
	streamID, err := decodeStreamID(d)
	if err != nil {
		return err
	}
	if !streamID.IsReliable {
		return wire.NewInvariantViolation("only reliable streams can be retransmitted")
	}
	originalPN, err := d.VarInt()
	if err != nil {
		return err
	}
	fieldOffset := d.Pos()
	prev, err := d.Uint24()
	if err != nil {
		return err
	}

	if retransmissionPN < originalPN {
		return wire.NewInvariantViolation("invalid retransmission packet number")
	}
	delta := retransmissionPN - originalPN
	if delta >= maxRetransmissionDelta {
		return wire.NewInvariantViolation("packet is too old")
	}

	if d.Len() < s.TagLen() {
		return wire.NewInvariantViolation("missing auth tag")
	}
	rest := d.Remaining()
	authTag := rest[len(rest)-s.TagLen():]

	// Desfaz a retransmissão anterior, se houver.
	if prev != 0 {
		s.RetransmissionTag(originalPN, originalPN+uint64(prev), authTag)
	}

	buf[fieldOffset] = byte(delta >> 16)
	buf[fieldOffset+1] = byte(delta >> 8)
	buf[fieldOffset+2] = byte(delta)

	if delta != 0 {
		s.RetransmissionTag(originalPN, retransmissionPN, authTag)
	}

	return nil
}

// StreamParams descreve os campos de um pacote de stream a selar.
type StreamParams struct {
	Credentials               Credentials
	SourceControlPort         uint16
	SourceStreamPort          uint16 // incluído se HasSourceStreamPort
	HasSourceStreamPort       bool
	StreamID                  StreamID
	PacketNumber              uint64
	NextExpectedControlPacket uint64
	StreamOffset              uint64
	FinalOffset               uint64 // incluído se HasFinalOffset
	HasFinalOffset            bool
	KeyPhase                  bool
	ApplicationHeader         []byte
	ControlData               []byte
}

// EncodeStream monta e sela um pacote de stream completo, retornando
// os bytes prontos para o socket. Para streams reliable o campo de
// retransmissão é emitido zerado (pacote original).
func EncodeStream(p StreamParams, plaintext []byte, s crypto.Sealer) ([]byte, error) {
	tag := kindStream
	if p.KeyPhase {
		tag |= KeyPhaseMask
	}
	if p.HasSourceStreamPort {
		tag |= HasSourceStreamPortMask
	}
	if p.HasFinalOffset {
		tag |= HasFinalOffsetMask
	}
	if len(p.ControlData) > 0 {
		tag |= HasControlDataMask
	}
	if len(p.ApplicationHeader) > 0 {
		tag |= HasApplicationHeaderMask
	}

	if p.HasFinalOffset && p.FinalOffset < p.StreamOffset+uint64(len(plaintext)) {
		return nil, wire.NewInvariantViolation("payload extends past final offset")
	}

	buf := make([]byte, 0, 64+len(p.ApplicationHeader)+len(p.ControlData)+len(plaintext)+s.TagLen())
	buf = append(buf, byte(tag))
	buf = appendCredentials(buf, p.Credentials)
	buf = wire.AppendUint16(buf, p.SourceControlPort)
	if p.HasSourceStreamPort {
		buf = wire.AppendUint16(buf, p.SourceStreamPort)
	}
	buf = appendStreamID(buf, p.StreamID)
	buf = wire.AppendVarInt(buf, p.PacketNumber)
	if p.StreamID.IsReliable {
		buf = wire.AppendUint24(buf, 0)
	}
	buf = wire.AppendVarInt(buf, p.NextExpectedControlPacket)
	buf = wire.AppendVarInt(buf, p.StreamOffset)
	if p.HasFinalOffset {
		buf = wire.AppendVarInt(buf, p.FinalOffset)
	}
	if len(p.ControlData) > 0 {
		buf = wire.AppendVarInt(buf, uint64(len(p.ControlData)))
	}
	buf = wire.AppendVarInt(buf, uint64(len(plaintext)))
	if len(p.ApplicationHeader) > 0 {
		buf = wire.AppendVarInt(buf, uint64(len(p.ApplicationHeader)))
	}
	buf = append(buf, p.ApplicationHeader...)
	buf = append(buf, p.ControlData...)

	// Tudo até aqui é header/AAD; sela o payload com nonce = pn.
	sealed := s.Seal(p.PacketNumber, buf, plaintext)
	return append(buf, sealed...), nil
}
