// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import "encoding/binary"

// Decoder percorre um buffer emprestado mantendo a posição corrente.
// Todas as operações validam limites antes de fatiar; nenhuma copia
// payload. O buffer subjacente permanece mutável pelo chamador (o
// codec de pacotes reescreve bytes in-place durante retransmissão).
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder cria um Decoder sobre buf a partir da posição 0.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Len retorna quantos bytes ainda não foram consumidos.
func (d *Decoder) Len() int {
	return len(d.buf) - d.pos
}

// Pos retorna o offset corrente desde o início do buffer.
func (d *Decoder) Pos() int {
	return d.pos
}

// EnsureLen falha com UnexpectedEof se restam menos de n bytes.
func (d *Decoder) EnsureLen(n int) error {
	if d.Len() < n {
		return NewUnexpectedEOF(n - d.Len())
	}
	return nil
}

// EnsureEmpty falha com UnexpectedBytes se ainda restam bytes.
func (d *Decoder) EnsureEmpty() error {
	if d.Len() != 0 {
		return NewUnexpectedBytes(d.Len())
	}
	return nil
}

// Uint8 decodifica um byte.
func (d *Decoder) Uint8() (uint8, error) {
	if err := d.EnsureLen(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint16 decodifica um inteiro de 16 bits big-endian.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.EnsureLen(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

// Uint24 decodifica um inteiro de 24 bits big-endian.
func (d *Decoder) Uint24() (uint32, error) {
	if err := d.EnsureLen(3); err != nil {
		return 0, err
	}
	b := d.buf[d.pos:]
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	d.pos += 3
	return v, nil
}

// Uint32 decodifica um inteiro de 32 bits big-endian.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.EnsureLen(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Uint64 decodifica um inteiro de 64 bits big-endian.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.EnsureLen(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Slice destaca os próximos n bytes sem copiá-los.
// O slice retornado aliasa o buffer subjacente.
func (d *Decoder) Slice(n int) ([]byte, error) {
	if n < 0 {
		return nil, NewLengthCapacityExceeded()
	}
	if err := d.EnsureLen(n); err != nil {
		return nil, err
	}
	// Sem cap no reslice: o codec estende a janela de payload para
	// payload||tag no open in-place.
	s := d.buf[d.pos : d.pos+n]
	d.pos += n
	return s, nil
}

// LenPrefixedSlice decodifica um varint de comprimento e destaca o
// subslice correspondente.
func (d *Decoder) LenPrefixedSlice() ([]byte, error) {
	n, err := d.VarInt()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, NewUnexpectedEOF(int(n) - d.Len())
	}
	return d.Slice(int(n))
}

// Skip avança a posição em n bytes.
func (d *Decoder) Skip(n int) error {
	if n < 0 {
		return NewLengthCapacityExceeded()
	}
	if err := d.EnsureLen(n); err != nil {
		return err
	}
	d.pos += n
	return nil
}

// SkipIntoRange avança n bytes e retorna um CheckedRange cobrindo-os,
// para recuperação posterior sem manter o slice emprestado.
func (d *Decoder) SkipIntoRange(n int) (CheckedRange, error) {
	start := d.pos
	if err := d.Skip(n); err != nil {
		return CheckedRange{}, err
	}
	return CheckedRange{Start: start, End: d.pos}, nil
}

// Remaining retorna o sufixo ainda não consumido (aliasando o buffer).
func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}

// CheckedRange identifica um subintervalo validado do buffer de origem.
// Get re-materializa o slice a partir de qualquer cópia do buffer com o
// mesmo layout (usado para header/application-header/control-data após
// o header completo ser destacado).
type CheckedRange struct {
	Start int
	End   int
}

// Len retorna o comprimento do intervalo.
func (r CheckedRange) Len() int {
	return r.End - r.Start
}

// Get retorna os bytes do intervalo dentro de buf.
// buf deve ser o mesmo buffer (ou prefixo equivalente) usado no decode.
func (r CheckedRange) Get(buf []byte) []byte {
	return buf[r.Start:r.End]
}
