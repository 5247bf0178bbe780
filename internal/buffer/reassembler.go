// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implementa o reassembler de recepção: aceita faixas
// de bytes fora de ordem indexadas por offset absoluto e as entrega em
// ordem.
//
// O buffer é otimizado para o caso comum de chegada em ordem: slots
// são alocados em blocos pageados cujo tamanho cresce com o offset, e
// slots adjacentes dentro do mesmo bloco são fundidos no preenchimento
// para que o consumidor receba chunks grandes.
package buffer

import (
	"errors"

	"github.com/nishisan-dev/n-transport/internal/wire"
)

// Erros do reassembler. Ambos são terminais para o stream.
var (
	// ErrOutOfRange indica uma escrita além do offset máximo representável.
	ErrOutOfRange = errors.New("buffer: write extends out of the maximum possible offset")
	// ErrInvalidFin indica uma escrita que modifica o final offset de
	// forma não-conforme.
	ErrInvalidFin = errors.New("buffer: write modifies the final offset in a non-compliant manner")
)

// minAllocationSize é o tamanho mínimo de bloco de um slot (page size).
const minAllocationSize = 4096

// unknownFinalSize sentinela: maior que qualquer offset válido
// (offsets reais são limitados a wire.VarIntMax).
const unknownFinalSize = ^uint64(0)

// slot cobre uma faixa contígua de bytes recebidos.
// data começa no offset absoluto start; o slot pode crescer por append
// até endAllocated.
type slot struct {
	start        uint64
	endAllocated uint64
	data         []byte
}

func (s *slot) end() uint64 {
	return s.start + uint64(len(s.data))
}

// Reassembler é o receive buffer ordenado de um stream.
// Não é thread-safe: o chamador (recv.Shared) serializa o acesso.
type Reassembler struct {
	slots         []slot
	startOffset   uint64 // offset consumido (próximo byte a entregar)
	maxRecvOffset uint64
	finalOffset   uint64
}

// New cria um Reassembler vazio.
func New() *Reassembler {
	return &Reassembler{finalOffset: unknownFinalSize}
}

// FinalSize retorna o tamanho final do stream, se conhecido.
func (r *Reassembler) FinalSize() (uint64, bool) {
	if r.finalOffset == unknownFinalSize {
		return 0, false
	}
	return r.finalOffset, true
}

// ConsumedOffset retorna quantos bytes já foram consumidos.
func (r *Reassembler) ConsumedOffset() uint64 {
	return r.startOffset
}

// Len retorna quantos bytes contíguos estão prontos para leitura.
func (r *Reassembler) Len() int {
	n := 0
	prevEnd := r.startOffset
	for i := range r.slots {
		if r.slots[i].start != prevEnd {
			break
		}
		n += len(r.slots[i].data)
		prevEnd = r.slots[i].end()
	}
	return n
}

// IsEmpty reporta se não há bytes prontos para leitura.
func (r *Reassembler) IsEmpty() bool {
	return len(r.slots) == 0 || r.slots[0].start != r.startOffset
}

// TotalReceivedLen retorna consumido + contíguo bufferizado.
func (r *Reassembler) TotalReceivedLen() uint64 {
	return r.startOffset + uint64(r.Len())
}

// IsWritingComplete reporta se o final size é conhecido e todos os
// bytes até ele foram recebidos de forma contígua.
func (r *Reassembler) IsWritingComplete() bool {
	f, ok := r.FinalSize()
	return ok && r.TotalReceivedLen() == f
}

// IsReadingComplete reporta se o final size é conhecido e todos os
// bytes foram consumidos.
func (r *Reassembler) IsReadingComplete() bool {
	f, ok := r.FinalSize()
	return ok && r.startOffset == f
}

// WriteAt insere data no offset absoluto indicado.
func (r *Reassembler) WriteAt(offset uint64, data []byte) error {
	return r.write(offset, data, false)
}

// WriteAtFin insere data cujo fim define o final size do stream.
func (r *Reassembler) WriteAtFin(offset uint64, data []byte) error {
	return r.write(offset, data, true)
}

func (r *Reassembler) write(offset uint64, data []byte, fin bool) error {
	end := offset + uint64(len(data))
	if end < offset || end > wire.VarIntMax {
		return ErrOutOfRange
	}

	if fin {
		// Um final size já registrado é imutável.
		if f, ok := r.FinalSize(); ok && f != end {
			return ErrInvalidFin
		}
		// Bytes já vistos além do final proposto o invalidam.
		if r.maxRecvOffset > end {
			return ErrInvalidFin
		}
		r.finalOffset = end
	} else if end > r.finalOffset {
		return ErrInvalidFin
	}

	// Descarta silenciosamente o que já foi consumido.
	if offset < r.startOffset {
		if end <= r.startOffset {
			return nil
		}
		data = data[r.startOffset-offset:]
		offset = r.startOffset
	}
	if len(data) == 0 {
		return nil
	}

	if end > r.maxRecvOffset {
		r.maxRecvOffset = end
	}

	r.insert(offset, data)
	return nil
}

// insert grava os subintervalos de [offset, offset+len) ainda não
// cobertos por slots existentes, fundindo slots adjacentes do mesmo
// bloco de alocação.
func (r *Reassembler) insert(offset uint64, data []byte) {
	for len(data) > 0 {
		idx, covered := r.coverage(offset)
		if covered > 0 {
			// Bytes já bufferizados: pula (retransmissão ou overlap).
			n := covered
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			offset += n
			data = data[n:]
			continue
		}

		// Comprimento do gap até o próximo slot.
		gap := uint64(len(data))
		if idx < len(r.slots) && r.slots[idx].start < offset+gap {
			gap = r.slots[idx].start - offset
		}

		n := r.place(idx, offset, data[:gap])
		offset += n
		data = data[n:]
	}
	r.invariants()
}

// coverage localiza offset entre os slots: retorna o índice do slot de
// inserção e quantos bytes a partir de offset já estão preenchidos.
func (r *Reassembler) coverage(offset uint64) (int, uint64) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.end() <= offset {
			continue
		}
		if s.start <= offset {
			return i, s.end() - offset
		}
		return i, 0
	}
	return len(r.slots), 0
}

// place grava um gap começando em offset, retornando quantos bytes
// foram consumidos (pode ser menos que len(data) se o bloco termina).
func (r *Reassembler) place(idx int, offset uint64, data []byte) uint64 {
	// Caso rápido: estende o slot anterior se contíguo e com capacidade.
	if idx > 0 {
		prev := &r.slots[idx-1]
		if prev.end() == offset && offset < prev.endAllocated {
			n := prev.endAllocated - offset
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			prev.data = append(prev.data, data[:n]...)
			r.tryUnsplit(idx - 1)
			return n
		}
	}

	// Aloca um novo slot no bloco que contém offset.
	size := allocationSize(offset)
	base := offset / size * size
	blockEnd := base + size

	// Não invade o próximo slot: o unsplit cuidará da fusão quando o
	// intervalo entre eles for preenchido.
	if idx < len(r.slots) && r.slots[idx].start < blockEnd {
		blockEnd = r.slots[idx].start
	}

	n := blockEnd - offset
	if n > uint64(len(data)) {
		n = uint64(len(data))
	}

	s := slot{
		start:        offset,
		endAllocated: blockEnd,
		data:         append(make([]byte, 0, blockEnd-offset), data[:n]...),
	}
	r.slots = append(r.slots, slot{})
	copy(r.slots[idx+1:], r.slots[idx:])
	r.slots[idx] = s

	r.tryUnsplit(idx)
	if idx > 0 {
		r.tryUnsplit(idx - 1)
	}
	return n
}

// tryUnsplit funde slots[idx] com o sucessor quando são contíguos e
// pertencem ao mesmo bloco de alocação.
func (r *Reassembler) tryUnsplit(idx int) {
	if idx+1 >= len(r.slots) {
		return
	}
	s := &r.slots[idx]
	next := &r.slots[idx+1]
	if s.end() != next.start {
		return
	}
	if blockOf(s.start) != blockOf(next.start) {
		return
	}
	s.data = append(s.data, next.data...)
	s.endAllocated = next.endAllocated
	r.slots = append(r.slots[:idx+1], r.slots[idx+2:]...)
}

// blockOf retorna a base do bloco de alocação que contém offset.
func blockOf(offset uint64) uint64 {
	size := allocationSize(offset)
	return offset / size * size
}

// allocationSize retorna o tamanho de bloco desejado para um offset.
//
// O tamanho cresce com o offset, assumindo que streams que já
// receberam muito continuarão recebendo:
//
//	offset < 64KiB   → 4KiB
//	offset < 256KiB  → 16KiB
//	offset < 1MiB    → 32KiB
//	senão            → 64KiB
func allocationSize(offset uint64) uint64 {
	for pow := 4; pow >= 2; pow-- {
		mult := uint64(1) << pow
		minOffset := uint64(minAllocationSize) * mult * mult
		if offset >= minOffset {
			return uint64(minAllocationSize) * mult
		}
	}
	return minAllocationSize
}

// Pop retorna o prefixo contíguo do slot da frente, avançando o offset
// consumido. Retorna nil se nada está pronto.
func (r *Reassembler) Pop() []byte {
	return r.PopWatermarked(int(^uint(0) >> 1))
}

// PopWatermarked é Pop com o comprimento limitado a watermark.
func (r *Reassembler) PopWatermarked(watermark int) []byte {
	if len(r.slots) == 0 || watermark <= 0 {
		return nil
	}
	s := &r.slots[0]
	if s.start != r.startOffset || len(s.data) == 0 {
		return nil
	}

	n := len(s.data)
	if n > watermark {
		n = watermark
	}

	out := s.data[:n]
	s.data = s.data[n:]
	s.start += uint64(n)
	r.startOffset += uint64(n)

	if len(s.data) == 0 {
		r.slots = r.slots[1:]
	}

	r.invariants()
	return out
}

// Skip avança o offset consumido em n bytes descartando os slots
// cobertos, sem materializar os bytes — usado quando a fonte upstream
// já é contígua e bufferizar seria redundante.
func (r *Reassembler) Skip(n uint64) error {
	if n == 0 {
		return nil
	}

	newStart := r.startOffset + n
	if newStart < r.startOffset {
		return ErrOutOfRange
	}
	if f, ok := r.FinalSize(); ok && newStart > f {
		return ErrInvalidFin
	}

	if newStart > r.maxRecvOffset {
		r.maxRecvOffset = newStart
	}
	r.startOffset = newStart

	for len(r.slots) > 0 {
		s := &r.slots[0]
		if s.end() <= newStart {
			r.slots = r.slots[1:]
			continue
		}
		if s.start < newStart {
			s.data = s.data[newStart-s.start:]
			s.start = newStart
		}
		break
	}

	r.invariants()
	return nil
}

// Reset descarta todo o estado do buffer.
func (r *Reassembler) Reset() {
	r.slots = nil
	r.startOffset = 0
	r.maxRecvOffset = 0
	r.finalOffset = unknownFinalSize
}

// invariants valida a ordenação e disjunção dos slots.
func (r *Reassembler) invariants() {
	prevEnd := r.startOffset
	for i := range r.slots {
		s := &r.slots[i]
		if s.start < prevEnd {
			panic("buffer: slots out of order")
		}
		if len(s.data) == 0 {
			panic("buffer: empty slot retained")
		}
		prevEnd = s.end()
	}
}
