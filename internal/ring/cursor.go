// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ring implementa o cursor de índices single-producer /
// single-consumer usado por filas compartilhadas com o kernel e por
// canais internos.
//
// O algoritmo assume tamanho potência de dois e aritmética wrapping de
// 32 bits sem sinal. A fronteira produtor/consumidor usa Acquire no
// load e Release no fetch-add: tudo que foi escrito nas entries antes
// de ReleaseProducer é visível após o AcquireConsumer correspondente.
package ring

import "sync/atomic"

// Shared é o estado compartilhado entre os dois lados de um ring:
// os contadores atômicos e o array de entries.
type Shared[T any] struct {
	producer atomic.Uint32
	consumer atomic.Uint32
	entries  []T
}

// Cursor gerencia o lado de um ring SPSC.
// Cada lado (produtor ou consumidor) possui exatamente um Cursor e
// NÃO é thread-safe dentro do próprio lado.
type Cursor[T any] struct {
	// Cópias locais dos contadores, para evitar sincronização atômica
	// quando o comprimento em cache já satisfaz o watermark.
	cachedProducer uint32
	cachedConsumer uint32

	// cachedLen é o comprimento derivado disponível para o dono deste
	// cursor; mantido em sincronia com os campos cached acima.
	cachedLen uint32

	mask uint32
	size uint32

	isProducer bool
	shared     *Shared[T]
}

// NewPair aloca um ring de tamanho size (potência de dois) e retorna
// os cursores do produtor e do consumidor.
func NewPair[T any](size uint32) (*Cursor[T], *Cursor[T]) {
	if size == 0 || size&(size-1) != 0 {
		panic("ring: size must be a power of two")
	}
	shared := &Shared[T]{entries: make([]T, size)}

	producer := &Cursor[T]{
		mask:       size - 1,
		size:       size,
		isProducer: true,
		shared:     shared,
	}
	// O lado produtor armazena o consumidor pré-incrementado em size:
	// assim cachedConsumer - cachedProducer já é o espaço livre.
	producer.cachedConsumer = size
	producer.cachedLen = size

	consumer := &Cursor[T]{
		mask:   size - 1,
		size:   size,
		shared: shared,
	}

	return producer, consumer
}

// Size retorna a capacidade do ring.
func (c *Cursor[T]) Size() uint32 { return c.size }

// CachedLen retorna o comprimento em cache sem sincronizar.
func (c *Cursor[T]) CachedLen() uint32 { return c.cachedLen }

// AcquireProducer retorna quantos slots estão livres para produção,
// sincronizando com o consumidor apenas se o cache não cobre o
// watermark pedido.
func (c *Cursor[T]) AcquireProducer(watermark uint32) uint32 {
	if !c.isProducer {
		panic("ring: AcquireProducer on consumer cursor")
	}
	if c.cachedLen >= watermark {
		return c.cachedLen
	}

	shifted := c.shared.consumer.Load() + c.size
	if c.cachedConsumer == shifted {
		return c.cachedLen
	}

	c.cachedConsumer = shifted
	c.cachedLen = c.cachedConsumer - c.cachedProducer
	return c.cachedLen
}

// ReleaseProducer publica len entries para o consumidor.
// len não pode exceder o valor retornado por AcquireProducer.
func (c *Cursor[T]) ReleaseProducer(len uint32) {
	if !c.isProducer {
		panic("ring: ReleaseProducer on consumer cursor")
	}
	if len > c.cachedConsumer-c.cachedProducer {
		panic("ring: release exceeds acquired producer entries")
	}
	c.cachedProducer += len
	c.cachedLen -= len
	c.shared.producer.Add(len)
}

// AcquireConsumer retorna quantas entries estão prontas para consumo.
func (c *Cursor[T]) AcquireConsumer(watermark uint32) uint32 {
	if c.isProducer {
		panic("ring: AcquireConsumer on producer cursor")
	}
	if c.cachedLen >= watermark {
		return c.cachedLen
	}

	newValue := c.shared.producer.Load()
	if c.cachedProducer == newValue {
		return c.cachedLen
	}

	c.cachedProducer = newValue
	c.cachedLen = c.cachedProducer - c.cachedConsumer
	return c.cachedLen
}

// ReleaseConsumer devolve len entries ao produtor.
// len não pode exceder o valor retornado por AcquireConsumer.
func (c *Cursor[T]) ReleaseConsumer(len uint32) {
	if c.isProducer {
		panic("ring: ReleaseConsumer on producer cursor")
	}
	if len > c.cachedProducer-c.cachedConsumer {
		panic("ring: release exceeds acquired consumer entries")
	}
	c.cachedConsumer += len
	c.cachedLen -= len
	c.shared.consumer.Add(len)
}

// Data retorna as duas fatias (head, tail) do intervalo disponível
// para o dono do cursor, tratando o wrap do ring. O chamador ordena as
// chamadas com Acquire*/Release*.
func (c *Cursor[T]) Data() ([]T, []T) {
	var idx uint32
	if c.isProducer {
		idx = c.cachedProducer & c.mask
	} else {
		idx = c.cachedConsumer & c.mask
	}
	n := c.cachedLen

	if idx+n <= c.size {
		return c.shared.entries[idx : idx+n], nil
	}
	head := c.shared.entries[idx:]
	tail := c.shared.entries[:n-uint32(len(head))]
	return head, tail
}
