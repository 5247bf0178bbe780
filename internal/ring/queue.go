// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ring

// Queue é uma fila SPSC in-process construída sobre o Cursor.
// Push e Pop são não-bloqueantes; o chamador acopla seus próprios
// sinais de wakeup (ver recv.Shared).
type Queue[T any] struct {
	producer *Cursor[T]
	consumer *Cursor[T]
}

// NewQueue cria uma fila SPSC com capacidade size (potência de dois).
func NewQueue[T any](size uint32) *Queue[T] {
	p, c := NewPair[T](size)
	return &Queue[T]{producer: p, consumer: c}
}

// Push insere v se houver espaço. Deve ser chamado por uma única
// goroutine produtora.
func (q *Queue[T]) Push(v T) bool {
	if q.producer.AcquireProducer(1) == 0 {
		return false
	}
	head, _ := q.producer.Data()
	head[0] = v
	q.producer.ReleaseProducer(1)
	return true
}

// Pop remove a entry mais antiga, se houver. Deve ser chamado por uma
// única goroutine consumidora.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.consumer.AcquireConsumer(1) == 0 {
		return zero, false
	}
	head, _ := q.consumer.Data()
	v := head[0]
	head[0] = zero
	q.consumer.ReleaseConsumer(1)
	return v, true
}

// Len retorna quantas entries estão prontas para consumo.
// Só é exato quando chamado pelo lado consumidor.
func (q *Queue[T]) Len() int {
	return int(q.consumer.AcquireConsumer(1))
}
