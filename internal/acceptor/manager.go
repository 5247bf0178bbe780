// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package acceptor

import (
	"time"

	"github.com/nishisan-dev/n-transport/internal/recovery"
)

// Limites do max sojourn time.
const (
	minSojournTime = 1 * time.Second
	maxSojournTime = 5 * time.Second

	// initialSojournEstimate evita churn de backlog antes de amostras
	// estáveis.
	initialSojournEstimate = 30 * time.Second
)

// slotState é o bookkeeping de um slot de worker.
type slotState struct {
	active    bool
	queueTime time.Time
	// epoch cresce a cada atribuição; um worker substituído tem epoch
	// estritamente maior que o anterior.
	epoch uint64
	// parks/unparks são contadores distintos de estacionamento do
	// worker; cada evento incrementa apenas o seu.
	parks   uint64
	unparks uint64
}

// Manager mantém o conjunto fixo de slots de worker: a FIFO de slots
// livres, a deque ordenada por queue_time e o contador de GC de slots
// terminados que ainda não voltaram à lista livre.
//
// Não é thread-safe: pertence ao loop do acceptor.
type Manager struct {
	workers []slotState

	// free: índices ociosos, FIFO.
	free []int
	// bySojourn: índices em ordem de queue_time crescente (mais antigo
	// na frente). Inclui slots terminados até a próxima varredura.
	bySojourn []int
	// gcCount: quantos slots em bySojourn já terminaram.
	gcCount int

	sojourn *recovery.RttEstimator

	now func() time.Time
}

// NewManager cria um manager com capacity slots.
func NewManager(capacity int) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	m := &Manager{
		workers: make([]slotState, capacity),
		sojourn: recovery.NewRttEstimator(initialSojournEstimate),
		now:     time.Now,
	}
	for i := 0; i < capacity; i++ {
		m.free = append(m.free, i)
	}
	return m
}

// Capacity retorna o número total de slots.
func (m *Manager) Capacity() int { return len(m.workers) }

// ActiveSlots retorna os slots com stream ativo (excluindo GC pendente).
func (m *Manager) ActiveSlots() int { return len(m.bySojourn) - m.gcCount }

// FreeSlots retorna os slots disponíveis (incluindo GC pendente).
func (m *Manager) FreeSlots() int { return len(m.free) + m.gcCount }

// Epoch retorna o epoch corrente do slot.
func (m *Manager) Epoch(idx int) uint64 { return m.workers[idx].epoch }

// SlotCounters retorna os contadores distintos de park e unpark do
// slot. Unpark conta atribuições; park conta términos.
func (m *Manager) SlotCounters(idx int) (parks, unparks uint64) {
	return m.workers[idx].parks, m.workers[idx].unparks
}

// MaxSojournTime retorna o limite corrente de sojourn: se um worker já
// está em 2x o sojourn suavizado, a latência está alta demais — melhor
// aceitar uma conexão nova no lugar.
func (m *Manager) MaxSojournTime() time.Duration {
	d := 2 * m.sojourn.Smoothed()
	if d < minSojournTime {
		return minSojournTime
	}
	if d > maxSojournTime {
		return maxSojournTime
	}
	return d
}

// Assign coloca um socket fresco em um slot, retornando o índice e,
// quando um worker ativo foi despejado por sojourn excedido, seu
// índice anterior em evicted (-1 caso contrário).
//
// Retorna ok=false quando todos os slots estão ocupados e nenhum
// excedeu o max sojourn (SlotsAtCapacity).
func (m *Manager) Assign(queueTime time.Time) (idx int, evicted int, ok bool) {
	evicted = -1

	// Sem slots livres e com GC pendente: varredura completa.
	if len(m.free) == 0 && m.gcCount > 0 {
		kept := m.bySojourn[:0]
		for _, i := range m.bySojourn {
			if m.workers[i].active {
				kept = append(kept, i)
			} else {
				m.free = append(m.free, i)
			}
		}
		m.bySojourn = kept
		m.gcCount = 0
	}

	if len(m.free) > 0 {
		idx = m.free[0]
		m.free = m.free[1:]
	} else {
		// O mais antigo está na frente; despeja se excedeu o limite.
		oldest := m.bySojourn[0]
		sojourn := m.now().Sub(m.workers[oldest].queueTime)
		if sojourn < m.MaxSojournTime() {
			return 0, -1, false
		}
		m.bySojourn = m.bySojourn[1:]
		idx = oldest
		evicted = oldest
	}

	w := &m.workers[idx]
	w.active = true
	w.queueTime = queueTime
	w.epoch++
	w.unparks++

	// A fresh queue é LIFO: sockets mais antigos podem ser atribuídos
	// depois dos mais novos. Insere na posição que mantém bySojourn
	// ordenada por queue_time.
	// Slots inativos (GC pendente) são transparentes para a ordenação.
	pos := len(m.bySojourn)
	for pos > 0 {
		prev := &m.workers[m.bySojourn[pos-1]]
		if prev.active && !prev.queueTime.After(queueTime) {
			break
		}
		pos--
	}
	m.bySojourn = append(m.bySojourn, 0)
	copy(m.bySojourn[pos+1:], m.bySojourn[pos:])
	m.bySojourn[pos] = idx

	m.invariants()
	return idx, evicted, true
}

// Finish marca o worker como terminado. O slot permanece em bySojourn
// até a próxima varredura de GC; gcCount registra a pendência.
// A duração do sojourn alimenta o estimador.
func (m *Manager) Finish(idx int, epoch uint64) {
	w := &m.workers[idx]
	// Um worker substituído pode reportar término tardio; epochs
	// divergentes identificam o slot já reatribuído.
	if !w.active || w.epoch != epoch {
		return
	}
	w.active = false
	w.parks++
	m.gcCount++

	m.sojourn.Update(m.now().Sub(w.queueTime))
	m.invariants()
}

// SojournTime retorna há quanto tempo o slot está com o stream atual.
func (m *Manager) SojournTime(idx int) time.Duration {
	return m.now().Sub(m.workers[idx].queueTime)
}

// invariants valida o bookkeeping dos slots:
//
//   - todo índice está em exatamente uma de free ou bySojourn;
//   - slots em free não têm stream ativo;
//   - bySojourn está ordenada por queue_time não-decrescente
//     (ignorando slots inativos);
//   - gcCount corresponde aos slots inativos em bySojourn.
func (m *Manager) invariants() {
	seen := make(map[int]int, len(m.workers))
	for _, i := range m.free {
		seen[i]++
		if m.workers[i].active {
			panic("acceptor: free slot with active stream")
		}
	}
	inactive := 0
	var prev time.Time
	var hasPrev bool
	for _, i := range m.bySojourn {
		seen[i]++
		w := &m.workers[i]
		if !w.active {
			inactive++
			continue
		}
		if hasPrev && w.queueTime.Before(prev) {
			panic("acceptor: by_sojourn_time out of order")
		}
		prev = w.queueTime
		hasPrev = true
	}
	if inactive != m.gcCount {
		panic("acceptor: gc count out of sync")
	}
	for i := range m.workers {
		if seen[i] != 1 {
			panic("acceptor: slot in zero or multiple lists")
		}
	}
}
