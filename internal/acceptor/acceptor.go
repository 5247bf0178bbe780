// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package acceptor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Config parametriza o acceptor TCP.
type Config struct {
	// Backlog dimensiona a fresh queue e o canal de accept.
	Backlog int
	// Workers é o número de slots de worker.
	Workers int
	// Flavor define a ordem de entrega do canal de accept.
	Flavor Flavor
	Logger *slog.Logger

	// Métricas opcionais.
	OnAccepted func()
	OnDropped  func(reason string)
}

// Acceptor converte sockets TCP aceitos em StreamBuilders autenticados,
// publicados no canal de accept.
type Acceptor struct {
	cfg      Config
	listener net.Listener
	fresh    *FreshQueue
	manager  *Manager
	channel  *Channel
	auth     Authenticator
	logger   *slog.Logger

	// conns rastreia o socket corrente de cada slot para que uma
	// eviction possa fechá-lo e desbloquear o worker.
	conns []net.Conn

	freshSignal chan struct{}
	results     chan workerResult
}

// New cria um acceptor sobre o listener dado.
func New(listener net.Listener, auth Authenticator, cfg Config) *Acceptor {
	if cfg.Backlog < 1 {
		cfg.Backlog = 16
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Acceptor{
		cfg:         cfg,
		listener:    listener,
		fresh:       NewFreshQueue(cfg.Backlog),
		manager:     NewManager(cfg.Workers),
		channel:     NewChannel(cfg.Backlog, cfg.Flavor),
		auth:        auth,
		logger:      logger,
		conns:       make([]net.Conn, cfg.Workers),
		freshSignal: make(chan struct{}, 1),
		results:     make(chan workerResult, cfg.Workers),
	}
}

// AcceptChannel retorna o canal consumido pela aplicação.
func (a *Acceptor) AcceptChannel() *Channel { return a.channel }

// Manager expõe o bookkeeping de slots (para métricas).
func (a *Acceptor) Manager() *Manager { return a.manager }

// Run dirige o acceptor até o contexto encerrar ou o canal de accept
// ser fechado pela aplicação.
func (a *Acceptor) Run(ctx context.Context) error {
	go a.acceptLoop(ctx)

	defer a.fresh.Close()
	defer a.closeAllSlots()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.freshSignal:
			if !a.assignFresh() {
				return ErrChannelClosed
			}

		case res := <-a.results:
			if !a.handleResult(res) {
				return ErrChannelClosed
			}
			// Um slot liberado pode destravar sockets pendentes.
			if !a.assignFresh() {
				return ErrChannelClosed
			}
		}
	}
}

// acceptLoop drena o accept do kernel para a fresh queue.
// Erros de accept são reportados mas não bloqueiam o progresso.
func (a *Acceptor) acceptLoop(ctx context.Context) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("tcp accept error", "error", err)
			continue
		}

		if dropped := a.fresh.Push(conn, time.Now()); dropped > 0 {
			a.drop("FreshQueueAtCapacity", dropped)
		}
		select {
		case a.freshSignal <- struct{}{}:
		default:
		}
	}
}

// assignFresh atribui sockets da fresh queue a slots de worker.
// Sockets sem slot disponível são descartados (SlotsAtCapacity).
// Retorna false se o canal de accept foi fechado.
func (a *Acceptor) assignFresh() bool {
	if a.channel.IsClosed() {
		return false
	}

	for {
		conn, queueTime, ok := a.fresh.Pop()
		if !ok {
			return true
		}

		idx, evicted, ok := a.manager.Assign(queueTime)
		if !ok {
			// NOTA: não aplicamos backpressure no accept do kernel —
			// a fila deve ficar curta para que o controle fique em
			// userspace.
			conn.Close()
			a.drop("SlotsAtCapacity", 1)
			continue
		}

		if evicted >= 0 {
			// Worker recuperado por sojourn excedido: fecha o socket
			// antigo; o resultado tardio será ignorado pelo epoch.
			if old := a.conns[evicted]; old != nil {
				old.Close()
			}
			a.drop("SojournExceeded", 1)
			a.logger.Debug("worker reclaimed for max sojourn",
				"slot", evicted,
				"maxSojournTime", a.manager.MaxSojournTime())
		}

		a.conns[idx] = conn
		epoch := a.manager.Epoch(idx)
		go runWorker(conn, idx, epoch, a.auth, maxSojournTime, a.results)
	}
}

// handleResult publica builders no canal de accept e recolhe o slot.
// Retorna false quando o canal de accept caiu (Break do acceptor).
func (a *Acceptor) handleResult(res workerResult) bool {
	a.manager.Finish(res.idx, res.epoch)
	if a.conns[res.idx] != nil && a.manager.Epoch(res.idx) == res.epoch {
		a.conns[res.idx] = nil
	}

	if res.err != nil {
		// Erros de I/O do acceptor são logados; o acceptor continua.
		a.drop("AcceptError", 1)
		a.logger.Debug("worker failed", "slot", res.idx, "error", res.err)
		return true
	}

	if !a.channel.Send(Entry{Stream: res.builder, QueueTime: time.Now()}) {
		res.builder.Close()
		return false
	}
	if a.cfg.OnAccepted != nil {
		a.cfg.OnAccepted()
	}
	a.logger.Info("stream accepted",
		"stream", res.builder.ID.String(),
		"remote", res.builder.Conn.RemoteAddr())
	return true
}

func (a *Acceptor) drop(reason string, n int) {
	if a.cfg.OnDropped != nil {
		for i := 0; i < n; i++ {
			a.cfg.OnDropped(reason)
		}
	}
	a.logger.Debug("connection dropped", "reason", reason, "count", n)
}

func (a *Acceptor) closeAllSlots() {
	for _, c := range a.conns {
		if c != nil {
			c.Close()
		}
	}
}
