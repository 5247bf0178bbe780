// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recv

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/packet"
)

// AckMode seleciona qual task emite ACKs.
type AckMode uint8

const (
	// AckModeApplication (default): a task de aplicação tenta enviar o
	// ACK no release do guard; o worker só é acordado se o envio falha.
	AckModeApplication AckMode = iota
	// AckModeWorker: o worker decide via ShouldTransmit().
	AckModeWorker
)

// Estados da aplicação (atomic uint32).
const (
	appOpen uint32 = iota
	appClosed
	appClosedPanicking
)

// Sender é o socket de envio que a aplicação possui.
type Sender interface {
	Send(pkt []byte) error
}

// DispatchBuffer indica de onde o worker drena pacotes.
type DispatchBuffer uint8

const (
	// DispatchLocal: o worker possui a fonte de recepção (o socket,
	// ou um ring SPSC à sua frente) e a drena via Config.Source, sem
	// passar pelo canal cross-task; a drenagem ocorre com o lock
	// compartilhado já obtido por TryLock.
	DispatchLocal DispatchBuffer = iota
	// DispatchChannel: pacotes chegam de outra task via EnqueuePacket
	// e aguardam no inner até o próximo poll do worker.
	DispatchChannel
)

// RecvSource é a fonte de pacotes possuída pelo worker no modo
// DispatchLocal. PollRecv não bloqueia: retorna (nil, nil) quando não
// há pacote pronto.
type RecvSource interface {
	PollRecv() ([]byte, error)
}

// inner é o estado protegido pelo mutex.
type inner struct {
	recv *Receiver
	// dispatch é imutável após a construção; leituras fora do lock são
	// seguras.
	dispatch    DispatchBuffer
	handshaking bool

	// Pacotes recebidos aguardando dispatch (caminho Channel).
	pending [][]byte

	// Endereço/fila de origem registrados no último pacote válido.
	sourceControlPort uint16
	sourceQueueID     uint32
	hasSourceQueueID  bool
}

// Shared coordena o estado de recepção entre exatamente duas tasks: a
// aplicação (que lê) e o worker (I/O de fundo e emissão de ACK).
//
// O mutex nunca é mantido através de bloqueio pela aplicação; o worker
// usa TryLock e, sob contenção, devolve o turno e rearma seu timer.
type Shared struct {
	mu sync.Mutex
	in inner

	// appEpoch é incrementado a cada entrada da aplicação.
	appEpoch atomic.Uint64
	// appState é o valor atômico (uint32) de estado da aplicação.
	appState atomic.Uint32

	// workerWaker acorda o worker (canal-sentinela de capacidade 1).
	workerWaker chan struct{}

	ackMode  AckMode
	reliable bool

	creds  packet.Credentials
	opener crypto.Opener
	sealer crypto.Sealer

	sender Sender
	source RecvSource
	logger *slog.Logger

	// Contadores de estatística, lidos sem lock.
	packetsDelivered atomic.Uint64
	packetsDropped   atomic.Uint64
}

// Config parametriza um Shared.
type Config struct {
	AckMode     AckMode
	Reliable    bool
	IdleTimeout time.Duration
	Dispatch    DispatchBuffer
	Credentials packet.Credentials
	Opener      crypto.Opener
	Sealer      crypto.Sealer
	Sender      Sender
	// Source é obrigatório em DispatchLocal e ignorado em
	// DispatchChannel.
	Source RecvSource
	Logger *slog.Logger
}

// NewShared cria o estado compartilhado de um stream.
func NewShared(cfg Config) *Shared {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dispatch == DispatchLocal && cfg.Source == nil {
		panic("recv: DispatchLocal requires a Source")
	}
	return &Shared{
		in: inner{
			recv:        NewReceiver(cfg.IdleTimeout),
			dispatch:    cfg.Dispatch,
			handshaking: true,
		},
		workerWaker: make(chan struct{}, 1),
		ackMode:     cfg.AckMode,
		reliable:    cfg.Reliable,
		creds:       cfg.Credentials,
		opener:      cfg.Opener,
		sealer:      cfg.Sealer,
		sender:      cfg.Sender,
		source:      cfg.Source,
		logger:      logger,
	}
}

// AppEpoch retorna o epoch corrente da aplicação.
func (s *Shared) AppEpoch() uint64 { return s.appEpoch.Load() }

// IsAppClosed reporta se a aplicação sinalizou shutdown.
func (s *Shared) IsAppClosed() bool { return s.appState.Load() != appOpen }

// CloseApp sinaliza shutdown do worker a partir da aplicação, fora do
// caminho normal de estado terminal (ex: desligamento do processo).
func (s *Shared) CloseApp() {
	s.appState.Store(appClosed)
	s.WakeWorker()
}

// WakeWorker acorda o worker sem bloquear.
func (s *Shared) WakeWorker() {
	select {
	case s.workerWaker <- struct{}{}:
	default:
	}
}

// WorkerWaker expõe o canal de wakeup para o loop do worker.
func (s *Shared) WorkerWaker() <-chan struct{} { return s.workerWaker }

// Stats retorna contadores lock-free do pipeline.
func (s *Shared) Stats() (delivered, dropped uint64) {
	return s.packetsDelivered.Load(), s.packetsDropped.Load()
}

// AppGuard é o guard de acesso da task de aplicação.
//
// A aquisição incrementa o epoch, trava o inner e tira um snapshot do
// estado do receiver. O release executa a política de ACK, destrava e
// sinaliza o worker conforme a transição de estado observada.
type AppGuard struct {
	shared       *Shared
	initialState State
	panicking    bool
}

// AcquireApp entra em uma operação de leitura da aplicação.
func (s *Shared) AcquireApp() *AppGuard {
	s.appEpoch.Add(1)
	s.mu.Lock()
	return &AppGuard{
		shared:       s,
		initialState: s.in.recv.state,
	}
}

// Receiver dá acesso ao receiver sob o guard.
func (g *AppGuard) Receiver() *Receiver { return g.shared.in.recv }

// SetPanicking marca que o release ocorre durante um panic da
// aplicação; o estado atômico registra a distinção.
func (g *AppGuard) SetPanicking() { g.panicking = true }

// Release executa a política de ACK, destrava o inner e acorda o
// worker quando necessário. Deve ser chamado exatamente uma vez.
func (g *AppGuard) Release() {
	s := g.shared
	recv := s.in.recv

	wakeWorker := false

	// Transportes reliable não emitem ACK: o próprio stream é ordenado.
	if !s.reliable {
		switch s.ackMode {
		case AckModeApplication:
			pkts := recv.FillTransmitQueue(s.creds, s.sealer)
			for _, pkt := range pkts {
				if err := s.sender.Send(pkt); err != nil {
					// Envio falhou: o worker assume a emissão.
					s.logger.Debug("application ack send failed, deferring to worker", "error", err)
					recv.ackEliciting = true
					wakeWorker = true
					break
				}
			}
		case AckModeWorker:
			if recv.ShouldTransmit() {
				wakeWorker = true
			}
		}
	}

	recv.OnRead()
	currentState := recv.state
	terminal := currentState.IsTerminal()

	s.mu.Unlock()

	if terminal {
		if g.panicking {
			s.appState.Store(appClosedPanicking)
		} else {
			s.appState.Store(appClosed)
		}
		s.WakeWorker()
		return
	}

	if g.initialState != currentState || wakeWorker {
		s.WakeWorker()
	}
}
