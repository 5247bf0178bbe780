// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package endpoint

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-transport/internal/config"
	"github.com/nishisan-dev/n-transport/internal/logging"
	"github.com/nishisan-dev/n-transport/internal/metrics"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/recv"
	"github.com/nishisan-dev/n-transport/internal/ring"
	"github.com/nishisan-dev/n-transport/internal/secret"
	"github.com/nishisan-dev/n-transport/internal/socket"
)

// udpInboxSize é a capacidade do ring SPSC entre o demux do socket e o
// worker de cada stream (potência de dois).
const udpInboxSize = 256

// udpStream é o estado de um stream UDP demuxado por credenciais.
// O demux é o único produtor do inbox; o worker do stream é o único
// consumidor e o possui via DispatchLocal.
type udpStream struct {
	shared *recv.Shared
	inbox  *ring.Queue[[]byte]
	done   chan struct{}
}

// ringSource adapta o ring SPSC à fonte de recepção do worker.
type ringSource struct {
	q *ring.Queue[[]byte]
}

// PollRecv implementa recv.RecvSource sem bloquear.
func (r ringSource) PollRecv() ([]byte, error) {
	pkt, ok := r.q.Pop()
	if !ok {
		return nil, nil
	}
	return pkt, nil
}

// udpSender envia pacotes de volta ao endereço de origem do stream.
type udpSender struct {
	conn *net.UDPConn
	addr net.Addr
}

// Send implementa recv.Sender.
func (u udpSender) Send(pkt []byte) error {
	_, err := u.conn.WriteTo(pkt, u.addr)
	return err
}

// runUDP dirige o listener UDP: demuxa datagrams por credenciais para
// streams unreliable, criando o pipeline de cada stream no primeiro
// pacote aceito pelo store. Bloqueia até o contexto encerrar.
func runUDP(ctx context.Context, cfg *config.TransportConfig, store *secret.Store, logger *slog.Logger, m *metrics.Metrics) error {
	conn, err := socket.ListenUDP(cfg.Transport.ListenUDP, socket.Options{
		ReusePort:      cfg.Transport.ReusePort,
		RecvBufferSize: int(cfg.Transport.RecvBufferRaw),
		SendBufferSize: int(cfg.Transport.SendBufferRaw),
	})
	if err != nil {
		return err
	}

	logger.Info("server listening", "udp", conn.LocalAddr().String())

	ackMode := recv.AckModeApplication
	if cfg.Transport.AckMode == "worker" {
		ackMode = recv.AckModeWorker
	}

	return serveUDP(ctx, conn, store, ackMode, cfg.Transport.IdleTimeout, logger, m)
}

// serveUDP demuxa datagrams do socket para os streams por credenciais.
func serveUDP(ctx context.Context, conn *net.UDPConn, store *secret.Store, ackMode recv.AckMode, idle time.Duration, logger *slog.Logger, m *metrics.Metrics) error {
	// Fecha o socket no cancelamento para desbloquear o ReadFrom.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var mu sync.Mutex
	streams := make(map[packet.Credentials]*udpStream)

	msg := socket.NewMessage()
	for {
		msg.Reset()
		if err := msg.ReadFrom(conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("udp read error", "error", err)
			continue
		}

		payload := msg.Payload()
		tag, creds, perr := packet.PeekCredentials(payload)
		if perr != nil {
			// Datagram malformado em transporte unreliable: descarta
			// em silêncio.
			logger.Debug("dropping malformed datagram", "error", perr)
			continue
		}
		switch tag.Kind() {
		case packet.KindUnknownPathSecret, packet.KindStaleKey, packet.KindReplayDetected:
			// Respostas secret-control endereçadas a nós: apenas loga.
			logger.Debug("secret control packet received", "tag", uint8(tag))
			continue
		}

		mu.Lock()
		st, ok := streams[creds]
		mu.Unlock()

		if !ok {
			st = newUDPStream(conn, msg.Addr, creds, store, ackMode, idle, logger, m)
			if st == nil {
				continue
			}
			mu.Lock()
			streams[creds] = st
			mu.Unlock()

			// Recolhe o slot do mapa quando o stream termina
			// (idle timeout ou estado terminal).
			go func(creds packet.Credentials, st *udpStream) {
				<-st.done
				mu.Lock()
				delete(streams, creds)
				mu.Unlock()
			}(creds, st)
		}

		pkt := append([]byte(nil), payload...)
		if !st.inbox.Push(pkt) {
			// Inbox cheio: unreliable, descarta.
			logger.Debug("udp inbox full, dropping datagram")
			continue
		}
		st.shared.WakeWorker()
	}
}

// newUDPStream valida as credenciais no store e monta o pipeline do
// stream: worker com fonte própria (DispatchLocal sobre o ring SPSC) e
// task de aplicação drenando reassembler e datagrams.
func newUDPStream(conn *net.UDPConn, addr net.Addr, creds packet.Credentials, store *secret.Store, ackMode recv.AckMode, idle time.Duration, logger *slog.Logger, m *metrics.Metrics) *udpStream {
	sec, res, resp := store.Lookup(creds)
	if res != secret.LookupOK {
		if resp != nil {
			conn.WriteTo(packet.EncodeSecretControl(resp), addr)
		}
		logger.Debug("udp credential lookup failed", "result", uint8(res))
		return nil
	}

	opener, sealer, err := sec.DeriveKey(creds.KeyID)
	if err != nil {
		logger.Error("key derivation failed", "error", err)
		return nil
	}

	inbox := ring.NewQueue[[]byte](udpInboxSize)
	sender := udpSender{conn: conn, addr: addr}
	streamLogger := logging.Stream(logger, addr.String())

	shared := recv.NewShared(recv.Config{
		AckMode:     ackMode,
		Reliable:    false,
		IdleTimeout: idle,
		Dispatch:    recv.DispatchLocal,
		Credentials: creds,
		Opener:      opener,
		Sealer:      sealer,
		Sender:      sender,
		Source:      ringSource{q: inbox},
		Logger:      streamLogger,
	})

	st := &udpStream{shared: shared, inbox: inbox, done: make(chan struct{})}

	workerDone := make(chan struct{})
	go shared.RunWorker(sender.Send, workerRetryInterval, workerDone)

	go func() {
		defer close(st.done)
		drainUDPStream(shared, streamLogger, m)
		<-workerDone
	}()

	streamLogger.Info("udp stream opened")
	return st
}

// drainUDPStream é a task de aplicação de um stream UDP: consome o
// reassembler e o inbox de datagrams até o estado terminal (tipicamente
// o idle timeout do transporte unreliable).
func drainUDPStream(shared *recv.Shared, logger *slog.Logger, m *metrics.Metrics) {
	total := 0
	for {
		g := shared.AcquireApp()
		r := g.Receiver()
		for {
			chunk := r.Reassembler().Pop()
			if chunk == nil {
				break
			}
			total += len(chunk)
		}
		for {
			d := r.PopDatagram()
			if d == nil {
				break
			}
			total += len(d)
		}
		done := r.State().IsTerminal()
		g.Release()

		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	delivered, dropped := shared.Stats()
	if m != nil {
		m.PacketsDelivered.Add(float64(delivered))
		m.PacketsDropped.Add(float64(dropped))
	}
	logger.Info("udp stream finished",
		"bytes", total, "packetsDelivered", delivered, "packetsDropped", dropped)
}
