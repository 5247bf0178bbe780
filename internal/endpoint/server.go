// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package endpoint amarra os componentes do transporte em um nó
// executável: listeners, store de secrets, acceptor, pipelines de
// recepção e métricas.
package endpoint

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/n-transport/internal/acceptor"
	"github.com/nishisan-dev/n-transport/internal/config"
	"github.com/nishisan-dev/n-transport/internal/logging"
	"github.com/nishisan-dev/n-transport/internal/metrics"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/recv"
	"github.com/nishisan-dev/n-transport/internal/secret"
	"github.com/nishisan-dev/n-transport/internal/socket"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// workerRetryInterval é o timer de fallback do worker de recepção.
const workerRetryInterval = 10 * time.Millisecond

// LoadSecrets carrega o arquivo de path secrets (um secret hex de 64
// chars por linha; linhas vazias e comentários com # são ignorados).
func LoadSecrets(path string, store *secret.Store) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening secrets file: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) != secret.SecretLen {
			return count, fmt.Errorf("invalid secret on line %d", count+1)
		}
		var sec secret.Secret
		copy(sec[:], raw)
		if err := store.Insert(sec); err != nil {
			return count, fmt.Errorf("inserting secret: %w", err)
		}
		count++
	}
	return count, scanner.Err()
}

// RunServer inicia o nó servidor e bloqueia até o contexto encerrar.
func RunServer(ctx context.Context, cfg *config.TransportConfig, logger *slog.Logger) error {
	store := secret.NewStore(int(cfg.Secrets.ArenaSizeRaw), logging.Component(logger, "secret"))
	if cfg.Secrets.File != "" {
		n, err := LoadSecrets(cfg.Secrets.File, store)
		if err != nil {
			return err
		}
		logger.Info("path secrets loaded", "count", n)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(cfg.Metrics.Listen); err != nil {
				logger.Error("metrics listener error", "error", err)
			}
		}()
		reporter := metrics.NewRuntimeReporter(logging.Component(logger, "runtime"), cfg.Metrics.RuntimeInterval)
		reporter.Start()
		defer reporter.Stop()
	}

	if cfg.Transport.ListenTCP == "" && cfg.Transport.ListenUDP == "" {
		return fmt.Errorf("endpoint: server requires transport.listen_tcp or transport.listen_udp")
	}

	// Caminho UDP: demux de datagrams por credenciais (ver udp.go).
	if cfg.Transport.ListenUDP != "" {
		udpLogger := logging.Component(logger, "udp")
		if cfg.Transport.ListenTCP == "" {
			return runUDP(ctx, cfg, store, udpLogger, m)
		}
		go func() {
			if err := runUDP(ctx, cfg, store, udpLogger, m); err != nil && ctx.Err() == nil {
				logger.Error("udp listener stopped", "error", err)
			}
		}()
	}

	listener, err := socket.ListenTCP(cfg.Transport.ListenTCP, socket.Options{
		ReusePort:      cfg.Transport.ReusePort,
		RecvBufferSize: int(cfg.Transport.RecvBufferRaw),
		SendBufferSize: int(cfg.Transport.SendBufferRaw),
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	flavor := acceptor.FlavorLIFO
	if cfg.Acceptor.Flavor == "fifo" {
		flavor = acceptor.FlavorFIFO
	}

	acceptorCfg := acceptor.Config{
		Backlog: cfg.Acceptor.Backlog,
		Workers: cfg.Acceptor.Workers,
		Flavor:  flavor,
		Logger:  logging.Component(logger, "acceptor"),
	}
	if m != nil {
		acceptorCfg.OnAccepted = func() { m.StreamsAccepted.Inc() }
		acceptorCfg.OnDropped = func(reason string) { m.StreamsDropped.WithLabelValues(reason).Inc() }
	}

	acc := acceptor.New(listener, &acceptor.StoreAuthenticator{Store: store}, acceptorCfg)

	go func() {
		if err := acc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("acceptor stopped", "error", err)
		}
	}()

	logger.Info("server listening", "tcp", cfg.Transport.ListenTCP)

	ackMode := recv.AckModeApplication
	if cfg.Transport.AckMode == "worker" {
		ackMode = recv.AckModeWorker
	}

	for {
		entry, err := acc.AcceptChannel().Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveStream(ctx, entry.Stream, ackMode, cfg.Transport.IdleTimeout, logger, m)
	}
}

// serveStream dirige o pipeline de recepção de um stream aceito até o
// stream completar ou o peer desconectar.
func serveStream(ctx context.Context, b *acceptor.StreamBuilder, ackMode recv.AckMode, idle time.Duration, logger *slog.Logger, m *metrics.Metrics) {
	defer b.Close()

	streamLogger := logging.Stream(logger, b.ID.String())

	opener, sealer, err := b.Secret.DeriveKey(b.Credentials.KeyID)
	if err != nil {
		streamLogger.Error("key derivation failed", "error", err)
		return
	}

	socket.TuneTCPConn(b.Conn)

	shared := recv.NewShared(recv.Config{
		AckMode:     ackMode,
		Reliable:    b.StreamID.IsReliable,
		IdleTimeout: idle,
		Dispatch:    recv.DispatchChannel,
		Credentials: b.Credentials,
		Opener:      opener,
		Sealer:      sealer,
		Sender:      connSender{b.Conn},
		Logger:      streamLogger,
	})

	workerDone := make(chan struct{})
	go shared.RunWorker(connSender{b.Conn}.Send, workerRetryInterval, workerDone)

	// Loop de leitura: o TCP entrega um fluxo de bytes; pacotes
	// completos são destacados pelo comprimento consumido no decode e
	// re-injetados individualmente no pipeline. Os bytes já lidos pelo
	// acceptor (prelude e qualquer excedente) semeiam o acumulador.
	connClosed := make(chan struct{})
	go func() {
		defer close(connClosed)
		pending := append([]byte(nil), b.Prelude...)
		buf := make([]byte, 64*1024)
		for {
			for {
				consumed, ok := peekPacketLen(pending, opener.TagLen())
				if !ok {
					break
				}
				pkt := append([]byte(nil), pending[:consumed]...)
				pending = pending[consumed:]
				shared.EnqueuePacket(pkt)
			}

			n, err := b.Conn.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	total := 0
	closed := false
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
		done := r.State().IsTerminal()
		empty := r.Reassembler().IsEmpty()
		g.Release()

		if done || ctx.Err() != nil {
			break
		}
		if closed && empty {
			// Peer fechou sem FIN: nada mais chegará.
			break
		}

		select {
		case <-connClosed:
			closed = true
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
	}

	shared.CloseApp()
	<-workerDone

	delivered, dropped := shared.Stats()
	if m != nil {
		m.PacketsDelivered.Add(float64(delivered))
		m.PacketsDropped.Add(float64(dropped))
	}
	streamLogger.Info("stream finished",
		"bytes", total, "packetsDelivered", delivered, "packetsDropped", dropped)
}

// peekPacketLen decodifica um prefixo de pending para descobrir o
// comprimento do próximo pacote completo. Retorna ok=false enquanto o
// pacote está incompleto; bytes estruturalmente inválidos são
// entregues por inteiro ao dispatcher, que fechará o stream.
func peekPacketLen(pending []byte, tagLen int) (int, bool) {
	if len(pending) == 0 {
		return 0, false
	}
	work := append([]byte(nil), pending...)
	switch packet.Tag(work[0]).Kind() {
	case packet.KindStream:
		if _, consumed, err := packet.DecodeStream(work, tagLen); err == nil {
			return consumed, true
		} else if !wire.IsUnexpectedEOF(err) {
			// Estrutural: entrega o que há para o dispatcher fechar.
			return len(pending), true
		}
	case packet.KindControl:
		if _, consumed, err := packet.DecodeControl(work, tagLen); err == nil {
			return consumed, true
		} else if !wire.IsUnexpectedEOF(err) {
			return len(pending), true
		}
	default:
		return len(pending), true
	}
	return 0, false
}

// connSender adapta um net.Conn à interface de envio do pipeline.
type connSender struct {
	conn interface{ Write([]byte) (int, error) }
}

// Send implementa recv.Sender.
func (c connSender) Send(pkt []byte) error {
	_, err := c.conn.Write(pkt)
	return err
}
