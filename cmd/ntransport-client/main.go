// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/nishisan-dev/n-transport/internal/logging"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/recovery"
	"github.com/nishisan-dev/n-transport/internal/secret"
	"github.com/nishisan-dev/n-transport/internal/send"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4433", "server address")
	secretHex := flag.String("secret", "", "path secret (64 hex chars)")
	keyID := flag.Uint64("key-id", 1, "key id for this stream")
	pacing := flag.Int64("pacing", 0, "pacing rate in bytes/sec (0 = unlimited)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, closer := logging.New(logging.Options{Level: *logLevel, Format: "text"})
	defer closer.Close()

	raw, err := hex.DecodeString(*secretHex)
	if err != nil || len(raw) != secret.SecretLen {
		fmt.Fprintln(os.Stderr, "Error: -secret must be 64 hex chars")
		os.Exit(1)
	}
	var sec secret.Secret
	copy(sec[:], raw)

	_, sealer, err := sec.DeriveKey(*keyID)
	if err != nil {
		logger.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Error("dial failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	buf := send.NewBuffer(send.Config{
		Credentials: packet.Credentials{ID: sec.ID(), KeyID: *keyID},
		StreamID:    packet.StreamID{RouteKey: 1, IsReliable: true, IsBidirectional: false},
		Sealer:      sealer,
		Output:      connOutput{conn},
		Pacer:       recovery.NewPacer(*pacing),
	})

	// Copia stdin para o stream em pacotes selados.
	total, err := io.Copy(buf, os.Stdin)
	if err != nil {
		logger.Error("reading stdin", "error", err)
		os.Exit(1)
	}
	buf.Finish()
	if err := buf.Flush(context.Background()); err != nil {
		logger.Error("flush failed", "error", err)
		os.Exit(1)
	}

	logger.Info("stream sent", "bytes", total, "addr", *addr)
}

// connOutput entrega pacotes selados ao socket TCP.
type connOutput struct {
	conn net.Conn
}

func (c connOutput) Send(pkt []byte) error {
	_, err := c.conn.Write(pkt)
	return err
}
