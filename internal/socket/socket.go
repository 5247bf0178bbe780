// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package socket configura os sockets UDP e TCP do transporte:
// SO_REUSEPORT para sharding por worker, dimensionamento de buffers de
// kernel e TCP_NODELAY no caminho reliable.
package socket

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Options parametriza a criação de sockets.
type Options struct {
	// ReusePort habilita SO_REUSEPORT: vários workers podem fazer bind
	// na mesma porta e o kernel distribui os pacotes entre eles.
	ReusePort bool
	// RecvBufferSize dimensiona SO_RCVBUF (0 = default do kernel).
	RecvBufferSize int
	// SendBufferSize dimensiona SO_SNDBUF (0 = default do kernel).
	SendBufferSize int
}

// control aplica as opções no fd antes do bind.
func (o Options) control(_, _ string, raw syscall.RawConn) error {
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		if o.ReusePort {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				sockErr = fmt.Errorf("setting SO_REUSEPORT: %w", err)
				return
			}
		}
		if o.RecvBufferSize > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBufferSize); err != nil {
				sockErr = fmt.Errorf("setting SO_RCVBUF: %w", err)
				return
			}
		}
		if o.SendBufferSize > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBufferSize); err != nil {
				sockErr = fmt.Errorf("setting SO_SNDBUF: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenUDP abre um socket UDP com as opções aplicadas.
func ListenUDP(addr string, opts Options) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: opts.control}
	conn, err := lc.ListenPacket(contextTODO(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening udp %s: %w", addr, err)
	}
	return conn.(*net.UDPConn), nil
}

// ListenTCP abre um listener TCP com as opções aplicadas.
func ListenTCP(addr string, opts Options) (net.Listener, error) {
	lc := net.ListenConfig{Control: opts.control}
	l, err := lc.Listen(contextTODO(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening tcp %s: %w", addr, err)
	}
	return l, nil
}

// TuneTCPConn aplica TCP_NODELAY em uma conexão aceita: pacotes de
// stream são pequenos e sensíveis a latência.
func TuneTCPConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
}
