// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package acceptor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/secret"
)

type fakeConn struct {
	net.Conn
	id int
}

func (f *fakeConn) Close() error { return nil }

func TestFreshQueue_LIFOAndOverflow(t *testing.T) {
	q := NewFreshQueue(3)
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		dropped := q.Push(&fakeConn{id: i}, base.Add(time.Duration(i)*time.Millisecond))
		if i < 3 && dropped != 0 {
			t.Errorf("push %d dropped %d", i, dropped)
		}
		if i >= 3 && dropped != 1 {
			t.Errorf("push %d dropped %d, want 1 (oldest)", i, dropped)
		}
	}
	if q.Dropped() != 2 {
		t.Errorf("Dropped = %d", q.Dropped())
	}

	// LIFO: o mais novo sai primeiro; os mais antigos (0 e 1) foram
	// descartados no overflow.
	wantOrder := []int{4, 3, 2}
	for _, want := range wantOrder {
		conn, _, ok := q.Pop()
		if !ok {
			t.Fatal("Pop on non-empty queue failed")
		}
		if got := conn.(*fakeConn).id; got != want {
			t.Errorf("Pop = conn %d, want %d", got, want)
		}
	}
	if _, _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue succeeded")
	}
}

func TestChannel_Flavors(t *testing.T) {
	mk := func(id int) Entry {
		return Entry{Stream: &StreamBuilder{Prelude: []byte{byte(id)}}}
	}

	fifo := NewChannel(4, FlavorFIFO)
	lifo := NewChannel(4, FlavorLIFO)
	for i := 0; i < 3; i++ {
		fifo.Send(mk(i))
		lifo.Send(mk(i))
	}

	for want := 0; want < 3; want++ {
		e, ok := fifo.TryRecv()
		if !ok || int(e.Stream.Prelude[0]) != want {
			t.Errorf("fifo recv = %v, want %d", e.Stream.Prelude, want)
		}
	}
	for want := 2; want >= 0; want-- {
		e, ok := lifo.TryRecv()
		if !ok || int(e.Stream.Prelude[0]) != want {
			t.Errorf("lifo recv = %v, want %d", e.Stream.Prelude, want)
		}
	}
}

func TestChannel_OverflowDropsOldest(t *testing.T) {
	c := NewChannel(2, FlavorFIFO)
	for i := 0; i < 4; i++ {
		if !c.Send(Entry{Stream: &StreamBuilder{Prelude: []byte{byte(i)}}}) {
			t.Fatal("Send on open channel failed")
		}
	}
	if c.Dropped() != 2 {
		t.Errorf("Dropped = %d", c.Dropped())
	}
	e, _ := c.TryRecv()
	if e.Stream.Prelude[0] != 2 {
		t.Errorf("front = %d after overflow, want 2", e.Stream.Prelude[0])
	}
}

func TestChannel_CloseUnblocksRecv(t *testing.T) {
	c := NewChannel(2, FlavorFIFO)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("Recv after close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock on close")
	}

	if c.Send(Entry{}) {
		t.Error("Send on closed channel succeeded")
	}
}

func TestChannel_RecvContextCancel(t *testing.T) {
	c := NewChannel(2, FlavorFIFO)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv = %v, want DeadlineExceeded", err)
	}
}

// testAuthSetup cria um store com um secret conhecido e o prelude de um
// stream selado com ele.
func testAuthSetup(t *testing.T) (*StoreAuthenticator, secret.Secret, []byte) {
	t.Helper()

	var sec secret.Secret
	for i := range sec {
		sec[i] = byte(i + 5)
	}
	store := secret.NewStore(64*1024, slog.Default())
	if err := store.Insert(sec); err != nil {
		t.Fatal(err)
	}

	_, sealer, err := sec.DeriveKey(1)
	if err != nil {
		t.Fatal(err)
	}
	prelude, err := packet.EncodeStream(packet.StreamParams{
		Credentials:  packet.Credentials{ID: sec.ID(), KeyID: 1},
		StreamID:     packet.StreamID{RouteKey: 42, IsReliable: true},
		PacketNumber: 0,
	}, []byte("hello"), sealer)
	if err != nil {
		t.Fatal(err)
	}
	return &StoreAuthenticator{Store: store}, sec, prelude
}

func TestWorker_AcceptsValidPrelude(t *testing.T) {
	auth, sec, prelude := testAuthSetup(t)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write(prelude)
	}()

	builder, err := acceptStream(server, auth, time.Second)
	if err != nil {
		t.Fatalf("acceptStream: %v", err)
	}
	if builder.Secret != sec {
		t.Error("builder carries wrong secret")
	}
	if builder.StreamID.RouteKey != 42 || !builder.StreamID.IsReliable {
		t.Errorf("stream id = %+v", builder.StreamID)
	}
	if !bytes.Equal(builder.Prelude, prelude) {
		t.Error("builder prelude does not match wire bytes")
	}
}

// Prelude fragmentado: o worker transita Init → Buffering e completa.
func TestWorker_BuffersPartialPrelude(t *testing.T) {
	auth, _, prelude := testAuthSetup(t)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		for i := 0; i < len(prelude); i += 7 {
			end := i + 7
			if end > len(prelude) {
				end = len(prelude)
			}
			client.Write(prelude[i:end])
			time.Sleep(time.Millisecond)
		}
	}()

	builder, err := acceptStream(server, auth, 2*time.Second)
	if err != nil {
		t.Fatalf("acceptStream with fragmented prelude: %v", err)
	}
	if !bytes.Equal(builder.Prelude, prelude) {
		t.Error("prelude mismatch after buffering")
	}
}

func TestWorker_ClosedBeforePreludeFails(t *testing.T) {
	auth, _, _ := testAuthSetup(t)

	client, server := net.Pipe()
	go func() {
		client.Write([]byte{0x00, 0x01})
		client.Close()
	}()

	if _, err := acceptStream(server, auth, time.Second); err == nil {
		t.Fatal("acceptStream succeeded on truncated prelude")
	}
}

// Credenciais desconhecidas: o worker entra em Erroring, escreve a
// resposta UnknownPathSecret por inteiro e então reporta o erro.
func TestWorker_ErroringSendsSecretControl(t *testing.T) {
	auth, _, _ := testAuthSetup(t)

	// Prelude selado com um secret que o store não conhece.
	var other secret.Secret
	for i := range other {
		other[i] = byte(0x80 + i)
	}
	_, sealer, err := other.DeriveKey(1)
	if err != nil {
		t.Fatal(err)
	}
	prelude, err := packet.EncodeStream(packet.StreamParams{
		Credentials: packet.Credentials{ID: other.ID(), KeyID: 1},
		StreamID:    packet.StreamID{RouteKey: 1, IsReliable: true},
	}, nil, sealer)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	respCh := make(chan []byte, 1)
	go func() {
		client.Write(prelude)
		buf := make([]byte, 256)
		n, _ := client.Read(buf)
		respCh <- buf[:n]
	}()

	_, aerr := acceptStream(server, auth, time.Second)
	if aerr == nil {
		t.Fatal("acceptStream accepted unknown credentials")
	}

	select {
	case resp := <-respCh:
		p, _, derr := packet.DecodeSecretControl(resp)
		if derr != nil {
			t.Fatalf("secret control response decode: %v", derr)
		}
		if p.Tag != packet.TagUnknownPathSecret || p.ID != other.ID() {
			t.Errorf("response = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no secret control response received")
	}
}

// Smoke test do acceptor completo sobre um listener TCP real.
func TestAcceptor_EndToEnd(t *testing.T) {
	auth, _, prelude := testAuthSetup(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	accepted := 0
	acc := New(listener, auth, Config{
		Backlog:    4,
		Workers:    2,
		Flavor:     FlavorFIFO,
		OnAccepted: func() { accepted++ },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acc.Run(ctx)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(prelude); err != nil {
		t.Fatal(err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recvCancel()
	entry, err := acc.AcceptChannel().Recv(recvCtx)
	if err != nil {
		t.Fatalf("accept channel recv: %v", err)
	}
	defer entry.Stream.Close()

	if !bytes.Equal(entry.Stream.Prelude, prelude) {
		t.Error("accepted stream prelude mismatch")
	}
}
