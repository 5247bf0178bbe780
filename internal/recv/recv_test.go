// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recv

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nishisan-dev/n-transport/internal/crypto"
	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/secret"
)

// captureSender acumula pacotes enviados; pode ser posto em modo de
// falha para exercitar o fallback para o worker.
type captureSender struct {
	sent [][]byte
	fail bool
}

func (c *captureSender) Send(pkt []byte) error {
	if c.fail {
		return errors.New("socket unavailable")
	}
	c.sent = append(c.sent, pkt)
	return nil
}

func testKeys(t *testing.T) (crypto.Opener, crypto.Sealer, packet.Credentials) {
	t.Helper()
	var sec secret.Secret
	for i := range sec {
		sec[i] = byte(i + 1)
	}
	o, s, err := sec.DeriveKey(3)
	if err != nil {
		t.Fatal(err)
	}
	return o, s, packet.Credentials{ID: sec.ID(), KeyID: 3}
}

func newTestShared(t *testing.T, reliable bool, mode AckMode, sender Sender) (*Shared, crypto.Sealer) {
	t.Helper()
	o, s, creds := testKeys(t)
	if sender == nil {
		sender = &captureSender{}
	}
	return NewShared(Config{
		AckMode:     mode,
		Reliable:    reliable,
		Dispatch:    DispatchChannel,
		Credentials: creds,
		Opener:      o,
		Sealer:      s,
		Sender:      sender,
	}), s
}

func encodeStreamPacket(t *testing.T, s crypto.Sealer, creds packet.Credentials, reliable bool, pn, offset uint64, payload []byte, fin bool) []byte {
	t.Helper()
	params := packet.StreamParams{
		Credentials:               creds,
		StreamID:                  packet.StreamID{RouteKey: 1, IsReliable: reliable},
		PacketNumber:              pn,
		NextExpectedControlPacket: 0,
		StreamOffset:              offset,
	}
	if fin {
		params.HasFinalOffset = true
		params.FinalOffset = offset + uint64(len(payload))
	}
	buf, err := packet.EncodeStream(params, payload, s)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func dispatch(s *Shared, pkt []byte) {
	s.mu.Lock()
	s.dispatchLocked(pkt)
	s.mu.Unlock()
}

// Fluxo básico: "ping" chega, o reassembler entrega exatamente
// "ping"; o FIN torna a leitura completa.
func TestPipeline_PingThenFin(t *testing.T) {
	sh, sealer := newTestShared(t, true, AckModeApplication, nil)
	_, _, creds := testKeys(t)

	dispatch(sh, encodeStreamPacket(t, sealer, creds, true, 0, 0, []byte("ping"), false))

	g := sh.AcquireApp()
	got := g.Receiver().Reassembler().Pop()
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("Pop = %q", got)
	}
	if g.Receiver().Reassembler().IsReadingComplete() {
		t.Error("reading complete before fin")
	}
	g.Release()

	// FIN vazio no offset 4.
	dispatch(sh, encodeStreamPacket(t, sealer, creds, true, 1, 4, nil, true))

	g = sh.AcquireApp()
	if !g.Receiver().Reassembler().IsReadingComplete() {
		t.Error("reading not complete after fin")
	}
	g.Release()

	if !sh.IsAppClosed() {
		t.Error("terminal state did not signal worker shutdown")
	}
}

// Retransmissão: o mesmo pacote original (pn=5) retransmitido como
// pn=9 decifra e cobre a mesma faixa — o reassembler o trata como
// duplicata.
func TestPipeline_RetransmissionSameRange(t *testing.T) {
	sh, sealer := newTestShared(t, true, AckModeApplication, nil)
	_, _, creds := testKeys(t)

	original := encodeStreamPacket(t, sealer, creds, true, 5, 0, []byte("payload!"), false)
	retx := append([]byte(nil), original...)
	if err := packet.Retransmit(retx, 9, sealer); err != nil {
		t.Fatal(err)
	}

	dispatch(sh, original)
	dispatch(sh, retx)

	delivered, dropped := sh.Stats()
	if delivered != 2 || dropped != 0 {
		t.Errorf("delivered=%d dropped=%d", delivered, dropped)
	}

	g := sh.AcquireApp()
	got := g.Receiver().Reassembler().Pop()
	g.Release()
	if !bytes.Equal(got, []byte("payload!")) {
		t.Fatalf("Pop = %q (duplicate range corrupted the buffer)", got)
	}
}

// AEAD inválido em transporte unreliable é
// descartado em silêncio; o estado do stream não muda.
func TestPipeline_InvalidAeadDroppedSilently(t *testing.T) {
	sh, sealer := newTestShared(t, false, AckModeApplication, nil)
	_, _, creds := testKeys(t)

	pkt := encodeStreamPacket(t, sealer, creds, false, 0, 0, []byte("data"), false)
	pkt[len(pkt)-1] ^= 0xff

	dispatch(sh, pkt)

	delivered, dropped := sh.Stats()
	if delivered != 0 || dropped != 1 {
		t.Errorf("delivered=%d dropped=%d", delivered, dropped)
	}

	g := sh.AcquireApp()
	if g.Receiver().State() != StateRecv {
		t.Errorf("state = %v after silent drop", g.Receiver().State())
	}
	g.Release()
}

// Em transporte reliable, pacote inválido encerra o stream.
func TestPipeline_InvalidPacketClosesReliable(t *testing.T) {
	sh, sealer := newTestShared(t, true, AckModeApplication, nil)
	_, _, creds := testKeys(t)

	pkt := encodeStreamPacket(t, sealer, creds, true, 0, 0, []byte("data"), false)
	pkt[len(pkt)-1] ^= 0xff

	dispatch(sh, pkt)

	g := sh.AcquireApp()
	state := g.Receiver().State()
	err := g.Receiver().Err()
	g.Release()

	if state != StateErrored || err == nil {
		t.Fatalf("state=%v err=%v", state, err)
	}
}

func TestGuard_EpochIncrements(t *testing.T) {
	sh, _ := newTestShared(t, true, AckModeApplication, nil)

	before := sh.AppEpoch()
	g := sh.AcquireApp()
	g.Release()
	g = sh.AcquireApp()
	g.Release()

	if got := sh.AppEpoch() - before; got != 2 {
		t.Errorf("epoch delta = %d, want 2", got)
	}
}

// Modo Application: o ACK sai pelo socket da aplicação no release; o
// worker não precisa acordar.
func TestAckMode_ApplicationSendsOnRelease(t *testing.T) {
	sender := &captureSender{}
	sh, sealer := newTestShared(t, false, AckModeApplication, sender)
	_, _, creds := testKeys(t)

	dispatch(sh, encodeStreamPacket(t, sealer, creds, false, 7, 0, []byte("x"), false))

	g := sh.AcquireApp()
	g.Receiver().Reassembler().Pop()
	g.Release()

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d ack packets, want 1", len(sender.sent))
	}
	// O pacote emitido é um control packet válido.
	p, _, err := packet.DecodeControl(sender.sent[0], 16)
	if err != nil {
		t.Fatalf("ack packet decode: %v", err)
	}
	if p.PacketNumber != 0 {
		t.Errorf("first ack pn = %d", p.PacketNumber)
	}

	select {
	case <-sh.WorkerWaker():
		t.Error("worker woken after successful application ack")
	default:
	}
}

// Modo Application com socket falhando: o worker é acordado.
func TestAckMode_ApplicationFallsBackToWorker(t *testing.T) {
	sender := &captureSender{fail: true}
	sh, sealer := newTestShared(t, false, AckModeApplication, sender)
	_, _, creds := testKeys(t)

	dispatch(sh, encodeStreamPacket(t, sealer, creds, false, 7, 0, []byte("x"), false))

	g := sh.AcquireApp()
	g.Release()

	select {
	case <-sh.WorkerWaker():
	default:
		t.Fatal("worker not woken after failed application ack")
	}

	// O worker emite o ACK pendente no próximo poll.
	var out [][]byte
	res := sh.PollWorker(func(pkt []byte) error {
		out = append(out, pkt)
		return nil
	})
	if res != PollProgress {
		t.Fatalf("PollWorker = %v", res)
	}
	if len(out) != 1 {
		t.Errorf("worker sent %d packets", len(out))
	}
}

// Transportes reliable não emitem ACK.
func TestAckMode_ReliableSkipsAcks(t *testing.T) {
	sender := &captureSender{}
	sh, sealer := newTestShared(t, true, AckModeApplication, sender)
	_, _, creds := testKeys(t)

	dispatch(sh, encodeStreamPacket(t, sealer, creds, true, 0, 0, []byte("x"), false))

	g := sh.AcquireApp()
	g.Receiver().Reassembler().Pop()
	g.Release()

	if len(sender.sent) != 0 {
		t.Errorf("reliable stream emitted %d acks", len(sender.sent))
	}
}

// O worker cede sob contenção: com o lock da aplicação tomado,
// PollWorker retorna PollContended sem bloquear.
func TestWorker_YieldsUnderContention(t *testing.T) {
	sh, _ := newTestShared(t, false, AckModeWorker, nil)

	g := sh.AcquireApp()
	res := sh.PollWorker(func([]byte) error { return nil })
	g.Release()

	if res != PollContended {
		t.Fatalf("PollWorker under contention = %v", res)
	}
}

func TestWorker_ShutdownOnAppClose(t *testing.T) {
	sh, sealer := newTestShared(t, true, AckModeApplication, nil)
	_, _, creds := testKeys(t)

	done := make(chan struct{})
	go sh.RunWorker(func([]byte) error { return nil }, 5*time.Millisecond, done)

	// FIN imediato leva o estado a terminal no release da aplicação.
	dispatch(sh, encodeStreamPacket(t, sealer, creds, true, 0, 0, []byte("bye"), true))
	g := sh.AcquireApp()
	g.Receiver().Reassembler().Pop()
	g.Release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down after terminal state")
	}
}

// EnqueuePacket + PollWorker: caminho Channel completo.
func TestWorker_DrainsEnqueuedPackets(t *testing.T) {
	sh, sealer := newTestShared(t, false, AckModeWorker, nil)
	_, _, creds := testKeys(t)

	sh.EnqueuePacket(encodeStreamPacket(t, sealer, creds, false, 0, 0, []byte("ab"), false))
	sh.EnqueuePacket(encodeStreamPacket(t, sealer, creds, false, 1, 2, []byte("cd"), false))

	var acks [][]byte
	res := sh.PollWorker(func(pkt []byte) error {
		acks = append(acks, pkt)
		return nil
	})
	if res != PollProgress {
		t.Fatalf("PollWorker = %v", res)
	}

	g := sh.AcquireApp()
	got := g.Receiver().Reassembler().Pop()
	g.Release()
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Pop = %q", got)
	}
	if len(acks) != 1 {
		t.Errorf("worker emitted %d acks, want 1", len(acks))
	}
}

func TestReceiver_IdleTimeout(t *testing.T) {
	r := NewReceiver(10 * time.Millisecond)
	if r.CheckIdle(time.Now()) {
		t.Fatal("fresh receiver reported idle")
	}
	if !r.CheckIdle(time.Now().Add(20 * time.Millisecond)) {
		t.Fatal("stale receiver not closed")
	}
	if r.State() != StateErrored {
		t.Errorf("state = %v", r.State())
	}
}

// queueSource é uma fonte de pacotes possuída pelo worker (modo
// Local), alimentada pelo teste.
type queueSource struct {
	pkts [][]byte
}

func (q *queueSource) PollRecv() ([]byte, error) {
	if len(q.pkts) == 0 {
		return nil, nil
	}
	pkt := q.pkts[0]
	q.pkts = q.pkts[1:]
	return pkt, nil
}

// Modo Local: o worker drena a própria fonte sem passar pelo canal
// cross-task.
func TestWorker_LocalDispatchDrainsOwnedSource(t *testing.T) {
	o, s, creds := testKeys(t)
	src := &queueSource{}
	sh := NewShared(Config{
		AckMode:     AckModeWorker,
		Reliable:    false,
		Dispatch:    DispatchLocal,
		Credentials: creds,
		Opener:      o,
		Sealer:      s,
		Sender:      &captureSender{},
		Source:      src,
	})

	src.pkts = append(src.pkts,
		encodeStreamPacket(t, s, creds, false, 0, 0, []byte("lo"), false),
		encodeStreamPacket(t, s, creds, false, 1, 2, []byte("cal"), false))

	var acks [][]byte
	res := sh.PollWorker(func(pkt []byte) error {
		acks = append(acks, pkt)
		return nil
	})
	if res != PollProgress {
		t.Fatalf("PollWorker = %v", res)
	}
	if len(src.pkts) != 0 {
		t.Errorf("source not drained: %d packets left", len(src.pkts))
	}
	if len(acks) != 1 {
		t.Errorf("worker emitted %d acks, want 1", len(acks))
	}

	g := sh.AcquireApp()
	got := g.Receiver().Reassembler().Pop()
	g.Release()
	if !bytes.Equal(got, []byte("local")) {
		t.Fatalf("Pop = %q", got)
	}

	// Fonte vazia: poll seguinte é idle.
	if res := sh.PollWorker(func([]byte) error { return nil }); res != PollIdle {
		t.Errorf("PollWorker on empty source = %v", res)
	}
}

func TestShared_LocalDispatchRequiresSource(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewShared with DispatchLocal and nil Source did not panic")
		}
	}()
	o, s, creds := testKeys(t)
	NewShared(Config{
		Dispatch:    DispatchLocal,
		Credentials: creds,
		Opener:      o,
		Sealer:      s,
		Sender:      &captureSender{},
	})
}

// Datagrams abertos vão para o inbox da aplicação; em transporte
// reliable o kind é inesperado e fecha o stream.
func TestPipeline_DatagramDelivery(t *testing.T) {
	sh, sealer := newTestShared(t, false, AckModeWorker, nil)
	_, _, creds := testKeys(t)

	pkt := packet.EncodeDatagram(packet.DatagramParams{
		Credentials:  creds,
		PacketNumber: 1,
		IsConnected:  true,
	}, []byte("unordered"), sealer)
	dispatch(sh, pkt)

	g := sh.AcquireApp()
	got := g.Receiver().PopDatagram()
	if !bytes.Equal(got, []byte("unordered")) {
		t.Fatalf("PopDatagram = %q", got)
	}
	if g.Receiver().PopDatagram() != nil {
		t.Error("second PopDatagram returned data")
	}
	g.Release()

	// Em reliable, datagram fecha o stream.
	rsh, rsealer := newTestShared(t, true, AckModeApplication, nil)
	rpkt := packet.EncodeDatagram(packet.DatagramParams{
		Credentials: creds, PacketNumber: 1, IsConnected: true,
	}, []byte("x"), rsealer)
	dispatch(rsh, rpkt)

	g = rsh.AcquireApp()
	if g.Receiver().State() != StateErrored {
		t.Errorf("state = %v after datagram on reliable stream", g.Receiver().State())
	}
	g.Release()
}
