// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import (
	"reflect"
	"testing"

	"github.com/nishisan-dev/n-transport/internal/transport"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// collector acumula os frames reconhecidos.
type collector struct {
	pings  int
	acks   []Ack
	maxes  []MaxData
	closes []ConnectionClose
}

func (c *collector) OnPing()                           { c.pings++ }
func (c *collector) OnAck(a Ack)                       { c.acks = append(c.acks, a) }
func (c *collector) OnMaxData(m MaxData)               { c.maxes = append(c.maxes, m) }
func (c *collector) OnConnectionClose(x ConnectionClose) { c.closes = append(c.closes, x) }

func TestParse_MixedFrames(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x00) // PADDING
	buf = AppendPing(buf)
	buf = AppendMaxData(buf, 1<<20)
	buf = AppendConnectionClose(buf, ConnectionClose{
		Code:   transport.ProtocolViolation,
		Reason: "bad tag",
	})

	var c collector
	if err := Parse(buf, &c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.pings != 1 {
		t.Errorf("pings = %d", c.pings)
	}
	if len(c.maxes) != 1 || c.maxes[0].MaximumData != 1<<20 {
		t.Errorf("max data = %+v", c.maxes)
	}
	if len(c.closes) != 1 || c.closes[0].Code != transport.ProtocolViolation || c.closes[0].Reason != "bad tag" {
		t.Errorf("close = %+v", c.closes)
	}
}

func TestParse_AckRoundTrip(t *testing.T) {
	want := Ack{
		AckDelay: 25,
		Ranges: []AckRange{
			{Smallest: 90, Largest: 100},
			{Smallest: 50, Largest: 70},
			{Smallest: 10, Largest: 10},
		},
	}

	buf := AppendAck(nil, want)
	var c collector
	if err := Parse(buf, &c); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.acks) != 1 {
		t.Fatalf("acks = %d", len(c.acks))
	}
	got := c.acks[0]
	if got.AckDelay != want.AckDelay || !reflect.DeepEqual(got.Ranges, want.Ranges) {
		t.Errorf("ack round trip: got %+v, want %+v", got, want)
	}
	if got.ECN != nil {
		t.Error("unexpected ECN counts")
	}
}

func TestParse_AckECN(t *testing.T) {
	want := Ack{
		Ranges: []AckRange{{Smallest: 0, Largest: 5}},
		ECN:    &ECNCounts{ECT0: 3, ECT1: 0, CE: 2},
	}
	buf := AppendAck(nil, want)

	var c collector
	if err := Parse(buf, &c); err != nil {
		t.Fatal(err)
	}
	if c.acks[0].ECN == nil || *c.acks[0].ECN != *want.ECN {
		t.Errorf("ECN = %+v", c.acks[0].ECN)
	}
}

func TestParse_UnknownFrameIgnored(t *testing.T) {
	buf := AppendPing(nil)
	buf = wire.AppendVarInt(buf, 0x42) // tipo desconhecido
	buf = append(buf, 0xde, 0xad)

	var c collector
	if err := Parse(buf, &c); err != nil {
		t.Fatalf("Parse with unknown frame: %v", err)
	}
	if c.pings != 1 {
		t.Errorf("pings = %d", c.pings)
	}
}

func TestParse_AckUnderflowRejected(t *testing.T) {
	var buf []byte
	buf = wire.AppendVarInt(buf, TypeAck)
	buf = wire.AppendVarInt(buf, 5)  // largest
	buf = wire.AppendVarInt(buf, 0)  // delay
	buf = wire.AppendVarInt(buf, 0)  // range count
	buf = wire.AppendVarInt(buf, 10) // first range > largest

	var c collector
	if err := Parse(buf, &c); !wire.IsInvariantViolation(err) {
		t.Errorf("underflowing ack: got %v, want InvariantViolation", err)
	}
}

func TestParse_TruncatedFrameFails(t *testing.T) {
	buf := AppendMaxData(nil, 1<<20)
	for cut := 1; cut < len(buf); cut++ {
		var c collector
		if err := Parse(buf[:cut], &c); err == nil {
			t.Errorf("truncated MAX_DATA at %d parsed without error", cut)
		}
	}
}
