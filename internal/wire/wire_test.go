// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"
)

func TestVarInt_RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, (1 << 30) - 1, 1 << 30, VarIntMax}

	for _, v := range values {
		buf := AppendVarInt(nil, v)
		if got := VarIntLen(v); got != len(buf) {
			t.Errorf("VarIntLen(%d) = %d, encoded %d bytes", v, got, len(buf))
		}

		d := NewDecoder(buf)
		decoded, err := d.VarInt()
		if err != nil {
			t.Fatalf("decoding varint %d: %v", v, err)
		}
		if decoded != v {
			t.Errorf("varint round trip: got %d, want %d", decoded, v)
		}
		if err := d.EnsureEmpty(); err != nil {
			t.Errorf("varint %d left bytes: %v", v, err)
		}
	}
}

func TestVarInt_TruncatedFails(t *testing.T) {
	buf := AppendVarInt(nil, 1<<30)
	for cut := 0; cut < len(buf); cut++ {
		d := NewDecoder(buf[:cut])
		if _, err := d.VarInt(); err == nil {
			t.Errorf("truncated varint at %d bytes decoded without error", cut)
		} else if !IsUnexpectedEOF(err) {
			t.Errorf("truncated varint at %d bytes: got %v, want UnexpectedEof", cut, err)
		}
	}
}

func TestDecoder_FixedWidth(t *testing.T) {
	var buf []byte
	buf = append(buf, 0xab)
	buf = AppendUint16(buf, 0x0102)
	buf = AppendUint24(buf, 0x030405)
	buf = AppendUint64(buf, 0x0607080910111213)

	d := NewDecoder(buf)
	if v, err := d.Uint8(); err != nil || v != 0xab {
		t.Fatalf("Uint8 = %x, %v", v, err)
	}
	if v, err := d.Uint16(); err != nil || v != 0x0102 {
		t.Fatalf("Uint16 = %x, %v", v, err)
	}
	if v, err := d.Uint24(); err != nil || v != 0x030405 {
		t.Fatalf("Uint24 = %x, %v", v, err)
	}
	if v, err := d.Uint64(); err != nil || v != 0x0607080910111213 {
		t.Fatalf("Uint64 = %x, %v", v, err)
	}
	if err := d.EnsureEmpty(); err != nil {
		t.Fatalf("EnsureEmpty: %v", err)
	}
}

func TestDecoder_SliceAliasesBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	d := NewDecoder(buf)

	s, err := d.Slice(3)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	// O slice retornado deve aliasar o buffer original (zero-copy).
	s[0] = 9
	if buf[0] != 9 {
		t.Error("Slice copied instead of aliasing")
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d after Slice(3), want 2", d.Len())
	}
}

func TestDecoder_LenPrefixedSlice(t *testing.T) {
	payload := []byte("hello")
	buf := AppendVarInt(nil, uint64(len(payload)))
	buf = append(buf, payload...)

	d := NewDecoder(buf)
	s, err := d.LenPrefixedSlice()
	if err != nil {
		t.Fatalf("LenPrefixedSlice: %v", err)
	}
	if !bytes.Equal(s, payload) {
		t.Errorf("got %q, want %q", s, payload)
	}

	// Prefixo maior que o buffer deve falhar com UnexpectedEof.
	short := AppendVarInt(nil, 100)
	d = NewDecoder(append(short, 1, 2))
	if _, err := d.LenPrefixedSlice(); !IsUnexpectedEOF(err) {
		t.Errorf("oversized prefix: got %v, want UnexpectedEof", err)
	}
}

func TestDecoder_CheckedRange(t *testing.T) {
	buf := []byte{10, 20, 30, 40, 50}
	d := NewDecoder(buf)
	if err := d.Skip(1); err != nil {
		t.Fatal(err)
	}

	r, err := d.SkipIntoRange(3)
	if err != nil {
		t.Fatalf("SkipIntoRange: %v", err)
	}
	if got := r.Get(buf); !bytes.Equal(got, []byte{20, 30, 40}) {
		t.Errorf("CheckedRange.Get = %v", got)
	}
	if r.Len() != 3 {
		t.Errorf("CheckedRange.Len = %d", r.Len())
	}
}

func TestDecoder_ErrorTaxonomy(t *testing.T) {
	d := NewDecoder([]byte{1})
	if _, err := d.Uint16(); !IsUnexpectedEOF(err) {
		t.Errorf("Uint16 on 1 byte: got %v", err)
	}

	d = NewDecoder([]byte{1, 2})
	if err := d.EnsureEmpty(); err == nil {
		t.Error("EnsureEmpty on non-empty buffer succeeded")
	}

	if err := NewInvariantViolation("boom"); !IsInvariantViolation(err) {
		t.Error("IsInvariantViolation(NewInvariantViolation) = false")
	}
}
