// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import "testing"

func TestCode_CanonicalNames(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{NoError, "NO_ERROR"},
		{FlowControlError, "FLOW_CONTROL_ERROR"},
		{FinalSizeError, "FINAL_SIZE_ERROR"},
		{FrameEncodingError, "FRAME_ENCODING_ERROR"},
		{ProtocolViolation, "PROTOCOL_VIOLATION"},
		{AEADLimitReached, "AEAD_LIMIT_REACHED"},
	}
	for _, tc := range cases {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("String(%#x) = %q, want %q", uint64(tc.code), got, tc.want)
		}
	}
}

func TestCode_CryptoErrorRange(t *testing.T) {
	if !Code(0x0100).IsCryptoError() || !Code(0x01ff).IsCryptoError() {
		t.Error("range endpoints not recognized as crypto errors")
	}
	if Code(0x00ff).IsCryptoError() || Code(0x0200).IsCryptoError() {
		t.Error("codes outside range recognized as crypto errors")
	}
	if got := Code(0x0114).String(); got != "CRYPTO_ERROR(0x14)" {
		t.Errorf("crypto error name: %q", got)
	}
}

func TestCode_Validity(t *testing.T) {
	if !MaxCode.IsValid() {
		t.Error("MaxCode invalid")
	}
	if (MaxCode + 1).IsValid() {
		t.Error("code beyond 62 bits reported valid")
	}
}

func TestError_Messages(t *testing.T) {
	e := NewError(FinalSizeError, "fin moved")
	if got := e.Error(); got != "transport: FINAL_SIZE_ERROR: fin moved" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewError(NoError, "").Error(); got != "transport: NO_ERROR" {
		t.Errorf("Error() = %q", got)
	}
}
