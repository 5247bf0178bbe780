// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// chachaKey implementa Opener e Sealer sobre ChaCha20-Poly1305, com a
// tag de retransmissão derivada de HMAC-SHA-256 sob uma chave
// independente (prfKey). XOR de um PRF keyed é auto-inverso, o que o
// contrato de retransmissão exige.
type chachaKey struct {
	aead   cipher.AEAD
	prfKey [32]byte
}

// NewKey cria um par Opener/Sealer a partir de 32 bytes de material
// AEAD e 32 bytes de material PRF. Ambos os lados de um stream derivam
// o mesmo material do path secret (ver internal/secret.Schedule).
func NewKey(aeadMaterial, prfMaterial [32]byte) (Opener, Sealer, error) {
	aead, err := chacha20poly1305.New(aeadMaterial[:])
	if err != nil {
		return nil, nil, fmt.Errorf("initializing aead: %w", err)
	}
	k := &chachaKey{aead: aead, prfKey: prfMaterial}
	return k, k, nil
}

func (k *chachaKey) TagLen() int {
	return chacha20poly1305.Overhead
}

// nonceBytes expande o packet number em um nonce de 12 bytes.
func nonceBytes(nonce uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], nonce)
	return n
}

func (k *chachaKey) Seal(nonce uint64, header, plaintext []byte) []byte {
	n := nonceBytes(nonce)
	return k.aead.Seal(nil, n[:], plaintext, header)
}

func (k *chachaKey) Open(nonce uint64, header, ciphertext, tag, out []byte) ([]byte, error) {
	if len(out) < len(ciphertext) {
		return nil, ErrShortBuffer
	}
	joined := make([]byte, 0, len(ciphertext)+len(tag))
	joined = append(joined, ciphertext...)
	joined = append(joined, tag...)

	n := nonceBytes(nonce)
	plaintext, err := k.aead.Open(out[:0], n[:], joined, header)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (k *chachaKey) OpenInPlace(nonce uint64, header, ciphertextAndTag []byte) ([]byte, error) {
	n := nonceBytes(nonce)
	plaintext, err := k.aead.Open(ciphertextAndTag[:0], n[:], ciphertextAndTag, header)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (k *chachaKey) RetransmissionTag(originalPN, retransmissionPN uint64, tag []byte) {
	var msg [16]byte
	binary.BigEndian.PutUint64(msg[:8], originalPN)
	binary.BigEndian.PutUint64(msg[8:], retransmissionPN)

	mac := hmac.New(sha256.New, k.prfKey[:])
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	for i := range tag {
		tag[i] ^= sum[i%len(sum)]
	}
}
