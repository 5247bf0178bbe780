// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// SecretControlWireVersion é a versão corrente dos pacotes
// secret-control no wire.
const SecretControlWireVersion = 1

// SecretControlTagLen é o tamanho fixo da auth tag de secret-control.
const SecretControlTagLen = 16

// SecretControl é a resposta mínima emitida quando um pacote não pôde
// ser autenticado: o receptor não conhece o path secret, a chave está
// obsoleta ou o key id já foi visto (replay).
//
// O campo varint é o min-key-id (StaleKey) ou o rejected-key-id
// (ReplayDetected); UnknownPathSecret não o carrega.
type SecretControl struct {
	Tag         Tag
	ID          [PathSecretIDLen]byte
	WireVersion uint64
	KeyID       uint64
	AuthTag     [SecretControlTagLen]byte
}

// HasKeyID reporta se a variante carrega o varint de key id.
func (p *SecretControl) HasKeyID() bool {
	return p.Tag != TagUnknownPathSecret
}

// DecodeSecretControl parseia um pacote secret-control a partir de buf.
func DecodeSecretControl(buf []byte) (*SecretControl, int, error) {
	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	tag := Tag(tagByte)
	switch tag.Kind() {
	case KindUnknownPathSecret, KindStaleKey, KindReplayDetected:
	default:
		return nil, 0, wire.NewInvariantViolation("unexpected packet type")
	}

	p := &SecretControl{Tag: tag}

	id, err := d.Slice(PathSecretIDLen)
	if err != nil {
		return nil, 0, err
	}
	copy(p.ID[:], id)

	if p.WireVersion, err = d.VarInt(); err != nil {
		return nil, 0, err
	}
	if p.WireVersion != SecretControlWireVersion {
		return nil, 0, wire.NewInvariantViolation("unsupported secret control wire version")
	}

	if p.HasKeyID() {
		if p.KeyID, err = d.VarInt(); err != nil {
			return nil, 0, err
		}
	}

	authTag, err := d.Slice(SecretControlTagLen)
	if err != nil {
		return nil, 0, err
	}
	copy(p.AuthTag[:], authTag)

	return p, d.Pos(), nil
}

// EncodeSecretControl serializa um pacote secret-control.
func EncodeSecretControl(p *SecretControl) []byte {
	buf := make([]byte, 0, 1+PathSecretIDLen+2+9+SecretControlTagLen)
	buf = append(buf, byte(p.Tag))
	buf = append(buf, p.ID[:]...)
	buf = wire.AppendVarInt(buf, p.WireVersion)
	if p.HasKeyID() {
		buf = wire.AppendVarInt(buf, p.KeyID)
	}
	return append(buf, p.AuthTag[:]...)
}
