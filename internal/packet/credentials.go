// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// PathSecretIDLen é o tamanho do identificador de path secret no wire.
const PathSecretIDLen = 16

// Credentials nomeia unicamente o par opener/sealer que autentica um
// pacote: o id do path secret mais o key id derivado dele.
type Credentials struct {
	ID    [PathSecretIDLen]byte
	KeyID uint64
}

// decodeCredentials lê credenciais na posição corrente do decoder.
func decodeCredentials(d *wire.Decoder) (Credentials, error) {
	var c Credentials
	id, err := d.Slice(PathSecretIDLen)
	if err != nil {
		return c, err
	}
	copy(c.ID[:], id)

	c.KeyID, err = d.VarInt()
	if err != nil {
		return c, err
	}
	return c, nil
}

// appendCredentials codifica credenciais no final de buf.
func appendCredentials(buf []byte, c Credentials) []byte {
	buf = append(buf, c.ID[:]...)
	return wire.AppendVarInt(buf, c.KeyID)
}

// PeekCredentials lê apenas o tag e as credenciais do início de um
// pacote, sem validar o restante — usado pelo demux UDP para rotear o
// datagram ao stream correto antes do decode completo.
func PeekCredentials(buf []byte) (Tag, Credentials, error) {
	d := wire.NewDecoder(buf)

	tagByte, err := d.Uint8()
	if err != nil {
		return 0, Credentials{}, err
	}
	tag := Tag(tagByte)
	if tag.Kind() == KindInvalid {
		return 0, Credentials{}, wire.NewInvariantViolation("unexpected packet type")
	}

	creds, err := decodeCredentials(d)
	if err != nil {
		return 0, Credentials{}, err
	}
	return tag, creds, nil
}
