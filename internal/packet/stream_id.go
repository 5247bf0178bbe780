// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package packet

import (
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// StreamID identifica um stream no wire: 8 bytes carregando a route
// key (62 bits) mais dois booleanos nos bits baixos.
//
// Streams reliable usam o packet number de retransmissão relativo de
// 24 bits; streams unreliable usam apenas o packet number original.
type StreamID struct {
	RouteKey        uint64
	IsReliable      bool
	IsBidirectional bool
}

// MaxRouteKey é o maior valor de route key representável (62 bits).
const MaxRouteKey = (1 << 62) - 1

func decodeStreamID(d *wire.Decoder) (StreamID, error) {
	raw, err := d.Uint64()
	if err != nil {
		return StreamID{}, err
	}
	return StreamID{
		RouteKey:        raw >> 2,
		IsReliable:      raw&0b10 != 0,
		IsBidirectional: raw&0b01 != 0,
	}, nil
}

func appendStreamID(buf []byte, id StreamID) []byte {
	raw := id.RouteKey << 2
	if id.IsReliable {
		raw |= 0b10
	}
	if id.IsBidirectional {
		raw |= 0b01
	}
	return wire.AppendUint64(buf, raw)
}
