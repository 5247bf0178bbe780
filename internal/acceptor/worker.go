// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package acceptor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/nishisan-dev/n-transport/internal/packet"
	"github.com/nishisan-dev/n-transport/internal/secret"
	"github.com/nishisan-dev/n-transport/internal/wire"
)

// preludeMinLen é o mínimo de bytes antes de tentar o parse do prelude.
const preludeMinLen = 16

// preludeTagLen é o comprimento de auth tag assumido no prelude.
const preludeTagLen = 16

// ErrInvalidPrelude indica que o peer fechou ou enviou lixo antes de um
// prelude completo.
var ErrInvalidPrelude = errors.New("acceptor: invalid stream prelude")

// Authenticator valida as credenciais de um prelude. Em falha, retorna
// os bytes de resposta secret-control a enviar ao peer antes de fechar.
type Authenticator interface {
	Authenticate(creds packet.Credentials) (secret.Secret, []byte, error)
}

// StoreAuthenticator autentica contra o store de path secrets.
type StoreAuthenticator struct {
	Store *secret.Store
}

// Authenticate implementa Authenticator sobre o store receptor.
func (a *StoreAuthenticator) Authenticate(creds packet.Credentials) (secret.Secret, []byte, error) {
	sec, res, resp := a.Store.Lookup(creds)
	if res == secret.LookupOK {
		return sec, nil, nil
	}
	var respBytes []byte
	if resp != nil {
		respBytes = packet.EncodeSecretControl(resp)
	}
	return sec, respBytes, fmt.Errorf("acceptor: credential lookup failed: %v", res)
}

// StreamBuilder é o resultado de um accept bem-sucedido: o socket, o
// prelude já lido e o material para derivar as chaves do stream.
type StreamBuilder struct {
	ID          xid.ID
	Conn        net.Conn
	Secret      secret.Secret
	Credentials packet.Credentials
	StreamID    packet.StreamID
	// Prelude são os bytes já lidos do socket (incluindo o primeiro
	// pacote completo e qualquer excedente).
	Prelude []byte
}

// Close fecha o socket subjacente.
func (b *StreamBuilder) Close() {
	if b.Conn != nil {
		b.Conn.Close()
	}
}

// workerState enumera os estados do worker.
type workerState uint8

const (
	// workerInit: aguardando os primeiros bytes no scratch comum.
	workerInit workerState = iota
	// workerBuffering: parse retornou UnexpectedEof; o worker acumula
	// em buffer próprio.
	workerBuffering
	// workerErroring: enviando a resposta secret-control antes de
	// reportar o erro.
	workerErroring
)

// workerResult é reportado ao loop do acceptor quando o worker termina.
type workerResult struct {
	idx     int
	epoch   uint64
	builder *StreamBuilder
	err     error
}

// scratchPool é o buffer de recepção compartilhado entre workers no
// estado Init; um worker que entra em Buffering copia para buffer
// próprio e devolve o scratch.
var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 4096)
		return &b
	},
}

// runWorker lê o prelude do socket, autentica e constrói o stream.
// O resultado vai para results; o loop do acceptor faz o Finish.
func runWorker(conn net.Conn, idx int, epoch uint64, auth Authenticator, readBudget time.Duration, results chan<- workerResult) {
	builder, err := acceptStream(conn, auth, readBudget)
	if err != nil {
		conn.Close()
	}
	results <- workerResult{idx: idx, epoch: epoch, builder: builder, err: err}
}

// acceptStream executa a máquina de estados Init → Buffering →
// (Erroring) até produzir um builder ou um erro.
func acceptStream(conn net.Conn, auth Authenticator, readBudget time.Duration) (*StreamBuilder, error) {
	state := workerInit
	scratch := scratchPool.Get().(*[]byte)
	defer func() {
		if state == workerInit {
			scratchPool.Put(scratch)
		}
	}()

	// O limite de leitura espelha o max sojourn: um peer que não
	// completa o prelude dentro dele será recuperado de qualquer forma.
	if readBudget > 0 {
		conn.SetReadDeadline(time.Now().Add(readBudget))
		defer conn.SetReadDeadline(time.Time{})
	}

	var own []byte
	filled := 0

	for {
		var dst []byte
		if state == workerInit {
			dst = (*scratch)[filled:]
			if len(dst) == 0 {
				// Scratch esgotado sem prelude completo: passa a
				// buffer próprio.
				own = append(own, (*scratch)[:filled]...)
				scratchPool.Put(scratch)
				state = workerBuffering
				continue
			}
		} else {
			if cap(own)-len(own) == 0 {
				own = append(own, make([]byte, 4096)...)[:len(own)]
			}
			dst = own[len(own):cap(own)]
		}

		n, err := conn.Read(dst)
		if state == workerInit {
			filled += n
		} else {
			own = own[:len(own)+n]
		}

		buf := own
		if state == workerInit {
			buf = (*scratch)[:filled]
		}

		if len(buf) >= preludeMinLen {
			p, _, derr := packet.DecodeStream(buf, preludeTagLen)
			switch {
			case derr == nil:
				return finishAccept(conn, auth, p, buf, &state)
			case wire.IsUnexpectedEOF(derr):
				// Prelude incompleto: continua acumulando. Sai do
				// scratch compartilhado se ainda não saiu.
				if state == workerInit {
					own = append(own, (*scratch)[:filled]...)
					scratchPool.Put(scratch)
					state = workerBuffering
				}
			default:
				return nil, fmt.Errorf("%w: %v", ErrInvalidPrelude, derr)
			}
		}

		if err != nil {
			if n == 0 {
				return nil, fmt.Errorf("%w: connection closed before prelude", ErrInvalidPrelude)
			}
			return nil, fmt.Errorf("acceptor: reading prelude: %w", err)
		}
	}
}

// finishAccept autentica o prelude decodificado e monta o builder.
// Em falha de autenticação, entra em Erroring: escreve a resposta
// secret-control por inteiro antes de reportar o erro.
func finishAccept(conn net.Conn, auth Authenticator, p *packet.StreamPacket, buf []byte, state *workerState) (*StreamBuilder, error) {
	sec, resp, err := auth.Authenticate(p.Credentials)
	if err != nil {
		*state = workerErroring
		if len(resp) > 0 {
			if _, werr := conn.Write(resp); werr != nil {
				return nil, fmt.Errorf("acceptor: writing secret control response: %w (original: %v)", werr, err)
			}
		}
		return nil, err
	}

	// Retém TODOS os bytes já lidos: um peer pipelinado pode ter
	// enviado pacotes além do prelude, e nada pode ser perdido.
	prelude := append([]byte(nil), buf...)
	return &StreamBuilder{
		ID:          xid.New(),
		Conn:        conn,
		Secret:      sec,
		Credentials: p.Credentials,
		StreamID:    p.StreamID,
		Prelude:     prelude,
	}, nil
}
