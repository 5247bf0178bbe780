// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói os loggers estruturados do N-Transport.
//
// Todo logger do processo descende de um único logger raiz; cada
// subsistema do transporte (acceptor, recv, secret...) recebe um filho
// com o atributo de componente, e cada stream anexa o seu id. Os
// caminhos por-pacote logam em Debug; descartes em Warn; ciclo de vida
// em Info.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options parametriza o logger raiz, espelhando a seção logging do
// YAML de configuração.
type Options struct {
	// Level: "debug", "info" (default), "warn" ou "error".
	Level string
	// Format: "json" (default) ou "text".
	Format string
	// File, quando não vazio, duplica a saída em stdout + arquivo.
	File string
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New cria o logger raiz do nó. Retorna também um io.Closer a chamar
// no shutdown para fechar o arquivo de log (no-op sem arquivo).
//
// Falha ao abrir o arquivo não é fatal: o nó continua logando apenas
// em stdout, com um aviso em stderr.
func New(opts Options) (*slog.Logger, io.Closer) {
	level, ok := levelNames[strings.ToLower(opts.Level)]
	if !ok {
		level = slog.LevelInfo
	}

	w, closer := buildWriter(opts.File)

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), closer
}

// buildWriter resolve o destino dos logs: stdout, ou stdout + arquivo.
func buildWriter(path string) (io.Writer, io.Closer) {
	if path == "" {
		return os.Stdout, io.NopCloser(nil)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", path, err)
		return os.Stdout, io.NopCloser(nil)
	}
	return io.MultiWriter(os.Stdout, f), f
}

// Component retorna o logger filho de um subsistema do transporte
// (ex: "acceptor", "recv", "secret").
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

// Stream retorna o logger filho de um stream, com o id anexado.
func Stream(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("stream", id)
}
