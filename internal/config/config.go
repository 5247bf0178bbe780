// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do N-Transport.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig representa a configuração completa de um nó.
type TransportConfig struct {
	Transport TransportInfo `yaml:"transport"`
	Acceptor  AcceptorInfo  `yaml:"acceptor"`
	Secrets   SecretsInfo   `yaml:"secrets"`
	Metrics   MetricsInfo   `yaml:"metrics"`
	Logging   LoggingInfo   `yaml:"logging"`
}

// TransportInfo contém os endereços e o comportamento do data plane.
type TransportInfo struct {
	ListenUDP string `yaml:"listen_udp"` // ex: "0.0.0.0:4433"
	ListenTCP string `yaml:"listen_tcp"` // ex: "0.0.0.0:4433"

	// AckMode seleciona quem emite ACKs: "application" (default) ou
	// "worker".
	AckMode string `yaml:"ack_mode"`

	// IdleTimeout fecha streams unreliable sem atividade do peer.
	IdleTimeout time.Duration `yaml:"idle_timeout"` // default: 30s

	// PacingRate limita a emissão de pacotes. "0" desabilita.
	// Aceita sufixos: kb, mb, gb (bytes/segundo).
	PacingRate    string `yaml:"pacing_rate"`
	PacingRateRaw int64  `yaml:"-"`

	// RecvBuffer/SendBuffer dimensionam os buffers de kernel.
	RecvBuffer    string `yaml:"recv_buffer"` // ex: "4mb"
	RecvBufferRaw int64  `yaml:"-"`
	SendBuffer    string `yaml:"send_buffer"`
	SendBufferRaw int64  `yaml:"-"`

	// ReusePort habilita SO_REUSEPORT para sharding por worker.
	ReusePort bool `yaml:"reuse_port"`
}

// AcceptorInfo configura o acceptor TCP.
type AcceptorInfo struct {
	Backlog int `yaml:"backlog"` // default: 64
	Workers int `yaml:"workers"` // default: 16

	// Flavor do canal de accept: "lifo" (default) ou "fifo".
	// LIFO minimiza latência de cauda sob pressão de fila.
	Flavor string `yaml:"flavor"`
}

// SecretsInfo configura o store de path secrets.
type SecretsInfo struct {
	// ArenaSize dimensiona a arena do store receptor.
	ArenaSize    string `yaml:"arena_size"` // default: "1mb"
	ArenaSizeRaw int64  `yaml:"-"`

	// File aponta para o arquivo de secrets pré-compartilhados
	// (um secret hex de 64 chars por linha).
	File string `yaml:"file"`
}

// MetricsInfo configura o endpoint Prometheus e o runtime reporter.
type MetricsInfo struct {
	Enabled         bool          `yaml:"enabled"`
	Listen          string        `yaml:"listen"`           // default: "127.0.0.1:9849"
	RuntimeInterval time.Duration `yaml:"runtime_interval"` // default: 5m
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load lê e valida o arquivo YAML de configuração.
func Load(path string) (*TransportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg TransportConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *TransportConfig) validate() error {
	if c.Transport.ListenUDP == "" && c.Transport.ListenTCP == "" {
		return fmt.Errorf("transport.listen_udp or transport.listen_tcp is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.AckMode)) {
	case "":
		c.Transport.AckMode = "application"
	case "application", "worker":
		c.Transport.AckMode = strings.ToLower(c.Transport.AckMode)
	default:
		return fmt.Errorf("transport.ack_mode must be application or worker, got %q", c.Transport.AckMode)
	}

	if c.Transport.IdleTimeout <= 0 {
		c.Transport.IdleTimeout = 30 * time.Second
	}

	if c.Transport.PacingRate != "" && c.Transport.PacingRate != "0" {
		parsed, err := ParseByteSize(c.Transport.PacingRate)
		if err != nil {
			return fmt.Errorf("transport.pacing_rate: %w", err)
		}
		c.Transport.PacingRateRaw = parsed
	}
	if c.Transport.RecvBuffer != "" {
		parsed, err := ParseByteSize(c.Transport.RecvBuffer)
		if err != nil {
			return fmt.Errorf("transport.recv_buffer: %w", err)
		}
		c.Transport.RecvBufferRaw = parsed
	}
	if c.Transport.SendBuffer != "" {
		parsed, err := ParseByteSize(c.Transport.SendBuffer)
		if err != nil {
			return fmt.Errorf("transport.send_buffer: %w", err)
		}
		c.Transport.SendBufferRaw = parsed
	}

	if c.Acceptor.Backlog <= 0 {
		c.Acceptor.Backlog = 64
	}
	if c.Acceptor.Workers <= 0 {
		c.Acceptor.Workers = 16
	}
	switch strings.ToLower(strings.TrimSpace(c.Acceptor.Flavor)) {
	case "":
		c.Acceptor.Flavor = "lifo"
	case "lifo", "fifo":
		c.Acceptor.Flavor = strings.ToLower(c.Acceptor.Flavor)
	default:
		return fmt.Errorf("acceptor.flavor must be lifo or fifo, got %q", c.Acceptor.Flavor)
	}

	if c.Secrets.ArenaSize == "" {
		c.Secrets.ArenaSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Secrets.ArenaSize)
	if err != nil {
		return fmt.Errorf("secrets.arena_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("secrets.arena_size must be > 0, got %s", c.Secrets.ArenaSize)
	}
	c.Secrets.ArenaSizeRaw = parsed

	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			c.Metrics.Listen = "127.0.0.1:9849"
		}
		if c.Metrics.RuntimeInterval <= 0 {
			c.Metrics.RuntimeInterval = 5 * time.Minute
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converte tamanhos human-readable ("64kb", "8mb",
// "1gb" ou bytes puros como "4096") para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// "b" por último: não pode capturar o "b" de kb/mb/gb.
	units := []struct {
		suffix string
		factor int64
	}{
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"b", 1},
	}

	factor := int64(1)
	num := s
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			factor = u.factor
			num = strings.TrimSuffix(s, u.suffix)
			break
		}
	}

	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v * factor, nil
}
