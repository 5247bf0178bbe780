// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics expõe os contadores do transporte via Prometheus e
// um reporter periódico de métricas de runtime (CPU/memória do
// processo) no log estruturado.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics agrupa os collectors do transporte.
type Metrics struct {
	StreamsAccepted   prometheus.Counter
	StreamsDropped    *prometheus.CounterVec
	PacketsDelivered  prometheus.Counter
	PacketsDropped    prometheus.Counter
	DecodeErrors      prometheus.Counter
	AcceptQueueDepth  prometheus.Gauge
	ActiveWorkerSlots prometheus.Gauge
	ArenaFreePages    prometheus.Gauge

	registry *prometheus.Registry
}

// New cria os collectors em um registry dedicado.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		StreamsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ntransport",
			Subsystem: "acceptor",
			Name:      "streams_accepted_total",
			Help:      "Streams TCP aceitos e publicados no canal de accept.",
		}),
		StreamsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntransport",
			Subsystem: "acceptor",
			Name:      "streams_dropped_total",
			Help:      "Conexões descartadas pelo acceptor, por motivo.",
		}, []string{"reason"}),
		PacketsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ntransport",
			Subsystem: "recv",
			Name:      "packets_delivered_total",
			Help:      "Pacotes autenticados e entregues ao reassembler.",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ntransport",
			Subsystem: "recv",
			Name:      "packets_dropped_total",
			Help:      "Pacotes descartados (decode ou autenticação).",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ntransport",
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Falhas estruturais de decode de pacote.",
		}),
		AcceptQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntransport",
			Subsystem: "acceptor",
			Name:      "accept_queue_depth",
			Help:      "Entries aguardando no canal de accept.",
		}),
		ActiveWorkerSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntransport",
			Subsystem: "acceptor",
			Name:      "active_worker_slots",
			Help:      "Slots de worker com stream ativo.",
		}),
		ArenaFreePages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntransport",
			Subsystem: "arena",
			Name:      "free_pages",
			Help:      "Páginas livres na arena de path secrets.",
		}),
		registry: registry,
	}
}

// Handler retorna o http.Handler do endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve inicia o listener HTTP de métricas. Bloqueia; rode em
// goroutine própria.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return server.ListenAndServe()
}
