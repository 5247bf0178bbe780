// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transport License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// defaultRuntimeInterval é o período de report de runtime.
const defaultRuntimeInterval = 5 * time.Minute

// RuntimeReporter emite métricas periódicas do processo (CPU, RSS,
// goroutines, GC) e do host (memória disponível) no log estruturado.
type RuntimeReporter struct {
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	proc      *process.Process
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRuntimeReporter cria um reporter com o intervalo dado
// (0 = default de 5 minutos).
func NewRuntimeReporter(logger *slog.Logger, interval time.Duration) *RuntimeReporter {
	if interval <= 0 {
		interval = defaultRuntimeInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sem acesso ao próprio processo: reporta apenas runtime Go.
		logger.Warn("process metrics unavailable", "error", err)
		proc = nil
	}
	return &RuntimeReporter{
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
		proc:      proc,
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting.
func (r *RuntimeReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("runtime reporter started", "interval", r.interval)
}

// Stop encerra o reporter e aguarda a goroutine.
func (r *RuntimeReporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.logger.Info("runtime reporter stopped")
}

func (r *RuntimeReporter) report() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	attrs := []any{
		"uptime_s", time.Since(r.startTime).Seconds(),
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", float64(ms.HeapAlloc) / (1024 * 1024),
		"gc_cycles", ms.NumGC,
	}

	if r.proc != nil {
		if cpu, err := r.proc.CPUPercent(); err == nil {
			attrs = append(attrs, "cpu_percent", cpu)
		}
		if mi, err := r.proc.MemoryInfo(); err == nil {
			attrs = append(attrs, "rss_mb", float64(mi.RSS)/(1024*1024))
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "host_mem_available_mb", float64(vm.Available)/(1024*1024))
	}

	r.logger.Info("runtime stats", attrs...)
}
