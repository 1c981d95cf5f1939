// Package health serves liveness and process statistics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

type Stats struct {
	GoVersion      string  `json:"go_version"`
	Goroutines     int     `json:"goroutines"`
	CPUCount       int     `json:"cpu_count"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedMB      uint64  `json:"mem_used_mb"`
	MemTotalMB     uint64  `json:"mem_total_mb"`
	Platform       string  `json:"platform,omitempty"`
	Uptime         string  `json:"uptime"`
	Guilds         int     `json:"guilds"`
	Latency        string  `json:"gateway_latency,omitempty"`
}

// Probe supplies the bot-side numbers; either field may be zero.
type Probe func() (guilds int, latency time.Duration)

// Collector gathers host figures. SystemCollector reads them through gopsutil.
type Collector interface {
	Collect(ctx context.Context) Stats
}

type SystemCollector struct{}

func (SystemCollector) Collect(ctx context.Context) Stats {
	stats := Stats{GoVersion: runtime.Version(), Goroutines: runtime.NumGoroutine()}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemUsedPercent = vm.UsedPercent
		stats.MemUsedMB = vm.Used / 1024 / 1024
		stats.MemTotalMB = vm.Total / 1024 / 1024
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Platform = info.Platform + " " + info.PlatformVersion
	}
	return stats
}

type Server struct {
	addr      string
	logger    *zap.Logger
	collector Collector
	probe     Probe
	started   time.Time
	mux       *http.ServeMux
}

func New(addr string, collector Collector, probe Probe, logger *zap.Logger) *Server {
	if collector == nil {
		collector = SystemCollector{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{addr: addr, logger: logger, collector: collector, probe: probe, started: time.Now(), mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.collector.Collect(r.Context())
	stats.Uptime = time.Since(s.started).Round(time.Second).String()
	if s.probe != nil {
		guilds, latency := s.probe()
		stats.Guilds = guilds
		if latency > 0 {
			stats.Latency = latency.String()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Debug("stats encode failed", zap.Error(err))
	}
}

// Run serves until ctx is cancelled, then shuts down within 10 seconds.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.addr, Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health endpoint enabled", zap.String("addr", s.addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
