package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fixedCollector struct{}

func (fixedCollector) Collect(ctx context.Context) Stats {
	return Stats{GoVersion: "go-test", CPUCount: 4, MemUsedPercent: 12.5}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", fixedCollector{}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	probe := func() (int, time.Duration) { return 3, 42 * time.Millisecond }
	server := New(":0", fixedCollector{}, probe, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Guilds != 3 || stats.Latency != "42ms" || stats.CPUCount != 4 || stats.Uptime == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := New("127.0.0.1:0", fixedCollector{}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
