package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"marketcore/internal/config"
	"marketcore/pkg/coremodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_RecentReturnsEmittedEventsInOrder(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	now := time.Now()

	for i := 0; i < 5; i++ {
		hub.Emit(coremodel.Event{Type: coremodel.EventSnapshot, Timestamp: now.Add(time.Duration(i) * time.Second), MarketID: "m1"})
	}

	recent := hub.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent events, got %d", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp.Before(recent[i-1].Timestamp) {
			t.Fatalf("expected events in chronological order, got %v before %v", recent[i].Timestamp, recent[i-1].Timestamp)
		}
	}
}

func TestHub_RecentWrapsAroundRingBoundary(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	now := time.Now()

	total := ringSize + 10
	for i := 0; i < total; i++ {
		hub.Emit(coremodel.Event{Type: coremodel.EventInventory, Timestamp: now.Add(time.Duration(i) * time.Millisecond), CorrelationID: string(rune('a' + i%26))})
	}

	recent := hub.Recent(5)
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent events after wraparound, got %d", len(recent))
	}
	last := recent[len(recent)-1]
	expectedIdx := total - 1
	if last.CorrelationID != string(rune('a'+expectedIdx%26)) {
		t.Fatalf("expected most recent event to be the last emitted one, got correlation_id %q", last.CorrelationID)
	}
}

func TestHub_EmitDoesNotBlockWhenBroadcastChannelFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	// No Run() goroutine draining the broadcast channel: fill it past
	// capacity and confirm Emit never blocks the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastDepth+10; i++ {
			hub.Emit(coremodel.Event{Type: coremodel.EventFill})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with a full broadcast channel and no consumer")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://mm.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "mm.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
