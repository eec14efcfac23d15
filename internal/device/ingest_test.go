package device

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ─── Mocks ───────────────────────────────────────────────────────────────────

// mockMetrics captures metric writes.
type mockMetrics struct {
	mu     sync.Mutex
	writes []metricWrite
}

type metricWrite struct {
	deviceID string
	speed    int
	powerOn  bool
}

func (m *mockMetrics) WritePurifierMetric(deviceID string, speed int, powerOn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, metricWrite{deviceID, speed, powerOn})
}

func newTestIngestor(t *testing.T) (*Ingestor, *Registry, *mockMetrics) {
	t.Helper()
	registry := NewRegistry(newMockRepository())
	metrics := &mockMetrics{}
	return NewIngestor(registry, metrics, nil), registry, metrics
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestHandleTelemetryCreatesDevice(t *testing.T) {
	ingestor, registry, metrics := newTestIngestor(t)

	err := ingestor.HandleTelemetry("purifier/purifier-hall/telemetry",
		[]byte(`{"speed":3,"power_on":true}`))
	if err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}

	got, err := registry.Get(context.Background(), "purifier-hall")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Speed != 3 || !got.PowerOn || !got.Online {
		t.Errorf("state = speed %d power %v online %v, want 3/true/true",
			got.Speed, got.PowerOn, got.Online)
	}
	if got.LastKnownSpeed != 3 {
		t.Errorf("LastKnownSpeed = %d, want 3", got.LastKnownSpeed)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.writes) != 1 {
		t.Fatalf("metric writes = %d, want 1", len(metrics.writes))
	}
	if metrics.writes[0].deviceID != "purifier-hall" || metrics.writes[0].speed != 3 {
		t.Errorf("metric write = %+v", metrics.writes[0])
	}
}

func TestHandleTelemetryPreservesLastKnownSpeed(t *testing.T) {
	ingestor, registry, _ := newTestIngestor(t)

	if err := ingestor.HandleTelemetry("purifier/dev-1/telemetry",
		[]byte(`{"speed":4,"power_on":true}`)); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}

	// Fan stopped: last_known_speed must survive
	if err := ingestor.HandleTelemetry("purifier/dev-1/telemetry",
		[]byte(`{"speed":0,"power_on":false}`)); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}

	got, _ := registry.Get(context.Background(), "dev-1")
	if got.Speed != 0 {
		t.Errorf("Speed = %d, want 0", got.Speed)
	}
	if got.LastKnownSpeed != 4 {
		t.Errorf("LastKnownSpeed = %d, want 4", got.LastKnownSpeed)
	}
}

func TestHandleTelemetryDropsMalformed(t *testing.T) {
	ingestor, registry, metrics := newTestIngestor(t)

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"invalid json", "purifier/dev-1/telemetry", `{not json`},
		{"speed out of range", "purifier/dev-1/telemetry", `{"speed":9,"power_on":true}`},
		{"system topic", "purifier/system/status", `{"speed":1}`},
		{"foreign topic", "lighting/dev-1/state", `{"speed":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ingestor.HandleTelemetry(tt.topic, []byte(tt.payload)); err != nil {
				t.Errorf("HandleTelemetry() error = %v, want nil (drop)", err)
			}
		})
	}

	if devices, _ := registry.List(context.Background()); len(devices) != 0 {
		t.Errorf("registry has %d devices, want 0", len(devices))
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.writes) != 0 {
		t.Errorf("metric writes = %d, want 0", len(metrics.writes))
	}
}

func TestHandleTelemetryNilMetrics(t *testing.T) {
	registry := NewRegistry(newMockRepository())
	ingestor := NewIngestor(registry, nil, nil)

	err := ingestor.HandleTelemetry("purifier/dev-1/telemetry",
		[]byte(`{"speed":2,"power_on":true}`))
	if err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}
}

func TestRunOfflineSweeper(t *testing.T) {
	registry := NewRegistry(newMockRepository())
	ingestor := NewIngestor(registry, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := testState("dev-stale", 2)
	old := time.Now().UTC().Add(-time.Hour)
	stale.LastSeen = &old
	if err := registry.Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		ingestor.RunOfflineSweeper(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, err := registry.Get(ctx, "dev-stale")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !got.Online {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never marked offline by sweeper")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
