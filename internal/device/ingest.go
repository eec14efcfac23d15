package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aerolink/purifier-core/internal/infrastructure/mqtt"
)

// MetricsWriter is the interface for forwarding telemetry to time-series
// storage. Implementations must be non-blocking; WritePurifierMetric is
// called on the MQTT message path.
type MetricsWriter interface {
	WritePurifierMetric(deviceID string, speed int, powerOn bool)
}

// telemetryReport is the JSON payload devices publish on
// purifier/{device}/telemetry.
type telemetryReport struct {
	Speed     int        `json:"speed"`
	PowerOn   bool       `json:"power_on"`
	Name      string     `json:"name,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ingestTimeout bounds the database work done per telemetry message.
const ingestTimeout = 5 * time.Second

// Ingestor consumes device telemetry and keeps the registry current.
//
// Wire its HandleTelemetry method to the purifier/+/telemetry wildcard
// subscription. First contact from an unknown device creates its record.
type Ingestor struct {
	registry *Registry
	metrics  MetricsWriter // may be nil when InfluxDB is disabled
	logger   Logger
}

// NewIngestor creates a telemetry ingestor backed by the given registry.
// metrics may be nil to disable time-series forwarding.
func NewIngestor(registry *Registry, metrics MetricsWriter, logger Logger) *Ingestor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Ingestor{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleTelemetry processes one telemetry message.
//
// The device ID comes from the topic, not the payload, so a misbehaving
// device cannot impersonate another. Malformed payloads are logged and
// dropped; returning the error would only make the MQTT wrapper log it
// a second time.
func (i *Ingestor) HandleTelemetry(topic string, payload []byte) error {
	deviceID := mqtt.DeviceFromTopic(topic)
	if deviceID == "" {
		i.logger.Warn("telemetry on unexpected topic", "topic", topic)
		return nil
	}

	var report telemetryReport
	if err := json.Unmarshal(payload, &report); err != nil {
		i.logger.Warn("malformed telemetry payload", "device_id", deviceID, "error", err)
		return nil
	}

	if !ValidSpeed(report.Speed) {
		i.logger.Warn("telemetry speed out of range", "device_id", deviceID, "speed", report.Speed)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	seenAt := time.Now().UTC()
	if report.Timestamp != nil {
		seenAt = report.Timestamp.UTC()
	}

	if err := i.apply(ctx, deviceID, &report, seenAt); err != nil {
		i.logger.Error("applying telemetry", "device_id", deviceID, "error", err)
		return fmt.Errorf("applying telemetry for %s: %w", deviceID, err)
	}

	if i.metrics != nil {
		i.metrics.WritePurifierMetric(deviceID, report.Speed, report.PowerOn)
	}

	return nil
}

// apply upserts the reported state, preserving last_known_speed across
// reports where the fan is stopped.
func (i *Ingestor) apply(ctx context.Context, deviceID string, report *telemetryReport, seenAt time.Time) error {
	lastKnown := report.Speed
	if lastKnown == 0 {
		existing, err := i.registry.Get(ctx, deviceID)
		switch {
		case err == nil:
			lastKnown = existing.LastKnownSpeed
		case errors.Is(err, ErrDeviceNotFound):
			// First contact with the fan stopped; nothing to preserve.
		default:
			return err
		}
	}

	state := &DeviceState{
		ID:             deviceID,
		Name:           report.Name,
		Speed:          report.Speed,
		PowerOn:        report.PowerOn,
		Online:         true,
		LastSeen:       &seenAt,
		LastKnownSpeed: lastKnown,
	}

	return i.registry.Upsert(ctx, state)
}

// RunOfflineSweeper periodically marks silent devices offline.
//
// Devices that have not reported telemetry (or acked a command) within
// offlineAfter are flagged offline. Blocks until ctx is cancelled; run
// in its own goroutine.
func (i *Ingestor) RunOfflineSweeper(ctx context.Context, interval, offlineAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-offlineAfter)
			if _, err := i.registry.SweepOffline(ctx, cutoff); err != nil {
				if ctx.Err() == nil {
					i.logger.Error("offline sweep failed", "error", err)
				}
			}
		}
	}
}
