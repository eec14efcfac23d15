package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aerolink/purifier-core/internal/audit"
	"github.com/aerolink/purifier-core/internal/device"
	"github.com/aerolink/purifier-core/internal/infrastructure/mqtt"
)

// Publisher is the interface for publishing command envelopes to the broker.
type Publisher interface {
	// Publish sends a message to the specified MQTT topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceRegistry is the interface the dispatcher needs from the device package.
type DeviceRegistry interface {
	// Get retrieves a device's state for existence checks.
	Get(ctx context.Context, id string) (*device.DeviceState, error)

	// ApplyAck records the confirmed state from an acknowledgment.
	ApplyAck(ctx context.Context, id string, speed int, powerOn bool) error
}

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the dispatcher's retry parameters.
type Config struct {
	// AckTimeout is how long each publish attempt waits for an ack.
	AckTimeout time.Duration

	// MaxRetries is the number of re-publishes after the first attempt.
	// The total attempt count is MaxRetries + 1.
	MaxRetries int

	// QoS applied to command publishes.
	QoS byte
}

// DefaultConfig returns the contract defaults: 30 second ack timeout,
// 3 retries (4 attempts total), QoS 1.
func DefaultConfig() Config {
	return Config{
		AckTimeout: 30 * time.Second,
		MaxRetries: 3,
		QoS:        1,
	}
}

// RetryBudget returns the worst-case wall-clock duration of a single Send:
// one AckTimeout per attempt across the full retry cycle. Callers that run
// a Send under a deadline must allow at least this much.
func (c Config) RetryBudget() time.Duration {
	return time.Duration(c.MaxRetries+1) * c.AckTimeout
}

// Dispatcher sends commands to purifiers and correlates acknowledgments.
//
// Each Send publishes a command envelope, waits for the matching ack, and
// re-publishes on timeout up to the configured retry limit. Every command
// is recorded in the command_audit table before the first publish and
// updated with its terminal outcome.
//
// Wire HandleAck to the purifier/+/ack wildcard subscription. Acks are
// matched to in-flight commands by command ID; duplicate or unknown acks
// are silently ignored.
//
// Thread Safety: Send is safe for concurrent use, including multiple
// concurrent Sends to the same device.
type Dispatcher struct {
	publisher Publisher
	devices   DeviceRegistry
	audits    audit.Repository
	cfg       Config
	logger    Logger

	// inflight maps command ID to the channel its Send is waiting on.
	// Entries are removed on ack delivery, so duplicates find nothing.
	inflight   map[string]chan *Ack
	inflightMu sync.Mutex
}

// NewDispatcher creates a command dispatcher.
//
// Parameters:
//   - publisher: MQTT client for publishing command envelopes
//   - devices: Device registry for existence checks and ack state updates
//   - audits: Repository persisting the command audit trail
//   - cfg: Retry parameters (zero values are replaced by DefaultConfig)
//   - logger: Logger instance (may be nil)
func NewDispatcher(publisher Publisher, devices DeviceRegistry, audits audit.Repository, cfg Config, logger Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		publisher: publisher,
		devices:   devices,
		audits:    audits,
		cfg:       cfg,
		logger:    logger,
		inflight:  make(map[string]chan *Ack),
	}
}

// RetryBudget reports the worst-case duration of a single Send under the
// dispatcher's configured retry parameters.
func (d *Dispatcher) RetryBudget() time.Duration {
	return d.cfg.RetryBudget()
}

// Send dispatches a command to a device and blocks until a terminal outcome.
//
// The returned Result always describes the outcome; error is non-nil only
// for rejected input (unknown device, invalid action/speed/source), for
// transport failure, or for context cancellation. A device that never acks
// is NOT an error: the Result carries StatusTimeout and callers decide how
// to react.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling abandons remaining attempts
//   - deviceID: Target purifier
//   - action: setSpeed, turnOn, or turnOff
//   - speed: Target fan speed, used only for setSpeed (0-5)
//   - source: Which control surface issued the command
func (d *Dispatcher) Send(ctx context.Context, deviceID string, action Action, speed int, source Source) (*Result, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if action.RequiresSpeed() && !device.ValidSpeed(speed) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSpeed, speed)
	}

	if _, err := d.devices.Get(ctx, deviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, fmt.Errorf("looking up device %s: %w", deviceID, err)
	}

	envelope := Envelope{
		ID:       audit.NewCommandID(),
		Action:   action,
		Source:   source,
		IssuedAt: time.Now().UTC(),
	}
	if action.RequiresSpeed() {
		s := speed
		envelope.Speed = &s
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshalling command envelope: %w", err)
	}

	rec := &audit.CommandRecord{
		ID:       envelope.ID,
		DeviceID: deviceID,
		Action:   string(action),
		Speed:    envelope.Speed,
		Source:   string(source),
	}
	if err := d.audits.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording command: %w", err)
	}

	ackCh := make(chan *Ack, 1)
	d.inflightMu.Lock()
	d.inflight[envelope.ID] = ackCh
	d.inflightMu.Unlock()
	defer d.removeInflight(envelope.ID)

	topic := mqtt.Topics{}.DeviceCommand(deviceID)
	maxAttempts := d.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Retries re-publish the identical envelope.
		if err := d.publisher.Publish(topic, payload, d.cfg.QoS, false); err != nil {
			d.logger.Error("command publish failed",
				"command_id", envelope.ID, "device_id", deviceID, "attempt", attempt, "error", err)
			d.markTerminal(envelope.ID, audit.StatusFailed, attempt, err.Error())
			return &Result{CommandID: envelope.ID, Status: StatusFailed, Attempts: attempt},
				fmt.Errorf("%w: %w", ErrTransport, err)
		}

		if err := d.audits.MarkSent(ctx, envelope.ID, attempt); err != nil {
			d.logger.Warn("updating command attempt count failed",
				"command_id", envelope.ID, "error", err)
		}

		d.logger.Debug("command published",
			"command_id", envelope.ID, "device_id", deviceID, "action", action, "attempt", attempt)

		timer := time.NewTimer(d.cfg.AckTimeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			return d.complete(ctx, deviceID, &envelope, ack, attempt)

		case <-timer.C:
			d.logger.Warn("command ack timeout",
				"command_id", envelope.ID, "device_id", deviceID, "attempt", attempt)

		case <-ctx.Done():
			timer.Stop()
			d.markTerminal(envelope.ID, audit.StatusFailed, attempt, "context cancelled")
			return &Result{CommandID: envelope.ID, Status: StatusFailed, Attempts: attempt}, ctx.Err()
		}
	}

	d.markTerminal(envelope.ID, audit.StatusTimeout, maxAttempts,
		fmt.Sprintf("no ack after %d attempts", maxAttempts))
	d.logger.Warn("command exhausted retries",
		"command_id", envelope.ID, "device_id", deviceID, "attempts", maxAttempts)

	return &Result{CommandID: envelope.ID, Status: StatusTimeout, Attempts: maxAttempts}, nil
}

// complete finalises an acknowledged command.
func (d *Dispatcher) complete(ctx context.Context, deviceID string, envelope *Envelope, ack *Ack, attempt int) (*Result, error) {
	if ack.Status == "error" {
		d.markTerminal(envelope.ID, audit.StatusFailed, attempt, ack.Error)
		d.logger.Warn("command rejected by device",
			"command_id", envelope.ID, "device_id", deviceID, "error", ack.Error)
		return &Result{CommandID: envelope.ID, Status: StatusFailed, Attempts: attempt}, nil
	}

	if err := d.devices.ApplyAck(ctx, deviceID, ack.CurrentState.Speed, ack.CurrentState.PowerOn); err != nil {
		d.logger.Error("applying ack state failed",
			"command_id", envelope.ID, "device_id", deviceID, "error", err)
	}

	d.markTerminal(envelope.ID, audit.StatusAcknowledged, attempt, "")
	d.logger.Info("command acknowledged",
		"command_id", envelope.ID, "device_id", deviceID,
		"action", envelope.Action, "attempt", attempt,
		"speed", ack.CurrentState.Speed, "power_on", ack.CurrentState.PowerOn)

	state := ack.CurrentState
	return &Result{
		CommandID: envelope.ID,
		Status:    StatusAcknowledged,
		Attempts:  attempt,
		State:     &state,
	}, nil
}

// HandleAck processes one acknowledgment message.
//
// Wire this to the purifier/+/ack subscription. Acks for commands that are
// not in flight (unknown IDs, duplicates, acks arriving after the retry
// budget is exhausted) are silently dropped.
func (d *Dispatcher) HandleAck(topic string, payload []byte) error {
	deviceID := mqtt.DeviceFromTopic(topic)
	if deviceID == "" {
		d.logger.Warn("ack on unexpected topic", "topic", topic)
		return nil
	}

	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		d.logger.Warn("malformed ack payload", "device_id", deviceID, "error", err)
		return nil
	}
	if ack.CommandID == "" {
		d.logger.Warn("ack missing command id", "device_id", deviceID)
		return nil
	}

	d.inflightMu.Lock()
	ackCh, ok := d.inflight[ack.CommandID]
	if ok {
		// Remove immediately so a duplicate finds nothing.
		delete(d.inflight, ack.CommandID)
	}
	d.inflightMu.Unlock()

	if !ok {
		d.logger.Debug("ack for unknown or completed command",
			"command_id", ack.CommandID, "device_id", deviceID)
		return nil
	}

	ackCh <- &ack
	return nil
}

// InflightCount returns the number of commands awaiting acknowledgment.
func (d *Dispatcher) InflightCount() int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) removeInflight(commandID string) {
	d.inflightMu.Lock()
	delete(d.inflight, commandID)
	d.inflightMu.Unlock()
}

// markTerminal writes the final audit status with a fresh context so the
// outcome is durable even when the caller's context is gone.
func (d *Dispatcher) markTerminal(commandID, status string, attempts int, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.audits.MarkTerminal(ctx, commandID, status, attempts, errMsg); err != nil {
		d.logger.Error("recording command outcome failed",
			"command_id", commandID, "status", status, "error", err)
	}
}
