package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/aerolink/purifier-core/internal/command"
)

// ─── Mocks ───────────────────────────────────────────────────────────────────

type mockOverrides struct {
	active bool
	err    error
}

func (m *mockOverrides) HasActive(context.Context, string) (bool, error) {
	return m.active, m.err
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestAdmit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		source   command.Source
		action   command.Action
		active   bool
		admitted bool
	}{
		{"manual always admitted", command.SourceManual, command.ActionSetSpeed, true, true},
		{"override always admitted", command.SourceOverride, command.ActionSetSpeed, true, true},
		{"restore always admitted", command.SourceRestore, command.ActionSetSpeed, true, true},
		{"schedule speed, no override", command.SourceSchedule, command.ActionSetSpeed, false, true},
		{"schedule speed, override active", command.SourceSchedule, command.ActionSetSpeed, true, false},
		{"schedule turnOn, override active", command.SourceSchedule, command.ActionTurnOn, true, false},
		{"schedule turnOff, override active", command.SourceSchedule, command.ActionTurnOff, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := New(&mockOverrides{active: tt.active})

			decision, err := policy.Admit(ctx, "dev-1", tt.source, tt.action)
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			if decision.Admitted != tt.admitted {
				t.Errorf("Admitted = %v, want %v (reason %q)",
					decision.Admitted, tt.admitted, decision.Reason)
			}
			if decision.Reason == "" {
				t.Error("Reason empty, want explanation")
			}
		})
	}
}

func TestAdmitOverrideCheckError(t *testing.T) {
	wantErr := errors.New("db gone")
	policy := New(&mockOverrides{err: wantErr})

	_, err := policy.Admit(context.Background(), "dev-1", command.SourceSchedule, command.ActionSetSpeed)
	if !errors.Is(err, wantErr) {
		t.Errorf("Admit() error = %v, want wrapped %v", err, wantErr)
	}
}
