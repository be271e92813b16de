// Package store defines the registry contract the gateway mutates: tanks
// keyed by their configured index, cuveries, per-cuverie modes, the alarm
// ledger, settings and the recent-event ring. Implementations must make
// each single-key read-modify-write atomic; telemetry, commands and
// reconciliation may all target the same tank concurrently.
package store

import (
	"context"
	"errors"

	"github.com/cocovax/cuveris/internal/domain"
)

// ErrNotFound is returned for lookups and updates against unknown keys.
var ErrNotFound = errors.New("not found")

// TankMutator rewrites a tank in place inside an atomic update. History is
// managed through AppendHistorySample and must not be touched by mutators.
type TankMutator func(tank *domain.Tank)

// TankStore holds the tank registry and the bounded temperature history.
type TankStore interface {
	GetTank(ctx context.Context, index int) (domain.Tank, error)
	ListTanks(ctx context.Context) ([]domain.Tank, error)
	UpsertTank(ctx context.Context, tank domain.Tank) error
	// UpdateTank applies the mutator atomically and refreshes
	// LastUpdatedAt. ErrNotFound when the index is unknown.
	UpdateTank(ctx context.Context, index int, mutate TankMutator) (domain.Tank, error)
	AppendHistorySample(ctx context.Context, index int, sample domain.TemperatureSample) error
	ListHistory(ctx context.Context, index int, limit int) ([]domain.TemperatureSample, error)
}

// CuverieStore holds cuverie records and their modes.
type CuverieStore interface {
	GetCuverie(ctx context.Context, id string) (domain.Cuverie, error)
	ListCuveries(ctx context.Context) ([]domain.Cuverie, error)
	UpsertCuverie(ctx context.Context, cuverie domain.Cuverie) error
	DeleteCuverie(ctx context.Context, id string) error
	GetMode(ctx context.Context, cuverieID string) (domain.CuverieMode, error)
	SetMode(ctx context.Context, cuverieID string, mode domain.CuverieMode) error
}

// AlarmStore is the authoritative alarm ledger.
type AlarmStore interface {
	ListAlarms(ctx context.Context) ([]domain.Alarm, error)
	AddAlarm(ctx context.Context, alarm domain.Alarm) error
	// AcknowledgeAlarm flips acknowledged to true; the transition is
	// one-way and re-acknowledging is a no-op.
	AcknowledgeAlarm(ctx context.Context, id string) (domain.Alarm, error)
}

// SettingsStore holds the single settings document.
type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
	// UpdateSettings merges the patch; nil sub-objects are untouched.
	UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error)
}

// EventStore is the fast-path audit ring; long-term storage is the event
// sink's concern.
type EventStore interface {
	AppendEvent(ctx context.Context, entry domain.EventLogEntry) error
	ListEvents(ctx context.Context, limit int) ([]domain.EventLogEntry, error)
}

// Store aggregates the full registry contract.
type Store interface {
	TankStore
	CuverieStore
	AlarmStore
	SettingsStore
	EventStore
}
