package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/events"
	"github.com/cocovax/cuveris/internal/store"
)

// ErrAlarmNotFound is surfaced for acknowledgements of unknown alarms.
var ErrAlarmNotFound = errors.New("alarm not found")

// AlarmService manages the alarm ledger. Threshold alarms are raised by
// the gateway; external collaborators forward theirs through Raise.
type AlarmService struct {
	store  store.Store
	sink   events.Sink
	logger *zap.Logger
}

// NewAlarmService wires the service.
func NewAlarmService(st store.Store, sink events.Sink, logger *zap.Logger) *AlarmService {
	return &AlarmService{store: st, sink: sink, logger: logger}
}

// List returns the ledger, newest first.
func (s *AlarmService) List(ctx context.Context) ([]domain.Alarm, error) {
	alarms, err := s.store.ListAlarms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	return alarms, nil
}

// Raise records a forwarded alarm and its audit event.
func (s *AlarmService) Raise(ctx context.Context, tankIndex int, severity domain.AlarmSeverity, message string) (domain.Alarm, error) {
	alarm := domain.Alarm{
		ID:          uuid.New().String(),
		TankIndex:   tankIndex,
		Severity:    severity,
		Message:     message,
		TriggeredAt: time.Now(),
	}
	if err := s.store.AddAlarm(ctx, alarm); err != nil {
		return domain.Alarm{}, fmt.Errorf("failed to add alarm: %w", err)
	}
	entry := events.NewEntry(domain.EventAlarm, domain.SourceBackend, message)
	entry.TankIndex = &alarm.TankIndex
	s.sink.Append(ctx, entry)
	return alarm, nil
}

// Acknowledge flips an alarm to acknowledged; the transition is one-way.
func (s *AlarmService) Acknowledge(ctx context.Context, id string) (domain.Alarm, error) {
	alarm, err := s.store.AcknowledgeAlarm(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Alarm{}, ErrAlarmNotFound
	}
	if err != nil {
		return domain.Alarm{}, fmt.Errorf("failed to acknowledge alarm: %w", err)
	}
	entry := events.NewEntry(domain.EventAlarm, domain.SourceUser,
		fmt.Sprintf("Alarm %s acknowledged", id))
	entry.TankIndex = &alarm.TankIndex
	s.sink.Append(ctx, entry)
	return alarm, nil
}
