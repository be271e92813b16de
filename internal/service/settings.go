package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/store"
)

// SettingsService exposes the settings document; updates are merged per
// sub-object.
type SettingsService struct {
	store  store.Store
	logger *zap.Logger
}

// NewSettingsService wires the service.
func NewSettingsService(st store.Store, logger *zap.Logger) *SettingsService {
	return &SettingsService{store: st, logger: logger}
}

// Get returns the current settings.
func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return settings, nil
}

// Update merges the patch and returns the resulting document.
func (s *SettingsService) Update(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	settings, err := s.store.UpdateSettings(ctx, patch)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to update settings: %w", err)
	}
	s.logger.Info("Settings updated",
		zap.Bool("thresholds", patch.AlarmThresholds != nil),
		zap.Bool("preferences", patch.Preferences != nil),
		zap.Bool("mqtt", patch.MQTT != nil),
	)
	return settings, nil
}

// EventService lists the recent audit ring for the history view.
type EventService struct {
	store  store.Store
	logger *zap.Logger
}

// NewEventService wires the service.
func NewEventService(st store.Store, logger *zap.Logger) *EventService {
	return &EventService{store: st, logger: logger}
}

// List returns up to limit recent events, newest first.
func (s *EventService) List(ctx context.Context, limit int) ([]domain.EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := s.store.ListEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return entries, nil
}
