package store

import (
	"context"
	"sync"
	"time"

	"github.com/cocovax/cuveris/internal/domain"
)

// eventRingCap bounds the in-memory audit ring; older entries are dropped.
const eventRingCap = 500

// MemoryStore is the in-memory registry. It is the default provider and
// the reference implementation of the Store contract.
type MemoryStore struct {
	mu       sync.RWMutex
	tanks    map[int]domain.Tank
	history  map[int][]domain.TemperatureSample
	cuveries map[string]domain.Cuverie
	modes    map[string]domain.CuverieMode
	alarms   []domain.Alarm
	settings domain.Settings
	events   []domain.EventLogEntry

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty registry with the given initial settings.
func NewMemoryStore(settings domain.Settings) *MemoryStore {
	return &MemoryStore{
		tanks:    make(map[int]domain.Tank),
		history:  make(map[int][]domain.TemperatureSample),
		cuveries: make(map[string]domain.Cuverie),
		modes:    make(map[string]domain.CuverieMode),
		settings: settings,
		now:      time.Now,
	}
}

// SetClock overrides the store clock; tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetTank(_ context.Context, index int) (domain.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tank, ok := s.tanks[index]
	if !ok {
		return domain.Tank{}, ErrNotFound
	}
	return s.withHistory(tank), nil
}

func (s *MemoryStore) ListTanks(_ context.Context) ([]domain.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Tank, 0, len(s.tanks))
	for _, tank := range s.tanks {
		out = append(out, s.withHistory(tank))
	}
	return out, nil
}

func (s *MemoryStore) UpsertTank(_ context.Context, tank domain.Tank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := tank.Clone()
	stored.History = nil
	s.tanks[tank.Index] = stored
	if _, ok := s.history[tank.Index]; !ok {
		s.history[tank.Index] = nil
	}
	return nil
}

func (s *MemoryStore) UpdateTank(_ context.Context, index int, mutate TankMutator) (domain.Tank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tanks[index]
	if !ok {
		return domain.Tank{}, ErrNotFound
	}
	updated := current.Clone()
	mutate(&updated)
	updated.Index = index // immutable once assigned
	updated.History = nil
	updated.LastUpdatedAt = s.now()
	s.tanks[index] = updated
	return s.withHistory(updated), nil
}

func (s *MemoryStore) AppendHistorySample(_ context.Context, index int, sample domain.TemperatureSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tanks[index]; !ok {
		return ErrNotFound
	}
	samples := append(s.history[index], sample)
	if len(samples) > domain.HistoryCap {
		samples = samples[len(samples)-domain.HistoryCap:]
	}
	s.history[index] = samples
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, index int, limit int) ([]domain.TemperatureSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.history[index]
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return append([]domain.TemperatureSample(nil), samples...), nil
}

// withHistory attaches a copy of the history ring to a tank copy. Caller
// must hold at least the read lock.
func (s *MemoryStore) withHistory(tank domain.Tank) domain.Tank {
	out := tank.Clone()
	out.History = append([]domain.TemperatureSample(nil), s.history[tank.Index]...)
	return out
}

func (s *MemoryStore) GetCuverie(_ context.Context, id string) (domain.Cuverie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cuverie, ok := s.cuveries[id]
	if !ok {
		return domain.Cuverie{}, ErrNotFound
	}
	return cuverie.Clone(), nil
}

func (s *MemoryStore) ListCuveries(_ context.Context) ([]domain.Cuverie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Cuverie, 0, len(s.cuveries))
	for _, cuverie := range s.cuveries {
		out = append(out, cuverie.Clone())
	}
	return out, nil
}

func (s *MemoryStore) UpsertCuverie(_ context.Context, cuverie domain.Cuverie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cuveries[cuverie.ID] = cuverie.Clone()
	return nil
}

func (s *MemoryStore) DeleteCuverie(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cuveries, id)
	delete(s.modes, id)
	return nil
}

func (s *MemoryStore) GetMode(_ context.Context, cuverieID string) (domain.CuverieMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mode, ok := s.modes[cuverieID]
	if !ok {
		return "", ErrNotFound
	}
	return mode, nil
}

func (s *MemoryStore) SetMode(_ context.Context, cuverieID string, mode domain.CuverieMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[cuverieID] = mode
	return nil
}

func (s *MemoryStore) ListAlarms(_ context.Context) ([]domain.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Alarm(nil), s.alarms...), nil
}

func (s *MemoryStore) AddAlarm(_ context.Context, alarm domain.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// newest first, matching the event ring
	s.alarms = append([]domain.Alarm{alarm}, s.alarms...)
	return nil
}

func (s *MemoryStore) AcknowledgeAlarm(_ context.Context, id string) (domain.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alarms {
		if s.alarms[i].ID == id {
			s.alarms[i].Acknowledged = true
			return s.alarms[i], nil
		}
	}
	return domain.Alarm{}, ErrNotFound
}

func (s *MemoryStore) GetSettings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.AlarmThresholds != nil {
		s.settings.AlarmThresholds = *patch.AlarmThresholds
	}
	if patch.Preferences != nil {
		s.settings.Preferences = *patch.Preferences
	}
	if patch.MQTT != nil {
		s.settings.MQTT = *patch.MQTT
	}
	return s.settings, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, entry domain.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]domain.EventLogEntry{entry}, s.events...)
	if len(s.events) > eventRingCap {
		s.events = s.events[:eventRingCap]
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]domain.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return append([]domain.EventLogEntry(nil), events...), nil
}
