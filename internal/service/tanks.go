package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/events"
	"github.com/cocovax/cuveris/internal/gateway"
	"github.com/cocovax/cuveris/internal/store"
)

// ErrTankNotFound is surfaced to the routing layer as a "not found"
// result; commands against unknown or soft-deleted tanks fail visibly.
var ErrTankNotFound = errors.New("tank not found")

// ErrCuverieNotFound is the cuverie-level equivalent.
var ErrCuverieNotFound = errors.New("cuverie not found")

// TankService is the REST-facing contract over tanks and cuveries: reads
// apply the visibility rule, writes persist through the registry then
// publish the matching device command.
type TankService struct {
	store   store.Store
	gateway *gateway.Gateway
	sink    events.Sink
	logger  *zap.Logger
}

// NewTankService wires the service.
func NewTankService(st store.Store, gw *gateway.Gateway, sink events.Sink, logger *zap.Logger) *TankService {
	return &TankService{store: st, gateway: gw, sink: sink, logger: logger}
}

// ListTanks returns the externally visible tanks: not soft-deleted AND
// referenced by some cuverie's current descriptor set. With zero
// configured cuveries the listing is empty; configuration, not telemetry,
// gates visibility.
func (s *TankService) ListTanks(ctx context.Context) ([]domain.Tank, error) {
	configured, err := s.configuredIndices(ctx)
	if err != nil {
		return nil, err
	}
	tanks, err := s.store.ListTanks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tanks: %w", err)
	}
	visible := make([]domain.Tank, 0, len(tanks))
	for _, tank := range tanks {
		if !tank.IsDeleted && configured[tank.Index] {
			visible = append(visible, tank)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Index < visible[j].Index })
	return visible, nil
}

// GetTank returns a tank by index. Soft-deleted tanks stay queryable here
// even though they are excluded from listings.
func (s *TankService) GetTank(ctx context.Context, index int) (domain.Tank, error) {
	tank, err := s.store.GetTank(ctx, index)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Tank{}, ErrTankNotFound
	}
	if err != nil {
		return domain.Tank{}, fmt.Errorf("failed to get tank: %w", err)
	}
	return tank, nil
}

// GetHistory returns up to limit most recent temperature samples,
// oldest first.
func (s *TankService) GetHistory(ctx context.Context, index int, limit int) ([]domain.TemperatureSample, error) {
	if _, err := s.GetTank(ctx, index); err != nil {
		return nil, err
	}
	samples, err := s.store.ListHistory(ctx, index, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return samples, nil
}

// SetSetpoint persists the new setpoint and sends the device command.
func (s *TankService) SetSetpoint(ctx context.Context, index int, value float64) (domain.Tank, error) {
	tank, err := s.updateCommandTarget(ctx, index, func(t *domain.Tank) {
		t.Setpoint = &value
	})
	if err != nil {
		return domain.Tank{}, err
	}
	if err := s.gateway.Publisher().PublishSetpoint(index, value); err != nil {
		return domain.Tank{}, fmt.Errorf("failed to publish setpoint: %w", err)
	}
	s.audit(ctx, index, fmt.Sprintf("Setpoint set to %.2f on tank %d", value, index))
	return tank, nil
}

// SetRunning starts or stops regulation; a started tank reports cooling
// until the device says otherwise.
func (s *TankService) SetRunning(ctx context.Context, index int, running bool) (domain.Tank, error) {
	tank, err := s.updateCommandTarget(ctx, index, func(t *domain.Tank) {
		t.IsRunning = running
		if running {
			t.Status = domain.StatusCooling
		} else {
			t.Status = domain.StatusIdle
		}
	})
	if err != nil {
		return domain.Tank{}, err
	}
	if err := s.gateway.Publisher().PublishRunning(index, running); err != nil {
		return domain.Tank{}, fmt.Errorf("failed to publish running state: %w", err)
	}
	s.audit(ctx, index, fmt.Sprintf("Running set to %t on tank %d", running, index))
	return tank, nil
}

// SetContents persists the full contents and publishes only the primary
// descriptor; vintage, volume and notes never leave the registry.
func (s *TankService) SetContents(ctx context.Context, index int, contents domain.TankContents) (domain.Tank, error) {
	tank, err := s.updateCommandTarget(ctx, index, func(t *domain.Tank) {
		c := contents
		t.Contents = &c
	})
	if err != nil {
		return domain.Tank{}, err
	}
	if err := s.gateway.Publisher().PublishContents(index, contents.Grape); err != nil {
		return domain.Tank{}, fmt.Errorf("failed to publish contents: %w", err)
	}
	s.audit(ctx, index, fmt.Sprintf("Contents set to %q on tank %d", contents.Grape, index))
	return tank, nil
}

// ListCuveries returns every configured cuverie enriched with its mode.
func (s *TankService) ListCuveries(ctx context.Context) ([]domain.CuverieWithMode, error) {
	cuveries, err := s.store.ListCuveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	sort.Slice(cuveries, func(i, j int) bool { return cuveries[i].ID < cuveries[j].ID })
	out := make([]domain.CuverieWithMode, 0, len(cuveries))
	for _, cuverie := range cuveries {
		mode, err := s.store.GetMode(ctx, cuverie.ID)
		if errors.Is(err, store.ErrNotFound) {
			mode = domain.ModeStop
		} else if err != nil {
			return nil, fmt.Errorf("failed to get mode: %w", err)
		}
		out = append(out, domain.CuverieWithMode{Cuverie: cuverie, Mode: mode})
	}
	return out, nil
}

// SetCuverieMode persists the mode, publishes it to the fleet and refreshes
// the config fan-out.
func (s *TankService) SetCuverieMode(ctx context.Context, cuverieID string, mode domain.CuverieMode) error {
	cuverie, err := s.store.GetCuverie(ctx, cuverieID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCuverieNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get cuverie: %w", err)
	}
	if err := s.store.SetMode(ctx, cuverieID, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := s.gateway.Publisher().PublishMode(cuverie.Name, mode); err != nil {
		return fmt.Errorf("failed to publish mode: %w", err)
	}
	entry := events.NewEntry(domain.EventCommand, domain.SourceUser,
		fmt.Sprintf("Mode %s set on cuverie %s", mode, cuverieID))
	s.sink.Append(ctx, entry)
	s.gateway.RefreshConfig(ctx)
	return nil
}

// updateCommandTarget applies a mutation to a visible (non-deleted) tank.
func (s *TankService) updateCommandTarget(ctx context.Context, index int, mutate store.TankMutator) (domain.Tank, error) {
	current, err := s.store.GetTank(ctx, index)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Tank{}, ErrTankNotFound
	}
	if err != nil {
		return domain.Tank{}, fmt.Errorf("failed to get tank: %w", err)
	}
	if current.IsDeleted {
		return domain.Tank{}, ErrTankNotFound
	}
	tank, err := s.store.UpdateTank(ctx, index, mutate)
	if err != nil {
		return domain.Tank{}, fmt.Errorf("failed to update tank: %w", err)
	}
	return tank, nil
}

func (s *TankService) configuredIndices(ctx context.Context) (map[int]bool, error) {
	cuveries, err := s.store.ListCuveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	configured := make(map[int]bool)
	for _, cuverie := range cuveries {
		for _, descriptor := range cuverie.Tanks {
			configured[descriptor.Index] = true
		}
	}
	return configured, nil
}

func (s *TankService) audit(ctx context.Context, index int, summary string) {
	entry := events.NewEntry(domain.EventCommand, domain.SourceUser, summary)
	entry.TankIndex = &index
	s.sink.Append(ctx, entry)
}
