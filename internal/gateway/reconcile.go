package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/store"
)

// Reconciler converges the registry to a configuration snapshot. Tanks are
// only ever created here; telemetry never creates them. Reconciliation is
// idempotent: re-applying a snapshot leaves the registry unchanged.
type Reconciler struct {
	store  store.Store
	logger *zap.Logger
}

// NewReconciler creates a reconciler over the registry.
func NewReconciler(st store.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// Reconcile applies one snapshot and returns the resulting cuverie list
// enriched with modes, ready for fan-out. An empty snapshot is valid and
// leaves zero configured cuveries.
func (r *Reconciler) Reconcile(ctx context.Context, snapshot []domain.Cuverie) ([]domain.CuverieWithMode, error) {
	existing, err := r.store.ListCuveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, cuverie := range existing {
		known[cuverie.ID] = true
	}

	seen := make(map[string]bool, len(snapshot))
	for _, cuverie := range snapshot {
		if err := r.applyCuverie(ctx, cuverie); err != nil {
			return nil, err
		}
		seen[cuverie.ID] = true
	}

	// cuveries absent from the snapshot disappear entirely; their tanks
	// were soft-deleted on their last appearance or stay queryable by index
	for id := range known {
		if !seen[id] {
			if err := r.store.DeleteCuverie(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to delete cuverie %s: %w", id, err)
			}
			r.logger.Info("Cuverie removed from configuration", zap.String("cuverie_id", id))
		}
	}

	return r.Enriched(ctx)
}

func (r *Reconciler) applyCuverie(ctx context.Context, cuverie domain.Cuverie) error {
	if err := r.store.UpsertCuverie(ctx, cuverie); err != nil {
		return fmt.Errorf("failed to upsert cuverie %s: %w", cuverie.ID, err)
	}

	configured := make(map[int]bool, len(cuverie.Tanks))
	for _, descriptor := range cuverie.Tanks {
		configured[descriptor.Index] = true
		if err := r.upsertTank(ctx, cuverie.ID, descriptor); err != nil {
			return err
		}
	}

	// descriptors dropped from the cuverie soft-delete their tanks
	tanks, err := r.store.ListTanks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tanks: %w", err)
	}
	for _, tank := range tanks {
		if tank.CuverieID != cuverie.ID || configured[tank.Index] || tank.IsDeleted {
			continue
		}
		_, err := r.store.UpdateTank(ctx, tank.Index, func(t *domain.Tank) {
			t.Status = domain.StatusOffline
			t.IsDeleted = true
		})
		if err != nil {
			return fmt.Errorf("failed to soft-delete tank %d: %w", tank.Index, err)
		}
		r.logger.Info("Tank dropped from configuration",
			zap.Int("tank_ix", tank.Index),
			zap.String("cuverie_id", cuverie.ID),
		)
	}

	if _, err := r.store.GetMode(ctx, cuverie.ID); errors.Is(err, store.ErrNotFound) {
		if err := r.store.SetMode(ctx, cuverie.ID, domain.ModeStop); err != nil {
			return fmt.Errorf("failed to initialize mode for %s: %w", cuverie.ID, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to get mode for %s: %w", cuverie.ID, err)
	}

	return nil
}

func (r *Reconciler) upsertTank(ctx context.Context, cuverieID string, descriptor domain.TankDescriptor) error {
	_, err := r.store.GetTank(ctx, descriptor.Index)
	switch {
	case errors.Is(err, store.ErrNotFound):
		tank := domain.Tank{
			Index:         descriptor.Index,
			ID:            descriptor.ID,
			Name:          descriptor.DisplayName,
			Status:        domain.StatusIdle,
			Alarms:        []string{},
			CuverieID:     cuverieID,
			LastUpdatedAt: time.Now(),
		}
		if err := r.store.UpsertTank(ctx, tank); err != nil {
			return fmt.Errorf("failed to create tank %d: %w", descriptor.Index, err)
		}
		r.logger.Info("Tank created from configuration",
			zap.Int("tank_ix", descriptor.Index),
			zap.String("cuverie_id", cuverieID),
		)
		return nil
	case err != nil:
		return fmt.Errorf("failed to get tank %d: %w", descriptor.Index, err)
	}

	_, err = r.store.UpdateTank(ctx, descriptor.Index, func(t *domain.Tank) {
		t.ID = descriptor.ID
		t.Name = descriptor.DisplayName
		t.CuverieID = cuverieID
		if t.IsDeleted {
			// revived by configuration
			t.IsDeleted = false
			t.Status = domain.StatusIdle
		}
	})
	if err != nil {
		return fmt.Errorf("failed to update tank %d: %w", descriptor.Index, err)
	}
	return nil
}

// Enriched returns the current cuverie list with modes attached, sorted by
// id for stable fan-out payloads. Missing modes read as STOP.
func (r *Reconciler) Enriched(ctx context.Context) ([]domain.CuverieWithMode, error) {
	cuveries, err := r.store.ListCuveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cuveries: %w", err)
	}
	sort.Slice(cuveries, func(i, j int) bool { return cuveries[i].ID < cuveries[j].ID })

	out := make([]domain.CuverieWithMode, 0, len(cuveries))
	for _, cuverie := range cuveries {
		mode, err := r.store.GetMode(ctx, cuverie.ID)
		if errors.Is(err, store.ErrNotFound) {
			mode = domain.ModeStop
		} else if err != nil {
			return nil, fmt.Errorf("failed to get mode for %s: %w", cuverie.ID, err)
		}
		out = append(out, domain.CuverieWithMode{Cuverie: cuverie, Mode: mode})
	}
	return out, nil
}

// ConfiguredIndices returns the set of tank indices referenced by any
// cuverie's current descriptor set. Configuration, not telemetry, gates
// visibility.
func (r *Reconciler) ConfiguredIndices(ctx context.Context) (map[int]bool, error) {
	cuveries, err := r.store.ListCuveries(ctx)
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
