package gateway

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
)

// seedSnapshot is reconciled when mock mode starts against an empty
// registry, so the system is demonstrable without a broker.
func seedSnapshot() []domain.Cuverie {
	cuverie := domain.Cuverie{
		ID:   domain.DefaultCuverieID,
		Name: "Default",
	}
	for i := 0; i < 3; i++ {
		index := 101 + i
		cuverie.Tanks = append(cuverie.Tanks, domain.TankDescriptor{
			ID:          domain.TankID(cuverie.ID, index),
			Index:       index,
			DisplayName: fmt.Sprintf("Cuve %02d", i+1),
			Order:       i,
		})
	}
	return []domain.Cuverie{cuverie}
}

func (g *Gateway) startMock(ctx context.Context) {
	cuveries, err := g.store.ListCuveries(ctx)
	if err != nil {
		g.logger.Error("Failed to inspect registry for mock seed", zap.Error(err))
	} else if len(cuveries) == 0 {
		g.dispatchMu.Lock()
		_, err := g.reconciler.Reconcile(ctx, seedSnapshot())
		g.dispatchMu.Unlock()
		if err != nil {
			g.logger.Error("Failed to seed mock registry", zap.Error(err))
		}
		// the enriched list reaches listeners through the post-start
		// config emission, outside the lifecycle lock
	}

	g.wg.Add(1)
	go g.mockLoop(ctx)
}

// mockLoop synthesizes a plausible temperature for a rotating random
// subset of known tanks, through the same apply path live mode uses, so
// every downstream consumer sees identical behavior in both modes.
func (g *Gateway) mockLoop(ctx context.Context) {
	defer g.wg.Done()
	interval := g.cfg.Gateway.MockInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mockTick(ctx)
		}
	}
}

func (g *Gateway) mockTick(ctx context.Context) {
	tanks, err := g.store.ListTanks(ctx)
	if err != nil {
		g.logger.Error("Failed to list tanks for mock tick", zap.Error(err))
		return
	}
	candidates := tanks[:0]
	for _, tank := range tanks {
		if !tank.IsDeleted {
			candidates = append(candidates, tank)
		}
	}
	if len(candidates) == 0 {
		return
	}

	tank := candidates[g.rnd.Intn(len(candidates))]
	base := 20 + g.rnd.Float64()*5
	temperature := math.Round((base+g.rnd.Float64()-0.5)*100) / 100

	g.applyTelemetry(ctx, TankUpdate{
		Index:       tank.Index,
		Temperature: &temperature,
	}, SourceMock)
}
