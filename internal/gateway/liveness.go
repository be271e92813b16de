package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
)

// livenessLoop periodically sweeps the configured tanks and marks the
// silent ones offline. The transition goes through the shared apply path
// so it is audited and fanned out like any other telemetry change.
func (g *Gateway) livenessLoop(ctx context.Context) {
	defer g.wg.Done()
	interval := g.cfg.Gateway.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepLiveness(ctx)
		}
	}
}

// sweepLiveness marks a tank offline when no heartbeat has ever been
// recorded for it, or its last heartbeat is older than the timeout. A tank
// already offline is left alone so the transition fires exactly once, and
// soft-deleted tanks are skipped entirely.
func (g *Gateway) sweepLiveness(ctx context.Context) {
	timeout := g.cfg.Gateway.OfflineTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	tanks, err := g.store.ListTanks(ctx)
	if err != nil {
		g.logger.Error("Failed to list tanks for liveness sweep", zap.Error(err))
		return
	}
	now := g.now()
	offline := domain.StatusOffline

	for _, tank := range tanks {
		if tank.IsDeleted || tank.Status == domain.StatusOffline {
			continue
		}
		hb, ok := g.lastHeartbeat(tank.Index)
		if ok && now.Sub(hb) <= timeout {
			continue
		}
		g.logger.Info("Tank went silent, marking offline",
			zap.Int("tank_ix", tank.Index),
			zap.Bool("ever_seen", ok),
		)
		g.applyTelemetry(ctx, TankUpdate{Index: tank.Index, Status: &offline}, SourceBus)
	}
}
