// Package gateway implements the telemetry and configuration
// synchronization core: it owns the bus connection (or the synthetic
// generator in mock mode), reconciles configuration snapshots into the
// registry, applies telemetry, watches liveness and republishes derived
// events to internal subscribers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/config"
	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/events"
	"github.com/cocovax/cuveris/internal/mqtt"
	"github.com/cocovax/cuveris/internal/store"
)

// Mode is the gateway runtime mode.
type Mode string

const (
	ModeStopped Mode = "stopped"
	ModeMock    Mode = "mock"
	ModeLive    Mode = "live"
)

// BusConnector dials the broker. Swapped for a fake in tests.
type BusConnector func(cfg *config.MQTTConfig, logger *zap.Logger, onConnect func(mqtt.Bus)) (mqtt.Bus, error)

func pahoConnector(cfg *config.MQTTConfig, logger *zap.Logger, onConnect func(mqtt.Bus)) (mqtt.Bus, error) {
	return mqtt.Connect(cfg, logger, onConnect)
}

// Gateway is the single owner of bus-connection state and mode. All
// inbound message handling, mock ticks and liveness sweeps are serialized
// behind dispatchMu so reconciliation and telemetry never race on the
// registry.
type Gateway struct {
	cfg        *config.Config
	store      store.Store
	sink       events.Sink
	logger     *zap.Logger
	decoder    *Decoder
	reconciler *Reconciler
	publisher  *CommandPublisher
	connect    BusConnector

	telemetryFan *fanout[TelemetryEvent]
	configFan    *fanout[ConfigEvent]

	// lifecycle state
	mu     sync.Mutex
	mode   Mode
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// live bus handle; nil while disconnected or in mock mode
	busMu sync.Mutex
	bus   mqtt.Bus

	// serializes every registry mutation path
	dispatchMu sync.Mutex

	// liveness heartbeats per tank index
	hbMu       sync.Mutex
	heartbeats map[int]time.Time

	now func() time.Time
	rnd *rand.Rand
}

// New creates a stopped gateway.
func New(cfg *config.Config, st store.Store, sink events.Sink, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:          cfg,
		store:        st,
		sink:         sink,
		logger:       logger,
		decoder:      NewDecoder(cfg.Gateway.ConfigTopic),
		reconciler:   NewReconciler(st, logger),
		publisher:    NewCommandPublisher(cfg.MQTT.QoS, logger),
		connect:      pahoConnector,
		telemetryFan: newFanout[TelemetryEvent](),
		configFan:    newFanout[ConfigEvent](),
		mode:         ModeStopped,
		heartbeats:   make(map[int]time.Time),
		now:          time.Now,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetConnector overrides the bus connector; tests only.
func (g *Gateway) SetConnector(connect BusConnector) {
	g.connect = connect
}

// Publisher exposes the command publisher for the service layer.
func (g *Gateway) Publisher() *CommandPublisher {
	return g.publisher
}

// Mode reports the current runtime mode.
func (g *Gateway) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// IsConnected reports whether a live bus connection is currently up.
func (g *Gateway) IsConnected() bool {
	g.busMu.Lock()
	defer g.busMu.Unlock()
	return g.bus != nil && g.bus.IsConnected()
}

// OnTelemetry registers a telemetry listener; the returned function
// unsubscribes it.
func (g *Gateway) OnTelemetry(fn func(TelemetryEvent)) func() {
	return g.telemetryFan.subscribe(fn)
}

// OnConfigChanged registers a configuration listener.
func (g *Gateway) OnConfigChanged(fn func(ConfigEvent)) func() {
	return g.configFan.subscribe(fn)
}

// Start brings the gateway up in live mode when a broker is configured and
// mock is not forced, otherwise in mock mode. Starting a running gateway
// is a no-op.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.mode != ModeStopped {
		g.mu.Unlock()
		return nil
	}
	target := ModeMock
	if g.cfg.MQTT.Broker != "" && !g.cfg.Gateway.EnableMock {
		target = ModeLive
	}
	err := g.startLocked(target)
	g.mu.Unlock()
	if err == nil {
		// listeners may call back into the gateway; never emit under mu
		g.emitConfig(context.Background())
	}
	return err
}

// Stop tears the active mode down and returns to Stopped. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

// SwitchMode is a full teardown and rebuild into the target mode; there is
// never a partial reconfiguration, so no subscriptions or timers can leak
// across modes.
func (g *Gateway) SwitchMode(target Mode) error {
	if target != ModeMock && target != ModeLive {
		return fmt.Errorf("invalid gateway mode: %s", target)
	}
	g.mu.Lock()
	g.stopLocked()
	err := g.startLocked(target)
	g.mu.Unlock()
	if err == nil {
		g.emitConfig(context.Background())
	}
	return err
}

func (g *Gateway) startLocked(target Mode) error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.mode = target

	switch target {
	case ModeLive:
		if g.cfg.MQTT.Broker == "" {
			g.logger.Info("No broker configured, falling back to mock mode")
			g.mode = ModeMock
			g.startMock(ctx)
			break
		}
		g.startLive(ctx)
	case ModeMock:
		g.startMock(ctx)
	}

	g.logger.Info("Gateway started", zap.String("mode", string(g.mode)))
	return nil
}

func (g *Gateway) stopLocked() {
	if g.mode == ModeStopped {
		return
	}
	g.cancel()
	g.cancel = nil

	// drain before tearing the bus down: a dial finishing mid-stop must
	// not re-arm the handle after it was cleared
	g.wg.Wait()

	g.busMu.Lock()
	if g.bus != nil {
		g.bus.Disconnect()
		g.bus = nil
	}
	g.busMu.Unlock()
	g.publisher.setBus(nil)

	g.mode = ModeStopped
	g.logger.Info("Gateway stopped")
}

// ---- live mode ----

func (g *Gateway) startLive(ctx context.Context) {
	g.wg.Add(2)
	go g.connectLoop(ctx)
	go g.livenessLoop(ctx)
}

// connectLoop dials the broker until it succeeds or the mode is torn down.
// Reconnection after the first success is paho's job; the loop only covers
// the initial dial, which fails outright when the broker is unreachable.
func (g *Gateway) connectLoop(ctx context.Context) {
	defer g.wg.Done()
	period := g.cfg.MQTT.ReconnectPeriod
	if period <= 0 {
		period = 2 * time.Second
	}
	for {
		bus, err := g.connect(&g.cfg.MQTT, g.logger, g.onBusConnect)
		if err == nil {
			if ctx.Err() != nil {
				// stop raced the dial; the bus must not outlive the mode
				bus.Disconnect()
				return
			}
			g.busMu.Lock()
			g.bus = bus
			g.busMu.Unlock()
			g.publisher.setBus(bus)
			// the connector may invoke onConnect before the handle is
			// stored; subscribe again to be sure
			g.subscribeAll(bus)
			return
		}
		g.logger.Warn("Broker unreachable, retrying",
			zap.String("broker", g.cfg.MQTT.Broker),
			zap.Duration("retry_in", period),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

// onBusConnect runs on every successful (re)connect.
func (g *Gateway) onBusConnect(bus mqtt.Bus) {
	g.subscribeAll(bus)
}

// subscribeAll (re)establishes the config topic, the mode wildcard and the
// per-tank topics for every currently known tank.
func (g *Gateway) subscribeAll(bus mqtt.Bus) {
	qos := g.cfg.MQTT.QoS
	for _, topic := range []string{g.decoder.configTopic, ModeTopicPattern} {
		if err := bus.Subscribe(topic, qos, g.handleMessage); err != nil {
			g.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
	g.subscribeTankTopics(bus)
}

// subscribeTankTopics subscribes the four field topics of every known
// tank; called after each reconciliation since the tank set may grow.
func (g *Gateway) subscribeTankTopics(bus mqtt.Bus) {
	tanks, err := g.store.ListTanks(context.Background())
	if err != nil {
		g.logger.Error("Failed to list tanks for subscription", zap.Error(err))
		return
	}
	qos := g.cfg.MQTT.QoS
	for _, tank := range tanks {
		if tank.IsDeleted {
			continue
		}
		for _, topic := range tankTopics(tank.Index) {
			if err := bus.Subscribe(topic, qos, g.handleMessage); err != nil {
				g.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

// handleMessage is the single inbound dispatch point for live mode.
func (g *Gateway) handleMessage(topic string, payload []byte) {
	// any recognized per-tank topic proves the device is alive, even when
	// the payload itself cannot be decoded
	if index, _, ok := parseTankTopic(topic); ok {
		g.markHeartbeat(index)
	}

	msg := g.decoder.Decode(topic, payload)
	ctx := context.Background()

	switch msg.Kind {
	case KindConfigSnapshot:
		g.dispatchMu.Lock()
		enriched, err := g.reconciler.Reconcile(ctx, msg.Snapshot)
		g.dispatchMu.Unlock()
		if err != nil {
			g.logger.Error("Reconciliation failed", zap.Error(err))
			return
		}
		g.logger.Info("Configuration reconciled", zap.Int("cuveries", len(enriched)))
		g.configFan.emit(ConfigEvent{Cuveries: enriched})
		g.busMu.Lock()
		bus := g.bus
		g.busMu.Unlock()
		if bus != nil {
			g.subscribeTankTopics(bus)
		}

	case KindModeChange:
		g.dispatchMu.Lock()
		err := g.store.SetMode(ctx, msg.Mode.CuverieID, msg.Mode.Mode)
		g.dispatchMu.Unlock()
		if err != nil {
			g.logger.Error("Failed to store mode change",
				zap.String("cuverie_id", msg.Mode.CuverieID), zap.Error(err))
			return
		}
		g.emitConfig(ctx)

	case KindTankUpdate:
		g.markHeartbeat(msg.Tank.Index)
		g.applyTelemetry(ctx, msg.Tank, SourceBus)
	}
}

// ---- shared telemetry-apply path ----

// applyTelemetry resolves the index, applies the field updates, records
// history and audit for temperature changes and fans the updated tank out.
// Unknown and soft-deleted indices are silently dropped: only
// configuration creates tanks.
func (g *Gateway) applyTelemetry(ctx context.Context, update TankUpdate, source TelemetrySource) {
	g.dispatchMu.Lock()
	defer g.dispatchMu.Unlock()

	current, err := g.store.GetTank(ctx, update.Index)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("Failed to resolve tank", zap.Int("tank_ix", update.Index), zap.Error(err))
		}
		return
	}
	if current.IsDeleted {
		return
	}

	if update.Temperature != nil {
		sample := domain.TemperatureSample{Timestamp: g.now(), Value: *update.Temperature}
		if err := g.store.AppendHistorySample(ctx, update.Index, sample); err != nil {
			g.logger.Error("Failed to append history sample",
				zap.Int("tank_ix", update.Index), zap.Error(err))
		}
	}

	updated, err := g.store.UpdateTank(ctx, update.Index, func(t *domain.Tank) {
		if update.Temperature != nil {
			t.Temperature = update.Temperature
		}
		if update.Setpoint != nil {
			t.Setpoint = update.Setpoint
		}
		if update.Status != nil {
			t.Status = *update.Status
		}
		if update.IsRunning != nil {
			t.IsRunning = *update.IsRunning
		}
		if update.Contents != nil {
			t.Contents = mergeContents(t.Contents, *update.Contents)
		}
	})
	if err != nil {
		g.logger.Error("Failed to apply telemetry", zap.Int("tank_ix", update.Index), zap.Error(err))
		return
	}

	if update.Temperature != nil {
		entry := events.NewEntry(domain.EventTelemetry, domain.SourceSystem,
			fmt.Sprintf("Temperature %.2f on tank %d", *update.Temperature, update.Index))
		entry.TankIndex = &updated.Index
		g.sink.Append(ctx, entry)
		g.checkThresholds(ctx, current, updated)
	}

	g.telemetryFan.emit(TelemetryEvent{Tank: updated, Source: source})
}

// mergeContents keeps previously-set sub-fields across an
// affectation-only update: only the grape travels on the bus. Never-set
// sub-fields stay zero until a command fills them in.
func mergeContents(current *domain.TankContents, grape string) *domain.TankContents {
	if current != nil {
		merged := *current
		merged.Grape = grape
		return &merged
	}
	return &domain.TankContents{Grape: grape}
}

// checkThresholds raises an alarm when a temperature crosses a configured
// bound. Only the crossing raises; staying outside the band does not
// re-raise on every sample.
func (g *Gateway) checkThresholds(ctx context.Context, before, after domain.Tank) {
	if after.Temperature == nil {
		return
	}
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		g.logger.Warn("Failed to read alarm thresholds", zap.Error(err))
		return
	}
	thresholds := settings.AlarmThresholds
	if thresholds.High == 0 && thresholds.Low == 0 {
		return
	}
	value := *after.Temperature

	outside := func(v float64) (domain.AlarmSeverity, string, bool) {
		switch {
		case v > thresholds.High:
			return domain.SeverityCritical,
				fmt.Sprintf("Temperature above high threshold (%.2f > %.2f)", v, thresholds.High), true
		case v < thresholds.Low:
			return domain.SeverityWarning,
				fmt.Sprintf("Temperature below low threshold (%.2f < %.2f)", v, thresholds.Low), true
		}
		return "", "", false
	}

	severity, message, out := outside(value)
	if !out {
		return
	}
	if before.Temperature != nil {
		if _, _, wasOut := outside(*before.Temperature); wasOut {
			return
		}
	}

	alarm := domain.Alarm{
		ID:          uuid.New().String(),
		TankIndex:   after.Index,
		Severity:    severity,
		Message:     message,
		TriggeredAt: g.now(),
	}
	if err := g.store.AddAlarm(ctx, alarm); err != nil {
		g.logger.Error("Failed to record alarm", zap.Int("tank_ix", after.Index), zap.Error(err))
		return
	}
	entry := events.NewEntry(domain.EventAlarm, domain.SourceSystem, message)
	entry.TankIndex = &alarm.TankIndex
	g.sink.Append(ctx, entry)
	g.logger.Warn("Threshold alarm raised",
		zap.Int("tank_ix", after.Index),
		zap.String("severity", string(severity)),
		zap.Float64("temperature", value),
	)
}

// ---- heartbeats ----

func (g *Gateway) markHeartbeat(index int) {
	g.hbMu.Lock()
	defer g.hbMu.Unlock()
	g.heartbeats[index] = g.now()
}

func (g *Gateway) lastHeartbeat(index int) (time.Time, bool) {
	g.hbMu.Lock()
	defer g.hbMu.Unlock()
	hb, ok := g.heartbeats[index]
	return hb, ok
}

// ---- config fan-out ----

// RefreshConfig re-emits the current cuverie list on the config fan-out,
// for callers that mutate configuration outside the bus path (e.g. a mode
// change through the REST boundary).
func (g *Gateway) RefreshConfig(ctx context.Context) {
	g.emitConfig(ctx)
}

func (g *Gateway) emitConfig(ctx context.Context) {
	enriched, err := g.reconciler.Enriched(ctx)
	if err != nil {
		g.logger.Error("Failed to build config event", zap.Error(err))
		return
	}
	g.configFan.emit(ConfigEvent{Cuveries: enriched})
}
