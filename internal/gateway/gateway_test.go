package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/config"
	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/events"
	"github.com/cocovax/cuveris/internal/mqtt"
	"github.com/cocovax/cuveris/internal/store"
)

type publishedMsg struct {
	topic   string
	payload string
}

// fakeBus records subscriptions and publishes and lets tests inject
// inbound messages.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []publishedMsg
	closed    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
	}
	return nil
}

func (b *fakeBus) Publish(topic string, _ byte, _ bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic: topic, payload: string(payload)})
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *fakeBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBus) subscribedTo(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

func (b *fakeBus) publishes() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

// deliver routes an inbound message through the matching subscription,
// honoring single-level wildcards.
func (b *fakeBus) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	b.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range b.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	b.mu.Unlock()
	require.NotNil(t, handler, "no subscription matches %s", topic)
	handler(topic, []byte(payload))
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "+" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

func testConfig(broker string) *config.Config {
	cfg := &config.Config{}
	cfg.MQTT.Broker = broker
	cfg.MQTT.QoS = 1
	cfg.MQTT.ReconnectPeriod = 10 * time.Millisecond
	cfg.Gateway.MockInterval = time.Hour
	cfg.Gateway.SweepInterval = time.Hour
	cfg.Gateway.OfflineTimeout = time.Minute
	cfg.Gateway.ConfigTopic = DefaultConfigTopic
	return cfg
}

func newLiveGateway(t *testing.T, settings domain.Settings) (*Gateway, *store.MemoryStore, *fakeBus) {
	t.Helper()
	st := store.NewMemoryStore(settings)
	logger := zap.NewNop()
	g := New(testConfig("tcp://broker:1883"), st, events.NewStoreSink(st, logger), logger)

	bus := newFakeBus()
	g.SetConnector(func(_ *config.MQTTConfig, _ *zap.Logger, onConnect func(mqtt.Bus)) (mqtt.Bus, error) {
		onConnect(bus)
		return bus, nil
	})

	require.NoError(t, g.Start())
	t.Cleanup(g.Stop)
	require.Eventually(t, func() bool {
		return bus.subscribedTo(DefaultConfigTopic) && bus.subscribedTo(ModeTopicPattern) && g.IsConnected()
	}, time.Second, 5*time.Millisecond)
	return g, st, bus
}

func TestGatewayLiveRoundTrip(t *testing.T) {
	g, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	assert.Equal(t, ModeLive, g.Mode())
	assert.True(t, g.IsConnected())

	var mu sync.Mutex
	var telemetry []TelemetryEvent
	unsubscribe := g.OnTelemetry(func(ev TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()
		telemetry = append(telemetry, ev)
	})
	defer unsubscribe()

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 101, "name": "Tank A"}]}`)

	tank, err := st.GetTank(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "Tank A", tank.Name)
	assert.Equal(t, domain.StatusIdle, tank.Status)
	assert.Nil(t, tank.Temperature)
	assert.True(t, bus.subscribedTo("tank/101/temp"), "reconciliation extends the subscription set")

	bus.deliver(t, "tank/101/temp", "18.4")

	tank, err = st.GetTank(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, tank.Temperature)
	assert.Equal(t, 18.4, *tank.Temperature)
	require.Len(t, tank.History, 1)
	assert.Equal(t, 18.4, tank.History[0].Value)

	entries, err := st.ListEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EventTelemetry, entries[0].Category)

	mu.Lock()
	require.Len(t, telemetry, 1)
	assert.Equal(t, SourceBus, telemetry[0].Source)
	assert.Equal(t, 101, telemetry[0].Tank.Index)
	mu.Unlock()

	// outbound command path
	require.NoError(t, g.Publisher().PublishSetpoint(101, 18.0))
	published := bus.publishes()
	require.Len(t, published, 1)
	assert.Equal(t, "tank/101/set/setpoint", published[0].topic)
	assert.Equal(t, "18", published[0].payload)
}

func TestGatewayDropsUnknownTank(t *testing.T) {
	_, st, bus := newLiveGateway(t, domain.Settings{})

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 101, "name": "Tank A"}]}`)
	bus.deliver(t, "tank/101/temp", "18.0")
	// telemetry never creates tanks
	bus.deliver(t, "tank/999/temp", "21.0")

	_, err := st.GetTank(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
	tanks, err := st.ListTanks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tanks, 1)
}

func TestGatewayDropsTelemetryForDeletedTank(t *testing.T) {
	_, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 1, "name": "A"}, {"ix": 2, "name": "B"}]}`)
	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 1, "name": "A"}]}`)

	bus.deliver(t, "tank/2/temp", "19.0")

	tank, err := st.GetTank(ctx, 2)
	require.NoError(t, err)
	assert.True(t, tank.IsDeleted)
	assert.Nil(t, tank.Temperature)
	assert.Empty(t, tank.History)
}

func TestGatewayModeChangeFromBus(t *testing.T) {
	g, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 1, "name": "A"}]}`)

	var mu sync.Mutex
	var configs []ConfigEvent
	unsubscribe := g.OnConfigChanged(func(ev ConfigEvent) {
		mu.Lock()
		defer mu.Unlock()
		configs = append(configs, ev)
	})
	defer unsubscribe()

	bus.deliver(t, "global/prod/Default/mode", "HEAT")

	mode, err := st.GetMode(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeHeat, mode)

	mu.Lock()
	require.Len(t, configs, 1)
	require.Len(t, configs[0].Cuveries, 1)
	assert.Equal(t, domain.ModeHeat, configs[0].Cuveries[0].Mode)
	mu.Unlock()
}

func TestGatewayMockSeedsRegistry(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)

	connects := 0
	g.SetConnector(func(_ *config.MQTTConfig, _ *zap.Logger, _ func(mqtt.Bus)) (mqtt.Bus, error) {
		connects++
		return nil, nil
	})

	require.NoError(t, g.Start())
	defer g.Stop()

	assert.Equal(t, ModeMock, g.Mode())
	assert.False(t, g.IsConnected())
	assert.Zero(t, connects, "mock mode never dials the broker")

	tanks, err := st.ListTanks(context.Background())
	require.NoError(t, err)
	require.Len(t, tanks, 3)
	for _, tank := range tanks {
		assert.Contains(t, []int{101, 102, 103}, tank.Index)
		assert.Equal(t, domain.StatusIdle, tank.Status)
	}
	mode, err := st.GetMode(context.Background(), domain.DefaultCuverieID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeStop, mode)
}

func TestGatewayMockAcceptsCommandsWithoutBus(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)
	require.NoError(t, g.Start())
	defer g.Stop()

	for i := 0; i < 100; i++ {
		require.NoError(t, g.Publisher().PublishSetpoint(101, 18.5))
		require.NoError(t, g.Publisher().PublishRunning(102, true))
		require.NoError(t, g.Publisher().PublishMode("Default", domain.ModeCool))
	}
}

func TestGatewayMockTick(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)
	ctx := context.Background()

	_, err := g.reconciler.Reconcile(ctx, seedSnapshot())
	require.NoError(t, err)

	var mu sync.Mutex
	var received []TelemetryEvent
	g.OnTelemetry(func(ev TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})

	g.mockTick(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	ev := received[0]
	assert.Equal(t, SourceMock, ev.Source)
	require.NotNil(t, ev.Tank.Temperature)
	assert.GreaterOrEqual(t, *ev.Tank.Temperature, 19.5)
	assert.LessOrEqual(t, *ev.Tank.Temperature, 25.5)
	require.Len(t, ev.Tank.History, 1)
}

func TestGatewaySwitchMode(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig("tcp://broker:1883"), st, events.NewStoreSink(st, logger), logger)

	bus := newFakeBus()
	g.SetConnector(func(_ *config.MQTTConfig, _ *zap.Logger, onConnect func(mqtt.Bus)) (mqtt.Bus, error) {
		onConnect(bus)
		return bus, nil
	})

	require.NoError(t, g.Start())
	defer g.Stop()
	require.Eventually(t, func() bool { return g.IsConnected() }, time.Second, 5*time.Millisecond)

	require.NoError(t, g.SwitchMode(ModeMock))
	assert.Equal(t, ModeMock, g.Mode())
	assert.False(t, g.IsConnected())
	bus.mu.Lock()
	assert.True(t, bus.closed, "live bus is torn down on mode switch")
	bus.mu.Unlock()

	// commands stay accepted, nothing reaches the old bus
	before := len(bus.publishes())
	require.NoError(t, g.Publisher().PublishSetpoint(101, 17.0))
	assert.Len(t, bus.publishes(), before)

	assert.Error(t, g.SwitchMode(Mode("turbo")))

	g.Stop()
	g.Stop() // idempotent
	assert.Equal(t, ModeStopped, g.Mode())
}

func TestGatewayThresholdAlarms(t *testing.T) {
	settings := domain.Settings{
		AlarmThresholds: domain.AlarmThresholds{High: 26, Low: 16},
	}
	st := store.NewMemoryStore(settings)
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)
	ctx := context.Background()

	_, err := g.reconciler.Reconcile(ctx, seedSnapshot())
	require.NoError(t, err)

	apply := func(value float64) {
		g.applyTelemetry(ctx, TankUpdate{Index: 101, Temperature: &value}, SourceBus)
	}

	apply(27.0) // crossing raises
	apply(27.5) // still outside, no re-raise
	alarms, err := st.ListAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, domain.SeverityCritical, alarms[0].Severity)
	assert.Equal(t, 101, alarms[0].TankIndex)

	apply(20.0) // back inside the band
	apply(15.0) // crossing low raises a warning
	alarms, err = st.ListAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, alarms, 2)
	assert.Equal(t, domain.SeverityWarning, alarms[0].Severity)
}

func TestGatewayLivenessSweep(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)
	ctx := context.Background()

	_, err := g.reconciler.Reconcile(ctx, seedSnapshot())
	require.NoError(t, err)

	base := time.Now()
	g.now = func() time.Time { return base }
	g.markHeartbeat(101)

	var mu sync.Mutex
	transitions := 0
	g.OnTelemetry(func(ev TelemetryEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Tank.Status == domain.StatusOffline {
			transitions++
		}
	})

	// within the timeout nothing changes for the fresh tank; 102 and 103
	// were never heard from and go offline
	g.now = func() time.Time { return base.Add(30 * time.Second) }
	g.sweepLiveness(ctx)

	tank, err := st.GetTank(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, tank.Status)
	for _, index := range []int{102, 103} {
		tank, err := st.GetTank(ctx, index)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOffline, tank.Status, "tank %d", index)
	}
	mu.Lock()
	assert.Equal(t, 2, transitions)
	mu.Unlock()

	// the stale heartbeat expires; 101 transitions exactly once
	g.now = func() time.Time { return base.Add(90 * time.Second) }
	g.sweepLiveness(ctx)
	g.sweepLiveness(ctx)

	tank, err = st.GetTank(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, tank.Status)
	mu.Lock()
	assert.Equal(t, 3, transitions)
	mu.Unlock()
}

func TestGatewayStopDuringDial(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig("tcp://broker:1883"), st, events.NewStoreSink(st, logger), logger)

	bus := newFakeBus()
	dialing := make(chan struct{})
	release := make(chan struct{})
	g.SetConnector(func(_ *config.MQTTConfig, _ *zap.Logger, _ func(mqtt.Bus)) (mqtt.Bus, error) {
		close(dialing)
		<-release
		return bus, nil
	})

	require.NoError(t, g.Start())
	<-dialing

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	// let the stop begin draining before the dial completes
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	assert.Equal(t, ModeStopped, g.Mode())
	assert.False(t, g.IsConnected())
	bus.mu.Lock()
	closed := bus.closed
	bus.mu.Unlock()
	assert.True(t, closed, "a dial that loses the race is disconnected, not kept")

	require.NoError(t, g.Publisher().PublishSetpoint(101, 18.0))
	assert.Empty(t, bus.publishes(), "commands do not reach a torn-down bus")
}

func TestGatewayMalformedPayloadKeepsTankAlive(t *testing.T) {
	g, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	bus.deliver(t, DefaultConfigTopic,
		`{"facility": "Default", "tanks": [{"ix": 101, "name": "A"}, {"ix": 102, "name": "B"}]}`)

	base := time.Now()
	g.now = func() time.Time { return base }
	// unmapped state value: ignored as telemetry, still a heartbeat
	bus.deliver(t, "tank/101/state", "UNKNOWN")

	tank, err := st.GetTank(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, tank.Status, "malformed payloads apply nothing")

	g.now = func() time.Time { return base.Add(30 * time.Second) }
	g.sweepLiveness(ctx)

	tank, err = st.GetTank(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, tank.Status, "chattering devices stay online")

	silent, err := st.GetTank(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, silent.Status)
}

func TestGatewayEmptySnapshotClearsConfiguration(t *testing.T) {
	_, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 101, "name": "A"}]}`)
	bus.deliver(t, DefaultConfigTopic, `[]`)

	cuveries, err := st.ListCuveries(ctx)
	require.NoError(t, err)
	assert.Empty(t, cuveries)

	// the tank record itself stays queryable by index
	_, err = st.GetTank(ctx, 101)
	assert.NoError(t, err)
}

func TestGatewayContentsMerge(t *testing.T) {
	_, st, bus := newLiveGateway(t, domain.Settings{})
	ctx := context.Background()

	bus.deliver(t, DefaultConfigTopic, `{"facility": "Default", "tanks": [{"ix": 101, "name": "A"}]}`)

	// first sighting carries only the grape; nothing else is invented
	bus.deliver(t, "tank/101/contents", "Merlot")
	tank, err := st.GetTank(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, tank.Contents)
	assert.Equal(t, domain.TankContents{Grape: "Merlot"}, *tank.Contents)

	// registry-only sub-fields survive the next affectation
	_, err = st.UpdateTank(ctx, 101, func(tank *domain.Tank) {
		tank.Contents = &domain.TankContents{
			Grape:        "Merlot",
			Vintage:      2025,
			VolumeLiters: 4500,
			Notes:        "press wine",
		}
	})
	require.NoError(t, err)

	bus.deliver(t, "tank/101/contents", "Syrah")
	tank, err = st.GetTank(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, tank.Contents)
	assert.Equal(t, domain.TankContents{
		Grape:        "Syrah",
		Vintage:      2025,
		VolumeLiters: 4500,
		Notes:        "press wine",
	}, *tank.Contents)
}

func TestGatewayConfigListenersMayReenter(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	logger := zap.NewNop()
	g := New(testConfig(""), st, events.NewStoreSink(st, logger), logger)

	var modes []Mode
	g.OnConfigChanged(func(ConfigEvent) {
		modes = append(modes, g.Mode())
	})

	require.NoError(t, g.Start())
	defer g.Stop()

	require.NotEmpty(t, modes, "startup emits the seeded configuration")
	assert.Equal(t, ModeMock, modes[0])

	require.NoError(t, g.SwitchMode(ModeMock))
	assert.GreaterOrEqual(t, len(modes), 2)
}

func TestFanoutUnsubscribe(t *testing.T) {
	f := newFanout[int]()
	var a, b int
	unsubA := f.subscribe(func(v int) { a += v })
	f.subscribe(func(v int) { b += v })

	f.emit(1)
	unsubA()
	f.emit(2)

	assert.Equal(t, 1, a)
	assert.Equal(t, 3, b)
}

func TestPublisherSetpointEncoding(t *testing.T) {
	bus := newFakeBus()
	p := NewCommandPublisher(1, zap.NewNop())
	p.setBus(bus)

	require.NoError(t, p.PublishSetpoint(7, 18.0))
	require.NoError(t, p.PublishSetpoint(7, 18.5))
	require.NoError(t, p.PublishRunning(7, false))
	require.NoError(t, p.PublishContents(7, "Merlot"))
	require.NoError(t, p.PublishMode("Chai Nord", domain.ModeHeat))

	published := bus.publishes()
	require.Len(t, published, 5)
	assert.Equal(t, publishedMsg{"tank/7/set/setpoint", "18"}, published[0])
	assert.Equal(t, publishedMsg{"tank/7/set/setpoint", "18.5"}, published[1])
	assert.Equal(t, publishedMsg{"tank/7/set/running", "false"}, published[2])
	assert.Equal(t, publishedMsg{"tank/7/set/contents", "Merlot"}, published[3])
	assert.Equal(t, publishedMsg{"global/prod/Chai Nord/mode", "HEAT"}, published[4])
}
