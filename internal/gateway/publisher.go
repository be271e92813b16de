package gateway

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/mqtt"
)

// CommandPublisher translates outbound domain commands into bus publishes.
// While the gateway runs in mock mode there is no bus; commands are logged
// and accepted so callers never block or fail on a missing device.
type CommandPublisher struct {
	mu     sync.RWMutex
	bus    mqtt.Bus
	qos    byte
	logger *zap.Logger
}

// NewCommandPublisher creates a publisher; the gateway attaches and
// detaches the bus as its mode changes.
func NewCommandPublisher(qos byte, logger *zap.Logger) *CommandPublisher {
	return &CommandPublisher{qos: qos, logger: logger}
}

func (p *CommandPublisher) setBus(bus mqtt.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus = bus
}

func (p *CommandPublisher) currentBus() mqtt.Bus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bus
}

// PublishSetpoint sends a setpoint command, encoded as a bare decimal
// string with trailing zeros trimmed ("18" for 18.0).
func (p *CommandPublisher) PublishSetpoint(index int, value float64) error {
	payload := strconv.FormatFloat(value, 'f', -1, 64)
	return p.publish(tankCommandTopic(index, "setpoint"), payload)
}

// PublishRunning sends a start/stop command as the literal "true"/"false".
func (p *CommandPublisher) PublishRunning(index int, running bool) error {
	payload := "false"
	if running {
		payload = "true"
	}
	return p.publish(tankCommandTopic(index, "running"), payload)
}

// PublishContents sends the primary contents descriptor. Vintage, volume
// and notes stay in the registry; the device only understands the grape.
func (p *CommandPublisher) PublishContents(index int, grape string) error {
	return p.publish(tankCommandTopic(index, "contents"), grape)
}

// PublishMode sends a cuverie mode as the bare enum name.
func (p *CommandPublisher) PublishMode(cuverieName string, mode domain.CuverieMode) error {
	return p.publish(modeTopic(cuverieName), string(mode))
}

func (p *CommandPublisher) publish(topic string, payload string) error {
	bus := p.currentBus()
	if bus == nil {
		p.logger.Info("Command accepted without bus (mock mode)",
			zap.String("topic", topic),
			zap.String("payload", payload),
		)
		return nil
	}
	return bus.Publish(topic, p.qos, false, []byte(payload))
}
