package gateway

import (
	"sync"

	"github.com/cocovax/cuveris/internal/domain"
)

// TelemetrySource tags where a telemetry event originated.
type TelemetrySource string

const (
	SourceBus  TelemetrySource = "bus"
	SourceMock TelemetrySource = "mock"
)

// TelemetryEvent is delivered to telemetry listeners after every applied
// tank mutation.
type TelemetryEvent struct {
	Tank   domain.Tank     `json:"tank"`
	Source TelemetrySource `json:"source"`
}

// ConfigEvent is delivered to config listeners after every reconciliation
// or mode change, carrying the full resulting cuverie list.
type ConfigEvent struct {
	Cuveries []domain.CuverieWithMode `json:"cuveries"`
}

// fanout is a minimal observer registry with deterministic unsubscribe.
// Listeners run synchronously on the emitting goroutine.
type fanout[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(T)
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{listeners: make(map[int]func(T))}
}

// subscribe registers a listener and returns its unsubscribe function.
func (f *fanout[T]) subscribe(fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fanout[T]) emit(event T) {
	f.mu.Lock()
	fns := make([]func(T), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}
