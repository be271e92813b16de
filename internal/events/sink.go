// Package events provides the best-effort audit trail. Appending can never
// fail a caller: sink errors are logged and dropped.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/store"
)

// Sink records audit events. Implementations must be safe for concurrent
// use and must not block the caller beyond the context deadline.
type Sink interface {
	Append(ctx context.Context, entry domain.EventLogEntry)
}

// StoreSink appends to the registry's fast-path event ring.
type StoreSink struct {
	events store.EventStore
	logger *zap.Logger
}

// NewStoreSink wraps an EventStore as a best-effort sink.
func NewStoreSink(events store.EventStore, logger *zap.Logger) *StoreSink {
	return &StoreSink{events: events, logger: logger}
}

func (s *StoreSink) Append(ctx context.Context, entry domain.EventLogEntry) {
	if err := s.events.AppendEvent(ctx, entry); err != nil {
		s.logger.Warn("Failed to append audit event",
			zap.String("event_id", entry.ID),
			zap.String("category", string(entry.Category)),
			zap.Error(err),
		)
	}
}

// MultiSink fans one append out to several sinks.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, entry domain.EventLogEntry) {
	for _, sink := range m {
		sink.Append(ctx, entry)
	}
}

// NopSink discards everything; tests and wiring without an audit trail.
type NopSink struct{}

func (NopSink) Append(context.Context, domain.EventLogEntry) {}
