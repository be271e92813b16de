package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
)

// streamMaxLen caps the audit stream; XADD trims approximately.
const streamMaxLen = 10000

// RedisStreamSink appends audit events to a Redis Stream for long-term
// consumers (dashboards, archivers). Best-effort like every sink.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisStreamSink creates the sink on the given stream key.
func NewRedisStreamSink(client *redis.Client, stream string, logger *zap.Logger) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, logger: logger}
}

func (s *RedisStreamSink) Append(ctx context.Context, entry domain.EventLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("Failed to marshal audit event", zap.Error(err))
		return
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(data),
			"category":  string(entry.Category),
			"timestamp": entry.Timestamp.Unix(),
		},
	}).Err()
	if err != nil {
		s.logger.Warn("Failed to append audit event to stream",
			zap.String("stream", s.stream),
			zap.String("event_id", entry.ID),
			zap.Error(err),
		)
	}
}

// ReadRecent returns up to count most recent entries from the stream,
// newest first. Used by operational tooling; the fast path reads the
// registry ring instead.
func (s *RedisStreamSink) ReadRecent(ctx context.Context, count int64) ([]domain.EventLogEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	var entries []domain.EventLogEntry
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var entry domain.EventLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// NewEntry builds an audit record with a fresh id and timestamp.
func NewEntry(category domain.EventCategory, source domain.EventSource, summary string) domain.EventLogEntry {
	return domain.EventLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Category:  category,
		Source:    source,
		Summary:   summary,
	}
}
