package events

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/store"
)

func newStreamSink(t *testing.T) *RedisStreamSink {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStreamSink(client, "cuveris:events", zap.NewNop())
}

func TestRedisStreamSinkRoundTrip(t *testing.T) {
	sink := newStreamSink(t)
	ctx := context.Background()

	first := NewEntry(domain.EventTelemetry, domain.SourceSystem, "Temperature 18.40 on tank 101")
	ix := 101
	first.TankIndex = &ix
	sink.Append(ctx, first)
	sink.Append(ctx, NewEntry(domain.EventCommand, domain.SourceUser, "Setpoint 16 on tank 101"))

	entries, err := sink.ReadRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, domain.EventCommand, entries[0].Category)
	assert.Equal(t, first.ID, entries[1].ID)
	require.NotNil(t, entries[1].TankIndex)
	assert.Equal(t, 101, *entries[1].TankIndex)
}

func TestRedisStreamSinkBestEffort(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisStreamSink(client, "cuveris:events", zap.NewNop())
	mr.Close()

	// a dead broker must never fail the caller
	sink.Append(context.Background(), NewEntry(domain.EventAlarm, domain.SourceSystem, "too hot"))
}

type failingEventStore struct {
	store.EventStore
}

func (failingEventStore) AppendEvent(context.Context, domain.EventLogEntry) error {
	return errors.New("disk full")
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	sink := NewStoreSink(failingEventStore{}, zap.NewNop())
	sink.Append(context.Background(), NewEntry(domain.EventCommand, domain.SourceUser, "noop"))
}

func TestMultiSinkFansOut(t *testing.T) {
	st := store.NewMemoryStore(domain.Settings{})
	redisSink := newStreamSink(t)
	multi := MultiSink{NewStoreSink(st, zap.NewNop()), redisSink}
	ctx := context.Background()

	multi.Append(ctx, NewEntry(domain.EventCommand, domain.SourceUser, "Mode HEAT on cuverie default"))

	ring, err := st.ListEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, ring, 1)

	streamed, err := redisSink.ReadRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, streamed, 1)
}

func TestNewEntryPopulatesIdentity(t *testing.T) {
	entry := NewEntry(domain.EventTelemetry, domain.SourceSystem, "sample")
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, domain.EventTelemetry, entry.Category)
	assert.Equal(t, domain.SourceSystem, entry.Source)
	assert.Equal(t, "sample", entry.Summary)
}
