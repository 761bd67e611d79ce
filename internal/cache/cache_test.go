package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapDurable struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes []string
	failGet error
}

func newMapDurable() *mapDurable { return &mapDurable{data: map[string][]byte{}} }

func (m *mapDurable) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	b, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (m *mapDurable) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapDurable) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.deletes = append(m.deletes, key)
	return nil
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := New(nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 42, 100*time.Millisecond))

	var got int
	require.True(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 42, got)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.Get(ctx, "k", &got))
	assert.False(t, c.IsValid(ctx, "k"))
}

func TestCacheMissingKey(t *testing.T) {
	c := New(newMapDurable(), zerolog.Nop())
	var v string
	assert.False(t, c.Get(context.Background(), "nope", &v))
}

func TestCacheDurableSurvivesNewProcess(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	durable := newMapDurable()

	first := New(durable, zerolog.Nop(), WithClock(clock))
	require.NoError(t, first.Set(ctx, "fx", map[string]float64{"EUR": 0.92}, 30*time.Minute))

	second := New(durable, zerolog.Nop(), WithClock(clock))
	var got map[string]float64
	require.True(t, second.Get(ctx, "fx", &got))
	assert.Equal(t, 0.92, got["EUR"])
}

func TestCacheEvictsExpiredDurableEntryOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	durable := newMapDurable()

	writer := New(durable, zerolog.Nop(), WithClock(clock))
	require.NoError(t, writer.Set(ctx, "fx", "v", time.Minute))

	now = now.Add(2 * time.Minute)
	reader := New(durable, zerolog.Nop(), WithClock(clock))
	var got string
	assert.False(t, reader.Get(ctx, "fx", &got))
	assert.Equal(t, []string{"fx"}, durable.deletes)
	_, still := durable.data["fx"]
	assert.False(t, still)
}

func TestCacheDurableErrorIsAMiss(t *testing.T) {
	durable := newMapDurable()
	durable.failGet = errors.New("connection refused")
	c := New(durable, zerolog.Nop())

	var got string
	assert.False(t, c.Get(context.Background(), "k", &got))
}

func TestCacheUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	c := New(nil, zerolog.Nop())
	require.NoError(t, c.Set(ctx, "k", "text", time.Minute))

	var n int
	assert.False(t, c.Get(ctx, "k", &n))
	assert.False(t, c.IsValid(ctx, "k"))
}
