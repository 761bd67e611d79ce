package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-cost-desk/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]storage.NotificationRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]storage.NotificationRecord)}
}

func (m *memStore) InsertNotification(_ context.Context, rec storage.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.ID]; !ok {
		m.rows[rec.ID] = rec
	}
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, limit int) ([]storage.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.NotificationRecord, 0)
	for _, rec := range m.rows {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Read = true
	m.rows[id] = rec
	return nil
}

func (m *memStore) DeleteNotifications(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.rows {
		if rec.UserID == userID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestPublishCapsVisibleListButKeepsStore(t *testing.T) {
	store := newMemStore()
	c := NewCenter(Options{DefaultOwner: "system", VisibleLimit: 20}, store, zerolog.Nop())
	c.now = steppingClock()

	for i := 0; i < 25; i++ {
		c.Publish(context.Background(), "alice", Info, fmt.Sprintf("n%d", i), "")
	}
	c.Wait()

	list := c.List(context.Background(), "alice")
	require.Len(t, list, 20)
	assert.Equal(t, "n24", list[0].Title, "newest first")
	assert.Equal(t, "n5", list[19].Title)
	assert.Equal(t, 25, store.count())
}

func TestMarkReadAndClear(t *testing.T) {
	store := newMemStore()
	c := NewCenter(Options{}, store, zerolog.Nop())

	n := c.Publish(context.Background(), "", Warning, "primary source failed", "using fallback")
	c.Wait()
	assert.Equal(t, "system", n.Owner)
	assert.Equal(t, 1, c.UnreadCount(context.Background(), ""))

	require.NoError(t, c.MarkRead(context.Background(), "", n.ID))
	assert.Equal(t, 0, c.UnreadCount(context.Background(), ""))
	assert.True(t, store.rows[n.ID.String()].Read)

	assert.ErrorIs(t, c.MarkRead(context.Background(), "", uuid.New()), ErrUnknownNotification)

	require.NoError(t, c.Clear(context.Background(), ""))
	assert.Empty(t, c.List(context.Background(), ""))
	assert.Zero(t, store.count())
}

func TestFoldDeduplicatesByID(t *testing.T) {
	c := NewCenter(Options{}, nil, zerolog.Nop())
	var emitted int
	c.OnPublish(func(Notification) { emitted++ })

	own := c.Publish(context.Background(), "bob", Success, "all sources succeeded", "")
	assert.False(t, c.Fold(own), "self echo is ignored")

	other := Notification{ID: uuid.New(), Owner: "bob", Title: "from another tab", Type: Info, Timestamp: time.Now()}
	assert.True(t, c.Fold(other))
	assert.False(t, c.Fold(other))

	other.Read = true
	assert.True(t, c.Fold(other), "read-state change is applied")

	assert.Len(t, c.List(context.Background(), "bob"), 2)
	assert.Equal(t, 3, emitted)
}

func TestListHydratesFromStore(t *testing.T) {
	store := newMemStore()
	id := uuid.New()
	desc := "hello"
	require.NoError(t, store.InsertNotification(context.Background(), storage.NotificationRecord{
		ID: id.String(), UserID: "carol", Title: "stored", Description: &desc, Type: "info", CreatedAt: time.Now(),
	}))

	c := NewCenter(Options{}, store, zerolog.Nop())
	list := c.List(context.Background(), "carol")
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "hello", list[0].Description)
}

func TestListMergesStoreAfterRestart(t *testing.T) {
	store := newMemStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertNotification(context.Background(), storage.NotificationRecord{
			ID: uuid.NewString(), UserID: "system", Title: fmt.Sprintf("before %d", i), Type: "info", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	c := NewCenter(Options{}, store, zerolog.Nop())
	c.Notify(Info, "after restart", "")
	c.Wait()

	list := c.List(context.Background(), "system")
	require.Len(t, list, 6)
	assert.Equal(t, "after restart", list[0].Title, "newest first")
	assert.Equal(t, "before 4", list[1].Title)
	assert.Equal(t, "before 0", list[5].Title)
	assert.Equal(t, 6, c.UnreadCount(context.Background(), "system"))
	assert.Equal(t, 6, store.count())
}

func TestLoadedListStaysCapped(t *testing.T) {
	store := newMemStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		require.NoError(t, store.InsertNotification(context.Background(), storage.NotificationRecord{
			ID: uuid.NewString(), UserID: "dave", Title: fmt.Sprintf("old %d", i), Type: "warning", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	c := NewCenter(Options{VisibleLimit: 20}, store, zerolog.Nop())
	c.Publish(context.Background(), "dave", Error, "fresh", "")
	c.Wait()

	list := c.List(context.Background(), "dave")
	require.Len(t, list, 20)
	assert.Equal(t, "fresh", list[0].Title)
}

func TestInvalidTypeFallsBackToInfo(t *testing.T) {
	c := NewCenter(Options{}, nil, zerolog.Nop())
	n := c.Publish(context.Background(), "", Type("loud"), "x", "")
	assert.Equal(t, Info, n.Type)
}
