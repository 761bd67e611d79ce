package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fx-cost-desk/internal/storage"
)

// Type is the severity shown to the user.
type Type string

const (
	Success Type = "success"
	Error   Type = "error"
	Info    Type = "info"
	Warning Type = "warning"
)

// Valid reports whether t is one of the known severities.
func (t Type) Valid() bool {
	switch t {
	case Success, Error, Info, Warning:
		return true
	}
	return false
}

// ErrUnknownNotification is returned when an id matches nothing.
var ErrUnknownNotification = errors.New("notify: unknown notification")

// Notification is a user-visible message owned by one session.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	Owner       string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
}

// Options tune the center.
type Options struct {
	DefaultOwner string
	VisibleLimit int
}

// Center keeps the newest notifications per owner in memory and writes
// every one of them through to the store. The store keeps everything until
// it is cleared; memory keeps at most VisibleLimit per owner.
type Center struct {
	mu      sync.Mutex
	byOwner map[string][]Notification
	// loaded marks owners whose stored rows have been merged into memory.
	loaded map[string]bool

	opts      Options
	store     storage.NotificationStore
	listeners []func(Notification)
	wg        sync.WaitGroup
	now       func() time.Time
	logger    zerolog.Logger
}

// NewCenter builds a Center. store may be nil.
func NewCenter(opts Options, store storage.NotificationStore, logger zerolog.Logger) *Center {
	if opts.DefaultOwner == "" {
		opts.DefaultOwner = "system"
	}
	if opts.VisibleLimit <= 0 {
		opts.VisibleLimit = 20
	}
	return &Center{
		byOwner: make(map[string][]Notification),
		loaded:  make(map[string]bool),
		opts:    opts,
		store:   store,
		now:     time.Now,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// DefaultOwner is the owner used when a caller has no session id.
func (c *Center) DefaultOwner() string { return c.opts.DefaultOwner }

// OnPublish registers fn to receive every new or updated notification.
// Register listeners before the center is shared.
func (c *Center) OnPublish(fn func(Notification)) {
	c.listeners = append(c.listeners, fn)
}

// Notify publishes to the default owner.
func (c *Center) Notify(typ Type, title, description string) {
	c.Publish(context.Background(), c.opts.DefaultOwner, typ, title, description)
}

// Publish records a new notification and persists it in the background.
func (c *Center) Publish(ctx context.Context, owner string, typ Type, title, description string) Notification {
	if owner == "" {
		owner = c.opts.DefaultOwner
	}
	if !typ.Valid() {
		typ = Info
	}
	n := Notification{
		ID:          uuid.New(),
		Owner:       owner,
		Title:       title,
		Description: description,
		Type:        typ,
		Timestamp:   c.now().UTC(),
	}

	c.mu.Lock()
	c.insertLocked(n)
	c.mu.Unlock()

	c.logger.Debug().Str("owner", owner).Str("type", string(typ)).Str("title", title).Msg("notification published")
	c.persist(context.WithoutCancel(ctx), n)
	c.emit(n)
	return n
}

// List returns the owner's visible notifications, newest first. The first
// access per owner merges the stored rows with whatever was published since
// startup.
func (c *Center) List(ctx context.Context, owner string) []Notification {
	if owner == "" {
		owner = c.opts.DefaultOwner
	}
	c.ensureLoaded(ctx, owner)

	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.byOwner[owner]
	out := make([]Notification, len(list))
	copy(out, list)
	return out
}

// UnreadCount returns how many visible notifications are unread.
func (c *Center) UnreadCount(ctx context.Context, owner string) int {
	if owner == "" {
		owner = c.opts.DefaultOwner
	}
	c.ensureLoaded(ctx, owner)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.byOwner[owner] {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead flags a notification as read.
func (c *Center) MarkRead(ctx context.Context, owner string, id uuid.UUID) error {
	if owner == "" {
		owner = c.opts.DefaultOwner
	}
	c.ensureLoaded(ctx, owner)

	c.mu.Lock()
	var (
		found   bool
		updated Notification
	)
	list := c.byOwner[owner]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			updated = list[i]
			found = true
			break
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.MarkNotificationRead(ctx, id.String())
		switch {
		case errors.Is(err, storage.ErrNotFound) && !found:
			return ErrUnknownNotification
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			c.logger.Error().Err(err).Str("id", id.String()).Msg("mark notification read failed")
		}
	} else if !found {
		return ErrUnknownNotification
	}

	if found {
		c.emit(updated)
	}
	return nil
}

// Clear removes every notification the owner has, in memory and in the store.
func (c *Center) Clear(ctx context.Context, owner string) error {
	if owner == "" {
		owner = c.opts.DefaultOwner
	}
	c.mu.Lock()
	c.byOwner[owner] = nil
	c.loaded[owner] = true
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.DeleteNotifications(ctx, owner)
}

// Fold merges a notification written by another session. It reports false
// when the id is already known with the same read state.
func (c *Center) Fold(n Notification) bool {
	if n.Owner == "" {
		n.Owner = c.opts.DefaultOwner
	}

	c.mu.Lock()
	list := c.byOwner[n.Owner]
	for i := range list {
		if list[i].ID != n.ID {
			continue
		}
		if list[i].Read == n.Read {
			c.mu.Unlock()
			return false
		}
		list[i].Read = n.Read
		c.mu.Unlock()
		c.emit(n)
		return true
	}
	c.insertLocked(n)
	c.mu.Unlock()
	c.emit(n)
	return true
}

// Wait blocks until background writes finish.
func (c *Center) Wait() {
	c.wg.Wait()
}

func (c *Center) insertLocked(n Notification) {
	list := append(c.byOwner[n.Owner], n)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
	if len(list) > c.opts.VisibleLimit {
		list = list[:c.opts.VisibleLimit]
	}
	c.byOwner[n.Owner] = list
}

func (c *Center) persist(ctx context.Context, n Notification) {
	if c.store == nil {
		return
	}
	rec := toRecord(n)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.store.InsertNotification(ctx, rec); err != nil {
			c.logger.Error().Err(err).Str("id", rec.ID).Msg("persist notification failed")
		}
	}()
}

// ensureLoaded merges the owner's stored rows into memory once. A failed
// read is retried on the next access.
func (c *Center) ensureLoaded(ctx context.Context, owner string) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	done := c.loaded[owner]
	c.mu.Unlock()
	if done {
		return
	}

	recs, err := c.store.ListNotifications(ctx, owner, c.opts.VisibleLimit)
	if err != nil {
		c.logger.Error().Err(err).Str("owner", owner).Msg("load notifications failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded[owner] {
		return
	}
	c.loaded[owner] = true

	known := make(map[uuid.UUID]struct{}, len(c.byOwner[owner]))
	for _, n := range c.byOwner[owner] {
		known[n.ID] = struct{}{}
	}
	for _, rec := range recs {
		n, ok := FromRecord(rec)
		if !ok {
			continue
		}
		if _, dup := known[n.ID]; dup {
			continue
		}
		known[n.ID] = struct{}{}
		c.insertLocked(n)
	}
}

func (c *Center) emit(n Notification) {
	for _, fn := range c.listeners {
		fn(n)
	}
}

// FromRecord converts a stored row. Rows with an unparsable id are skipped.
func FromRecord(rec storage.NotificationRecord) (Notification, bool) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return Notification{}, false
	}
	n := Notification{
		ID:        id,
		Owner:     rec.UserID,
		Title:     rec.Title,
		Type:      Type(rec.Type),
		Timestamp: rec.CreatedAt,
		Read:      rec.Read,
	}
	if rec.Description != nil {
		n.Description = *rec.Description
	}
	return n, true
}

func toRecord(n Notification) storage.NotificationRecord {
	rec := storage.NotificationRecord{
		ID:        n.ID.String(),
		UserID:    n.Owner,
		Title:     n.Title,
		Type:      string(n.Type),
		Read:      n.Read,
		CreatedAt: n.Timestamp,
	}
	if n.Description != "" {
		desc := n.Description
		rec.Description = &desc
	}
	return rec
}
