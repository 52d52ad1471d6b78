package clipboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultListLimit is the number of recent items returned when no limit is given.
	DefaultListLimit = 10
	// DefaultHistoryLimit is the number of history entries returned when no limit is given.
	DefaultHistoryLimit = 20
	// MaxLimit bounds list and history page sizes.
	MaxLimit = 1000

	topDeviceLimit = 5
	recentWindow   = 24 * time.Hour
	syncCursorLag  = time.Microsecond

	opCoordinatorNew = "clipboard.coordinator.new"
)

// ErrInvalidLimit indicates that a page size is not within (0, MaxLimit].
var ErrInvalidLimit = errors.New("clipboard: invalid limit")

// Broadcaster delivers push messages to live subscribers. Delivery is best effort.
type Broadcaster interface {
	Broadcast(message any)
}

// ConnectionCounter reports the number of live subscribers.
type ConnectionCounter interface {
	Count() int
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Storage     Storage
	Broadcaster Broadcaster
	Connections ConnectionCounter
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Coordinator orchestrates persist-then-broadcast for every clipboard write and
// serves the read side used by polling clients. It holds no state between calls.
type Coordinator struct {
	storage     Storage
	dedup       DedupEngine
	broadcaster Broadcaster
	connections ConnectionCounter
	clock       func() time.Time
	logger      *zap.Logger
}

// SyncSnapshot is the delta-sync response: the items changed after the cursor and
// the cursor the client should present next time.
type SyncSnapshot struct {
	LastSync time.Time
	Items    []Item
}

// Stats aggregates store and registry figures.
type Stats struct {
	TotalItems        int64
	RecentItems24h    int64
	TopDevices        []DeviceCount
	ActiveConnections int
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Storage == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_storage", errMissingStorage)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		storage:     cfg.Storage,
		broadcaster: cfg.Broadcaster,
		connections: cfg.Connections,
		clock:       clock,
		logger:      logger,
	}, nil
}

// CreateOrRefresh stores draft through the dedup engine and announces the result
// as "new" when an item was inserted or "update" when an existing one was refreshed.
func (c *Coordinator) CreateOrRefresh(ctx context.Context, draft ItemDraft) (Item, error) {
	if draft.Content == "" {
		return Item{}, fmt.Errorf("%w: empty", ErrInvalidContent)
	}

	var outcome DedupOutcome
	err := c.storage.WithinTransaction(ctx, func(store Storage) error {
		resolved, resolveErr := c.dedup.Resolve(ctx, store, draft)
		if resolveErr != nil {
			return resolveErr
		}
		outcome = resolved
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	eventType := EventUpdate
	if outcome.Created() {
		eventType = EventNew
	}
	c.publish(eventType, NewItemPayload(outcome.Item()))
	return outcome.Item(), nil
}

// Edit replaces the content of an existing item, appends one history entry with the
// new content and announces an "update". A nil contentType keeps the stored type.
func (c *Coordinator) Edit(ctx context.Context, id ItemID, content Content, contentType *ContentType) (Item, error) {
	if content == "" {
		return Item{}, fmt.Errorf("%w: empty", ErrInvalidContent)
	}

	var updated Item
	err := c.storage.WithinTransaction(ctx, func(store Storage) error {
		item, updateErr := store.UpdateContent(ctx, id, content, contentType)
		if updateErr != nil {
			return updateErr
		}
		if _, appendErr := store.Append(ctx, id, content); appendErr != nil {
			return appendErr
		}
		updated = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	c.publish(EventUpdate, NewItemPayload(updated))
	return updated, nil
}

// Remove deletes an item and announces a "delete" only when a row existed.
func (c *Coordinator) Remove(ctx context.Context, id ItemID) (bool, error) {
	deleted, err := c.storage.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.publish(EventDelete, DeletePayload{ID: id.String()})
	}
	return deleted, nil
}

// DeltaSync returns every item updated strictly after lastSync, or all items when
// lastSync is nil. The returned cursor is taken before the query and sits one
// microsecond behind the clock, so a write stamped in the same microsecond as the
// cursor is reported again on the next poll rather than skipped.
func (c *Coordinator) DeltaSync(ctx context.Context, lastSync *time.Time) (SyncSnapshot, error) {
	cursor := c.clock().UTC().Truncate(time.Microsecond).Add(-syncCursorLag)
	items, err := c.storage.ListChangedSince(ctx, lastSync)
	if err != nil {
		return SyncSnapshot{}, err
	}
	return SyncSnapshot{LastSync: cursor, Items: items}, nil
}

// Stats reports totals, the trailing 24h creation count, the five busiest devices
// and the number of live push subscribers.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	total, err := c.storage.CountTotal(ctx)
	if err != nil {
		return Stats{}, err
	}
	recent, err := c.storage.CountSince(ctx, c.clock().Add(-recentWindow))
	if err != nil {
		return Stats{}, err
	}
	devices, err := c.storage.TopDevices(ctx, topDeviceLimit)
	if err != nil {
		return Stats{}, err
	}
	active := 0
	if c.connections != nil {
		active = c.connections.Count()
	}
	return Stats{
		TotalItems:        total,
		RecentItems24h:    recent,
		TopDevices:        devices,
		ActiveConnections: active,
	}, nil
}

// ListRecent returns up to limit items, most recently updated first.
func (c *Coordinator) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return c.storage.ListRecent(ctx, limit)
}

// Get returns a single item or ErrItemNotFound.
func (c *Coordinator) Get(ctx context.Context, id ItemID) (Item, error) {
	return c.storage.Get(ctx, id)
}

// History returns up to limit edits recorded for id, newest first.
func (c *Coordinator) History(ctx context.Context, id ItemID, limit int) ([]HistoryEntry, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return c.storage.ListForItem(ctx, id, limit)
}

func (c *Coordinator) publish(eventType EventType, data any) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Broadcast(Event{Type: eventType, Data: data})
	c.logger.Debug("clipboard event published", zap.String("type", string(eventType)))
}

func validateLimit(limit int) error {
	if limit <= 0 || limit > MaxLimit {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return nil
}
