package clipboard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NextItemID() (ItemID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return ItemID(fmt.Sprintf("item-%03d", p.next)), nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBroadcaster) Broadcast(message any) {
	event, ok := message.(Event)
	if !ok {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]Event, len(b.events))
	copy(copied, b.events)
	return copied
}

type fixedCounter int

func (c fixedCounter) Count() int {
	return int(c)
}

// failingStorage fails every write while delegating reads to the wrapped storage.
type failingStorage struct {
	Storage
	err error
}

func (s *failingStorage) WithinTransaction(ctx context.Context, fn func(Storage) error) error {
	return fn(s)
}

func (s *failingStorage) Insert(context.Context, ItemDraft) (Item, error) {
	return Item{}, s.err
}

func (s *failingStorage) Touch(context.Context, ItemID) (Item, error) {
	return Item{}, s.err
}

func (s *failingStorage) UpdateContent(context.Context, ItemID, Content, *ContentType) (Item, error) {
	return Item{}, s.err
}

func (s *failingStorage) Delete(context.Context, ItemID) (bool, error) {
	return false, s.err
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "clipboard.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&Item{}, &HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestRepository(t *testing.T, clock *manualClock) *Repository {
	t.Helper()
	repository, err := NewRepository(RepositoryConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	return repository
}

func newTestCoordinator(t *testing.T, storage Storage, clock *manualClock, broadcaster Broadcaster) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Storage:     storage,
		Broadcaster: broadcaster,
		Connections: fixedCounter(3),
		Clock:       clock.Now,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator
}

func mustContent(t *testing.T, value string) Content {
	t.Helper()
	content, err := NewContent(value)
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func textDraft(t *testing.T, content string, device string) ItemDraft {
	t.Helper()
	draft := ItemDraft{
		Content:     mustContent(t, content),
		ContentType: ContentTypeText,
	}
	if device != "" {
		deviceName := device
		draft.DeviceName = &deviceName
	}
	return draft
}

func stringValue(value *string) string {
	if value == nil {
		return "<nil>"
	}
	return *value
}
