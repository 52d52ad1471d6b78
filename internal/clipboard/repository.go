package clipboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRepositoryNew       = "clipboard.repository.new"
	opListRecent          = "clipboard.list_recent"
	opGetItem             = "clipboard.get"
	opInsertItem          = "clipboard.insert"
	opUpdateContent       = "clipboard.update_content"
	opTouchItem           = "clipboard.touch"
	opDeleteItem          = "clipboard.delete"
	opFindByContent       = "clipboard.find_latest_by_content"
	opCountSince          = "clipboard.count_since"
	opCountTotal          = "clipboard.count_total"
	opTopDevices          = "clipboard.top_devices"
	opListChangedSince    = "clipboard.list_changed_since"
	opAppendHistory       = "clipboard.history.append"
	opListHistory         = "clipboard.history.list_for_item"
	fieldItemID           = "item_id"
	columnUpdatedAt       = "updated_at_us"
	queryItemID           = fieldItemID + " = ?"
	queryContentMatch     = "content_hash = ? AND content = ?"
	queryCreatedSince     = "created_at_us >= ?"
	queryUpdatedAfter     = columnUpdatedAt + " > ?"
	orderUpdatedDesc      = columnUpdatedAt + " DESC"
	orderHistoryDesc      = "timestamp_us DESC, entry_id DESC"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonIDFailed        = "id_generation_failed"
)

// ItemStore is the persistence contract for clipboard items.
type ItemStore interface {
	ListRecent(ctx context.Context, limit int) ([]Item, error)
	Get(ctx context.Context, id ItemID) (Item, error)
	Insert(ctx context.Context, draft ItemDraft) (Item, error)
	UpdateContent(ctx context.Context, id ItemID, content Content, contentType *ContentType) (Item, error)
	Touch(ctx context.Context, id ItemID) (Item, error)
	Delete(ctx context.Context, id ItemID) (bool, error)
	FindLatestByContent(ctx context.Context, content Content) (Item, bool, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	CountTotal(ctx context.Context) (int64, error)
	TopDevices(ctx context.Context, limit int) ([]DeviceCount, error)
	ListChangedSince(ctx context.Context, since *time.Time) ([]Item, error)
}

// HistoryLog is the append-only record of content edits.
type HistoryLog interface {
	Append(ctx context.Context, itemID ItemID, content Content) (HistoryEntry, error)
	ListForItem(ctx context.Context, itemID ItemID, limit int) ([]HistoryEntry, error)
}

// Storage groups the item store and history log behind a transaction boundary.
type Storage interface {
	ItemStore
	HistoryLog
	WithinTransaction(ctx context.Context, fn func(Storage) error) error
}

// RepositoryConfig describes the dependencies of a GORM-backed Repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Repository implements Storage on top of GORM.
type Repository struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRepository validates the configuration and constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opRepositoryNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// WithinTransaction runs fn against a Storage bound to a single database transaction.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(Storage) error) error {
	if r.db == nil {
		return newServiceError("clipboard.transaction", reasonMissingDatabase, errMissingDatabase)
	}
	return r.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scoped := *r
		scoped.db = transaction
		return fn(&scoped)
	})
}

// ListRecent returns up to limit items ordered by updated_at descending.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	var items []Item
	if err := r.db.WithContext(ctx).Order(orderUpdatedDesc).Limit(limit).Find(&items).Error; err != nil {
		return nil, r.fail(opListRecent, reasonQueryFailed, err)
	}
	return items, nil
}

// Get loads a single item or returns ErrItemNotFound.
func (r *Repository) Get(ctx context.Context, id ItemID) (Item, error) {
	var item Item
	err := r.db.WithContext(ctx).Where(queryItemID, id.String()).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return Item{}, r.fail(opGetItem, reasonQueryFailed, err, zap.String(fieldItemID, id.String()))
	}
	return item, nil
}

// Insert stores a new item with created_at and updated_at set to now.
func (r *Repository) Insert(ctx context.Context, draft ItemDraft) (Item, error) {
	identifier, err := r.idProvider.NextItemID()
	if err != nil {
		return Item{}, r.fail(opInsertItem, reasonIDFailed, err)
	}
	contentType := draft.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}
	now := toMicros(r.clock())
	item := Item{
		ItemID:          identifier.String(),
		Content:         draft.Content.String(),
		ContentHash:     hashContent(draft.Content.String()),
		ContentType:     contentType.String(),
		DeviceName:      draft.DeviceName,
		SourceAddress:   draft.SourceAddress,
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	if err := r.db.WithContext(ctx).Create(&item).Error; err != nil {
		return Item{}, r.fail(opInsertItem, reasonInsertFailed, err, zap.String(fieldItemID, identifier.String()))
	}
	return item, nil
}

// UpdateContent replaces the content of an item and refreshes updated_at.
// A nil contentType keeps the stored type.
func (r *Repository) UpdateContent(ctx context.Context, id ItemID, content Content, contentType *ContentType) (Item, error) {
	item, err := r.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.Content = content.String()
	item.ContentHash = hashContent(content.String())
	if contentType != nil {
		item.ContentType = contentType.String()
	}
	item.UpdatedAtMicros = r.nextUpdatedAt(item.UpdatedAtMicros)
	if err := r.db.WithContext(ctx).Save(&item).Error; err != nil {
		return Item{}, r.fail(opUpdateContent, reasonUpdateFailed, err, zap.String(fieldItemID, id.String()))
	}
	return item, nil
}

// Touch refreshes updated_at without changing any other column.
func (r *Repository) Touch(ctx context.Context, id ItemID) (Item, error) {
	item, err := r.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.UpdatedAtMicros = r.nextUpdatedAt(item.UpdatedAtMicros)
	if err := r.db.WithContext(ctx).
		Model(&Item{}).
		Where(queryItemID, id.String()).
		Update(columnUpdatedAt, item.UpdatedAtMicros).Error; err != nil {
		return Item{}, r.fail(opTouchItem, reasonUpdateFailed, err, zap.String(fieldItemID, id.String()))
	}
	return item, nil
}

// Delete removes an item and reports whether a row existed. History is left intact.
func (r *Repository) Delete(ctx context.Context, id ItemID) (bool, error) {
	result := r.db.WithContext(ctx).Where(queryItemID, id.String()).Delete(&Item{})
	if result.Error != nil {
		return false, r.fail(opDeleteItem, reasonDeleteFailed, result.Error, zap.String(fieldItemID, id.String()))
	}
	return result.RowsAffected > 0, nil
}

// FindLatestByContent returns the most recently updated item whose content is byte-equal to content.
func (r *Repository) FindLatestByContent(ctx context.Context, content Content) (Item, bool, error) {
	var items []Item
	if err := r.db.WithContext(ctx).
		Where(queryContentMatch, hashContent(content.String()), content.String()).
		Order(orderUpdatedDesc).
		Limit(1).
		Find(&items).Error; err != nil {
		return Item{}, false, r.fail(opFindByContent, reasonQueryFailed, err)
	}
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

// CountSince counts items created at or after since.
func (r *Repository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Item{}).Where(queryCreatedSince, toMicros(since)).Count(&count).Error; err != nil {
		return 0, r.fail(opCountSince, reasonQueryFailed, err)
	}
	return count, nil
}

// CountTotal counts all stored items.
func (r *Repository) CountTotal(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Item{}).Count(&count).Error; err != nil {
		return 0, r.fail(opCountTotal, reasonQueryFailed, err)
	}
	return count, nil
}

// TopDevices returns device labels ordered by item count descending. Items without
// a device label are grouped under a nil name.
func (r *Repository) TopDevices(ctx context.Context, limit int) ([]DeviceCount, error) {
	counts := make([]DeviceCount, 0, limit)
	if err := r.db.WithContext(ctx).
		Model(&Item{}).
		Select("device_name, COUNT(*) AS item_count").
		Group("device_name").
		Order("item_count DESC").
		Order("device_name ASC").
		Limit(limit).
		Scan(&counts).Error; err != nil {
		return nil, r.fail(opTopDevices, reasonQueryFailed, err)
	}
	return counts, nil
}

// ListChangedSince returns items with updated_at strictly after since, or all items when since is nil.
func (r *Repository) ListChangedSince(ctx context.Context, since *time.Time) ([]Item, error) {
	query := r.db.WithContext(ctx)
	if since != nil {
		query = query.Where(queryUpdatedAfter, toMicros(*since))
	}
	var items []Item
	if err := query.Order(orderUpdatedDesc).Find(&items).Error; err != nil {
		return nil, r.fail(opListChangedSince, reasonQueryFailed, err)
	}
	return items, nil
}

// Append records an edit for itemID. The entry id is assigned by the database.
func (r *Repository) Append(ctx context.Context, itemID ItemID, content Content) (HistoryEntry, error) {
	entry := HistoryEntry{
		ItemID:          itemID.String(),
		Content:         content.String(),
		TimestampMicros: toMicros(r.clock()),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return HistoryEntry{}, r.fail(opAppendHistory, reasonInsertFailed, err, zap.String(fieldItemID, itemID.String()))
	}
	return entry, nil
}

// ListForItem returns up to limit history entries for itemID, newest first.
func (r *Repository) ListForItem(ctx context.Context, itemID ItemID, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := r.db.WithContext(ctx).
		Where(queryItemID, itemID.String()).
		Order(orderHistoryDesc).
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, r.fail(opListHistory, reasonQueryFailed, err, zap.String(fieldItemID, itemID.String()))
	}
	return entries, nil
}

// nextUpdatedAt returns now, or one microsecond past previous when the clock has not advanced.
func (r *Repository) nextUpdatedAt(previous int64) int64 {
	now := toMicros(r.clock())
	if now <= previous {
		return previous + 1
	}
	return now
}

func (r *Repository) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	r.logger.Error("clipboard repository error", attrs...)
	return newServiceError(operation, reason, err)
}

// HashContent returns the sha256 hex digest used to index content for dedup lookups.
func HashContent(content string) string {
	return hashContent(content)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
