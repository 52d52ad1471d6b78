package clipboard

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType enumerates the supported clipboard payload kinds.
type ContentType string

const (
	// ContentTypeText marks a plain text payload.
	ContentTypeText ContentType = "text"
	// ContentTypeImage marks an encoded image payload.
	ContentTypeImage ContentType = "image"
	// ContentTypeFile marks a file reference or encoded file payload.
	ContentTypeFile ContentType = "file"
)

const (
	maxIdentifierLength    = 190
	maxDeviceNameLength    = 100
	maxSourceAddressLength = 45
)

var (
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("clipboard: invalid item id")
	// ErrInvalidContent indicates that the clipboard content is missing.
	ErrInvalidContent = errors.New("clipboard: invalid content")
	// ErrInvalidContentType indicates that the content type is not one of the supported kinds.
	ErrInvalidContentType = errors.New("clipboard: invalid content type")
	// ErrInvalidDeviceName indicates that a device label exceeds storage bounds.
	ErrInvalidDeviceName = errors.New("clipboard: invalid device name")
	// ErrItemNotFound indicates that no item exists for the requested identifier.
	ErrItemNotFound = errors.New("clipboard: item not found")
)

// ItemID represents a validated item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// Content is a clipboard payload. It is stored and compared verbatim.
type Content string

// NewContent validates raw input and returns Content. Whitespace is significant.
func NewContent(rawInput string) (Content, error) {
	if rawInput == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	return Content(rawInput), nil
}

// String returns the payload as a string.
func (content Content) String() string {
	return string(content)
}

// NewContentType validates raw input and returns a ContentType. Empty input resolves to text.
func NewContentType(rawInput string) (ContentType, error) {
	normalized := ContentType(strings.ToLower(strings.TrimSpace(rawInput)))
	switch normalized {
	case "":
		return ContentTypeText, nil
	case ContentTypeText, ContentTypeImage, ContentTypeFile:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidContentType, rawInput)
	}
}

// String returns the content type tag.
func (contentType ContentType) String() string {
	return string(contentType)
}

// NewDeviceName validates an optional device label. Blank input yields nil.
func NewDeviceName(rawInput *string) (*string, error) {
	if rawInput == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*rawInput)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > maxDeviceNameLength {
		return nil, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceName, maxDeviceNameLength)
	}
	return &trimmed, nil
}

// NewSourceAddress normalizes the network origin reported by the transport.
func NewSourceAddress(rawInput string) *string {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || len(trimmed) > maxSourceAddressLength {
		return nil
	}
	return &trimmed
}

// Item is the persisted clipboard entry.
type Item struct {
	ItemID          string  `gorm:"column:item_id;primaryKey;size:190;not null"`
	Content         string  `gorm:"column:content;type:text;not null"`
	ContentHash     string  `gorm:"column:content_hash;size:64;not null;default:'';index:idx_clipboard_items_hash"`
	ContentType     string  `gorm:"column:content_type;size:50;not null;default:'text'"`
	DeviceName      *string `gorm:"column:device_name;size:100"`
	SourceAddress   *string `gorm:"column:ip_address;size:45"`
	CreatedAtMicros int64   `gorm:"column:created_at_us;not null;index:idx_clipboard_items_created"`
	UpdatedAtMicros int64   `gorm:"column:updated_at_us;not null;index:idx_clipboard_items_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "clipboard_items"
}

// CreatedAt returns the creation instant in UTC.
func (item Item) CreatedAt() time.Time {
	return fromMicros(item.CreatedAtMicros)
}

// UpdatedAt returns the last refresh instant in UTC.
func (item Item) UpdatedAt() time.Time {
	return fromMicros(item.UpdatedAtMicros)
}

// HistoryEntry is an append-only record of an explicit content edit.
type HistoryEntry struct {
	EntryID         int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	ItemID          string `gorm:"column:item_id;size:190;not null;index:idx_clipboard_history_item_time,priority:1"`
	Content         string `gorm:"column:content;type:text;not null"`
	TimestampMicros int64  `gorm:"column:timestamp_us;not null;index:idx_clipboard_history_item_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "clipboard_history"
}

// Timestamp returns the instant the edit was recorded.
func (entry HistoryEntry) Timestamp() time.Time {
	return fromMicros(entry.TimestampMicros)
}

// ItemDraft describes an incoming clipboard write before it is persisted.
type ItemDraft struct {
	Content       Content
	ContentType   ContentType
	DeviceName    *string
	SourceAddress *string
}

// DeviceCount pairs a device label with the number of items it originated.
type DeviceCount struct {
	DeviceName *string `gorm:"column:device_name"`
	Count      int64   `gorm:"column:item_count"`
}

func toMicros(instant time.Time) int64 {
	return instant.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}
