package clipboard

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names a push message kind.
type EventType string

const (
	// EventNew announces a newly created item.
	EventNew EventType = "new"
	// EventUpdate announces a refreshed or edited item.
	EventUpdate EventType = "update"
	// EventDelete announces a removed item.
	EventDelete EventType = "delete"
)

// TimestampLayout is the textual form of every timestamp on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrInvalidTimestamp indicates that a timestamp string could not be parsed.
var ErrInvalidTimestamp = errors.New("clipboard: invalid timestamp")

var acceptedTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Event is the envelope delivered to push channel subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// ItemPayload is the wire representation of an Item.
type ItemPayload struct {
	ID          string  `json:"id"`
	Content     string  `json:"content"`
	ContentType string  `json:"content_type"`
	DeviceName  *string `json:"device_name"`
	IPAddress   *string `json:"ip_address"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// NewItemPayload converts an Item to its wire representation.
func NewItemPayload(item Item) ItemPayload {
	return ItemPayload{
		ID:          item.ItemID,
		Content:     item.Content,
		ContentType: item.ContentType,
		DeviceName:  item.DeviceName,
		IPAddress:   item.SourceAddress,
		CreatedAt:   FormatTimestamp(item.CreatedAt()),
		UpdatedAt:   FormatTimestamp(item.UpdatedAt()),
	}
}

// NewItemPayloads converts a slice of items, never returning nil.
func NewItemPayloads(items []Item) []ItemPayload {
	payloads := make([]ItemPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, NewItemPayload(item))
	}
	return payloads
}

// HistoryPayload is the wire representation of a HistoryEntry.
type HistoryPayload struct {
	ID        int64  `json:"id"`
	ItemID    string `json:"item_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewHistoryPayloads converts history entries, never returning nil.
func NewHistoryPayloads(entries []HistoryEntry) []HistoryPayload {
	payloads := make([]HistoryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, HistoryPayload{
			ID:        entry.EntryID,
			ItemID:    entry.ItemID,
			Content:   entry.Content,
			Timestamp: FormatTimestamp(entry.Timestamp()),
		})
	}
	return payloads
}

// DeletePayload identifies a removed item.
type DeletePayload struct {
	ID string `json:"id"`
}

// FormatTimestamp renders an instant in UTC with microsecond precision.
func FormatTimestamp(instant time.Time) string {
	return instant.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 timestamps and zone-less ISO-8601 timestamps, the latter read as UTC.
func ParseTimestamp(rawInput string) (time.Time, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	for _, layout := range acceptedTimestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
}
