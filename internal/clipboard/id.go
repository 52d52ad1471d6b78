package clipboard

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for new items.
type IDProvider interface {
	NextItemID() (ItemID, error)
}

// IDProviderFunc adapts a function to IDProvider.
type IDProviderFunc func() (ItemID, error)

// NextItemID calls fn.
func (fn IDProviderFunc) NextItemID() (ItemID, error) {
	return fn()
}

// NewUUIDProvider returns an IDProvider issuing time-ordered UUIDv7 item ids, so
// ids created later sort after earlier ones.
func NewUUIDProvider() IDProvider {
	return newUUIDProvider(uuid.NewV7)
}

func newUUIDProvider(generate func() (uuid.UUID, error)) IDProvider {
	return IDProviderFunc(func() (ItemID, error) {
		value, err := generate()
		if err != nil {
			return "", fmt.Errorf("generate item id: %w", err)
		}
		return NewItemID(value.String())
	})
}
