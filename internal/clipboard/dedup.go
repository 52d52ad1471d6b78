package clipboard

import "context"

// OutcomeKind tags the result of a dedup resolution.
type OutcomeKind string

const (
	// OutcomeCreated indicates that the write produced a new item.
	OutcomeCreated OutcomeKind = "created"
	// OutcomeRefreshed indicates that the write matched stored content and bumped its timestamp.
	OutcomeRefreshed OutcomeKind = "refreshed"
)

// DedupOutcome captures the decision from DedupEngine.Resolve.
type DedupOutcome struct {
	kind OutcomeKind
	item Item
}

// Kind returns the outcome tag.
func (outcome DedupOutcome) Kind() OutcomeKind {
	return outcome.kind
}

// Item returns the created or refreshed item.
func (outcome DedupOutcome) Item() Item {
	return outcome.item
}

// Created reports whether a new item was inserted.
func (outcome DedupOutcome) Created() bool {
	return outcome.kind == OutcomeCreated
}

// DedupEngine decides whether an incoming write creates an item or refreshes an existing one.
// Content is compared byte for byte; identical content from any device collapses into one item.
type DedupEngine struct{}

// Resolve looks up byte-equal content and either touches the match or inserts the draft.
// The matched item keeps its id, device name, source address and content type.
func (DedupEngine) Resolve(ctx context.Context, store ItemStore, draft ItemDraft) (DedupOutcome, error) {
	existing, found, err := store.FindLatestByContent(ctx, draft.Content)
	if err != nil {
		return DedupOutcome{}, err
	}
	if found {
		refreshed, err := store.Touch(ctx, ItemID(existing.ItemID))
		if err != nil {
			return DedupOutcome{}, err
		}
		return DedupOutcome{kind: OutcomeRefreshed, item: refreshed}, nil
	}
	created, err := store.Insert(ctx, draft)
	if err != nil {
		return DedupOutcome{}, err
	}
	return DedupOutcome{kind: OutcomeCreated, item: created}, nil
}
