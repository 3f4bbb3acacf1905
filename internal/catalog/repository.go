// Package catalog merges normalized events into the persistent catalog,
// deduplicating on the (title, start) natural key.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

// ErrNotFound is returned when a referenced catalog row does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Patch lists the mutable fields of an existing event. Nil fields are left
// untouched; links already attached to the event are ignored.
type Patch struct {
	PriceMin    *int
	PriceMax    *int
	TicketsInfo *string
	End         *time.Time
	Links       []string
}

// NewEvent is an event row ready to insert.
type NewEvent struct {
	Event   event.NormalizedEvent
	VenueID *int64
	Links   []string
}

// Repository is the storage contract the engine runs against inside one
// transaction.
type Repository interface {
	// FindEventIDsBySignatures returns ids of events matching any signature, in one round trip.
	FindEventIDsBySignatures(ctx context.Context, sigs []event.Signature) (map[event.Signature]int64, error)
	PatchEvent(ctx context.Context, id int64, p Patch) error
	// GetOrCreateEntitiesByName resolves canonical names, creating missing ones.
	GetOrCreateEntitiesByName(ctx context.Context, names []string) (map[string]int64, error)
	GetOrCreateCityAndCountry(ctx context.Context, city, country string) (cityID, countryID int64, err error)
	GetOrCreateVenue(ctx context.Context, name string, cityID, countryID int64) (int64, error)
	CreateEventWithEntities(ctx context.Context, ev NewEvent, entityIDs map[string]int64) (int64, error)
	// Savepoint runs fn in a nested transaction that alone is rolled back on error.
	Savepoint(ctx context.Context, fn func(Repository) error) error
}

// Store opens transactions.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Repository) error) error
}
