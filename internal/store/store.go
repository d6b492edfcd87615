// Package store holds the durable state: every listing identifier ever seen
// and the per-user subscription records.
package store

import (
	"errors"
	"time"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

var ErrNotFound = errors.New("not found")

// ListingStore is the append-only record of listings already ingested.
// Identifiers are never removed unless pruning is explicitly requested.
type ListingStore interface {
	// Insert adds the listing if its identifier is unseen and reports
	// whether it was inserted. Check-then-insert is atomic.
	Insert(l models.Listing) (bool, error)
	Has(id string) (bool, error)
	Get(id string) (models.Listing, error)
	Count() (int, error)
	// PruneOlderThan removes listings first seen before the cutoff and
	// returns how many were dropped. Opt-in maintenance; never called
	// unless a retention window is configured.
	PruneOlderThan(cutoff time.Time) (int, error)
	Close() error
}

// UserStore is the durable per-user subscription state. Records are created
// on first interaction and never hard-deleted.
type UserStore interface {
	Get(chatID int64) (*models.UserPreference, error)
	All() ([]*models.UserPreference, error)
	Put(p *models.UserPreference) error
	// Update applies fn to a single user's record under that user's
	// exclusive lock and persists the result. Returns ErrNotFound for an
	// unknown user; fn returning an error aborts without persisting.
	Update(chatID int64, fn func(*models.UserPreference) error) error
	Count() (int, error)
	Close() error
}
