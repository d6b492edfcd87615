package models

import "errors"

// Error taxonomy. Errors localized to one listing, one user or one stored
// record are logged and skipped; only store-level unavailability is fatal.
var (
	// ErrTransientSource marks a failed or empty scrape. The cycle retries
	// next interval and mutates no state.
	ErrTransientSource = errors.New("transient source failure")

	// ErrTransientDelivery marks a retriable send failure (rate limit,
	// network).
	ErrTransientDelivery = errors.New("transient delivery failure")

	// ErrPermanentDelivery marks an unrecoverable recipient (blocked the bot,
	// chat gone). The subscription is flipped off.
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	// ErrDataCorruption marks a stored record that failed to parse. The
	// record is skipped, the rest of the store still loads.
	ErrDataCorruption = errors.New("corrupted record")

	// ErrInvalidFilter marks a user-supplied filter value that must not be
	// persisted.
	ErrInvalidFilter = errors.New("invalid filter")
)
