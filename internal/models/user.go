package models

import (
	"fmt"
	"time"
)

type NotificationMode string

const (
	ModeImmediate NotificationMode = "immediate"
	ModeDaily     NotificationMode = "daily"
	ModeWeekly    NotificationMode = "weekly"
)

func (m NotificationMode) Valid() bool {
	switch m {
	case ModeImmediate, ModeDaily, ModeWeekly:
		return true
	}
	return false
}

// FilterSet is the one validated filter shape shared by the matcher, the
// persistence layer and the command front end. A nil field imposes no
// constraint.
type FilterSet struct {
	PriceMin *int      `json:"price_min,omitempty"`
	PriceMax *int      `json:"price_max,omitempty"`
	AreaMin  *float64  `json:"area_min,omitempty"`
	AreaMax  *float64  `json:"area_max,omitempty"`
	RoomsMin *int      `json:"rooms_min,omitempty"`
	RoomsMax *int      `json:"rooms_max,omitempty"`
	County   *int      `json:"county,omitempty"`
	DealType *DealType `json:"deal_type,omitempty"`
}

// Validate rejects values that could never describe a listing. Inverted
// ranges are not rejected here; the command front end refuses them before
// they are persisted, and the matcher treats a persisted inversion as an
// empty range.
func (f FilterSet) Validate() error {
	if f.PriceMin != nil && *f.PriceMin < 0 {
		return fmt.Errorf("%w: price_min must not be negative", ErrInvalidFilter)
	}
	if f.PriceMax != nil && *f.PriceMax < 0 {
		return fmt.Errorf("%w: price_max must not be negative", ErrInvalidFilter)
	}
	if f.AreaMin != nil && *f.AreaMin < 0 {
		return fmt.Errorf("%w: area_min must not be negative", ErrInvalidFilter)
	}
	if f.AreaMax != nil && *f.AreaMax < 0 {
		return fmt.Errorf("%w: area_max must not be negative", ErrInvalidFilter)
	}
	if f.RoomsMin != nil && *f.RoomsMin < 0 {
		return fmt.Errorf("%w: rooms_min must not be negative", ErrInvalidFilter)
	}
	if f.RoomsMax != nil && *f.RoomsMax < 0 {
		return fmt.Errorf("%w: rooms_max must not be negative", ErrInvalidFilter)
	}
	if f.County != nil && !ValidCounty(*f.County) {
		return fmt.Errorf("%w: county must be between %d and %d", ErrInvalidFilter, CountyMin, CountyMax)
	}
	if f.DealType != nil && !f.DealType.Valid() {
		return fmt.Errorf("%w: deal type must be %q or %q", ErrInvalidFilter, DealSale, DealRent)
	}
	return nil
}

// PendingNotification is a buffered matched listing waiting for its daily or
// weekly batch. Persisted with the user record so a restart loses nothing.
type PendingNotification struct {
	ListingID    string    `json:"listing_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// UserPreference is the durable per-user subscription state. Created on first
// interaction, never hard-deleted; unsubscribe is a status flag.
type UserPreference struct {
	ChatID     int64                 `json:"chat_id"`
	Subscribed bool                  `json:"subscribed"`
	Mode       NotificationMode      `json:"notification_mode"`
	Filters    FilterSet             `json:"filters"`
	LastDaily  time.Time             `json:"last_daily,omitempty"`
	LastWeekly time.Time             `json:"last_weekly,omitempty"`
	Pending    []PendingNotification `json:"pending,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

func NewUserPreference(chatID int64) *UserPreference {
	return &UserPreference{
		ChatID:     chatID,
		Subscribed: true,
		Mode:       ModeImmediate,
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing the pending slice.
func (p *UserPreference) Clone() *UserPreference {
	cp := *p
	if p.Pending != nil {
		cp.Pending = make([]PendingNotification, len(p.Pending))
		copy(cp.Pending, p.Pending)
	}
	return &cp
}
