// Package matcher evaluates whether a listing satisfies a user's filter set.
package matcher

import "github.com/p1k4c6u/telegram-kv-bot/internal/models"

// Matches reports whether the listing passes every set filter field. Unset
// fields impose no constraint; range checks are inclusive on both ends. An
// inverted range (min greater than max) matches nothing.
func Matches(l models.Listing, f models.FilterSet) bool {
	if f.PriceMin != nil && l.Price < *f.PriceMin {
		return false
	}
	if f.PriceMax != nil && l.Price > *f.PriceMax {
		return false
	}
	if f.AreaMin != nil && l.Area < *f.AreaMin {
		return false
	}
	if f.AreaMax != nil && l.Area > *f.AreaMax {
		return false
	}
	if f.RoomsMin != nil && l.Rooms < *f.RoomsMin {
		return false
	}
	if f.RoomsMax != nil && l.Rooms > *f.RoomsMax {
		return false
	}
	if f.County != nil && l.County != *f.County {
		return false
	}
	if f.DealType != nil && l.DealType != *f.DealType {
		return false
	}
	return true
}
