// Package scheduler decides, per user and mode, whether matched listings go
// out now or accumulate for a daily or weekly batch.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/p1k4c6u/telegram-kv-bot/internal/matcher"
	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

// Notifier delivers listings for one user. Dispatch failures never propagate
// across users.
type Notifier interface {
	NotifyEach(ctx context.Context, chatID int64, listings []models.Listing) error
	NotifyDigest(ctx context.Context, chatID int64, listings []models.Listing, title string) error
}

type Scheduler struct {
	users    store.UserStore
	listings store.ListingStore
	notifier Notifier

	dailyHour   int
	weeklyDay   time.Weekday
	weeklyHour  int
	concurrency int

	// Now is replaceable in tests.
	Now func() time.Time
}

func New(users store.UserStore, listings store.ListingStore, notifier Notifier,
	dailyHour int, weeklyDay time.Weekday, weeklyHour int, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		users:       users,
		listings:    listings,
		notifier:    notifier,
		dailyHour:   dailyHour,
		weeklyDay:   weeklyDay,
		weeklyHour:  weeklyHour,
		concurrency: concurrency,
		Now:         time.Now,
	}
}

// HandleNew routes freshly discovered listings: immediate-mode users get them
// dispatched right away, daily/weekly users get them buffered. Dispatch to
// different users runs in parallel; one user's listings stay sequential
// inside that user's goroutine.
func (s *Scheduler) HandleNew(ctx context.Context, discovered []models.Listing) {
	if len(discovered) == 0 {
		return
	}

	users, err := s.users.All()
	if err != nil {
		log.Printf("Failed to load users for scheduling: %v", err)
		return
	}

	now := s.Now()
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, u := range users {
		if !u.Subscribed {
			continue
		}

		var matched []models.Listing
		for _, l := range discovered {
			if matcher.Matches(l, u.Filters) {
				matched = append(matched, l)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sortBatch(matched)

		if u.Mode == models.ModeImmediate {
			wg.Add(1)
			sem <- struct{}{}
			go func(chatID int64, batch []models.Listing) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := s.notifier.NotifyEach(ctx, chatID, batch); err != nil {
					log.Printf("Immediate dispatch to %d failed: %v", chatID, err)
				}
			}(u.ChatID, matched)
			continue
		}

		err := s.users.Update(u.ChatID, func(p *models.UserPreference) error {
			for _, l := range matched {
				p.Pending = append(p.Pending, models.PendingNotification{
					ListingID:    l.ID,
					DiscoveredAt: now,
				})
			}
			return nil
		})
		if err != nil {
			log.Printf("Failed to buffer listings for %d: %v", u.ChatID, err)
		}
	}

	wg.Wait()
}

// Tick flushes every buffer that is due. Daily batches fire at most once per
// calendar day, weekly ones at most once per ISO week, no matter how often
// Tick runs. Buffered listings left over from a previous mode are flushed
// under the user's current mode.
func (s *Scheduler) Tick(ctx context.Context) {
	users, err := s.users.All()
	if err != nil {
		log.Printf("Failed to load users for batch flush: %v", err)
		return
	}

	now := s.Now()
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, u := range users {
		if !u.Subscribed || len(u.Pending) == 0 {
			continue
		}
		if !s.due(u, now) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(u *models.UserPreference) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.flush(ctx, u, now); err != nil {
				log.Printf("Batch flush for %d failed: %v", u.ChatID, err)
			}
		}(u)
	}

	wg.Wait()
}

func (s *Scheduler) due(u *models.UserPreference, now time.Time) bool {
	switch u.Mode {
	case models.ModeImmediate:
		// Only carried-over buffers from a previous mode; flush right away.
		return true
	case models.ModeDaily:
		return now.Hour() >= s.dailyHour && !sameDay(u.LastDaily, now)
	case models.ModeWeekly:
		return now.Weekday() == s.weeklyDay && now.Hour() >= s.weeklyHour && !sameWeek(u.LastWeekly, now)
	}
	return false
}

func (s *Scheduler) flush(ctx context.Context, u *models.UserPreference, now time.Time) error {
	batch, dispatched := s.resolve(u.Pending)
	if len(batch) == 0 {
		// Every buffered ID was pruned from the listing store; just clear.
		return s.clearDispatched(u.ChatID, dispatched, u.Mode, now)
	}
	sortBatch(batch)

	var err error
	switch u.Mode {
	case models.ModeDaily:
		title := fmt.Sprintf("Daily Property Update (%s)", now.Format("2006-01-02"))
		err = s.notifier.NotifyDigest(ctx, u.ChatID, batch, title)
	case models.ModeWeekly:
		err = s.notifier.NotifyDigest(ctx, u.ChatID, batch, "Weekly Property Update")
	default:
		err = s.notifier.NotifyEach(ctx, u.ChatID, batch)
	}
	if err != nil {
		// Buffer kept; a transient failure retries on a later tick, a
		// permanent one has already unsubscribed the user.
		return err
	}

	return s.clearDispatched(u.ChatID, dispatched, u.Mode, now)
}

// resolve maps buffered IDs back to stored listings. IDs that no longer
// resolve (pruned or corrupted) are still cleared so they cannot wedge the
// buffer forever.
func (s *Scheduler) resolve(pending []models.PendingNotification) ([]models.Listing, map[string]bool) {
	dispatched := make(map[string]bool, len(pending))
	var batch []models.Listing
	for _, pn := range pending {
		dispatched[pn.ListingID] = true
		l, err := s.listings.Get(pn.ListingID)
		if err != nil {
			log.Printf("Buffered listing %s no longer resolvable: %v", pn.ListingID, err)
			continue
		}
		batch = append(batch, l)
	}
	return batch, dispatched
}

// clearDispatched removes exactly the flushed entries, leaving anything
// buffered concurrently by an overlapping ingestion cycle in place.
func (s *Scheduler) clearDispatched(chatID int64, dispatched map[string]bool, mode models.NotificationMode, now time.Time) error {
	return s.users.Update(chatID, func(p *models.UserPreference) error {
		kept := p.Pending[:0]
		for _, pn := range p.Pending {
			if !dispatched[pn.ListingID] {
				kept = append(kept, pn)
			}
		}
		p.Pending = kept
		switch mode {
		case models.ModeDaily:
			p.LastDaily = now
		case models.ModeWeekly:
			p.LastWeekly = now
		}
		return nil
	})
}

// sortBatch orders by first-seen ascending, ties broken by identifier, so
// batches are deterministic.
func sortBatch(batch []models.Listing) {
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].FirstSeen.Equal(batch[j].FirstSeen) {
			return batch[i].FirstSeen.Before(batch[j].FirstSeen)
		}
		return batch[i].ID < batch[j].ID
	})
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameWeek(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}
