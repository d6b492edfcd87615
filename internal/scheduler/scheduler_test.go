package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

type notification struct {
	chatID   int64
	listings []models.Listing
	digest   bool
	title    string
}

type fakeNotifier struct {
	calls []notification
	err   error
}

func (f *fakeNotifier) NotifyEach(ctx context.Context, chatID int64, listings []models.Listing) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, notification{chatID: chatID, listings: listings})
	return nil
}

func (f *fakeNotifier) NotifyDigest(ctx context.Context, chatID int64, listings []models.Listing, title string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, notification{chatID: chatID, listings: listings, digest: true, title: title})
	return nil
}

type fixture struct {
	users    store.UserStore
	listings store.ListingStore
	notifier *fakeNotifier
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	users, err := store.NewFileUserStore(dir)
	if err != nil {
		t.Fatalf("NewFileUserStore: %v", err)
	}
	listings, err := store.NewFileListingStore(dir)
	if err != nil {
		t.Fatalf("NewFileListingStore: %v", err)
	}

	notifier := &fakeNotifier{}
	sched := New(users, listings, notifier, 9, time.Monday, 9, 2)
	return &fixture{users: users, listings: listings, notifier: notifier, sched: sched}
}

func (f *fixture) addListing(t *testing.T, id string, price int, county int, firstSeen time.Time) models.Listing {
	t.Helper()
	l := models.Listing{
		ID:         id,
		Price:      price,
		Area:       55,
		Rooms:      2,
		County:     county,
		DealType:   models.DealSale,
		SellerType: models.SellerOwner,
		FirstSeen:  firstSeen,
	}
	if _, err := f.listings.Insert(l); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	return l
}

func (f *fixture) addUser(t *testing.T, chatID int64, mode models.NotificationMode, filters models.FilterSet) {
	t.Helper()
	p := models.NewUserPreference(chatID)
	p.Mode = mode
	p.Filters = filters
	if err := f.users.Put(p); err != nil {
		t.Fatalf("Put user %d: %v", chatID, err)
	}
}

func at(day int, hour, min int) time.Time {
	// Day 1 is a Monday.
	return time.Date(2025, 9, day, hour, min, 0, 0, time.UTC)
}

func intPtr(v int) *int { return &v }

func TestImmediateModeDeliversExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, models.ModeImmediate, models.FilterSet{PriceMax: intPtr(100000), County: intPtr(9)})

	l := f.addListing(t, "A123", 80000, 9, at(1, 8, 0))
	f.sched.HandleNew(context.Background(), []models.Listing{l})

	if len(f.notifier.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.calls))
	}
	call := f.notifier.calls[0]
	if call.chatID != 1 || call.digest || len(call.listings) != 1 || call.listings[0].ID != "A123" {
		t.Errorf("unexpected notification: %+v", call)
	}

	// Same listing discovered again must not notify (dedup happens upstream,
	// but a non-matching or empty set must also be a no-op).
	f.sched.HandleNew(context.Background(), nil)
	if len(f.notifier.calls) != 1 {
		t.Errorf("empty discovery produced a notification")
	}
}

func TestNonMatchingListingIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, models.ModeImmediate, models.FilterSet{PriceMax: intPtr(50000)})

	l := f.addListing(t, "A123", 80000, 9, at(1, 8, 0))
	f.sched.HandleNew(context.Background(), []models.Listing{l})

	if len(f.notifier.calls) != 0 {
		t.Errorf("non-matching listing was delivered")
	}
}

func TestDailyBatchFiresOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 2, models.ModeDaily, models.FilterSet{})

	l1 := f.addListing(t, "L1", 70000, 9, at(1, 8, 0))
	l2 := f.addListing(t, "L2", 80000, 9, at(1, 8, 30))
	l3 := f.addListing(t, "L3", 90000, 9, at(1, 8, 45))

	f.sched.Now = func() time.Time { return at(1, 8, 45) }
	f.sched.HandleNew(context.Background(), []models.Listing{l1, l2, l3})

	// Before the daily hour nothing fires.
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 0 {
		t.Fatalf("batch fired before daily hour")
	}

	// At 09:00 exactly one digest with all three, oldest first.
	f.sched.Now = func() time.Time { return at(1, 9, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.calls))
	}
	call := f.notifier.calls[0]
	if !call.digest {
		t.Error("daily delivery should be a digest")
	}
	if len(call.listings) != 3 {
		t.Fatalf("digest size = %d, want 3", len(call.listings))
	}
	for i, want := range []string{"L1", "L2", "L3"} {
		if call.listings[i].ID != want {
			t.Errorf("digest[%d] = %s, want %s", i, call.listings[i].ID, want)
		}
	}

	// A listing discovered after the batch waits for the next day.
	l4 := f.addListing(t, "L4", 95000, 9, at(1, 9, 5))
	f.sched.Now = func() time.Time { return at(1, 9, 5) }
	f.sched.HandleNew(context.Background(), []models.Listing{l4})
	f.sched.Tick(context.Background())
	f.sched.Now = func() time.Time { return at(1, 23, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 1 {
		t.Fatalf("second batch fired on the same day")
	}

	f.sched.Now = func() time.Time { return at(2, 9, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 2 {
		t.Fatalf("next-day batch did not fire")
	}
	if got := f.notifier.calls[1].listings; len(got) != 1 || got[0].ID != "L4" {
		t.Errorf("next-day digest = %+v, want just L4", got)
	}
}

func TestWeeklyBatchFiresOncePerWeek(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 3, models.ModeWeekly, models.FilterSet{})

	l := f.addListing(t, "W1", 70000, 9, at(1, 8, 0))
	f.sched.Now = func() time.Time { return at(1, 8, 0) }
	f.sched.HandleNew(context.Background(), []models.Listing{l})

	// Day 1 is a Monday at the weekly hour.
	f.sched.Now = func() time.Time { return at(1, 9, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 1 {
		t.Fatalf("weekly batch did not fire on configured weekday")
	}

	// Buffer a new listing; later the same Monday and the following Tuesday
	// nothing more fires.
	l2 := f.addListing(t, "W2", 80000, 9, at(1, 10, 0))
	f.sched.Now = func() time.Time { return at(1, 10, 0) }
	f.sched.HandleNew(context.Background(), []models.Listing{l2})
	f.sched.Now = func() time.Time { return at(1, 11, 0) }
	f.sched.Tick(context.Background())
	f.sched.Now = func() time.Time { return at(2, 9, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 1 {
		t.Fatalf("weekly batch fired more than once in a week")
	}

	// Next Monday it fires again.
	f.sched.Now = func() time.Time { return at(8, 9, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 2 {
		t.Fatalf("weekly batch did not fire the following week")
	}
}

func TestModeChangePreservesBuffer(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 4, models.ModeDaily, models.FilterSet{})

	l := f.addListing(t, "B1", 70000, 9, at(1, 8, 0))
	f.sched.Now = func() time.Time { return at(1, 8, 0) }
	f.sched.HandleNew(context.Background(), []models.Listing{l})

	// User switches to immediate before the daily hour.
	err := f.users.Update(4, func(p *models.UserPreference) error {
		p.Mode = models.ModeImmediate
		return nil
	})
	if err != nil {
		t.Fatalf("mode change: %v", err)
	}

	// The carried-over buffer flushes on the next tick, not lost.
	f.sched.Now = func() time.Time { return at(1, 8, 30) }
	f.sched.Tick(context.Background())

	if len(f.notifier.calls) != 1 {
		t.Fatalf("carried-over buffer was not flushed")
	}
	call := f.notifier.calls[0]
	if call.digest {
		t.Error("immediate-mode flush should deliver per listing, not a digest")
	}
	if len(call.listings) != 1 || call.listings[0].ID != "B1" {
		t.Errorf("flushed batch = %+v", call.listings)
	}

	p, _ := f.users.Get(4)
	if len(p.Pending) != 0 {
		t.Errorf("buffer not cleared after flush: %+v", p.Pending)
	}
}

func TestFailedFlushKeepsBuffer(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 5, models.ModeDaily, models.FilterSet{})

	l := f.addListing(t, "K1", 70000, 9, at(1, 8, 0))
	f.sched.Now = func() time.Time { return at(1, 8, 0) }
	f.sched.HandleNew(context.Background(), []models.Listing{l})

	f.notifier.err = fmt.Errorf("%w: down", models.ErrTransientDelivery)
	f.sched.Now = func() time.Time { return at(1, 9, 0) }
	f.sched.Tick(context.Background())

	p, _ := f.users.Get(5)
	if len(p.Pending) != 1 {
		t.Fatalf("failed flush must keep the buffer, got %d entries", len(p.Pending))
	}
	if !p.LastDaily.IsZero() {
		t.Error("failed flush must not mark the day as delivered")
	}

	// Recovery on a later tick the same day still delivers.
	f.notifier.err = nil
	f.sched.Now = func() time.Time { return at(1, 10, 0) }
	f.sched.Tick(context.Background())
	if len(f.notifier.calls) != 1 {
		t.Fatalf("retry tick did not deliver")
	}
}

func TestBatchOrderingTieBreak(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 6, models.ModeDaily, models.FilterSet{})

	same := at(1, 8, 0)
	lb := f.addListing(t, "B", 1, 9, same)
	la := f.addListing(t, "A", 2, 9, same)
	lc := f.addListing(t, "C", 3, 9, at(1, 7, 0))

	f.sched.Now = func() time.Time { return at(1, 8, 30) }
	f.sched.HandleNew(context.Background(), []models.Listing{lb, la, lc})

	f.sched.Now = func() time.Time { return at(1, 9, 0) }
	f.sched.Tick(context.Background())

	if len(f.notifier.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.calls))
	}
	got := f.notifier.calls[0].listings
	for i, want := range []string{"C", "A", "B"} {
		if got[i].ID != want {
			t.Errorf("batch[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestUnsubscribedUserReceivesNothing(t *testing.T) {
	f := newFixture(t)
	p := models.NewUserPreference(7)
	p.Subscribed = false
	if err := f.users.Put(p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	l := f.addListing(t, "U1", 70000, 9, at(1, 8, 0))
	f.sched.HandleNew(context.Background(), []models.Listing{l})
	f.sched.Tick(context.Background())

	if len(f.notifier.calls) != 0 {
		t.Errorf("unsubscribed user was notified")
	}
}
