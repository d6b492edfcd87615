package telegram

import (
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

// brokenUserStore fails every operation, standing in for a store whose
// backing file or connection has gone bad.
type brokenUserStore struct {
	err error
}

func (s *brokenUserStore) Get(chatID int64) (*models.UserPreference, error) { return nil, s.err }
func (s *brokenUserStore) All() ([]*models.UserPreference, error)           { return nil, s.err }
func (s *brokenUserStore) Put(p *models.UserPreference) error               { return s.err }
func (s *brokenUserStore) Update(chatID int64, fn func(*models.UserPreference) error) error {
	return s.err
}
func (s *brokenUserStore) Count() (int, error) { return 0, s.err }
func (s *brokenUserStore) Close() error        { return nil }

func newTestBot(t *testing.T, users store.UserStore) (*Bot, *[]string) {
	t.Helper()
	var replies []string
	b := &Bot{
		users:    users,
		checkNow: make(chan struct{}, 1),
	}
	b.send = func(c tgbotapi.Chattable) (tgbotapi.Message, error) {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			replies = append(replies, msg.Text)
		}
		return tgbotapi.Message{}, nil
	}
	return b, &replies
}

func newFileBackedBot(t *testing.T) (*Bot, store.UserStore, *[]string) {
	t.Helper()
	users, err := store.NewFileUserStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileUserStore: %v", err)
	}
	b, replies := newTestBot(t, users)
	return b, users, replies
}

func TestHandleStartCreatesUser(t *testing.T) {
	b, users, replies := newFileBackedBot(t)

	b.handleStart(42)

	p, err := users.Get(42)
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if !p.Subscribed || p.Mode != models.ModeImmediate {
		t.Errorf("new user defaults = subscribed %v mode %s, want subscribed immediate", p.Subscribed, p.Mode)
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "Welcome") {
		t.Errorf("expected a welcome reply, got %v", *replies)
	}
}

func TestStoreFailureIsReportedToUser(t *testing.T) {
	b, replies := newTestBot(t, &brokenUserStore{err: errors.New("disk full")})

	b.handleMode(42, "daily")

	if len(*replies) != 1 || !strings.Contains((*replies)[0], "Something went wrong") {
		t.Fatalf("store failure must produce an error reply, got %v", *replies)
	}
}

func TestInvertedFilterRangeIsNotSaved(t *testing.T) {
	b, users, replies := newFileBackedBot(t)

	max := 100000
	p := models.NewUserPreference(42)
	p.Filters.PriceMax = &max
	if err := users.Put(p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b.setIntFilter(42, "200000", "price_min")

	last := (*replies)[len(*replies)-1]
	if !strings.Contains(last, "Not saved") {
		t.Fatalf("inverted range must be rejected, got reply %q", last)
	}
	p, err := users.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Filters.PriceMin != nil {
		t.Errorf("rejected price_min was persisted: %d", *p.Filters.PriceMin)
	}
}
