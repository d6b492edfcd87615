// Package dispatcher formats matched listings and hands them to the
// messaging channel, with bounded retry and per-user failure isolation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

// Sender is the messaging collaborator. Implementations classify failures by
// wrapping models.ErrTransientDelivery or models.ErrPermanentDelivery.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error
}

type Dispatcher struct {
	sender     Sender
	users      store.UserStore
	maxRetries int
	baseDelay  time.Duration
	maxDigest  int
}

func New(sender Sender, users store.UserStore, maxRetries int, baseDelay time.Duration, maxDigest int) *Dispatcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if maxDigest < 1 {
		maxDigest = 10
	}
	return &Dispatcher{
		sender:     sender,
		users:      users,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDigest:  maxDigest,
	}
}

// NotifyEach sends one message per listing, in order. A permanent failure
// unsubscribes the user and stops the remaining sends for them; other users
// are unaffected.
func (d *Dispatcher) NotifyEach(ctx context.Context, chatID int64, listings []models.Listing) error {
	for _, l := range listings {
		l := l
		err := d.sendWithRetry(ctx, chatID, func() error {
			if len(l.ImageURLs) > 0 {
				return d.sender.SendPhoto(ctx, chatID, l.ImageURLs[0], FormatListing(l))
			}
			return d.sender.SendMessage(ctx, chatID, FormatListing(l))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NotifyDigest sends one digest message covering the whole batch, truncated
// at the configured item bound.
func (d *Dispatcher) NotifyDigest(ctx context.Context, chatID int64, listings []models.Listing, title string) error {
	if len(listings) == 0 {
		return nil
	}
	text := d.formatDigest(title, listings)
	return d.sendWithRetry(ctx, chatID, func() error {
		return d.sender.SendMessage(ctx, chatID, text)
	})
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, chatID int64, send func() error) error {
	delay := d.baseDelay
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		lastErr = send()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, models.ErrPermanentDelivery) {
			d.unsubscribe(chatID, lastErr)
			return lastErr
		}

		if attempt < d.maxRetries {
			log.Printf("Send to %d failed (attempt %d/%d): %v, retrying in %v",
				chatID, attempt, d.maxRetries, lastErr, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("send to %d failed after %d attempts: %w", chatID, d.maxRetries, lastErr)
}

func (d *Dispatcher) unsubscribe(chatID int64, cause error) {
	log.Printf("Unsubscribing user %d after permanent delivery failure: %v", chatID, cause)
	err := d.users.Update(chatID, func(p *models.UserPreference) error {
		p.Subscribed = false
		return nil
	})
	if err != nil {
		log.Printf("Failed to unsubscribe user %d: %v", chatID, err)
	}
}

// FormatListing renders a single listing as a Telegram HTML message.
// Scraped fields are entity-escaped; a stray < or & in a listing title must
// not make the API reject the whole send.
func FormatListing(l models.Listing) string {
	var b strings.Builder

	b.WriteString("📍 <b>New Property Listing!</b>\n\n")
	if l.Title != "" {
		fmt.Fprintf(&b, "🏠 <b>%s</b>\n", html.EscapeString(l.Title))
	}
	fmt.Fprintf(&b, "💰 <b>Price:</b> %d€\n", l.Price)
	if l.Rooms > 0 {
		fmt.Fprintf(&b, "👥 <b>Rooms:</b> %d\n", l.Rooms)
	}
	if l.Area > 0 {
		fmt.Fprintf(&b, "📐 <b>Area:</b> %.1fm²\n", l.Area)
	}
	if l.YearBuilt > 0 {
		fmt.Fprintf(&b, "🗓 <b>Year Built:</b> %d\n", l.YearBuilt)
	}
	if l.Condition != "" {
		fmt.Fprintf(&b, "🔧 <b>Condition:</b> %s\n", html.EscapeString(l.Condition))
	}
	fmt.Fprintf(&b, "🔗 %s\n", html.EscapeString(l.URL))

	return b.String()
}

func (d *Dispatcher) formatDigest(title string, listings []models.Listing) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📅 <b>%s</b>\n\n", title)
	fmt.Fprintf(&b, "🎉 Found %d new listings!\n\n", len(listings))

	shown := listings
	if len(shown) > d.maxDigest {
		shown = shown[:d.maxDigest]
	}
	for _, l := range shown {
		fmt.Fprintf(&b, "• <b>%d€</b>", l.Price)
		if l.Rooms > 0 {
			fmt.Fprintf(&b, ", %d rooms", l.Rooms)
		}
		if l.Area > 0 {
			fmt.Fprintf(&b, ", %.1fm²", l.Area)
		}
		if l.Title != "" {
			fmt.Fprintf(&b, " - %s", html.EscapeString(l.Title))
		}
		fmt.Fprintf(&b, "\n%s\n\n", html.EscapeString(l.URL))
	}

	if len(listings) > d.maxDigest {
		fmt.Fprintf(&b, "📊 Showing %d of %d listings. View more with /list\n", d.maxDigest, len(listings))
	}

	return b.String()
}
