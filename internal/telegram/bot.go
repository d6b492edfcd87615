// Package telegram is the command front end and the messaging channel
// implementation.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/p1k4c6u/telegram-kv-bot/internal/dispatcher"
	"github.com/p1k4c6u/telegram-kv-bot/internal/matcher"
	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/scraper"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

const maxListResults = 10

type Bot struct {
	api      *tgbotapi.BotAPI
	send     func(tgbotapi.Chattable) (tgbotapi.Message, error)
	users    store.UserStore
	fetcher  scraper.Fetcher
	checkNow chan<- struct{}
}

func NewBot(token string, users store.UserStore, fetcher scraper.Fetcher, checkNow chan<- struct{}) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Bot{
		api:      api,
		send:     api.Send,
		users:    users,
		fetcher:  fetcher,
		checkNow: checkNow,
	}, nil
}

// Start begins long polling for commands. Returns immediately; the update
// loop stops when ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	go func() {
		for update := range updates {
			b.handleUpdate(ctx, update)
		}
	}()

	log.Printf("Telegram bot @%s listening for commands", b.api.Self.UserName)
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	chatID := update.Message.Chat.ID
	args := strings.TrimSpace(update.Message.CommandArguments())

	switch update.Message.Command() {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "subscribe":
		b.setSubscribed(chatID, true)
	case "unsubscribe":
		b.setSubscribed(chatID, false)
	case "settings":
		b.handleSettings(chatID)
	case "mode":
		b.handleMode(chatID, args)
	case "set_price_min":
		b.setIntFilter(chatID, args, "price_min")
	case "set_price_max":
		b.setIntFilter(chatID, args, "price_max")
	case "set_area_min":
		b.setFloatFilter(chatID, args, "area_min")
	case "set_area_max":
		b.setFloatFilter(chatID, args, "area_max")
	case "set_rooms_min":
		b.setIntFilter(chatID, args, "rooms_min")
	case "set_rooms_max":
		b.setIntFilter(chatID, args, "rooms_max")
	case "set_county":
		b.setIntFilter(chatID, args, "county")
	case "set_deal":
		b.handleSetDeal(chatID, args)
	case "clear_filters":
		b.handleClearFilters(chatID)
	case "list":
		b.handleList(ctx, chatID)
	case "check":
		b.handleCheck(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) handleStart(chatID int64) {
	if !b.ensureUser(chatID) {
		return
	}

	b.reply(chatID, `👋 Welcome to the KV.ee Owner Direct Listings Bot!

I'll notify you about new owner-direct property listings on KV.ee.

Use /help to see all available commands.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `📖 <b>Commands</b>

✅ /start - Start the bot
📢 /subscribe - Subscribe to notifications
🛑 /unsubscribe - Unsubscribe from notifications
⚙️ /settings - Show your current settings
🔔 /mode immediate|daily|weekly - Notification cadence
📋 /list - Show current matching listings
🔎 /check - Check for new listings now

🏠 <b>Filters</b>
/set_price_min N - Minimum price (€)
/set_price_max N - Maximum price (€)
/set_area_min X - Minimum area (m²)
/set_area_max X - Maximum area (m²)
/set_rooms_min N - Minimum rooms
/set_rooms_max N - Maximum rooms
/set_county N - County (1-15, 9 = Tallinn)
/set_deal sale|rent - Deal type
/clear_filters - Remove all filters`)
}

func (b *Bot) setSubscribed(chatID int64, subscribed bool) {
	if !b.ensureUser(chatID) {
		return
	}
	err := b.users.Update(chatID, func(p *models.UserPreference) error {
		p.Subscribed = subscribed
		return nil
	})
	if err != nil {
		log.Printf("Failed to update subscription for %d: %v", chatID, err)
		b.reply(chatID, "⚠️ Something went wrong, please try again.")
		return
	}
	if subscribed {
		b.reply(chatID, "✅ You are subscribed to notifications.")
	} else {
		b.reply(chatID, "🛑 You are unsubscribed. Use /subscribe to resume.")
	}
}

func (b *Bot) handleSettings(chatID int64) {
	p, err := b.users.Get(chatID)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(chatID, "🚫 You need to /start the bot first!")
		return
	}
	if err != nil {
		log.Printf("Failed to load user %d: %v", chatID, err)
		return
	}

	subscribed := "No"
	if p.Subscribed {
		subscribed = "Yes"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔧 <b>Your Settings</b>\n\n")
	fmt.Fprintf(&sb, "📱 <b>Mode:</b> %s\n", p.Mode)
	fmt.Fprintf(&sb, "🔔 <b>Subscribed:</b> %s\n\n", subscribed)
	sb.WriteString("📋 <b>Filters:</b>\n")
	sb.WriteString(describeFilters(p.Filters))

	b.reply(chatID, sb.String())
}

func describeFilters(f models.FilterSet) string {
	var lines []string
	if f.PriceMin != nil {
		lines = append(lines, fmt.Sprintf("• Price min: %d€", *f.PriceMin))
	}
	if f.PriceMax != nil {
		lines = append(lines, fmt.Sprintf("• Price max: %d€", *f.PriceMax))
	}
	if f.AreaMin != nil {
		lines = append(lines, fmt.Sprintf("• Area min: %.1fm²", *f.AreaMin))
	}
	if f.AreaMax != nil {
		lines = append(lines, fmt.Sprintf("• Area max: %.1fm²", *f.AreaMax))
	}
	if f.RoomsMin != nil {
		lines = append(lines, fmt.Sprintf("• Rooms min: %d", *f.RoomsMin))
	}
	if f.RoomsMax != nil {
		lines = append(lines, fmt.Sprintf("• Rooms max: %d", *f.RoomsMax))
	}
	if f.County != nil {
		lines = append(lines, fmt.Sprintf("• County: %d", *f.County))
	}
	if f.DealType != nil {
		lines = append(lines, fmt.Sprintf("• Deal type: %s", *f.DealType))
	}
	if len(lines) == 0 {
		return "• No filters set (showing all listings)\n"
	}
	return strings.Join(lines, "\n") + "\n"
}

func (b *Bot) handleMode(chatID int64, args string) {
	mode := models.NotificationMode(strings.ToLower(args))
	if !mode.Valid() {
		b.reply(chatID, "Usage: /mode immediate|daily|weekly")
		return
	}
	if !b.ensureUser(chatID) {
		return
	}
	err := b.users.Update(chatID, func(p *models.UserPreference) error {
		p.Mode = mode
		return nil
	})
	if err != nil {
		log.Printf("Failed to set mode for %d: %v", chatID, err)
		b.reply(chatID, "⚠️ Something went wrong, please try again.")
		return
	}
	b.reply(chatID, fmt.Sprintf("🔔 Notification mode set to <b>%s</b>. Buffered listings carry over.", mode))
}

// setIntFilter parses and validates an integer filter value, rejecting
// anything that would persist an invalid or inverted range.
func (b *Bot) setIntFilter(chatID int64, args, field string) {
	value, err := strconv.Atoi(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /set_%s <number>", field))
		return
	}
	b.applyFilter(chatID, field, func(f *models.FilterSet) error {
		switch field {
		case "price_min":
			if f.PriceMax != nil && value > *f.PriceMax {
				return fmt.Errorf("%w: price_min %d exceeds price_max %d", models.ErrInvalidFilter, value, *f.PriceMax)
			}
			f.PriceMin = &value
		case "price_max":
			if f.PriceMin != nil && value < *f.PriceMin {
				return fmt.Errorf("%w: price_max %d is below price_min %d", models.ErrInvalidFilter, value, *f.PriceMin)
			}
			f.PriceMax = &value
		case "rooms_min":
			if f.RoomsMax != nil && value > *f.RoomsMax {
				return fmt.Errorf("%w: rooms_min %d exceeds rooms_max %d", models.ErrInvalidFilter, value, *f.RoomsMax)
			}
			f.RoomsMin = &value
		case "rooms_max":
			if f.RoomsMin != nil && value < *f.RoomsMin {
				return fmt.Errorf("%w: rooms_max %d is below rooms_min %d", models.ErrInvalidFilter, value, *f.RoomsMin)
			}
			f.RoomsMax = &value
		case "county":
			f.County = &value
		}
		return nil
	})
}

func (b *Bot) setFloatFilter(chatID int64, args, field string) {
	value, err := strconv.ParseFloat(args, 64)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /set_%s <number>", field))
		return
	}
	b.applyFilter(chatID, field, func(f *models.FilterSet) error {
		switch field {
		case "area_min":
			if f.AreaMax != nil && value > *f.AreaMax {
				return fmt.Errorf("%w: area_min %.1f exceeds area_max %.1f", models.ErrInvalidFilter, value, *f.AreaMax)
			}
			f.AreaMin = &value
		case "area_max":
			if f.AreaMin != nil && value < *f.AreaMin {
				return fmt.Errorf("%w: area_max %.1f is below area_min %.1f", models.ErrInvalidFilter, value, *f.AreaMin)
			}
			f.AreaMax = &value
		}
		return nil
	})
}

func (b *Bot) handleSetDeal(chatID int64, args string) {
	deal := models.DealType(strings.ToLower(args))
	if !deal.Valid() {
		b.reply(chatID, "Usage: /set_deal sale|rent")
		return
	}
	b.applyFilter(chatID, "deal_type", func(f *models.FilterSet) error {
		f.DealType = &deal
		return nil
	})
}

// applyFilter mutates one filter field, validates the whole set and persists
// only if valid. An invalid value is reported back and never stored.
func (b *Bot) applyFilter(chatID int64, field string, mutate func(*models.FilterSet) error) {
	if !b.ensureUser(chatID) {
		return
	}
	err := b.users.Update(chatID, func(p *models.UserPreference) error {
		if err := mutate(&p.Filters); err != nil {
			return err
		}
		return p.Filters.Validate()
	})
	if errors.Is(err, models.ErrInvalidFilter) {
		b.reply(chatID, fmt.Sprintf("🚫 Not saved: %v", err))
		return
	}
	if err != nil {
		log.Printf("Failed to set %s for %d: %v", field, chatID, err)
		b.reply(chatID, "⚠️ Something went wrong, please try again.")
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ Filter %s updated. See /settings for the full set.", field))
}

func (b *Bot) handleClearFilters(chatID int64) {
	if !b.ensureUser(chatID) {
		return
	}
	err := b.users.Update(chatID, func(p *models.UserPreference) error {
		p.Filters = models.FilterSet{}
		return nil
	})
	if err != nil {
		log.Printf("Failed to clear filters for %d: %v", chatID, err)
		b.reply(chatID, "⚠️ Something went wrong, please try again.")
		return
	}
	b.reply(chatID, "🧹 All filters cleared.")
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	p, err := b.users.Get(chatID)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(chatID, "🚫 You need to /start the bot first!")
		return
	}
	if err != nil {
		log.Printf("Failed to load user %d: %v", chatID, err)
		return
	}

	params := searchParamsFor(p.Filters)
	listings, err := b.fetcher.Fetch(ctx, params)
	if err != nil {
		log.Printf("On-demand fetch for %d failed: %v", chatID, err)
		b.reply(chatID, "⚠️ Could not fetch listings right now. Try again later.")
		return
	}

	shown := 0
	for _, l := range listings {
		if l.SellerType != models.SellerOwner || !matcher.Matches(l, p.Filters) {
			continue
		}
		b.reply(chatID, dispatcher.FormatListing(l))
		shown++
		if shown >= maxListResults {
			break
		}
	}
	if shown == 0 {
		b.reply(chatID, "📭 No listings match your filters at the moment.")
	}
}

func (b *Bot) handleCheck(chatID int64) {
	select {
	case b.checkNow <- struct{}{}:
		b.reply(chatID, "🔎 Checking for new listings now...")
	default:
		b.reply(chatID, "🔎 A check is already in progress.")
	}
}

// ensureUser creates the user record on first contact. A store failure is
// logged and reported back, and the caller must stop: continuing would
// silently drop the command.
func (b *Bot) ensureUser(chatID int64) bool {
	_, err := b.users.Get(chatID)
	if errors.Is(err, store.ErrNotFound) {
		err = b.users.Put(models.NewUserPreference(chatID))
	}
	if err != nil {
		log.Printf("Failed to ensure user %d: %v", chatID, err)
		b.reply(chatID, "⚠️ Something went wrong, please try again.")
		return false
	}
	return true
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true
	if _, err := b.send(msg); err != nil {
		log.Printf("Failed to send reply to %d: %v", chatID, err)
	}
}

// searchParamsFor narrows the on-demand search to the user's own filters.
func searchParamsFor(f models.FilterSet) scraper.SearchParams {
	params := scraper.SearchParams{}
	if f.County != nil {
		params.County = *f.County
	}
	if f.DealType != nil {
		params.DealType = *f.DealType
	}
	if f.PriceMin != nil {
		params.PriceMin = *f.PriceMin
	}
	if f.PriceMax != nil {
		params.PriceMax = *f.PriceMax
	}
	return params
}
