package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/p1k4c6u/telegram-kv-bot/internal/config"
	"github.com/p1k4c6u/telegram-kv-bot/internal/dispatcher"
	"github.com/p1k4c6u/telegram-kv-bot/internal/monitor"
	"github.com/p1k4c6u/telegram-kv-bot/internal/scheduler"
	"github.com/p1k4c6u/telegram-kv-bot/internal/scraper"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
	"github.com/p1k4c6u/telegram-kv-bot/internal/telegram"
)

func main() {
	cfg := config.Load()
	if cfg.TelegramToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is not set")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	listings, users, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer listings.Close()
	defer users.Close()

	kvClient := scraper.NewKVClient(cfg.BaseURL, cfg.HTTPTimeout)

	checkNow := make(chan struct{}, 1)
	bot, err := telegram.NewBot(cfg.TelegramToken, users, kvClient, checkNow)
	if err != nil {
		log.Fatalf("Failed to start telegram bot: %v", err)
	}

	disp := dispatcher.New(bot, users, cfg.MaxRetries, cfg.RetryBaseDelay, cfg.MaxDigestItems)
	sched := scheduler.New(users, listings, disp,
		cfg.DailyHour, cfg.WeeklyDay, cfg.WeeklyHour, cfg.DispatchConcurrency)

	bot.Start(ctx)

	listingMonitor := monitor.New(cfg, listings, users, kvClient, sched, checkNow)

	log.Println("Starting KV.ee listing notifier...")
	listingMonitor.Run(ctx)
	log.Println("KV.ee listing notifier stopped gracefully")
}

func openStores(cfg *config.Config) (store.ListingStore, store.UserStore, error) {
	if cfg.StoreBackend == "postgres" {
		listings, err := store.NewPostgresListingStore(cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		users, err := store.NewPostgresUserStore(cfg.DSN())
		if err != nil {
			listings.Close()
			return nil, nil, err
		}
		return listings, users, nil
	}

	listings, err := store.NewFileListingStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	users, err := store.NewFileUserStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return listings, users, nil
}
