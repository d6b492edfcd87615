// Package monitor drives the periodic ingestion cycle: fetch candidates,
// drop agency listings, dedup against the listing store and hand new
// discoveries to the scheduler over a work queue.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/p1k4c6u/telegram-kv-bot/internal/config"
	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
	"github.com/p1k4c6u/telegram-kv-bot/internal/scheduler"
	"github.com/p1k4c6u/telegram-kv-bot/internal/scraper"
	"github.com/p1k4c6u/telegram-kv-bot/internal/store"
)

// Stats is the observable state of the monitor, served on /stats.
type Stats struct {
	CyclesRun          int       `json:"cycles_run"`
	ScrapeFailures     int       `json:"scrape_failures"`
	NewListings        int       `json:"new_listings"`
	ListingsSeen       int       `json:"listings_seen"`
	Users              int       `json:"users"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
	LastCycleSucceeded bool      `json:"last_cycle_succeeded"`
}

type Monitor struct {
	cfg      *config.Config
	listings store.ListingStore
	users    store.UserStore
	fetcher  scraper.Fetcher
	sched    *scheduler.Scheduler

	checkNow   <-chan struct{}
	discovered chan []models.Listing
	server     *http.Server

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

func New(cfg *config.Config, listings store.ListingStore, users store.UserStore,
	fetcher scraper.Fetcher, sched *scheduler.Scheduler, checkNow <-chan struct{}) *Monitor {
	return &Monitor{
		cfg:        cfg,
		listings:   listings,
		users:      users,
		fetcher:    fetcher,
		sched:      sched,
		checkNow:   checkNow,
		discovered: make(chan []models.Listing, 1),
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled. Shutdown is a graceful drain: no new
// cycle starts, the scheduling queue is drained, in-flight dispatches finish.
// Buffered daily/weekly notifications are already durable in the user store,
// so nothing else needs flushing.
func (m *Monitor) Run(ctx context.Context) {
	m.startHTTPServer()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Dispatches run against the background context so an in-flight
		// batch completes during teardown instead of being cut off.
		drainCtx := context.Background()
		for batch := range m.discovered {
			m.dispatch(drainCtx, batch)
		}
	}()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("Monitor started, polling every %v", m.cfg.PollInterval)
	m.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			close(m.discovered)
			wg.Wait()
			m.shutdownHTTP()
			log.Println("Monitor stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		case <-m.checkNow:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	fresh := m.runCycle(ctx)
	// Hand off even an empty batch so the buffered-digest tick still runs
	// each cycle, and runs on the same goroutine as immediate dispatch.
	// Deliveries to one user must never interleave.
	select {
	case m.discovered <- fresh:
	case <-ctx.Done():
		if len(fresh) > 0 {
			// Drop the handoff; the listings are already marked seen and a
			// restart re-discovers nothing, which beats duplicate delivery.
			log.Printf("Shutdown before scheduling %d listings", len(fresh))
		}
	}
}

// dispatch runs one scheduling pass for a cycle's discoveries. New listings
// and due digest flushes are processed sequentially here so the per-user
// ordering guarantee holds across both paths.
func (m *Monitor) dispatch(ctx context.Context, batch []models.Listing) {
	if len(batch) > 0 {
		m.sched.HandleNew(ctx, batch)
	}
	m.sched.Tick(ctx)
}

// runCycle performs one ingestion pass and returns the newly discovered
// listings. A failed or empty scrape mutates nothing.
func (m *Monitor) runCycle(ctx context.Context) []models.Listing {
	params := m.baselineParams()

	candidates, err := m.fetcher.Fetch(ctx, params)

	m.mu.Lock()
	m.stats.CyclesRun++
	m.stats.LastCycleAt = m.now()
	m.stats.LastCycleSucceeded = err == nil
	if err != nil {
		m.stats.ScrapeFailures++
	}
	m.mu.Unlock()

	if err != nil {
		log.Printf("Scrape failed, retrying next cycle: %v", err)
		return nil
	}

	now := m.now()
	var fresh []models.Listing
	for _, l := range candidates {
		if l.SellerType != models.SellerOwner {
			continue
		}
		l.FirstSeen = now

		inserted, err := m.listings.Insert(l)
		if err != nil {
			log.Printf("Failed to store listing %s: %v", l.ID, err)
			continue
		}
		if inserted {
			fresh = append(fresh, l)
		}
	}

	m.mu.Lock()
	m.stats.NewListings += len(fresh)
	m.mu.Unlock()

	if len(fresh) > 0 {
		log.Printf("Discovered %d new listings", len(fresh))
	}

	if m.cfg.SeenRetention > 0 {
		pruned, err := m.listings.PruneOlderThan(now.Add(-m.cfg.SeenRetention))
		if err != nil {
			log.Printf("Pruning failed: %v", err)
		} else if pruned > 0 {
			log.Printf("Pruned %d listings older than %v", pruned, m.cfg.SeenRetention)
		}
	}

	return fresh
}

// baselineParams computes the broadest search superset across subscribed
// users: a field is constrained only when every subscribed user constrains
// it, otherwise the search stays open so nobody's match is missed.
func (m *Monitor) baselineParams() scraper.SearchParams {
	params := scraper.SearchParams{}

	users, err := m.users.All()
	if err != nil {
		log.Printf("Failed to load users for baseline search: %v", err)
		return params
	}

	first := true
	sharedCounty, sharedDeal := 0, models.DealType("")
	lowestMin, highestMax := 0, 0
	allHaveMin, allHaveMax := true, true

	for _, u := range users {
		if !u.Subscribed {
			continue
		}
		f := u.Filters

		county := 0
		if f.County != nil {
			county = *f.County
		}
		deal := models.DealType("")
		if f.DealType != nil {
			deal = *f.DealType
		}

		if first {
			sharedCounty, sharedDeal = county, deal
		} else {
			if county != sharedCounty {
				sharedCounty = 0
			}
			if deal != sharedDeal {
				sharedDeal = ""
			}
		}

		if f.PriceMin == nil {
			allHaveMin = false
		} else if first || *f.PriceMin < lowestMin {
			lowestMin = *f.PriceMin
		}
		if f.PriceMax == nil {
			allHaveMax = false
		} else if first || *f.PriceMax > highestMax {
			highestMax = *f.PriceMax
		}

		first = false
	}

	if first {
		// No subscribed users; keep polling unfiltered so the seen set
		// still advances.
		return params
	}

	params.County = sharedCounty
	params.DealType = sharedDeal
	if allHaveMin {
		params.PriceMin = lowestMin
	}
	if allHaveMax {
		params.PriceMax = highestMax
	}
	return params
}

// startHTTPServer assigns the server before the listener goroutine starts,
// so shutdownHTTP never races the assignment.
func (m *Monitor) startHTTPServer() {
	r := mux.NewRouter()
	r.HandleFunc("/health", m.healthHandler).Methods("GET")
	r.HandleFunc("/stats", m.statsHandler).Methods("GET")

	m.server = &http.Server{
		Addr:    ":" + m.cfg.ServerPort,
		Handler: r,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
}

func (m *Monitor) shutdownHTTP() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
}

func (m *Monitor) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, m.now().Format(time.RFC3339))
}

func (m *Monitor) statsHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()

	if n, err := m.listings.Count(); err == nil {
		stats.ListingsSeen = n
	}
	if n, err := m.users.Count(); err == nil {
		stats.Users = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("Failed to encode stats: %v", err)
	}
}
