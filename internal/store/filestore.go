package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

// FileListingStore keeps the seen set in a single JSON file, replaced
// atomically on every mutation via write-then-rename.
type FileListingStore struct {
	mu       sync.Mutex
	path     string
	listings map[string]models.Listing
}

func NewFileListingStore(dataDir string) (*FileListingStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &FileListingStore{
		path:     filepath.Join(dataDir, "listings.json"),
		listings: make(map[string]models.Listing),
	}

	raw, err := loadRecords(s.path)
	if err != nil {
		return nil, err
	}
	for id, rec := range raw {
		var l models.Listing
		if err := json.Unmarshal(rec, &l); err != nil {
			log.Printf("Skipping corrupted listing record %s: %v", id, err)
			continue
		}
		s.listings[id] = l
	}

	return s, nil
}

func (s *FileListingStore) Insert(l models.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return false, nil
	}
	s.listings[l.ID] = l

	if err := s.save(); err != nil {
		delete(s.listings, l.ID)
		return false, err
	}
	return true, nil
}

func (s *FileListingStore) Has(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.listings[id]
	return exists, nil
}

func (s *FileListingStore) Get(id string) (models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, exists := s.listings[id]
	if !exists {
		return models.Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *FileListingStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings), nil
}

func (s *FileListingStore) PruneOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, l := range s.listings {
		if l.FirstSeen.Before(cutoff) {
			delete(s.listings, id)
			pruned++
		}
	}
	if pruned == 0 {
		return 0, nil
	}
	return pruned, s.save()
}

func (s *FileListingStore) Close() error { return nil }

// save must be called with the mutex held.
func (s *FileListingStore) save() error {
	return writeAtomic(s.path, s.listings)
}

// FileUserStore persists user records in a single JSON file. Mutations take
// an exclusive per-user lock so command handling and the scheduler never
// interleave updates of the same record.
type FileUserStore struct {
	mu        sync.RWMutex
	userLocks map[int64]*sync.Mutex
	locksMu   sync.Mutex
	path      string
	users     map[int64]*models.UserPreference
}

func NewFileUserStore(dataDir string) (*FileUserStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &FileUserStore{
		path:      filepath.Join(dataDir, "users.json"),
		users:     make(map[int64]*models.UserPreference),
		userLocks: make(map[int64]*sync.Mutex),
	}

	raw, err := loadRecords(s.path)
	if err != nil {
		return nil, err
	}
	for key, rec := range raw {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			log.Printf("Skipping user record with bad key %q: %v", key, err)
			continue
		}
		var p models.UserPreference
		if err := json.Unmarshal(rec, &p); err != nil {
			log.Printf("Skipping corrupted user record %s: %v", key, err)
			continue
		}
		s.users[chatID] = &p
	}

	return s, nil
}

func (s *FileUserStore) Get(chatID int64) (*models.UserPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.users[chatID]
	if !exists {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *FileUserStore) All() ([]*models.UserPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UserPreference, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *FileUserStore) Put(p *models.UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ChatID] = p.Clone()
	return s.save()
}

func (s *FileUserStore) Update(chatID int64, fn func(*models.UserPreference) error) error {
	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, exists := s.users[chatID]
	s.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[chatID] = updated
	return s.save()
}

func (s *FileUserStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *FileUserStore) Close() error { return nil }

func (s *FileUserStore) lockFor(chatID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, exists := s.userLocks[chatID]
	if !exists {
		lock = &sync.Mutex{}
		s.userLocks[chatID] = lock
	}
	return lock
}

// save must be called with the write lock held.
func (s *FileUserStore) save() error {
	keyed := make(map[string]*models.UserPreference, len(s.users))
	for chatID, p := range s.users {
		keyed[strconv.FormatInt(chatID, 10)] = p
	}
	return writeAtomic(s.path, keyed)
}

// loadRecords reads a JSON object file into raw per-record messages so one
// corrupted record never poisons the rest of the store. A missing file is an
// empty store; an unreadable file is fatal.
func loadRecords(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return raw, nil
}

// writeAtomic marshals v and replaces path with a write-then-rename so a
// crash mid-write never leaves a truncated store behind.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
