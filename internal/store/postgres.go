package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id         TEXT PRIMARY KEY,
	first_seen TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	chat_id BIGINT PRIMARY KEY,
	data    JSONB NOT NULL
);
`

// PostgresListingStore is the database-backed seen set. Row-level insert
// atomicity replaces the file store's mutex.
type PostgresListingStore struct {
	db *sql.DB
}

func NewPostgresListingStore(dsn string) (*PostgresListingStore, error) {
	db, err := openPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresListingStore{db: db}, nil
}

func (s *PostgresListingStore) Insert(l models.Listing) (bool, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("failed to marshal listing %s: %w", l.ID, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO listings (id, first_seen, data) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		l.ID, l.FirstSeen, data,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert listing %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresListingStore) Has(id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresListingStore) Get(id string) (models.Listing, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM listings WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Listing{}, ErrNotFound
	}
	if err != nil {
		return models.Listing{}, err
	}

	var l models.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return models.Listing{}, fmt.Errorf("%w: listing %s: %v", models.ErrDataCorruption, id, err)
	}
	return l, nil
}

func (s *PostgresListingStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, err
}

func (s *PostgresListingStore) PruneOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM listings WHERE first_seen < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresListingStore) Close() error { return s.db.Close() }

// PostgresUserStore keeps the full preference record as JSONB; every mutation
// goes through a row-locked transaction so per-user updates are serialized.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(dsn string) (*PostgresUserStore, error) {
	db, err := openPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresUserStore{db: db}, nil
}

func (s *PostgresUserStore) Get(chatID int64) (*models.UserPreference, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM users WHERE chat_id = $1`, chatID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeUser(chatID, data)
}

func (s *PostgresUserStore) All() ([]*models.UserPreference, error) {
	rows, err := s.db.Query(`SELECT chat_id, data FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UserPreference
	for rows.Next() {
		var chatID int64
		var data []byte
		if err := rows.Scan(&chatID, &data); err != nil {
			return nil, err
		}
		p, err := decodeUser(chatID, data)
		if err != nil {
			log.Printf("Skipping corrupted user record %d: %v", chatID, err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresUserStore) Put(p *models.UserPreference) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal user %d: %w", p.ChatID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO users (chat_id, data) VALUES ($1, $2)
		 ON CONFLICT (chat_id) DO UPDATE SET data = EXCLUDED.data`,
		p.ChatID, data,
	)
	return err
}

func (s *PostgresUserStore) Update(chatID int64, fn func(*models.UserPreference) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRow(`SELECT data FROM users WHERE chat_id = $1 FOR UPDATE`, chatID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	p, err := decodeUser(chatID, data)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}

	updated, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal user %d: %w", chatID, err)
	}
	if _, err := tx.Exec(`UPDATE users SET data = $2 WHERE chat_id = $1`, chatID, updated); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresUserStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *PostgresUserStore) Close() error { return s.db.Close() }

func decodeUser(chatID int64, data []byte) (*models.UserPreference, error) {
	var p models.UserPreference
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: user %d: %v", models.ErrDataCorruption, chatID, err)
	}
	return &p, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}
