// Package results keeps every audio clip received from the service as a WAV
// file on disk and catalogs them in SQLite so the most recent one can be
// found, listed, shared and resent.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/satindergrewal/gary/internal/protocol"
)

// Kind records which exchange produced a result.
type Kind string

const (
	KindProcessed Kind = "processed"
	KindContinued Kind = "continued"
	KindRetried   Kind = "retried"
	KindCropped   Kind = "cropped"
)

// KindForEvent maps an inbound audio event name to its result kind.
func KindForEvent(event string) Kind {
	switch event {
	case protocol.MusicContinued:
		return KindContinued
	case protocol.MusicRetried:
		return KindRetried
	default:
		return KindProcessed
	}
}

// ErrNotFound is returned when no result matches.
var ErrNotFound = errors.New("result not found")

// Record is one cataloged result file.
type Record struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns a results directory and its catalog.
type Store struct {
	db  *sql.DB
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// Open opens or creates the results directory and catalog. An empty
// catalogPath places the catalog inside dir.
func Open(dir, catalogPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	if catalogPath == "" {
		catalogPath = filepath.Join(dir, "results.db")
	} else if err := os.MkdirAll(filepath.Dir(catalogPath), 0755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", catalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure catalog: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			session_id TEXT DEFAULT '',
			name       TEXT NOT NULL UNIQUE,
			size       INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS results_created ON results (created_at DESC, id DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results table: %w", err)
	}

	return &Store{db: db, dir: dir, now: time.Now}, nil
}

// Close closes the catalog.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the directory result files live in.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes data to a new processedAudio_<uuid>.wav file and catalogs it
// as the newest result.
func (s *Store) Save(ctx context.Context, kind Kind, sessionID string, data []byte) (Record, error) {
	name := fmt.Sprintf("processedAudio_%s.wav", uuid.New())
	rec := Record{
		Kind:      kind,
		SessionID: sessionID,
		Name:      name,
		Path:      filepath.Join(s.dir, name),
		Size:      int64(len(data)),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := rec.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Record{}, fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, rec.Path); err != nil {
		os.Remove(tmp)
		return Record{}, fmt.Errorf("write result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO results (kind, session_id, name, size, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(kind), sessionID, name, rec.Size, rec.CreatedAt.UnixNano())
	if err != nil {
		os.Remove(rec.Path)
		return Record{}, fmt.Errorf("catalog result: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

const selectRecord = `SELECT id, kind, session_id, name, size, created_at FROM results`

func (s *Store) scan(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var kind string
	var created int64
	if err := row.Scan(&rec.ID, &kind, &rec.SessionID, &rec.Name, &rec.Size, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.Path = filepath.Join(s.dir, rec.Name)
	rec.CreatedAt = time.Unix(0, created)
	return rec, nil
}

// Latest returns the most recently created result, or ErrNotFound.
func (s *Store) Latest(ctx context.Context) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(s.db.QueryRowContext(ctx, selectRecord+` ORDER BY created_at DESC, id DESC LIMIT 1`))
}

// Get returns the result with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
}

// Data reads the bytes of the result with the given id.
func (s *Store) Data(ctx context.Context, id int64) ([]byte, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("read result %d: %w", id, err)
	}
	return data, nil
}

// List returns results newest first. limit <= 0 returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := selectRecord + ` ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one result and its file.
func (s *Store) Delete(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete result %d: %w", id, err)
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete result %d: %w", id, err)
	}
	return nil
}

// Clear deletes every result and its file.
func (s *Store) Clear(ctx context.Context) error {
	recs, err := s.List(ctx, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results`); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for _, rec := range recs {
		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear results: %w", err)
		}
	}
	return nil
}
