// Package catalog stores the work records the media server serves files
// for. Actions read a work's path and flags and update the enabled flag,
// the allowed network and the index time.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/mediaserver/dbopen"
)

// Schema creates the works table.
const Schema = `
CREATE TABLE IF NOT EXISTS works (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	path             TEXT NOT NULL,
	allowed_network  TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1,
	index_time       INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
`

// ErrWorkNotFound is returned when no work has the requested id.
var ErrWorkNotFound = errors.New("catalog: work not found")

// Work is one digitized item.
type Work struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Path           string     `json:"path"`
	AllowedNetwork string     `json:"allowed_network,omitempty"`
	Enabled        bool       `json:"enabled"`
	IndexTime      *time.Time `json:"index_time,omitempty"`
}

// Store is the catalog database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the catalog at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// NewStore wraps an open database and applies the schema.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

const workColumns = `id, title, path, allowed_network, enabled, index_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanWork(sc scanner) (*Work, error) {
	w := &Work{}
	var enabled int
	var indexTime sql.NullInt64
	if err := sc.Scan(&w.ID, &w.Title, &w.Path, &w.AllowedNetwork, &enabled, &indexTime); err != nil {
		return nil, err
	}
	w.Enabled = enabled != 0
	if indexTime.Valid {
		t := time.UnixMilli(indexTime.Int64)
		w.IndexTime = &t
	}
	return w, nil
}

// Get returns the work with id, or ErrWorkNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Work, error) {
	w, err := scanWork(s.DB.QueryRowContext(ctx,
		`SELECT `+workColumns+` FROM works WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return w, nil
}

// Upsert inserts w or replaces the stored record with the same id.
func (s *Store) Upsert(ctx context.Context, w *Work) error {
	now := time.Now().UnixMilli()
	var indexTime any
	if w.IndexTime != nil {
		indexTime = w.IndexTime.UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO works (id, title, path, allowed_network, enabled, index_time, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			path = excluded.path,
			allowed_network = excluded.allowed_network,
			enabled = excluded.enabled,
			index_time = excluded.index_time,
			updated_at = excluded.updated_at`,
		w.ID, w.Title, w.Path, w.AllowedNetwork, boolInt(w.Enabled), indexTime, now, now)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", w.ID, err)
	}
	return nil
}

// List returns the works whose id matches the glob pattern ('*' and '?'),
// ordered by id. An empty pattern matches everything.
func (s *Store) List(ctx context.Context, pattern string) ([]*Work, error) {
	if pattern == "" {
		pattern = "*"
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+workColumns+` FROM works WHERE id GLOB ? ORDER BY id`, pattern)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()
	var works []*Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		works = append(works, w)
	}
	return works, rows.Err()
}

// SetEnabled updates the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, id, `enabled = ?`, boolInt(enabled))
}

// SetAllowedNetwork updates the network name the work is restricted to. An
// empty name lifts the restriction.
func (s *Store) SetAllowedNetwork(ctx context.Context, id, network string) error {
	return s.update(ctx, id, `allowed_network = ?`, network)
}

// SetIndexTime records when the work was last indexed by the viewer.
func (s *Store) SetIndexTime(ctx context.Context, id string, t time.Time) error {
	return s.update(ctx, id, `index_time = ?`, t.UnixMilli())
}

func (s *Store) update(ctx context.Context, id, set string, arg any) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE works SET `+set+`, updated_at = ? WHERE id = ?`, arg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("catalog: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
