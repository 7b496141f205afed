package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/mediaserver/dbopen"
)

// Schema creates the action table. params holds the canonical Params.Key,
// so equal parameter sets compare equal in SQL.
const Schema = `
CREATE TABLE IF NOT EXISTS action_records (
	id            TEXT PRIMARY KEY,
	work_id       TEXT NOT NULL,
	action_name   TEXT NOT NULL,
	params        TEXT NOT NULL DEFAULT '{}',
	request_time  INTEGER NOT NULL,
	start_time    INTEGER,
	end_time      INTEGER,
	CHECK (end_time IS NULL OR start_time IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_action_unfinished
	ON action_records (work_id, action_name, params) WHERE end_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_action_requested
	ON action_records (request_time) WHERE start_time IS NULL AND end_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_action_finished
	ON action_records (work_id, action_name, end_time);
`

// Store persists action records in SQLite.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database and applies the schema.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("actions: schema: %w", err)
	}
	return &Store{DB: db}, nil
}

const recordColumns = `id, work_id, action_name, params, request_time, start_time, end_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var key string
	var req int64
	var start, end sql.NullInt64
	if err := sc.Scan(&r.ID, &r.WorkID, &r.Action, &key, &req, &start, &end); err != nil {
		return nil, err
	}
	p, err := parseParams(key)
	if err != nil {
		return nil, fmt.Errorf("actions: record %s: params: %w", r.ID, err)
	}
	r.Params = p
	r.RequestTime = time.UnixMilli(req)
	switch {
	case end.Valid:
		r.Status = Completed{Started: time.UnixMilli(start.Int64), At: time.UnixMilli(end.Int64)}
	case start.Valid:
		r.Status = Running{Since: time.UnixMilli(start.Int64)}
	default:
		r.Status = Requested{}
	}
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Insert stores a new Requested record. It fails with ErrDuplicateRequest
// when an unfinished record with the same identity exists.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO action_records (id, work_id, action_name, params, request_time) VALUES (?,?,?,?,?)`,
		r.ID, r.WorkID, r.Action, r.Params.Key(), r.RequestTime.UnixMilli())
	if dbopen.IsUniqueViolation(err) {
		return ErrDuplicateRequest
	}
	return err
}

// Get returns the record with id, or ErrNoRecord.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	return r, err
}

// FindUnfinished returns the Requested or Running record for an identity,
// or ErrNoRecord.
func (s *Store) FindUnfinished(ctx context.Context, workID, action string, params Params) (*Record, error) {
	r, err := scanRecord(s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records
		 WHERE work_id = ? AND action_name = ? AND params = ? AND end_time IS NULL`,
		workID, action, params.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	return r, err
}

// MarkStarted moves a Requested record to Running. It fails with
// ErrAlreadyRunning when the record has started, and ErrNoRecord when it is
// gone or completed.
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE action_records SET start_time = ? WHERE id = ? AND start_time IS NULL AND end_time IS NULL`,
			at.UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var start, end sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT start_time, end_time FROM action_records WHERE id = ?`, id).Scan(&start, &end)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNoRecord
		case err != nil:
			return err
		case start.Valid && !end.Valid:
			return ErrAlreadyRunning
		}
		return ErrNoRecord
	})
}

// MarkCompleted moves a Running record to Completed.
func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE action_records SET end_time = ? WHERE id = ? AND start_time IS NOT NULL AND end_time IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRecord
	}
	return nil
}

// MarkRequested returns a Running record to Requested.
func (s *Store) MarkRequested(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE action_records SET start_time = NULL WHERE id = ? AND end_time IS NULL`, id)
	return err
}

// ListRequested returns Requested records, oldest request first. limit <= 0
// lists all.
func (s *Store) ListRequested(ctx context.Context, limit int) ([]*Record, error) {
	q := `SELECT ` + recordColumns + ` FROM action_records
		WHERE start_time IS NULL AND end_time IS NULL
		ORDER BY request_time ASC, id ASC`
	if limit > 0 {
		return s.queryRecords(ctx, q+` LIMIT ?`, limit)
	}
	return s.queryRecords(ctx, q)
}

// ListByWork returns every record of a work, newest request first.
func (s *Store) ListByWork(ctx context.Context, workID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM action_records
		WHERE work_id = ? ORDER BY request_time DESC, id DESC LIMIT ?`, workID, limit)
}

// LastPerformed returns the most recently completed record, or ErrNoRecord.
func (s *Store) LastPerformed(ctx context.Context, workID, action string) (*Record, error) {
	r, err := scanRecord(s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records
		 WHERE work_id = ? AND action_name = ? AND end_time IS NOT NULL
		 ORDER BY end_time DESC LIMIT 1`, workID, action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	return r, err
}

// ResetStale returns records Running since before cutoff to Requested. A
// process that died mid-run leaves such records behind.
func (s *Store) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE action_records SET start_time = NULL
		 WHERE start_time IS NOT NULL AND end_time IS NULL AND start_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
