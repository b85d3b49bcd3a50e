/*
 * Timegate
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package lite implements the attendance queue on top of SQLite,
// which is the authoritative store on edge deployments.
package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/queue"
)

// slowTransactionThreshold triggers a warning log for long transactions.
const slowTransactionThreshold = time.Second

const schema = `
CREATE TABLE IF NOT EXISTS attendance_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    event TEXT NOT NULL,
    batch_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    first_seen_at INTEGER NOT NULL,
    last_attempt_at INTEGER,
    synced_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS attendance_queue_fingerprint
    ON attendance_queue (fingerprint);
CREATE INDEX IF NOT EXISTS attendance_queue_pending
    ON attendance_queue (first_seen_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS attendance_queue_batch
    ON attendance_queue (batch_id) WHERE batch_id != '';
`

// Config sets up the SQLite queue.
type Config struct {
	// Path is the directory the database file is created in.
	Path string
	// Memory, if set, backs the queue by an in-process database.
	// Used by tests; a memory-backed queue does not survive restarts.
	Memory bool
	// BusyTimeout sets the SQLite busy timeout in milliseconds.
	BusyTimeout int
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" && !c.Memory {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ConnectionURI returns the SQLite connection URI for the config.
func (c *Config) ConnectionURI() string {
	if c.Memory {
		return "file::memory:?mode=memory&cache=shared&_txlock=immediate"
	}
	busyTimeout := 10000
	if c.BusyTimeout > 0 {
		busyTimeout = c.BusyTimeout
	}
	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(busyTimeout))
	params.Set("_txlock", "immediate")
	// escape the path but keep the separators so SQLite can resolve it
	escaped := (&url.URL{Path: filepath.Join(c.Path, defaults.QueueDBFile)}).EscapedPath()
	u := url.URL{
		Scheme:   "file",
		Opaque:   escaped,
		RawQuery: params.Encode(),
	}
	return u.String()
}

// Queue is the SQLite backed attendance queue.
type Queue struct {
	Config
	*log.Entry
	db *sql.DB
}

// New returns a new instance of the SQLite queue. The database file and
// schema are created if missing.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.Memory {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.ConnectionURI())
	if err != nil {
		return nil, trace.Wrap(err, "failed to open database at %v", cfg.Path)
	}
	// serialized access avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to create schema")
	}
	l := &Queue{
		Config: cfg,
		Entry:  log.WithField(timegate.ComponentKey, timegate.ComponentQueue),
		db:     db,
	}
	return l, nil
}

// Lookup returns the entry with the given fingerprint.
func (l *Queue) Lookup(ctx context.Context, fingerprint string) (*queue.Entry, error) {
	if fingerprint == "" {
		return nil, trace.BadParameter("missing parameter fingerprint")
	}
	var entry *queue.Entry
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = getByFingerprint(ctx, tx, fingerprint)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

// Enqueue inserts a pending entry unless the fingerprint is already known.
func (l *Queue) Enqueue(ctx context.Context, event attendance.Event, fingerprint, batchID string) (*queue.EnqueueResult, error) {
	if fingerprint == "" {
		return nil, trace.BadParameter("missing parameter fingerprint")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var result queue.EnqueueResult
	err = l.inTransaction(ctx, func(tx *sql.Tx) error {
		existing, err := getByFingerprint(ctx, tx, fingerprint)
		if err == nil {
			result = queue.EnqueueResult{Entry: *existing, Created: false}
			return nil
		}
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		now := l.Clock.Now().UTC()
		res, err := tx.ExecContext(ctx,
			"INSERT INTO attendance_queue (fingerprint, event, batch_id, state, first_seen_at) VALUES (?, ?, ?, ?, ?)",
			fingerprint, string(payload), batchID, string(queue.StatePending), now.UnixNano())
		if err != nil {
			return trace.Wrap(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		result = queue.EnqueueResult{
			Entry: queue.Entry{
				ID:          id,
				Fingerprint: fingerprint,
				Event:       event,
				BatchID:     batchID,
				State:       queue.StatePending,
				FirstSeenAt: now,
			},
			Created: true,
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &result, nil
}

// Claim returns up to limit pending entries eligible for another attempt,
// oldest first. The enclosing transaction serialises concurrent claimers.
func (l *Queue) Claim(ctx context.Context, limit, maxAttempts int) ([]queue.Entry, error) {
	if limit <= 0 {
		return nil, trace.BadParameter("limit must be positive, got %v", limit)
	}
	var entries []queue.Entry
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			selectColumns+" FROM attendance_queue WHERE state = ? AND attempts < ? ORDER BY first_seen_at ASC, id ASC LIMIT ?",
			string(queue.StatePending), maxAttempts, limit)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		entries, err = scanEntries(rows)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// ClaimByID returns the listed entries, skipping missing or synced ones.
// Attempt caps are deliberately not applied: this is the force-sync path.
func (l *Queue) ClaimByID(ctx context.Context, ids []int64) ([]queue.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var entries []queue.Entry
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			selectColumns+" FROM attendance_queue WHERE id = ? AND state != ?")
		if err != nil {
			return trace.Wrap(err)
		}
		defer stmt.Close()
		for _, id := range ids {
			rows, err := stmt.QueryContext(ctx, id, string(queue.StateSynced))
			if err != nil {
				return trace.Wrap(err)
			}
			found, err := scanEntries(rows)
			rows.Close()
			if err != nil {
				return trace.Wrap(err)
			}
			entries = append(entries, found...)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// MarkSynced transitions a pending entry to synced.
func (l *Queue) MarkSynced(ctx context.Context, id int64) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		entry, err := getByID(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		switch entry.State {
		case queue.StateSynced:
			// retrying a completed transition is not an error
			return nil
		case queue.StatePending:
		default:
			return trace.CompareFailed("cannot mark entry %v synced from state %q", id, entry.State)
		}
		now := l.Clock.Now().UTC()
		_, err = tx.ExecContext(ctx,
			"UPDATE attendance_queue SET state = ?, synced_at = ? WHERE id = ?",
			string(queue.StateSynced), now.UnixNano(), id)
		return trace.Wrap(err)
	})
}

// MarkFailed records a failed submission attempt and parks the entry as
// failed_terminal once the attempt budget is spent.
func (l *Queue) MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) (*queue.FailResult, error) {
	var result queue.FailResult
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		entry, err := getByID(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		if entry.State == queue.StateSynced {
			return trace.CompareFailed("cannot mark synced entry %v failed", id)
		}
		attempts := entry.Attempts + 1
		state := queue.StatePending
		if attempts >= maxAttempts {
			state = queue.StateFailedTerminal
		}
		now := l.Clock.Now().UTC()
		_, err = tx.ExecContext(ctx,
			"UPDATE attendance_queue SET state = ?, attempts = ?, last_error = ?, last_attempt_at = ? WHERE id = ?",
			string(state), attempts, errMsg, now.UnixNano(), id)
		if err != nil {
			return trace.Wrap(err)
		}
		result = queue.FailResult{Attempts: attempts, Terminal: state == queue.StateFailedTerminal}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result.Terminal {
		l.WithField("id", id).WithField("attempts", result.Attempts).Warn("Entry exhausted its retry budget.")
	}
	return &result, nil
}

// ResetTerminal returns all failed_terminal entries to the pipeline.
func (l *Queue) ResetTerminal(ctx context.Context) (int, error) {
	var count int
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE attendance_queue SET state = ?, attempts = 0, last_error = NULL WHERE state = ?",
			string(queue.StatePending), string(queue.StateFailedTerminal))
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// Prune deletes synced entries older than the retention horizon.
func (l *Queue) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var count int
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM attendance_queue WHERE state = ? AND synced_at < ?",
			string(queue.StateSynced), olderThan.UTC().UnixNano())
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// PendingEntries returns up to limit pending entries, oldest first.
func (l *Queue) PendingEntries(ctx context.Context, limit int) ([]queue.Entry, error) {
	query := selectColumns + " FROM attendance_queue WHERE state = ? ORDER BY first_seen_at ASC, id ASC"
	args := []any{string(queue.StatePending)}
	if limit != queue.NoLimit {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var entries []queue.Entry
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		entries, err = scanEntries(rows)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// GetBatch returns all entries of one batch, oldest first.
func (l *Queue) GetBatch(ctx context.Context, batchID string) ([]queue.Entry, error) {
	if batchID == "" {
		return nil, trace.BadParameter("missing parameter batchID")
	}
	var entries []queue.Entry
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			selectColumns+" FROM attendance_queue WHERE batch_id = ? ORDER BY first_seen_at ASC, id ASC", batchID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		entries, err = scanEntries(rows)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// Stats returns entry counts by state.
func (l *Queue) Stats(ctx context.Context) (*queue.Stats, error) {
	var stats queue.Stats
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT state, COUNT(*) FROM attendance_queue GROUP BY state")
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var state string
			var count int
			if err := rows.Scan(&state, &count); err != nil {
				return trace.Wrap(err)
			}
			switch queue.State(state) {
			case queue.StatePending:
				stats.Pending = count
			case queue.StateSynced:
				stats.Synced = count
			case queue.StateFailedTerminal:
				stats.FailedTerminal = count
			}
			stats.Total += count
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &stats, nil
}

// Close closes the database.
func (l *Queue) Close() error {
	return trace.Wrap(l.db.Close())
}

const selectColumns = "SELECT id, fingerprint, event, batch_id, state, attempts, last_error, first_seen_at, last_attempt_at, synced_at"

func getByFingerprint(ctx context.Context, tx *sql.Tx, fingerprint string) (*queue.Entry, error) {
	row := tx.QueryRowContext(ctx,
		selectColumns+" FROM attendance_queue WHERE fingerprint = ?", fingerprint)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("record %v is not found", fingerprint)
		}
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

func getByID(ctx context.Context, tx *sql.Tx, id int64) (*queue.Entry, error) {
	row := tx.QueryRowContext(ctx,
		selectColumns+" FROM attendance_queue WHERE id = ?", id)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("entry %v is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*queue.Entry, error) {
	var entry queue.Entry
	var payload, state string
	var lastError sql.NullString
	var firstSeen int64
	var lastAttempt, syncedAt sql.NullInt64
	err := row.Scan(&entry.ID, &entry.Fingerprint, &payload, &entry.BatchID,
		&state, &entry.Attempts, &lastError, &firstSeen, &lastAttempt, &syncedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &entry.Event); err != nil {
		return nil, trace.Wrap(err)
	}
	entry.State = queue.State(state)
	entry.LastError = lastError.String
	entry.FirstSeenAt = time.Unix(0, firstSeen).UTC()
	if lastAttempt.Valid {
		entry.LastAttemptAt = time.Unix(0, lastAttempt.Int64).UTC()
	}
	if syncedAt.Valid {
		entry.SyncedAt = time.Unix(0, syncedAt.Int64).UTC()
	}
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]queue.Entry, error) {
	var entries []queue.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		entries = append(entries, *entry)
	}
	return entries, trace.Wrap(rows.Err())
}

func (l *Queue) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		diff := time.Since(start)
		if diff > slowTransactionThreshold {
			l.WithField("duration", diff).Warn("Slow transaction.")
		}
	}()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	commit := func() error {
		return tx.Commit()
	}
	rollback := func() error {
		return tx.Rollback()
	}
	defer func() {
		if r := recover(); r != nil {
			l.Errorf("Unexpected panic in inTransaction: %v.", r)
			rollback()
			panic(r)
		}
		if err != nil && !trace.IsNotFound(err) {
			if e2 := rollback(); e2 != nil {
				l.WithError(e2).Error("Failed to rollback.")
			}
			return
		}
		if e2 := commit(); e2 != nil {
			err = trace.Wrap(e2)
		}
	}()
	err = fn(tx)
	if err != nil {
		err = trace.Wrap(err)
	}
	return err
}
