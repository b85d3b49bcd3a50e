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

// Package memory implements the attendance queue in process memory.
// It holds the same contract as the SQLite queue but does not survive
// restarts; it backs tests and explicitly ephemeral deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/queue"
)

// Config sets up the memory queue.
type Config struct {
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Queue is an in-memory attendance queue.
type Queue struct {
	Config

	mu      sync.Mutex
	nextID  int64
	entries map[string]*queue.Entry // keyed by fingerprint
	byID    map[int64]*queue.Entry
}

// New returns a new in-memory queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		Config:  cfg,
		nextID:  1,
		entries: make(map[string]*queue.Entry),
		byID:    make(map[int64]*queue.Entry),
	}, nil
}

// Lookup returns the entry with the given fingerprint.
func (m *Queue) Lookup(ctx context.Context, fingerprint string) (*queue.Entry, error) {
	if fingerprint == "" {
		return nil, trace.BadParameter("missing parameter fingerprint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil, trace.NotFound("record %v is not found", fingerprint)
	}
	copy := *entry
	return &copy, nil
}

// Enqueue inserts a pending entry unless the fingerprint is already known.
func (m *Queue) Enqueue(ctx context.Context, event attendance.Event, fingerprint, batchID string) (*queue.EnqueueResult, error) {
	if fingerprint == "" {
		return nil, trace.BadParameter("missing parameter fingerprint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[fingerprint]; ok {
		return &queue.EnqueueResult{Entry: *existing, Created: false}, nil
	}
	entry := &queue.Entry{
		ID:          m.nextID,
		Fingerprint: fingerprint,
		Event:       event,
		BatchID:     batchID,
		State:       queue.StatePending,
		FirstSeenAt: m.Clock.Now().UTC(),
	}
	m.nextID++
	m.entries[fingerprint] = entry
	m.byID[entry.ID] = entry
	return &queue.EnqueueResult{Entry: *entry, Created: true}, nil
}

// Claim returns up to limit pending entries eligible for another attempt,
// oldest first.
func (m *Queue) Claim(ctx context.Context, limit, maxAttempts int) ([]queue.Entry, error) {
	if limit <= 0 {
		return nil, trace.BadParameter("limit must be positive, got %v", limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := m.pendingLocked(func(e *queue.Entry) bool {
		return e.Attempts < maxAttempts
	})
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	return claimed, nil
}

// ClaimByID returns the listed entries, skipping missing or synced ones.
func (m *Queue) ClaimByID(ctx context.Context, ids []int64) ([]queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []queue.Entry
	for _, id := range ids {
		entry, ok := m.byID[id]
		if !ok || entry.State == queue.StateSynced {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// MarkSynced transitions a pending entry to synced.
func (m *Queue) MarkSynced(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return trace.NotFound("entry %v is not found", id)
	}
	switch entry.State {
	case queue.StateSynced:
		return nil
	case queue.StatePending:
	default:
		return trace.CompareFailed("cannot mark entry %v synced from state %q", id, entry.State)
	}
	entry.State = queue.StateSynced
	entry.SyncedAt = m.Clock.Now().UTC()
	return nil
}

// MarkFailed records a failed submission attempt.
func (m *Queue) MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) (*queue.FailResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, trace.NotFound("entry %v is not found", id)
	}
	if entry.State == queue.StateSynced {
		return nil, trace.CompareFailed("cannot mark synced entry %v failed", id)
	}
	entry.Attempts++
	entry.LastError = errMsg
	entry.LastAttemptAt = m.Clock.Now().UTC()
	if entry.Attempts >= maxAttempts {
		entry.State = queue.StateFailedTerminal
	}
	return &queue.FailResult{
		Attempts: entry.Attempts,
		Terminal: entry.State == queue.StateFailedTerminal,
	}, nil
}

// ResetTerminal returns all failed_terminal entries to the pipeline.
func (m *Queue) ResetTerminal(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if entry.State != queue.StateFailedTerminal {
			continue
		}
		entry.State = queue.StatePending
		entry.Attempts = 0
		entry.LastError = ""
		count++
	}
	return count, nil
}

// Prune deletes synced entries older than the retention horizon.
func (m *Queue) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for fp, entry := range m.entries {
		if entry.State != queue.StateSynced || !entry.SyncedAt.Before(olderThan) {
			continue
		}
		delete(m.entries, fp)
		delete(m.byID, entry.ID)
		count++
	}
	return count, nil
}

// PendingEntries returns up to limit pending entries, oldest first.
func (m *Queue) PendingEntries(ctx context.Context, limit int) ([]queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingLocked(nil)
	if limit != queue.NoLimit && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// GetBatch returns all entries of one batch, oldest first.
func (m *Queue) GetBatch(ctx context.Context, batchID string) ([]queue.Entry, error) {
	if batchID == "" {
		return nil, trace.BadParameter("missing parameter batchID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []queue.Entry
	for _, entry := range m.entries {
		if entry.BatchID == batchID {
			entries = append(entries, *entry)
		}
	}
	sortByFirstSeen(entries)
	return entries, nil
}

// Stats returns entry counts by state.
func (m *Queue) Stats(ctx context.Context) (*queue.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats queue.Stats
	for _, entry := range m.entries {
		switch entry.State {
		case queue.StatePending:
			stats.Pending++
		case queue.StateSynced:
			stats.Synced++
		case queue.StateFailedTerminal:
			stats.FailedTerminal++
		}
		stats.Total++
	}
	return &stats, nil
}

// Close is a no-op for the memory queue.
func (m *Queue) Close() error {
	return nil
}

// pendingLocked collects pending entries passing the filter, oldest first.
// Callers must hold m.mu.
func (m *Queue) pendingLocked(filter func(*queue.Entry) bool) []queue.Entry {
	var entries []queue.Entry
	for _, entry := range m.entries {
		if entry.State != queue.StatePending {
			continue
		}
		if filter != nil && !filter(entry) {
			continue
		}
		entries = append(entries, *entry)
	}
	sortByFirstSeen(entries)
	return entries
}

func sortByFirstSeen(entries []queue.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].FirstSeenAt.Equal(entries[j].FirstSeenAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].FirstSeenAt.Before(entries[j].FirstSeenAt)
	})
}
