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

// Package queue provides the durable attendance queue abstraction layer.
//
// The queue is the gateway's source of truth for every accepted event:
// an entry is created when an event is ingested, transitions to synced
// once the upstream accepted it, or to failed_terminal once its retry
// budget is exhausted. Entries are keyed by the event fingerprint, which
// makes enqueue idempotent under client retries and batch replays.
package queue

import (
	"context"
	"time"

	"github.com/gravitational/timegate/lib/attendance"
)

// State is the lifecycle state of a queue entry.
type State string

const (
	// StatePending means the entry awaits upstream delivery.
	StatePending State = "pending"
	// StateSynced means the upstream accepted the entry. Terminal:
	// synced entries are never mutated, only pruned by retention.
	StateSynced State = "synced"
	// StateFailedTerminal means the entry exhausted its retry budget.
	// Operator action (ResetTerminal) returns it to the pipeline.
	StateFailedTerminal State = "failed_terminal"
)

// Entry is a persisted queue record.
type Entry struct {
	// ID is assigned on insert and is monotone within one queue.
	ID int64 `json:"id"`
	// Fingerprint uniquely identifies the event; no two entries share one.
	Fingerprint string `json:"fingerprint"`
	// Event is the attendance event payload.
	Event attendance.Event `json:"event"`
	// BatchID groups entries submitted in one batch, may be empty.
	BatchID string `json:"batch_id,omitempty"`
	// State is the entry lifecycle state.
	State State `json:"state"`
	// Attempts counts upstream submissions; monotonically non-decreasing.
	Attempts int `json:"attempts"`
	// LastError holds the most recent submission error, if any.
	LastError string `json:"last_error,omitempty"`
	// FirstSeenAt is the insert time; Claim drains oldest-first by it.
	FirstSeenAt time.Time `json:"first_seen_at"`
	// LastAttemptAt is the time of the most recent submission attempt.
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	// SyncedAt is set when the entry transitions to synced.
	SyncedAt time.Time `json:"synced_at,omitzero"`
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	// Entry is the inserted or pre-existing entry.
	Entry Entry
	// Created is false when an entry with the same fingerprint
	// already existed.
	Created bool
}

// FailResult is returned by MarkFailed.
type FailResult struct {
	// Attempts is the attempt counter after the increment.
	Attempts int
	// Terminal is true when the entry was parked as failed_terminal.
	Terminal bool
}

// Stats holds entry counts by state.
type Stats struct {
	Pending        int `json:"pending"`
	Synced         int `json:"synced"`
	FailedTerminal int `json:"failed_terminal"`
	Total          int `json:"total"`
}

// Queue implements abstraction over the local durable store of
// attendance entries. Implementations serialise per-entry state
// transitions; callers never observe a partially applied mutation.
type Queue interface {
	// Lookup returns the entry with the given fingerprint,
	// or a NotFound error.
	Lookup(ctx context.Context, fingerprint string) (*Entry, error)

	// Enqueue inserts a pending entry for the event. If an entry with
	// the same fingerprint exists, the existing entry is returned with
	// Created=false and nothing is written.
	Enqueue(ctx context.Context, event attendance.Event, fingerprint, batchID string) (*EnqueueResult, error)

	// Claim returns up to limit pending entries with fewer than
	// maxAttempts attempts, ordered by FirstSeenAt ascending.
	Claim(ctx context.Context, limit, maxAttempts int) ([]Entry, error)

	// ClaimByID returns the listed entries regardless of their attempt
	// count, skipping ids that are missing or already synced.
	ClaimByID(ctx context.Context, ids []int64) ([]Entry, error)

	// MarkSynced transitions a pending entry to synced and stamps
	// SyncedAt. Calling it on an already synced entry is a no-op;
	// calling it on a failed_terminal entry is an error.
	MarkSynced(ctx context.Context, id int64) error

	// MarkFailed increments the entry's attempt counter, records the
	// error and stamps LastAttemptAt. The entry is parked as
	// failed_terminal once Attempts reaches maxAttempts.
	MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) (*FailResult, error)

	// ResetTerminal returns all failed_terminal entries to pending with
	// a zeroed attempt counter and error, and reports how many moved.
	ResetTerminal(ctx context.Context) (int, error)

	// Prune deletes synced entries whose SyncedAt is before olderThan
	// and reports how many were deleted.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// PendingEntries returns up to limit pending entries ordered by
	// FirstSeenAt ascending, regardless of attempt count.
	PendingEntries(ctx context.Context, limit int) ([]Entry, error)

	// GetBatch returns all entries tagged with the given batch id,
	// ordered by FirstSeenAt ascending.
	GetBatch(ctx context.Context, batchID string) ([]Entry, error)

	// Stats returns entry counts by state.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the underlying store.
	Close() error
}

// NoLimit disables the limit of a listing operation.
const NoLimit = 0
