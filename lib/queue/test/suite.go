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

// Package test contains the attendance queue compliance suite that every
// queue implementation must pass.
package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/queue"
)

// Constructor builds a fresh queue for one subtest, driven by the
// given fake clock.
type Constructor func(t *testing.T, clock *clockwork.FakeClock) queue.Queue

// RunQueueComplianceSuite runs the queue contract tests against the
// implementation produced by newQueue.
func RunQueueComplianceSuite(t *testing.T, newQueue Constructor) {
	t.Run("EnqueueLookup", func(t *testing.T) { testEnqueueLookup(t, newQueue) })
	t.Run("EnqueueIdempotent", func(t *testing.T) { testEnqueueIdempotent(t, newQueue) })
	t.Run("ClaimOrdering", func(t *testing.T) { testClaimOrdering(t, newQueue) })
	t.Run("ClaimSkipsExhausted", func(t *testing.T) { testClaimSkipsExhausted(t, newQueue) })
	t.Run("MarkSynced", func(t *testing.T) { testMarkSynced(t, newQueue) })
	t.Run("MarkFailedTerminal", func(t *testing.T) { testMarkFailedTerminal(t, newQueue) })
	t.Run("ResetTerminal", func(t *testing.T) { testResetTerminal(t, newQueue) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, newQueue) })
	t.Run("ForceClaim", func(t *testing.T) { testForceClaim(t, newQueue) })
	t.Run("Batches", func(t *testing.T) { testBatches(t, newQueue) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newQueue) })
}

func newEvent(i int) attendance.Event {
	return attendance.Event{
		EmployeeID: fmt.Sprintf("EMP-%03d", i),
		Time:       time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		Kind:       attendance.KindClockIn,
		DeviceID:   "D1",
	}
}

func enqueue(t *testing.T, q queue.Queue, i int) queue.Entry {
	t.Helper()
	ev := newEvent(i)
	result, err := q.Enqueue(context.Background(), ev, attendance.Fingerprint(ev), "")
	require.NoError(t, err)
	require.True(t, result.Created)
	return result.Entry
}

func testEnqueueLookup(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))
	q := newQueue(t, clock)
	ctx := context.Background()

	ev := newEvent(1)
	fp := attendance.Fingerprint(ev)

	// unknown fingerprints produce NotFound
	_, err := q.Lookup(ctx, fp)
	require.True(t, trace.IsNotFound(err))

	result, err := q.Enqueue(ctx, ev, fp, "")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, queue.StatePending, result.Entry.State)
	require.Equal(t, 0, result.Entry.Attempts)

	entry, err := q.Lookup(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, result.Entry.ID, entry.ID)
	require.Equal(t, fp, entry.Fingerprint)
	require.Equal(t, ev.EmployeeID, entry.Event.EmployeeID)
	require.True(t, entry.Event.Time.Equal(ev.Time))
	require.Equal(t, clock.Now().UTC(), entry.FirstSeenAt)
}

func testEnqueueIdempotent(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	ev := newEvent(1)
	fp := attendance.Fingerprint(ev)

	first, err := q.Enqueue(ctx, ev, fp, "")
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := q.Enqueue(ctx, ev, fp, "")
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Entry.ID, second.Entry.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
}

func testClaimOrdering(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, q, i).ID)
		clock.Advance(time.Second)
	}

	claimed, err := q.Claim(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, ids[:3], []int64{claimed[0].ID, claimed[1].ID, claimed[2].ID})

	// claiming again without state changes returns the same oldest entries
	claimed, err = q.Claim(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 5)
	require.Equal(t, ids[0], claimed[0].ID)
}

func testClaimSkipsExhausted(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	a := enqueue(t, q, 1)
	clock.Advance(time.Second)
	b := enqueue(t, q, 2)

	// two failed attempts against a three-attempt budget keep the entry
	// claimable; claim with maxAttempts=2 must skip it
	for i := 0; i < 2; i++ {
		_, err := q.MarkFailed(ctx, a.ID, "boom", 3)
		require.NoError(t, err)
	}

	claimed, err := q.Claim(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, b.ID, claimed[0].ID)
}

func testMarkSynced(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	entry := enqueue(t, q, 1)
	clock.Advance(time.Minute)

	require.NoError(t, q.MarkSynced(ctx, entry.ID))

	got, err := q.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StateSynced, got.State)
	require.Equal(t, clock.Now().UTC(), got.SyncedAt)

	// marking synced twice is a no-op
	require.NoError(t, q.MarkSynced(ctx, entry.ID))

	// synced entries cannot fail
	_, err = q.MarkFailed(ctx, entry.ID, "late failure", 3)
	require.True(t, trace.IsCompareFailed(err))

	// unknown entries produce NotFound
	err = q.MarkSynced(ctx, entry.ID+1000)
	require.True(t, trace.IsNotFound(err))
}

func testMarkFailedTerminal(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	entry := enqueue(t, q, 1)
	const maxAttempts = 3

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		clock.Advance(time.Second)
		result, err := q.MarkFailed(ctx, entry.ID, fmt.Sprintf("attempt %d failed", attempt), maxAttempts)
		require.NoError(t, err)
		require.Equal(t, attempt, result.Attempts)
		require.Equal(t, attempt == maxAttempts, result.Terminal)
	}

	got, err := q.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailedTerminal, got.State)
	require.Equal(t, maxAttempts, got.Attempts)
	require.Equal(t, "attempt 3 failed", got.LastError)
	require.Equal(t, clock.Now().UTC(), got.LastAttemptAt)

	// terminal entries are not claimable
	claimed, err := q.Claim(ctx, 10, maxAttempts)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// terminal entries cannot transition to synced
	err = q.MarkSynced(ctx, entry.ID)
	require.True(t, trace.IsCompareFailed(err))
}

func testResetTerminal(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	terminal := enqueue(t, q, 1)
	clock.Advance(time.Second)
	healthy := enqueue(t, q, 2)

	_, err := q.MarkFailed(ctx, terminal.ID, "boom", 1)
	require.NoError(t, err)

	count, err := q.ResetTerminal(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := q.Lookup(ctx, terminal.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StatePending, got.State)
	require.Equal(t, 0, got.Attempts)
	require.Empty(t, got.LastError)

	// untouched entries are unaffected
	got, err = q.Lookup(ctx, healthy.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, 0, got.Attempts)

	// nothing left to reset
	count, err = q.ResetTerminal(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func testPrune(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	old := enqueue(t, q, 1)
	require.NoError(t, q.MarkSynced(ctx, old.ID))

	clock.Advance(48 * time.Hour)
	recent := enqueue(t, q, 2)
	require.NoError(t, q.MarkSynced(ctx, recent.ID))
	pending := enqueue(t, q, 3)

	count, err := q.Prune(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = q.Lookup(ctx, old.Fingerprint)
	require.True(t, trace.IsNotFound(err))

	// recent synced and pending entries survive
	_, err = q.Lookup(ctx, recent.Fingerprint)
	require.NoError(t, err)
	_, err = q.Lookup(ctx, pending.Fingerprint)
	require.NoError(t, err)
}

func testForceClaim(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	terminal := enqueue(t, q, 1)
	synced := enqueue(t, q, 2)
	_, err := q.MarkFailed(ctx, terminal.ID, "boom", 1)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, synced.ID))

	// force claim ignores the attempt cap but skips synced and unknown ids
	claimed, err := q.ClaimByID(ctx, []int64{terminal.ID, synced.ID, 9999})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, terminal.ID, claimed[0].ID)
}

func testBatches(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	const batchID = "batch-1"
	for i := 0; i < 3; i++ {
		ev := newEvent(i)
		_, err := q.Enqueue(ctx, ev, attendance.Fingerprint(ev), batchID)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	stray := newEvent(10)
	_, err := q.Enqueue(ctx, stray, attendance.Fingerprint(stray), "batch-2")
	require.NoError(t, err)

	entries, err := q.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		require.Equal(t, batchID, entry.BatchID)
	}
}

func testStats(t *testing.T, newQueue Constructor) {
	clock := clockwork.NewFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	synced := enqueue(t, q, 1)
	terminal := enqueue(t, q, 2)
	enqueue(t, q, 3)
	require.NoError(t, q.MarkSynced(ctx, synced.ID))
	_, err := q.MarkFailed(ctx, terminal.ID, "boom", 1)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, &queue.Stats{Pending: 1, Synced: 1, FailedTerminal: 1, Total: 3}, stats)
}
