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

package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/queue"
	"github.com/gravitational/timegate/lib/queue/memory"
	"github.com/gravitational/timegate/lib/upstream"
	"github.com/gravitational/timegate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// fakeSubmitter fails submissions for employee ids with a configured
// error and counts every attempt.
type fakeSubmitter struct {
	mu    sync.Mutex
	fail  map[string]string
	calls int
}

func (s *fakeSubmitter) SubmitOne(ctx context.Context, event attendance.Event) upstream.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if msg, ok := s.fail[event.EmployeeID]; ok {
		return upstream.Outcome{Error: msg, StatusCode: 503}
	}
	return upstream.Outcome{Success: true, StatusCode: 200}
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type env struct {
	queue     queue.Queue
	submitter *fakeSubmitter
	service   *Service
}

func newEnv(t *testing.T) *env {
	clock := clockwork.NewFakeClock()
	q, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	submitter := &fakeSubmitter{fail: map[string]string{}}
	svc, err := New(Config{Queue: q, Upstream: submitter, Clock: clock})
	require.NoError(t, err)
	return &env{queue: q, submitter: submitter, service: svc}
}

func event(employeeID string) attendance.Event {
	return attendance.Event{
		EmployeeID: employeeID,
		Time:       time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       attendance.KindClockIn,
		DeviceID:   "D1",
	}
}

func TestClockSyncsImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	result, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.True(t, result.Synced)
	require.False(t, result.Queued)
	require.False(t, result.Duplicate)
	require.NotEmpty(t, result.RecordID)

	entry, err := e.queue.Lookup(ctx, result.RecordID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSynced, entry.State)
	require.Zero(t, entry.Attempts)
}

func TestClockQueuesOnUpstreamFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitter.fail["E1"] = "upstream down"

	result, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.False(t, result.Synced)
	require.True(t, result.Queued)
	require.Equal(t, "upstream down", result.Error)

	// the failed synchronous attempt does not consume retry budget
	entry, err := e.queue.Lookup(ctx, result.RecordID)
	require.NoError(t, err)
	require.Equal(t, queue.StatePending, entry.State)
	require.Zero(t, entry.Attempts)
}

func TestClockDeduplicates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.True(t, first.Synced)

	// same event again: reported as an already-synced duplicate,
	// without another upstream call
	second, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.True(t, second.Synced)
	require.Equal(t, first.RecordID, second.RecordID)
	require.Equal(t, 1, e.submitter.callCount())
}

func TestClockDuplicateOfPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitter.fail["E1"] = "upstream down"

	first, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.True(t, first.Queued)

	second, err := e.service.Clock(ctx, event("E1"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.True(t, second.Queued)
	require.False(t, second.Synced)
	require.Equal(t, 1, e.submitter.callCount())
}

func TestClockRejectsInvalidEvent(t *testing.T) {
	e := newEnv(t)
	bad := event("E1")
	bad.Kind = "lunch-break"
	_, err := e.service.Clock(context.Background(), bad)
	require.True(t, trace.IsBadParameter(err))
}

func TestBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitter.fail["E1"] = "upstream down"

	// E2 is pre-ingested so the batch sees it as a duplicate
	_, err := e.service.Clock(ctx, event("E2"))
	require.NoError(t, err)

	invalid := event("E3")
	invalid.EmployeeID = ""
	events := []attendance.Event{event("E0"), event("E1"), event("E2"), invalid}

	batch, err := e.service.Batch(ctx, events, "batch-1", false)
	require.NoError(t, err)
	require.Equal(t, "batch-1", batch.BatchID)
	require.Equal(t, 4, batch.Total)
	require.Equal(t, 2, batch.Synced) // E0 fresh + E2 duplicate-synced
	require.Equal(t, 1, batch.Queued)
	require.Equal(t, 1, batch.Duplicates)
	require.Equal(t, 1, batch.Invalid)
	require.Len(t, batch.Results, 4)

	require.True(t, batch.Results[0].Synced)
	require.True(t, batch.Results[1].Queued)
	require.Equal(t, "upstream down", batch.Results[1].Error)
	require.True(t, batch.Results[2].Duplicate)
	require.NotEmpty(t, batch.Results[3].Error)
	require.False(t, batch.Results[3].Queued)

	// batch id recorded on the fresh entries
	entries, err := e.queue.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestBatchForceOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	events := []attendance.Event{event("E0"), event("E1")}
	batch, err := e.service.Batch(ctx, events, "", true)
	require.NoError(t, err)
	require.NotEmpty(t, batch.BatchID)
	require.Equal(t, 2, batch.Queued)
	require.Zero(t, batch.Synced)
	// no synchronous upstream attempts in offline mode
	require.Zero(t, e.submitter.callCount())

	stats, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
}

func TestBatchSizeLimits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.service.Batch(ctx, nil, "", false)
	require.True(t, trace.IsBadParameter(err))

	events := make([]attendance.Event, 201)
	for i := range events {
		events[i] = event(fmt.Sprintf("E%v", i))
	}
	_, err = e.service.Batch(ctx, events, "", false)
	require.True(t, trace.IsBadParameter(err))
}
