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

package forwarder

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

// fakeSubmitter accepts every event except those whose employee id has
// a configured failure message.
type fakeSubmitter struct {
	mu    sync.Mutex
	fail  map[string]string
	calls [][]attendance.Event
}

func (s *fakeSubmitter) SubmitMany(ctx context.Context, events []attendance.Event) []upstream.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, events)
	s.mu.Unlock()

	outcomes := make([]upstream.Outcome, len(events))
	for i, event := range events {
		if msg, ok := s.fail[event.EmployeeID]; ok {
			outcomes[i] = upstream.Outcome{Error: msg, StatusCode: 500}
			continue
		}
		outcomes[i] = upstream.Outcome{Success: true, StatusCode: 200}
	}
	return outcomes
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type env struct {
	queue     queue.Queue
	submitter *fakeSubmitter
	forwarder *Forwarder
	clock     *clockwork.FakeClock
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	clock := clockwork.NewFakeClock()
	q, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	submitter := &fakeSubmitter{fail: map[string]string{}}
	cfg := Config{
		Queue:       q,
		Upstream:    submitter,
		MaxAttempts: 2,
		Clock:       clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fwd, err := New(cfg)
	require.NoError(t, err)
	return &env{queue: q, submitter: submitter, forwarder: fwd, clock: clock}
}

func (e *env) enqueue(t *testing.T, employeeID string) *queue.Entry {
	event := attendance.Event{
		EmployeeID: employeeID,
		Time:       time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       attendance.KindClockIn,
		DeviceID:   "D1",
	}
	result, err := e.queue.Enqueue(context.Background(), event, attendance.Fingerprint(event), "")
	require.NoError(t, err)
	require.True(t, result.Created)
	return &result.Entry
}

// flakyQueue fails MarkSynced once per configured entry id.
type flakyQueue struct {
	queue.Queue

	mu         sync.Mutex
	failSynced map[int64]bool
}

func (q *flakyQueue) MarkSynced(ctx context.Context, id int64) error {
	q.mu.Lock()
	fail := q.failSynced[id]
	delete(q.failSynced, id)
	q.mu.Unlock()
	if fail {
		return trace.ConnectionProblem(nil, "database is locked")
	}
	return q.Queue.MarkSynced(ctx, id)
}

func TestTriggerDrainsPending(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e.enqueue(t, fmt.Sprintf("E%v", i))
	}

	summary, err := e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Claimed)
	require.Equal(t, 3, summary.Synced)
	require.Zero(t, summary.Failed)

	stats, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
	require.Equal(t, 3, stats.Synced)

	// nothing left to claim
	summary, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Claimed)
}

func TestFailuresBecomeTerminal(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.submitter.fail["E0"] = "upstream down"
	entry := e.enqueue(t, "E0")

	summary, err := e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Terminal)

	// second failure exhausts the budget of two attempts
	summary, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Terminal)

	got, err := e.queue.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailedTerminal, got.State)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "upstream down", got.LastError)

	// terminal entries are no longer claimed
	summary, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Claimed)
}

func TestDrainSurvivesStorageErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mem, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Close()) })

	q := &flakyQueue{Queue: mem, failSynced: map[int64]bool{}}
	submitter := &fakeSubmitter{fail: map[string]string{}}
	fwd, err := New(Config{Queue: q, Upstream: submitter, MaxAttempts: 2, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	entries := make([]*queue.Entry, 3)
	for i := range entries {
		event := attendance.Event{
			EmployeeID: fmt.Sprintf("E%v", i),
			Time:       time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
			Kind:       attendance.KindClockIn,
			DeviceID:   "D1",
		}
		result, err := q.Enqueue(ctx, event, attendance.Fingerprint(event), "")
		require.NoError(t, err)
		entries[i] = &result.Entry
	}

	// a mark failure on the first entry must not drop the outcomes of
	// the remaining two
	q.mu.Lock()
	q.failSynced[entries[0].ID] = true
	q.mu.Unlock()

	summary, err := fwd.Trigger(ctx)
	require.Error(t, err)
	require.Equal(t, 3, summary.Claimed)
	require.Equal(t, 2, summary.Synced)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Synced)
	require.Equal(t, 1, stats.Pending)

	// only the dropped entry is re-submitted next cycle
	summary, err = fwd.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
	require.Equal(t, 1, summary.Synced)
}

func TestRetryFailed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.submitter.fail["E0"] = "upstream down"
	entry := e.enqueue(t, "E0")

	for i := 0; i < 2; i++ {
		_, err := e.forwarder.Trigger(ctx)
		require.NoError(t, err)
	}

	delete(e.submitter.fail, "E0")
	reset, summary, err := e.forwarder.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reset)
	require.Equal(t, 1, summary.Synced)

	got, err := e.queue.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StateSynced, got.State)
}

func TestForceSyncIgnoresAttemptCap(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.submitter.fail["E0"] = "upstream down"
	entry := e.enqueue(t, "E0")

	for i := 0; i < 2; i++ {
		_, err := e.forwarder.Trigger(ctx)
		require.NoError(t, err)
	}

	delete(e.submitter.fail, "E0")
	summary, err := e.forwarder.ForceSync(ctx, []int64{entry.ID})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
	require.Equal(t, 1, summary.Synced)

	got, err := e.queue.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, queue.StateSynced, got.State)
}

func TestBatchSizeLimitsClaim(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.BatchSize = 2 })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.enqueue(t, fmt.Sprintf("E%v", i))
	}

	summary, err := e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Claimed)

	summary, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Claimed)

	summary, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
}

func TestPrune(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.Retention = time.Hour })
	ctx := context.Background()
	e.enqueue(t, "E0")
	_, err := e.forwarder.Trigger(ctx)
	require.NoError(t, err)

	// still inside the retention window
	pruned, err := e.forwarder.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, pruned)

	e.clock.Advance(2 * time.Hour)
	pruned, err = e.forwarder.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
}

func TestUpdateConfig(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.SyncInterval = time.Minute
		cfg.BatchSize = 10
		cfg.MaxAttempts = 3
	})

	applied := e.forwarder.UpdateConfig(Settings{BatchSize: 25})
	require.Equal(t, time.Minute, applied.SyncInterval)
	require.Equal(t, 25, applied.BatchSize)
	require.Equal(t, 3, applied.MaxAttempts)

	applied = e.forwarder.UpdateConfig(Settings{SyncInterval: 5 * time.Second, MaxAttempts: 1})
	require.Equal(t, 5*time.Second, applied.SyncInterval)
	require.Equal(t, 25, applied.BatchSize)
	require.Equal(t, 1, applied.MaxAttempts)
}

func TestStatus(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	status, err := e.forwarder.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, StateStopped, status.State)
	require.Nil(t, status.LastCycle)

	e.enqueue(t, "E0")
	_, err = e.forwarder.Trigger(ctx)
	require.NoError(t, err)

	status, err = e.forwarder.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastCycle)
	require.Equal(t, 1, status.LastCycle.Synced)
	require.Equal(t, 1, status.Queue.Synced)
}

func TestBackgroundLoop(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.SyncInterval = 30 * time.Second })
	ctx := context.Background()
	e.enqueue(t, "E0")

	require.NoError(t, e.forwarder.Start(ctx))
	t.Cleanup(e.forwarder.Stop)

	// starting twice is rejected
	require.Error(t, e.forwarder.Start(ctx))

	// the start drain picks up the backlog without waiting for a tick
	require.Eventually(t, func() bool {
		stats, err := e.queue.Stats(ctx)
		require.NoError(t, err)
		return stats.Synced == 1
	}, 5*time.Second, 10*time.Millisecond)

	// wait for the loop to arm its timer before advancing the clock
	e.clock.BlockUntil(1)
	e.enqueue(t, "E1")
	e.clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		stats, err := e.queue.Stats(ctx)
		require.NoError(t, err)
		return stats.Synced == 2
	}, 5*time.Second, 10*time.Millisecond)

	e.forwarder.Stop()
	status, err := e.forwarder.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, StateStopped, status.State)

	// stopping an already stopped forwarder is a no-op
	e.forwarder.Stop()
}
