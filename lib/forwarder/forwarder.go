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

// Package forwarder implements the background loop that drains the
// durable queue into the upstream ERP. One forwarder owns the pending →
// synced/failed_terminal transitions of background drains; the ingestion
// path only completes entries it has just inserted itself.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/queue"
	"github.com/gravitational/timegate/lib/upstream"
)

var (
	syncCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricSyncCycles,
		Help:      "a count of completed forwarder drain cycles",
	})

	recordsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricRecordsSynced,
		Help:      "a count of queue entries accepted by the upstream",
	})

	recordsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricRecordsFailed,
		Help:      "a count of failed upstream submissions",
	})

	recordsTerminal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricRecordsTerminal,
		Help:      "a count of entries that exhausted their retry budget",
	})

	recordsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricRecordsPruned,
		Help:      "a count of synced entries removed by retention sweeps",
	})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: timegate.MetricNamespace,
		Name:      timegate.MetricCycleDuration,
		Help:      "a histogram of drain cycle durations",
	})

	// PrometheusCollectors are the forwarder metrics to register with
	// the metrics endpoint.
	PrometheusCollectors = []prometheus.Collector{
		syncCycles, recordsSynced, recordsFailed, recordsTerminal,
		recordsPruned, cycleDuration,
	}
)

// Submitter delivers batches of events upstream. Implemented by
// upstream.Client, replaced in tests.
type Submitter interface {
	SubmitMany(ctx context.Context, events []attendance.Event) []upstream.Outcome
}

// State is the lifecycle state of the forwarder.
type State string

const (
	// StateStopped means the background loop is not scheduled.
	StateStopped State = "stopped"
	// StateRunning means the loop awaits the next tick.
	StateRunning State = "running"
	// StateDraining means a drain cycle is in progress.
	StateDraining State = "draining"
)

// Settings are the runtime-adjustable forwarder parameters.
type Settings struct {
	// SyncInterval is the period between drain cycles.
	SyncInterval time.Duration `json:"sync_interval"`
	// BatchSize is the maximum number of entries claimed per cycle.
	BatchSize int `json:"batch_size"`
	// MaxAttempts is the retry budget per entry.
	MaxAttempts int `json:"max_attempts"`
}

// CycleSummary describes one completed drain cycle.
type CycleSummary struct {
	// StartedAt is when the cycle started.
	StartedAt time.Time `json:"started_at"`
	// Duration is how long the cycle took.
	Duration time.Duration `json:"duration"`
	// Claimed is how many entries the cycle claimed.
	Claimed int `json:"claimed"`
	// Synced is how many entries the upstream accepted.
	Synced int `json:"synced"`
	// Failed is how many submissions failed.
	Failed int `json:"failed"`
	// Terminal is how many entries exhausted their budget this cycle.
	Terminal int `json:"terminal"`
}

// Status is a point-in-time snapshot of the forwarder.
type Status struct {
	// State is the current lifecycle state.
	State State `json:"state"`
	// Settings are the active runtime parameters.
	Settings Settings `json:"settings"`
	// LastCycle summarises the most recent drain, if any.
	LastCycle *CycleSummary `json:"last_cycle,omitempty"`
	// Queue holds current entry counts by state.
	Queue *queue.Stats `json:"queue,omitempty"`
}

// Config sets up the forwarder.
type Config struct {
	// Queue is the durable queue drained by the forwarder.
	Queue queue.Queue
	// Upstream delivers batches to the ERP.
	Upstream Submitter
	// SyncInterval is the period between drain cycles.
	SyncInterval time.Duration
	// BatchSize is the maximum number of entries claimed per cycle.
	BatchSize int
	// MaxAttempts is the retry budget per entry.
	MaxAttempts int
	// Retention is the age at which synced entries become prunable.
	Retention time.Duration
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Upstream == nil {
		return trace.BadParameter("missing parameter Upstream")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.SyncBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxSyncAttempts
	}
	if c.Retention <= 0 {
		c.Retention = defaults.QueueRetention
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Forwarder periodically drains the queue into the upstream.
type Forwarder struct {
	*log.Entry

	queueStore queue.Queue
	upstream   Submitter
	retention  time.Duration
	clock      clockwork.Clock

	// drainMu serialises drain cycles: two drains never overlap.
	drainMu sync.Mutex

	mu        sync.Mutex
	settings  Settings
	state     State
	lastCycle *CycleSummary
	stopC     chan struct{}
	reloadC   chan struct{}
	wg        sync.WaitGroup
}

// New returns a new stopped forwarder.
func New(cfg Config) (*Forwarder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Forwarder{
		Entry:      log.WithField(timegate.ComponentKey, timegate.ComponentForwarder),
		queueStore: cfg.Queue,
		upstream:   cfg.Upstream,
		retention:  cfg.Retention,
		clock:      cfg.Clock,
		settings: Settings{
			SyncInterval: cfg.SyncInterval,
			BatchSize:    cfg.BatchSize,
			MaxAttempts:  cfg.MaxAttempts,
		},
		state:   StateStopped,
		reloadC: make(chan struct{}, 1),
	}, nil
}

// Start schedules the background loop and triggers an immediate drain.
// Starting a running forwarder is an error.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateStopped {
		f.mu.Unlock()
		return trace.AlreadyExists("forwarder is already running")
	}
	f.state = StateRunning
	f.stopC = make(chan struct{})
	stopC := f.stopC
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx, stopC)
	return nil
}

// Stop halts the background loop at the next quiescent point: an
// in-flight drain cycle completes before the loop exits.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return
	}
	f.state = StateStopped
	close(f.stopC)
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Forwarder) run(ctx context.Context, stopC chan struct{}) {
	defer f.wg.Done()

	f.Info("Forwarder is ready.")
	if _, err := f.Trigger(ctx); err != nil {
		f.WithError(err).Warn("Initial drain cycle failed.")
	}

	timer := f.clock.NewTimer(f.Settings().SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopC:
			return
		case <-f.reloadC:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(f.Settings().SyncInterval)
		case <-timer.Chan():
			if _, err := f.Trigger(ctx); err != nil {
				f.WithError(err).Warn("Drain cycle failed.")
			}
			timer.Reset(f.Settings().SyncInterval)
		}
	}
}

// Trigger runs one drain cycle now and returns its summary.
func (f *Forwarder) Trigger(ctx context.Context) (*CycleSummary, error) {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()

	settings := f.Settings()
	f.setDraining(true)
	defer f.setDraining(false)

	entries, err := f.queueStore.Claim(ctx, settings.BatchSize, settings.MaxAttempts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.drainEntries(ctx, entries, settings.MaxAttempts)
}

// RetryFailed returns terminal entries to the pipeline and drains.
func (f *Forwarder) RetryFailed(ctx context.Context) (int, *CycleSummary, error) {
	reset, err := f.queueStore.ResetTerminal(ctx)
	if err != nil {
		return 0, nil, trace.Wrap(err)
	}
	summary, err := f.Trigger(ctx)
	if err != nil {
		return reset, nil, trace.Wrap(err)
	}
	return reset, summary, nil
}

// ForceSync drains exactly the listed entries, ignoring the attempt cap.
func (f *Forwarder) ForceSync(ctx context.Context, ids []int64) (*CycleSummary, error) {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()

	f.setDraining(true)
	defer f.setDraining(false)

	entries, err := f.queueStore.ClaimByID(ctx, ids)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f.drainEntries(ctx, entries, f.Settings().MaxAttempts)
}

// Prune removes synced entries older than the retention period.
func (f *Forwarder) Prune(ctx context.Context) (int, error) {
	pruned, err := f.queueStore.Prune(ctx, f.clock.Now().Add(-f.retention))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if pruned > 0 {
		recordsPruned.Add(float64(pruned))
		f.WithField("count", pruned).Info("Pruned synced entries.")
	}
	return pruned, nil
}

// UpdateConfig atomically applies the non-zero fields of the given
// settings and reschedules the timer if the loop is running.
func (f *Forwarder) UpdateConfig(settings Settings) Settings {
	f.mu.Lock()
	if settings.SyncInterval > 0 {
		f.settings.SyncInterval = settings.SyncInterval
	}
	if settings.BatchSize > 0 {
		f.settings.BatchSize = settings.BatchSize
	}
	if settings.MaxAttempts > 0 {
		f.settings.MaxAttempts = settings.MaxAttempts
	}
	applied := f.settings
	f.mu.Unlock()

	select {
	case f.reloadC <- struct{}{}:
	default:
	}
	return applied
}

// Settings returns the active runtime parameters.
func (f *Forwarder) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Status returns a snapshot of the forwarder and queue.
func (f *Forwarder) Status(ctx context.Context) (*Status, error) {
	stats, err := f.queueStore.Stats(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status := &Status{
		State:    f.state,
		Settings: f.settings,
		Queue:    stats,
	}
	if f.lastCycle != nil {
		cycle := *f.lastCycle
		status.LastCycle = &cycle
	}
	return status, nil
}

// drainEntries submits the claimed entries and applies per-record
// outcomes to the queue. Callers must hold drainMu.
func (f *Forwarder) drainEntries(ctx context.Context, entries []queue.Entry, maxAttempts int) (*CycleSummary, error) {
	summary := CycleSummary{
		StartedAt: f.clock.Now().UTC(),
		Claimed:   len(entries),
	}
	if len(entries) == 0 {
		f.finishCycle(&summary)
		return &summary, nil
	}

	events := make([]attendance.Event, len(entries))
	for i, entry := range entries {
		events[i] = entry.Event
	}
	outcomes := f.upstream.SubmitMany(ctx, events)

	// once outcomes are in, state transitions must complete even if
	// the caller goes away
	markCtx := context.WithoutCancel(ctx)
	// a storage error on one entry must not drop the outcomes of the
	// rest, or entries the upstream already accepted would be
	// re-submitted next cycle
	var errs []error
	for i, entry := range entries {
		outcome := outcomes[i]
		if outcome.Success {
			if err := f.queueStore.MarkSynced(markCtx, entry.ID); err != nil {
				errs = append(errs, trace.Wrap(err))
				continue
			}
			summary.Synced++
			recordsSynced.Inc()
			continue
		}
		result, err := f.queueStore.MarkFailed(markCtx, entry.ID, outcome.Error, maxAttempts)
		if err != nil {
			errs = append(errs, trace.Wrap(err))
			continue
		}
		summary.Failed++
		recordsFailed.Inc()
		if result.Terminal {
			summary.Terminal++
			recordsTerminal.Inc()
		}
	}

	f.finishCycle(&summary)
	return &summary, trace.NewAggregate(errs...)
}

func (f *Forwarder) finishCycle(summary *CycleSummary) {
	summary.Duration = f.clock.Now().UTC().Sub(summary.StartedAt)

	f.mu.Lock()
	f.lastCycle = summary
	f.mu.Unlock()

	syncCycles.Inc()
	cycleDuration.Observe(summary.Duration.Seconds())
	if summary.Claimed > 0 {
		f.WithFields(log.Fields{
			"claimed":  summary.Claimed,
			"synced":   summary.Synced,
			"failed":   summary.Failed,
			"terminal": summary.Terminal,
			"duration": summary.Duration,
		}).Info("Drain cycle complete.")
	}
}

func (f *Forwarder) setDraining(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case active && f.state != StateStopped:
		f.state = StateDraining
	case !active && f.state == StateDraining:
		f.state = StateRunning
	}
}
