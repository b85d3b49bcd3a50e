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

// Package ingest implements the write path of the gateway: every
// accepted event is made durable in the queue first, then optimistically
// pushed upstream. Upstream failures never reject a request; the entry
// stays pending for the forwarder.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/queue"
	"github.com/gravitational/timegate/lib/upstream"
)

// Submitter performs single synchronous upstream submissions.
// Implemented by upstream.Client, replaced in tests.
type Submitter interface {
	SubmitOne(ctx context.Context, event attendance.Event) upstream.Outcome
}

// Result is the per-record outcome of an ingestion call.
type Result struct {
	// RecordID is the event fingerprint, usable with the status API.
	RecordID string `json:"record_id"`
	// State is the entry's queue state after the call.
	State queue.State `json:"state,omitempty"`
	// Synced is true if the upstream has accepted the event.
	Synced bool `json:"synced"`
	// Queued is true if the event awaits a background drain.
	Queued bool `json:"queued"`
	// Duplicate is true if the event was already known.
	Duplicate bool `json:"duplicate"`
	// Error describes a validation or upstream failure, if any.
	Error string `json:"error,omitempty"`
}

// BatchResult summarises a batch ingestion.
type BatchResult struct {
	// BatchID groups this batch's entries in the queue.
	BatchID string `json:"batch_id"`
	// Total is the number of submitted records.
	Total int `json:"total"`
	// Synced, Queued, Duplicates and Invalid are aggregate counts
	// over Results.
	Synced     int `json:"synced"`
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
	// Results holds per-record outcomes in submission order.
	Results []Result `json:"results"`
}

// Config sets up the ingestion service.
type Config struct {
	// Queue is the durable queue backing ingestion.
	Queue queue.Queue
	// Upstream performs the optimistic synchronous submission.
	Upstream Submitter
	// SyncAttemptTimeout bounds the synchronous upstream attempt so a
	// slow upstream cannot stall inbound requests.
	SyncAttemptTimeout time.Duration
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
	if c.SyncAttemptTimeout <= 0 {
		c.SyncAttemptTimeout = defaults.SyncAttemptTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service accepts attendance events from devices.
type Service struct {
	Config
	*log.Entry
}

// New returns a new ingestion service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		Config: cfg,
		Entry:  log.WithField(timegate.ComponentKey, timegate.ComponentIngest),
	}, nil
}

// Clock ingests a single event: dedup, enqueue, then one optimistic
// upstream attempt. A failed attempt leaves the entry pending with
// zero attempts; retry accounting belongs to the forwarder.
func (s *Service) Clock(ctx context.Context, event attendance.Event) (*Result, error) {
	result, err := s.ingest(ctx, event, "", false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// Batch ingests up to MaxBatchRecords events. Invalid records are
// reported in their slot; the batch as a whole never fails on a
// per-record problem.
func (s *Service) Batch(ctx context.Context, events []attendance.Event, batchID string, forceOffline bool) (*BatchResult, error) {
	if len(events) == 0 {
		return nil, trace.BadParameter("batch contains no records")
	}
	if len(events) > defaults.MaxBatchRecords {
		return nil, trace.BadParameter("batch of %v records exceeds the limit of %v",
			len(events), defaults.MaxBatchRecords)
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	batch := &BatchResult{
		BatchID: batchID,
		Total:   len(events),
		Results: make([]Result, 0, len(events)),
	}
	for _, event := range events {
		result, err := s.ingest(ctx, event, batchID, forceOffline)
		if err != nil {
			if !trace.IsBadParameter(err) {
				return nil, trace.Wrap(err)
			}
			batch.Invalid++
			batch.Results = append(batch.Results, Result{Error: err.Error()})
			continue
		}
		if result.Duplicate {
			batch.Duplicates++
		}
		if result.Synced {
			batch.Synced++
		}
		if result.Queued {
			batch.Queued++
		}
		batch.Results = append(batch.Results, *result)
	}

	s.WithFields(log.Fields{
		"batch":      batchID,
		"total":      batch.Total,
		"synced":     batch.Synced,
		"queued":     batch.Queued,
		"duplicates": batch.Duplicates,
		"invalid":    batch.Invalid,
	}).Info("Ingested batch.")
	return batch, nil
}

func (s *Service) ingest(ctx context.Context, event attendance.Event, batchID string, forceOffline bool) (*Result, error) {
	if err := event.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fingerprint := attendance.Fingerprint(event)

	existing, err := s.Queue.Lookup(ctx, fingerprint)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if existing != nil {
		result := &Result{
			RecordID:  fingerprint,
			State:     existing.State,
			Duplicate: true,
		}
		switch existing.State {
		case queue.StateSynced:
			result.Synced = true
		case queue.StatePending:
			result.Queued = true
		case queue.StateFailedTerminal:
			result.Error = existing.LastError
		}
		return result, nil
	}

	enqueued, err := s.Queue.Enqueue(ctx, event, fingerprint, batchID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := &Result{
		RecordID: fingerprint,
		State:    enqueued.Entry.State,
	}
	// a concurrent request with the same fingerprint may have won the
	// insert; the loser reports a duplicate and does not submit
	if !enqueued.Created {
		result.Duplicate = true
		result.Synced = enqueued.Entry.State == queue.StateSynced
		result.Queued = enqueued.Entry.State == queue.StatePending
		return result, nil
	}
	if forceOffline {
		result.Queued = true
		return result, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.SyncAttemptTimeout)
	outcome := s.Upstream.SubmitOne(attemptCtx, event)
	cancel()
	if !outcome.Success {
		s.WithFields(log.Fields{
			"record": fingerprint,
			"error":  outcome.Error,
		}).Debug("Synchronous upstream attempt failed, leaving record queued.")
		result.Queued = true
		result.Error = outcome.Error
		return result, nil
	}

	// persistence must complete even if the client disconnects
	if err := s.Queue.MarkSynced(context.WithoutCancel(ctx), enqueued.Entry.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	result.State = queue.StateSynced
	result.Synced = true
	return result, nil
}
