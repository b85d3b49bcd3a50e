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

// Package defaults contains default constants used across timegate.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address the API server binds to.
	HTTPListenAddr = ":8080"

	// DataDir is the default directory for the embedded queue database.
	DataDir = "/var/lib/timegate"

	// QueueDBFile is the name of the SQLite database file inside DataDir.
	QueueDBFile = "queue.db"
)

// Forwarder defaults.
const (
	// SyncInterval is the period between forwarder drain cycles.
	SyncInterval = 30 * time.Second

	// SyncBatchSize is the maximum number of queue entries claimed per
	// drain cycle.
	SyncBatchSize = 20

	// MaxSyncAttempts is the number of upstream submissions attempted for
	// one entry before it is parked as failed_terminal.
	MaxSyncAttempts = 3

	// QueueRetention is the age at which synced entries become prunable.
	QueueRetention = 30 * 24 * time.Hour
)

// Upstream client defaults.
const (
	// UpstreamMaxConcurrent caps in-flight requests to the ERP.
	UpstreamMaxConcurrent = 3

	// UpstreamReservoir is the size of the rate reservoir.
	UpstreamReservoir = 100

	// UpstreamReservoirRefresh is the number of tokens returned to the
	// reservoir every UpstreamReservoirWindow.
	UpstreamReservoirRefresh = 100

	// UpstreamReservoirWindow is the reservoir refill interval.
	UpstreamReservoirWindow = time.Minute

	// UpstreamMinSpacing is the minimum gap between dispatched requests.
	UpstreamMinSpacing = 300 * time.Millisecond

	// UpstreamTimeout is the per-request deadline.
	UpstreamTimeout = 30 * time.Second

	// UpstreamRetryCount is the number of retries for recoverable failures.
	UpstreamRetryCount = 3

	// UpstreamRetryBaseDelay is the first backoff delay; each subsequent
	// retry doubles it.
	UpstreamRetryBaseDelay = time.Second

	// UpstreamBatchSize is the slice size used by batch submissions.
	UpstreamBatchSize = 10

	// UpstreamBatchDelay is the pause between dispatched slices.
	UpstreamBatchDelay = time.Second
)

// Session authority defaults.
const (
	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL = 15 * time.Minute

	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// MaxConcurrentSessions is the number of active sessions allowed per
	// subject before the oldest is terminated.
	MaxConcurrentSessions = 5
)

// Ingestion defaults.
const (
	// SyncAttemptTimeout bounds the synchronous upstream attempt made by
	// the ingestion path before falling back to the queue.
	SyncAttemptTimeout = 10 * time.Second

	// MaxBatchRecords is the largest batch accepted by the batch endpoint.
	MaxBatchRecords = 200
)
