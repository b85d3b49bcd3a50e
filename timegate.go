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

// Package timegate contains constants shared across the timegate codebase.
package timegate

const (
	// Version is the semver of the current build.
	Version = "1.2.0"

	// ComponentKey is the log field name used to tag log entries
	// with the component that emitted them.
	ComponentKey = "component"
)

// Component names used in logs and metrics.
const (
	// ComponentWeb is the inbound HTTP API server.
	ComponentWeb = "web"

	// ComponentQueue is the durable attendance queue.
	ComponentQueue = "queue"

	// ComponentUpstream is the ERP upstream client.
	ComponentUpstream = "upstream"

	// ComponentForwarder is the background sync forwarder.
	ComponentForwarder = "forwarder"

	// ComponentSession is the device session authority.
	ComponentSession = "session"

	// ComponentIngest is the attendance ingestion service.
	ComponentIngest = "ingest"
)

const (
	// MetricNamespace is the prometheus namespace for all timegate metrics.
	MetricNamespace = "timegate"

	// MetricSyncCycles counts completed forwarder drain cycles.
	MetricSyncCycles = "sync_cycles_total"

	// MetricRecordsSynced counts queue entries accepted by the upstream.
	MetricRecordsSynced = "records_synced_total"

	// MetricRecordsFailed counts failed upstream submissions.
	MetricRecordsFailed = "records_failed_total"

	// MetricRecordsTerminal counts entries that exhausted their retry budget.
	MetricRecordsTerminal = "records_terminal_total"

	// MetricCycleDuration is a histogram of drain cycle durations.
	MetricCycleDuration = "sync_cycle_duration_seconds"

	// MetricRecordsPruned counts synced entries removed by retention sweeps.
	MetricRecordsPruned = "records_pruned_total"
)
