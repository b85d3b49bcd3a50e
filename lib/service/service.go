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

// Package service is the composition root: it owns the single queue,
// upstream client, forwarder and session authority of the process and
// wires them into the HTTP API.
package service

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/forwarder"
	"github.com/gravitational/timegate/lib/ingest"
	"github.com/gravitational/timegate/lib/queue"
	"github.com/gravitational/timegate/lib/queue/lite"
	"github.com/gravitational/timegate/lib/queue/memory"
	"github.com/gravitational/timegate/lib/session"
	"github.com/gravitational/timegate/lib/upstream"
	"github.com/gravitational/timegate/lib/utils"
	"github.com/gravitational/timegate/lib/web"
)

// Config is the process configuration, usually produced from the YAML
// file by lib/config.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// DataDir is where the queue database lives.
	DataDir string
	// EphemeralQueue selects the in-memory queue backend. Queued
	// records do not survive a restart; meant for trials and tests.
	EphemeralQueue bool

	// LogSeverity and LogFormat configure process logging.
	LogSeverity string
	LogFormat   string

	// SyncInterval, SyncBatchSize, MaxSyncAttempts and QueueRetention
	// configure the forwarder.
	SyncInterval    time.Duration
	SyncBatchSize   int
	MaxSyncAttempts int
	QueueRetention  time.Duration
	// SyncAttemptTimeout bounds the synchronous upstream attempt on
	// the ingestion path.
	SyncAttemptTimeout time.Duration

	// Upstream configures the ERP client.
	Upstream upstream.Config
	// Session configures the session authority.
	Session session.Config
	// DeviceKeys maps device ids to pre-shared login keys.
	DeviceKeys map[string]string

	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.Upstream.BaseURL == "" {
		return trace.BadParameter("missing parameter Upstream.BaseURL")
	}
	if c.Session.SigningSecret == "" {
		return trace.BadParameter("missing parameter Session.SigningSecret")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = defaults.SyncBatchSize
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = defaults.MaxSyncAttempts
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = defaults.QueueRetention
	}
	if c.SyncAttemptTimeout <= 0 {
		c.SyncAttemptTimeout = defaults.SyncAttemptTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Timegate is a running gateway process.
type Timegate struct {
	Config
	*log.Entry

	queue     queue.Queue
	upstream  *upstream.Client
	forwarder *forwarder.Forwarder
	sessions  *session.Authority
	ingest    *ingest.Service
	handler   *web.Handler
}

// New wires the gateway components together. Nothing is started yet;
// call Run.
func New(ctx context.Context, cfg Config) (*Timegate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.InitLogger(cfg.LogSeverity, cfg.LogFormat); err != nil {
		return nil, trace.Wrap(err)
	}

	var q queue.Queue
	var err error
	if cfg.EphemeralQueue {
		q, err = memory.New(memory.Config{Clock: cfg.Clock})
	} else {
		q, err = lite.New(ctx, lite.Config{Path: cfg.DataDir, Clock: cfg.Clock})
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	upstreamCfg := cfg.Upstream
	upstreamCfg.Clock = cfg.Clock
	clt, err := upstream.NewClient(upstreamCfg)
	if err != nil {
		return nil, trace.NewAggregate(err, q.Close())
	}

	fwd, err := forwarder.New(forwarder.Config{
		Queue:        q,
		Upstream:     clt,
		SyncInterval: cfg.SyncInterval,
		BatchSize:    cfg.SyncBatchSize,
		MaxAttempts:  cfg.MaxSyncAttempts,
		Retention:    cfg.QueueRetention,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, q.Close())
	}

	sessionCfg := cfg.Session
	sessionCfg.Clock = cfg.Clock
	authority, err := session.NewAuthority(sessionCfg)
	if err != nil {
		return nil, trace.NewAggregate(err, q.Close())
	}

	ingestSvc, err := ingest.New(ingest.Config{
		Queue:              q,
		Upstream:           clt,
		SyncAttemptTimeout: cfg.SyncAttemptTimeout,
		Clock:              cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, q.Close())
	}

	handler, err := web.NewHandler(web.Config{
		Ingest:        ingestSvc,
		Queue:         q,
		Forwarder:     fwd,
		Sessions:      authority,
		Authenticator: &staticAuthenticator{keys: cfg.DeviceKeys},
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, q.Close())
	}

	return &Timegate{
		Config:    cfg,
		Entry:     log.WithField(timegate.ComponentKey, "timegate"),
		queue:     q,
		upstream:  clt,
		forwarder: fwd,
		sessions:  authority,
		ingest:    ingestSvc,
		handler:   handler,
	}, nil
}

// Handler exposes the HTTP API, mainly for tests.
func (t *Timegate) Handler() http.Handler {
	return t.handler
}

// Run starts the forwarder, the retention sweeps and the HTTP server,
// then blocks until the context is canceled and everything has shut
// down cleanly.
func (t *Timegate) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return trace.NewAggregate(trace.ConvertSystemError(err), t.queue.Close())
	}

	if err := t.forwarder.Start(ctx); err != nil {
		return trace.NewAggregate(err, t.queue.Close())
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	go t.runSweeps(sweepCtx)

	server := &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(listener)
	}()
	t.WithField("addr", listener.Addr().String()).Info("Timegate is ready.")

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		serveErr = server.Shutdown(shutdownCtx)
		cancel()
	case err := <-errC:
		serveErr = err
	}

	stopSweeps()
	// the forwarder finishes its current cycle before stopping
	t.forwarder.Stop()

	t.Info("Timegate has stopped.")
	return trace.NewAggregate(serveErr, t.queue.Close())
}

// runSweeps prunes synced queue entries and expired sessions in the
// background.
func (t *Timegate) runSweeps(ctx context.Context) {
	ticker := t.Clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := t.forwarder.Prune(ctx); err != nil {
				t.WithError(err).Warn("Queue retention sweep failed.")
			}
			t.sessions.SweepExpired(t.QueueRetention)
		}
	}
}

// staticAuthenticator checks device logins against the pre-shared
// keys from the configuration file.
type staticAuthenticator struct {
	keys map[string]string
}

func (a *staticAuthenticator) Authenticate(subjectID, deviceID, deviceKey string) error {
	key, ok := a.keys[deviceID]
	if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(deviceKey)) != 1 {
		return trace.AccessDenied("invalid credentials for device %q", deviceID)
	}
	return nil
}
