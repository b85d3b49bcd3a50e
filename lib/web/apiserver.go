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

// Package web implements the HTTP API of the gateway: attendance
// ingestion, forwarder controls, session endpoints, metrics and
// health. Every response uses a common envelope carrying a request id
// and a machine-readable error code.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/forwarder"
	"github.com/gravitational/timegate/lib/ingest"
	"github.com/gravitational/timegate/lib/queue"
	"github.com/gravitational/timegate/lib/session"
)

// Error codes surfaced in the response envelope alongside the session
// validation codes.
const (
	// CodeValidationFailure means the request body failed validation.
	CodeValidationFailure = "validation_failure"
	// CodeNotFound means the referenced resource does not exist.
	CodeNotFound = "not_found"
	// CodeAuthFailure means the credential was rejected.
	CodeAuthFailure = "auth_failure"
	// CodeRateLimited means the caller exceeded its budget.
	CodeRateLimited = "rate_limited"
	// CodeStorageFailure means the local queue could not persist.
	CodeStorageFailure = "storage_failure"
)

// Authenticator verifies device login credentials before a session is
// issued.
type Authenticator interface {
	// Authenticate returns an error if the device key does not match.
	Authenticate(subjectID, deviceID, deviceKey string) error
}

// Config sets up the API handler.
type Config struct {
	// Ingest accepts attendance events.
	Ingest *ingest.Service
	// Queue serves record status and pending listings.
	Queue queue.Queue
	// Forwarder is the background sync loop being controlled.
	Forwarder *forwarder.Forwarder
	// Sessions issues and validates bearer tokens.
	Sessions *session.Authority
	// Authenticator verifies login credentials.
	Authenticator Authenticator
	// Registry is the prometheus registry served on /metrics. A new
	// one is created if unset.
	Registry *prometheus.Registry
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.Ingest == nil {
		return trace.BadParameter("missing parameter Ingest")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing parameter Forwarder")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Authenticator == nil {
		return trace.BadParameter("missing parameter Authenticator")
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler routes the inbound HTTP surface.
type Handler struct {
	Config
	*log.Entry
	router *httprouter.Router
}

// NewHandler returns the API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		Config: cfg,
		Entry:  log.WithField(timegate.ComponentKey, timegate.ComponentWeb),
		router: httprouter.New(),
	}

	h.Registry.MustRegister(collectors.NewGoCollector())
	for _, collector := range forwarder.PrometheusCollectors {
		if err := h.Registry.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, trace.Wrap(err)
			}
		}
	}

	h.router.POST("/attendance/clock", h.withAuth(h.clock))
	h.router.POST("/attendance/batch", h.withAuth(h.batch))
	h.router.GET("/attendance/status/:record_id", h.withAuth(h.recordStatus))
	h.router.GET("/attendance/pending", h.withAuth(h.pending))

	h.router.POST("/sync/trigger", h.withAuth(h.syncTrigger))
	h.router.POST("/sync/retry", h.withAuth(h.syncRetry))
	h.router.POST("/sync/cleanup", h.withAuth(h.syncCleanup))
	h.router.PUT("/sync/config", h.withAuth(h.syncConfig))
	h.router.GET("/sync/status", h.withAuth(h.syncStatus))
	h.router.GET("/sync/batch/:batch_id", h.withAuth(h.syncBatch))

	h.router.POST("/auth/login", h.handle(h.login))
	h.router.POST("/auth/refresh", h.handle(h.refresh))
	h.router.POST("/auth/logout", h.withAuth(h.logout))
	h.router.GET("/auth/verify", h.withAuth(h.verify))

	h.router.Handler(http.MethodGet, "/metrics",
		promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))
	h.router.GET("/healthz", h.handle(h.health))

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type envelope struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

type authHandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error)

// handle wraps a handler into the response envelope with request id
// propagation and error mapping.
func (h *Handler) handle(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		data, err := fn(w, r, p)
		if err != nil {
			code, status := errorCode(err)
			h.WithFields(log.Fields{
				"request": requestID,
				"path":    r.URL.Path,
				"code":    code,
			}).WithError(err).Debug("Request failed.")
			h.reply(w, status, envelope{
				Status:    "error",
				ErrorCode: code,
				Message:   trace.UserMessage(err),
				Timestamp: h.Clock.Now().UTC(),
				RequestID: requestID,
			})
			return
		}
		h.reply(w, http.StatusOK, envelope{
			Status:    "success",
			Data:      data,
			Timestamp: h.Clock.Now().UTC(),
			RequestID: requestID,
		})
	}
}

// withAuth requires a valid access token before calling the handler.
func (h *Handler) withAuth(fn authHandlerFunc) httprouter.Handle {
	return h.handle(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		claims, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, claims)
	})
}

func (h *Handler) authenticate(r *http.Request) (*session.Claims, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}
	claims, err := h.Sessions.Validate(token, session.KindAccess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}

func (h *Handler) reply(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.WithError(err).Warn("Failed to write response.")
	}
}

// errorCode maps an error onto the envelope code and HTTP status.
func errorCode(err error) (string, int) {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Code, http.StatusUnauthorized
	case trace.IsBadParameter(err):
		return CodeValidationFailure, http.StatusBadRequest
	case trace.IsNotFound(err):
		return CodeNotFound, http.StatusNotFound
	case trace.IsAccessDenied(err):
		return CodeAuthFailure, http.StatusUnauthorized
	case trace.IsLimitExceeded(err):
		return CodeRateLimited, http.StatusTooManyRequests
	default:
		return CodeStorageFailure, http.StatusInternalServerError
	}
}

func readJSON(r *http.Request, into interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if len(body) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(body, into); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

func (h *Handler) clock(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	var event attendance.Event
	if err := readJSON(r, &event); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.Ingest.Clock(r.Context(), event)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

type batchRequest struct {
	Records     []attendance.Event `json:"records"`
	BatchID     string             `json:"batch_id"`
	OfflineSync bool               `json:"offline_sync"`
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	var req batchRequest
	if err := readJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.Ingest.Batch(r.Context(), req.Records, req.BatchID, req.OfflineSync)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) recordStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	entry, err := h.Queue.Lookup(r.Context(), p.ByName("record_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := h.Queue.PendingEntries(r.Context(), queue.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"stats":   stats,
		"records": entries,
	}, nil
}

func (h *Handler) syncTrigger(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	summary, err := h.Forwarder.Trigger(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return summary, nil
}

func (h *Handler) syncRetry(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	reset, summary, err := h.Forwarder.RetryFailed(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"reset": reset,
		"cycle": summary,
	}, nil
}

func (h *Handler) syncCleanup(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	pruned, err := h.Forwarder.Prune(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"pruned": pruned}, nil
}

type syncConfigRequest struct {
	SyncInterval *string `json:"sync_interval"`
	BatchSize    *int    `json:"batch_size"`
	MaxAttempts  *int    `json:"max_attempts"`
}

func (h *Handler) syncConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	var req syncConfigRequest
	if err := readJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	var settings forwarder.Settings
	if req.SyncInterval != nil {
		interval, err := time.ParseDuration(*req.SyncInterval)
		if err != nil {
			return nil, trace.BadParameter("failed to parse sync_interval: %v", err)
		}
		if interval <= 0 {
			return nil, trace.BadParameter("sync_interval must be positive")
		}
		settings.SyncInterval = interval
	}
	if req.BatchSize != nil {
		if *req.BatchSize <= 0 {
			return nil, trace.BadParameter("batch_size must be positive")
		}
		settings.BatchSize = *req.BatchSize
	}
	if req.MaxAttempts != nil {
		if *req.MaxAttempts <= 0 {
			return nil, trace.BadParameter("max_attempts must be positive")
		}
		settings.MaxAttempts = *req.MaxAttempts
	}
	return h.Forwarder.UpdateConfig(settings), nil
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	status, err := h.Forwarder.Status(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (h *Handler) syncBatch(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	entries, err := h.Queue.GetBatch(r.Context(), p.ByName("batch_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(entries) == 0 {
		return nil, trace.NotFound("batch %q is not found", p.ByName("batch_id"))
	}
	return entries, nil
}

type loginRequest struct {
	SubjectID string `json:"subject_id"`
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.SubjectID == "" || req.DeviceID == "" {
		return nil, trace.BadParameter("subject_id and device_id are required")
	}
	if err := h.Authenticator.Authenticate(req.SubjectID, req.DeviceID, req.DeviceKey); err != nil {
		return nil, trace.Wrap(err)
	}
	creds, err := h.Sessions.Issue(req.SubjectID, req.DeviceID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return creds, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	creds, err := h.Sessions.Refresh(req.RefreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return creds, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	if err := h.Sessions.Terminate(claims.SessionID, session.ReasonLogout); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"session_id": claims.SessionID}, nil
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *session.Claims) (interface{}, error) {
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return map[string]interface{}{
		"subject_id": claims.Subject,
		"device_id":  claims.DeviceID,
		"session_id": claims.SessionID,
		"expires_at": expires,
		"sessions":   h.Sessions.List(claims.Subject),
	}, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"version": timegate.Version}, nil
}
