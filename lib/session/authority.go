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

package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/defaults"
)

// Config sets up the session authority.
type Config struct {
	// SigningSecret signs and verifies tokens. Required.
	SigningSecret string
	// PreviousSecret, if set, verifies tokens signed before the last
	// secret rotation.
	PreviousSecret string
	// KeyGrace is how long after startup the previous secret remains
	// acceptable. Zero disables the previous secret entirely.
	KeyGrace time.Duration
	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration
	// MaxConcurrentSessions caps active sessions per subject.
	MaxConcurrentSessions int
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.SigningSecret == "" {
		return trace.BadParameter("missing parameter SigningSecret")
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaults.AccessTokenTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaults.RefreshTokenTTL
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = defaults.MaxConcurrentSessions
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authority issues, validates and revokes device sessions.
type Authority struct {
	Config
	*log.Entry

	// graceDeadline is when the previous signing secret stops being
	// accepted. Measured from authority construction, which coincides
	// with process start under normal operation.
	graceDeadline time.Time

	mu sync.Mutex
	// sessions holds every known session keyed by id, terminated ones
	// included until the expiry sweep removes them.
	sessions map[string]*Session
	// bySubject indexes active session ids per subject.
	bySubject map[string]map[string]struct{}
}

// NewAuthority returns a session authority with an empty store.
func NewAuthority(cfg Config) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	a := &Authority{
		Config:    cfg,
		Entry:     log.WithField(timegate.ComponentKey, timegate.ComponentSession),
		sessions:  make(map[string]*Session),
		bySubject: make(map[string]map[string]struct{}),
	}
	if cfg.PreviousSecret != "" && cfg.KeyGrace > 0 {
		a.graceDeadline = cfg.Clock.Now().Add(cfg.KeyGrace)
	}
	return a, nil
}

// Issue authenticates nothing itself: callers verify the subject's
// credentials first. It creates an active session and returns both
// tokens. If the subject exceeds the concurrent session cap, the
// oldest active session is terminated.
func (a *Authority) Issue(subjectID, deviceID, remoteAddr, userAgent string) (*Credentials, error) {
	if subjectID == "" {
		return nil, trace.BadParameter("missing parameter subjectID")
	}
	now := a.Clock.Now().UTC()
	sess := &Session{
		ID:               uuid.NewString(),
		SubjectID:        subjectID,
		DeviceID:         deviceID,
		RemoteAddr:       remoteAddr,
		UserAgent:        userAgent,
		CreatedAt:        now,
		LastActiveAt:     now,
		AccessExpiresAt:  now.Add(a.AccessTTL),
		RefreshExpiresAt: now.Add(a.RefreshTTL),
		State:            StateActive,
	}

	access, err := a.sign(sess, KindAccess, sess.AccessExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, err := a.sign(sess, KindRefresh, sess.RefreshExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.mu.Lock()
	a.sessions[sess.ID] = sess
	active, ok := a.bySubject[subjectID]
	if !ok {
		active = make(map[string]struct{})
		a.bySubject[subjectID] = active
	}
	active[sess.ID] = struct{}{}
	for len(active) > a.MaxConcurrentSessions {
		oldest := a.oldestLocked(active)
		a.terminateLocked(oldest, ReasonConcurrentLimit)
	}
	a.mu.Unlock()

	a.WithFields(log.Fields{
		"subject": subjectID,
		"device":  deviceID,
		"session": sess.ID,
	}).Info("Issued session.")

	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sess.ID,
		AccessTTL:    a.AccessTTL,
	}, nil
}

// Validate verifies the token's signature, expiry and kind, then
// checks that its session is still active. On success it touches the
// session's last-activity timestamp and returns the claims.
func (a *Authority) Validate(token string, kind TokenKind) (*Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Kind != kind {
		return nil, validationError(CodeMalformed, "expected %v token, got %v", kind, claims.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[claims.SessionID]
	if !ok {
		return nil, validationError(CodeRevoked, "session %v is not known", claims.SessionID)
	}
	if sess.State != StateActive {
		return nil, validationError(CodeSessionInactive, "session %v was terminated (%v)",
			claims.SessionID, sess.TerminationReason)
	}
	sess.LastActiveAt = a.Clock.Now().UTC()
	return claims, nil
}

// Refresh mints a new access token bound to the refresh token's
// session. The refresh expiry is not extended.
func (a *Authority) Refresh(refreshToken string) (*Credentials, error) {
	claims, err := a.Validate(refreshToken, KindRefresh)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.mu.Lock()
	sess, ok := a.sessions[claims.SessionID]
	if !ok {
		a.mu.Unlock()
		return nil, validationError(CodeRevoked, "session %v is not known", claims.SessionID)
	}
	sess.AccessExpiresAt = a.Clock.Now().UTC().Add(a.AccessTTL)
	expires := sess.AccessExpiresAt
	snapshot := *sess
	a.mu.Unlock()

	access, err := a.sign(&snapshot, KindAccess, expires)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Credentials{
		AccessToken: access,
		SessionID:   claims.SessionID,
		AccessTTL:   a.AccessTTL,
	}, nil
}

// Terminate revokes the session. All tokens bound to it fail
// validation from this point on.
func (a *Authority) Terminate(sessionID string, reason TerminationReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return trace.NotFound("session %v is not found", sessionID)
	}
	if sess.State == StateTerminated {
		return nil
	}
	a.terminateLocked(sess, reason)
	return nil
}

// List returns the subject's active sessions, oldest first.
func (a *Authority) List(subjectID string) []Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Session
	for id := range a.bySubject[subjectID] {
		out = append(out, *a.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SweepExpired terminates active sessions whose refresh expiry has
// passed and drops sessions terminated longer than the retention
// period ago. Returns the number of sessions removed from the store.
func (a *Authority) SweepExpired(retention time.Duration) int {
	now := a.Clock.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, sess := range a.sessions {
		if sess.State == StateActive && now.After(sess.RefreshExpiresAt) {
			a.terminateLocked(sess, ReasonExpired)
		}
		if sess.State == StateTerminated && now.Sub(sess.TerminatedAt) > retention {
			delete(a.sessions, id)
			removed++
		}
	}
	return removed
}

func (a *Authority) sign(sess *Session, kind TokenKind, expires time.Time) (string, error) {
	now := a.Clock.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		DeviceID:  sess.DeviceID,
		SessionID: sess.ID,
		Kind:      kind,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.SigningSecret))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// parse verifies the token with the primary secret, falling back to
// the previous secret during the rotation grace window.
func (a *Authority) parse(token string) (*Claims, error) {
	claims, err := a.parseWithSecret(token, a.SigningSecret)
	if err == nil {
		return claims, nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Code != CodeMalformed {
		return nil, trace.Wrap(err)
	}
	if a.PreviousSecret == "" {
		return nil, trace.Wrap(err)
	}
	claims, prevErr := a.parseWithSecret(token, a.PreviousSecret)
	if prevErr != nil {
		return nil, trace.Wrap(err)
	}
	if a.graceDeadline.IsZero() || a.Clock.Now().After(a.graceDeadline) {
		return nil, validationError(CodeNeedsRefresh, "token was signed by a rotated-out secret")
	}
	return claims, nil
}

func (a *Authority) parseWithSecret(token, secret string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.Clock.Now),
	)
	switch {
	case err == nil:
		return &claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, validationError(CodeExpired, "token has expired")
	default:
		return nil, validationError(CodeMalformed, "failed to verify token")
	}
}

// oldestLocked returns the oldest active session in the set. Callers
// must hold mu and pass a non-empty set.
func (a *Authority) oldestLocked(ids map[string]struct{}) *Session {
	var oldest *Session
	for id := range ids {
		sess := a.sessions[id]
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) ||
			(sess.CreatedAt.Equal(oldest.CreatedAt) && sess.ID < oldest.ID) {
			oldest = sess
		}
	}
	return oldest
}

func (a *Authority) terminateLocked(sess *Session, reason TerminationReason) {
	sess.State = StateTerminated
	sess.TerminatedAt = a.Clock.Now().UTC()
	sess.TerminationReason = reason
	if active, ok := a.bySubject[sess.SubjectID]; ok {
		delete(active, sess.ID)
		if len(active) == 0 {
			delete(a.bySubject, sess.SubjectID)
		}
	}
	a.WithFields(log.Fields{
		"session": sess.ID,
		"subject": sess.SubjectID,
		"reason":  reason,
	}).Info("Terminated session.")
}
