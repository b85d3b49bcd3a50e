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

// Package session issues and revokes the bearer credentials that
// devices present to the ingestion API. Tokens are signed JWTs, but
// validation always checks the token's server-side session: revoking
// the session invalidates every token bound to it without keeping a
// token blacklist.
package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive means tokens bound to the session validate.
	StateActive State = "active"
	// StateTerminated means the session was revoked and never
	// becomes active again.
	StateTerminated State = "terminated"
)

// TerminationReason records why a session was terminated.
type TerminationReason string

const (
	// ReasonLogout means the device logged out.
	ReasonLogout TerminationReason = "logout"
	// ReasonConcurrentLimit means the session was the oldest one when
	// the subject exceeded the concurrent session cap.
	ReasonConcurrentLimit TerminationReason = "concurrent_limit_exceeded"
	// ReasonExpired means the refresh token expired.
	ReasonExpired TerminationReason = "expired"
	// ReasonRevokedByAdmin means an operator revoked the session.
	ReasonRevokedByAdmin TerminationReason = "revoked_by_admin"
)

// TokenKind distinguishes the two credentials issued per session.
type TokenKind string

const (
	// KindAccess is the short-lived credential sent on every request.
	KindAccess TokenKind = "access"
	// KindRefresh is the long-lived credential used to mint new
	// access tokens.
	KindRefresh TokenKind = "refresh"
)

// Validation failure codes surfaced to API clients.
const (
	// CodeExpired means the token's expiry has passed.
	CodeExpired = "expired"
	// CodeMalformed means the token could not be parsed or verified,
	// or its kind does not match the expected one.
	CodeMalformed = "malformed"
	// CodeRevoked means the token references a session the authority
	// does not know.
	CodeRevoked = "revoked"
	// CodeSessionInactive means the token's session was terminated.
	CodeSessionInactive = "session_inactive"
	// CodeNeedsRefresh means the token was signed by a rotated-out
	// secret and the client must log in or refresh again.
	CodeNeedsRefresh = "needs_refresh"
)

// ValidationError is a token validation failure with a stable
// machine-readable code.
type ValidationError struct {
	// Code is one of the Code* constants.
	Code string
	// Message is a human readable explanation.
	Message string
}

// Error returns the log representation of the error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

func validationError(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Claims is the payload carried by both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	// DeviceID identifies the device the session was issued to.
	DeviceID string `json:"device_id"`
	// SessionID binds the token to its server-side session.
	SessionID string `json:"session_id"`
	// Kind is either "access" or "refresh".
	Kind TokenKind `json:"kind"`
}

// Session is the server-side revocable state behind issued tokens.
type Session struct {
	// ID is an opaque high-entropy identifier.
	ID string `json:"id"`
	// SubjectID is the authenticated device owner.
	SubjectID string `json:"subject_id"`
	// DeviceID, RemoteAddr and UserAgent are captured at creation.
	DeviceID   string `json:"device_id"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	// CreatedAt is when the session was issued.
	CreatedAt time.Time `json:"created_at"`
	// LastActiveAt is the time of the last successful validation.
	LastActiveAt time.Time `json:"last_active_at"`
	// AccessExpiresAt is the expiry of the most recent access token.
	AccessExpiresAt time.Time `json:"access_expires_at"`
	// RefreshExpiresAt is the expiry of the refresh token. It is set
	// at creation and never extended.
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// State is active or terminated.
	State State `json:"state"`
	// TerminatedAt and TerminationReason are set once the session is
	// terminated.
	TerminatedAt      time.Time         `json:"terminated_at,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// Credentials is the result of issuing a new session.
type Credentials struct {
	// AccessToken is the short-lived bearer token.
	AccessToken string `json:"access_token"`
	// RefreshToken mints new access tokens for the same session.
	RefreshToken string `json:"refresh_token"`
	// SessionID identifies the created session.
	SessionID string `json:"session_id"`
	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration `json:"access_ttl"`
}
