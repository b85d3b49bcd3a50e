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

// Package attendance defines the attendance event model and its
// deterministic identity fingerprint.
package attendance

import (
	"time"

	"github.com/gravitational/trace"
)

// Kind is the direction of a clock event.
type Kind string

const (
	// KindClockIn marks the start of a work interval.
	KindClockIn Kind = "clock-in"
	// KindClockOut marks the end of a work interval.
	KindClockOut Kind = "clock-out"
)

// Event is a single clock-in/clock-out record submitted by a device.
type Event struct {
	// EmployeeID is the opaque upstream identifier of the employee.
	EmployeeID string `json:"employee_id"`
	// Time is the absolute instant the event happened.
	Time time.Time `json:"timestamp"`
	// Kind is either clock-in or clock-out.
	Kind Kind `json:"kind"`
	// DeviceID identifies the submitting terminal, may be empty.
	DeviceID string `json:"device_id,omitempty"`
	// SiteID identifies the site the terminal is installed at, may be empty.
	SiteID string `json:"site_id,omitempty"`
	// Latitude is an optional GPS latitude in the range -90..90.
	Latitude *float64 `json:"latitude,omitempty"`
	// Longitude is an optional GPS longitude in the range -180..180.
	Longitude *float64 `json:"longitude,omitempty"`
	// ClientRecordID is an optional caller-supplied idempotency key.
	// When set it is used verbatim as the record's fingerprint.
	ClientRecordID string `json:"client_record_id,omitempty"`
}

// CheckAndSetDefaults validates the event.
func (e *Event) CheckAndSetDefaults() error {
	if e.EmployeeID == "" {
		return trace.BadParameter("missing parameter employee_id")
	}
	if e.Time.IsZero() {
		return trace.BadParameter("missing parameter timestamp")
	}
	switch e.Kind {
	case KindClockIn, KindClockOut:
	default:
		return trace.BadParameter("kind must be %q or %q, got %q", KindClockIn, KindClockOut, e.Kind)
	}
	if e.Latitude != nil && (*e.Latitude < -90 || *e.Latitude > 90) {
		return trace.BadParameter("latitude %v is out of range -90..90", *e.Latitude)
	}
	if e.Longitude != nil && (*e.Longitude < -180 || *e.Longitude > 180) {
		return trace.BadParameter("longitude %v is out of range -180..180", *e.Longitude)
	}
	return nil
}
