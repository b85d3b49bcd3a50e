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

package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEvent() Event {
	return Event{
		EmployeeID: "EMP-001",
		Time:       time.Date(2024, 6, 10, 8, 30, 15, 0, time.UTC),
		Kind:       KindClockIn,
		DeviceID:   "terminal-4",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a, b := baseEvent(), baseEvent()
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	require.Len(t, Fingerprint(a), 64)
}

func TestFingerprintNormalizesTime(t *testing.T) {
	utc := baseEvent()

	// same instant expressed in another zone
	zoned := baseEvent()
	zoned.Time = utc.Time.In(time.FixedZone("UTC+3", 3*3600))
	require.Equal(t, Fingerprint(utc), Fingerprint(zoned))

	// sub-second precision is dropped
	precise := baseEvent()
	precise.Time = precise.Time.Add(300 * time.Millisecond)
	require.Equal(t, Fingerprint(utc), Fingerprint(precise))

	// a different second is a different event
	later := baseEvent()
	later.Time = later.Time.Add(time.Second)
	require.NotEqual(t, Fingerprint(utc), Fingerprint(later))
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := baseEvent()
	for name, mutate := range map[string]func(*Event){
		"employee": func(e *Event) { e.EmployeeID = "EMP-002" },
		"kind":     func(e *Event) { e.Kind = KindClockOut },
		"device":   func(e *Event) { e.DeviceID = "terminal-5" },
	} {
		other := baseEvent()
		mutate(&other)
		require.NotEqual(t, Fingerprint(base), Fingerprint(other), name)
	}

	// site and coordinates are advisory, not identity
	located := baseEvent()
	located.SiteID = "hq"
	lat := 52.5
	located.Latitude = &lat
	require.Equal(t, Fingerprint(base), Fingerprint(located))
}

func TestFingerprintClientRecordID(t *testing.T) {
	e := baseEvent()
	e.ClientRecordID = "device-7-seq-42"
	require.Equal(t, "device-7-seq-42", Fingerprint(e))
}

func TestEventValidation(t *testing.T) {
	ok := baseEvent()
	require.NoError(t, ok.CheckAndSetDefaults())

	for name, mutate := range map[string]func(*Event){
		"no employee":   func(e *Event) { e.EmployeeID = "" },
		"no timestamp":  func(e *Event) { e.Time = time.Time{} },
		"bad kind":      func(e *Event) { e.Kind = "lunch" },
		"bad latitude":  func(e *Event) { v := 91.0; e.Latitude = &v },
		"bad longitude": func(e *Event) { v := -181.0; e.Longitude = &v },
	} {
		bad := baseEvent()
		mutate(&bad)
		require.Error(t, bad.CheckAndSetDefaults(), name)
	}
}
