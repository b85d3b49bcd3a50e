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
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// fingerprintSeparator joins normalized fields before hashing. NUL cannot
// appear in any of the fields, which keeps the concatenation unambiguous.
const fingerprintSeparator = "\x00"

// Fingerprint computes the deterministic identity of an event. Devices
// that retry a submission after a lost ack produce the same fingerprint,
// which is what the queue's dedup relies on.
//
// When the caller supplied a ClientRecordID it is returned verbatim:
// the device has already chosen a stable address for the logical event.
// Otherwise the fingerprint is the SHA-256 over the normalized fields
// employee_id, timestamp (UTC, second precision), kind and device_id.
func Fingerprint(e Event) string {
	if e.ClientRecordID != "" {
		return e.ClientRecordID
	}
	ts := e.Time.UTC().Truncate(time.Second).Format(time.RFC3339)
	h := sha256.New()
	h.Write([]byte(e.EmployeeID))
	h.Write([]byte(fingerprintSeparator))
	h.Write([]byte(ts))
	h.Write([]byte(fingerprintSeparator))
	h.Write([]byte(e.Kind))
	h.Write([]byte(fingerprintSeparator))
	h.Write([]byte(e.DeviceID))
	return hex.EncodeToString(h.Sum(nil))
}
