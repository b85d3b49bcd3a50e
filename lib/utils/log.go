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

// Package utils provides small helpers shared across timegate packages.
package utils

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// InitLogger configures the global logger for the given severity
// ("debug", "info", "warn", "error", "info" if empty) and format
// ("text" or "json").
func InitLogger(severity, format string) error {
	if severity == "" {
		severity = "info"
	}
	level, err := log.ParseLevel(severity)
	if err != nil {
		return trace.BadParameter("unsupported log severity %q", severity)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return trace.BadParameter("unsupported log format %q", format)
	}
	return nil
}

// InitLoggerForTests mutes the global logger unless verbose test
// output was requested.
func InitLoggerForTests() {
	log.SetLevel(log.DebugLevel)
	if os.Getenv("TIMEGATE_DEBUG") == "" {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stderr)
	}
}
