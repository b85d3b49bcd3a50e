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

package utils

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	t.Cleanup(InitLoggerForTests)

	// an unset severity falls back to info
	require.NoError(t, InitLogger("", ""))
	require.Equal(t, log.InfoLevel, log.GetLevel())

	require.NoError(t, InitLogger("debug", "json"))
	require.Equal(t, log.DebugLevel, log.GetLevel())

	require.Error(t, InitLogger("loud", "text"))
	require.Error(t, InitLogger("info", "xml"))
}
