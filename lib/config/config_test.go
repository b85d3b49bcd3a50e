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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/timegate/lib/service"
)

const sampleConfig = `
listen_addr: ":9090"
data_dir: /tmp/timegate-test
log:
  severity: debug
  format: json
sync:
  interval: 45s
  batch_size: 25
  max_attempts: 5
  retention: 240h
  attempt_timeout: 5s
upstream:
  base_url: https://erp.example.com
  api_key: key
  api_secret: secret
  max_concurrent: 4
  reservoir: 50
  reservoir_refresh: 50
  reservoir_window: 30s
  min_spacing: 100ms
  timeout: 20s
  retry_count: 2
  retry_base_delay: 500ms
  batch_size: 5
  batch_delay: 2s
auth:
  signing_secret: super-secret
  previous_secret: old-secret
  key_grace_days: 2
  access_ttl: 10m
  refresh_ttl: 72h
  max_concurrent_sessions: 3
  device_keys:
    terminal-1: key-1
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, ":9090", fc.ListenAddr)
	require.Equal(t, 45*time.Second, fc.Sync.Interval.Get())
	require.Equal(t, 100*time.Millisecond, fc.Upstream.MinSpacing.Get())
	require.Equal(t, "json", fc.Log.Format)
	require.Equal(t, "key-1", fc.Auth.DeviceKeys["terminal-1"])
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("listen_adress: \":9090\"\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigRejectsBadDuration(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("sync:\n  interval: soon\n"))
	require.Error(t, err)
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, fc.ListenAddr)
}

func TestApplyFileConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/tmp/timegate-test", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogSeverity)
	require.Equal(t, 45*time.Second, cfg.SyncInterval)
	require.Equal(t, 25, cfg.SyncBatchSize)
	require.Equal(t, 5, cfg.MaxSyncAttempts)
	require.Equal(t, 240*time.Hour, cfg.QueueRetention)
	require.Equal(t, 5*time.Second, cfg.SyncAttemptTimeout)

	require.Equal(t, "https://erp.example.com", cfg.Upstream.BaseURL)
	require.Equal(t, 4, cfg.Upstream.MaxConcurrent)
	require.Equal(t, 500*time.Millisecond, cfg.Upstream.RetryBaseDelay)

	require.Equal(t, "super-secret", cfg.Session.SigningSecret)
	require.Equal(t, "old-secret", cfg.Session.PreviousSecret)
	require.Equal(t, 48*time.Hour, cfg.Session.KeyGrace)
	require.Equal(t, 10*time.Minute, cfg.Session.AccessTTL)
	require.Equal(t, 3, cfg.Session.MaxConcurrentSessions)
	require.Equal(t, "key-1", cfg.DeviceKeys["terminal-1"])
}

func TestApplyFileConfigRequiredOptions(t *testing.T) {
	var cfg service.Config
	err := ApplyFileConfig(&FileConfig{}, &cfg)
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "upstream.base_url")

	fc := &FileConfig{}
	fc.Upstream.BaseURL = "https://erp.example.com"
	err = ApplyFileConfig(fc, &cfg)
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "auth.signing_secret")
}

func TestApplyFileConfigDefaults(t *testing.T) {
	fc := &FileConfig{}
	fc.Upstream.BaseURL = "https://erp.example.com"
	fc.Auth.SigningSecret = "secret"

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "/var/lib/timegate", cfg.DataDir)

	// zero values defer to the component defaults
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, 3, cfg.MaxSyncAttempts)
}
