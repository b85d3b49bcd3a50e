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

// Package config reads the timegate YAML configuration file and maps
// it onto the runtime configuration of the service.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/service"
	"github.com/gravitational/timegate/lib/session"
	"github.com/gravitational/timegate/lib/upstream"
)

// Duration is a time.Duration that unmarshals from the usual Go
// duration syntax ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses the duration from its YAML string form.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("failed to parse duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Get returns the underlying duration.
func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

// FileConfig is the on-disk YAML configuration. Unknown keys are
// rejected so typos fail fast at startup.
type FileConfig struct {
	// ListenAddr is the HTTP listen address of the API server.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir is where the queue database lives.
	DataDir string `yaml:"data_dir"`

	Log      Log      `yaml:"log"`
	Sync     Sync     `yaml:"sync"`
	Upstream Upstream `yaml:"upstream"`
	Auth     Auth     `yaml:"auth"`
}

// Log configures process logging.
type Log struct {
	// Severity is the minimum level to log, "info" if unset.
	Severity string `yaml:"severity"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Sync configures the background forwarder.
type Sync struct {
	// Interval is the drain cycle period.
	Interval Duration `yaml:"interval"`
	// BatchSize is the maximum entries claimed per cycle.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts is the retry budget before terminal failure.
	MaxAttempts int `yaml:"max_attempts"`
	// Retention is the age at which synced entries are prunable.
	Retention Duration `yaml:"retention"`
	// AttemptTimeout bounds the synchronous upstream attempt made by
	// the ingestion path.
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// Upstream configures the ERP client.
type Upstream struct {
	// BaseURL is the root URL of the upstream ERP. Required.
	BaseURL string `yaml:"base_url"`
	// APIKey and APISecret form the upstream token credential.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// MaxConcurrent caps in-flight upstream requests.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Reservoir, ReservoirRefresh and ReservoirWindow set the rate
	// budget: Reservoir requests per window, refilled by
	// ReservoirRefresh tokens per window.
	Reservoir        int      `yaml:"reservoir"`
	ReservoirRefresh int      `yaml:"reservoir_refresh"`
	ReservoirWindow  Duration `yaml:"reservoir_window"`
	// MinSpacing is the minimum gap between consecutive calls.
	MinSpacing Duration `yaml:"min_spacing"`
	// Timeout is the per-call deadline.
	Timeout Duration `yaml:"timeout"`
	// RetryCount and RetryBaseDelay control per-call retries.
	RetryCount     int      `yaml:"retry_count"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	// BatchSize and BatchDelay control submit_many slicing.
	BatchSize  int      `yaml:"batch_size"`
	BatchDelay Duration `yaml:"batch_delay"`
}

// Auth configures the session authority and device authentication.
type Auth struct {
	// SigningSecret signs session tokens. Required.
	SigningSecret string `yaml:"signing_secret"`
	// PreviousSecret is the rotated-out signing secret, accepted for
	// KeyGraceDays after startup.
	PreviousSecret string `yaml:"previous_secret"`
	// KeyGraceDays is how many days tokens signed by PreviousSecret
	// remain acceptable. Zero disables the previous secret.
	KeyGraceDays int `yaml:"key_grace_days"`
	// AccessTTL and RefreshTTL are the token lifetimes.
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
	// MaxConcurrentSessions caps active sessions per subject.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	// DeviceKeys maps device ids to their pre-shared login keys.
	DeviceKeys map[string]string `yaml:"device_keys"`
}

// ReadFromFile reads the configuration from the given path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig decodes the configuration from the reader, rejecting
// unknown keys.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var fc FileConfig
	if err := decoder.Decode(&fc); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ApplyFileConfig maps the file configuration onto the service
// configuration, leaving unset options at their defaults.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return trace.BadParameter("missing file configuration")
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.Log.Severity != "" {
		cfg.LogSeverity = fc.Log.Severity
	}
	if fc.Log.Format != "" {
		cfg.LogFormat = fc.Log.Format
	}

	cfg.SyncInterval = fc.Sync.Interval.Get()
	cfg.SyncBatchSize = fc.Sync.BatchSize
	cfg.MaxSyncAttempts = fc.Sync.MaxAttempts
	cfg.QueueRetention = fc.Sync.Retention.Get()
	cfg.SyncAttemptTimeout = fc.Sync.AttemptTimeout.Get()

	if fc.Upstream.BaseURL == "" {
		return trace.BadParameter("missing required option upstream.base_url")
	}
	cfg.Upstream = upstream.Config{
		BaseURL:          fc.Upstream.BaseURL,
		APIKey:           fc.Upstream.APIKey,
		APISecret:        fc.Upstream.APISecret,
		MaxConcurrent:    fc.Upstream.MaxConcurrent,
		Reservoir:        fc.Upstream.Reservoir,
		ReservoirRefresh: fc.Upstream.ReservoirRefresh,
		ReservoirWindow:  fc.Upstream.ReservoirWindow.Get(),
		MinSpacing:       fc.Upstream.MinSpacing.Get(),
		Timeout:          fc.Upstream.Timeout.Get(),
		RetryCount:       fc.Upstream.RetryCount,
		RetryBaseDelay:   fc.Upstream.RetryBaseDelay.Get(),
		BatchSize:        fc.Upstream.BatchSize,
		BatchDelay:       fc.Upstream.BatchDelay.Get(),
	}

	if fc.Auth.SigningSecret == "" {
		return trace.BadParameter("missing required option auth.signing_secret")
	}
	cfg.Session = session.Config{
		SigningSecret:         fc.Auth.SigningSecret,
		PreviousSecret:        fc.Auth.PreviousSecret,
		KeyGrace:              time.Duration(fc.Auth.KeyGraceDays) * 24 * time.Hour,
		AccessTTL:             fc.Auth.AccessTTL.Get(),
		RefreshTTL:            fc.Auth.RefreshTTL.Get(),
		MaxConcurrentSessions: fc.Auth.MaxConcurrentSessions,
	}
	cfg.DeviceKeys = fc.Auth.DeviceKeys

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.HTTPListenAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	return nil
}
