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

// Package upstream implements the client for the ERP HTTP API. It is the
// single shared resource all submitters go through: the concurrency cap,
// the rate reservoir and the minimum request spacing are global to the
// process, so the forwarder and the ingestion path cannot overrun the
// upstream between them.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/defaults"
	"github.com/gravitational/timegate/lib/utils"
)

// checkinResource is the ERP resource attendance events are posted to.
const checkinResource = "/api/resource/Employee Checkin"

// erpTimeLayout is the timestamp format the ERP expects: local wall time
// with no zone suffix.
const erpTimeLayout = "2006-01-02 15:04:05"

// maxResponseSize caps how much of an upstream response is read.
const maxResponseSize = 1 << 20

// Outcome is the per-record result of an upstream submission.
// Failures are represented, not raised: batch submissions return one
// outcome per input and partial success is normal.
type Outcome struct {
	// Success is true when the upstream accepted the record.
	Success bool `json:"success"`
	// Data echoes the created upstream record on success.
	Data json.RawMessage `json:"data,omitempty"`
	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
	// StatusCode is the HTTP status of the last attempt, zero on
	// network errors.
	StatusCode int `json:"status,omitempty"`
}

// Config sets up the upstream client.
type Config struct {
	// BaseURL is the ERP base URL.
	BaseURL string
	// APIKey and APISecret form the ERP token credential pair.
	APIKey string
	// APISecret is the secret half of the credential pair.
	APISecret string
	// MaxConcurrent caps in-flight requests.
	MaxConcurrent int
	// Reservoir is the rate budget: at most Reservoir requests per
	// ReservoirWindow, refilled by ReservoirRefresh tokens per window.
	Reservoir int
	// ReservoirRefresh is the number of tokens refilled per window.
	ReservoirRefresh int
	// ReservoirWindow is the refill interval.
	ReservoirWindow time.Duration
	// MinSpacing is the minimum gap between dispatched requests.
	MinSpacing time.Duration
	// Timeout is the per-request deadline.
	Timeout time.Duration
	// RetryCount is how many times a recoverable failure is retried.
	RetryCount int
	// RetryBaseDelay is the first backoff delay, doubled per retry.
	RetryBaseDelay time.Duration
	// BatchSize is the slice size used by SubmitMany.
	BatchSize int
	// BatchDelay is the pause between dispatched slices.
	BatchDelay time.Duration
	// Clock allows to override the clock in tests.
	Clock clockwork.Clock
	// HTTPClient allows to override the HTTP client in tests.
	HTTPClient *http.Client
}

// CheckAndSetDefaults checks and sets default config parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return trace.BadParameter("invalid BaseURL %q: %v", c.BaseURL, err)
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaults.UpstreamMaxConcurrent
	}
	if c.Reservoir <= 0 {
		c.Reservoir = defaults.UpstreamReservoir
	}
	if c.ReservoirRefresh <= 0 {
		c.ReservoirRefresh = defaults.UpstreamReservoirRefresh
	}
	if c.ReservoirWindow <= 0 {
		c.ReservoirWindow = defaults.UpstreamReservoirWindow
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = defaults.UpstreamMinSpacing
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.UpstreamTimeout
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaults.UpstreamRetryCount
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.UpstreamRetryBaseDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.UpstreamBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = defaults.UpstreamBatchDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: c.MaxConcurrent,
				// some proxies answer 417 to Expect: 100-continue;
				// never use the handshake
				ExpectContinueTimeout: 0,
			},
		}
	}
	return nil
}

// Client submits attendance events to the ERP.
type Client struct {
	Config
	*log.Entry

	endpoint  string
	sem       *semaphore.Weighted
	reservoir *rate.Limiter
	spacing   *rate.Limiter
}

// NewClient returns a new upstream client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	endpoint := base.JoinPath(checkinResource).String()

	refillRate := rate.Limit(float64(cfg.ReservoirRefresh) / cfg.ReservoirWindow.Seconds())
	var spacing *rate.Limiter
	if cfg.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	return &Client{
		Config:    cfg,
		Entry:     log.WithField(timegate.ComponentKey, timegate.ComponentUpstream),
		endpoint:  endpoint,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		reservoir: rate.NewLimiter(refillRate, cfg.Reservoir),
		spacing:   spacing,
	}, nil
}

// SubmitOne delivers a single event. Recoverable failures (network
// errors, 5xx, 417) are retried with exponential backoff; all other
// failures are returned after the first attempt.
func (c *Client) SubmitOne(ctx context.Context, event attendance.Event) Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Error: err.Error()}
	}
	defer c.sem.Release(1)

	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:  c.RetryBaseDelay,
		Max:   c.RetryBaseDelay << uint(c.RetryCount),
		Clock: c.Clock,
	})
	if err != nil {
		return Outcome{Error: err.Error()}
	}

	var outcome Outcome
	for attempt := 0; attempt <= c.RetryCount; attempt++ {
		select {
		case <-retry.After():
		case <-ctx.Done():
			return Outcome{Error: ctx.Err().Error()}
		}
		retry.Inc()

		outcome = c.dispatch(ctx, event)
		if outcome.Success || !retryable(outcome) {
			return outcome
		}
		if attempt < c.RetryCount {
			c.WithFields(log.Fields{
				"employee": event.EmployeeID,
				"attempt":  attempt + 1,
				"status":   outcome.StatusCode,
			}).Debug("Upstream submission failed, will retry.")
		}
	}
	return outcome
}

// SubmitMany delivers events in slices of BatchSize with BatchDelay
// between slices. Within a slice requests run concurrently subject to
// the global cap. The returned outcomes match the input order.
func (c *Client) SubmitMany(ctx context.Context, events []attendance.Event) []Outcome {
	outcomes := make([]Outcome, len(events))
	for start := 0; start < len(events); start += c.BatchSize {
		end := min(start+c.BatchSize, len(events))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = c.SubmitOne(ctx, events[i])
			}()
		}
		wg.Wait()

		if end < len(events) && c.BatchDelay > 0 {
			select {
			case <-c.Clock.After(c.BatchDelay):
			case <-ctx.Done():
				for i := end; i < len(events); i++ {
					outcomes[i] = Outcome{Error: ctx.Err().Error()}
				}
				return outcomes
			}
		}
	}
	return outcomes
}

// dispatch performs one paced request against the ERP.
func (c *Client) dispatch(ctx context.Context, event attendance.Event) Outcome {
	if err := c.reservoir.Wait(ctx); err != nil {
		return Outcome{Error: err.Error()}
	}
	if c.spacing != nil {
		if err := c.spacing.Wait(ctx); err != nil {
			return Outcome{Error: err.Error()}
		}
	}

	body, err := json.Marshal(checkinRequest(event))
	if err != nil {
		return Outcome{Error: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.APIKey, c.APISecret))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Outcome{Error: err.Error(), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{
			Error:      fmt.Sprintf("upstream returned %v: %s", resp.StatusCode, truncate(payload, 256)),
			StatusCode: resp.StatusCode,
		}
	}

	var parsed struct {
		Data json.RawMessage `json:"data"`
	}
	data := json.RawMessage(payload)
	if err := json.Unmarshal(payload, &parsed); err == nil && len(parsed.Data) > 0 {
		data = parsed.Data
	}
	return Outcome{Success: true, Data: data, StatusCode: resp.StatusCode}
}

// checkinRequest maps an event onto the ERP checkin resource schema.
func checkinRequest(event attendance.Event) any {
	logType := "IN"
	if event.Kind == attendance.KindClockOut {
		logType = "OUT"
	}
	return struct {
		Employee        string   `json:"employee"`
		Time            string   `json:"time"`
		LogType         string   `json:"log_type"`
		DeviceID        string   `json:"device_id,omitempty"`
		CustomSite      string   `json:"custom_site,omitempty"`
		CustomLatitude  *float64 `json:"custom_latitude,omitempty"`
		CustomLongitude *float64 `json:"custom_longitude,omitempty"`
	}{
		Employee:        event.EmployeeID,
		Time:            event.Time.UTC().Format(erpTimeLayout),
		LogType:         logType,
		DeviceID:        event.DeviceID,
		CustomSite:      event.SiteID,
		CustomLatitude:  event.Latitude,
		CustomLongitude: event.Longitude,
	}
}

// retryable reports whether a failed outcome is worth another attempt:
// network errors, server-side errors and 417 (Expect handshake rejected
// by a proxy) are; all other client errors are terminal.
func retryable(o Outcome) bool {
	if o.Success {
		return false
	}
	return o.StatusCode == 0 ||
		o.StatusCode >= http.StatusInternalServerError ||
		o.StatusCode == http.StatusExpectationFailed
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
