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

package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/timegate/lib/attendance"
	"github.com/gravitational/timegate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func testEvent() attendance.Event {
	return attendance.Event{
		EmployeeID: "E1",
		Time:       time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       attendance.KindClockIn,
		DeviceID:   "D1",
	}
}

// fastConfig returns a config with pacing small enough for tests.
func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         "key",
		APISecret:      "secret",
		MinSpacing:     time.Microsecond,
		RetryBaseDelay: time.Millisecond,
		RetryCount:     2,
		BatchSize:      2,
		BatchDelay:     time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func TestSubmitOneSuccess(t *testing.T) {
	var gotPath, gotAuth, gotExpect string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotExpect = r.Header.Get("Expect")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"name":"EMP-CKIN-0001"}}`))
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	outcome := clt.SubmitOne(context.Background(), testEvent())
	require.True(t, outcome.Success)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.JSONEq(t, `{"name":"EMP-CKIN-0001"}`, string(outcome.Data))

	require.Equal(t, "/api/resource/Employee Checkin", gotPath)
	require.Equal(t, "token key:secret", gotAuth)
	require.Empty(t, gotExpect)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	require.Equal(t, "E1", body["employee"])
	require.Equal(t, "2024-06-10 08:30:00", body["time"])
	require.Equal(t, "IN", body["log_type"])
	require.Equal(t, "D1", body["device_id"])
}

func TestSubmitOneRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	outcome := clt.SubmitOne(context.Background(), testEvent())
	require.True(t, outcome.Success)
	require.Equal(t, int32(3), calls.Load())
}

func TestSubmitOneRetries417(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "expectation failed", http.StatusExpectationFailed)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	outcome := clt.SubmitOne(context.Background(), testEvent())
	require.True(t, outcome.Success)
	require.Equal(t, int32(2), calls.Load())
}

func TestSubmitOneTerminalClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such employee", http.StatusBadRequest)
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	outcome := clt.SubmitOne(context.Background(), testEvent())
	require.False(t, outcome.Success)
	require.Equal(t, http.StatusBadRequest, outcome.StatusCode)
	require.Contains(t, outcome.Error, "no such employee")
	// 4xx other than 417 must not be retried
	require.Equal(t, int32(1), calls.Load())
}

func TestSubmitOneExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.RetryCount = 2
	clt, err := NewClient(cfg)
	require.NoError(t, err)

	outcome := clt.SubmitOne(context.Background(), testEvent())
	require.False(t, outcome.Success)
	require.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
	// initial attempt plus two retries
	require.Equal(t, int32(3), calls.Load())
}

func TestSubmitManyPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Employee string `json:"employee"`
		}
		payload, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(payload, &body))
		if body.Employee == "E-REJECT" {
			http.Error(w, "unknown employee", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	events := []attendance.Event{testEvent(), testEvent(), testEvent()}
	events[1].EmployeeID = "E-REJECT"

	outcomes := clt.SubmitMany(context.Background(), events)
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].Success)
	require.False(t, outcomes[1].Success)
	require.Equal(t, http.StatusNotFound, outcomes[1].StatusCode)
	require.True(t, outcomes[2].Success)
}

func TestConcurrencyCap(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MaxConcurrent = 2
	cfg.BatchSize = 8
	clt, err := NewClient(cfg)
	require.NoError(t, err)

	events := make([]attendance.Event, 8)
	for i := range events {
		events[i] = testEvent()
		events[i].Time = events[i].Time.Add(time.Duration(i) * time.Minute)
	}
	outcomes := clt.SubmitMany(context.Background(), events)
	for _, outcome := range outcomes {
		require.True(t, outcome.Success)
	}
	require.LessOrEqual(t, peak, 2)
}

func TestSubmitOneHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	clt, err := NewClient(fastConfig(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome := clt.SubmitOne(ctx, testEvent())
	require.False(t, outcome.Success)
	require.NotEmpty(t, outcome.Error)
}
