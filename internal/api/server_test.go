package api

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/upscaler/internal/api/models"
	"github.com/smazurov/upscaler/internal/events"
	"github.com/smazurov/upscaler/internal/logging"
	"github.com/smazurov/upscaler/internal/worker"
)

type mockWorker struct {
	jobs []worker.JobRecord
}

func (m *mockWorker) Status() worker.Status {
	return worker.Status{ID: "w1", ActiveJobs: 1, MaxConcurrent: 1, Observers: []string{"client-a", "client-b"}}
}

func (m *mockWorker) ListJobs() []worker.JobRecord {
	return m.jobs
}

func (m *mockWorker) GetJob(id string) (worker.JobRecord, bool) {
	for _, j := range m.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return worker.JobRecord{}, false
}

func newTestServer(t *testing.T, auth bool) (*Server, humatest.TestAPI, *events.Bus, *logging.History) {
	t.Helper()
	bus := events.New()
	history := logging.NewHistory(10)
	opts := &Options{
		Worker: &mockWorker{jobs: []worker.JobRecord{
			{ID: "job-2", State: worker.JobRunning, Scale: 2},
			{ID: "job-1", State: worker.JobSucceeded, Scale: 4, Progress: 100},
		}},
		EventBus:    bus,
		History:     history,
		ClientCount: func() int { return 3 },
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("upscaler_jobs_total 0\n"))
		}),
	}
	if auth {
		opts.AuthUsername = "admin"
		opts.AuthPassword = "secret"
	}
	server := NewServer(opts)
	return server, humatest.Wrap(t, server.GetAPI()), bus, history
}

func basicAuth(user, pass string) string {
	return "Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestHealth(t *testing.T) {
	_, api, _, _ := newTestServer(t, true)

	resp := api.Get("/api/health")
	require.Equal(t, http.StatusOK, resp.Code, "health needs no auth")

	var body models.HealthData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.ActiveJobs)
	assert.Equal(t, 2, body.Observers)
	assert.Equal(t, 3, body.Clients)
}

func TestVersion(t *testing.T) {
	_, api, _, _ := newTestServer(t, false)

	resp := api.Get("/api/version")
	require.Equal(t, http.StatusOK, resp.Code)

	var body models.VersionData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Protocol)
	assert.NotEmpty(t, body.GoVersion)
}

func TestBasicAuth(t *testing.T) {
	_, api, _, _ := newTestServer(t, true)

	tests := map[string]struct {
		headers []any
		expCode int
	}{
		"Missing credentials should be rejected.": {expCode: http.StatusUnauthorized},
		"Wrong password should be rejected.": {
			headers: []any{basicAuth("admin", "nope")},
			expCode: http.StatusUnauthorized,
		},
		"A bearer token should be rejected.": {
			headers: []any{"Authorization: Bearer abc"},
			expCode: http.StatusUnauthorized,
		},
		"Valid credentials should pass.": {
			headers: []any{basicAuth("admin", "secret")},
			expCode: http.StatusOK,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			resp := api.Get("/api/status", test.headers...)
			assert.Equal(t, test.expCode, resp.Code)
		})
	}

	query := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	assert.Equal(t, http.StatusOK, api.Get("/api/jobs?auth="+query).Code, "SSE clients authenticate by query")
}

func TestJobs(t *testing.T) {
	_, api, _, _ := newTestServer(t, false)

	tests := map[string]struct {
		path   string
		expIDs []string
	}{
		"All jobs should be listed newest first.": {path: "/api/jobs", expIDs: []string{"job-2", "job-1"}},
		"A state filter should apply.":            {path: "/api/jobs?state=succeeded", expIDs: []string{"job-1"}},
		"A state without jobs should be empty.":   {path: "/api/jobs?state=failed", expIDs: []string{}},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			resp := api.Get(test.path)
			require.Equal(t, http.StatusOK, resp.Code)

			var body models.JobsData
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			ids := []string{}
			for _, j := range body.Jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, test.expIDs, ids)
			assert.Equal(t, len(test.expIDs), body.Count)
		})
	}

	assert.Equal(t, http.StatusUnprocessableEntity, api.Get("/api/jobs?state=bogus").Code)

	resp := api.Get("/api/jobs/job-1")
	require.Equal(t, http.StatusOK, resp.Code)
	var job worker.JobRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &job))
	assert.Equal(t, worker.JobSucceeded, job.State)
	assert.Equal(t, 4, job.Scale)

	assert.Equal(t, http.StatusNotFound, api.Get("/api/jobs/missing").Code)
}

func TestLogs(t *testing.T) {
	_, api, _, history := newTestServer(t, false)
	for i, module := range []string{"supervisor", "rpc", "supervisor"} {
		history.Write(logging.Entry{Timestamp: time.Now(), Level: "INFO", Module: module, Message: string(rune('a' + i))})
	}

	tests := map[string]struct {
		path        string
		expMessages []string
	}{
		"All entries should be returned oldest first.": {path: "/api/logs", expMessages: []string{"a", "b", "c"}},
		"The limit should keep the newest entries.":    {path: "/api/logs?limit=2", expMessages: []string{"b", "c"}},
		"The module filter should apply.":              {path: "/api/logs?module=supervisor", expMessages: []string{"a", "c"}},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			resp := api.Get(test.path)
			require.Equal(t, http.StatusOK, resp.Code)

			var body models.LogsData
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			var got []string
			for _, e := range body.Entries {
				got = append(got, e.Message)
			}
			assert.Equal(t, test.expMessages, got)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _, _ := newTestServer(t, true)
	rec := httptest.NewRecorder()
	server.GetMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "upscaler_jobs_total")
}

func TestCORSPreflight(t *testing.T) {
	server, _, _, _ := newTestServer(t, false)
	rec := httptest.NewRecorder()
	server.GetMux().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/jobs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func readSSEData(t *testing.T, url string, n int, publish func()) []string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "data:") {
				lines <- line
			}
		}
	}()

	var got []string
	timeout := time.After(3 * time.Second)
	published := false
	for len(got) < n {
		select {
		case line := <-lines:
			got = append(got, line)
			if !published && publish != nil {
				published = true
				publish()
			}
		case <-timeout:
			t.Fatalf("got %d of %d SSE lines: %v", len(got), n, got)
		}
	}
	return got
}

func TestEventStream(t *testing.T) {
	server, _, bus, _ := newTestServer(t, false)
	ts := httptest.NewServer(server.GetMux())
	defer ts.Close()

	got := readSSEData(t, ts.URL+"/api/events", 4, func() {
		// The first line arrives after subscribing, so this event is not lost.
		bus.Publish(events.JobProgressEvent{JobID: "job-9", Percentage: 42.5, Message: "42.50%"})
	})

	assert.Equal(t, "event: observer-changed", got[0])
	assert.Contains(t, got[1], `"count":2`)
	assert.Equal(t, "event: job-progress", got[2])
	assert.Contains(t, got[3], `"job_id":"job-9"`)
	assert.Contains(t, got[3], `"percentage":42.5`)
}

func TestLogStreamReplaysHistory(t *testing.T) {
	server, _, bus, history := newTestServer(t, false)
	history.Write(logging.Entry{Timestamp: time.Now(), Level: "INFO", Module: "rpc", Message: "old entry"})
	ts := httptest.NewServer(server.GetMux())
	defer ts.Close()

	got := readSSEData(t, ts.URL+"/api/logs/stream", 2, func() {
		bus.Publish(ToLogEntryEvent(logging.Entry{Timestamp: time.Now(), Level: "WARN", Module: "session", Message: "new entry"}))
	})

	joined := strings.Join(got, "\n")
	assert.Contains(t, joined, "old entry")
	assert.Contains(t, joined, "new entry")
}
