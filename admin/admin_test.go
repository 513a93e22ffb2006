package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/engine"
	"github.com/maxpert/livesync/eventlog"
	"github.com/maxpert/livesync/poller"
	"github.com/maxpert/livesync/retry"
	"github.com/maxpert/livesync/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	events  []eventlog.Entry
	pollErr error
	drained int
}

func (f *fakeBackend) Status() engine.Status {
	return engine.Status{Origin: "client-a", Online: true, Connected: true, Channels: 1, Subscriptions: 2}
}

func (f *fakeBackend) Channels() []channel.Info {
	return []channel.Info{{ScopeKey: "courses:org-1:all-users", Entity: "courses", State: channel.StateSubscribed, Subscribers: 2}}
}

func (f *fakeBackend) Channel(scopeKey string) (channel.Info, bool) {
	for _, info := range f.Channels() {
		if info.ScopeKey == scopeKey {
			return info, true
		}
	}
	return channel.Info{}, false
}

func (f *fakeBackend) Metrics() telemetry.MetricsSnapshot {
	return telemetry.MetricsSnapshot{CacheSize: 7, CacheHitRate: 0.5, IsOnline: true}
}

func (f *fakeBackend) Events(after uint64, limit int) ([]eventlog.Entry, error) {
	var out []eventlog.Entry
	for _, e := range f.events {
		if e.Seq > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) Poll(ctx context.Context) (poller.Result, error) {
	return poller.Result{Channels: 1, Records: 3}, f.pollErr
}

func (f *fakeBackend) DrainRetries(ctx context.Context) retry.DrainResult {
	f.drained++
	return retry.DrainResult{Succeeded: 2}
}

func newTestMux(backend Backend, secret string) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(backend), secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	}))
	return mux
}

func do(t *testing.T, mux http.Handler, method, path string, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestStatusAndMetrics(t *testing.T) {
	mux := newTestMux(&fakeBackend{}, "")

	rec, body := do(t, mux, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "client-a", data["origin"])
	assert.Equal(t, true, data["connected"])

	rec, body = do(t, mux, http.MethodGet, "/sync/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["cache_size"])
	assert.Equal(t, 0.5, data["cache_hit_rate"])

	rec, _ = do(t, mux, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestChannels(t *testing.T) {
	mux := newTestMux(&fakeBackend{}, "")

	rec, body := do(t, mux, http.MethodGet, "/sync/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["data"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "courses:org-1:all-users", list[0].(map[string]interface{})["scope_key"])

	rec, body = do(t, mux, http.MethodGet, "/sync/channels/courses:org-1:all-users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUBSCRIBED", body["data"].(map[string]interface{})["state"])

	rec, body = do(t, mux, http.MethodGet, "/sync/channels/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "missing")
}

func TestEventsPagination(t *testing.T) {
	backend := &fakeBackend{}
	for seq := uint64(1); seq <= 5; seq++ {
		backend.events = append(backend.events, eventlog.Entry{
			Seq:   seq,
			At:    time.Unix(1700000000, 0),
			Event: common.ChangeEvent{Entity: "courses", Type: common.ChangeUpdate},
		})
	}
	mux := newTestMux(backend, "")

	rec, body := do(t, mux, http.MethodGet, "/sync/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 2)
	assert.Equal(t, true, body["has_more"])
	assert.Equal(t, "2", body["last_key"])

	_, body = do(t, mux, http.MethodGet, "/sync/events?from=4&limit=2", nil)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, false, body["has_more"])

	rec, _ = do(t, mux, http.MethodGet, "/sync/events?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, mux, http.MethodGet, "/sync/events?from=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollAndDrain(t *testing.T) {
	backend := &fakeBackend{}
	mux := newTestMux(backend, "")

	rec, body := do(t, mux, http.MethodPost, "/sync/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["data"].(map[string]interface{})["records"])

	backend.pollErr = errors.New("upstream down")
	rec, _ = do(t, mux, http.MethodPost, "/sync/poll", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = do(t, mux, http.MethodPost, "/sync/retries/drain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, backend.drained)

	rec, _ = do(t, mux, http.MethodGet, "/sync/poll", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	mux := newTestMux(&fakeBackend{}, "s3cret")

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"bad format", http.Header{"Authorization": {"Basic s3cret"}}, http.StatusUnauthorized},
		{"wrong secret", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"bearer", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"secret header", http.Header{SecretHeader: {"s3cret"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, mux, http.MethodGet, "/sync/status", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec, _ := do(t, mux, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "prometheus endpoint is not behind auth")
}
