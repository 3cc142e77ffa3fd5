package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/tenantplane/internal/events"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames reads n data frames from the stream, skipping comments.
func readFrames(t *testing.T, sc *bufio.Scanner, n int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for len(frames) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Len(t, frames, n, "stream ended early: %v", sc.Err())
	return frames
}

func (e *testEnv) stream(t *testing.T, ctx context.Context, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) publish(t *testing.T, tenantID string, typ events.Type, payload map[string]any) {
	t.Helper()
	_, err := e.publisher.Publish(context.Background(), events.Draft{TenantID: tenantID, Type: typ, Payload: payload})
	require.NoError(t, err)
}

func TestStreamStart(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		lastID  string
		want    int64
		wantErr bool
	}{
		{name: "default", want: 1},
		{name: "from", query: "?from=5", want: 5},
		{name: "last event id", lastID: "7", want: 8},
		{name: "last event id wins", query: "?from=2", lastID: "7", want: 8},
		{name: "bad from", query: "?from=0", wantErr: true},
		{name: "bad last event id", lastID: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/tenants/T1/events"+tt.query, nil)
			if tt.lastID != "" {
				r.Header.Set("Last-Event-ID", tt.lastID)
			}
			got, err := streamStart(r)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventStreamReplayThenLive(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "T1", events.TypeTenantCreated, map[string]any{"name": "acme"})
	env.publish(t, "T1", events.TypeStatusChanged, map[string]any{"from": "pending", "to": "provisioning"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice", false)}}
	resp := env.stream(t, ctx, "/tenants/T1/events", header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	frames := readFrames(t, sc, 2)
	assert.Equal(t, "1", frames[0].id)
	assert.Equal(t, "2", frames[1].id)

	env.publish(t, "T1", events.TypeStatusChanged, map[string]any{"from": "provisioning", "to": "awaiting_deploy"})
	live := readFrames(t, sc, 1)[0]
	assert.Equal(t, "3", live.id)
	assert.Equal(t, string(events.TypeStatusChanged), live.event)

	var flat map[string]any
	require.NoError(t, json.Unmarshal([]byte(live.data), &flat))
	assert.Equal(t, "awaiting_deploy", flat["to"])
	assert.Equal(t, "T1", flat["tenant_id"])
	assert.EqualValues(t, 3, flat["sequence_number"])
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	for range 4 {
		env.publish(t, "T1", events.TypeStepCompleted, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	header := http.Header{
		"Authorization": {"Bearer " + env.token(t, "alice", false)},
		"Last-Event-Id": {"2"},
	}
	resp := env.stream(t, ctx, "/tenants/T1/events", header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, bufio.NewScanner(resp.Body), 2)
	assert.Equal(t, "3", frames[0].id)
	assert.Equal(t, "4", frames[1].id)
}

func TestEventStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice", false)}}
	resp := env.stream(t, ctx, "/tenants/T1/events", header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, ": heartbeat", sc.Text())
}

func TestEventStreamRequiresAccess(t *testing.T) {
	env := newTestEnv(t)

	resp := env.stream(t, context.Background(), "/tenants/T1/events", http.Header{
		"Authorization": {"Bearer " + env.token(t, "bob", false)},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.stream(t, context.Background(), "/tenants/T1/events?from=-1", http.Header{
		"Authorization": {"Bearer " + env.token(t, "alice", false)},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStreamClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice", false)}}
	resp := env.stream(t, context.Background(), "/tenants/T1/events", header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.handler.CloseStreams()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}
