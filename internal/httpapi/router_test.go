package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
	"github.com/enginefarm-io/enginefarm/internal/job"
	"github.com/enginefarm-io/enginefarm/internal/metrics"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

const fastEngine = `#!/bin/sh
while read cmd; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      echo "info depth 1 multipv 1 score cp 20 nodes 50 nps 500 pv e2e4"
      echo "bestmove e2e4"
      ;;
  esac
done
`

func newTestServer(t *testing.T) (*cluster.Server, *httptest.Server) {
	t.Helper()

	enginePath := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(enginePath, []byte(fastEngine), 0o755))

	reg := prometheus.NewRegistry()
	srv := cluster.New(cluster.Config{
		ServerID:       "http-test",
		Engine:         enginePath,
		Threads:        1,
		StatusInterval: time.Hour,
		Logger:         zaptest.NewLogger(t),
		Metrics:        metrics.New(reg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	ts := httptest.NewServer(NewRouter(RouterConfig{
		Cluster: srv,
		Metrics: reg,
		Logger:  zaptest.NewLogger(t),
	}))

	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(2 * time.Second)
		cancel()
	})
	return srv, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func waitTerminal(t *testing.T, srv *cluster.Server, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := srv.JobView(context.Background(), id, 0); ok && v.Status.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestStatusDocument(t *testing.T) {
	a := assert.New(t)
	_, ts := newTestServer(t)

	code, body := getJSON(t, ts.URL+"/api/v1/status")
	require.Equal(t, http.StatusOK, code)

	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data envelope: %+v", body)
	a.Equal("server_status", data["type"])
	a.Equal("http-test", data["server_id"])
	a.Equal(float64(cluster.ServerOnline), data["status"])
	a.Equal(float64(0), data["running_jobs"])
	a.NotZero(data["logical_cores"])
}

func TestJobQueries(t *testing.T) {
	a := assert.New(t)
	srv, ts := newTestServer(t)

	srv.Submit(job.Pending{ID: "j1", FEN: startFEN, LimitValue: 2, MultiPV: 1})
	waitTerminal(t, srv, "j1")

	code, body := getJSON(t, ts.URL+"/api/v1/jobs")
	require.Equal(t, http.StatusOK, code)
	list, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	a.Equal("j1", entry["id"])
	a.Equal(float64(job.StatusFinished), entry["status"])

	_, body = getJSON(t, ts.URL+"/api/v1/jobs?include_finished=false")
	a.Empty(body["data"])

	_, body = getJSON(t, ts.URL+"/api/v1/jobs?limit=0")
	a.Empty(body["data"])

	code, body = getJSON(t, ts.URL+"/api/v1/jobs/j1?log_tail=5")
	require.Equal(t, http.StatusOK, code)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	a.Equal("j1", data["id"])
	snap, ok := data["snapshot"].(map[string]any)
	require.True(t, ok)
	a.Equal("e2e4", snap["bestmove"])
	tail, ok := data["log_tail"].([]any)
	require.True(t, ok)
	a.LessOrEqual(len(tail), 5)
	a.NotEmpty(tail)

	code, body = getJSON(t, ts.URL+"/api/v1/jobs/ghost")
	a.Equal(http.StatusNotFound, code)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	a.Equal("not_found", errObj["code"])
}

func TestMetricsExposition(t *testing.T) {
	srv, ts := newTestServer(t)

	srv.Submit(job.Pending{ID: "m1", FEN: startFEN, LimitValue: 2, MultiPV: 1})
	waitTerminal(t, srv, "m1")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "enginefarm_jobs_submitted_total 1")
	assert.Contains(t, text, `enginefarm_jobs_completed_total{status="finished"} 1`)
}

func readWSFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(15*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketProtocol(t *testing.T) {
	a := assert.New(t)
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Connecting triggers a status broadcast.
	first := readWSFrame(t, conn)
	a.Equal("server_status", first["type"])

	payload, err := json.Marshal(map[string]any{"type": "jobs_list"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	list := readWSFrame(t, conn)
	require.Equal(t, "jobs_list", list["type"])
	a.Equal("http-test", list["server_id"])
	a.Empty(list["jobs"])

	// Drive a full job through the WS dispatcher and watch it stream back.
	payload, err = json.Marshal(map[string]any{
		"type": "job_submit_or_update",
		"job":  map[string]any{"id": "ws1", "fen": startFEN, "limit_value": 2},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	sawStarted := false
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		frame := readWSFrame(t, conn)
		if frame["type"] != "job_update" || frame["job_id"] != "ws1" {
			continue
		}
		switch job.Status(frame["status"].(float64)) {
		case job.StatusRunning:
			sawStarted = true
		case job.StatusFinished:
			a.True(sawStarted, "terminal update arrived before any running update")
			a.Equal("e2e4", frame["bestmove"])
			return
		}
	}
	t.Fatal("no finished update received over websocket")
}
