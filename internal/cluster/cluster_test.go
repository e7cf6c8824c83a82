package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/enginefarm-io/enginefarm/internal/job"
	"github.com/enginefarm-io/enginefarm/internal/metrics"
	"github.com/enginefarm-io/enginefarm/internal/store"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// fastEngine answers the handshake and finishes any search immediately.
const fastEngine = `#!/bin/sh
while read cmd; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      echo "info depth 1 multipv 1 score cp 20 nodes 50 nps 500 pv e2e4"
      echo "info depth 2 multipv 1 score cp 25 nodes 150 nps 900 pv e2e4 e7e5"
      echo "bestmove e2e4 ponder e7e5"
      ;;
  esac
done
`

// holdEngine keeps searching until told to stop, then reports a bestmove.
const holdEngine = `#!/bin/sh
emit() {
  n=0
  while :; do
    echo "info depth 5 multipv 1 score cp 12 nodes $n pv e2e4"
    n=$((n+1))
    sleep 0.05
  done
}
while read cmd; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      emit &
      EMIT=$!
      ;;
    stop)
      kill "$EMIT" 2>/dev/null
      echo "bestmove e2e4"
      ;;
  esac
done
`

// stubbornEngine ignores stop entirely; only killing the process ends it.
const stubbornEngine = `#!/bin/sh
while read cmd; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*) echo "info depth 1 multipv 1 score cp 5 nodes 10 pv e2e4" ;;
    stop) : ;;
  esac
done
`

const crashEngine = `#!/bin/sh
exit 1
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    store.SQLiteDSN(path),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return st
}

type env struct {
	t      *testing.T
	srv    *Server
	addr   string
	cancel context.CancelFunc
	st     *store.Store
	grace  time.Duration

	stopOnce sync.Once
}

func newEnv(t *testing.T, engineScript string, maxJobs int, st *store.Store) *env {
	t.Helper()

	srv := New(Config{
		ServerID:       "srv-under-test",
		Engine:         writeScript(t, engineScript),
		Threads:        1,
		MaxJobs:        maxJobs,
		Store:          st,
		StatusInterval: time.Hour,
		Logger:         zaptest.NewLogger(t),
		Metrics:        metrics.New(prometheus.NewRegistry()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.ServeTCP(ctx, l) }()

	e := &env{
		t:      t,
		srv:    srv,
		addr:   l.Addr().String(),
		cancel: cancel,
		st:     st,
		grace:  2 * time.Second,
	}
	t.Cleanup(e.stop)
	return e
}

func (e *env) stop() {
	e.stopOnce.Do(func() {
		e.srv.Shutdown(e.grace)
		e.cancel()
		if e.st != nil {
			_ = e.st.Close()
		}
	})
}

type testClient struct {
	t    *testing.T
	conn net.Conn

	mu     sync.Mutex
	frames []map[string]any
	next   int
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), 8<<20)
		for scanner.Scan() {
			var frame map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				continue
			}
			c.mu.Lock()
			c.frames = append(c.frames, frame)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(payload, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) submit(id, fen string, extra map[string]any) {
	jobObj := map[string]any{"id": id, "fen": fen}
	for k, v := range extra {
		jobObj[k] = v
	}
	c.send(map[string]any{"type": "job_submit_or_update", "job": jobObj})
}

func (c *testClient) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames...)
}

// waitFrame consumes frames in arrival order until pred matches. Frames
// examined by one call are not revisited by the next, so sequential waits
// line up with the request/reply order on the wire.
func (c *testClient) waitFrame(pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for c.next < len(c.frames) {
			f := c.frames[c.next]
			c.next++
			if pred(f) {
				c.mu.Unlock()
				return f
			}
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("expected frame not received; got %d frames: %+v", len(c.snapshot()), c.snapshot())
	return nil
}

func (c *testClient) countFrames(pred func(map[string]any) bool) int {
	n := 0
	for _, f := range c.snapshot() {
		if pred(f) {
			n++
		}
	}
	return n
}

func isUpdate(f map[string]any, jobID string, status job.Status) bool {
	return f["type"] == "job_update" && f["job_id"] == jobID && f["status"] == float64(status)
}

func isTerminalUpdate(f map[string]any, jobID string) bool {
	if f["type"] != "job_update" || f["job_id"] != jobID {
		return false
	}
	st, ok := f["status"].(float64)
	return ok && job.Status(st).Terminal()
}

func jobField(t *testing.T, f map[string]any) map[string]any {
	t.Helper()
	j, ok := f["job"].(map[string]any)
	require.True(t, ok, "job payload missing: %+v", f)
	return j
}

func TestSubmitAndFinish(t *testing.T) {
	a := assert.New(t)
	st := openTestStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	e := newEnv(t, fastEngine, 1, st)
	c := dialClient(t, e.addr)

	c.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })

	c.submit("j1", startFEN, map[string]any{"limit_type": 0, "limit_value": 4, "multipv": 1})

	started := c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusRunning) })
	a.Equal("started", started["log_line"])

	c.waitFrame(func(f map[string]any) bool {
		_, hasDepth := f["depth"]
		return isUpdate(f, "j1", job.StatusRunning) && hasDepth
	})

	finished := c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusFinished) })
	a.Equal("e2e4", finished["bestmove"])

	a.Zero(c.countFrames(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusQueued) }))
	a.Equal(1, c.countFrames(func(f map[string]any) bool { return isTerminalUpdate(f, "j1") }))

	c.send(map[string]any{"type": "job_get", "job_id": "j1"})
	state := c.waitFrame(func(f map[string]any) bool { return f["type"] == "job_state" })
	j := jobField(t, state)
	a.Equal(float64(job.StatusFinished), j["status"])
	a.NotNil(j["started_at_ms"])
	a.NotNil(j["finished_at_ms"])

	snap, ok := j["snapshot"].(map[string]any)
	require.True(t, ok)
	a.Equal("e2e4", snap["bestmove"])
	a.Equal(float64(1), snap["multipv"])

	tail, ok := j["log_tail"].([]any)
	require.True(t, ok)
	joined := fmt.Sprint(tail)
	a.Contains(joined, "started")
	a.Contains(joined, "bestmove e2e4")
}

func TestIdempotentResubmit(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, fastEngine, 1, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, nil)
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusFinished) })

	c.send(map[string]any{"type": "job_get", "job_id": "j1"})
	first := jobField(t, c.waitFrame(func(f map[string]any) bool { return f["type"] == "job_state" }))

	// Resubmission with different contents must change nothing.
	c.submit("j1", "8/8/8/8/8/8/8/K6k w - - 0 1", map[string]any{"limit_value": 99})
	time.Sleep(200 * time.Millisecond)

	a.Equal(1, c.countFrames(func(f map[string]any) bool { return isTerminalUpdate(f, "j1") }))

	c.send(map[string]any{"type": "job_get", "job_id": "j1", "log_tail": 10})
	second := jobField(t, c.waitFrame(func(f map[string]any) bool { return f["type"] == "job_state" }))
	a.Equal(first["created_at_ms"], second["created_at_ms"])
	a.Equal(startFEN, second["fen"])
	a.Equal(float64(30), second["limit_value"])
}

func TestQueueThenCancel(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, holdEngine, 1, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, map[string]any{"limit_type": 1, "limit_value": 60000})
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusRunning) })

	c.submit("j2", startFEN, map[string]any{"limit_type": 1, "limit_value": 60000})
	queued := c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j2", job.StatusQueued) })
	a.Equal("queued", queued["log_line"])

	c.send(map[string]any{"type": "job_cancel", "job_id": "j2"})
	cancelled := c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j2", job.StatusCancelled) })
	a.Equal("cancelled (queued)", cancelled["log_line"])

	c.send(map[string]any{"type": "job_cancel", "job_id": "j1"})
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusCancelled) })

	// The queue was emptied by the cancel, so finishing j1 starts nothing.
	c.waitFrame(func(f map[string]any) bool {
		return f["type"] == "server_status" && f["running_jobs"] == float64(0)
	})
	a.Zero(c.countFrames(func(f map[string]any) bool { return isUpdate(f, "j2", job.StatusRunning) }))
}

func TestCancelRunning(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, holdEngine, 1, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, map[string]any{"limit_type": 1, "limit_value": 60000})
	c.waitFrame(func(f map[string]any) bool {
		_, hasDepth := f["depth"]
		return isUpdate(f, "j1", job.StatusRunning) && hasDepth
	})

	c.send(map[string]any{"type": "job_cancel", "job_id": "j1"})
	terminal := c.waitFrame(func(f map[string]any) bool { return isTerminalUpdate(f, "j1") })
	a.Equal(float64(job.StatusCancelled), terminal["status"])
	a.Equal("e2e4", terminal["bestmove"])

	time.Sleep(100 * time.Millisecond)
	a.Equal(1, c.countFrames(func(f map[string]any) bool { return isTerminalUpdate(f, "j1") }))
}

func TestEngineCrash(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, crashEngine, 1, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, nil)
	errFrame := c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusError) })
	logLine, _ := errFrame["log_line"].(string)
	a.True(strings.HasPrefix(logLine, "[job j1] Error:"), "log_line = %q", logLine)

	// The slot frees and the server reports itself healthy again.
	c.waitFrame(func(f map[string]any) bool {
		return f["type"] == "server_status" &&
			f["running_jobs"] == float64(0) &&
			f["status"] == float64(ServerOnline)
	})

	time.Sleep(100 * time.Millisecond)
	a.Equal(1, c.countFrames(func(f map[string]any) bool { return isTerminalUpdate(f, "j1") }))
}

func TestRestartReconciliation(t *testing.T) {
	a := assert.New(t)
	dbPath := filepath.Join(t.TempDir(), "jobs.db")

	st1 := openTestStore(t, dbPath)
	e1 := newEnv(t, stubbornEngine, 1, st1)
	e1.grace = 100 * time.Millisecond
	c1 := dialClient(t, e1.addr)

	c1.submit("j1", startFEN, map[string]any{"limit_type": 1, "limit_value": 60000})
	c1.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusRunning) })

	// The engine ignores stop, so shutdown falls through to the silent
	// kill: no terminal state is persisted for j1.
	e1.stop()

	st2 := openTestStore(t, dbPath)
	e2 := newEnv(t, stubbornEngine, 1, st2)
	c2 := dialClient(t, e2.addr)

	c2.send(map[string]any{"type": "jobs_list"})
	list := c2.waitFrame(func(f map[string]any) bool { return f["type"] == "jobs_list" })
	jobs, ok := list["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 1)

	j := jobs[0].(map[string]any)
	a.Equal("j1", j["id"])
	a.Equal(float64(job.StatusError), j["status"])
	a.NotNil(j["finished_at_ms"])

	tail, ok := j["log_tail"].([]any)
	require.True(t, ok)
	a.Contains(fmt.Sprint(tail), "server restart: job aborted")
}

func TestPingBroadcastsStatusToAll(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, fastEngine, 0, nil)

	c1 := dialClient(t, e.addr)
	c1.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })
	c2 := dialClient(t, e.addr)
	c2.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })
	// c2's connect broadcast also reaches c1; consume it so the count
	// below can only grow because of the ping.
	c1.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })

	before := c1.countFrames(func(f map[string]any) bool { return f["type"] == "server_status" })
	c2.send(map[string]any{"type": "ping"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c1.countFrames(func(f map[string]any) bool { return f["type"] == "server_status" }) > before {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.Greater(
		c1.countFrames(func(f map[string]any) bool { return f["type"] == "server_status" }),
		before,
		"ping from one client should reach the other")

	status := c2.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })
	a.Equal("srv-under-test", status["server_id"])
	a.Equal(float64(0), status["max_jobs"])
	a.NotZero(status["logical_cores"])
}

func TestJobsListFilterAndLimit(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, fastEngine, 0, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, nil)
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusFinished) })
	time.Sleep(5 * time.Millisecond) // distinct created_at_ms
	c.submit("j2", startFEN, nil)
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j2", job.StatusFinished) })

	nextList := func() []any {
		f := c.waitFrame(func(f map[string]any) bool { return f["type"] == "jobs_list" })
		jobs, ok := f["jobs"].([]any)
		require.True(t, ok, "jobs payload missing: %+v", f)
		return jobs
	}

	c.send(map[string]any{"type": "jobs_list"})
	jobs := nextList()
	require.Len(t, jobs, 2)
	a.Equal("j2", jobs[0].(map[string]any)["id"], "newest first")
	a.Equal("j1", jobs[1].(map[string]any)["id"])

	c.send(map[string]any{"type": "jobs_list", "limit": 1})
	jobs = nextList()
	require.Len(t, jobs, 1)
	a.Equal("j2", jobs[0].(map[string]any)["id"])

	c.send(map[string]any{"type": "jobs_list", "limit": 0})
	a.Empty(nextList(), "explicit zero limit returns nothing")

	c.send(map[string]any{"type": "jobs_list", "include_finished": false})
	a.Empty(nextList(), "both jobs are terminal")
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, fastEngine, 0, nil)
	c := dialClient(t, e.addr)
	c.waitFrame(func(f map[string]any) bool { return f["type"] == "server_status" })

	_, err := c.conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	c.send(map[string]any{"type": "no_such_type"})
	c.send(map[string]any{"type": "job_submit_or_update", "job": map[string]any{"id": "nofen"}})
	c.send(map[string]any{"type": "job_get"})
	c.send(map[string]any{"type": "job_cancel", "job_id": "ghost"})

	// The connection survives and the bad submissions created nothing.
	c.send(map[string]any{"type": "jobs_list"})
	list := c.waitFrame(func(f map[string]any) bool { return f["type"] == "jobs_list" })
	jobs, ok := list["jobs"].([]any)
	require.True(t, ok)
	a.Empty(jobs)
}

func TestSubmitDefaultsAndCoercion(t *testing.T) {
	a := assert.New(t)
	e := newEnv(t, fastEngine, 0, nil)
	c := dialClient(t, e.addr)

	c.submit("j1", startFEN, map[string]any{"multipv": -3})
	c.waitFrame(func(f map[string]any) bool { return isUpdate(f, "j1", job.StatusFinished) })

	c.send(map[string]any{"type": "job_get", "job_id": "j1"})
	j := jobField(t, c.waitFrame(func(f map[string]any) bool { return f["type"] == "job_state" }))
	a.Equal(float64(0), j["limit_type"])
	a.Equal(float64(30), j["limit_value"])
	a.Equal(float64(1), j["multipv"], "multipv below 1 is coerced")
	a.Equal("", j["opponent"])
}
