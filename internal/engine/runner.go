// Package engine drives one UCI engine child process per job. A Runner
// owns the process end to end: it scripts the UCI handshake, streams
// search output as job updates, and guarantees the child is reaped on
// every exit path. Cancellation is cooperative: the runner asks the
// engine to stop and treats the bestmove that follows as the terminal
// event.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/job"
	"github.com/enginefarm-io/enginefarm/internal/uci"
)

// UpdateSink receives every update a runner produces, in emission order.
// Implementations must apply the update to the job record and broadcast
// it before returning; the runner serialises its calls, so the per-job
// ordering guarantee is exactly the call order.
type UpdateSink interface {
	SendJobUpdate(jobID string, status job.Status, fields uci.Fields, logLine string)
}

// Options configures a Runner for a single job.
type Options struct {
	Binary  string // engine executable path
	Threads int    // engine Threads option; 0 leaves the engine default
	Job     job.Pending
	Sink    UpdateSink
	Logger  *zap.Logger
}

// Runner executes one job against one engine process. Create with New,
// call Run exactly once. RequestCancel and Kill may be called from any
// goroutine at any time.
type Runner struct {
	opts Options
	log  *zap.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}
	killed     atomic.Bool

	mu   sync.Mutex
	proc *exec.Cmd
}

// New returns a runner ready to Run.
func New(opts Options) *Runner {
	return &Runner{
		opts:      opts,
		log:       opts.Logger.With(zap.String("job_id", opts.Job.ID)),
		cancelled: make(chan struct{}),
	}
}

// JobID returns the id of the job this runner executes.
func (r *Runner) JobID() string { return r.opts.Job.ID }

// RequestCancel asks the runner to stop the engine and finish. It is
// idempotent and level-triggered: once requested, it stays requested.
func (r *Runner) RequestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

// Kill force-terminates the child without emitting a terminal update.
// It exists for server shutdown, where persisting a terminal state would
// be wrong; the next startup reconciles the job instead.
func (r *Runner) Kill() {
	r.killed.Store(true)
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
}

// Run drives the engine through the full protocol script and returns the
// terminal status it reported. Exactly one terminal update is emitted via
// the sink (FINISHED or CANCELLED from the engine's bestmove, ERROR if
// the script fails) unless the runner was killed, in which case none is.
func (r *Runner) Run() (job.Status, uci.Fields) {
	jobID := r.opts.Job.ID

	status, fields, err := r.run()
	if err != nil {
		if r.killed.Load() {
			r.log.Debug("engine runner killed", zap.Error(err))
			return job.StatusError, uci.Fields{}
		}
		r.opts.Sink.SendJobUpdate(jobID, job.StatusError, uci.Fields{},
			fmt.Sprintf("[job %s] Error: %v", jobID, err))
		return job.StatusError, uci.Fields{}
	}
	return status, fields
}

func (r *Runner) run() (job.Status, uci.Fields, error) {
	p := r.opts.Job

	cmd := exec.Command(r.opts.Binary)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	// Engine diagnostics on stderr are folded into the same stream.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("start engine %s: %w", r.opts.Binary, err)
	}
	r.mu.Lock()
	r.proc = cmd
	r.mu.Unlock()
	r.log.Debug("engine process started", zap.String("binary", r.opts.Binary), zap.Int("pid", cmd.Process.Pid))

	done := make(chan struct{})
	defer func() {
		close(done)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	lines := readLines(stdout, done)

	send := func(command string) error {
		if _, err := io.WriteString(stdin, command+"\n"); err != nil {
			return fmt.Errorf("write %q to engine: %w", command, err)
		}
		return nil
	}

	// UCI handshake.
	if err := send("uci"); err != nil {
		return 0, nil, err
	}
	if err := waitFor(lines, "uciok"); err != nil {
		return 0, nil, fmt.Errorf("during UCI init: %w", err)
	}

	if r.opts.Threads > 0 {
		if err := send(fmt.Sprintf("setoption name Threads value %d", r.opts.Threads)); err != nil {
			return 0, nil, err
		}
	}
	mpv := p.MultiPV
	if mpv < 1 {
		mpv = 1
	}
	if err := send(fmt.Sprintf("setoption name MultiPV value %d", mpv)); err != nil {
		return 0, nil, err
	}

	if err := send("isready"); err != nil {
		return 0, nil, err
	}
	if err := waitFor(lines, "readyok"); err != nil {
		return 0, nil, fmt.Errorf("during isready: %w", err)
	}

	if err := send("ucinewgame"); err != nil {
		return 0, nil, err
	}
	if err := send("position fen " + p.FEN); err != nil {
		return 0, nil, err
	}
	if err := send(goCommand(p.LimitType, p.LimitValue)); err != nil {
		return 0, nil, err
	}

	// Streaming loop. Search output becomes RUNNING updates until the
	// bestmove line closes the job. On cancel the engine is asked to stop
	// once; whatever bestmove it then produces is terminal but counts as
	// CANCELLED.
	lastByMPV := map[int]uci.Fields{}
	cancelled := r.cancelled
	stopRequested := false

	for {
		select {
		case <-cancelled:
			stopRequested = true
			cancelled = nil
			if err := send("stop"); err != nil {
				return 0, nil, err
			}
			continue

		case line, ok := <-lines:
			if !ok {
				return 0, nil, errors.New("engine terminated unexpectedly")
			}
			s := strings.TrimSpace(line)
			if s == "" {
				continue
			}

			if parsed := uci.ParseInfo(s); parsed != nil {
				idx := 1
				if v, ok := parsed["multipv"].(int); ok && v != 0 {
					idx = v
				}
				cur := lastByMPV[idx]
				if cur == nil {
					cur = uci.Fields{}
				}
				for k, v := range parsed {
					cur[k] = v
				}
				cur["multipv"] = idx
				lastByMPV[idx] = cur
				r.opts.Sink.SendJobUpdate(p.ID, job.StatusRunning, cur, s)
				continue
			}

			if strings.HasPrefix(s, "bestmove") {
				final := job.StatusFinished
				if stopRequested || r.isCancelled() {
					final = job.StatusCancelled
				}
				fields := uci.Fields{}
				for k, v := range lastByMPV[1] {
					fields[k] = v
				}
				if bm, ok := uci.ParseBestmove(s); ok {
					fields["bestmove"] = bm
				}
				fields["multipv"] = 1
				r.opts.Sink.SendJobUpdate(p.ID, final, fields, s)
				return final, fields, nil
			}
		}
	}
}

func (r *Runner) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// goCommand maps the submission limit onto the engine's go command.
// Unknown limit types fall back to a fixed-depth search.
func goCommand(limitType, limitValue int) string {
	switch limitType {
	case 0:
		return fmt.Sprintf("go depth %d", limitValue)
	case 1:
		return fmt.Sprintf("go movetime %d", limitValue)
	case 2:
		return fmt.Sprintf("go nodes %d", limitValue)
	default:
		return "go depth 20"
	}
}

// readLines pumps the engine's merged output into a channel, closing it
// on EOF. The done channel unblocks the pump when the runner exits with
// output still unread. Long MultiPV lines exceed the default scanner
// token size, so the buffer is widened.
func readLines(rd io.Reader, done <-chan struct{}) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return out
}

// waitFor consumes lines until one equals marker. EOF first is an error.
func waitFor(lines <-chan string, marker string) error {
	for line := range lines {
		if strings.TrimSpace(line) == marker {
			return nil
		}
	}
	return fmt.Errorf("engine closed stdout before %q", marker)
}
