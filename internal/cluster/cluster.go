// Package cluster is the heart of the server: it owns the job records, the
// engine slots and the pending queue, applies every engine update to the
// record set before publishing it, and speaks the line-framed JSON protocol
// with clients.
//
// One mutex guards the whole shared world (records, active runners, pending
// queue). The lock is never held across client I/O, engine I/O or a store
// call: every operation computes its changes and a description of the side
// effects under the lock, releases it, then performs the store writes and
// broadcasts. Per-job update order is preserved because each driver emits
// its updates sequentially; ordering across different jobs is unspecified.
package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/engine"
	"github.com/enginefarm-io/enginefarm/internal/hub"
	"github.com/enginefarm-io/enginefarm/internal/job"
	"github.com/enginefarm-io/enginefarm/internal/metrics"
	"github.com/enginefarm-io/enginefarm/internal/store"
	"github.com/enginefarm-io/enginefarm/internal/uci"
)

// ServerStatus is the health enum carried by server_status frames. The
// numeric values are wire protocol; UNKNOWN and OFFLINE are what clients
// assume before the first frame and after a disconnect.
type ServerStatus int

const (
	ServerUnknown  ServerStatus = 0
	ServerOnline   ServerStatus = 1
	ServerDegraded ServerStatus = 2
	ServerOffline  ServerStatus = 3
)

const (
	// maxPendingJobs bounds the queue so a misbehaving client cannot grow
	// it without limit. Submissions beyond the cap are dropped before a
	// record is created.
	maxPendingJobs = 10000

	defaultLoadLimit      = 500
	defaultStatusInterval = 30 * time.Second
)

// Config carries the scheduler's construction parameters. ServerID and
// Engine are validated by the command layer; Store is nil when persistence
// is disabled.
type Config struct {
	ServerID string
	Engine   string
	Threads  int
	MaxJobs  int // 0 means unlimited

	Store     *store.Store
	LoadLimit int // records rehydrated at startup

	StatusInterval time.Duration
	LogRetention   time.Duration // 0 disables the sweep

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server is the scheduler, record authority and protocol endpoint in one.
type Server struct {
	cfg   Config
	log   *zap.Logger
	hub   *hub.Hub
	met   *metrics.Metrics
	st    *store.Store
	cores int

	mu      sync.Mutex
	records map[string]*job.Record
	seq     map[string]uint64 // submission order, tie-break for listings
	nextSeq uint64
	active  map[string]*engine.Runner
	pending []job.Pending
	closing bool

	cron gocron.Scheduler

	wg sync.WaitGroup // live driver goroutines
}

// New builds the server and, when a store is configured, reconciles jobs
// left unfinished by the previous process and rehydrates recent history.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.LoadLimit <= 0 {
		cfg.LoadLimit = defaultLoadLimit
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}

	log := cfg.Logger.Named("cluster")
	s := &Server{
		cfg:     cfg,
		log:     log,
		hub:     hub.New(cfg.Logger),
		met:     cfg.Metrics,
		st:      cfg.Store,
		cores:   metrics.LogicalCores(),
		records: make(map[string]*job.Record),
		seq:     make(map[string]uint64),
		active:  make(map[string]*engine.Runner),
	}
	if s.st != nil {
		s.restoreFromStore()
	}
	return s
}

// restoreFromStore marks unfinished jobs from the previous run as errors
// (the engine processes are gone) and loads recent history so listings
// survive restarts. Failures here degrade to an empty history, never to a
// startup failure.
func (s *Server) restoreFromStore() {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	ids, err := s.st.ReconcileIncomplete(ctx, now)
	if err != nil {
		s.log.Warn("restart reconciliation failed", zap.Error(err))
	} else {
		for _, id := range ids {
			if err := s.st.AppendLog(ctx, id, now, "server restart: job aborted"); err != nil {
				s.storeFailure(id, err)
			}
		}
		if len(ids) > 0 {
			s.log.Info("unfinished jobs from previous run marked as error", zap.Int("count", len(ids)))
		}
	}

	rows, err := s.st.LoadRecent(ctx, s.cfg.LoadLimit)
	if err != nil {
		s.log.Warn("job history load failed", zap.Error(err))
		return
	}
	for i := range rows {
		rec := rows[i].Record(now)
		if tail, err := s.st.FetchLogTail(ctx, rec.ID, job.LogCap); err == nil {
			rec.ReplaceLog(tail, job.LogCap)
		}
		s.records[rec.ID] = rec
		s.seq[rec.ID] = s.nextSeq
		s.nextSeq++
	}
	if len(rows) > 0 {
		s.log.Info("job history restored", zap.Int("jobs", len(rows)))
	}
}

// Start launches the hub and the maintenance scheduler. The hub stops when
// ctx is cancelled; the maintenance scheduler stops in Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	return s.startMaintenance()
}

// Submit schedules a new job. Idempotency is by id: a job already known in
// any form is left untouched, whatever the resubmission carries. Records
// are never dropped while the process lives, so the records map alone
// covers active and queued jobs too.
func (s *Server) Submit(p job.Pending) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.log.Debug("submission during shutdown dropped", zap.String("job_id", p.ID))
		return
	}
	if _, known := s.records[p.ID]; known {
		s.mu.Unlock()
		s.log.Debug("duplicate submission ignored", zap.String("job_id", p.ID))
		return
	}

	queued := s.cfg.MaxJobs > 0 && len(s.active) >= s.cfg.MaxJobs
	if queued && len(s.pending) >= maxPendingJobs {
		s.mu.Unlock()
		s.log.Warn("pending queue full, submission dropped", zap.String("job_id", p.ID))
		return
	}

	rec := job.NewFromPending(p, now)
	s.records[p.ID] = rec
	s.seq[p.ID] = s.nextSeq
	s.nextSeq++

	var runner *engine.Runner
	if queued {
		s.pending = append(s.pending, p)
	} else {
		runner = s.newRunner(p)
		s.active[p.ID] = runner
	}
	s.mu.Unlock()

	s.met.JobsSubmitted.Inc()
	s.log.Info("job submitted",
		zap.String("job_id", p.ID),
		zap.Bool("queued", queued),
		zap.Int("limit_type", p.LimitType),
		zap.Int("multipv", p.MultiPV))

	// The audit line lands before the driver can append anything, so the
	// log always reads submitted, then queued or started.
	s.persistSubmission(p.ID)
	if runner != nil {
		s.startJob(runner)
	}
	if queued {
		s.SendJobUpdate(p.ID, job.StatusQueued, nil, "queued")
	}
	s.BroadcastStatus()
	if queued {
		// In case capacity is unlimited or a slot freed meanwhile.
		s.tryStartNext()
	}
}

// Cancel stops a job. Running jobs are cancelled cooperatively through
// their driver, which will emit the terminal update; queued jobs are
// removed and closed out here. Terminal or unknown ids are no-ops.
func (s *Server) Cancel(jobID string) {
	s.mu.Lock()
	if runner, ok := s.active[jobID]; ok {
		runner.RequestCancel()
		s.mu.Unlock()
		s.log.Info("cancel requested", zap.String("job_id", jobID))
		return
	}

	found := false
	for i := range s.pending {
		if s.pending[i].ID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}

	s.log.Info("queued job cancelled", zap.String("job_id", jobID))
	s.SendJobUpdate(jobID, job.StatusCancelled, nil, "cancelled (queued)")
	s.BroadcastStatus()
	s.tryStartNext()
}

// tryStartNext starts queued jobs while slots are free, announcing the
// changed occupancy once per started job. During shutdown it starts
// nothing, so a finishing job cannot spawn a successor the shutdown
// sequence has no handle on.
func (s *Server) tryStartNext() {
	for {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		if s.cfg.MaxJobs > 0 && len(s.active) >= s.cfg.MaxJobs {
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		p := s.pending[0]
		s.pending = s.pending[1:]
		runner := s.newRunner(p)
		s.active[p.ID] = runner
		s.mu.Unlock()

		s.startJob(runner)
		s.BroadcastStatus()
	}
}

func (s *Server) newRunner(p job.Pending) *engine.Runner {
	return engine.New(engine.Options{
		Binary:  s.cfg.Engine,
		Threads: s.cfg.Threads,
		Job:     p,
		Sink:    s,
		Logger:  s.cfg.Logger.Named("engine"),
	})
}

func (s *Server) startJob(r *engine.Runner) {
	s.wg.Add(1)
	go s.runJob(r)
}

// runJob drives one engine to its terminal state, then frees the slot and
// pulls the next queued job.
func (s *Server) runJob(r *engine.Runner) {
	defer s.wg.Done()
	id := r.JobID()

	s.SendJobUpdate(id, job.StatusRunning, nil, "started")

	start := time.Now()
	status, _ := r.Run()
	s.met.JobDuration.Observe(time.Since(start).Seconds())
	s.met.JobsCompleted.WithLabelValues(status.String()).Inc()

	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()

	s.BroadcastStatus()
	s.tryStartNext()
}

// SendJobUpdate applies one update to the record set, persists it, and
// broadcasts the job_update frame. It implements engine.UpdateSink, so
// drivers feed their output directly through here; the scheduler uses the
// same path for its own QUEUED/RUNNING/CANCELLED transitions.
//
// The broadcast frame carries the status as emitted. The record itself
// gates late status changes once terminal, so a frame and the stored
// record can disagree only after the job is already closed.
func (s *Server) SendJobUpdate(jobID string, status job.Status, fields uci.Fields, logLine string) {
	ts := time.Now().UnixMilli()

	s.mu.Lock()
	rec := s.records[jobID]
	if rec == nil {
		rec = job.New(jobID, ts)
		s.records[jobID] = rec
		s.seq[jobID] = s.nextSeq
		s.nextSeq++
	}
	rec.Apply(status, fields, logLine, ts)
	var row *store.Job
	if s.st != nil {
		row = store.JobFromRecord(rec)
	}
	s.mu.Unlock()

	if row != nil {
		ctx := context.Background()
		if err := s.st.UpsertJob(ctx, row); err != nil {
			s.storeFailure(jobID, err)
		} else if logLine != "" {
			if err := s.st.AppendLog(ctx, jobID, ts, logLine); err != nil {
				s.storeFailure(jobID, err)
			}
		}
	}

	s.hub.Broadcast(updateFrame(jobID, status, fields, logLine))
	s.met.UpdatesPublished.Inc()
}

// updateFrameKeys is the fixed field set a job_update frame may carry on
// top of type/job_id/status/log_line.
var updateFrameKeys = [...]string{
	"multipv", "depth", "seldepth", "score_cp", "score_mate",
	"nodes", "nps", "bestmove", "pv",
}

func updateFrame(jobID string, status job.Status, fields uci.Fields, logLine string) map[string]any {
	frame := map[string]any{
		"type":   "job_update",
		"job_id": jobID,
		"status": int(status),
	}
	for _, k := range updateFrameKeys {
		if v, ok := fields[k]; ok {
			frame[k] = v
		}
	}
	if logLine != "" {
		frame["log_line"] = logLine
	}
	return frame
}

// persistSubmission appends the "submitted" audit line to the record and,
// when a store is configured, writes the record's current state plus the
// line.
func (s *Server) persistSubmission(jobID string) {
	ts := time.Now().UnixMilli()

	s.mu.Lock()
	rec := s.records[jobID]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	rec.AppendLog("submitted")
	var row *store.Job
	if s.st != nil {
		row = store.JobFromRecord(rec)
	}
	s.mu.Unlock()
	if row == nil {
		return
	}

	ctx := context.Background()
	if err := s.st.UpsertJob(ctx, row); err != nil {
		s.storeFailure(jobID, err)
		return
	}
	if err := s.st.AppendLog(ctx, jobID, ts, "submitted"); err != nil {
		s.storeFailure(jobID, err)
	}
}

func (s *Server) storeFailure(jobID string, err error) {
	s.log.Warn("store write failed", zap.String("job_id", jobID), zap.Error(err))
	s.met.StoreFailures.Inc()
}

// StatusDoc builds the server_status document and refreshes the occupancy
// gauges on the way.
func (s *Server) StatusDoc() map[string]any {
	s.mu.Lock()
	running := len(s.active)
	queued := len(s.pending)
	s.mu.Unlock()

	status := ServerOnline
	if s.cfg.MaxJobs > 0 && running >= s.cfg.MaxJobs {
		status = ServerDegraded
	}

	s.met.RunningJobs.Set(float64(running))
	s.met.QueuedJobs.Set(float64(queued))
	s.met.ConnectedClients.Set(float64(s.hub.Count()))

	return map[string]any{
		"type":          "server_status",
		"server_id":     s.cfg.ServerID,
		"status":        int(status),
		"running_jobs":  running,
		"max_jobs":      s.cfg.MaxJobs,
		"threads":       s.cfg.Threads,
		"logical_cores": s.cores,
	}
}

// BroadcastStatus pushes the current server_status to every client.
func (s *Server) BroadcastStatus() {
	s.hub.Broadcast(s.StatusDoc())
}

// JobViews snapshots the record set for listings: newest first, terminal
// records optionally excluded, truncated to limit, with 200-line log tails.
func (s *Server) JobViews(includeFinished bool, limit int) []*job.View {
	if limit < 0 {
		limit = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*job.Record, 0, len(s.records))
	for _, r := range s.records {
		if !includeFinished && r.Status.Terminal() {
			continue
		}
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt > recs[j].CreatedAt
		}
		return s.seq[recs[i].ID] < s.seq[recs[j].ID]
	})
	if limit < len(recs) {
		recs = recs[:limit]
	}

	views := make([]*job.View, 0, len(recs))
	for _, r := range recs {
		views = append(views, r.View(defaultViewLogTail))
	}
	return views
}

// JobView returns one record's view with a log tail of up to logTail
// lines, refreshed from the store when one is configured. A logTail of 0
// skips the refresh and yields an empty tail.
func (s *Server) JobView(ctx context.Context, jobID string, logTail int) (*job.View, bool) {
	s.mu.Lock()
	rec := s.records[jobID]
	s.mu.Unlock()
	if rec == nil {
		return nil, false
	}

	if s.st != nil && logTail > 0 {
		if tail, err := s.st.FetchLogTail(ctx, jobID, logTail); err == nil {
			capacity := job.LogCap
			if logTail > capacity {
				capacity = logTail
			}
			s.mu.Lock()
			rec.ReplaceLog(tail, capacity)
			s.mu.Unlock()
		} else {
			s.log.Debug("log tail refresh failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	s.mu.Lock()
	view := rec.View(logTail)
	s.mu.Unlock()
	return view, true
}

// AttachClient registers a new subscriber and announces the current server
// status to everyone, matching what clients expect on connect.
func (s *Server) AttachClient(w hub.FrameWriter, remote string) (*hub.Client, error) {
	client, err := s.hub.Attach(w, remote)
	if err != nil {
		return nil, err
	}
	s.log.Info("client connected",
		zap.String("remote_addr", remote),
		zap.String("conn_id", client.ID()))
	s.BroadcastStatus()
	return client, nil
}

// DetachClient removes a subscriber after its read loop ends.
func (s *Server) DetachClient(c *hub.Client, remote string) {
	s.hub.Detach(c)
	s.log.Info("client disconnected",
		zap.String("remote_addr", remote),
		zap.String("conn_id", c.ID()))
}

// Shutdown closes out the scheduler: active drivers are asked to stop and
// given grace to reach a terminal state (which they persist and broadcast);
// stragglers are killed silently so the next startup's reconciliation
// settles them. The maintenance scheduler stops last.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closing = true
	runners := make([]*engine.Runner, 0, len(s.active))
	for _, r := range s.active {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	if len(runners) > 0 {
		s.log.Info("cancelling active jobs", zap.Int("count", len(runners)))
		for _, r := range runners {
			r.RequestCancel()
		}
		if !s.waitIdle(grace) {
			s.mu.Lock()
			stuck := make([]*engine.Runner, 0, len(s.active))
			for _, r := range s.active {
				stuck = append(stuck, r)
			}
			s.mu.Unlock()
			s.log.Warn("killing jobs that ignored cancel", zap.Int("count", len(stuck)))
			for _, r := range stuck {
				r.Kill()
			}
			s.waitIdle(2 * time.Second)
		}
	}
	s.wg.Wait()

	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			s.log.Warn("maintenance scheduler shutdown failed", zap.Error(err))
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Server) waitIdle(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		s.mu.Lock()
		n := len(s.active)
		s.mu.Unlock()
		if n == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}
