package cluster

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/hub"
	"github.com/enginefarm-io/enginefarm/internal/job"
)

// Listing and log-tail bounds shared by the frame dispatcher and the HTTP
// API, so both surfaces answer identically.
const (
	// DefaultListLimit is how many jobs a listing returns when the client
	// does not say. An explicit limit of 0 means none.
	DefaultListLimit = 200

	// DefaultGetLogTail and MaxGetLogTail bound the log tail of a single
	// job query. An explicit tail of 0 skips the store refresh entirely.
	DefaultGetLogTail = 2000
	MaxGetLogTail     = 20000

	// defaultViewLogTail is the tail depth of each entry in a listing.
	defaultViewLogTail = 200
)

// clientFrame is the union of every request shape a client may send.
// Optional numerics are pointers so absence and zero stay distinguishable.
type clientFrame struct {
	Type            string         `json:"type"`
	IncludeFinished *bool          `json:"include_finished"`
	Limit           *int           `json:"limit"`
	JobID           string         `json:"job_id"`
	LogTail         *int           `json:"log_tail"`
	Job             *submitPayload `json:"job"`
}

type submitPayload struct {
	ID         string `json:"id"`
	Opponent   string `json:"opponent"`
	FEN        string `json:"fen"`
	LimitType  *int   `json:"limit_type"`
	LimitValue *int   `json:"limit_value"`
	MultiPV    *int   `json:"multipv"`
}

// HandleFrame dispatches one decoded line from a client. Malformed frames,
// unknown types and requests missing their required fields are dropped
// without a reply; that is the protocol's error model.
func (s *Server) HandleFrame(ctx context.Context, c *hub.Client, line []byte) {
	var frame clientFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "ping":
		s.BroadcastStatus()

	case "jobs_list":
		s.handleJobsList(c, frame)

	case "job_get":
		s.handleJobGet(ctx, c, frame)

	case "job_submit_or_update":
		s.handleSubmit(frame)

	case "job_cancel":
		if frame.JobID != "" {
			s.Cancel(frame.JobID)
		}
	}
}

func (s *Server) handleJobsList(c *hub.Client, frame clientFrame) {
	includeFinished := true
	if frame.IncludeFinished != nil {
		includeFinished = *frame.IncludeFinished
	}
	limit := DefaultListLimit
	if frame.Limit != nil {
		limit = *frame.Limit
		if limit < 0 {
			limit = 0
		}
	}

	reply := map[string]any{
		"type":      "jobs_list",
		"server_id": s.cfg.ServerID,
		"jobs":      s.JobViews(includeFinished, limit),
	}
	if err := c.Send(reply); err != nil {
		s.log.Debug("jobs_list reply dropped", zap.Error(err))
	}
}

func (s *Server) handleJobGet(ctx context.Context, c *hub.Client, frame clientFrame) {
	if frame.JobID == "" {
		return
	}
	logTail := DefaultGetLogTail
	if frame.LogTail != nil {
		logTail = *frame.LogTail
	}
	if logTail < 0 {
		logTail = 0
	}
	if logTail > MaxGetLogTail {
		logTail = MaxGetLogTail
	}

	var payload any
	if view, ok := s.JobView(ctx, frame.JobID, logTail); ok {
		payload = view
	}
	reply := map[string]any{
		"type":      "job_state",
		"server_id": s.cfg.ServerID,
		"job":       payload,
	}
	if err := c.Send(reply); err != nil {
		s.log.Debug("job_state reply dropped", zap.Error(err))
	}
}

func (s *Server) handleSubmit(frame clientFrame) {
	if frame.Job == nil || frame.Job.ID == "" || frame.Job.FEN == "" {
		return
	}
	p := job.Pending{
		ID:         frame.Job.ID,
		Opponent:   frame.Job.Opponent,
		FEN:        frame.Job.FEN,
		LimitType:  0,
		LimitValue: 30,
		MultiPV:    1,
	}
	if frame.Job.LimitType != nil {
		p.LimitType = *frame.Job.LimitType
	}
	if frame.Job.LimitValue != nil {
		p.LimitValue = *frame.Job.LimitValue
	}
	if frame.Job.MultiPV != nil && *frame.Job.MultiPV > 0 {
		p.MultiPV = *frame.Job.MultiPV
	}
	s.Submit(p)
}
