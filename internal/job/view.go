package job

import (
	"sort"

	"github.com/enginefarm-io/enginefarm/internal/uci"
)

// View is the external representation of a record, as serialised into
// jobs_list and job_state replies.
type View struct {
	ID           string       `json:"id"`
	Opponent     string       `json:"opponent"`
	FEN          string       `json:"fen"`
	LimitType    int          `json:"limit_type"`
	LimitValue   int          `json:"limit_value"`
	MultiPV      int          `json:"multipv"`
	Status       Status       `json:"status"`
	CreatedAtMS  int64        `json:"created_at_ms"`
	StartedAtMS  *int64       `json:"started_at_ms"`
	FinishedAtMS *int64       `json:"finished_at_ms"`
	LastUpdateMS int64        `json:"last_update_ms"`
	Snapshot     uci.Fields   `json:"snapshot"`
	Lines        []uci.Fields `json:"lines"`
	LogTail      []string     `json:"log_tail"`
}

// View builds a snapshot of the record with up to logTail log lines.
// All maps are copied, so the view stays stable after the scheduler
// lock is released.
//
// snapshot is the multipv-1 line with the bestmove overlaid; lines holds
// every multipv entry in ascending index order.
func (r *Record) View(logTail int) *View {
	keys := make([]int, 0, len(r.LastByMPV))
	for k := range r.LastByMPV {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	lines := make([]uci.Fields, 0, len(keys))
	for _, k := range keys {
		line := cloneFields(r.LastByMPV[k])
		line["multipv"] = k
		lines = append(lines, line)
	}

	snap := cloneFields(r.LastByMPV[1])
	if r.Bestmove != "" {
		snap["bestmove"] = r.Bestmove
	}
	if len(snap) > 0 {
		snap["multipv"] = 1
	}

	v := &View{
		ID:           r.ID,
		Opponent:     r.Opponent,
		FEN:          r.FEN,
		LimitType:    r.LimitType,
		LimitValue:   r.LimitValue,
		MultiPV:      r.MultiPV,
		Status:       r.Status,
		CreatedAtMS:  r.CreatedAt,
		LastUpdateMS: r.LastUpdate,
		Snapshot:     snap,
		Lines:        lines,
		LogTail:      r.LogTail(logTail),
	}
	if r.StartedAt != nil {
		ts := *r.StartedAt
		v.StartedAtMS = &ts
	}
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		v.FinishedAtMS = &ts
	}
	return v
}

func cloneFields(f uci.Fields) uci.Fields {
	out := make(uci.Fields, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	return out
}
