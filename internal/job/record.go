// Package job holds the in-memory job model: the submission payload, the
// canonical per-job record with its bounded log tail, and the external
// views built from it. Records live as long as the server process lives
// so clients can reconnect and query results even if they missed the
// live update stream.
package job

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/enginefarm-io/enginefarm/internal/uci"
)

// LogCap is the default capacity of a record's in-memory log tail.
const LogCap = 2000

// Pending describes a submitted job waiting for (or holding) an engine slot.
type Pending struct {
	ID         string
	Opponent   string
	FEN        string
	LimitType  int
	LimitValue int
	MultiPV    int
}

// Record is the canonical job entity. All mutation happens through Apply
// and ReplaceLog while the owner holds the scheduler lock; Record itself
// is not goroutine safe.
type Record struct {
	ID         string
	Opponent   string
	FEN        string
	LimitType  int
	LimitValue int
	MultiPV    int

	Status Status

	CreatedAt  int64 // epoch ms
	StartedAt  *int64
	FinishedAt *int64
	LastUpdate int64

	// Latest merged analysis line per multipv index.
	LastByMPV map[int]uci.Fields

	// Last seen bestmove.
	Bestmove string

	log ring
}

// New returns a PENDING record stamped with now.
func New(id string, now int64) *Record {
	r := &Record{
		ID:         id,
		MultiPV:    1,
		Status:     StatusPending,
		CreatedAt:  now,
		LastUpdate: now,
		LastByMPV:  map[int]uci.Fields{},
	}
	r.log.init(LogCap)
	return r
}

// NewFromPending returns a PENDING record echoing the submission fields.
func NewFromPending(p Pending, now int64) *Record {
	r := New(p.ID, now)
	r.Opponent = p.Opponent
	r.FEN = p.FEN
	r.LimitType = p.LimitType
	r.LimitValue = p.LimitValue
	r.MultiPV = p.MultiPV
	return r
}

// Apply folds one job update into the record: status and timestamps with
// terminal gating, field merge, bestmove capture and log append. Once a
// record is terminal its status and timestamps are frozen; last_update
// keeps advancing so readers can still see activity.
func (r *Record) Apply(status Status, fields uci.Fields, logLine string, now int64) {
	if !r.Status.Terminal() {
		r.Status = status
		if status == StatusRunning && r.StartedAt == nil {
			ts := now
			r.StartedAt = &ts
		}
		if status.Terminal() && r.FinishedAt == nil {
			ts := now
			r.FinishedAt = &ts
		}
	}
	r.LastUpdate = now

	if len(fields) > 0 {
		r.MergeParsed(fields)
	}
	if bm, ok := fields["bestmove"]; ok {
		r.Bestmove = fmt.Sprint(bm)
	}
	if logLine != "" {
		r.AppendLog(logLine)
	}
}

// MergeParsed overlays fields onto the entry for their multipv index
// (absent or zero means 1) and re-stamps the multipv key in the merged
// entry so it survives partial lines that omitted it.
func (r *Record) MergeParsed(fields uci.Fields) {
	mpv := fieldInt(fields["multipv"], 1)
	if mpv == 0 {
		mpv = 1
	}
	if r.LastByMPV == nil {
		r.LastByMPV = map[int]uci.Fields{}
	}
	cur := r.LastByMPV[mpv]
	if cur == nil {
		cur = uci.Fields{}
	}
	for k, v := range fields {
		cur[k] = v
	}
	cur["multipv"] = mpv
	r.LastByMPV[mpv] = cur
}

// AppendLog appends one line to the bounded log tail. Empty lines are
// dropped. The oldest line falls off once the tail is at capacity.
func (r *Record) AppendLog(line string) {
	if line == "" {
		return
	}
	r.log.append(line)
}

// ReplaceLog swaps the log tail for lines, keeping the last capacity of
// them. Used when rehydrating from the store and when a client asks for
// a deeper tail than the record currently holds.
func (r *Record) ReplaceLog(lines []string, capacity int) {
	r.log.reset(lines, capacity)
}

// LogTail returns up to n lines from the end of the log in append order.
func (r *Record) LogTail(n int) []string {
	return r.log.tail(n)
}

// fieldInt coerces a parsed or rehydrated field value to int. Fresh
// parses carry int, rehydrated blobs carry json.Number.
func fieldInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// ring is a fixed-capacity FIFO of log lines.
type ring struct {
	buf   []string
	start int
	limit int
}

func (r *ring) init(limit int) {
	r.buf = nil
	r.start = 0
	r.limit = limit
}

func (r *ring) append(line string) {
	if r.limit <= 0 {
		return
	}
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, line)
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % r.limit
}

func (r *ring) reset(lines []string, limit int) {
	if limit <= 0 {
		r.init(limit)
		return
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	r.buf = append([]string(nil), lines...)
	r.start = 0
	r.limit = limit
}

func (r *ring) tail(n int) []string {
	if n <= 0 || len(r.buf) == 0 {
		return []string{}
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]string, 0, n)
	for i := len(r.buf) - n; i < len(r.buf); i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
