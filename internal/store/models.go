package store

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/enginefarm-io/enginefarm/internal/job"
	"github.com/enginefarm-io/enginefarm/internal/uci"
)

// Job is one persisted job record. Column names mirror the wire field
// names, so rows are inspectable with the same vocabulary clients see.
// last_by_mpv_json carries the compact-encoded multipv → fields map.
type Job struct {
	ID            string `gorm:"column:id;primaryKey"`
	Opponent      string `gorm:"column:opponent"`
	FEN           string `gorm:"column:fen"`
	LimitType     int    `gorm:"column:limit_type"`
	LimitValue    int64  `gorm:"column:limit_value"`
	MultiPV       int    `gorm:"column:multipv"`
	Status        int    `gorm:"column:status"`
	CreatedAtMS   int64  `gorm:"column:created_at_ms"`
	StartedAtMS   *int64 `gorm:"column:started_at_ms"`
	FinishedAtMS  *int64 `gorm:"column:finished_at_ms"`
	LastUpdateMS  int64  `gorm:"column:last_update_ms"`
	Bestmove      string `gorm:"column:bestmove"`
	LastByMPVJSON string `gorm:"column:last_by_mpv_json"`
}

func (Job) TableName() string { return "jobs" }

// JobLog is one appended engine or lifecycle log line.
type JobLog struct {
	JobID string `gorm:"column:job_id;index:idx_job_logs_job_ts,priority:1"`
	TsMS  int64  `gorm:"column:ts_ms;index:idx_job_logs_job_ts,priority:2"`
	Line  string `gorm:"column:line"`
}

func (JobLog) TableName() string { return "job_logs" }

// JobFromRecord copies a record into its row form. The caller must hold
// whatever lock guards the record; the returned row shares no state with
// it, so it can be written after the lock is released.
func JobFromRecord(r *job.Record) *Job {
	row := &Job{
		ID:            r.ID,
		Opponent:      r.Opponent,
		FEN:           r.FEN,
		LimitType:     r.LimitType,
		LimitValue:    int64(r.LimitValue),
		MultiPV:       r.MultiPV,
		Status:        int(r.Status),
		CreatedAtMS:   r.CreatedAt,
		LastUpdateMS:  r.LastUpdate,
		Bestmove:      r.Bestmove,
		LastByMPVJSON: encodeMPV(r.LastByMPV),
	}
	if r.StartedAt != nil {
		ts := *r.StartedAt
		row.StartedAtMS = &ts
	}
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		row.FinishedAtMS = &ts
	}
	return row
}

// Record rebuilds the in-memory record from a row, applying the same
// defaults a fresh submission would get. now is used when the row carries
// no usable created_at, which only happens for rows written by foreign
// tools. The log tail is not part of the row; the caller rehydrates it
// from FetchLogTail separately.
func (j *Job) Record(now int64) *job.Record {
	r := job.New(j.ID, now)
	r.Opponent = j.Opponent
	r.FEN = j.FEN
	r.LimitType = j.LimitType
	r.LimitValue = int(j.LimitValue)
	r.MultiPV = j.MultiPV
	if r.MultiPV == 0 {
		r.MultiPV = 1
	}
	r.Status = job.Status(j.Status)
	if j.CreatedAtMS != 0 {
		r.CreatedAt = j.CreatedAtMS
	}
	if j.StartedAtMS != nil {
		ts := *j.StartedAtMS
		r.StartedAt = &ts
	}
	if j.FinishedAtMS != nil {
		ts := *j.FinishedAtMS
		r.FinishedAt = &ts
	}
	r.LastUpdate = j.LastUpdateMS
	if r.LastUpdate == 0 {
		r.LastUpdate = r.CreatedAt
	}
	r.Bestmove = j.Bestmove
	r.LastByMPV = decodeMPV(j.LastByMPVJSON)
	return r
}

func encodeMPV(m map[int]uci.Fields) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// decodeMPV tolerates the key-type loss of the JSON round trip: the blob
// keys are strings, possibly mixed with garbage from foreign writers.
// Unparseable keys are skipped, a broken blob yields an empty map, and
// numbers are kept as json.Number so big node counts survive intact.
func decodeMPV(blob string) map[int]uci.Fields {
	out := map[int]uci.Fields{}
	if blob == "" {
		return out
	}
	var raw map[string]uci.Fields
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return out
	}
	for k, fields := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if fields == nil {
			fields = uci.Fields{}
		}
		out[idx] = fields
	}
	return out
}
