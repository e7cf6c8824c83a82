package job

// Status is a job lifecycle state. The numeric values travel on the wire
// and are persisted, so they must never be renumbered.
type Status int

const (
	StatusPending   Status = 0
	StatusQueued    Status = 1
	StatusRunning   Status = 2
	StatusFinished  Status = 3
	StatusError     Status = 4
	StatusCancelled Status = 5
	// StatusStopped is reserved: it is recognised as terminal when read
	// back from storage but nothing in the scheduler emits it.
	StatusStopped Status = 6
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}
