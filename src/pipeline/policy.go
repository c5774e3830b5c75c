package pipeline

import (
	"fmt"
	"strings"
)

// Policy decides what happens to a job submitted to a full queue.
type Policy int

const (
	// Reject refuses the job with ErrOverloaded.
	Reject Policy = iota
	// CallerRuns runs the job on the submitting goroutine.
	CallerRuns
	// DropOldest discards the oldest queued job to make room.
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case Reject:
		return "reject"
	case CallerRuns:
		return "caller_runs"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "reject", "caller_runs" or "drop_oldest".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject":
		return Reject, nil
	case "caller_runs", "caller-runs":
		return CallerRuns, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	}
	return Reject, fmt.Errorf("unknown overload policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is the lifecycle position of a job.
type State int

const (
	Queued State = iota
	InFlight
	Completed
	Dropped
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
