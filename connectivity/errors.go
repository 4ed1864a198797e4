package connectivity

import (
	"errors"
	"fmt"
)

// ErrStalled is wrapped by a DrainFunc whose replay stopped on a transient
// failure. The Monitor then marks the remote unreachable once the drain has
// ended, so the next recovery starts a fresh drain.
var ErrStalled = errors.New("connectivity: drain stalled")

// ProbeError is returned by Prober.Probe when the health endpoint cannot
// be reached or answers with a non-2xx status.
type ProbeError struct {
	URL    string
	Status int // 0 when no response was received
	Cause  error
}

func (e *ProbeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connectivity: probe %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("connectivity: probe %s: %v", e.URL, e.Cause)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

// ErrBadSchedule is returned by NewProber when the cron expression does
// not parse.
type ErrBadSchedule struct {
	Schedule string
	Cause    error
}

func (e *ErrBadSchedule) Error() string {
	return fmt.Sprintf("connectivity: bad probe schedule %q: %v", e.Schedule, e.Cause)
}

func (e *ErrBadSchedule) Unwrap() error { return e.Cause }
