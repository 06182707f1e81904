package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// fatalMarker is implemented by all fatal-class error types so we can classify them.
// Fatal errors terminate the session once a safe state is reached; they are
// never silently recovered.
type fatalMarker interface {
	error
	isFatal()
}

// ViolationError is a fatal protocol violation inside the playout core: stale
// frame bleed, frame-authority vacuum, post-barrier write, duplicate issuance,
// plan-boundary mismatch, reset-while-armed. Tag is the stable observability
// string (see the event package).
type ViolationError struct {
	Tag string // stable log tag (e.g. "STALE_FRAME_BLEED")
	Op  string // high-level operation (e.g. "switch.commit", "buffer.push")
	Err error  // underlying cause (may be nil)
}

func (e *ViolationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("violation %s: %s", e.Tag, e.Op)
	}
	return fmt.Sprintf("violation %s: %s: %v", e.Tag, e.Op, e.Err)
}
func (e *ViolationError) Unwrap() error { return e.Err }
func (e *ViolationError) isFatal()      {}

// PlanError indicates a rejected execution plan: overlap, gap, out-of-order
// boundaries, or a stale/duplicate window. Plan intake failures are surfaced to
// the planner, never papered over by replanning.
type PlanError struct {
	Op  string
	Err error
}

func (e *PlanError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("plan error: %s", e.Op)
	}
	return fmt.Sprintf("plan error: %s: %v", e.Op, e.Err)
}
func (e *PlanError) Unwrap() error { return e.Err }

// LeadTimeError is a lead-time feasibility failure: Preload could not be issued
// at least the configured minimum ahead of the boundary. The affected boundary
// tears down; the session continues. Fatal for the boundary, not the session.
type LeadTimeError struct {
	Op        string
	SegmentID int64
	Short     time.Duration // how far inside the minimum lead the deadline sat
	Err       error
}

func (e *LeadTimeError) Error() string {
	base := fmt.Sprintf("lead time violation: %s (segment %d, short by %s)", e.Op, e.SegmentID, e.Short)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *LeadTimeError) Unwrap() error { return e.Err }

// TimingError is a bounded timing violation: a switch committed
// outside tolerance of its scheduled boundary. The switch still executed; the
// delta is logged and metered and the session continues.
type TimingError struct {
	Op    string
	Delta time.Duration // signed: commit minus scheduled boundary
	Err   error
}

func (e *TimingError) Error() string {
	base := fmt.Sprintf("timing violation: %s (delta %s)", e.Op, e.Delta)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimingError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded a deadline (e.g. a Preload ack
// that never arrived within its bound).
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context deadline exceeded,
// or any error type that exposes Timeout() bool and returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsFatal returns true if the error chain contains a fatal-class violation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fm fatalMarker
	return stdErrors.As(err, &fm)
}

// IsPlan returns true if the error chain contains a plan intake rejection.
func IsPlan(err error) bool {
	if err == nil {
		return false
	}
	var pe *PlanError
	return stdErrors.As(err, &pe)
}

// IsLeadTime returns true if the error chain contains a lead-time feasibility failure.
func IsLeadTime(err error) bool {
	if err == nil {
		return false
	}
	var le *LeadTimeError
	return stdErrors.As(err, &le)
}

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewViolation(tag, op string, cause error) error { return &ViolationError{Tag: tag, Op: op, Err: cause} }
func NewPlanError(op string, cause error) error      { return &PlanError{Op: op, Err: cause} }
func NewLeadTimeError(op string, segmentID int64, short time.Duration, cause error) error {
	return &LeadTimeError{Op: op, SegmentID: segmentID, Short: short, Err: cause}
}
func NewTimingError(op string, delta time.Duration, cause error) error {
	return &TimingError{Op: op, Delta: delta, Err: cause}
}
func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}

// Usage pattern example:
//  if depth == 0 && !seamReady {
//      return NewViolation(event.TagFrameAuthorityVacuum, "switch.selectFrame", nil)
//  }
// Keep layering context with fmt.Errorf("...: %w", err).
