// Package timeline implements the Content Time authority.
//
// CT is a 64-bit monotonic microsecond counter advanced by a frame-indexed
// tick at the channel's nominal output rate. It is never derived from wall
// clock reads or producer progress, never reset mid-session, never regresses,
// and never has gaps: between consecutive video stamps CT advances by exactly
// one nominal frame duration.
//
// All mutation happens on the control goroutine; there is no lock-protected
// multi-writer region. Cross-thread readers (the output, metrics) use the
// atomic accessors.
package timeline

import (
	"sync/atomic"
	"time"

	"github.com/slbailey/retrovue-playout/internal/playout/frame"
)

// Controller is the sole writer of CT.
type Controller struct {
	tickMicro int64

	epochMicro atomic.Int64 // unix µs; valid once anchored
	anchored   atomic.Bool

	next    atomic.Int64 // CT the next video frame will carry
	last    atomic.Int64 // CT of the most recently stamped video frame
	active  atomic.Int64 // active segment id; rebound only by CommitSwitch
	stamped atomic.Uint64
}

// New creates the controller for the channel's nominal output rate. The epoch
// is anchored once, at the first commit; steady state then holds
// wall_now ≈ epoch + CT.
func New(fps frame.FPS) *Controller {
	c := &Controller{tickMicro: fps.DurationMicros()}
	c.last.Store(-c.tickMicro)
	c.active.Store(-1)
	return c
}

// AnchorEpoch captures the session epoch. The first call wins; the epoch is
// immutable until session end. Control goroutine only, before the first stamp;
// the epoch store precedes the anchored flag so concurrent readers never see
// a half-anchored state.
func (c *Controller) AnchorEpoch(t time.Time) {
	if c.anchored.Load() {
		return
	}
	c.epochMicro.Store(t.UnixMicro())
	c.anchored.Store(true)
}

// Anchored reports whether the epoch has been captured.
func (c *Controller) Anchored() bool { return c.anchored.Load() }

// Epoch returns the session epoch (zero value until anchored).
func (c *Controller) Epoch() time.Time {
	if !c.anchored.Load() {
		return time.Time{}
	}
	return time.UnixMicro(c.epochMicro.Load()).UTC()
}

// TickMicros returns the nominal frame duration in microseconds.
func (c *Controller) TickMicros() int64 { return c.tickMicro }

// Stamp assigns the next CT to a video frame and marks its origin as the
// active segment. Control goroutine only.
func (c *Controller) Stamp(f *frame.Frame) {
	ct := c.next.Load()
	f.CT = ct
	f.OriginSegmentID = c.active.Load()
	c.last.Store(ct)
	c.next.Store(ct + c.tickMicro)
	c.stamped.Add(1)
}

// StampAudio derives an audio frame's CT from the current video tick without
// advancing the counter. Audio PTS is always CT-derived after attach, never
// locally incremented, which removes re-anchoring drift at seams.
func (c *Controller) StampAudio(f *frame.Frame) {
	f.CT = c.last.Load()
	f.OriginSegmentID = c.active.Load()
}

// CommitSwitch atomically rebinds the active segment so the very next frame
// stamped carries the new origin. The CT sequence is continuous across the
// swap; the returned value is the CT the first post-commit frame will carry.
func (c *Controller) CommitSwitch(newSegmentID int64) int64 {
	c.active.Store(newSegmentID)
	return c.next.Load()
}

// ActiveSegment returns the current active segment id (acquire load; safe off
// the control goroutine).
func (c *Controller) ActiveSegment() int64 { return c.active.Load() }

// CT returns the CT of the most recently stamped video frame, or a negative
// value before the first stamp.
func (c *Controller) CT() int64 { return c.last.Load() }

// NextCT returns the CT the next video frame will carry.
func (c *Controller) NextCT() int64 { return c.next.Load() }

// FramesStamped returns the count of video frames stamped.
func (c *Controller) FramesStamped() uint64 { return c.stamped.Load() }

// Deadline maps a CT value to its wall-clock emission instant (epoch + ct).
// The output's PCR pacing sleeps until this.
func (c *Controller) Deadline(ct int64) time.Time {
	return time.UnixMicro(c.epochMicro.Load() + ct).UTC()
}

// Drift reports wall_now − (epoch + last CT). Divergence beyond tolerance is a
// metric, not a correction: CT is never retimed backward.
func (c *Controller) Drift(now time.Time) time.Duration {
	return now.Sub(c.Deadline(c.last.Load()))
}
