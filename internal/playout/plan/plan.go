// Package plan defines the execution-plan records pushed by the planner and
// the horizon store the boundary coordinator consumes.
//
// Planning authority is absolute here: planned frame counts and scheduled
// boundary times are consumed, never recomputed. Actual media length never
// moves a boundary.
package plan

import (
	"fmt"
	"strings"
	"sync"
	"time"

	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
)

// PadScheme is the asset-URI scheme the planner uses for interstitial pad
// blocks. Pad segments have video-on-demand semantics in the switch engine.
const PadScheme = "pad:"

// contiguityTolerance absorbs millisecond rounding between a segment's nominal
// end and the next boundary. Anything larger is a gap or overlap.
const contiguityTolerance = time.Millisecond

// Segment is one contiguous playout unit of the execution plan.
type Segment struct {
	// ID is stable and strictly monotonic across the session.
	ID int64
	// AssetURI is fully resolved by the planner; the runtime never infers it.
	AssetURI string
	// StartFrame is the first media frame to decode.
	StartFrame uint64
	// PlannedFrameCount is planning authority: the number of output frames the
	// segment is scheduled to occupy. Zero is legal (zero-frame preview).
	PlannedFrameCount uint64
	// Boundary is the absolute wall-clock instant this segment goes live.
	Boundary time.Time
	// FPS is the nominal output rate for the segment.
	FPS frame.FPS
	// AudioRate is the optional audio sample rate in Hz (0 = channel default).
	AudioRate uint32
}

// NominalDuration is PlannedFrameCount output ticks at the segment's rate.
func (s Segment) NominalDuration() time.Duration {
	return time.Duration(int64(s.PlannedFrameCount)*s.FPS.DurationMicros()) * time.Microsecond
}

// End is the nominal boundary of the following segment.
func (s Segment) End() time.Time { return s.Boundary.Add(s.NominalDuration()) }

// IsPad reports whether the planner scheduled this segment as deterministic pad.
func (s Segment) IsPad() bool { return strings.HasPrefix(s.AssetURI, PadScheme) }

// Horizon is the validated, ordered window of upcoming segments. Appends are
// all-or-nothing: a window that fails validation leaves the horizon untouched.
// Submitting the same window twice is rejected as overlap — idempotence by
// refusal, not by silent accept.
type Horizon struct {
	mu   sync.Mutex
	segs []Segment
}

func NewHorizon() *Horizon { return &Horizon{} }

// Append validates the window internally and against the existing horizon,
// then appends it.
func (h *Horizon) Append(segs []Segment) error {
	if len(segs) == 0 {
		return ierrors.NewPlanError("horizon.append", fmt.Errorf("empty window"))
	}
	if err := validateWindow(segs); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.segs); n > 0 {
		last := h.segs[n-1]
		first := segs[0]
		if first.ID <= last.ID {
			return ierrors.NewPlanError("horizon.append",
				fmt.Errorf("segment id %d not after existing horizon tail %d", first.ID, last.ID))
		}
		if d := first.Boundary.Sub(last.End()); d < -contiguityTolerance {
			return ierrors.NewPlanError("horizon.append",
				fmt.Errorf("window overlaps horizon tail by %s", -d))
		} else if d > contiguityTolerance {
			return ierrors.NewPlanError("horizon.append",
				fmt.Errorf("window leaves %s gap after horizon tail", d))
		}
	}
	h.segs = append(h.segs, segs...)
	return nil
}

// Segments returns a snapshot of the horizon.
func (h *Horizon) Segments() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Segment, len(h.segs))
	copy(out, h.segs)
	return out
}

// Len returns the number of segments in the horizon.
func (h *Horizon) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.segs)
}

// validateWindow checks a single submitted window: monotonic ids, valid rates,
// strictly increasing boundaries, and gap/overlap-free contiguity.
func validateWindow(segs []Segment) error {
	for i, s := range segs {
		if s.AssetURI == "" {
			return ierrors.NewPlanError("plan.validate", fmt.Errorf("segment %d: empty asset uri", s.ID))
		}
		if !s.FPS.Valid() {
			return ierrors.NewPlanError("plan.validate",
				fmt.Errorf("segment %d: invalid fps %d/%d", s.ID, s.FPS.Num, s.FPS.Den))
		}
		if i == 0 {
			continue
		}
		prev := segs[i-1]
		if s.ID <= prev.ID {
			return ierrors.NewPlanError("plan.validate",
				fmt.Errorf("segment ids not monotonic: %d after %d", s.ID, prev.ID))
		}
		// Equal boundaries are legal only behind a zero-frame segment.
		if s.Boundary.Before(prev.Boundary) {
			return ierrors.NewPlanError("plan.validate",
				fmt.Errorf("segment %d boundary before segment %d", s.ID, prev.ID))
		}
		if d := s.Boundary.Sub(prev.End()); d > contiguityTolerance {
			return ierrors.NewPlanError("plan.validate",
				fmt.Errorf("gap of %s between segments %d and %d", d, prev.ID, s.ID))
		} else if d < -contiguityTolerance {
			return ierrors.NewPlanError("plan.validate",
				fmt.Errorf("overlap of %s between segments %d and %d", -d, prev.ID, s.ID))
		}
	}
	return nil
}
