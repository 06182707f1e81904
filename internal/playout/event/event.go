// Package event defines the declarative commands and acks exchanged between
// the boundary coordinator and the switch engine, the producer-side events,
// and the stable observability tags.
//
// Commands flow one way (coordinator → engine) and are answered by acks; there
// are no back-edges of ownership between the two. Each command is issued at
// most once per boundary — the coordinator's one-shot guard is authoritative.
package event

import "time"

// Stable log tags. These strings are part of the operational contract: alert
// rules and the property tests match on them verbatim.
const (
	TagDecoderEOF              = "DECODER_EOF"
	TagEarlyEOF                = "EARLY_EOF"
	TagContentDeficitFillStart = "CONTENT_DEFICIT_FILL_START"
	TagContentDeficitFillEnd   = "CONTENT_DEFICIT_FILL_END"
	TagBoundaryAdvanced        = "BOUNDARY_ADVANCED"
	TagSwitchCommitted         = "SWITCH_COMMITTED"
	TagLeadTimeViolation       = "LEAD_TIME_VIOLATION"
	TagBoundaryTolerance       = "BOUNDARY_TOLERANCE_VIOLATION"
	TagStaleFrameBleed         = "STALE_FRAME_BLEED"
	TagFrameAuthorityVacuum    = "FRAME_AUTHORITY_VACUUM"
	TagPadWhileDepthHigh       = "PAD_WHILE_DEPTH_HIGH"
	TagSteadyStateEntered      = "STEADY_STATE_ENTERED"
	TagPostBarrierWrite        = "POST_BARRIER_WRITE"
	TagResetWhileArmed         = "RESET_WHILE_ARMED"
	TagPlanBoundaryMismatch    = "PLAN_BOUNDARY_MISMATCH"
	TagContentSeamOverride     = "CONTENT_SEAM_OVERRIDE"
)

// PreloadCommand instructs the switch engine to ready the incoming segment's
// first frame in the preview buffer.
type PreloadCommand struct {
	SegmentID         int64
	AssetURI          string
	StartFrame        uint64
	PlannedFrameCount uint64
	TargetBoundary    time.Time
}

// PreloadAck reports shadow readiness for a preloaded segment.
type PreloadAck struct {
	SegmentID   int64
	ShadowReady bool
	Reason      string // populated when ShadowReady is false
}

// SwitchCommand instructs the switch engine to cut from live to preview at the
// target boundary time. The deadline is authoritative: the engine executes at
// TargetBoundary even if the command arrives with slack.
type SwitchCommand struct {
	SegmentID      int64
	TargetBoundary time.Time
}

// SwitchAck reports a committed switch.
type SwitchAck struct {
	SegmentID      int64
	CommitCT       int64 // CT of the first frame stamped under the new segment
	CompletionTime time.Time
	Delta          time.Duration // signed commit time minus target boundary
}

// EOFEvent is a producer's decoder-exhausted signal. It is an event within the
// segment, not a boundary: the scheduled boundary still governs the switch.
type EOFEvent struct {
	SegmentID         int64
	FramesDelivered   uint64
	PlannedFrameCount uint64
}

// Early reports whether the decoder exhausted before delivering the planned
// frame count (the EARLY_EOF case, with Deficit frames missing).
func (e EOFEvent) Early() bool { return e.FramesDelivered < e.PlannedFrameCount }

// Deficit is the number of planned frames the decoder never delivered.
func (e EOFEvent) Deficit() uint64 {
	if !e.Early() {
		return 0
	}
	return e.PlannedFrameCount - e.FramesDelivered
}
