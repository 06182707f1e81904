// Package boundary implements the boundary coordinator: the owner of
// scheduled boundary instants and the per-boundary lifecycle state machine.
//
// The coordinator is purely timer-driven. Preload issues at
// boundary − MIN_PREFEED_LEAD, Switch at boundary − epsilon, both as
// absolute-deadline callbacks on the master clock; there are no poll loops.
// Each boundary issues Preload and Switch exactly once; the one-shot guard is
// authoritative, and any failure tears the boundary down rather than retrying.
package boundary

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slbailey/retrovue-playout/internal/clock"
	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/metrics"
	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
)

// Lifecycle is the per-boundary state. Transitions are forward-only except
// the cancel path into Teardown.
type Lifecycle uint8

const (
	Pending Lifecycle = iota
	PreloadIssued
	Armed
	SwitchIssued
	Committed
	Teardown
)

func (l Lifecycle) String() string {
	switch l {
	case Pending:
		return "pending"
	case PreloadIssued:
		return "preload_issued"
	case Armed:
		return "armed"
	case SwitchIssued:
		return "switch_issued"
	case Committed:
		return "committed"
	case Teardown:
		return "teardown"
	}
	return "unknown"
}

// SwitchEngine is the coordinator's one-way declarative seam to the runtime.
type SwitchEngine interface {
	Preload(event.PreloadCommand)
	Switch(event.SwitchCommand)
	PreloadAcks() <-chan event.PreloadAck
	SwitchAcks() <-chan event.SwitchAck
}

// Config holds the coordinator tunables.
type Config struct {
	MinPrefeedLead    time.Duration
	PreloadAckTimeout time.Duration
	// SwitchEpsilon is how far ahead of the boundary the Switch command is
	// issued; the runtime still executes at the declared instant.
	SwitchEpsilon time.Duration
}

// record is one boundary's bookkeeping.
type record struct {
	seg   plan.Segment
	state Lifecycle

	preloadIssued bool
	switchIssued  bool

	preloadTimer clock.Timer
	switchTimer  clock.Timer
	ackTimer     clock.Timer
}

// Coordinator owns the horizon and the boundary lifecycle.
type Coordinator struct {
	cfg     Config
	clk     clock.Clock
	eng     SwitchEngine
	met     *metrics.Metrics
	log     *slog.Logger
	horizon *plan.Horizon

	mu       sync.Mutex
	records  map[int64]*record
	inFlight []int64 // switch-issued segment ids, commit order

	violCh   chan error
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a coordinator bound to a switch engine.
func New(cfg Config, clk clock.Clock, eng SwitchEngine, met *metrics.Metrics) *Coordinator {
	if cfg.SwitchEpsilon <= 0 {
		cfg.SwitchEpsilon = 20 * time.Millisecond
	}
	c := &Coordinator{
		cfg:     cfg,
		clk:     clk,
		eng:     eng,
		met:     met,
		log:     logger.Logger().With("component", "boundary"),
		horizon: plan.NewHorizon(),
		records: make(map[int64]*record),
		violCh:  make(chan error, 4),
		done:    make(chan struct{}),
	}
	go c.consumeAcks()
	return c
}

// Violations surfaces fatal protocol violations (plan-boundary mismatch,
// duplicate issuance).
func (c *Coordinator) Violations() <-chan error { return c.violCh }

// Stop ends ack consumption. Pending timers are stopped; the engine side is
// torn down by the session once the seam machine is stable.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		stopTimers(r)
	}
}

// SubmitPlan appends a window to the horizon and schedules its boundaries.
// The window is validated as a whole (contiguous, non-overlapping, monotonic);
// individual boundaries that are already inside their minimum lead tear down
// with LEAD_TIME_VIOLATION and the first such failure is returned — the rest
// of the window still schedules. No retries, no replanning.
func (c *Coordinator) SubmitPlan(segs []plan.Segment) error {
	if err := c.horizon.Append(segs); err != nil {
		return err
	}

	var firstErr error
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seg := range segs {
		r := &record{seg: seg, state: Pending}
		c.records[seg.ID] = r

		preloadAt := seg.Boundary.Add(-c.cfg.MinPrefeedLead)
		if now.After(preloadAt) {
			short := now.Sub(preloadAt)
			err := ierrors.NewLeadTimeError("boundary.schedule", seg.ID, short, nil)
			c.log.Error("lead time violation",
				"tag", event.TagLeadTimeViolation,
				"segment_id", seg.ID,
				"boundary_utc_ms", seg.Boundary.UnixMilli(),
				"short_by_ms", short.Milliseconds())
			c.met.BoundaryViolations.Inc()
			r.state = Teardown
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		segID := seg.ID
		r.preloadTimer = c.clk.ScheduleAt(preloadAt, func() { c.issuePreload(segID) })
		r.switchTimer = c.clk.ScheduleAt(seg.Boundary.Add(-c.cfg.SwitchEpsilon), func() { c.issueSwitch(segID) })
		c.log.Debug("boundary scheduled",
			"segment_id", seg.ID,
			"preload_at", preloadAt,
			"boundary_utc_ms", seg.Boundary.UnixMilli())
	}
	return firstErr
}

// issuePreload emits the declarative Preload command. One-shot.
func (c *Coordinator) issuePreload(segID int64) {
	c.mu.Lock()
	r, ok := c.records[segID]
	if !ok || r.state == Teardown {
		c.mu.Unlock()
		return
	}
	if r.preloadIssued || r.state != Pending {
		c.mu.Unlock()
		c.fatal(event.TagPlanBoundaryMismatch, "boundary.preload",
			fmt.Errorf("duplicate preload issuance for segment %d in state %s", segID, r.state))
		return
	}
	r.preloadIssued = true
	r.state = PreloadIssued
	seg := r.seg
	lead := seg.Boundary.Sub(c.clk.Now())
	// Ack deadline: a preload that cannot ready its shadow in time cancels
	// the boundary rather than blocking the seam.
	r.ackTimer = c.clk.ScheduleAt(c.clk.Now().Add(c.cfg.PreloadAckTimeout), func() { c.ackTimedOut(segID) })
	c.mu.Unlock()

	c.met.PrefeedLead.Observe(float64(lead.Milliseconds()))
	c.eng.Preload(event.PreloadCommand{
		SegmentID:         seg.ID,
		AssetURI:          seg.AssetURI,
		StartFrame:        seg.StartFrame,
		PlannedFrameCount: seg.PlannedFrameCount,
		TargetBoundary:    seg.Boundary,
	})
}

// issueSwitch emits the declarative Switch command. One-shot; requires the
// boundary to be armed by a shadow-ready ack.
func (c *Coordinator) issueSwitch(segID int64) {
	c.mu.Lock()
	r, ok := c.records[segID]
	if !ok || r.state == Teardown {
		c.mu.Unlock()
		return
	}
	if r.switchIssued {
		c.mu.Unlock()
		c.fatal(event.TagPlanBoundaryMismatch, "boundary.switch",
			fmt.Errorf("duplicate switch issuance for segment %d", segID))
		return
	}
	if r.state != Armed {
		// Shadow never readied in time; the ack timeout owns teardown. Do not
		// cut to an unready seam.
		c.log.Warn("switch due but boundary not armed",
			"segment_id", segID, "state", r.state.String())
		c.mu.Unlock()
		return
	}
	r.switchIssued = true
	r.state = SwitchIssued
	c.inFlight = append(c.inFlight, segID)
	seg := r.seg
	c.mu.Unlock()

	c.eng.Switch(event.SwitchCommand{SegmentID: seg.ID, TargetBoundary: seg.Boundary})
}

// ackTimedOut cancels a boundary whose preload never acked.
func (c *Coordinator) ackTimedOut(segID int64) {
	c.mu.Lock()
	r, ok := c.records[segID]
	if !ok || r.state != PreloadIssued {
		c.mu.Unlock()
		return
	}
	r.state = Teardown
	stopTimers(r)
	c.mu.Unlock()

	c.log.Error("preload ack deadline missed; boundary cancelled",
		"tag", event.TagLeadTimeViolation, "segment_id", segID)
	c.met.BoundaryViolations.Inc()
}

// consumeAcks routes engine acks back into the lifecycle.
func (c *Coordinator) consumeAcks() {
	for {
		select {
		case <-c.done:
			return
		case ack := <-c.eng.PreloadAcks():
			c.onPreloadAck(ack)
		case ack := <-c.eng.SwitchAcks():
			c.onSwitchAck(ack)
		}
	}
}

func (c *Coordinator) onPreloadAck(ack event.PreloadAck) {
	c.mu.Lock()
	r, ok := c.records[ack.SegmentID]
	if !ok {
		c.mu.Unlock()
		c.fatal(event.TagPlanBoundaryMismatch, "boundary.preloadAck",
			fmt.Errorf("ack for unknown segment %d", ack.SegmentID))
		return
	}
	if r.state != PreloadIssued {
		// Stale ack: the boundary already moved on or tore down.
		c.mu.Unlock()
		c.fatal(event.TagPlanBoundaryMismatch, "boundary.preloadAck",
			fmt.Errorf("stale preload ack for segment %d in state %s", ack.SegmentID, r.state))
		return
	}
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
	if !ack.ShadowReady {
		r.state = Teardown
		stopTimers(r)
		c.mu.Unlock()
		c.log.Error("preload failed; boundary cancelled",
			"segment_id", ack.SegmentID, "reason", ack.Reason)
		c.met.BoundaryViolations.Inc()
		return
	}
	r.state = Armed
	c.mu.Unlock()
	c.log.Debug("boundary armed", "segment_id", ack.SegmentID)
}

// onSwitchAck validates the plan-boundary match: the committed segment must
// be the planned one at the fired boundary. Mismatch is fatal.
func (c *Coordinator) onSwitchAck(ack event.SwitchAck) {
	c.mu.Lock()
	var expected int64 = -1
	if len(c.inFlight) > 0 {
		expected = c.inFlight[0]
	}
	if expected != ack.SegmentID {
		c.mu.Unlock()
		c.fatal(event.TagPlanBoundaryMismatch, "boundary.switchAck",
			fmt.Errorf("commit reported segment %d, planned %d", ack.SegmentID, expected))
		return
	}
	c.inFlight = c.inFlight[1:]
	r := c.records[ack.SegmentID]
	r.state = Committed
	c.mu.Unlock()

	c.log.Info("boundary committed",
		"segment_id", ack.SegmentID,
		"commit_ct", ack.CommitCT,
		"delta_ms", ack.Delta.Milliseconds())
}

// State returns a boundary's lifecycle state (diagnostics and tests).
func (c *Coordinator) State(segID int64) (Lifecycle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[segID]
	if !ok {
		return Pending, false
	}
	return r.state, true
}

// Stable reports whether every boundary is in a terminal or idle state, the
// condition session teardown waits for.
func (c *Coordinator) Stable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.state == SwitchIssued {
			return false
		}
	}
	return true
}

func (c *Coordinator) fatal(tag, op string, cause error) {
	err := ierrors.NewViolation(tag, op, cause)
	c.log.Error("fatal violation", "tag", tag, "op", op, "error", cause)
	c.met.BoundaryViolations.Inc()
	select {
	case c.violCh <- err:
	default:
	}
}

func stopTimers(r *record) {
	if r.preloadTimer != nil {
		r.preloadTimer.Stop()
	}
	if r.switchTimer != nil {
		r.switchTimer.Stop()
	}
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
}
