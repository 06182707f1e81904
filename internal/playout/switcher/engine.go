// Package switcher implements the segment switch engine: the control core
// that owns frame-source selection, the preload → armed → commit state
// machine, atomic frame-authority transfer at seams, and the content-deficit
// fill between a live decoder's EOF and its scheduled boundary.
//
// Everything here runs on one control goroutine. CT assignment and every
// active-segment rebind happen on that goroutine; the only cross-thread
// surfaces are the command/ack channels, the producer rings, and the output
// queue.
package switcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slbailey/retrovue-playout/internal/clock"
	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/metrics"
	"github.com/slbailey/retrovue-playout/internal/playout/buffer"
	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
	"github.com/slbailey/retrovue-playout/internal/playout/producer"
	"github.com/slbailey/retrovue-playout/internal/playout/timeline"
)

// State is the seam state of the live/preview pair.
type State uint8

const (
	StateIdle State = iota
	StatePreloading
	StateShadow
	StateArmed
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreloading:
		return "preloading"
	case StateShadow:
		return "shadow"
	case StateArmed:
		return "armed"
	case StateCommitting:
		return "committing"
	}
	return "unknown"
}

// Config holds the engine tunables.
type Config struct {
	FPS               frame.FPS
	AssetRoot         string
	VideoRingCap      int
	AudioRingCap      int
	OutputQueueDepth  int
	SteadyStateDepth  int
	BoundaryTolerance time.Duration
	// NewProducer overrides producer selection (tests inject scripted
	// producers); nil selects by asset URI.
	NewProducer func(plan.Segment, string, *buffer.Pair, <-chan struct{}) producer.Producer
}

// liveSide is the currently-authoritative segment.
type liveSide struct {
	seg  plan.Segment
	pair *buffer.Pair
	prod producer.Producer

	eof       bool // decoder exhausted (event within the segment)
	padMedia  int64
	fill      bool // deficit fill engaged
	fillStart time.Time
	fillCT    int64
}

// previewSide is the incoming segment between Preload and commit.
type previewSide struct {
	seg     plan.Segment
	pair    *buffer.Pair
	prod    producer.Producer
	release chan struct{}

	shadowReady bool
	ackSent     bool
	eof         bool
	eofFrames   uint64

	armed    bool
	target   time.Time
	targetCT int64 // CT at which the seam commits, valid once armed and anchored
	dueTimer clock.Timer
	deferred bool // commit held past due awaiting seam readiness
}

// Engine is the switch engine.
type Engine struct {
	cfg Config
	clk clock.Clock
	tl  *timeline.Controller
	met *metrics.Metrics
	log *slog.Logger

	cmdCh  chan any // *event.PreloadCommand | *event.SwitchCommand
	dueCh  chan int64
	eofCh  chan event.EOFEvent
	outCh  chan *frame.Tick
	preAck chan event.PreloadAck
	swAck  chan event.SwitchAck
	violCh chan error

	live     *liveSide
	preview  *previewSide
	state    State
	lastGood *frame.Frame

	// Commands for boundaries beyond the current seam wait here until the
	// preview slot frees at commit. Lead times longer than a segment make
	// this the normal case, not an error.
	pendPreloads []event.PreloadCommand
	pendSwitches map[int64]event.SwitchCommand

	// Starvation wakeup: when the live ring is empty but the next frame is
	// not yet due, a one-shot deadline timer re-enters selection at the
	// frame's emission instant so hold/fill engages exactly when needed.
	starveCh    chan struct{}
	starveArmed bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine. Start launches the control goroutine.
func New(cfg Config, clk clock.Clock, tl *timeline.Controller, met *metrics.Metrics) *Engine {
	if cfg.OutputQueueDepth < 1 {
		cfg.OutputQueueDepth = 3
	}
	if cfg.SteadyStateDepth < 1 {
		cfg.SteadyStateDepth = 3
	}
	return &Engine{
		cfg:      cfg,
		clk:      clk,
		tl:       tl,
		met:      met,
		log:      logger.Logger().With("component", "switcher"),
		cmdCh:    make(chan any, 8),
		dueCh:    make(chan int64, 8),
		eofCh:    make(chan event.EOFEvent, 4),
		outCh:    make(chan *frame.Tick, cfg.OutputQueueDepth),
		preAck:   make(chan event.PreloadAck, 4),
		swAck:    make(chan event.SwitchAck, 4),
		violCh:   make(chan error, 8),
		done:     make(chan struct{}),
		starveCh: make(chan struct{}, 1),

		pendSwitches: make(map[int64]event.SwitchCommand),
	}
}

// Preload enqueues a declarative Preload command from the coordinator.
func (e *Engine) Preload(cmd event.PreloadCommand) { e.cmdCh <- &cmd }

// Switch enqueues a declarative Switch command from the coordinator.
func (e *Engine) Switch(cmd event.SwitchCommand) { e.cmdCh <- &cmd }

// PreloadAcks delivers shadow-readiness acks.
func (e *Engine) PreloadAcks() <-chan event.PreloadAck { return e.preAck }

// SwitchAcks delivers commit acks.
func (e *Engine) SwitchAcks() <-chan event.SwitchAck { return e.swAck }

// Output is the fixed-depth queue feeding the mux.
func (e *Engine) Output() <-chan *frame.Tick { return e.outCh }

// Violations surfaces fatal protocol violations; the session terminates after
// reaching a safe state.
func (e *Engine) Violations() <-chan error { return e.violCh }

// State returns the current seam state (diagnostics only; the control
// goroutine owns transitions).
func (e *Engine) State() State { return e.state }

// Start launches the control goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.run()
}

// Stop cancels the control goroutine and waits for it to exit. Callers stop
// the engine only once the boundary machine is stable; mid-switch teardown is
// a session-layer bug.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { e.cancel() })
	<-e.done
}

// run is the merged wait of the control thread: output slot demand, commands,
// boundary deadline fires, and decoder events. No polling.
func (e *Engine) run() {
	defer close(e.done)
	defer e.teardown()

	var pending *frame.Tick
	for {
		e.checkShadowReady()

		if pending == nil {
			pending = e.buildTick()
		}
		var outCase chan *frame.Tick
		if pending != nil {
			outCase = e.outCh
		}
		// Shadow readiness is event-driven: wake when the preview's first
		// frame lands.
		var shadowCase <-chan struct{}
		if pv := e.preview; pv != nil && !pv.ackSent && pv.prod != nil {
			shadowCase = pv.pair.Video.FirstPush()
		}
		// While the live ring is dry, wake on the next admitted frame.
		var notifyCase <-chan struct{}
		if pending == nil && e.live != nil {
			notifyCase = e.live.pair.Video.Notify()
		}

		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmdCh:
			e.handleCommand(cmd)
		case segID := <-e.dueCh:
			e.handleDue(segID)
		case ev := <-e.eofCh:
			e.handleEOF(ev)
		case <-shadowCase:
			// Handled by checkShadowReady at the top of the loop.
		case <-notifyCase:
			// Live ring has frames again; selection re-runs at the loop top.
		case <-e.starveCh:
			e.starveArmed = false
		case outCase <- pending:
			pending = nil
		}
	}
}

// handleCommand dispatches a declarative command.
func (e *Engine) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case *event.PreloadCommand:
		e.handlePreload(*c)
	case *event.SwitchCommand:
		e.handleSwitch(*c)
	}
}

// handlePreload readies the incoming segment. The origin mapping (the pair's
// segment id) is installed before the preview buffer begins filling, so the
// first admitted preview frame already belongs to the right segment.
func (e *Engine) handlePreload(cmd event.PreloadCommand) {
	if e.preview != nil {
		if cmd.SegmentID == e.preview.seg.ID {
			// Re-preloading the seam in flight is a reset; once armed it is
			// fatal by contract, and it is never legitimate earlier either.
			e.violate(event.TagResetWhileArmed, "switch.preload",
				fmt.Errorf("duplicate preload for segment %d in state %s", cmd.SegmentID, e.state))
			return
		}
		// A later boundary's preload: the preview slot is single, so it waits
		// for the current seam to commit.
		e.pendPreloads = append(e.pendPreloads, cmd)
		return
	}

	seg := plan.Segment{
		ID:                cmd.SegmentID,
		AssetURI:          cmd.AssetURI,
		StartFrame:        cmd.StartFrame,
		PlannedFrameCount: cmd.PlannedFrameCount,
		Boundary:          cmd.TargetBoundary,
		FPS:               e.cfg.FPS,
	}

	pv := &previewSide{
		seg:     seg,
		pair:    buffer.NewPair(seg.ID, e.cfg.VideoRingCap, e.cfg.AudioRingCap, "preview"),
		release: make(chan struct{}),
		target:  cmd.TargetBoundary,
	}

	if seg.PlannedFrameCount == 0 {
		// Zero-frame preview: shadow-ready immediately, no producer, and the
		// content-before-pad gate is bypassed at commit.
		pv.shadowReady = true
	} else {
		newProducer := e.cfg.NewProducer
		if newProducer == nil {
			newProducer = producer.ForSegment
		}
		pv.prod = newProducer(seg, e.cfg.AssetRoot, pv.pair, pv.release)
		pv.prod.Start(e.ctx)
		e.watchEOF(pv.prod)
	}
	e.preview = pv
	e.state = StatePreloading
	e.log.Debug("preload started", "segment_id", seg.ID, "kind", kindOf(seg), "planned", seg.PlannedFrameCount)
	e.checkShadowReady()

	// A switch that arrived ahead of this preload arms now.
	if sw, ok := e.pendSwitches[seg.ID]; ok {
		delete(e.pendSwitches, seg.ID)
		e.handleSwitch(sw)
	}
}

// handleSwitch arms the seam. The deadline is authoritative: commit fires at
// the target boundary via an absolute-deadline callback, or on the CT tick
// that lands on the boundary, whichever the flow reaches first.
func (e *Engine) handleSwitch(cmd event.SwitchCommand) {
	pv := e.preview
	if pv == nil || pv.seg.ID != cmd.SegmentID {
		// A switch for a queued later boundary waits for its preload.
		for _, qc := range e.pendPreloads {
			if qc.SegmentID == cmd.SegmentID {
				e.pendSwitches[cmd.SegmentID] = cmd
				return
			}
		}
		e.violate(event.TagPlanBoundaryMismatch, "switch.arm",
			fmt.Errorf("switch for segment %d with no matching preload", cmd.SegmentID))
		return
	}
	if pv.armed {
		e.violate(event.TagResetWhileArmed, "switch.arm",
			fmt.Errorf("duplicate switch for segment %d", cmd.SegmentID))
		return
	}
	pv.armed = true
	pv.target = cmd.TargetBoundary
	if e.tl.Anchored() {
		pv.targetCT = cmd.TargetBoundary.Sub(e.tl.Epoch()).Microseconds()
	}
	e.state = StateArmed
	segID := cmd.SegmentID
	pv.dueTimer = e.clk.ScheduleAt(cmd.TargetBoundary, func() {
		select {
		case e.dueCh <- segID:
		case <-e.ctx.Done():
		}
	})
	// Deferred write barrier: engages only once the preview shadow is ready.
	e.engageBarrierIfReady()
	e.log.Debug("switch armed", "segment_id", segID, "target", cmd.TargetBoundary)
}

// handleDue executes a boundary deadline fire.
func (e *Engine) handleDue(segID int64) {
	pv := e.preview
	if pv == nil || pv.seg.ID != segID || !pv.armed {
		// Stale fire from an already-committed boundary.
		return
	}
	e.tryCommit("deadline")
}

// handleEOF records a decoder-exhausted event.
func (e *Engine) handleEOF(ev event.EOFEvent) {
	log := e.log.With("segment_id", ev.SegmentID,
		"frames_delivered", ev.FramesDelivered, "planned_frame_count", ev.PlannedFrameCount)
	log.Info("decoder eof", "tag", event.TagDecoderEOF)
	if ev.Early() {
		log.Warn("early eof", "tag", event.TagEarlyEOF, "deficit_frames", ev.Deficit())
		e.met.EarlyEOFs.Inc()
	}
	if e.live != nil && e.live.seg.ID == ev.SegmentID {
		e.live.eof = true
	}
	if e.preview != nil && e.preview.seg.ID == ev.SegmentID {
		e.preview.eof = true
		e.preview.eofFrames = ev.FramesDelivered
		// Preview EOF lowers the seam threshold: whatever was delivered is
		// all there will be, so waiting for more depth cannot help.
		e.checkShadowReady()
	}
}

// watchEOF forwards one producer's EOF event into the control loop.
func (e *Engine) watchEOF(p producer.Producer) {
	go func() {
		select {
		case ev := <-p.EOF():
			select {
			case e.eofCh <- ev:
			case <-e.ctx.Done():
			}
		case <-e.ctx.Done():
		}
	}()
}

// checkShadowReady acks shadow readiness once the incoming side can take the
// seam: pad and zero-frame previews immediately, file previews when the first
// frame is cached (or the decoder exhausted first).
func (e *Engine) checkShadowReady() {
	pv := e.preview
	if pv == nil || pv.ackSent {
		return
	}
	switch {
	case pv.seg.PlannedFrameCount == 0, pv.seg.IsPad():
		pv.shadowReady = true
	case pv.pair.Video.Depth() > 0:
		pv.shadowReady = true
	case pv.eof:
		// Exhausted with zero cached frames: not ready, and never will be.
		// The coordinator cancels the boundary on this ack; free the seam so
		// later boundaries still run (the live side extends across the hole).
		pv.ackSent = true
		e.sendPreloadAck(event.PreloadAck{
			SegmentID: pv.seg.ID, ShadowReady: false,
			Reason: fmt.Sprintf("decoder exhausted with %d frames", pv.eofFrames),
		})
		if pv.prod != nil {
			go pv.prod.Stop()
		}
		if pv.dueTimer != nil {
			pv.dueTimer.Stop()
		}
		e.preview = nil
		e.state = StateIdle
		e.installNextPreload()
		return
	default:
		return
	}
	pv.ackSent = true
	if e.state == StatePreloading {
		e.state = StateShadow
	}
	e.sendPreloadAck(event.PreloadAck{SegmentID: pv.seg.ID, ShadowReady: true})
	e.engageBarrierIfReady()
}

// installNextPreload moves the next queued boundary into the freed preview
// slot.
func (e *Engine) installNextPreload() {
	if len(e.pendPreloads) == 0 {
		return
	}
	next := e.pendPreloads[0]
	e.pendPreloads = e.pendPreloads[1:]
	e.handlePreload(next)
}

func (e *Engine) sendPreloadAck(ack event.PreloadAck) {
	select {
	case e.preAck <- ack:
	case <-e.ctx.Done():
	}
}

// engageBarrierIfReady engages the outgoing live write barrier once the seam
// is both armed and shadow-ready. Engaging earlier would cut the live decoder
// off while the incoming side might still fail to ready.
func (e *Engine) engageBarrierIfReady() {
	if e.live == nil || e.preview == nil {
		return
	}
	if e.preview.armed && e.preview.shadowReady {
		e.live.pair.EngageBarrier()
	}
}

// violate surfaces a fatal protocol violation.
func (e *Engine) violate(tag, op string, cause error) {
	err := ierrors.NewViolation(tag, op, cause)
	e.log.Error("fatal violation", "tag", tag, "op", op, "error", cause)
	e.met.BoundaryViolations.Inc()
	select {
	case e.violCh <- err:
	default:
	}
}

// teardown releases producers on engine exit.
func (e *Engine) teardown() {
	if e.live != nil && e.live.prod != nil {
		e.live.prod.Stop()
	}
	if e.preview != nil && e.preview.prod != nil {
		e.preview.prod.Stop()
	}
}

func kindOf(seg plan.Segment) string {
	if seg.IsPad() {
		return "pad"
	}
	return "file"
}
