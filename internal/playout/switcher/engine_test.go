package switcher

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

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

var (
	base    = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	fps     = frame.FPS{Num: 30, Den: 1}
	tickDur = fps.Duration()
)

// scripted is a controllable content producer: it delivers its batches of
// frames, waiting on resume between batches, then optionally signals EOF.
// Like the real file producer it caches one frame in shadow and holds for
// release.
type scripted struct {
	seg     plan.Segment
	pair    *buffer.Pair
	release <-chan struct{}

	batches   []int
	resume    chan struct{}
	startGate chan struct{} // optional: held closed, nothing decodes until closed
	signalEOF bool

	eofCh    chan event.EOFEvent
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newScript(eof bool, batches ...int) *scripted {
	return &scripted{
		batches:   batches,
		signalEOF: eof,
		resume:    make(chan struct{}, 4),
		eofCh:     make(chan event.EOFEvent, 1),
		done:      make(chan struct{}),
	}
}

func (s *scripted) Kind() producer.Kind { return producer.KindFile }
func (s *scripted) Segment() plan.Segment { return s.seg }
func (s *scripted) EOF() <-chan event.EOFEvent { return s.eofCh }
func (s *scripted) Done() <-chan struct{} { return s.done }

func (s *scripted) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

func (s *scripted) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *scripted) run(ctx context.Context) {
	defer close(s.done)
	if s.startGate != nil {
		select {
		case <-s.startGate:
		case <-ctx.Done():
			return
		}
	}
	total := 0
	for bi, n := range s.batches {
		if bi > 0 {
			select {
			case <-s.resume:
			case <-ctx.Done():
				return
			}
		}
		for i := 0; i < n; i++ {
			v := &frame.Frame{
				MediaTime:    int64(total) * fps.DurationMicros(),
				Kind:         frame.KindContent,
				Stream:       frame.StreamVideo,
				RandomAccess: total == 0,
				Payload:      []byte{0xaa},
			}
			if err := s.pair.Video.Push(ctx, v); err != nil {
				return
			}
			total++
			if total == 1 {
				select {
				case <-s.release:
				case <-ctx.Done():
					return
				}
			}
			a := &frame.Frame{
				MediaTime: v.MediaTime,
				Kind:      frame.KindContent,
				Stream:    frame.StreamAudio,
				Payload:   []byte{0x01},
			}
			if err := s.pair.Audio.Push(ctx, a); err != nil {
				return
			}
		}
	}
	if s.signalEOF {
		s.eofCh <- event.EOFEvent{
			SegmentID:         s.seg.ID,
			FramesDelivered:   uint64(total),
			PlannedFrameCount: s.seg.PlannedFrameCount,
		}
	}
}

// harness runs an engine on a virtual clock, plays coordinator, and consumes
// the output at PCR cadence so CT and wall time stay coupled like in
// production.
type harness struct {
	t        *testing.T
	v        *clock.Virtual
	tl       *timeline.Controller
	met      *metrics.Metrics
	e        *Engine
	epoch    time.Time
	consumed int
	ticks    []*frame.Tick
	scripts  map[int64]*scripted
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger.UseWriter(io.Discard)
	h := &harness{
		t:       t,
		v:       clock.NewVirtual(base),
		tl:      timeline.New(fps),
		met:     metrics.New("test"),
		scripts: make(map[int64]*scripted),
	}
	h.e = New(Config{
		FPS:               fps,
		AssetRoot:         ".",
		VideoRingCap:      8,
		AudioRingCap:      8,
		OutputQueueDepth:  3,
		SteadyStateDepth:  3,
		BoundaryTolerance: 34 * time.Millisecond,
		NewProducer:       h.newProducer,
	}, h.v, h.tl, h.met)
	h.e.Start(context.Background())
	t.Cleanup(h.e.Stop)
	return h
}

func (h *harness) newProducer(seg plan.Segment, root string, pair *buffer.Pair, release <-chan struct{}) producer.Producer {
	if seg.IsPad() {
		return producer.ForSegment(seg, root, pair, release)
	}
	s, ok := h.scripts[seg.ID]
	if !ok {
		h.t.Fatalf("no script registered for segment %d", seg.ID)
	}
	s.seg, s.pair, s.release = seg, pair, release
	return s
}

// window builds contiguous segments from (id, uri, frames) triples starting
// at the harness epoch.
type segSpec struct {
	id     int64
	uri    string
	frames uint64
}

func (h *harness) plan(start time.Time, specs ...segSpec) []plan.Segment {
	h.epoch = start
	segs := make([]plan.Segment, 0, len(specs))
	b := start
	for _, sp := range specs {
		s := plan.Segment{
			ID:                sp.id,
			AssetURI:          sp.uri,
			PlannedFrameCount: sp.frames,
			Boundary:          b,
			FPS:               fps,
		}
		segs = append(segs, s)
		b = s.End()
	}
	return segs
}

// schedule plays the coordinator: preload at boundary − lead, switch at
// boundary − ε.
func (h *harness) schedule(segs []plan.Segment, lead time.Duration) {
	for _, seg := range segs {
		sg := seg
		h.v.ScheduleAt(sg.Boundary.Add(-lead), func() {
			h.e.Preload(event.PreloadCommand{
				SegmentID:         sg.ID,
				AssetURI:          sg.AssetURI,
				StartFrame:        sg.StartFrame,
				PlannedFrameCount: sg.PlannedFrameCount,
				TargetBoundary:    sg.Boundary,
			})
		})
		h.v.ScheduleAt(sg.Boundary.Add(-20*time.Millisecond), func() {
			h.e.Switch(event.SwitchCommand{SegmentID: sg.ID, TargetBoundary: sg.Boundary})
		})
	}
}

// drive advances virtual time, consuming output ticks at their CT deadlines.
func (h *harness) drive(until time.Time) {
	for h.v.Now().Before(until) {
		h.v.Advance(10 * time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	consume:
		for {
			due := h.epoch.Add(time.Duration(h.consumed) * tickDur)
			if h.v.Now().Before(due) {
				break
			}
			select {
			case tk := <-h.e.Output():
				h.ticks = append(h.ticks, tk)
				h.consumed++
			case <-time.After(100 * time.Millisecond):
				break consume
			}
		}
	}
}

func (h *harness) acks() []event.SwitchAck {
	var out []event.SwitchAck
	for {
		select {
		case a := <-h.e.SwitchAcks():
			out = append(out, a)
		default:
			return out
		}
	}
}

func (h *harness) violations() []error {
	var out []error
	for {
		select {
		case v := <-h.e.Violations():
			out = append(out, v)
		default:
			return out
		}
	}
}

func (h *harness) assertContiguousCT() {
	h.t.Helper()
	for i := 1; i < len(h.ticks); i++ {
		d := h.ticks[i].Video.CT - h.ticks[i-1].Video.CT
		if d != fps.DurationMicros() {
			h.t.Fatalf("tick %d: Δct=%d, want %d", i, d, fps.DurationMicros())
		}
	}
}

// TestContentPadContentSeams is the canonical plan
// [Content 1500ms, Pad 500ms, Content 1500ms] at 30 fps: zero stale-frame
// bleeds, commits at the pad and content boundaries, CT monotonic.
func TestContentPadContentSeams(t *testing.T) {
	h := newHarness(t)
	h.scripts[1] = newScript(true, 45)
	h.scripts[3] = newScript(true, 45)

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "file:///a.ts", 45},
		segSpec{2, "pad:black", 15},
		segSpec{3, "file:///b.ts", 45},
	)
	h.schedule(segs, 400*time.Millisecond)
	h.drive(segs[2].End().Add(100 * time.Millisecond))

	acks := h.acks()
	if len(acks) != 3 {
		t.Fatalf("expected 3 commits, got %d: %+v", len(acks), acks)
	}
	if acks[0].CommitCT != 0 {
		t.Fatalf("first commit CT %d", acks[0].CommitCT)
	}
	wantPadCT := int64(45) * fps.DurationMicros()
	if acks[1].CommitCT != wantPadCT {
		t.Fatalf("pad commit CT %d, want %d", acks[1].CommitCT, wantPadCT)
	}
	wantBCT := wantPadCT + int64(15)*fps.DurationMicros()
	if acks[2].CommitCT != wantBCT {
		t.Fatalf("content commit CT %d, want %d", acks[2].CommitCT, wantBCT)
	}
	for _, a := range acks {
		if a.Delta < -tickDur || a.Delta > tickDur {
			t.Fatalf("commit delta %v beyond one frame", a.Delta)
		}
	}

	if got := testutil.ToFloat64(h.met.StaleFrameBleeds); got != 0 {
		t.Fatalf("stale frame bleeds: %v", got)
	}
	if got := testutil.ToFloat64(h.met.PadWhileDepthHigh); got != 0 {
		t.Fatalf("pad while depth high: %v", got)
	}
	h.assertContiguousCT()

	if len(h.ticks) < 105 {
		t.Fatalf("only %d ticks emitted", len(h.ticks))
	}
	for i, tk := range h.ticks[:105] {
		switch {
		case i < 45:
			if tk.Video.OriginSegmentID != 1 || tk.Video.Kind != frame.KindContent {
				t.Fatalf("tick %d: origin=%d kind=%v, want content of segment 1", i, tk.Video.OriginSegmentID, tk.Video.Kind)
			}
		case i < 60:
			if tk.Video.Kind != frame.KindPad || tk.Video.OriginSegmentID != 2 {
				t.Fatalf("tick %d: origin=%d kind=%v, want pad of segment 2", i, tk.Video.OriginSegmentID, tk.Video.Kind)
			}
		default:
			if tk.Video.OriginSegmentID != 3 || tk.Video.Kind != frame.KindContent {
				t.Fatalf("tick %d: origin=%d kind=%v, want content of segment 3", i, tk.Video.OriginSegmentID, tk.Video.Kind)
			}
		}
	}
	if len(h.violations()) != 0 {
		t.Fatalf("unexpected violations")
	}
}

// TestShortPadSeam runs [Content 1500ms, Pad 200ms, Content 1500ms]: the
// PAD→CONTENT commit lands at 1700ms and pad residual is discarded.
func TestShortPadSeam(t *testing.T) {
	h := newHarness(t)
	h.scripts[1] = newScript(true, 45)
	h.scripts[3] = newScript(true, 45)

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "file:///a.ts", 45},
		segSpec{2, "pad:black", 6},
		segSpec{3, "file:///b.ts", 45},
	)
	h.schedule(segs, 400*time.Millisecond)
	h.drive(segs[2].End().Add(100 * time.Millisecond))

	acks := h.acks()
	if len(acks) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(acks))
	}
	wantB := int64(51) * fps.DurationMicros()
	if acks[2].CommitCT != wantB {
		t.Fatalf("pad→content commit CT %d, want %d", acks[2].CommitCT, wantB)
	}
	padCount := 0
	for _, tk := range h.ticks {
		if tk.Video.Kind == frame.KindPad {
			padCount++
		}
	}
	if padCount != 6 {
		t.Fatalf("pad frames emitted: %d, want exactly 6", padCount)
	}
	if got := testutil.ToFloat64(h.met.StaleFrameBleeds); got != 0 {
		t.Fatalf("stale frame bleeds: %v", got)
	}
	h.assertContiguousCT()
}

// TestDeficitFill plays a 10s segment whose media ends at 7s: pad fills at
// cadence, the boundary does not advance, and the next segment starts on time.
func TestDeficitFill(t *testing.T) {
	h := newHarness(t)
	h.scripts[1] = newScript(true, 210) // 7s of a planned 10s
	h.scripts[2] = newScript(true, 30)

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "file:///long.ts", 300},
		segSpec{2, "file:///next.ts", 30},
	)
	h.schedule(segs, 400*time.Millisecond)
	h.drive(segs[1].End().Add(100 * time.Millisecond))

	acks := h.acks()
	if len(acks) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(acks))
	}
	wantNext := int64(300) * fps.DurationMicros()
	if acks[1].CommitCT != wantNext {
		t.Fatalf("switch before the scheduled boundary: commit CT %d, want %d", acks[1].CommitCT, wantNext)
	}

	var content1, pads int
	for i, tk := range h.ticks {
		if i >= 300 {
			break
		}
		switch tk.Video.Kind {
		case frame.KindContent:
			content1++
		case frame.KindPad:
			pads++
			if tk.Video.OriginSegmentID != 1 {
				t.Fatalf("tick %d: deficit pad carries origin %d", i, tk.Video.OriginSegmentID)
			}
		}
	}
	if content1 != 210 || pads != 90 {
		t.Fatalf("content=%d pads=%d, want 210/90", content1, pads)
	}
	if got := testutil.ToFloat64(h.met.EarlyEOFs); got != 1 {
		t.Fatalf("early EOF count %v", got)
	}
	// TS cadence unchanged across the deficit.
	h.assertContiguousCT()
}

// TestZeroFramePreview: a planned_frame_count == 0 segment is shadow-ready
// immediately and commits without the content-before-pad gate; zero frames
// carry its origin.
func TestZeroFramePreview(t *testing.T) {
	h := newHarness(t)
	h.scripts[1] = newScript(true, 30)
	h.scripts[3] = newScript(true, 30)

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "file:///a.ts", 30},
		segSpec{2, "file:///zero.ts", 0},
		segSpec{3, "file:///b.ts", 30},
	)
	h.schedule(segs, 400*time.Millisecond)
	h.drive(segs[2].End().Add(100 * time.Millisecond))

	acks := h.acks()
	if len(acks) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(acks))
	}
	// The zero-frame segment occupies at most a hold frame or two while its
	// follower's decoder spins up at the shared boundary instant.
	diff := acks[2].CommitCT - acks[1].CommitCT
	if diff < 0 || diff > 3*fps.DurationMicros() {
		t.Fatalf("zero-frame segment occupied CT: %d vs %d", acks[1].CommitCT, acks[2].CommitCT)
	}
	for i, tk := range h.ticks {
		if tk.Video.OriginSegmentID == 2 && tk.Video.Kind == frame.KindContent {
			t.Fatalf("tick %d: content emitted under the zero-frame segment", i)
		}
	}
	if got := testutil.ToFloat64(h.met.StaleFrameBleeds); got != 0 {
		t.Fatalf("stale frame bleeds: %v", got)
	}
}

// TestHoldLastOnSlowDecoder: a stalled (not exhausted) decoder extends the
// active segment with hold frames — no pad, no vacuum, no bleed.
func TestHoldLastOnSlowDecoder(t *testing.T) {
	h := newHarness(t)
	sc := newScript(false, 5, 100) // 5 frames, then stall until resumed
	h.scripts[1] = sc

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "file:///stall.ts", 300},
	)
	h.schedule(segs, 400*time.Millisecond)
	h.drive(h.epoch.Add(500 * time.Millisecond)) // ~15 ticks

	var content, hold, pad int
	for _, tk := range h.ticks {
		switch tk.Video.Kind {
		case frame.KindContent:
			content++
		case frame.KindHold:
			hold++
			if tk.Video.OriginSegmentID != 1 {
				t.Fatalf("hold frame lost segment authority: origin %d", tk.Video.OriginSegmentID)
			}
		case frame.KindPad:
			pad++
		}
	}
	if content != 5 || hold == 0 || pad != 0 {
		t.Fatalf("content=%d hold=%d pad=%d; want 5 content, some hold, no pad", content, hold, pad)
	}

	// Resume: content flows again and depth recovers.
	sc.resume <- struct{}{}
	h.drive(h.epoch.Add(1200 * time.Millisecond))
	last := h.ticks[len(h.ticks)-1]
	if last.Video.Kind != frame.KindContent {
		t.Fatalf("decoder resumed but still emitting %v", last.Video.Kind)
	}
	h.assertContiguousCT()
}

// TestDeferredContentSeam: the incoming content segment readies late; the pad
// side extends past the boundary and the swap fires on the tick the incoming
// buffer first yields a frame, with no bleed either side.
func TestDeferredContentSeam(t *testing.T) {
	h := newHarness(t)
	late := newScript(true, 45)
	h.scripts[2] = late

	// The late producer decodes nothing until its gate opens, 100ms past the
	// boundary.
	late.startGate = make(chan struct{})

	segs := h.plan(base.Add(500*time.Millisecond),
		segSpec{1, "pad:black", 30},
		segSpec{2, "file:///late.ts", 45},
	)
	h.schedule(segs, 400*time.Millisecond)
	sg := segs[1]
	h.v.ScheduleAt(sg.Boundary.Add(100*time.Millisecond), func() { close(late.startGate) })

	h.drive(sg.Boundary.Add(800 * time.Millisecond))

	// The seam committed and every post-commit frame belongs to segment 2.
	acks := h.acks()
	if len(acks) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(acks))
	}
	seen2 := false
	first2 := -1
	for i, tk := range h.ticks {
		if tk.Video.OriginSegmentID == 2 {
			if first2 < 0 {
				first2 = i
			}
			seen2 = true
			if tk.Video.Kind != frame.KindContent {
				t.Fatalf("tick %d: segment 2 emitted %v", i, tk.Video.Kind)
			}
		} else if seen2 {
			t.Fatalf("tick %d: origin reverted after seam", i)
		}
	}
	if !seen2 {
		t.Fatalf("content segment never took authority")
	}
	if first2 <= 30 {
		t.Fatalf("seam fired at tick %d, before the incoming buffer could hold a frame", first2)
	}
	for _, tk := range h.ticks[30:first2] {
		if tk.Video.Kind != frame.KindPad {
			t.Fatalf("deferred interval must extend pad, got %v", tk.Video.Kind)
		}
	}
	if got := testutil.ToFloat64(h.met.StaleFrameBleeds); got != 0 {
		t.Fatalf("stale frame bleeds: %v", got)
	}
}

// TestResetWhileArmedIsFatal: re-preloading the in-flight seam is a fatal
// violation.
func TestResetWhileArmedIsFatal(t *testing.T) {
	h := newHarness(t)
	h.scripts[1] = newScript(true, 60)

	segs := h.plan(base.Add(500*time.Millisecond), segSpec{1, "file:///a.ts", 60})
	h.schedule(segs, 400*time.Millisecond)
	// Duplicate preload for the same segment after arming.
	h.v.ScheduleAt(segs[0].Boundary.Add(-10*time.Millisecond), func() {
		h.e.Preload(event.PreloadCommand{
			SegmentID: 1, AssetURI: "file:///a.ts",
			PlannedFrameCount: 60, TargetBoundary: segs[0].Boundary,
		})
	})
	h.drive(segs[0].Boundary.Add(200 * time.Millisecond))

	viols := h.violations()
	if len(viols) == 0 {
		t.Fatalf("expected reset-while-armed violation")
	}
	var ve *ierrors.ViolationError
	if !ierrors.IsFatal(viols[0]) {
		t.Fatalf("violation not fatal: %v", viols[0])
	}
	if !asViolation(viols[0], &ve) || ve.Tag != event.TagResetWhileArmed {
		t.Fatalf("unexpected violation: %v", viols[0])
	}
}

func asViolation(err error, target **ierrors.ViolationError) bool {
	return stderrors.As(err, target)
}
