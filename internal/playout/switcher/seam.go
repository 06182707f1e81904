package switcher

import (
	"fmt"

	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/producer"
)

// buildTick computes the (decision, origin) tuple for the next output tick and
// returns the stamped emission unit, or nil when nothing may be emitted yet
// (pre-attach, an empty live side with nothing to hold, a dry ring whose frame
// is not yet due, or a preloaded seam at its boundary tick whose Switch has
// not arrived while the boundary instant is still ahead).
//
// The eligibility gate is consulted here, at frame-source selection — not only
// after a frame has been taken — so a due seam commits before the tick's frame
// is chosen and the commit plus the origin stamp of the first post-commit
// frame form one atomic step on this goroutine.
func (e *Engine) buildTick() *frame.Tick {
	// A due, armed seam commits on the CT tick that lands on its boundary.
	if pv := e.preview; pv != nil && pv.armed && e.tl.Anchored() && e.tl.NextCT() >= pv.targetCT {
		e.tryCommit("tick")
	}
	// A preloaded seam whose Switch has not arrived yet: hold selection at its
	// boundary tick until the command lands or the boundary instant passes.
	if pv := e.preview; pv != nil && !pv.armed && e.tl.Anchored() &&
		e.tl.NextCT() >= pv.target.Sub(e.tl.Epoch()).Microseconds() && e.clk.Now().Before(pv.target) {
		e.armStarveTimer()
		return nil
	}

	lv := e.live
	if lv == nil {
		return nil
	}

	depth := lv.pair.Video.Depth()
	tick := e.tl.TickMicros()

	var v *frame.Frame
	switch {
	case lv.seg.IsPad():
		// Pad segment: video on demand, no decoder, nothing buffered to pop.
		v = producer.PadVideoFrame(lv.padMedia)
		lv.padMedia += tick
	default:
		if f, ok := lv.pair.Video.TryPop(); ok {
			v = f
		} else if lv.eof {
			// Decoder exhausted before the scheduled boundary: deterministic
			// pad at nominal cadence until the boundary fires. CT advances
			// normally; the boundary does not move.
			e.engageFill(lv)
			v = producer.PadVideoFrame(lv.padMedia)
			lv.padMedia += tick
		} else if e.tl.Deadline(e.tl.NextCT()).After(e.clk.Now()) {
			// Ring momentarily dry but the frame is not yet due: the engine
			// runs ahead of emission, so wait for the decoder rather than
			// burn a hold frame.
			e.armStarveTimer()
			return nil
		} else if e.lastGood != nil {
			// Frame due, decoder stalled, no EOF: extend the active segment
			// rather than emit a frame with no live owner.
			v = e.lastGood.Clone()
			v.Kind = frame.KindHold
		} else {
			// Nothing emitted yet and nothing to hold; wait for decode.
			return nil
		}
	}

	// Commit of active_segment_id and the origin stamp are one atomic step.
	e.tl.Stamp(v)

	// Frame authority at emission: origin must equal active, pad excepted.
	if v.Kind == frame.KindContent && lv.pair.SegmentID != e.tl.ActiveSegment() {
		e.met.StaleFrameBleeds.Inc()
		e.violate(event.TagStaleFrameBleed, "switch.selectFrame",
			fmt.Errorf("frame from segment %d while segment %d active", lv.pair.SegmentID, e.tl.ActiveSegment()))
		// Defence in depth: restamp to the active segment rather than emit a
		// stale origin.
		v.OriginSegmentID = e.tl.ActiveSegment()
	}

	// Pad while content is buffered is a tracking/flow bug, never acceptable.
	if v.Kind == frame.KindPad && !lv.seg.IsPad() && depth >= e.cfg.SteadyStateDepth {
		e.met.PadWhileDepthHigh.Inc()
		e.violate(event.TagPadWhileDepthHigh, "switch.selectFrame",
			fmt.Errorf("pad selected with live depth %d", depth))
	}

	var a *frame.Frame
	switch {
	case lv.fill:
		// Deficit fill is black video plus silence, regardless of any audio
		// residue the decoder left behind.
		a = producer.PadAudioFrame(lv.padMedia)
	default:
		if f, ok := lv.pair.Audio.TryPop(); ok {
			a = f
		} else if v.Kind == frame.KindPad {
			a = producer.PadAudioFrame(lv.padMedia)
		}
		// Otherwise audio stalls this tick; silence is never fabricated for a
		// content segment after attach.
	}
	if a != nil {
		e.tl.StampAudio(a)
	}

	if v.Kind == frame.KindContent {
		e.lastGood = v
	}
	e.met.FramesEmitted.WithLabelValues(v.Kind.String()).Inc()

	return &frame.Tick{Video: v, Audio: a, LiveDepth: depth}
}

// tryCommit runs the swap-eligibility gate and commits when the seam can take
// authority. An ineligible seam defers: the live side extends (content, hold,
// or fill) and the gate is re-consulted at every subsequent selection.
func (e *Engine) tryCommit(trigger string) {
	pv := e.preview
	if pv == nil || !pv.armed {
		return
	}
	e.state = StateCommitting
	if !e.swapEligible(pv) {
		if !pv.deferred {
			pv.deferred = true
			e.log.Warn("commit deferred: seam not ready",
				"segment_id", pv.seg.ID, "kind", kindOf(pv.seg))
		}
		if e.live == nil {
			// No live flow to drive per-tick re-checks yet (session start):
			// re-arm a deadline one frame out.
			segID := pv.seg.ID
			e.clk.ScheduleAt(e.clk.Now().Add(e.cfg.FPS.Duration()), func() {
				select {
				case e.dueCh <- segID:
				case <-e.ctx.Done():
				}
			})
		}
		return
	}
	e.executeCommit(pv, trigger)
}

// swapEligible is the seam gate, consulted at frame-source selection.
//
// CONTENT→PAD: the incoming pad has video on demand, so only audio depth
// gates the swap — holding pad to a video-depth requirement would defer the
// swap while a pad frame is already selected, the classic bleed.
//
// PAD→CONTENT (and CONTENT→CONTENT): the incoming buffer must hold a frame,
// unless its decoder already exhausted (whatever was delivered is final).
// Zero-frame previews bypass the gate entirely.
func (e *Engine) swapEligible(pv *previewSide) bool {
	switch {
	case pv.seg.PlannedFrameCount == 0:
		return true
	case pv.seg.IsPad():
		return pv.pair.Audio.Depth() > 0
	default:
		return pv.pair.Video.Depth() > 0 || pv.eof
	}
}

// executeCommit performs the atomic frame-authority transfer.
func (e *Engine) executeCommit(pv *previewSide, trigger string) {
	if pv.dueTimer != nil {
		pv.dueTimer.Stop()
	}
	if !e.tl.Anchored() {
		// First commit anchors the epoch to the scheduled boundary, so CT
		// deadlines and scheduled boundaries share one timebase.
		e.tl.AnchorEpoch(pv.target)
	}

	old := e.live
	if old != nil {
		// Write barrier engaged at the latest here; post-barrier writes are
		// zero from this point on.
		old.pair.EngageBarrier()
	}

	commitCT := e.tl.CommitSwitch(pv.seg.ID)
	e.live = &liveSide{seg: pv.seg, pair: pv.pair, prod: pv.prod, eof: pv.eof}
	e.preview = nil
	e.state = StateIdle
	// Release the shadow: the cached first frame is already in the live ring;
	// the producer resumes run-ahead decode.
	close(pv.release)

	now := e.clk.Now()
	// The seam error that matters is in the emission timebase: where the cut
	// lands in the stream versus where it was scheduled. Control-thread wall
	// time runs ahead of emission by the output queue depth and would
	// misreport it.
	delta := e.tl.Deadline(commitCT).Sub(pv.target)

	if pv.deferred && trigger == "tick" && !pv.seg.IsPad() {
		// The pre-swap cascade reached into the incoming buffer this tick;
		// the swap fired with it rather than a tick later.
		e.log.Warn("content seam override", "tag", event.TagContentSeamOverride,
			"segment_id", pv.seg.ID)
	}

	if old != nil && old.fill {
		d := now.Sub(old.fillStart)
		e.log.Info("content deficit fill end", "tag", event.TagContentDeficitFillEnd,
			"duration_ms", d.Milliseconds())
		e.met.DeficitDuration.Observe(float64(d.Milliseconds()))
	}

	e.log.Info("switch committed",
		"tag", event.TagSwitchCommitted,
		"segment_id", pv.seg.ID,
		"commit_ct", commitCT,
		"delta_ms", delta.Milliseconds(),
		"trigger", trigger)
	e.log.Info("boundary advanced", "tag", event.TagBoundaryAdvanced,
		"segment_id", pv.seg.ID, "boundary_utc_ms", pv.target.UnixMilli())
	e.met.BoundaryDelta.Observe(float64(delta.Milliseconds()))

	if delta < -e.cfg.BoundaryTolerance || delta > e.cfg.BoundaryTolerance {
		// Bounded timing violation: the switch executed (deadline is
		// authoritative); the excursion is logged and metered.
		e.log.Warn("boundary tolerance exceeded", "tag", event.TagBoundaryTolerance,
			"segment_id", pv.seg.ID, "delta_ms", delta.Milliseconds())
		e.met.BoundaryViolations.Inc()
	}

	// Teardown of the outgoing side strictly after the commit: authority
	// handoff stays atomic and segment N's resources outlive N+1's commit.
	if old != nil {
		if old.prod != nil {
			go old.prod.Stop()
		}
		if residual := old.pair.Drain(); residual > 0 {
			e.log.Debug("residual frames discarded at teardown",
				"segment_id", old.seg.ID, "frames", residual)
		}
	}

	ack := event.SwitchAck{
		SegmentID:      pv.seg.ID,
		CommitCT:       commitCT,
		CompletionTime: now,
		Delta:          delta,
	}
	select {
	case e.swAck <- ack:
	case <-e.ctx.Done():
	}

	// The preview slot is free: install the next boundary's queued preload.
	e.installNextPreload()
}

// armStarveTimer schedules a one-shot wakeup at the next frame's emission
// deadline. Coalesced: at most one outstanding.
func (e *Engine) armStarveTimer() {
	if e.starveArmed {
		return
	}
	e.starveArmed = true
	e.clk.ScheduleAt(e.tl.Deadline(e.tl.NextCT()), func() {
		select {
		case e.starveCh <- struct{}{}:
		default:
		}
	})
}

// engageFill starts the content-deficit filler for the live side.
func (e *Engine) engageFill(lv *liveSide) {
	if lv.fill {
		return
	}
	lv.fill = true
	lv.fillStart = e.clk.Now()
	lv.fillCT = e.tl.NextCT()
	boundaryCT := lv.seg.End().Sub(e.tl.Epoch()).Microseconds()
	gapMS := (boundaryCT - lv.fillCT) / 1000
	e.log.Warn("content deficit fill start",
		"tag", event.TagContentDeficitFillStart,
		"segment_id", lv.seg.ID,
		"boundary_ct", boundaryCT,
		"gap_ms", gapMS)
}
