// Package buffer implements the bounded frame rings between producers and the
// control core.
//
// Each ring is single-producer/single-consumer. The slot gate is the ring's
// own bound: a producer blocks at the high-water mark (capacity) and resumes
// the moment the consumer frees a slot — the suspend and resume thresholds are
// the same pair, and audio and video rings are configured identically so
// neither stream can run ahead of the other.
//
// The write barrier is one-way. Once engaged, any further push is a fatal
// POST_BARRIER_WRITE violation; a producer blocked on a full ring is unblocked
// and receives the violation rather than completing the write.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
)

// Ring is a bounded FIFO of frames with an engageable write barrier.
type Ring struct {
	name string
	ch   chan *frame.Frame

	barrierOnce sync.Once
	barrierCh   chan struct{}

	firstOnce sync.Once
	firstCh   chan struct{}
	notifyCh  chan struct{}

	pushed atomic.Uint64
	popped atomic.Uint64
}

// NewRing creates a ring with the given bound. name appears in violation
// messages ("video/live", "audio/preview", ...).
func NewRing(name string, capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		name:      name,
		ch:        make(chan *frame.Frame, capacity),
		barrierCh: make(chan struct{}),
		firstCh:   make(chan struct{}),
		notifyCh:  make(chan struct{}, 1),
	}
}

// Push enqueues a frame, blocking at the slot gate while the ring is full.
// Returns a fatal violation if the barrier is (or becomes) engaged, or
// ctx.Err() on cancellation.
func (r *Ring) Push(ctx context.Context, f *frame.Frame) error {
	select {
	case <-r.barrierCh:
		return ierrors.NewViolation(event.TagPostBarrierWrite, "buffer.push",
			fmt.Errorf("ring %s", r.name))
	default:
	}
	select {
	case r.ch <- f:
		r.pushed.Add(1)
		r.firstOnce.Do(func() { close(r.firstCh) })
		select {
		case r.notifyCh <- struct{}{}:
		default:
		}
		return nil
	case <-r.barrierCh:
		return ierrors.NewViolation(event.TagPostBarrierWrite, "buffer.push",
			fmt.Errorf("ring %s (blocked producer released)", r.name))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPop dequeues the oldest frame without blocking.
func (r *Ring) TryPop() (*frame.Frame, bool) {
	select {
	case f := <-r.ch:
		r.popped.Add(1)
		return f, true
	default:
		return nil, false
	}
}

// Depth returns the queued frame count. The switch engine consults depth at
// frame-source selection and only pops once the decision is final.
func (r *Ring) Depth() int { return len(r.ch) }

// Cap returns the ring bound (the slot-gate high-water mark).
func (r *Ring) Cap() int { return cap(r.ch) }

// EngageBarrier closes the ring to further writes. Idempotent.
func (r *Ring) EngageBarrier() {
	r.barrierOnce.Do(func() { close(r.barrierCh) })
}

// FirstPush closes once the first frame has been admitted. The control loop
// selects on it to learn shadow readiness without polling.
func (r *Ring) FirstPush() <-chan struct{} { return r.firstCh }

// Notify signals (coalesced) on every admitted frame. The control loop
// selects on it while a momentarily-empty live ring has frames coming.
func (r *Ring) Notify() <-chan struct{} { return r.notifyCh }

// BarrierEngaged reports whether the write barrier is engaged.
func (r *Ring) BarrierEngaged() bool {
	select {
	case <-r.barrierCh:
		return true
	default:
		return false
	}
}

// Drain discards and returns all queued frames. Used at teardown after a
// commit; residual frames of the outgoing segment are never emitted.
func (r *Ring) Drain() []*frame.Frame {
	var out []*frame.Frame
	for {
		select {
		case f := <-r.ch:
			r.popped.Add(1)
			out = append(out, f)
		default:
			return out
		}
	}
}

// Pushed returns the lifetime count of admitted frames.
func (r *Ring) Pushed() uint64 { return r.pushed.Load() }

// Popped returns the lifetime count of consumed frames.
func (r *Ring) Popped() uint64 { return r.popped.Load() }

// Name returns the ring's diagnostic name.
func (r *Ring) Name() string { return r.name }

// Pair bundles the video ring and audio queue of one segment side (live or
// preview). Handoff of an entire pair at commit is a pointer swap guarded by
// the control goroutine.
type Pair struct {
	SegmentID int64
	Video     *Ring
	Audio     *Ring
}

// NewPair creates identically-bounded video and audio rings for a segment.
// Symmetric capacities are what make the backpressure symmetric.
func NewPair(segmentID int64, videoCap, audioCap int, side string) *Pair {
	return &Pair{
		SegmentID: segmentID,
		Video:     NewRing("video/"+side, videoCap),
		Audio:     NewRing("audio/"+side, audioCap),
	}
}

// EngageBarrier engages both rings' barriers.
func (p *Pair) EngageBarrier() {
	p.Video.EngageBarrier()
	p.Audio.EngageBarrier()
}

// Drain empties both rings, returning the residual frame count.
func (p *Pair) Drain() int {
	return len(p.Video.Drain()) + len(p.Audio.Drain())
}

// Skew is audio admitted minus video admitted. The steady-state invariant
// bounds its magnitude; growth means one producer is free-running.
func (p *Pair) Skew() int64 {
	return int64(p.Audio.Pushed()) - int64(p.Video.Pushed())
}
