// Package producer implements the per-segment decoders feeding the frame
// rings.
//
// Producers are time-blind: they never read content time, never compare media
// time against wall-clock targets, and never drop or delay frames on such
// comparisons. They produce frames in media order at whatever rate the slot
// gate grants; the timeline controller assigns CT at emission.
//
// There are two producer kinds, peers behind one capability surface rather
// than a subclass hierarchy: File (demuxes a transport-stream asset) and Pad
// (video-on-demand, no decoder — the switch engine synthesizes pad video at
// the tick, while the producer keeps the silence audio queue fed).
package producer

import (
	"context"
	"strings"
	"sync"

	"github.com/slbailey/retrovue-playout/internal/playout/buffer"
	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
)

// Kind tags the producer variant.
type Kind uint8

const (
	KindFile Kind = iota
	KindPad
)

func (k Kind) String() string {
	if k == KindPad {
		return "pad"
	}
	return "file"
}

// Producer is the capability surface the switch engine drives.
type Producer interface {
	Kind() Kind
	Segment() plan.Segment
	// Start launches the decode goroutine. The producer pushes its first video
	// frame (file kind) into the pair, then holds in shadow until the release
	// channel closes; after release it fills the rings at slot-gate pace.
	Start(ctx context.Context)
	// EOF delivers the decoder-exhausted event: an event within the segment,
	// never a boundary.
	EOF() <-chan event.EOFEvent
	// Done closes when the decode goroutine has fully exited.
	Done() <-chan struct{}
	// Stop cancels decoding and waits for exit.
	Stop()
}

// ForSegment selects the producer variant for a planned segment.
func ForSegment(seg plan.Segment, assetRoot string, pair *buffer.Pair, release <-chan struct{}) Producer {
	if seg.IsPad() {
		return NewPad(seg, pair, release)
	}
	return NewFile(seg, resolveAsset(assetRoot, seg.AssetURI), pair, release)
}

// resolveAsset maps a planner asset URI onto the local filesystem. file://
// URIs are absolute; bare paths resolve under the asset root.
func resolveAsset(root, uri string) string {
	if p, ok := strings.CutPrefix(uri, "file://"); ok {
		return p
	}
	if strings.HasPrefix(uri, "/") || root == "" || root == "." {
		return uri
	}
	return strings.TrimSuffix(root, "/") + "/" + uri
}

// base carries the lifecycle shared by both variants.
type base struct {
	seg     plan.Segment
	pair    *buffer.Pair
	release <-chan struct{}

	eofCh    chan event.EOFEvent
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func newBase(seg plan.Segment, pair *buffer.Pair, release <-chan struct{}) base {
	return base{
		seg:     seg,
		pair:    pair,
		release: release,
		eofCh:   make(chan event.EOFEvent, 1),
		done:    make(chan struct{}),
	}
}

func (b *base) Segment() plan.Segment { return b.seg }
func (b *base) EOF() <-chan event.EOFEvent { return b.eofCh }
func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
	<-b.done
}

// signalEOF publishes the decoder-exhausted event exactly once.
func (b *base) signalEOF(delivered uint64) {
	ev := event.EOFEvent{
		SegmentID:         b.seg.ID,
		FramesDelivered:   delivered,
		PlannedFrameCount: b.seg.PlannedFrameCount,
	}
	select {
	case b.eofCh <- ev:
	default:
	}
}

// awaitRelease holds the producer in shadow until commit or cancellation.
// Returns false if the context died first.
func (b *base) awaitRelease(ctx context.Context) bool {
	select {
	case <-b.release:
		return true
	case <-ctx.Done():
		return false
	}
}
