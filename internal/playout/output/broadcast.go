// Package output implements the transport-stream emitter: the astits muxer
// with PCR pacing, the viewer broadcaster, and the HTTP endpoint.
package output

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/slbailey/retrovue-playout/internal/bufpool"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/metrics"
)

// viewerQueueDepth bounds each viewer's chunk queue. A viewer that cannot
// drain is dropped; the engine never stalls for a slow client.
const viewerQueueDepth = 64

// Viewer is one attached HTTP client.
type Viewer struct {
	ID      string
	ch      chan []byte
	dropped atomic.Bool
	bytes   atomic.Uint64
}

// Chunks delivers TS chunks to the viewer's connection handler.
func (v *Viewer) Chunks() <-chan []byte { return v.ch }

// Dropped reports whether the broadcaster evicted this viewer.
func (v *Viewer) Dropped() bool { return v.dropped.Load() }

// Bytes returns the bytes delivered to this viewer.
func (v *Viewer) Bytes() uint64 { return v.bytes.Load() }

// Broadcaster fans mux output to every attached viewer. It is an io.Writer so
// the TS muxer writes straight into it, and it keeps accepting bytes with
// zero viewers attached: viewer presence is advisory, playout never gates on
// it.
type Broadcaster struct {
	mu      sync.RWMutex
	viewers map[string]*Viewer
	met     *metrics.Metrics
	log     *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(met *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		viewers: make(map[string]*Viewer),
		met:     met,
		log:     logger.Logger().With("component", "broadcast"),
	}
}

// Subscribe attaches a new viewer.
func (b *Broadcaster) Subscribe() *Viewer {
	v := &Viewer{ID: uuid.NewString(), ch: make(chan []byte, viewerQueueDepth)}
	b.mu.Lock()
	b.viewers[v.ID] = v
	n := len(b.viewers)
	b.mu.Unlock()
	b.log.Info("viewer attached", "viewer_id", v.ID, "viewer_count", n)
	return v
}

// Unsubscribe detaches a viewer.
func (b *Broadcaster) Unsubscribe(v *Viewer) {
	b.mu.Lock()
	_, ok := b.viewers[v.ID]
	delete(b.viewers, v.ID)
	n := len(b.viewers)
	b.mu.Unlock()
	if ok {
		b.log.Info("viewer detached", "viewer_id", v.ID, "viewer_count", n, "bytes", v.Bytes())
	}
}

// ViewerCount returns the number of attached viewers.
func (b *Broadcaster) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

// Write delivers the chunk to every viewer without blocking. A viewer whose
// queue is full is dropped rather than allowed to apply backpressure to the
// mux. The muxer reuses its write buffer, so each viewer gets a pooled copy;
// the connection handler returns it to the pool after writing.
func (b *Broadcaster) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Snapshot under read lock, deliver outside it.
	b.mu.RLock()
	subs := make([]*Viewer, 0, len(b.viewers))
	for _, v := range b.viewers {
		subs = append(subs, v)
	}
	b.mu.RUnlock()

	for _, v := range subs {
		chunk := bufpool.Get(len(p))
		copy(chunk, p)
		select {
		case v.ch <- chunk:
			v.bytes.Add(uint64(len(chunk)))
			b.met.ViewerBytes.Add(float64(len(chunk)))
		default:
			bufpool.Put(chunk)
			if v.dropped.CompareAndSwap(false, true) {
				close(v.ch)
				b.log.Warn("dropping slow viewer", "viewer_id", v.ID)
				b.Unsubscribe(v)
			}
		}
	}
	return len(p), nil
}
