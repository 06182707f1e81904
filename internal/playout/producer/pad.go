package producer

import (
	"context"
	"log/slog"

	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/playout/buffer"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
)

// Deterministic pad payloads. Pad output is byte-identical run to run; replay
// comparisons depend on that.
var (
	padVideoPayload = func() []byte {
		b := make([]byte, 1024)
		for i := range b {
			b[i] = 0x10
		}
		return b
	}()
	padAudioPayload = make([]byte, 384) // silence
)

// PadVideoFrame synthesizes one black video frame at the given media time.
// Every pad frame is a safe decode entry point.
func PadVideoFrame(mediaTime int64) *frame.Frame {
	return &frame.Frame{
		MediaTime:    mediaTime,
		Kind:         frame.KindPad,
		Stream:       frame.StreamVideo,
		RandomAccess: true,
		Payload:      padVideoPayload,
	}
}

// PadAudioFrame synthesizes one silence audio frame at the given media time.
func PadAudioFrame(mediaTime int64) *frame.Frame {
	return &frame.Frame{
		MediaTime: mediaTime,
		Kind:      frame.KindPad,
		Stream:    frame.StreamAudio,
		Payload:   padAudioPayload,
	}
}

// Pad is the interstitial producer: video on demand (the engine synthesizes
// pad video at the tick; there is no decoder to run ahead), audio queued
// through the slot gate like any other producer so the swap gate has depth to
// consult.
type Pad struct {
	base
	log *slog.Logger
}

// NewPad creates a pad producer for a planned pad segment.
func NewPad(seg plan.Segment, pair *buffer.Pair, release <-chan struct{}) *Pad {
	return &Pad{
		base: newBase(seg, pair, release),
		log:  logger.WithSegment(logger.Logger().With("component", "producer", "kind", "pad"), seg.ID),
	}
}

func (p *Pad) Kind() Kind { return KindPad }

// Start launches the audio fill goroutine. Shadow readiness is immediate for
// pad: there is no first video frame to cache.
func (p *Pad) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *Pad) run(ctx context.Context) {
	defer close(p.done)

	// A pad producer never signals EOF: pad is inexhaustible. The planned
	// frame count bounds how much the engine emits, and teardown stops the
	// fill. One silence frame per video tick keeps audio and video admission
	// counts symmetric across the pad interval.
	tick := p.seg.FPS.DurationMicros()
	var mediaTime int64
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.pair.Audio.Push(ctx, PadAudioFrame(mediaTime)); err != nil {
			if ctx.Err() == nil {
				p.log.Debug("audio ring closed to writes; fill stopped", "error", err)
			}
			return
		}
		mediaTime += tick
	}
}
