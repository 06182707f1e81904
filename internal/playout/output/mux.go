package output

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astits"

	"github.com/slbailey/retrovue-playout/internal/clock"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/metrics"
	"github.com/slbailey/retrovue-playout/internal/playout/event"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/timeline"
)

// Program layout follows the ffmpeg mpegts muxer defaults so downstream
// tooling sees a familiar structure.
const (
	videoPID = 0x0100
	audioPID = 0x0101

	streamIDVideo = 0xe0
	streamIDAudio = 0xc0
)

// MuxConfig holds the output tunables.
type MuxConfig struct {
	// SteadyStateDepth is the queue depth at which PCR-paced steady state is
	// declared.
	SteadyStateDepth int
	// EquilibriumLow/High bound sustained live-buffer depth in steady state.
	EquilibriumLow  int
	EquilibriumHigh int
	// SustainedTicks is how many consecutive out-of-band ticks count as
	// sustained drift rather than an excursion.
	SustainedTicks int
}

// Mux is the PCR-paced transport-stream emitter. After attach it is the
// pacing authority: emission cadence derives from CT, never from producer
// supply, and producers are gated transitively through the fixed-depth input
// queue.
type Mux struct {
	cfg MuxConfig
	clk clock.Clock
	tl  *timeline.Controller
	met *metrics.Metrics
	log *slog.Logger

	in <-chan *frame.Tick
	w  io.Writer

	mux      *astits.Muxer
	attached bool
	steady   atomic.Bool

	videoEmitted uint64
	audioEmitted uint64
	excursion    int
	stalled      bool
}

// NewMux creates the emitter reading from the engine's output queue and
// writing TS bytes into w (the broadcaster).
func NewMux(cfg MuxConfig, clk clock.Clock, tl *timeline.Controller, met *metrics.Metrics, in <-chan *frame.Tick, w io.Writer) *Mux {
	if cfg.SteadyStateDepth < 1 {
		cfg.SteadyStateDepth = 3
	}
	if cfg.EquilibriumLow < 1 {
		cfg.EquilibriumLow = 1
	}
	if cfg.EquilibriumHigh < cfg.EquilibriumLow {
		cfg.EquilibriumHigh = 2 * cfg.SteadyStateDepth
	}
	if cfg.SustainedTicks < 1 {
		cfg.SustainedTicks = 90
	}
	return &Mux{
		cfg: cfg,
		clk: clk,
		tl:  tl,
		met: met,
		log: logger.Logger().With("component", "output"),
		in:  in,
		w:   w,
	}
}

// Steady reports whether PCR-paced steady state has been declared.
func (m *Mux) Steady() bool { return m.steady.Load() }

// Run drives emission until ctx is cancelled. It suspends in exactly two
// places: the input queue (a stall — preferred over fabricating content) and
// the PCR sleep.
func (m *Mux) Run(ctx context.Context) error {
	for {
		var tick *frame.Tick
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick = <-m.in:
		}
		if err := m.emit(ctx, tick); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// emit writes one tick at its PCR deadline.
func (m *Mux) emit(ctx context.Context, tick *frame.Tick) error {
	v := tick.Video
	if v == nil {
		return nil
	}

	// Attachment bootstrap: no TS header until the first real video frame,
	// and no video encode until the header is out. Audio cannot precede
	// video because the first write below is always the video frame.
	if !m.attached {
		if err := m.attach(ctx); err != nil {
			return err
		}
	}

	// PCR pacing: the frame's wall deadline is epoch + CT.
	deadline := m.tl.Deadline(v.CT)
	if err := m.clk.SleepUntil(ctx, deadline); err != nil {
		return err
	}

	if !m.steady.Load() && len(m.in)+1 >= m.cfg.SteadyStateDepth {
		m.steady.Store(true)
		m.log.Info("steady state entered", "tag", event.TagSteadyStateEntered,
			"queue_depth", len(m.in)+1)
	}
	if v.Kind == frame.KindContent {
		// Depth accounting only means something while a decoder feeds the
		// live ring; pad video is synthesized on demand.
		m.observeDepth(tick.LiveDepth)
	}

	pts := &astits.ClockReference{Base: v.CT * 9 / 100} // CT µs → 90 kHz
	if _, err := m.mux.WriteData(&astits.MuxerData{
		PID: videoPID,
		AdaptationField: &astits.PacketAdaptationField{
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: v.CT * 9 / 100},
			RandomAccessIndicator: v.RandomAccess,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: streamIDVideo,
				OptionalHeader: &astits.PESOptionalHeader{
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             pts,
				},
			},
			Data: v.Payload,
		},
	}); err != nil {
		return err
	}
	m.videoEmitted++

	if a := tick.Audio; a != nil {
		if _, err := m.mux.WriteData(&astits.MuxerData{
			PID: audioPID,
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					StreamID: streamIDAudio,
					OptionalHeader: &astits.PESOptionalHeader{
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: a.CT * 9 / 100},
					},
				},
				Data: a.Payload,
			},
		}); err != nil {
			return err
		}
		m.audioEmitted++
		if m.stalled {
			m.stalled = false
			m.log.Info("audio resumed after stall")
		}
	} else if m.steady.Load() {
		// Audio underrun after attach: stall, never synthetic silence.
		if !m.stalled {
			m.stalled = true
			m.log.Warn("audio stall; no silence injected")
		}
	}

	// Symmetric backpressure: a growing gap means one stream is free-running.
	if gap := int64(m.videoEmitted) - int64(m.audioEmitted); m.steady.Load() &&
		(gap > int64(2*m.cfg.EquilibriumHigh) || gap < -int64(2*m.cfg.EquilibriumHigh)) {
		m.log.Error("symmetric backpressure violated",
			"video_emitted", m.videoEmitted, "audio_emitted", m.audioEmitted)
	}
	return nil
}

// attach writes the program tables once the first real video frame exists.
func (m *Mux) attach(ctx context.Context) error {
	mx := astits.NewMuxer(ctx, m.w)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return err
	}
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: audioPID,
		StreamType:    astits.StreamTypeAACAudio,
	}); err != nil {
		return err
	}
	mx.SetPCRPID(videoPID)
	if _, err := mx.WriteTables(); err != nil {
		return err
	}
	m.mux = mx
	m.attached = true
	m.log.Info("output attached", "video_pid", videoPID, "audio_pid", audioPID)
	return nil
}

// observeDepth tracks the live-buffer equilibrium band. Excursions are
// warnings; sustained drift is a failure.
func (m *Mux) observeDepth(depth int) {
	if !m.steady.Load() {
		return
	}
	if depth < m.cfg.EquilibriumLow || depth > m.cfg.EquilibriumHigh {
		m.excursion++
		if m.excursion == 1 {
			m.log.Warn("buffer depth excursion", "depth", depth,
				"band_low", m.cfg.EquilibriumLow, "band_high", m.cfg.EquilibriumHigh)
		}
		if m.excursion == m.cfg.SustainedTicks {
			m.log.Error("sustained buffer drift", "depth", depth,
				"ticks", m.excursion, "drift", m.tl.Drift(m.clk.Now()).String())
		}
		return
	}
	if m.excursion >= m.cfg.SustainedTicks {
		m.log.Info("buffer depth back within equilibrium band", "depth", depth)
	}
	m.excursion = 0
}

// Drift exposes the wall-vs-CT divergence for health reporting.
func (m *Mux) Drift() time.Duration { return m.tl.Drift(m.clk.Now()) }
