package producer

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/asticode/go-astits"

	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/playout/buffer"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
)

// ffmpeg mpegts muxer default PIDs, used when an asset carries no PMT before
// its first payload (matches the output side's program layout).
const (
	defaultVideoPID = 0x0100
	defaultAudioPID = 0x0101
)

// File decodes a transport-stream asset into the segment's frame pair.
type File struct {
	base
	path string
	log  *slog.Logger
}

// NewFile creates a file producer for a resolved asset path.
func NewFile(seg plan.Segment, path string, pair *buffer.Pair, release <-chan struct{}) *File {
	return &File{
		base: newBase(seg, pair, release),
		path: path,
		log:  logger.WithSegment(logger.Logger().With("component", "producer", "kind", "file"), seg.ID),
	}
}

func (p *File) Kind() Kind { return KindFile }

// Start launches the decode goroutine.
func (p *File) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *File) run(ctx context.Context) {
	defer close(p.done)

	f, err := os.Open(p.path)
	if err != nil {
		p.log.Error("opening asset", "path", p.path, "error", err)
		p.signalEOF(0)
		return
	}
	defer f.Close()

	dmx := astits.NewDemuxer(ctx, bufio.NewReaderSize(f, 64<<10))

	videoPID := uint16(defaultVideoPID)
	audioPID := uint16(defaultAudioPID)
	pmtSeen := false

	var (
		videoSeen      uint64 // media-order index of the next video access unit
		delivered      uint64 // video frames admitted to the ring
		audioDelivered uint64
		synthetic      int64 // fallback media clock when an asset omits PTS
	)
	tick := p.seg.FPS.DurationMicros()

	for {
		if ctx.Err() != nil {
			return
		}
		d, err := dmx.NextData()
		if err != nil {
			if !errors.Is(err, astits.ErrNoMorePackets) && ctx.Err() == nil {
				p.log.Warn("demux ended early", "error", err)
			}
			break
		}
		if d.PMT != nil && !pmtSeen {
			for _, es := range d.PMT.ElementaryStreams {
				switch es.StreamType {
				case astits.StreamTypeH264Video, astits.StreamTypeH265Video:
					videoPID = es.ElementaryPID
				case astits.StreamTypeMPEG1Audio, astits.StreamTypeAACAudio, astits.StreamTypeAC3Audio:
					audioPID = es.ElementaryPID
				}
			}
			pmtSeen = true
			continue
		}
		if d.PES == nil || len(d.PES.Data) == 0 {
			continue
		}

		mediaTime := synthetic
		if h := d.PES.Header; h != nil && h.OptionalHeader != nil && h.OptionalHeader.PTS != nil {
			// PTS base is a 90 kHz clock.
			mediaTime = h.OptionalHeader.PTS.Base * 100 / 9
		}

		switch d.PID {
		case videoPID:
			// Honor the planned start offset in media order.
			if videoSeen < p.seg.StartFrame {
				videoSeen++
				continue
			}
			videoSeen++
			synthetic = mediaTime + tick
			fr := &frame.Frame{
				MediaTime:    mediaTime,
				Kind:         frame.KindContent,
				Stream:       frame.StreamVideo,
				RandomAccess: delivered == 0 || randomAccess(d),
				Payload:      d.PES.Data,
			}
			if err := p.pair.Video.Push(ctx, fr); err != nil {
				if ctx.Err() == nil {
					p.log.Debug("video ring closed to writes; decode stopped", "error", err)
				}
				return
			}
			delivered++
			if delivered == 1 {
				// Shadow: first frame cached, no run-ahead decode until commit.
				if !p.awaitRelease(ctx) {
					return
				}
			}
		case audioPID:
			// Audio gate: nothing is admitted ahead of the first video frame,
			// so incoming audio can never precede video at a seam.
			if delivered == 0 {
				continue
			}
			fr := &frame.Frame{
				MediaTime: mediaTime,
				Kind:      frame.KindContent,
				Stream:    frame.StreamAudio,
				Payload:   d.PES.Data,
			}
			if err := p.pair.Audio.Push(ctx, fr); err != nil {
				if ctx.Err() == nil {
					p.log.Debug("audio ring closed to writes; decode stopped", "error", err)
				}
				return
			}
			audioDelivered++
		}
	}

	p.log.Info("decoder exhausted",
		"frames_delivered", delivered,
		"audio_frames", audioDelivered,
		"planned_frame_count", p.seg.PlannedFrameCount)
	p.signalEOF(delivered)
}

// randomAccess reports whether the demuxed unit's leading packet carried the
// random-access indicator.
func randomAccess(d *astits.DemuxerData) bool {
	return d.FirstPacket != nil &&
		d.FirstPacket.AdaptationField != nil &&
		d.FirstPacket.AdaptationField.RandomAccessIndicator
}
