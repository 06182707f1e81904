package session

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/playout/frame"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
)

// SegmentRecord is the execution-plan wire record pushed by the planner.
type SegmentRecord struct {
	SegmentID               int64  `json:"segment_id"`
	AssetURI                string `json:"asset_uri"`
	StartFrame              uint64 `json:"start_frame"`
	PlannedFrameCount       uint64 `json:"planned_frame_count"`
	ScheduledBoundaryUTCMS  int64  `json:"scheduled_boundary_time_utc_ms"`
	FPSNum                  uint32 `json:"fps_num"`
	FPSDen                  uint32 `json:"fps_den"`
	AudioRate               uint32 `json:"audio_rate,omitempty"`
}

// toSegment converts a wire record, defaulting rate fields to the channel's.
func (s *Session) toSegment(rec SegmentRecord) plan.Segment {
	fps := frame.FPS{Num: rec.FPSNum, Den: rec.FPSDen}
	if !fps.Valid() {
		fps = s.cfg.FPS()
	}
	audio := rec.AudioRate
	if audio == 0 {
		audio = s.cfg.AudioRate
	}
	return plan.Segment{
		ID:                rec.SegmentID,
		AssetURI:          rec.AssetURI,
		StartFrame:        rec.StartFrame,
		PlannedFrameCount: rec.PlannedFrameCount,
		Boundary:          time.UnixMilli(rec.ScheduledBoundaryUTCMS).UTC(),
		FPS:               fps,
		AudioRate:         audio,
	}
}

// mountIntake adds the planner push endpoint. A rejected window returns 409
// (overlap/gap/duplicate) or 422 (lead time); the planner owns the failure —
// the runtime never requests or regenerates plan data.
func (s *Session) mountIntake(r chi.Router) {
	r.Post("/v1/plan", func(w http.ResponseWriter, req *http.Request) {
		var recs []SegmentRecord
		if err := json.NewDecoder(req.Body).Decode(&recs); err != nil {
			http.Error(w, "malformed plan window: "+err.Error(), http.StatusBadRequest)
			return
		}
		segs := make([]plan.Segment, 0, len(recs))
		for _, rec := range recs {
			segs = append(segs, s.toSegment(rec))
		}
		err := s.SubmitPlan(segs)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case ierrors.IsLeadTime(err):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case ierrors.IsPlan(err):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
