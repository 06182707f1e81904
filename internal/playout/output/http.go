package output

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slbailey/retrovue-playout/internal/bufpool"
	"github.com/slbailey/retrovue-playout/internal/metrics"
)

// Health is the state snapshot served on /healthz.
type Health struct {
	ChannelID     string `json:"channel_id"`
	SteadyState   bool   `json:"steady_state"`
	ActiveSegment int64  `json:"active_segment"`
	Viewers       int    `json:"viewers"`
	DriftMS       int64  `json:"drift_ms"`
}

// HealthFunc supplies the current health snapshot.
type HealthFunc func() Health

// NewRouter builds the channel HTTP surface: the continuous TS stream, the
// health snapshot, and metrics exposition.
func NewRouter(channelID string, b *Broadcaster, met *metrics.Metrics, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/channels/{channelID}/stream.ts", streamHandler(channelID, b))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health())
	})
	r.Method(http.MethodGet, "/metrics", met.Handler())
	return r
}

// streamHandler serves the continuous transport stream. Bytes flow at
// real-time cadence regardless of content availability — the deficit filler
// upstream guarantees the mux never starves — so clients never hit idle
// timeouts.
func streamHandler(channelID string, b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "channelID") != channelID {
			http.NotFound(w, r)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		v := b.Subscribe()
		defer b.Unsubscribe(v)

		for {
			select {
			case <-r.Context().Done():
				return
			case chunk, ok := <-v.Chunks():
				if !ok {
					// Dropped as a slow viewer.
					return
				}
				_, err := w.Write(chunk)
				bufpool.Put(chunk)
				if err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
