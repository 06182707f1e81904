// Package session wires the playout components into one running channel:
// timeline, switch engine, boundary coordinator, mux, broadcaster, and the
// HTTP surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/slbailey/retrovue-playout/internal/clock"
	"github.com/slbailey/retrovue-playout/internal/config"
	ierrors "github.com/slbailey/retrovue-playout/internal/errors"
	"github.com/slbailey/retrovue-playout/internal/logger"
	"github.com/slbailey/retrovue-playout/internal/metrics"
	"github.com/slbailey/retrovue-playout/internal/playout/boundary"
	"github.com/slbailey/retrovue-playout/internal/playout/output"
	"github.com/slbailey/retrovue-playout/internal/playout/plan"
	"github.com/slbailey/retrovue-playout/internal/playout/switcher"
	"github.com/slbailey/retrovue-playout/internal/playout/timeline"
)

// Session is one channel's playout runtime.
type Session struct {
	ID  string
	cfg *config.Config
	clk clock.Clock
	log *slog.Logger

	tl    *timeline.Controller
	met   *metrics.Metrics
	eng   *switcher.Engine
	coord *boundary.Coordinator
	bcast *output.Broadcaster
	mux   *output.Mux

	httpSrv *http.Server
	ln      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fatal  chan error

	mu      sync.Mutex
	started bool
	closing bool
}

// New assembles an unstarted session on the given clock.
func New(cfg *config.Config, clk clock.Clock) *Session {
	id := uuid.NewString()
	log := logger.WithChannel(logger.Logger().With("component", "session"), cfg.ChannelID, id)

	tl := timeline.New(cfg.FPS())
	met := metrics.New(cfg.ChannelID)
	eng := switcher.New(switcher.Config{
		FPS:               cfg.FPS(),
		AssetRoot:         cfg.AssetRoot,
		VideoRingCap:      cfg.VideoRingCap,
		AudioRingCap:      cfg.AudioRingCap,
		OutputQueueDepth:  cfg.OutputQueueDepth,
		SteadyStateDepth:  cfg.SteadyStateEntryDepth,
		BoundaryTolerance: cfg.BoundaryTolerance(),
	}, clk, tl, met)
	coord := boundary.New(boundary.Config{
		MinPrefeedLead:    cfg.MinPrefeedLead(),
		PreloadAckTimeout: cfg.PreloadAckTimeout(),
	}, clk, eng, met)
	bcast := output.NewBroadcaster(met)
	low, high := cfg.EquilibriumBand()
	mux := output.NewMux(output.MuxConfig{
		SteadyStateDepth: cfg.SteadyStateEntryDepth,
		EquilibriumLow:   low,
		EquilibriumHigh:  high,
	}, clk, tl, met, eng.Output(), bcast)

	return &Session{
		ID:    id,
		cfg:   cfg,
		clk:   clk,
		log:   log,
		tl:    tl,
		met:   met,
		eng:   eng,
		coord: coord,
		bcast: bcast,
		mux:   mux,
		fatal: make(chan error, 1),
	}
}

// Start launches the engine, the mux, the violation monitor, and (when a
// listen address is configured) the HTTP surface.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eng.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.mux.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("mux exited", "error", err)
			s.raiseFatal(err)
		}
	}()

	s.wg.Add(1)
	go s.monitorViolations()

	if s.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
		}
		s.ln = ln
		s.httpSrv = &http.Server{Handler: s.Handler()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server exited", "error", err)
			}
		}()
		s.log.Info("session started", "addr", ln.Addr().String())
	} else {
		s.log.Info("session started", "addr", "none")
	}
	return nil
}

// SubmitPlan pushes an execution-plan window to the boundary coordinator.
func (s *Session) SubmitPlan(segs []plan.Segment) error {
	return s.coord.SubmitPlan(segs)
}

// Handler returns the channel's HTTP surface (stream, health, metrics, plan
// intake).
func (s *Session) Handler() http.Handler {
	r := chi.NewRouter()
	s.mountIntake(r)
	r.Mount("/", output.NewRouter(s.cfg.ChannelID, s.bcast, s.met, s.health))
	return r
}

// Fatal delivers the first fatal violation; the supervisor restarts the
// channel process on receipt.
func (s *Session) Fatal() <-chan error { return s.fatal }

// Addr returns the bound listen address, or nil before Start.
func (s *Session) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Session) health() output.Health {
	h := output.Health{
		ChannelID:     s.cfg.ChannelID,
		SteadyState:   s.mux.Steady(),
		ActiveSegment: s.tl.ActiveSegment(),
		Viewers:       s.bcast.ViewerCount(),
	}
	if s.tl.Anchored() {
		h.DriftMS = s.tl.Drift(s.clk.Now()).Milliseconds()
	}
	return h
}

// monitorViolations merges fatal violations from the engine and coordinator.
// Fatal violations terminate the session once a safe state is reached;
// nothing is silently recovered.
func (s *Session) monitorViolations() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.eng.Violations():
			s.handleViolation(err)
		case err := <-s.coord.Violations():
			s.handleViolation(err)
		}
	}
}

func (s *Session) handleViolation(err error) {
	if !ierrors.IsFatal(err) {
		s.log.Warn("non-fatal violation", "error", err)
		return
	}
	s.log.Error("fatal violation; terminating session", "error", err)
	s.raiseFatal(err)
}

func (s *Session) raiseFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Stop shuts the session down gracefully. Teardown defers until the boundary
// machine is stable — never mid-switch — then stops the engine, the mux, and
// the HTTP surface.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	// Wait (bounded) for any in-flight switch to commit.
	deadline := time.Now().Add(2 * time.Second)
	for !s.coord.Stable() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	s.coord.Stop()
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	s.cancel()
	s.eng.Stop()
	s.wg.Wait()
	s.log.Info("session stopped")
	return nil
}
