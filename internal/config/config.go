// Package config loads playout session configuration with koanf layering:
// defaults → optional YAML file → PLAYOUT_* environment → explicit overrides
// (the CLI passes parsed flag values as overrides).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/slbailey/retrovue-playout/internal/playout/frame"
)

// Config holds all session tunables.
type Config struct {
	ChannelID  string `koanf:"channel_id"`
	ListenAddr string `koanf:"listen_addr"`
	AssetRoot  string `koanf:"asset_root"`
	LogLevel   string `koanf:"log_level"`

	// Nominal channel output rate.
	FPSNum uint32 `koanf:"fps_num"`
	FPSDen uint32 `koanf:"fps_den"`
	// Audio sample rate in Hz.
	AudioRate uint32 `koanf:"audio_rate"`

	// MinPrefeedLeadTimeMS is the minimum lead Preload must precede a
	// boundary by; shorter lead is fatal for the affected boundary.
	MinPrefeedLeadTimeMS int `koanf:"min_prefeed_lead_time_ms"`
	// BoundaryToleranceMS bounds |commit − scheduled boundary|; excursions
	// are metered, the switch still executes. Zero derives one frame duration.
	BoundaryToleranceMS int `koanf:"boundary_tolerance_ms"`
	// SteadyStateEntryDepth is the live-buffer depth at which the output
	// enters PCR-paced mode.
	SteadyStateEntryDepth int `koanf:"steady_state_entry_depth"`

	// Ring bounds (slot-gate high-water marks). Audio matches video so
	// backpressure stays symmetric.
	VideoRingCap int `koanf:"video_ring_cap"`
	AudioRingCap int `koanf:"audio_ring_cap"`
	// OutputQueueDepth is the fixed depth of the queue feeding the mux.
	OutputQueueDepth int `koanf:"output_queue_depth"`
	// PreloadAckTimeoutMS bounds how long the coordinator waits for shadow
	// readiness before tearing the boundary down.
	PreloadAckTimeoutMS int `koanf:"preload_ack_timeout_ms"`
}

// Default returns the tunable defaults.
func Default() Config {
	return Config{
		ChannelID:             "channel-1",
		ListenAddr:            ":8470",
		AssetRoot:             ".",
		LogLevel:              "info",
		FPSNum:                30,
		FPSDen:                1,
		AudioRate:             48000,
		MinPrefeedLeadTimeMS:  2000,
		BoundaryToleranceMS:   0, // derived: one frame
		SteadyStateEntryDepth: 3,
		VideoRingCap:          16,
		AudioRingCap:          16,
		OutputQueueDepth:      3,
		PreloadAckTimeoutMS:   1500,
	}
}

// Load layers defaults, an optional YAML file, PLAYOUT_* env vars, and
// explicit overrides (highest precedence; keys use koanf names).
func Load(path string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	def := Default()
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"channel_id":               def.ChannelID,
		"listen_addr":              def.ListenAddr,
		"asset_root":               def.AssetRoot,
		"log_level":                def.LogLevel,
		"fps_num":                  def.FPSNum,
		"fps_den":                  def.FPSDen,
		"audio_rate":               def.AudioRate,
		"min_prefeed_lead_time_ms": def.MinPrefeedLeadTimeMS,
		"boundary_tolerance_ms":    def.BoundaryToleranceMS,
		"steady_state_entry_depth": def.SteadyStateEntryDepth,
		"video_ring_cap":           def.VideoRingCap,
		"audio_ring_cap":           def.AudioRingCap,
		"output_queue_depth":       def.OutputQueueDepth,
		"preload_ack_timeout_ms":   def.PreloadAckTimeoutMS,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PLAYOUT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PLAYOUT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("loading overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and fills derived values.
func (c *Config) Validate() error {
	if c.FPSNum == 0 || c.FPSDen == 0 {
		return fmt.Errorf("invalid fps %d/%d", c.FPSNum, c.FPSDen)
	}
	if c.MinPrefeedLeadTimeMS <= 0 {
		return fmt.Errorf("min_prefeed_lead_time_ms must be positive")
	}
	if c.SteadyStateEntryDepth < 1 {
		return fmt.Errorf("steady_state_entry_depth must be at least 1")
	}
	if c.VideoRingCap < 2 || c.AudioRingCap < 2 {
		return fmt.Errorf("ring capacities must be at least 2")
	}
	if c.OutputQueueDepth < 1 {
		return fmt.Errorf("output_queue_depth must be at least 1")
	}
	if c.BoundaryToleranceMS == 0 {
		// One frame at the channel rate.
		c.BoundaryToleranceMS = int(c.FPS().Duration().Milliseconds())
		if c.BoundaryToleranceMS < 1 {
			c.BoundaryToleranceMS = 1
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// FPS returns the channel rate as a rational.
func (c *Config) FPS() frame.FPS { return frame.FPS{Num: c.FPSNum, Den: c.FPSDen} }

// MinPrefeedLead returns the lead-time floor as a duration.
func (c *Config) MinPrefeedLead() time.Duration {
	return time.Duration(c.MinPrefeedLeadTimeMS) * time.Millisecond
}

// BoundaryTolerance returns the commit tolerance as a duration.
func (c *Config) BoundaryTolerance() time.Duration {
	return time.Duration(c.BoundaryToleranceMS) * time.Millisecond
}

// PreloadAckTimeout returns the shadow-ready deadline as a duration.
func (c *Config) PreloadAckTimeout() time.Duration {
	return time.Duration(c.PreloadAckTimeoutMS) * time.Millisecond
}

// EquilibriumBand returns the sustained buffer-depth band [1, 2×target].
func (c *Config) EquilibriumBand() (low, high int) {
	return 1, 2 * c.SteadyStateEntryDepth
}
