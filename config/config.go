// Package config collects the tunables of the FSM/stage/event-loop core
// into tagged structs an embedder may parse with github.com/jessevdk/go-flags,
// following the shape of the teacher's mainboilerplate.AddressConfig /
// LogConfig. No CLI binary is built here (out of scope per spec.md §1); the
// struct tags exist so an embedding application's own flags parser can
// populate these directly.
package config

import "time"

// ChannelConfig bounds a Channel's admission behaviour.
type ChannelConfig struct {
	Capacity int `long:"capacity" description:"Bounded FIFO capacity. Zero selects the heuristic (unbounded, predicate-gated) FIFO." default:"256" env:"CAPACITY"`
}

// FrameConfig bounds the framing codec's resource usage.
type FrameConfig struct {
	MaxLength uint32 `long:"max-frame-length" description:"Maximum accepted frame payload length in bytes." default:"16777216" env:"MAX_FRAME_LENGTH"`
}

// EventLoopConfig configures the TCP reactor.
type EventLoopConfig struct {
	ListenAddress string        `long:"listen" description:"TCP address the event loop listens on." default:"127.0.0.1:0" env:"LISTEN"`
	MaxEvents     int           `long:"max-events" description:"Maximum readiness events returned per EpollWait call." default:"256" env:"MAX_EVENTS"`
	PollTimeout   time.Duration `long:"poll-timeout" description:"Upper bound on a single readiness wait; also the cadence at which timers are swept." default:"250ms" env:"POLL_TIMEOUT"`
}

// TraceConfig configures the FSM kernel's step trace file (spec.md §4.C,
// §6). Distinct from debug tracing (internal/xtrace), which isn't
// file-backed and isn't configured here.
type TraceConfig struct {
	Path string `long:"trace-path" description:"File path the FSM kernel writes C:/M:/N: trace lines to. Empty disables tracing." env:"TRACE_PATH"`
}

// Default returns configuration with the struct-tag defaults applied,
// for callers that construct components directly rather than through
// go-flags.
func Default() (ChannelConfig, FrameConfig, EventLoopConfig) {
	return ChannelConfig{Capacity: 256},
		FrameConfig{MaxLength: 16 << 20},
		EventLoopConfig{
			ListenAddress: "127.0.0.1:0",
			MaxEvents:     256,
			PollTimeout:   250 * time.Millisecond,
		}
}
