package router

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-i2p/router/tunnel"
)

// Config holds everything New needs to bring up a Router. It is built
// with functional options (WithNTCPAddr, WithSSUAddr, ...), the idiom the
// pack's go-noise NTCP2Config builder uses for optional construction
// parameters, adapted here to closures over a plain struct rather than
// method chaining since persistence/flag-parsing (the on-disk config
// loader) is an explicit Non-goal and this struct never needs to survive
// a round trip through a file.
type Config struct {
	DataDir        string
	NTCPAddr       string
	SSUAddr        string
	AcceptsTunnels bool
	Floodfill      bool
	TransitLimit   int
	PoolTarget     int
	PoolRebuildBy  time.Duration
	Logger         *slog.Logger
}

// Option mutates a Config during New.
type Option func(*Config)

// defaultConfig mirrors NTCP2Config's "sensible defaults" constructor.
func defaultConfig() Config {
	return Config{
		DataDir:        ".",
		NTCPAddr:       ":12345",
		SSUAddr:        ":12345",
		AcceptsTunnels: true,
		TransitLimit:   2500,
		PoolTarget:     2,
		PoolRebuildBy:  tunnel.BuildTimeout * 6,
		Logger:         slog.Default(),
	}
}

// WithDataDir sets the directory router.keys and router.info are
// persisted under.
func WithDataDir(dir string) Option { return func(c *Config) { c.DataDir = dir } }

// WithNTCPAddr sets the local NTCP listen address.
func WithNTCPAddr(addr string) Option { return func(c *Config) { c.NTCPAddr = addr } }

// WithSSUAddr sets the local SSU (UDP) listen address.
func WithSSUAddr(addr string) Option { return func(c *Config) { c.SSUAddr = addr } }

// WithAcceptsTunnels toggles whether this router participates in transit
// tunnels for other routers.
func WithAcceptsTunnels(accepts bool) Option { return func(c *Config) { c.AcceptsTunnels = accepts } }

// WithFloodfill marks this router as a floodfill candidate (netdb
// flooding itself is out of scope — see Non-goals — but the flag is part
// of RouterContext's published capabilities).
func WithFloodfill(floodfill bool) Option { return func(c *Config) { c.Floodfill = floodfill } }

// WithTransitLimit caps the number of simultaneous transit tunnels this
// router will admit.
func WithTransitLimit(limit int) Option { return func(c *Config) { c.TransitLimit = limit } }

// WithPool sets the exploratory pool's target tunnel count and how long
// before expiry it proactively rebuilds.
func WithPool(target int, rebuildBy time.Duration) Option {
	return func(c *Config) { c.PoolTarget = target; c.PoolRebuildBy = rebuildBy }
}

// WithLogger sets the structured logger threaded through every
// subsystem; nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option { return func(c *Config) { c.Logger = logger } }

// resolve applies opts over defaultConfig and validates the result.
func resolve(opts []Option) (Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NTCPAddr == "" && cfg.SSUAddr == "" {
		return cfg, fmt.Errorf("%w: at least one of NTCPAddr/SSUAddr is required", ErrConfig)
	}
	if cfg.TransitLimit < 0 {
		return cfg, fmt.Errorf("%w: TransitLimit must be >= 0", ErrConfig)
	}
	if cfg.PoolTarget < 0 {
		return cfg, fmt.Errorf("%w: PoolTarget must be >= 0", ErrConfig)
	}
	return cfg, nil
}
