package epix

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/epix/schedule"
)

// appConfig holds the configuration of an App that can be set through environment variables.
type appConfig struct {
	// Number of dispatcher workers. Zero uses GOMAXPROCS.
	Workers int `env:"EPIX_WORKERS" envDefault:"0"`

	// Number of frames per second when running the main loop.
	TickRate float64 `env:"EPIX_TICK_RATE" envDefault:"60"`

	// Address of the statsd agent. Metrics are disabled when empty.
	StatsdAddress string `env:"EPIX_STATSD_ADDRESS"`

	// Tags added to every metric, e.g. "env:dev,region:us".
	StatsdTags []string `env:"EPIX_STATSD_TAGS" envSeparator:","`

	// When deferred changes are applied ("end" or "immediate").
	ApplyDeferred string `env:"EPIX_APPLY_DEFERRED" envDefault:"end"`
}

// loadAppConfig loads the app configuration from environment variables.
func loadAppConfig() (appConfig, error) {
	cfg := appConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse app config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate app config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *appConfig) validate() error {
	if cfg.Workers < 0 {
		return eris.New("workers cannot be negative")
	}
	if cfg.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	if ParseDeferredMode(cfg.ApplyDeferred) == DeferredUndefined {
		return eris.Errorf("invalid apply deferred mode: %s (must be 'end' or 'immediate')", cfg.ApplyDeferred)
	}
	return nil
}

// applyToOptions applies the configuration values to the given AppOptions.
func (cfg *appConfig) applyToOptions(opt *AppOptions) {
	opt.Workers = cfg.Workers
	opt.TickRate = cfg.TickRate
	opt.StatsdAddress = cfg.StatsdAddress
	opt.StatsdTags = cfg.StatsdTags
	opt.ApplyDeferred = ParseDeferredMode(cfg.ApplyDeferred)
}

// DeferredMode selects when the deferred changes of systems are applied.
type DeferredMode uint8

const (
	DeferredUndefined DeferredMode = iota
	// DeferredAtEnd applies deferred changes after each schedule has run.
	DeferredAtEnd
	// DeferredImmediately applies the deferred changes of a system as soon as it finishes.
	DeferredImmediately
)

func ParseDeferredMode(s string) DeferredMode {
	switch strings.ToLower(s) {
	case "end":
		return DeferredAtEnd
	case "immediate":
		return DeferredImmediately
	default:
		return DeferredUndefined
	}
}

func (m DeferredMode) String() string {
	switch m {
	case DeferredAtEnd:
		return "end"
	case DeferredImmediately:
		return "immediate"
	case DeferredUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

func (m DeferredMode) applyMode() schedule.ApplyMode {
	if m == DeferredImmediately {
		return schedule.ApplyImmediately
	}
	return schedule.ApplyAtEnd
}

type AppOptions struct {
	Name          string       // Service name used in logs and traces
	Workers       int          // Number of dispatcher workers, 0 uses GOMAXPROCS
	TickRate      float64      // Number of frames per second in Run
	StatsdAddress string       // Address of the statsd agent, metrics are disabled when empty
	StatsdTags    []string     // Tags added to every metric
	ApplyDeferred DeferredMode // When deferred changes are applied
}

// newDefaultAppOptions creates AppOptions with default values.
func newDefaultAppOptions() AppOptions {
	return AppOptions{
		Name:          "epix",
		Workers:       0,
		TickRate:      60,
		StatsdAddress: "",
		StatsdTags:    nil,
		ApplyDeferred: DeferredAtEnd,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *AppOptions) apply(newOpt AppOptions) {
	if newOpt.Name != "" {
		opt.Name = newOpt.Name
	}
	if newOpt.Workers != 0 {
		opt.Workers = newOpt.Workers
	}
	if newOpt.TickRate != 0.0 {
		opt.TickRate = newOpt.TickRate
	}
	if newOpt.StatsdAddress != "" {
		opt.StatsdAddress = newOpt.StatsdAddress
	}
	if newOpt.StatsdTags != nil {
		opt.StatsdTags = newOpt.StatsdTags
	}
	if newOpt.ApplyDeferred != DeferredUndefined {
		opt.ApplyDeferred = newOpt.ApplyDeferred
	}
}

// validate checks that all required options are set and valid.
func (opt *AppOptions) validate() error {
	if opt.Name == "" {
		return eris.New("name cannot be empty")
	}
	if opt.Workers < 0 {
		return eris.New("workers cannot be negative")
	}
	if opt.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	if opt.ApplyDeferred == DeferredUndefined {
		return eris.New("apply deferred mode must be set")
	}
	return nil
}
