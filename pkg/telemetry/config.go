package telemetry

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/telemetry/sentry"
)

// config is the part of the environment telemetry reads.
type config struct {
	LogLevel  string `env:"EPIX_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"EPIX_LOG_FORMAT" envDefault:"console"`
	LogCaller bool   `env:"EPIX_LOG_CALLER" envDefault:"true"`

	// Spans are only exported when an endpoint is set.
	TraceEndpoint   string  `env:"EPIX_TRACE_ENDPOINT"`
	TraceInsecure   bool    `env:"EPIX_TRACE_INSECURE"    envDefault:"true"`
	TraceSampleRate float64 `env:"EPIX_TRACE_SAMPLE_RATE" envDefault:"1"`

	SentryDSN  string            `env:"EPIX_SENTRY_DSN"`
	SentryEnv  string            `env:"EPIX_SENTRY_ENV"`
	SentryTags map[string]string `env:"EPIX_SENTRY_TAGS"` // e.g. region:eu,shard:3
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry environment")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "invalid telemetry environment")
	}
	return cfg, nil
}

func (cfg *config) validate() error {
	if err := validateLevel(cfg.LogLevel); err != nil {
		return err
	}
	if ParseLogFormat(cfg.LogFormat) == LogFormatUndefined {
		return eris.Errorf("unknown log format %q (must be 'json' or 'console')", cfg.LogFormat)
	}
	return validateSampleRate(cfg.TraceSampleRate)
}

func (cfg *config) applyToOptions(opt *Options) {
	opt.Log = LogOptions{
		Level:  cfg.LogLevel,
		Format: ParseLogFormat(cfg.LogFormat),
		Caller: cfg.LogCaller,
	}
	opt.Trace = TraceOptions{
		Endpoint:   cfg.TraceEndpoint,
		Insecure:   cfg.TraceInsecure,
		SampleRate: cfg.TraceSampleRate,
	}
	opt.Sentry = sentry.Options{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnv,
		Tags:        cfg.SentryTags,
	}
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// Options configures New. Zero fields keep the value read from the environment.
type Options struct {
	ServiceName    string // Required; names the tracer, the trace resource, and logger components
	ServiceVersion string

	Log    LogOptions
	Trace  TraceOptions
	Sentry sentry.Options
}

type LogOptions struct {
	Level  string // zerolog level name
	Format LogFormat
	Caller bool // Add the caller's file and line to every entry
}

type TraceOptions struct {
	Endpoint   string // OTLP gRPC collector; tracing is a no-op when empty
	Insecure   bool
	SampleRate float64 // Fraction of root spans kept, in [0, 1]
}

func newDefaultOptions() Options {
	return Options{
		ServiceVersion: "dev",
		Log:            LogOptions{Level: "info", Format: LogFormatConsole, Caller: true},
		Trace:          TraceOptions{Insecure: true, SampleRate: 1},
	}
}

func (opt *Options) apply(newOpt Options) {
	if newOpt.ServiceName != "" {
		opt.ServiceName = newOpt.ServiceName
	}
	if newOpt.ServiceVersion != "" {
		opt.ServiceVersion = newOpt.ServiceVersion
	}
	if newOpt.Log.Level != "" {
		opt.Log.Level = newOpt.Log.Level
	}
	if newOpt.Log.Format != LogFormatUndefined {
		opt.Log.Format = newOpt.Log.Format
	}
	if newOpt.Trace.Endpoint != "" {
		opt.Trace.Endpoint = newOpt.Trace.Endpoint
	}
	if newOpt.Trace.SampleRate != 0 {
		opt.Trace.SampleRate = newOpt.Trace.SampleRate
	}
	if newOpt.Sentry.Dsn != "" {
		opt.Sentry.Dsn = newOpt.Sentry.Dsn
	}
	if newOpt.Sentry.Environment != "" {
		opt.Sentry.Environment = newOpt.Sentry.Environment
	}
	if newOpt.Sentry.Tags != nil {
		opt.Sentry.Tags = newOpt.Sentry.Tags
	}
}

func (opt *Options) validate() error {
	if opt.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if err := validateLevel(opt.Log.Level); err != nil {
		return err
	}
	if opt.Log.Format == LogFormatUndefined {
		return eris.New("log format must be set")
	}
	return validateSampleRate(opt.Trace.SampleRate)
}

func validateLevel(level string) error {
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return eris.Errorf("unknown log level %q (must be 'debug', 'info', 'warn', or 'error')", level)
	}
	return nil
}

func validateSampleRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return eris.Errorf("trace sample rate %v is outside [0, 1]", rate)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Log format
// -------------------------------------------------------------------------------------------------

type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota
	LogFormatJSON                // One JSON object per line
	LogFormatConsole             // Colored, human-readable lines
)

var logFormatNames = map[LogFormat]string{ //nolint:gochecknoglobals // lookup table
	LogFormatJSON:    "json",
	LogFormatConsole: "console",
}

func (f LogFormat) String() string {
	if name, ok := logFormatNames[f]; ok {
		return name
	}
	return "undefined"
}

// ParseLogFormat parses a format name case-insensitively. Unknown names parse to LogFormatUndefined.
func ParseLogFormat(s string) LogFormat {
	s = strings.ToLower(s)
	for f, name := range logFormatNames {
		if name == s {
			return f
		}
	}
	return LogFormatUndefined
}
