// Package statsd is a helper package that wraps some common statsd methods.
// It hides the datadog dependency so if we decide to migrate away from datadog in the future, we only need to
// edit this single file.
package statsd

import (
	"strings"
	"sync"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// mu guards client.
var mu sync.RWMutex //nolint:gochecknoglobals // process-wide

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{} //nolint:gochecknoglobals // process-wide

func Client() ddstatsd.ClientInterface {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

// Init replaces the no-op client with one sending to address. Every metric is prefixed with "epix.".
func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		// The statsd namespace is the prefix of all metrics
		ddstatsd.WithNamespace("epix."),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}

	mu.Lock()
	client = newClient
	mu.Unlock()
	return nil
}

// Close flushes and closes the client, restoring the no-op client.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := client.Close()
	client = &ddstatsd.NoOpClient{}
	return err
}

// EmitTiming reports the time elapsed since start under name.
func EmitTiming(name string, start time.Time, tags ...string) {
	if err := Client().Timing(name, time.Since(start), tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit timing")
	}
}

// EmitGauge reports a gauge value under name.
func EmitGauge(name string, value float64, tags ...string) {
	if err := Client().Gauge(name, value, tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge")
	}
}

// EmitCount increments a counter under name.
func EmitCount(name string, value int64, tags ...string) {
	if err := Client().Count(name, value, tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit count")
	}
}

// TraceAttributes converts statsd "key:value" tags into span attributes so that traces and metrics
// share the same dimensions. Tags without a value are skipped.
func TraceAttributes(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for _, tag := range tags {
		key, value := tagToTraceTag(tag)
		if value == nil {
			continue
		}
		attrs = append(attrs, attribute.String(key, value.(string))) //nolint:errcheck,forcetypeassert // always a string
	}
	return attrs
}

func tagToTraceTag(tag string) (string, any) {
	key, value, _ := strings.Cut(tag, ":")
	if key == "" {
		return value, nil
	}
	if value == "" {
		return key, nil
	}
	return key, value
}
