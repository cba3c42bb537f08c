package otel

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// endpointExcluder drops spans for routes that only generate noise, such as
// health probes, and defers to a ratio sampler for everything else.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
	ratio       sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: probability,
		ratio:       sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if route := routeFromAttributes(params.Attributes); route != "" {
		if _, exists := ee.endpoints[route]; exists {
			return sdktrace.SamplingResult{Decision: sdktrace.Drop}
		}
	}
	return ee.ratio.ShouldSample(params)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string {
	return "customSampler"
}

func routeFromAttributes(attrs []attribute.KeyValue) string {
	for _, kv := range attrs {
		switch kv.Key {
		case semconv.HTTPTargetKey, semconv.HTTPRouteKey, "url.path":
			return kv.Value.AsString()
		}
	}
	return ""
}
