package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// OTLPHTTPSinkConfig defines OTLP/HTTP export settings.
type OTLPHTTPSinkConfig struct {
	Endpoint    string
	ServiceName string
	// Headers are set on every export request (auth tokens, tenant ids).
	Headers map[string]string
	Client  *http.Client
}

// OTLPHTTPSink exports events as JSON over OTLP-style HTTP routes, one
// route per event kind. Scheduler correlation (job, test, model) is
// flattened into the record's attributes so a collector can slice by job
// without understanding the envelope.
type OTLPHTTPSink struct {
	baseURL     *url.URL
	serviceName string
	headers     map[string]string
	client      *http.Client
}

// NewOTLPHTTPSink creates an OTLP/HTTP sink.
func NewOTLPHTTPSink(cfg OTLPHTTPSinkConfig) (*OTLPHTTPSink, error) {
	rawEndpoint := strings.TrimSpace(cfg.Endpoint)
	if rawEndpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}
	parsed, err := url.Parse(rawEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("otlp endpoint must include scheme and host")
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "evalbench"
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &OTLPHTTPSink{
		baseURL:     parsed,
		serviceName: serviceName,
		headers:     cfg.Headers,
		client:      client,
	}, nil
}

type otlpRecord struct {
	Service     string            `json:"service"`
	Kind        EventKind         `json:"kind"`
	TimestampMS int64             `json:"timestamp_ms"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Metric      *MetricEvent      `json:"metric,omitempty"`
	Span        *SpanEvent        `json:"span,omitempty"`
	Log         *LogEvent         `json:"log,omitempty"`
}

// Export sends one event to the kind-specific route.
func (s *OTLPHTTPSink) Export(ctx context.Context, event Event) error {
	if s == nil || s.baseURL == nil {
		return fmt.Errorf("otlp sink is not configured")
	}

	payload, err := json.Marshal(otlpRecord{
		Service:     s.serviceName,
		Kind:        event.Kind,
		TimestampMS: event.TimestampMS,
		Attributes:  correlationAttributes(event.Correlation),
		Metric:      event.Metric,
		Span:        event.Span,
		Log:         event.Log,
	})
	if err != nil {
		return fmt.Errorf("marshal otlp record: %w", err)
	}

	u := *s.baseURL
	basePath := strings.TrimRight(u.Path, "/")
	u.Path = path.Join(basePath, otlpPathForKind(event.Kind))
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("otlp export request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("otlp export status %d", resp.StatusCode)
	}
	return nil
}

// correlationAttributes flattens the scheduler correlation into plain
// string attributes. Empty fields are omitted.
func correlationAttributes(c Correlation) map[string]string {
	attrs := map[string]string{}
	if c.JobID != "" {
		attrs["job_id"] = c.JobID
	}
	if c.TestID != "" {
		attrs["test_id"] = c.TestID
	}
	if c.Model != "" {
		attrs["model"] = c.Model
	}
	if c.EmittedBy != "" {
		attrs["emitted_by"] = c.EmittedBy
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func otlpPathForKind(kind EventKind) string {
	switch kind {
	case EventKindMetric:
		return "/v1/metrics"
	case EventKindSpan:
		return "/v1/traces"
	default:
		return "/v1/logs"
	}
}
