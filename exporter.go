package miniapm

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/seuros/miniapm/internal/version"
)

// Collector ingest routes.
const (
	tracesPath  = "/ingest/v1/traces"
	errorsPath  = "/ingest/errors"
	deploysPath = "/ingest/deploys"
	healthPath  = "/health"
)

const scopeName = "miniapm-go"

// otlpExporter composes OTLP resourceSpans payloads from span batches and
// POSTs them to the collector's trace endpoint.
type otlpExporter struct {
	cfg       *config
	transport *transport
}

// Export serializes and sends the given batch. Without an API key it does
// nothing and returns nil.
func (e *otlpExporter) Export(spans []*Span) *Result {
	if e.cfg.apiKey == "" || len(spans) == 0 {
		return nil
	}
	otlpSpans := make([]map[string]interface{}, len(spans))
	for i, s := range spans {
		otlpSpans[i] = s.ToOTLP()
	}
	payload := map[string]interface{}{
		"resourceSpans": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"attributes": e.resourceAttributes(),
				},
				"scopeSpans": []interface{}{
					map[string]interface{}{
						"scope": map[string]interface{}{
							"name":    scopeName,
							"version": version.Tag,
						},
						"spans": otlpSpans,
					},
				},
			},
		},
	}
	return e.transport.post(e.cfg.endpoint+tracesPath, payload, e.cfg.authHeaders())
}

// resourceAttributes describes the reporting service. All values ride as
// stringValue per the OTLP resource convention.
func (e *otlpExporter) resourceAttributes() []map[string]interface{} {
	pairs := []struct{ k, v string }{
		{"service.name", e.cfg.serviceName},
		{"deployment.environment", e.cfg.environment},
		{"telemetry.sdk.name", scopeName},
		{"telemetry.sdk.version", version.Tag},
		{"telemetry.sdk.language", "go"},
		{"service.version", e.cfg.serviceVersion},
		{"host.name", e.cfg.hostname},
		{"git.sha", e.cfg.gitSHA},
		{"process.runtime.version", strings.TrimPrefix(runtime.Version(), "go")},
	}
	out := make([]map[string]interface{}, 0, len(pairs))
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		out = append(out, map[string]interface{}{"key": p.k, "value": stringValue(p.v)})
	}
	return out
}

// BatchResult aggregates the outcome of exporting several errors one by one.
type BatchResult struct {
	Success bool // true if any event was accepted
	Sent    int
	Failed  int
	Status  int // status of the last POST
}

// errorExporter POSTs one error event per request to the collector's error
// endpoint. The collector's canonical surface is single-per-event.
type errorExporter struct {
	cfg       *config
	transport *transport
}

// Export sends a single error event. Without an API key it does nothing and
// returns nil.
func (e *errorExporter) Export(ev *ErrorEvent) *Result {
	if e.cfg.apiKey == "" || ev == nil {
		return nil
	}
	return e.transport.post(e.cfg.endpoint+errorsPath, ev.ToMap(), e.cfg.authHeaders())
}

// ExportBatch iterates Export over events and aggregates the outcome.
func (e *errorExporter) ExportBatch(events []*ErrorEvent) *BatchResult {
	if e.cfg.apiKey == "" || len(events) == 0 {
		return nil
	}
	br := &BatchResult{}
	for _, ev := range events {
		res := e.Export(ev)
		if res == nil {
			continue
		}
		br.Status = res.Status
		if res.Success {
			br.Sent++
			br.Success = true
		} else {
			br.Failed++
		}
	}
	return br
}

// Deploy describes a deployment notification sent to the collector so that
// dashboards can correlate regressions with releases.
type Deploy struct {
	GitSHA      string
	Version     string
	Env         string
	Description string
	Deployer    string
	Timestamp   time.Time
}

// deployExporter POSTs deploy notifications. Fire-and-forget; the caller
// only learns whether the collector accepted it.
type deployExporter struct {
	cfg       *config
	transport *transport
}

func (e *deployExporter) Export(d Deploy) *Result {
	if e.cfg.apiKey == "" {
		return nil
	}
	if d.GitSHA == "" {
		return &Result{Err: fmt.Errorf("deploy notification requires a git sha")}
	}
	if d.Env == "" {
		d.Env = e.cfg.environment
	}
	if d.Deployer == "" {
		d.Deployer = os.Getenv("USER")
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := map[string]interface{}{
		"git_sha":   d.GitSHA,
		"timestamp": ts.UTC().Format(time.RFC3339),
	}
	if d.Version != "" {
		payload["version"] = d.Version
	}
	if d.Env != "" {
		payload["env"] = d.Env
	}
	if d.Description != "" {
		payload["description"] = d.Description
	}
	if d.Deployer != "" {
		payload["deployer"] = d.Deployer
	}
	return e.transport.post(e.cfg.endpoint+deploysPath, payload, e.cfg.authHeaders())
}
