package miniapm

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seuros/miniapm/internal/log"
)

// config holds the client configuration.
type config struct {
	// enabled is the global kill switch; a disabled client performs no work
	// at all.
	enabled bool

	// endpoint is the collector base URL for all exports.
	endpoint string

	// apiKey is the Bearer token; without it every export is a no-op.
	apiKey string

	// serviceName, environment and friends become OTLP resource attributes.
	serviceName    string
	environment    string
	serviceVersion string
	hostname       string
	gitSHA         string

	// sampleRate is the probability, in [0,1], that a new trace is sampled.
	sampleRate float64

	batchSize       int
	flushInterval   time.Duration
	maxQueueSize    int
	concurrentSends int

	// ignoredExceptions lists exception class names that skip error
	// reporting.
	ignoredExceptions map[string]struct{}

	// filterParameters holds strings and *regexp.Regexp matched against
	// parameter keys.
	filterParameters []interface{}

	// beforeSend can mutate or drop a span right before it is enqueued.
	// Returning nil drops the span.
	beforeSend func(*Span) *Span

	// debug, when true, writes details to logs.
	debug bool
}

// StartOption represents a function that can be provided as a parameter to
// Start.
type StartOption func(*config)

// defaults sets the default values for a config, with MINIAPM_* environment
// variables as fallbacks.
func defaults(c *config) {
	c.enabled = true
	c.endpoint = "http://localhost:3000"
	if v := os.Getenv("MINIAPM_ENDPOINT"); v != "" {
		c.endpoint = v
	}
	c.apiKey = os.Getenv("MINIAPM_API_KEY")
	c.serviceName = filepath.Base(os.Args[0])
	c.environment = "development"
	if v := os.Getenv("MINIAPM_ENV"); v != "" {
		c.environment = v
	}
	if host, err := os.Hostname(); err == nil {
		c.hostname = host
	}
	c.sampleRate = 1.0
	c.batchSize = 100
	c.flushInterval = 5 * time.Second
	c.maxQueueSize = 10000
	c.concurrentSends = defaultConcurrentSends
	c.ignoredExceptions = map[string]struct{}{}
	for _, k := range DefaultFilterKeys {
		c.filterParameters = append(c.filterParameters, k)
	}
}

// validate reports the first configuration error. Run at Start; a failing
// configuration is fatal to startup.
func (c *config) validate() error {
	u, err := url.Parse(c.endpoint)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", c.endpoint)
	}
	if c.sampleRate < 0 || c.sampleRate > 1 {
		return fmt.Errorf("sample rate %v out of range [0,1]", c.sampleRate)
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.batchSize)
	}
	if c.flushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.flushInterval)
	}
	if c.maxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive, got %d", c.maxQueueSize)
	}
	if c.concurrentSends <= 0 {
		return fmt.Errorf("concurrent sends must be positive, got %d", c.concurrentSends)
	}
	return nil
}

func (c *config) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// WithEndpoint sets the collector base URL. A trailing slash is stripped.
func WithEndpoint(endpoint string) StartOption {
	return func(c *config) {
		c.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithAPIKey sets the Bearer token used on every export.
func WithAPIKey(key string) StartOption {
	return func(c *config) {
		c.apiKey = key
	}
}

// WithEnabled toggles the global kill switch.
func WithEnabled(enabled bool) StartOption {
	return func(c *config) {
		c.enabled = enabled
	}
}

// WithServiceName sets the service name reported with every trace.
func WithServiceName(name string) StartOption {
	return func(c *config) {
		c.serviceName = name
	}
}

// WithEnvironment sets the deployment environment resource attribute.
func WithEnvironment(env string) StartOption {
	return func(c *config) {
		c.environment = env
	}
}

// WithServiceVersion sets the service version resource attribute.
func WithServiceVersion(v string) StartOption {
	return func(c *config) {
		c.serviceVersion = v
	}
}

// WithHostname overrides the reported host name.
func WithHostname(host string) StartOption {
	return func(c *config) {
		c.hostname = host
	}
}

// WithGitSHA sets the git.sha resource attribute.
func WithGitSHA(sha string) StartOption {
	return func(c *config) {
		c.gitSHA = sha
	}
}

// WithSampleRate sets the probability that a new trace is sampled.
func WithSampleRate(rate float64) StartOption {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// WithBatchSize sets how many items a batch holds before it is flushed.
func WithBatchSize(n int) StartOption {
	return func(c *config) {
		c.batchSize = n
	}
}

// WithFlushInterval sets how long a non-empty batch may wait before it is
// flushed regardless of size.
func WithFlushInterval(d time.Duration) StartOption {
	return func(c *config) {
		c.flushInterval = d
	}
}

// WithMaxQueueSize caps each producer queue; items past the cap are dropped.
func WithMaxQueueSize(n int) StartOption {
	return func(c *config) {
		c.maxQueueSize = n
	}
}

// WithConcurrentSends sets the size of the send worker pool.
func WithConcurrentSends(n int) StartOption {
	return func(c *config) {
		c.concurrentSends = n
	}
}

// WithIgnoredExceptions lists exception class names that never produce error
// reports.
func WithIgnoredExceptions(classes ...string) StartOption {
	return func(c *config) {
		for _, cl := range classes {
			c.ignoredExceptions[cl] = struct{}{}
		}
	}
}

// WithFilterParameters replaces the sensitive parameter patterns. Each
// filter is either a string (case-insensitive substring match) or a
// *regexp.Regexp.
func WithFilterParameters(filters ...interface{}) StartOption {
	return func(c *config) {
		c.filterParameters = filters
	}
}

// WithBeforeSend installs a hook that can mutate or drop a span right before
// it is enqueued. Returning nil drops the span. A panic inside the hook is
// caught and logged, and the original span proceeds.
func WithBeforeSend(fn func(*Span) *Span) StartOption {
	return func(c *config) {
		c.beforeSend = fn
	}
}

// WithDebugMode enables debug mode on the client, making logging more
// verbose.
func WithDebugMode(enabled bool) StartOption {
	return func(c *config) {
		c.debug = enabled
	}
}

// WithLogger sets l as the destination for all client log output.
func WithLogger(l log.Logger) StartOption {
	return func(c *config) {
		log.UseLogger(l)
	}
}
