package nethttp

import "net/http"

type config struct {
	// userID, when set, resolves the authenticated user for error reports.
	userID func(*http.Request) string
}

// Option represents an option that can be passed to WrapHandler.
type Option func(*config)

func newConfig(opts ...Option) *config {
	cfg := new(config)
	for _, fn := range opts {
		fn(cfg)
	}
	return cfg
}

// WithUserID installs a hook resolving the authenticated user of a request,
// attached to error reports as user_id.
func WithUserID(fn func(*http.Request) string) Option {
	return func(cfg *config) {
		cfg.userID = fn
	}
}
