package miniapm

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/seuros/miniapm/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// defaultDialTimeout bounds connection establishment.
	defaultDialTimeout = 5 * time.Second

	// defaultRequestTimeout bounds the whole request, reads and writes
	// included.
	defaultRequestTimeout = 10 * time.Second
)

// Result describes the outcome of a single POST to the collector. A network
// or serialization failure yields Status 0 and a non-nil Err; the transport
// never panics or surfaces errors any other way.
type Result struct {
	Status  int
	Body    string
	Success bool
	Err     error
}

// transport is a thin POST helper shared by all exporters. The underlying
// http.Client is safe for concurrent use by the send workers.
type transport struct {
	client    *http.Client
	userAgent string
}

func newTransport() *transport {
	return &transport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   defaultDialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   defaultDialTimeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: defaultRequestTimeout,
		},
		userAgent: fmt.Sprintf("miniapm-go/%s (%s; %s)",
			version.Tag, runtime.Version(), runtime.GOOS),
	}
}

// post sends payload to url as JSON. A []byte or string payload is assumed
// to be pre-serialized; anything else is marshaled first. A nil payload
// sends an empty body.
func (t *transport) post(url string, payload interface{}, headers map[string]string) *Result {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return &Result{Err: fmt.Errorf("cannot encode payload: %v", err)}
		}
		body = b
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Result{Err: fmt.Errorf("cannot create http request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Err: err}
	}
	defer resp.Body.Close()
	// read a bounded chunk of the body for error context
	msg := make([]byte, 1000)
	n, _ := resp.Body.Read(msg)
	return &Result{
		Status:  resp.StatusCode,
		Body:    string(msg[:n]),
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
}
