package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sink is the remote endpoint the delivery worker posts records to. A
// delivery succeeds when the returned status is in the 2xx range and err is
// nil; any other combination is treated as a transient failure and retried.
type Sink interface {
	// Post sends payload to endpoint and returns the remote status code.
	Post(ctx context.Context, endpoint string, payload []byte) (int, error)
}

// HTTPSink posts JSON payloads over HTTP.
type HTTPSink struct {
	client *http.Client
}

var _ Sink = (*HTTPSink)(nil)

// HTTPSinkOption is a functional option for [NewHTTPSink].
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient replaces the default HTTP client. The default uses a 10 s
// request timeout.
func WithHTTPClient(c *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) { s.client = c }
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(opts ...HTTPSinkOption) *HTTPSink {
	s := &HTTPSink{
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post implements [Sink] via an HTTP POST with a JSON content type. The
// response body is drained and discarded so the connection can be reused.
func (s *HTTPSink) Post(ctx context.Context, endpoint string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delivery: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
