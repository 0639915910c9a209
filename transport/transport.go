// Package transport delivers mission events from the backend to the
// controller. Every transport yields events one at a time, in the order the
// server sent them, and never buffers or reorders.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semmission/mission"
)

// Stream is one open connection.
type Stream interface {
	// Next blocks until the next event arrives. It returns io.EOF when the
	// server ends the stream cleanly and an *Error for anything else.
	// Cancelling the context passed to Dial unblocks it.
	Next() (mission.Event, error)
	Close() error
}

// Resumer is implemented by streams that track the resume point themselves.
// LastEventID may be ahead of the last returned event when the server sent an
// id without an event.
type Resumer interface {
	LastEventID() string
}

// Dialer opens event streams. lastEventID, when set, asks the server to
// resume after that event.
type Dialer interface {
	Dial(ctx context.Context, ref mission.Ref, lastEventID string) (Stream, error)
}

// ErrIdleTimeout is returned when a stream delivers nothing, not even a
// heartbeat, for longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Error reports a failed connect or read. StatusCode is zero when no HTTP
// response was received.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary returns true when reconnecting may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		// 4xx: bad URL, unknown mission, auth. Retrying will not help.
		return false
	}
}

// IsFatal returns true if err is a transport error that retrying cannot fix.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && !e.Temporary()
}

// Option configures the network transports.
type Option func(*options)

type options struct {
	httpClient  *http.Client
	headers     http.Header
	logger      *slog.Logger
	idleTimeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		// No client timeout: streams are long-lived.
		httpClient: &http.Client{},
		headers:    make(http.Header),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHTTPClient sets the HTTP client used for SSE streams.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithHeader adds a header to every connect request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.headers.Set(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIdleTimeout fails a stream that stays silent for d. Servers send
// heartbeats, so d should be a few heartbeat intervals. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// Kind names a transport in configuration.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
	KindFile      Kind = "file"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindSSE || k == KindWebSocket || k == KindFile
}

func joinURL(baseURL string, ref mission.Ref, suffix string) string {
	return strings.TrimRight(baseURL, "/") + ref.Path() + suffix
}
