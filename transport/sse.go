package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semmission/mission"
)

// SSE streams events over server-sent events from GET {base}/{missions|panels}/{id}/events.
type SSE struct {
	baseURL string
	opts    options
}

// NewSSE creates an SSE dialer for the backend at baseURL.
func NewSSE(baseURL string, opts ...Option) *SSE {
	return &SSE{baseURL: baseURL, opts: newOptions(opts)}
}

// URL returns the stream endpoint for the mission.
func (t *SSE) URL(ref mission.Ref) string {
	return joinURL(t.baseURL, ref, "/events")
}

// Dial opens the stream. A non-empty lastEventID is sent as Last-Event-ID.
func (t *SSE) Dial(ctx context.Context, ref mission.Ref, lastEventID string) (Stream, error) {
	url := t.URL(ref)
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &Error{Op: "connect", URL: url, StatusCode: http.StatusBadRequest, Err: err}
	}
	for key, values := range t.opts.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.opts.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Op: "connect", URL: url, Err: err}
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, &Error{Op: "connect", URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, &Error{Op: "connect", URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected content type %q", ct)}
	}

	s := &sseStream{
		url:         url,
		body:        resp.Body,
		reader:      bufio.NewReaderSize(resp.Body, 64*1024),
		cancel:      cancel,
		idleTimeout: t.opts.idleTimeout,
	}
	if s.idleTimeout > 0 {
		s.idle = time.AfterFunc(s.idleTimeout, func() {
			s.timedOut.Store(true)
			cancel()
		})
	}

	t.opts.logger.Debug("SSE stream connected", "url", url, "last_event_id", lastEventID)
	return s, nil
}

type sseStream struct {
	url    string
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	// lastID persists across frames until an id field replaces it.
	lastID string

	idle        *time.Timer
	idleTimeout time.Duration
	timedOut    atomic.Bool

	closeOnce sync.Once
}

// Next reads lines until a complete frame has been dispatched.
func (s *sseStream) Next() (mission.Event, error) {
	var (
		name    string
		id      string
		hasID   bool
		data    []string
		hasData bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.timedOut.Load() {
				return mission.Event{}, &Error{Op: "read", URL: s.url, Err: ErrIdleTimeout}
			}
			if errors.Is(err, io.EOF) {
				// A frame without its terminating blank line is discarded.
				return mission.Event{}, io.EOF
			}
			return mission.Event{}, &Error{Op: "read", URL: s.url, Err: err}
		}
		if s.idle != nil {
			s.idle.Reset(s.idleTimeout)
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if hasID {
				s.lastID = id
			}
			if name == "" && !hasData {
				name, id, hasID = "", "", false
				continue
			}
			ev, ok := decodeFrame(name, id, strings.Join(data, "\n"))
			name, id, hasID, data, hasData = "", "", false, nil, false
			if ok {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				id, hasID = value, true
			}
		}
	}
}

// LastEventID returns the stream's last event id buffer. Frames without an
// id field keep it; an empty id field clears it.
func (s *sseStream) LastEventID() string {
	return s.lastID
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.idle != nil {
			s.idle.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// decodeFrame turns one SSE frame into an event.
//
// The data is normally the JSON envelope {type, id, missionId, timestamp, data}.
// Servers that send the bare payload instead are supported too: the frame's
// event name becomes the type and the whole data becomes the payload. Data
// that is not valid JSON still yields an event so the reducer can report it.
func decodeFrame(name, id, data string) (mission.Event, bool) {
	if name == "" && data == "" {
		return mission.Event{}, false
	}
	if data == "" {
		return mission.Event{Type: mission.EventType(name), ID: id}, true
	}

	raw := []byte(data)
	if isEnvelope(name, raw) {
		var ev mission.Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			if ev.Type == "" {
				ev.Type = mission.EventType(name)
			}
			if ev.ID == "" {
				ev.ID = id
			}
			return ev, true
		}
	}

	return mission.Event{Type: mission.EventType(name), ID: id, Data: json.RawMessage(raw)}, true
}

// isEnvelope reports whether data is an envelope rather than a bare payload.
func isEnvelope(name string, data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return false
		}
	}
	if name == "" {
		return typ != ""
	}
	_, hasData := fields["data"]
	return hasData && (typ == "" || typ == name)
}
