package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360studio/semmission/mission"
)

// WebSocket streams events from {base}/{missions|panels}/{id}/ws, one JSON
// envelope per text message.
type WebSocket struct {
	baseURL string
	opts    options
	dialer  *websocket.Dialer
}

// NewWebSocket creates a WebSocket dialer. baseURL may use http(s) or ws(s).
func NewWebSocket(baseURL string, opts ...Option) *WebSocket {
	return &WebSocket{
		baseURL: baseURL,
		opts:    newOptions(opts),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// URL returns the WebSocket endpoint for the mission.
func (t *WebSocket) URL(ref mission.Ref) string {
	u := joinURL(t.baseURL, ref, "/ws")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// Dial opens the connection. Browsers cannot set Last-Event-ID on a
// WebSocket, so the resume point travels as the lastEventId query parameter.
func (t *WebSocket) Dial(ctx context.Context, ref mission.Ref, lastEventID string) (Stream, error) {
	u := t.URL(ref)
	if lastEventID != "" {
		u += "?lastEventId=" + url.QueryEscape(lastEventID)
	}

	headers := t.opts.headers.Clone()
	headers.Set("X-Request-ID", uuid.New().String())

	conn, resp, err := t.dialer.DialContext(ctx, u, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &Error{Op: "connect", URL: u, StatusCode: status, Err: err}
	}

	s := &wsStream{url: u, conn: conn, idleTimeout: t.opts.idleTimeout}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })

	t.opts.logger.Debug("WebSocket stream connected", "url", u, "last_event_id", lastEventID)
	return s, nil
}

type wsStream struct {
	url         string
	conn        *websocket.Conn
	stop        func() bool
	idleTimeout time.Duration
	closeOnce   sync.Once
}

func (s *wsStream) Next() (mission.Event, error) {
	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return mission.Event{}, io.EOF
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return mission.Event{}, &Error{Op: "read", URL: s.url, Err: ErrIdleTimeout}
			}
			return mission.Event{}, &Error{Op: "read", URL: s.url, Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev mission.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return mission.Event{Data: json.RawMessage(fmt.Sprintf("%q", data))}, nil
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
