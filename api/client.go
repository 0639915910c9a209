// Package api is the outbound command client for the mission backend.
//
// Commands are fire-and-confirm: a successful call only means the server
// accepted the request. The resulting state change arrives later on the event
// stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semmission/mission"
)

// maxResponseSize limits command response bodies.
const maxResponseSize = 1 << 20

// DefaultTimeout bounds a single command request.
const DefaultTimeout = 10 * time.Second

// Command names used in CommandError.Op and metrics labels.
const (
	OpStart    = "start"
	OpGet      = "get"
	OpPause    = "pause"
	OpResume   = "resume"
	OpCancel   = "cancel"
	OpDecision = "decision"
)

// Client sends commands to the mission backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	headers    http.Header
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout bounds each request. Zero disables the per-request bound.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.timeout = d
	}
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) Option {
	return func(client *Client) {
		client.headers.Set(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a command client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		headers:    make(http.Header),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MissionStatus is the server view of a mission returned by GET /missions/{id}.
type MissionStatus struct {
	ID          string           `json:"id"`
	Mode        mission.Mode     `json:"mode,omitempty"`
	Phase       mission.Phase    `json:"phase"`
	RunState    mission.RunState `json:"runState"`
	LastEventID string           `json:"lastEventId,omitempty"`
}

// IsTerminal returns true if the server reports the mission as finished.
func (s *MissionStatus) IsTerminal() bool {
	return s.Phase.IsTerminal() || s.RunState == mission.RunStateCancelled
}

// DecisionRequest is the body of POST /missions/{id}/checkpoints/{checkpointId}.
// Goal checkpoints carry the full ordered goal list, plan checkpoints the plan.
type DecisionRequest struct {
	Resolution mission.Resolution    `json:"resolution"`
	Feedback   string                `json:"feedback,omitempty"`
	Goals      []mission.MissionGoal `json:"goals,omitempty"`
	Plan       []mission.PlanPhase   `json:"plan,omitempty"`
}

type startResponse struct {
	ID string `json:"id"`
}

// StartMission creates a mission or panel and returns its reference.
// The request is validated first; a ValidationError means nothing was sent.
func (c *Client) StartMission(ctx context.Context, req mission.StartRequest) (mission.Ref, error) {
	if err := req.Validate(); err != nil {
		return mission.Ref{}, err
	}

	path := "/missions"
	if req.Mode == mission.ModePanel {
		path = "/panels"
	}

	var resp startResponse
	if err := c.do(ctx, OpStart, "", http.MethodPost, path, req, &resp); err != nil {
		return mission.Ref{}, err
	}
	if resp.ID == "" {
		return mission.Ref{}, &CommandError{Op: OpStart, Err: fmt.Errorf("response carries no mission id")}
	}

	c.logger.Debug("Mission started", "mode", req.Mode, "mission_id", resp.ID)
	return mission.Ref{Mode: req.Mode, ID: resp.ID}, nil
}

// GetMission fetches the server view of a mission.
func (c *Client) GetMission(ctx context.Context, ref mission.Ref) (*MissionStatus, error) {
	var status MissionStatus
	if err := c.do(ctx, OpGet, ref.ID, http.MethodGet, ref.Path(), nil, &status); err != nil {
		return nil, err
	}
	if status.ID == "" {
		status.ID = ref.ID
	}
	if status.Mode == "" {
		status.Mode = ref.Mode
	}
	return &status, nil
}

// Pause asks the server to pause the mission.
func (c *Client) Pause(ctx context.Context, ref mission.Ref) error {
	return c.do(ctx, OpPause, ref.ID, http.MethodPost, ref.Path()+"/pause", nil, nil)
}

// Resume asks the server to resume a paused mission.
func (c *Client) Resume(ctx context.Context, ref mission.Ref) error {
	return c.do(ctx, OpResume, ref.ID, http.MethodPost, ref.Path()+"/resume", nil, nil)
}

// Cancel asks the server to cancel the mission. Cancellation is cooperative:
// work already in flight may still produce events.
func (c *Client) Cancel(ctx context.Context, ref mission.Ref) error {
	return c.do(ctx, OpCancel, ref.ID, http.MethodPost, ref.Path()+"/cancel", nil, nil)
}

// SubmitDecision sends a checkpoint decision.
func (c *Client) SubmitDecision(ctx context.Context, ref mission.Ref, checkpointID string, req DecisionRequest) error {
	path := ref.Path() + "/checkpoints/" + url.PathEscape(checkpointID)
	return c.do(ctx, OpDecision, ref.ID, http.MethodPost, path, req, nil)
}

// do executes one command request. Any failure is returned as *CommandError.
func (c *Client) do(ctx context.Context, op, missionID, method, path string, body, out any) error {
	fail := func(status int, err error) error {
		return &CommandError{Op: op, MissionID: missionID, StatusCode: status, Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fail(0, fmt.Errorf("create request: %w", err))
	}
	for key, values := range c.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	requestID := uuid.New().String()
	httpReq.Header.Set("X-Request-ID", requestID)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Sending command", "op", op, "mission_id", missionID, "request_id", requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(0, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return fail(resp.StatusCode, fmt.Errorf("server rejected request: %s", msg))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
