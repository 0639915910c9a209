package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/missiontest"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		id       string
		data     string
		wantOK   bool
		wantType mission.EventType
		wantID   string
		wantData string
	}{
		{
			name:     "envelope",
			event:    "round_started",
			id:       "7",
			data:     `{"type":"round_started","data":{"roundNumber":2}}`,
			wantOK:   true,
			wantType: mission.EventRoundStarted,
			wantID:   "7",
			wantData: `{"roundNumber":2}`,
		},
		{
			name:     "envelope id wins",
			event:    "round_started",
			id:       "7",
			data:     `{"type":"round_started","id":"e-7","data":{"roundNumber":2}}`,
			wantOK:   true,
			wantType: mission.EventRoundStarted,
			wantID:   "e-7",
			wantData: `{"roundNumber":2}`,
		},
		{
			name:     "envelope without type uses event name",
			event:    "panel_paused",
			data:     `{"data":{"reason":"user"}}`,
			wantOK:   true,
			wantType: mission.EventPanelPaused,
			wantData: `{"reason":"user"}`,
		},
		{
			name:     "envelope without event name",
			data:     `{"type":"panel_resumed","data":{}}`,
			wantOK:   true,
			wantType: mission.EventPanelResumed,
			wantData: `{}`,
		},
		{
			name:     "bare payload",
			event:    "expert_response",
			id:       "9",
			data:     `{"expertId":"e1","content":"hi","roundNumber":1}`,
			wantOK:   true,
			wantType: mission.EventExpertResponse,
			wantID:   "9",
			wantData: `{"expertId":"e1","content":"hi","roundNumber":1}`,
		},
		{
			name:     "payload with its own data field",
			event:    "error",
			data:     `{"type":"quota","data":{"x":1},"message":"over quota"}`,
			wantOK:   true,
			wantType: mission.EventError,
			wantData: `{"type":"quota","data":{"x":1},"message":"over quota"}`,
		},
		{
			name:     "event without data",
			event:    "heartbeat",
			wantOK:   true,
			wantType: mission.EventHeartbeat,
		},
		{
			name:     "invalid json still delivered",
			event:    "consensus_update",
			data:     `{"agreementScore":`,
			wantOK:   true,
			wantType: mission.EventConsensusUpdate,
			wantData: `{"agreementScore":`,
		},
		{
			name:   "empty frame",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := decodeFrame(tt.event, tt.id, tt.data)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantID, ev.ID)
			assert.Equal(t, tt.wantData, string(ev.Data))
		})
	}
}

func rawSSEServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s Stream) []mission.Event {
	t.Helper()
	var out []mission.Event
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSSE_FrameParsing(t *testing.T) {
	body := ": comment line\n" +
		"\n" +
		"event: panel_status\r\n" +
		"id: 1\r\n" +
		"data: {\"type\":\"panel_status\",\r\n" +
		"data: \"data\":{\"phase\":\"panel_discussion\"}}\r\n" +
		"\r\n" +
		"event: heartbeat\n" +
		"\n" +
		"retry: 1000\n" +
		"event: round_started\n" +
		"data: {\"roundNumber\":1}\n" +
		"\n" +
		"event: round_complete\n" +
		"data: {\"roundNumber\":1}\n"

	srv := rawSSEServer(t, body)
	stream, err := NewSSE(srv.URL).Dial(context.Background(), mission.Ref{Mode: mission.ModePanel, ID: "p-1"}, "")
	require.NoError(t, err)
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 3, "the unterminated last frame is discarded")

	assert.Equal(t, mission.EventPanelStatus, events[0].Type)
	assert.Equal(t, "1", events[0].ID)
	assert.JSONEq(t, `{"phase":"panel_discussion"}`, string(events[0].Data))
	assert.Equal(t, mission.EventHeartbeat, events[1].Type)
	assert.Equal(t, mission.EventRoundStarted, events[2].Type)
}

func TestSSE_LastEventIDPersists(t *testing.T) {
	body := "id: 4\n" +
		"event: round_started\n" +
		"data: {\"roundNumber\":1}\n" +
		"\n" +
		"event: heartbeat\n" +
		"\n" +
		"id: 5\n" +
		"\n"

	srv := rawSSEServer(t, body)
	stream, err := NewSSE(srv.URL).Dial(context.Background(), mission.Ref{Mode: mission.ModePanel, ID: "p-1"}, "")
	require.NoError(t, err)
	defer stream.Close()

	r, ok := stream.(Resumer)
	require.True(t, ok)

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "4", ev.ID)
	assert.Equal(t, "4", r.LastEventID())

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, mission.EventHeartbeat, ev.Type)
	assert.Empty(t, ev.ID, "the frame had no id of its own")
	assert.Equal(t, "4", r.LastEventID(), "kept across a frame without an id")

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "5", r.LastEventID(), "an id-only frame moves the resume point")
}

func TestSSE_AgainstFakeBackend(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()

	ref := srv.CreateMission(mission.ModeMission)
	srv.Publish(ref.ID,
		mission.MustEvent(mission.EventMissionStarted, nil),
		mission.MustEvent(mission.EventPhaseChanged, mission.StatusPayload{Phase: mission.PhaseGoalParsing}),
		mission.MustEvent(mission.EventPanelPaused, nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := NewSSE(srv.URL, WithHeader("Authorization", "Bearer t")).Dial(ctx, ref, "1")
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", ev.ID, "events up to Last-Event-ID are not replayed")
	assert.Equal(t, ref.ID, ev.MissionID)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, mission.EventPanelPaused, ev.Type)

	srv.Publish(ref.ID, mission.MustEvent(mission.EventPanelResumed, nil))
	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, mission.EventPanelResumed, ev.Type)
	assert.Equal(t, "4", ev.ID)

	conns := srv.Connects()
	require.Len(t, conns, 1)
	assert.Equal(t, "1", conns[0].LastEventID)

	srv.Disconnect(ref.ID)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSE_ConnectErrors(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()

	ref := srv.CreateMission(mission.ModeMission)
	sse := NewSSE(srv.URL)

	srv.FailNext(missiontest.OpStream, http.StatusServiceUnavailable)
	_, err := sse.Dial(context.Background(), ref, "")
	require.Error(t, err)
	assert.False(t, IsFatal(err), "503 is retryable")

	_, err = sse.Dial(context.Background(), mission.Ref{Mode: mission.ModeMission, ID: "nope"}, "")
	require.Error(t, err)
	assert.True(t, IsFatal(err), "404 is not retryable")

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer plain.Close()
	_, err = NewSSE(plain.URL).Dial(context.Background(), ref, "")
	assert.True(t, IsFatal(err))
}

func TestSSE_IdleTimeout(t *testing.T) {
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer silent.Close()

	stream, err := NewSSE(silent.URL, WithIdleTimeout(50*time.Millisecond)).Dial(context.Background(), mission.Ref{Mode: mission.ModeMission, ID: "m-1"}, "")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.False(t, IsFatal(err))
}

func TestSSE_CloseUnblocksNext(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()
	ref := srv.CreateMission(mission.ModeMission)

	stream, err := NewSSE(srv.URL).Dial(context.Background(), ref, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
