package transport

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/missiontest"
)

func TestWebSocket_URL(t *testing.T) {
	ref := mission.Ref{Mode: mission.ModePanel, ID: "p-9"}

	assert.Equal(t, "wss://example.com/api/panels/p-9/ws", NewWebSocket("https://example.com/api/").URL(ref))
	assert.Equal(t, "ws://localhost:8080/panels/p-9/ws", NewWebSocket("http://localhost:8080").URL(ref))
	assert.Equal(t, "ws://host/panels/p-9/ws", NewWebSocket("ws://host").URL(ref))
}

func TestWebSocket_Stream(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()

	ref := srv.CreateMission(mission.ModePanel)
	srv.Publish(ref.ID,
		mission.MustEvent(mission.EventPanelStarted, nil),
		mission.MustEvent(mission.EventRoundStarted, mission.RoundPayload{RoundNumber: 1}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := NewWebSocket(srv.URL).Dial(ctx, ref, "1")
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, mission.EventRoundStarted, ev.Type)
	assert.Equal(t, "2", ev.ID)

	srv.Publish(ref.ID, mission.MustEvent(mission.EventPanelPaused, nil))
	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, mission.EventPanelPaused, ev.Type)

	conns := srv.Connects()
	require.Len(t, conns, 1)
	assert.Equal(t, missiontest.OpWebSocket, conns[0].Transport)
	assert.Equal(t, "1", conns[0].LastEventID)

	srv.Disconnect(ref.ID)
	_, err = stream.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF, "an abrupt drop is not a clean end")
}

func TestWebSocket_ConnectErrors(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()

	ref := srv.CreateMission(mission.ModeMission)
	srv.FailNext(missiontest.OpWebSocket, http.StatusBadGateway)

	_, err := NewWebSocket(srv.URL).Dial(context.Background(), ref, "")
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	_, err = NewWebSocket(srv.URL).Dial(context.Background(), mission.Ref{Mode: mission.ModeMission, ID: "nope"}, "")
	assert.True(t, IsFatal(err))
}
