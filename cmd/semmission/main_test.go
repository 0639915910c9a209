package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/semmission/missiontest"
	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/transport"
)

// execute runs the root command with a quiet config file and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "semmission.yaml")
	if err := os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    mission.Ref
		wantErr bool
	}{
		{in: "m-1", want: mission.Ref{Mode: mission.ModeMission, ID: "m-1"}},
		{in: "panel/p-1", want: mission.Ref{Mode: mission.ModePanel, ID: "p-1"}},
		{in: "mission/m-2", want: mission.Ref{Mode: mission.ModeMission, ID: "m-2"}},
		{in: "debate/x", wantErr: true},
		{in: "panel/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseRef(tt.in, mission.ModeMission)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRef(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRef(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseRef(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	for in, want := range map[string]mission.Resolution{
		"accept":   mission.ResolutionAccepted,
		"Revised":  mission.ResolutionRevised,
		"REJECT":   mission.ResolutionRejected,
		"accepted": mission.ResolutionAccepted,
	} {
		got, err := parseResolution(in)
		if err != nil || got != want {
			t.Errorf("parseResolution(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseResolution("maybe"); err == nil {
		t.Error("parseResolution(maybe) should fail")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "semmission version "+Version) {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestControlCommand(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()
	ref := srv.CreateMission(mission.ModePanel)

	out, err := execute(t, "--api", srv.URL, "pause", ref.String())
	if err != nil {
		t.Fatalf("pause: %v\n%s", err, out)
	}
	if n := srv.CommandCount(missiontest.OpPause); n != 1 {
		t.Errorf("pause commands = %d, want 1", n)
	}
	if !strings.Contains(out, "pause sent") {
		t.Errorf("output %q", out)
	}

	if _, err := execute(t, "--api", srv.URL, "cancel", "panel/missing"); err == nil {
		t.Error("cancel of an unknown panel should fail")
	}
}

func TestDecideCommand(t *testing.T) {
	srv := missiontest.NewServer()
	defer srv.Close()
	ref := srv.CreateMission(mission.ModeMission)
	srv.Publish(ref.ID,
		mission.MustEvent(mission.EventMissionStarted, mission.StartedPayload{Mode: mission.ModeMission}),
		mission.MustEvent(mission.EventCheckpointReached, mission.CheckpointReachedPayload{
			ID:   "cp-goal",
			Kind: mission.CheckpointGoal,
			Payload: mission.CheckpointPayload{Goals: []mission.MissionGoal{
				{ID: "g1", Text: "Define endpoints", Order: 0},
			}},
		}),
	)

	out, err := execute(t, "--api", srv.URL, "decide", ref.ID, "cp-goal", "accept", "--wait", "5s")
	if err != nil {
		t.Fatalf("decide: %v\n%s", err, out)
	}

	cmds := srv.Commands()
	var body map[string]any
	for _, c := range cmds {
		if c.Op == missiontest.OpDecision {
			if c.CheckpointID != "cp-goal" {
				t.Errorf("decision for %q, want cp-goal", c.CheckpointID)
			}
			if err := json.Unmarshal(c.Body, &body); err != nil {
				t.Fatalf("decode decision body: %v", err)
			}
		}
	}
	if body == nil {
		t.Fatalf("no decision sent; commands: %+v", cmds)
	}
	if body["resolution"] != string(mission.ResolutionAccepted) {
		t.Errorf("resolution = %v", body["resolution"])
	}
	if goals, _ := body["goals"].([]any); len(goals) != 1 {
		t.Errorf("goal checkpoint decision should carry the goals, got %v", body["goals"])
	}
}

func TestReplayCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	rec, err := transport.NewRecorder(path)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	events := []mission.Event{
		mission.MustEvent(mission.EventMissionStarted, mission.StartedPayload{Mode: mission.ModeMission}),
		mission.MustEvent(mission.EventHeartbeat, nil),
		mission.MustEvent(mission.EventPhaseChanged, mission.StatusPayload{Phase: mission.PhaseExecution}),
		mission.MustEvent(mission.EventMissionCompleted, mission.CompletedPayload{Summary: "done"}),
	}
	for i, ev := range events {
		ev.ID = string(rune('1' + i))
		ev.MissionID = "m-1"
		if err := rec.Record(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}

	out, err := execute(t, "replay", path, "--mission", "m-1", "--events", "mission_*")
	if err != nil {
		t.Fatalf("replay: %v\n%s", err, out)
	}
	if !strings.Contains(out, "mission_started #1") {
		t.Errorf("missing filtered event line:\n%s", out)
	}
	if strings.Contains(out, "heartbeat") || strings.Contains(out, "phase_changed #3") {
		t.Errorf("filter let through other events:\n%s", out)
	}
	if !strings.Contains(out, "phase execution -> completed") {
		t.Errorf("phase changes are always shown:\n%s", out)
	}
	if !strings.Contains(out, "mission/m-1 finished: phase=completed") {
		t.Errorf("missing final status:\n%s", out)
	}
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema", "event")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v\n%s", err, out)
	}
	props, _ := schema["properties"].(map[string]any)
	for _, field := range []string{"type", "id", "missionId", "data"} {
		if _, ok := props[field]; !ok {
			t.Errorf("event schema lacks %q", field)
		}
	}

	if _, err := generateSchema("nope"); err == nil {
		t.Error("unknown schema name should fail")
	}
}
