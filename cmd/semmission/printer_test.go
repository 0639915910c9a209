package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/c360studio/semmission/controller"
	"github.com/c360studio/semmission/mission"
)

func TestEventFilter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		match    []mission.EventType
		skip     []mission.EventType
	}{
		{
			name:  "empty passes everything",
			match: []mission.EventType{mission.EventHeartbeat, mission.EventPhaseChanged},
		},
		{
			name:     "prefix glob",
			patterns: []string{"checkpoint_*"},
			match:    []mission.EventType{mission.EventCheckpointReached, mission.EventCheckpointResolved},
			skip:     []mission.EventType{mission.EventPhaseChanged},
		},
		{
			name:     "comma list and braces",
			patterns: []string{"panel_{paused,resumed}, error"},
			match:    []mission.EventType{mission.EventPanelPaused, mission.EventPanelResumed, mission.EventError},
			skip:     []mission.EventType{mission.EventPanelCancelled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newEventFilter(tt.patterns)
			if err != nil {
				t.Fatalf("newEventFilter: %v", err)
			}
			for _, et := range tt.match {
				if !f.Match(et) {
					t.Errorf("%s should match %v", et, tt.patterns)
				}
			}
			for _, et := range tt.skip {
				if f.Match(et) {
					t.Errorf("%s should not match %v", et, tt.patterns)
				}
			}
		})
	}

	if _, err := newEventFilter([]string{"checkpoint_[a"}); err == nil {
		t.Error("unterminated class should be rejected")
	}
}

func TestDecisionFromArgs(t *testing.T) {
	s := mission.StreamState{Checkpoints: []mission.Checkpoint{
		{ID: "cp-goal", Kind: mission.CheckpointGoal, Status: mission.CheckpointResolved},
		{ID: "cp-plan", Kind: mission.CheckpointPlan, Status: mission.CheckpointPending},
	}}

	tests := []struct {
		name     string
		state    mission.StreamState
		res      mission.Resolution
		args     []string
		wantID   string
		feedback string
		wantErr  bool
	}{
		{name: "latest pending", state: s, res: mission.ResolutionAccepted, wantID: "cp-plan"},
		{name: "explicit id", state: s, res: mission.ResolutionRejected, args: []string{"cp-goal", "too", "broad"}, wantID: "cp-goal", feedback: "too broad"},
		{name: "feedback only", state: s, res: mission.ResolutionRevised, args: []string{"split", "phase", "two"}, wantID: "cp-plan", feedback: "split phase two"},
		{name: "revise needs feedback", state: s, res: mission.ResolutionRevised, wantErr: true},
		{name: "nothing pending", state: mission.StreamState{}, res: mission.ResolutionAccepted, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, d, err := decisionFromArgs(tt.state, tt.res, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %s %+v", id, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("decisionFromArgs: %v", err)
			}
			if id != tt.wantID || d.Resolution != tt.res || d.Feedback != tt.feedback {
				t.Errorf("got %s %+v, want %s %s %q", id, d, tt.wantID, tt.res, tt.feedback)
			}
		})
	}
}

func TestParsePromptLine(t *testing.T) {
	cmd, ok := parsePromptLine("  Revise cp-1  more   detail ")
	if !ok || cmd.verb != "revise" || strings.Join(cmd.args, "|") != "cp-1|more|detail" {
		t.Errorf("parsePromptLine = %+v, %v", cmd, ok)
	}
	if _, ok := parsePromptLine("   "); ok {
		t.Error("blank line should be skipped")
	}
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	f, _ := newEventFilter(nil)
	p := newPrinter(&out, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.prefix = true

	s := mission.NewState(mission.Ref{Mode: mission.ModeMission, ID: "m-1"}, 0)
	p.Handle(controller.Update{State: s})

	apply := func(ev mission.Event) {
		s = mission.Reduce(s, ev)
		p.Handle(controller.Update{State: s, Event: &ev})
	}
	apply(mission.MustEvent(mission.EventHeartbeat, nil))
	apply(mission.MustEvent(mission.EventMissionStarted, mission.StartedPayload{Mode: mission.ModeMission}))
	apply(mission.MustEvent(mission.EventCheckpointReached, mission.CheckpointReachedPayload{
		ID:      "cp-goal",
		Kind:    mission.CheckpointGoal,
		Payload: mission.CheckpointPayload{Goals: []mission.MissionGoal{{ID: "g1", Text: "Define endpoints"}}},
	}))
	apply(mission.MustEvent(mission.EventDeliverableUpdate, mission.Deliverable{
		ID: "d1", Name: "report", Type: mission.DeliverableMarkdown, Status: mission.DeliverableGenerated,
		Content: "# Trial Protocol\n\nPrimary endpoint.",
	}))
	p.Handle(controller.Update{State: s, CommandErr: io.ErrUnexpectedEOF})

	got := out.String()
	for _, want := range []string{
		"[m-1] phase idle -> goal_parsing",
		"[m-1] checkpoint cp-goal (goal) waiting for a decision",
		`[m-1] deliverable d1 "Trial Protocol" (generated)`,
		"Primary endpoint.",
		"[m-1] command failed: unexpected EOF",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "heartbeat") {
		t.Errorf("keepalives should not be printed:\n%s", got)
	}
}

func TestDescribe_UsesEventPayload(t *testing.T) {
	s := mission.NewState(mission.Ref{Mode: mission.ModePanel, ID: "p-1"}, 0)
	for _, ev := range []mission.Event{
		mission.MustEvent(mission.EventPanelStarted, nil),
		mission.MustEvent(mission.EventRoundStarted, mission.RoundPayload{RoundNumber: 1}),
		mission.MustEvent(mission.EventExpertResponse, mission.ExpertResponse{ExpertID: "architect", Content: "first draft", RoundNumber: 1}),
		mission.MustEvent(mission.EventExpertResponse, mission.ExpertResponse{ExpertID: "sre", Content: "ops view", RoundNumber: 1}),
		mission.MustEvent(mission.EventRoundStarted, mission.RoundPayload{RoundNumber: 2}),
	} {
		s = mission.Reduce(s, ev)
	}

	revised := mission.MustEvent(mission.EventExpertResponse, mission.ExpertResponse{ExpertID: "architect", Content: "revised draft", RoundNumber: 1})
	s = mission.Reduce(s, revised)
	if got, want := describe(revised, s), "expert_response from architect (round 1): revised draft"; got != want {
		t.Errorf("describe(upsert) = %q, want %q", got, want)
	}

	late := mission.MustEvent(mission.EventRoundComplete, mission.RoundPayload{RoundNumber: 1})
	s = mission.Reduce(s, late)
	if got, want := describe(late, s), "round 1 complete"; got != want {
		t.Errorf("describe(round_complete) = %q, want %q", got, want)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc..." {
		t.Errorf("oneLine = %q", got)
	}
}
