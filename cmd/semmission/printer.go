package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/semmission/controller"
	"github.com/c360studio/semmission/deliverable"
	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/transport"
)

// eventFilter selects event types by glob, e.g. "checkpoint_*" or "panel_{paused,resumed}".
type eventFilter struct {
	patterns []string
}

func newEventFilter(patterns []string) (eventFilter, error) {
	var f eventFilter
	for _, p := range patterns {
		for part := range strings.SplitSeq(p, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !doublestar.ValidatePattern(part) {
				return eventFilter{}, fmt.Errorf("invalid event pattern %q", part)
			}
			f.patterns = append(f.patterns, part)
		}
	}
	return f, nil
}

// Match reports whether t passes the filter. An empty filter passes everything.
func (f eventFilter) Match(t mission.EventType) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, string(t)); ok {
			return true
		}
	}
	return false
}

// printer renders controller updates as one line per event.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	filter   eventFilter
	renderer *deliverable.Renderer
	recorder *transport.Recorder
	logger   *slog.Logger
	prefix   bool

	phase        mission.Phase
	lastErr      *mission.StreamError
	deliverables map[string]mission.DeliverableStatus
}

func newPrinter(out io.Writer, filter eventFilter, logger *slog.Logger) *printer {
	return &printer{
		out:          out,
		filter:       filter,
		renderer:     deliverable.NewRenderer(deliverable.DefaultMaxLength),
		logger:       logger,
		deliverables: make(map[string]mission.DeliverableStatus),
	}
}

// Handle is registered with Controller.Subscribe.
func (p *printer) Handle(u controller.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := u.State
	if u.CommandErr != nil {
		p.line(s, "command failed: %v", u.CommandErr)
		return
	}
	if u.Event == nil {
		p.phase = s.Phase
		return
	}

	ev := *u.Event
	if p.recorder != nil {
		if err := p.recorder.Record(ev); err != nil {
			p.logger.Warn("Failed to record event", "type", ev.Type, "error", err)
		}
	}

	if p.filter.Match(ev.Type) {
		if text := describe(ev, s); text != "" {
			p.line(s, "%s", text)
		}
	}
	if s.Phase != p.phase {
		p.line(s, "phase %s -> %s", p.phase, s.Phase)
		p.phase = s.Phase
	}
	if s.LastError != nil && s.LastError != p.lastErr {
		p.line(s, "%s error: %s", s.LastError.Kind, s.LastError.Message)
	}
	p.lastErr = s.LastError
	p.previews(s)
}

func (p *printer) line(s mission.StreamState, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.prefix {
		text = "[" + s.MissionID + "] " + text
	}
	fmt.Fprintln(p.out, text)
}

// previews prints a deliverable once it reaches a reviewable status.
func (p *printer) previews(s mission.StreamState) {
	for _, d := range s.Deliverables {
		prev := p.deliverables[d.ID]
		p.deliverables[d.ID] = d.Status
		if prev == d.Status || (d.Status != mission.DeliverableGenerated && d.Status != mission.DeliverableApproved) {
			continue
		}
		preview, err := p.renderer.Render(d)
		if err != nil {
			p.line(s, "deliverable %s: %v", d.ID, err)
			continue
		}
		p.line(s, "deliverable %s %q (%s)\n%s", d.ID, preview.Title, d.Status, preview.Markdown)
	}
}

// describe summarizes ev against the state it produced. Keepalives return "".
func describe(ev mission.Event, s mission.StreamState) string {
	switch ev.Type {
	case mission.EventHeartbeat, mission.EventConnected, mission.EventSyncComplete:
		return ""
	case mission.EventCheckpointReached, mission.EventCheckpointResolved:
		return describeCheckpoint(ev, s)
	case mission.EventRoundStarted, mission.EventTurnStarted:
		return fmt.Sprintf("%s round %d", ev.Type, s.Round)
	case mission.EventRoundComplete:
		var p mission.RoundPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			return fmt.Sprintf("round %d complete", p.RoundNumber)
		}
	case mission.EventConsensusUpdate:
		if s.Consensus != nil {
			return fmt.Sprintf("consensus %.2f reached=%t", s.Consensus.AgreementScore, s.Consensus.Reached)
		}
	case mission.EventExpertResponse, mission.EventArgument, mission.EventRebuttal, mission.EventDebateExchange:
		// An upsert keeps its original position in Responses.
		var r mission.ExpertResponse
		if json.Unmarshal(ev.Data, &r) == nil && r.ExpertID != "" {
			return fmt.Sprintf("%s from %s (round %d): %s", ev.Type, r.ExpertID, r.RoundNumber, oneLine(r.Content, 120))
		}
	case mission.EventSynthesis, mission.EventSynthesisComplete:
		return fmt.Sprintf("%s: %s", ev.Type, oneLine(s.Synthesis, 200))
	case mission.EventStateSnapshot:
		return fmt.Sprintf("snapshot at phase %s", s.Phase)
	}
	if ev.ID != "" {
		return fmt.Sprintf("%s #%s", ev.Type, ev.ID)
	}
	return string(ev.Type)
}

func describeCheckpoint(ev mission.Event, s mission.StreamState) string {
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		cp := s.Checkpoints[i]
		if ev.Type == mission.EventCheckpointReached && cp.IsPending() {
			return fmt.Sprintf("checkpoint %s (%s) waiting for a decision", cp.ID, cp.Kind)
		}
		if ev.Type == mission.EventCheckpointResolved && cp.Resolution != nil && !cp.IsPending() {
			return fmt.Sprintf("checkpoint %s %s", cp.ID, cp.Resolution.Resolution)
		}
	}
	return string(ev.Type)
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

// pendingCheckpoint returns the most recent checkpoint awaiting a decision.
func pendingCheckpoint(s mission.StreamState) (mission.Checkpoint, bool) {
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		if s.Checkpoints[i].IsPending() {
			return s.Checkpoints[i], true
		}
	}
	return mission.Checkpoint{}, false
}

// syncWriter serializes writes from printers of concurrently followed missions.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(b)
}
