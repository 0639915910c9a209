package mission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType discriminates inbound stream events. The set is closed: anything
// else is reported as a ProtocolError.
type EventType string

const (
	EventPanelStarted       EventType = "panel_started"
	EventPanelStatus        EventType = "panel_status"
	EventExpertsSelected    EventType = "experts_selected"
	EventRoundStarted       EventType = "round_started"
	EventExpertResponse     EventType = "expert_response"
	EventRoundComplete      EventType = "round_complete"
	EventConsensusUpdate    EventType = "consensus_update"
	EventCheckpointReached  EventType = "checkpoint_reached"
	EventCheckpointResolved EventType = "checkpoint_resolved"
	EventSynthesisComplete  EventType = "synthesis_complete"
	EventPanelCompleted     EventType = "panel_completed"
	EventPanelPaused        EventType = "panel_paused"
	EventPanelResumed       EventType = "panel_resumed"
	EventPanelCancelled     EventType = "panel_cancelled"
	EventError              EventType = "error"
	EventTurnStarted        EventType = "turn_started"
	EventArgument           EventType = "argument"
	EventRebuttal           EventType = "rebuttal"
	EventSynthesis          EventType = "synthesis"
	EventDebateExchange     EventType = "debate_exchange"

	// Mode 3 lifecycle events.
	EventMissionStarted    EventType = "mission_started"
	EventPhaseChanged      EventType = "phase_changed"
	EventDeliverableUpdate EventType = "deliverable_update"
	EventMissionCompleted  EventType = "mission_completed"

	// EventStateSnapshot replaces the whole state; servers send it after a reconnect
	// when they cannot replay the missed events.
	EventStateSnapshot EventType = "state_snapshot"

	// Transport keepalives.
	EventHeartbeat    EventType = "heartbeat"
	EventConnected    EventType = "connected"
	EventSyncComplete EventType = "sync_complete"
)

// KnownEventTypes lists every event type the reducer handles.
var KnownEventTypes = []EventType{
	EventPanelStarted, EventPanelStatus, EventExpertsSelected, EventRoundStarted,
	EventExpertResponse, EventRoundComplete, EventConsensusUpdate, EventCheckpointReached,
	EventCheckpointResolved, EventSynthesisComplete, EventPanelCompleted, EventPanelPaused,
	EventPanelResumed, EventPanelCancelled, EventError, EventTurnStarted, EventArgument,
	EventRebuttal, EventSynthesis, EventDebateExchange,
	EventMissionStarted, EventPhaseChanged, EventDeliverableUpdate, EventMissionCompleted,
	EventStateSnapshot, EventHeartbeat, EventConnected, EventSyncComplete,
}

// IsKnown returns true if the reducer has a case for this event type.
func (t EventType) IsKnown() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the envelope delivered by every transport.
type Event struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	MissionID string          `json:"missionId,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(t EventType, payload any) (Event, error) {
	ev := Event{Type: t}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	ev.Data = data
	return ev, nil
}

// MustEvent is NewEvent for payloads known to marshal, such as test fixtures.
func MustEvent(t EventType, payload any) Event {
	ev, err := NewEvent(t, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// StartedPayload is carried by panel_started and mission_started.
type StartedPayload struct {
	Mode         Mode     `json:"mode,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	MaxRounds    int      `json:"maxRounds,omitempty"`
	MaxRevisions int      `json:"maxRevisions,omitempty"`
	Experts      []Expert `json:"experts,omitempty"`
}

// StatusPayload is carried by panel_status and phase_changed.
type StatusPayload struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
}

// ExpertsSelectedPayload is carried by experts_selected.
type ExpertsSelectedPayload struct {
	Experts []Expert `json:"experts"`
}

// RoundPayload is carried by round_started, turn_started and round_complete.
type RoundPayload struct {
	RoundNumber int    `json:"roundNumber"`
	Topic       string `json:"topic,omitempty"`
}

// CheckpointReachedPayload is carried by checkpoint_reached.
type CheckpointReachedPayload struct {
	ID      string            `json:"id"`
	Kind    CheckpointKind    `json:"kind"`
	Payload CheckpointPayload `json:"payload"`
}

// CheckpointResolvedPayload is carried by checkpoint_resolved. Goals and Plan,
// when present, are the server-confirmed lists.
type CheckpointResolvedPayload struct {
	ID         string         `json:"id"`
	Kind       CheckpointKind `json:"kind,omitempty"`
	Resolution Resolution     `json:"resolution"`
	Feedback   string         `json:"feedback,omitempty"`
	Goals      []MissionGoal  `json:"goals,omitempty"`
	Plan       []PlanPhase    `json:"plan,omitempty"`
}

// SynthesisPayload is carried by synthesis and synthesis_complete.
type SynthesisPayload struct {
	Content        string `json:"content"`
	Recommendation string `json:"recommendation,omitempty"`
}

// CompletedPayload is carried by panel_completed and mission_completed.
type CompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

// ControlPayload is carried by panel_paused, panel_resumed and panel_cancelled.
type ControlPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// SnapshotPayload is carried by state_snapshot.
type SnapshotPayload struct {
	State StreamState `json:"state"`
}

// errMissingData is returned when an event that needs a payload has none.
var errMissingData = errors.New("missing data")

// decodePayload unmarshals the event data into T and wraps failures as ProtocolError.
func decodePayload[T any](ev Event) (T, error) {
	var out T
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return out, &ProtocolError{EventType: ev.Type, EventID: ev.ID, Err: errMissingData}
	}
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		return out, &ProtocolError{EventType: ev.Type, EventID: ev.ID, Err: fmt.Errorf("decode payload: %w", err)}
	}
	return out, nil
}

// decodeOptional is decodePayload for events whose payload may be omitted.
func decodeOptional[T any](ev Event) (T, error) {
	var out T
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return out, nil
	}
	return decodePayload[T](ev)
}

func protocolErr(ev Event, format string, args ...any) error {
	return &ProtocolError{EventType: ev.Type, EventID: ev.ID, Err: fmt.Errorf(format, args...)}
}

func validateResponse(ev Event, r ExpertResponse) error {
	if r.ExpertID == "" {
		return protocolErr(ev, "expertId is required")
	}
	if r.RoundNumber < 0 {
		return protocolErr(ev, "roundNumber must not be negative, got %d", r.RoundNumber)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return protocolErr(ev, "confidence must be between 0 and 1, got %v", r.Confidence)
	}
	return nil
}

func validateConsensus(ev Event, c ConsensusState) error {
	if c.AgreementScore < 0 || c.AgreementScore > 1 {
		return protocolErr(ev, "agreementScore must be between 0 and 1, got %v", c.AgreementScore)
	}
	return nil
}

func validateDeliverable(ev Event, d Deliverable) error {
	if d.ID == "" {
		return protocolErr(ev, "deliverable id is required")
	}
	if d.QualityScore != nil && (*d.QualityScore < 0 || *d.QualityScore > 100) {
		return protocolErr(ev, "qualityScore must be between 0 and 100, got %v", *d.QualityScore)
	}
	return nil
}
