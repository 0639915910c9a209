// Package mission provides the data model, event catalogue and pure stream
// reducer for Mode 3 (mission) and Mode 4 (panel) human-in-the-loop workflows.
//
// Nothing in this package performs I/O. The controller package owns transports
// and feeds events into Reduce one at a time.
package mission

import (
	"fmt"
	"time"
)

// Mode distinguishes deep-research missions from multi-expert panels.
type Mode string

const (
	// ModeMission is the Mode 3 deep-research workflow.
	ModeMission Mode = "mission"
	// ModePanel is the Mode 4 panel discussion workflow.
	ModePanel Mode = "panel"
)

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	return m == ModeMission || m == ModePanel
}

// Ref identifies a server-side mission or panel.
type Ref struct {
	Mode Mode   `json:"mode"`
	ID   string `json:"id"`
}

// Path returns the REST resource path for the mission, e.g. "/missions/m-1".
func (r Ref) Path() string {
	if r.Mode == ModePanel {
		return "/panels/" + r.ID
	}
	return "/missions/" + r.ID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Mode, r.ID)
}

// RunState is orthogonal to Phase: a mission can be paused mid-phase.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCancelled RunState = "cancelled"
	RunStateError     RunState = "error"
)

// ResponseKind distinguishes the contributions an expert can make in a round.
type ResponseKind string

const (
	ResponseKindResponse ResponseKind = "response"
	ResponseKindArgument ResponseKind = "argument"
	ResponseKindRebuttal ResponseKind = "rebuttal"
	ResponseKindExchange ResponseKind = "exchange"
)

// Citation is a source reference attached to an expert response.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Quote string `json:"quote,omitempty"`
}

// Expert describes a panel member or mission agent.
type Expert struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role,omitempty"`
	Expertise []string `json:"expertise,omitempty"`
}

// ExpertResponse is one expert's contribution to a round. Entries are keyed by
// (ExpertID, RoundNumber, Kind) and are replaced, never duplicated, on re-delivery.
type ExpertResponse struct {
	ExpertID    string       `json:"expertId"`
	ExpertName  string       `json:"expertName"`
	Kind        ResponseKind `json:"kind,omitempty"`
	Content     string       `json:"content"`
	Confidence  float64      `json:"confidence"`
	RoundNumber int          `json:"roundNumber"`
	Timestamp   time.Time    `json:"timestamp,omitzero"`
	Citations   []Citation   `json:"citations,omitempty"`
	// TargetExpertID is set on rebuttals and debate exchanges.
	TargetExpertID string `json:"targetExpertId,omitempty"`
}

type responseKey struct {
	expertID string
	round    int
	kind     ResponseKind
}

func (r ExpertResponse) key() responseKey {
	kind := r.Kind
	if kind == "" {
		kind = ResponseKindResponse
	}
	return responseKey{expertID: r.ExpertID, round: r.RoundNumber, kind: kind}
}

// ConsensusState is the server-computed agreement aggregate for the current round.
type ConsensusState struct {
	Reached             bool     `json:"reached"`
	AgreementScore      float64  `json:"agreementScore"`
	DissentingExpertIDs []string `json:"dissentingExpertIds,omitempty"`
	FinalRecommendation string   `json:"finalRecommendation,omitempty"`
}

// RoundSummary archives a finished round when the next one starts.
type RoundSummary struct {
	RoundNumber int              `json:"roundNumber"`
	Responses   []ExpertResponse `json:"responses"`
	Consensus   *ConsensusState  `json:"consensus,omitempty"`
}

// CheckpointKind identifies which HITL gate a checkpoint represents.
type CheckpointKind string

const (
	CheckpointGoal        CheckpointKind = "goal"
	CheckpointPlan        CheckpointKind = "plan"
	CheckpointValidation  CheckpointKind = "validation"
	CheckpointDeliverable CheckpointKind = "deliverable"
)

// IsValid returns true if the checkpoint kind is known.
func (k CheckpointKind) IsValid() bool {
	switch k {
	case CheckpointGoal, CheckpointPlan, CheckpointValidation, CheckpointDeliverable:
		return true
	default:
		return false
	}
}

// WaitingPhase returns the phase a mission sits in while this kind of checkpoint is pending.
func (k CheckpointKind) WaitingPhase() Phase {
	switch k {
	case CheckpointGoal:
		return PhaseGoalConfirmation
	case CheckpointPlan:
		return PhasePlanConfirmation
	case CheckpointValidation:
		return PhaseMissionValidation
	case CheckpointDeliverable:
		return PhaseDeliverableReview
	default:
		return ""
	}
}

// CheckpointStatus is the lifecycle of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointResolved CheckpointStatus = "resolved"
)

// Resolution is the human decision on a checkpoint.
type Resolution string

const (
	ResolutionAccepted Resolution = "accepted"
	ResolutionRevised  Resolution = "revised"
	ResolutionRejected Resolution = "rejected"
)

// IsValid returns true if the resolution is known.
func (r Resolution) IsValid() bool {
	return r == ResolutionAccepted || r == ResolutionRevised || r == ResolutionRejected
}

// Decision is a resolution plus optional free-text feedback.
type Decision struct {
	Resolution Resolution `json:"resolution"`
	Feedback   string     `json:"feedback,omitempty"`
}

// CheckpointPayload carries the kind-specific data a human reviews.
type CheckpointPayload struct {
	Goals        []MissionGoal `json:"goals,omitempty"`
	Plan         []PlanPhase   `json:"plan,omitempty"`
	Deliverables []Deliverable `json:"deliverables,omitempty"`
	Summary      string        `json:"summary,omitempty"`
}

// Checkpoint is a pause point requiring a human decision.
type Checkpoint struct {
	ID         string            `json:"id"`
	Kind       CheckpointKind    `json:"kind"`
	Payload    CheckpointPayload `json:"payload"`
	Status     CheckpointStatus  `json:"status"`
	Resolution *Decision         `json:"resolution,omitempty"`
	// Optimistic marks a resolution applied locally and not yet confirmed by the server.
	Optimistic bool      `json:"optimistic,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// IsPending returns true while the checkpoint awaits a decision.
func (c Checkpoint) IsPending() bool {
	return c.Status == CheckpointPending
}

// MissionGoal is one parsed goal. Order is contiguous 0..N-1 across the list.
type MissionGoal struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Priority   int      `json:"priority"`
	Order      int      `json:"order"`
	Category   string   `json:"category,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// PlanStep is a unit of work inside a plan phase. Steps are ordered by position.
type PlanStep struct {
	ID                       string   `json:"id"`
	Name                     string   `json:"name"`
	Description              string   `json:"description,omitempty"`
	EstimatedDurationMinutes int      `json:"estimatedDurationMinutes"`
	AssignedTo               string   `json:"assignedTo,omitempty"`
	ToolsRequired            []string `json:"toolsRequired,omitempty"`
}

// PlanPhase groups steps. Order is contiguous 0..N-1 across the plan.
type PlanPhase struct {
	ID                       string     `json:"id"`
	Name                     string     `json:"name"`
	Description              string     `json:"description,omitempty"`
	EstimatedDurationMinutes int        `json:"estimatedDurationMinutes"`
	Order                    int        `json:"order"`
	Steps                    []PlanStep `json:"steps"`
}

// DeliverableType is the artifact format.
type DeliverableType string

const (
	DeliverableCSV      DeliverableType = "csv"
	DeliverableJSON     DeliverableType = "json"
	DeliverableMarkdown DeliverableType = "markdown"
	DeliverablePDF      DeliverableType = "pdf"
	DeliverableOther    DeliverableType = "other"
)

// DeliverableStatus is the generation/review lifecycle of an artifact.
type DeliverableStatus string

const (
	DeliverablePending           DeliverableStatus = "pending"
	DeliverableGenerating        DeliverableStatus = "generating"
	DeliverableGenerated         DeliverableStatus = "generated"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

// Deliverable is a generated mission artifact.
type Deliverable struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         DeliverableType   `json:"type"`
	Status       DeliverableStatus `json:"status"`
	QualityScore *float64          `json:"qualityScore,omitempty"`
	Preview      string            `json:"preview,omitempty"`
	Content      string            `json:"content,omitempty"`
}

// ErrorKind classifies errors folded into stream state.
type ErrorKind string

const (
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindServer    ErrorKind = "server"
)

// StreamError is the last error observed on the stream. It is never mutated
// after creation.
type StreamError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	EventType EventType `json:"eventType,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
}

// DefaultMaxRevisions applies when neither the start request nor the server sets a cap.
const DefaultMaxRevisions = 3

// StreamState is the immutable snapshot produced by Reduce. Consumers must not
// modify slices reachable from a published snapshot.
type StreamState struct {
	MissionID string   `json:"missionId"`
	Mode      Mode     `json:"mode"`
	Phase     Phase    `json:"phase"`
	RunState  RunState `json:"runState"`

	Round           int              `json:"round"`
	CompletedRounds []int            `json:"completedRounds,omitempty"`
	Experts         []Expert         `json:"experts,omitempty"`
	Responses       []ExpertResponse `json:"responses,omitempty"`
	RoundHistory    []RoundSummary   `json:"roundHistory,omitempty"`
	Consensus       *ConsensusState  `json:"consensus,omitempty"`
	Synthesis       string           `json:"synthesis,omitempty"`

	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	Goals           []MissionGoal `json:"goals,omitempty"`
	GoalsOptimistic bool          `json:"goalsOptimistic,omitempty"`
	PlanPhases      []PlanPhase   `json:"planPhases,omitempty"`
	PlanOptimistic  bool          `json:"planOptimistic,omitempty"`

	Deliverables  []Deliverable `json:"deliverables,omitempty"`
	RevisionCount int           `json:"revisionCount"`
	MaxRevisions  int           `json:"maxRevisions"`

	LastError   *StreamError `json:"lastError,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	LastEventID string       `json:"lastEventId,omitempty"`
	StartedAt   time.Time    `json:"startedAt,omitzero"`
	UpdatedAt   time.Time    `json:"updatedAt,omitzero"`
}

// NewState returns the idle state for a freshly started or attached mission.
func NewState(ref Ref, maxRevisions int) StreamState {
	if maxRevisions <= 0 {
		maxRevisions = DefaultMaxRevisions
	}
	return StreamState{
		MissionID:    ref.ID,
		Mode:         ref.Mode,
		Phase:        PhaseIdle,
		RunState:     RunStateRunning,
		MaxRevisions: maxRevisions,
	}
}

// Ref returns the mission reference for this state.
func (s StreamState) Ref() Ref {
	return Ref{Mode: s.Mode, ID: s.MissionID}
}

// IsTerminal returns true once the mission can no longer accept commands.
func (s StreamState) IsTerminal() bool {
	return s.Phase.IsTerminal() || s.RunState == RunStateCancelled
}

// Checkpoint returns the checkpoint with the given ID.
func (s StreamState) Checkpoint(id string) (Checkpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// PendingCheckpoint returns the pending checkpoint of the given kind, if any.
func (s StreamState) PendingCheckpoint(kind CheckpointKind) (Checkpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.Kind == kind && cp.IsPending() {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// CanRequestRevision reports whether another deliverable revision is allowed.
func (s StreamState) CanRequestRevision() bool {
	return s.RevisionCount < s.MaxRevisions
}

// Deliverable returns the deliverable with the given ID.
func (s StreamState) Deliverable(id string) (Deliverable, bool) {
	for _, d := range s.Deliverables {
		if d.ID == id {
			return d, true
		}
	}
	return Deliverable{}, false
}
