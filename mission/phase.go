package mission

// Phase describes where a mission or panel currently sits.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseGoalParsing           Phase = "goal_parsing"
	PhaseGoalConfirmation      Phase = "goal_confirmation"
	PhasePlanGeneration        Phase = "plan_generation"
	PhasePlanConfirmation      Phase = "plan_confirmation"
	PhaseTeamAssembly          Phase = "team_assembly"
	PhaseMissionValidation     Phase = "mission_validation"
	PhaseExecution             Phase = "execution"
	PhaseDeliverableGeneration Phase = "deliverable_generation"
	PhaseDeliverableReview     Phase = "deliverable_review"
	PhaseRevision              Phase = "revision"
	PhaseCompleted             Phase = "completed"
	PhaseCancelled             Phase = "cancelled"
	PhaseError                 Phase = "error"

	// PhasePanelDiscussion covers all discussion and debate rounds of a panel.
	PhasePanelDiscussion Phase = "panel_discussion"
	// PhasePanelSynthesis is entered once the panel starts producing its synthesis.
	PhasePanelSynthesis Phase = "panel_synthesis"
)

// missionTrack is the forward order of the Mode 3 workflow.
var missionTrack = []Phase{
	PhaseIdle,
	PhaseGoalParsing,
	PhaseGoalConfirmation,
	PhasePlanGeneration,
	PhasePlanConfirmation,
	PhaseTeamAssembly,
	PhaseMissionValidation,
	PhaseExecution,
	PhaseDeliverableGeneration,
	PhaseDeliverableReview,
	PhaseRevision,
	PhaseCompleted,
}

// panelTrack is the forward order of the Mode 4 workflow.
var panelTrack = []Phase{
	PhaseIdle,
	PhasePanelDiscussion,
	PhasePanelSynthesis,
	PhaseCompleted,
}

func rank(track []Phase, p Phase) int {
	for i, candidate := range track {
		if candidate == p {
			return i
		}
	}
	return -1
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is a known phase.
func (p Phase) IsValid() bool {
	if p == PhaseCancelled || p == PhaseError {
		return true
	}
	return rank(missionTrack, p) >= 0 || rank(panelTrack, p) >= 0
}

// IsTerminal returns true for phases no event can leave.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseError
}

// IsWaiting returns true for phases that block on a human checkpoint decision.
func (p Phase) IsWaiting() bool {
	switch p {
	case PhaseGoalConfirmation, PhasePlanConfirmation, PhaseMissionValidation, PhaseDeliverableReview:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the phase can move to target.
//
// Transitions only move forward along the mission or panel track, except for
// the revision loop back into execution. Cancelled and error are reachable from
// any non-terminal phase. Staying in the same phase is always allowed so that
// replayed events are harmless.
func (p Phase) CanTransitionTo(target Phase) bool {
	if !p.IsValid() || !target.IsValid() {
		return false
	}
	if p == target {
		return true
	}
	if p.IsTerminal() {
		return false
	}
	if target == PhaseCancelled || target == PhaseError {
		return true
	}

	// revision loop: deliverable_review -> [revision ->] execution
	if target == PhaseExecution && (p == PhaseRevision || p == PhaseDeliverableReview) {
		return true
	}

	for _, track := range [][]Phase{missionTrack, panelTrack} {
		from, to := rank(track, p), rank(track, target)
		if from >= 0 && to >= 0 && to > from {
			return true
		}
	}
	return false
}

// afterResolution returns the phase a checkpoint resolution advances to.
// An empty result means the server decides what comes next.
func afterResolution(kind CheckpointKind, resolution Resolution) Phase {
	if resolution == ResolutionRejected {
		return ""
	}
	switch kind {
	case CheckpointGoal:
		return PhasePlanGeneration
	case CheckpointPlan:
		return PhaseTeamAssembly
	case CheckpointValidation:
		return PhaseExecution
	case CheckpointDeliverable:
		if resolution == ResolutionRevised {
			return PhaseRevision
		}
		return PhaseCompleted
	default:
		return ""
	}
}
