package mission

import (
	"fmt"
	"slices"
	"time"
)

// Local mutations are applied by the controller on behalf of the user. Like
// Reduce they never modify their input; unlike Reduce they can fail, because
// the user asked for something the current state does not allow.

// ResolveOptimistic marks a pending checkpoint resolved before the server has
// confirmed it. The checkpoint keeps Optimistic set until a checkpoint_resolved
// event overwrites it.
func ResolveOptimistic(s StreamState, checkpointID string, d Decision, now time.Time) (StreamState, error) {
	if err := CheckDecision(s, checkpointID, d); err != nil {
		return s, err
	}
	checkpoints := slices.Clone(s.Checkpoints)
	idx := slices.IndexFunc(checkpoints, func(cp Checkpoint) bool { return cp.ID == checkpointID })
	decision := d
	checkpoints[idx].Status = CheckpointResolved
	checkpoints[idx].Resolution = &decision
	checkpoints[idx].Optimistic = true
	checkpoints[idx].ResolvedAt = now
	s.Checkpoints = checkpoints
	return s, nil
}

// CheckDecision reports whether d may be submitted for the checkpoint.
func CheckDecision(s StreamState, checkpointID string, d Decision) error {
	if s.IsTerminal() {
		return ErrMissionTerminated
	}
	if !d.Resolution.IsValid() {
		return &ValidationError{Field: "resolution", Message: fmt.Sprintf("unknown resolution %q", d.Resolution)}
	}
	cp, ok := s.Checkpoint(checkpointID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if !cp.IsPending() {
		return fmt.Errorf("%w: %s", ErrCheckpointResolved, checkpointID)
	}
	if cp.Kind == CheckpointDeliverable && d.Resolution == ResolutionRevised && !s.CanRequestRevision() {
		return fmt.Errorf("%w: %d of %d revisions used", ErrRevisionLimitReached, s.RevisionCount, s.MaxRevisions)
	}
	return nil
}

// RevertOptimistic re-opens a checkpoint whose optimistic resolution was never
// confirmed. It reports false when there was nothing to revert, for example
// because the authoritative event already arrived.
func RevertOptimistic(s StreamState, checkpointID string) (StreamState, bool) {
	idx := slices.IndexFunc(s.Checkpoints, func(cp Checkpoint) bool { return cp.ID == checkpointID })
	if idx < 0 || !s.Checkpoints[idx].Optimistic {
		return s, false
	}
	checkpoints := slices.Clone(s.Checkpoints)
	checkpoints[idx].Status = CheckpointPending
	checkpoints[idx].Resolution = nil
	checkpoints[idx].Optimistic = false
	checkpoints[idx].ResolvedAt = time.Time{}
	s.Checkpoints = checkpoints
	return s, true
}

// WithGoals replaces the goal list with a locally edited one and flags it
// unconfirmed.
func WithGoals(s StreamState, goals []MissionGoal) (StreamState, error) {
	if s.IsTerminal() {
		return s, ErrMissionTerminated
	}
	for _, g := range goals {
		if err := ValidateGoal(g); err != nil {
			return s, err
		}
	}
	s.Goals = NormalizeGoals(goals)
	s.GoalsOptimistic = true
	return s, nil
}

// WithPlan replaces the plan with a locally edited one and flags it unconfirmed.
func WithPlan(s StreamState, phases []PlanPhase) (StreamState, error) {
	if s.IsTerminal() {
		return s, ErrMissionTerminated
	}
	for _, p := range phases {
		if err := ValidatePlanPhase(p); err != nil {
			return s, err
		}
	}
	s.PlanPhases = NormalizePlan(phases)
	s.PlanOptimistic = true
	return s, nil
}
