package mission

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Goal and plan lists are owned by the client until their checkpoint is
// confirmed. Every helper here returns a new slice and leaves the input alone;
// after any of them Order is the contiguous sequence 0..N-1.

// reorderByID rearranges items to follow ids exactly.
func reorderByID[T any](items []T, ids []string, idOf func(T) string, notFound error) ([]T, error) {
	if len(ids) != len(items) {
		return nil, fmt.Errorf("id count (%d) does not match item count (%d)", len(ids), len(items))
	}

	byID := make(map[string]T, len(items))
	for _, item := range items {
		byID[idOf(item)] = item
	}

	seen := make(map[string]bool, len(ids))
	reordered := make([]T, 0, len(items))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("duplicate id in order: %s", id)
		}
		seen[id] = true
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", notFound, id)
		}
		reordered = append(reordered, item)
	}
	return reordered, nil
}

func removeByID[T any](items []T, id string, idOf func(T) string, notFound error) ([]T, error) {
	idx := slices.IndexFunc(items, func(item T) bool { return idOf(item) == id })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", notFound, id)
	}
	return slices.Delete(slices.Clone(items), idx, idx+1), nil
}

func insertAt[T any](items []T, item T, at int) []T {
	if at < 0 || at > len(items) {
		at = len(items)
	}
	return slices.Insert(slices.Clone(items), at, item)
}

func goalID(g MissionGoal) string    { return g.ID }
func planPhaseID(p PlanPhase) string { return p.ID }
func planStepID(s PlanStep) string   { return s.ID }

func renumberGoals(goals []MissionGoal) []MissionGoal {
	for i := range goals {
		goals[i].Order = i
	}
	return goals
}

func renumberPlan(phases []PlanPhase) []PlanPhase {
	for i := range phases {
		phases[i].Order = i
	}
	return phases
}

// NormalizeGoals sorts goals by their current Order (stable) and renumbers them.
func NormalizeGoals(goals []MissionGoal) []MissionGoal {
	if len(goals) == 0 {
		return nil
	}
	out := slices.Clone(goals)
	slices.SortStableFunc(out, func(a, b MissionGoal) int { return cmp.Compare(a.Order, b.Order) })
	return renumberGoals(out)
}

// ValidateGoal checks a goal before it is added or edited locally.
func ValidateGoal(g MissionGoal) error {
	if g.ID == "" {
		return &ValidationError{Field: "goal.id", Message: "is required"}
	}
	if strings.TrimSpace(g.Text) == "" {
		return &ValidationError{Field: "goal.text", Message: "is required"}
	}
	if g.Priority < 1 || g.Priority > 5 {
		return &ValidationError{Field: "goal.priority", Message: fmt.Sprintf("must be between 1 and 5, got %d", g.Priority)}
	}
	return nil
}

// ReorderGoals reorders goals according to the given goal ID order.
func ReorderGoals(goals []MissionGoal, ids []string) ([]MissionGoal, error) {
	out, err := reorderByID(NormalizeGoals(goals), ids, goalID, ErrGoalNotFound)
	if err != nil {
		return nil, err
	}
	return renumberGoals(out), nil
}

// AddGoal inserts a goal at position at; out-of-range positions append.
func AddGoal(goals []MissionGoal, g MissionGoal, at int) ([]MissionGoal, error) {
	if err := ValidateGoal(g); err != nil {
		return nil, err
	}
	if slices.ContainsFunc(goals, func(existing MissionGoal) bool { return existing.ID == g.ID }) {
		return nil, &ValidationError{Field: "goal.id", Message: "duplicate id " + g.ID}
	}
	return renumberGoals(insertAt(NormalizeGoals(goals), g, at)), nil
}

// RemoveGoal removes the goal with the given ID.
func RemoveGoal(goals []MissionGoal, id string) ([]MissionGoal, error) {
	out, err := removeByID(NormalizeGoals(goals), id, goalID, ErrGoalNotFound)
	if err != nil {
		return nil, err
	}
	return renumberGoals(out), nil
}

// UpdateGoal replaces the goal with the same ID, keeping its position.
func UpdateGoal(goals []MissionGoal, g MissionGoal) ([]MissionGoal, error) {
	if err := ValidateGoal(g); err != nil {
		return nil, err
	}
	out := NormalizeGoals(goals)
	idx := slices.IndexFunc(out, func(existing MissionGoal) bool { return existing.ID == g.ID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, g.ID)
	}
	g.Order = idx
	out[idx] = g
	return out, nil
}

// NormalizePlan sorts phases by Order (stable), renumbers them and copies step slices.
func NormalizePlan(phases []PlanPhase) []PlanPhase {
	if len(phases) == 0 {
		return nil
	}
	out := slices.Clone(phases)
	for i := range out {
		out[i].Steps = slices.Clone(out[i].Steps)
	}
	slices.SortStableFunc(out, func(a, b PlanPhase) int { return cmp.Compare(a.Order, b.Order) })
	return renumberPlan(out)
}

// ValidatePlanPhase checks a plan phase before it is added or edited locally.
func ValidatePlanPhase(p PlanPhase) error {
	if p.ID == "" {
		return &ValidationError{Field: "phase.id", Message: "is required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "phase.name", Message: "is required"}
	}
	if p.EstimatedDurationMinutes < 0 {
		return &ValidationError{Field: "phase.estimatedDurationMinutes", Message: "must not be negative"}
	}
	for _, s := range p.Steps {
		if s.ID == "" || strings.TrimSpace(s.Name) == "" {
			return &ValidationError{Field: "phase.steps", Message: "every step needs an id and a name"}
		}
	}
	return nil
}

// ReorderPlanPhases reorders plan phases according to the given phase ID order.
func ReorderPlanPhases(phases []PlanPhase, ids []string) ([]PlanPhase, error) {
	out, err := reorderByID(NormalizePlan(phases), ids, planPhaseID, ErrPlanPhaseNotFound)
	if err != nil {
		return nil, err
	}
	return renumberPlan(out), nil
}

// AddPlanPhase inserts a plan phase at position at; out-of-range positions append.
func AddPlanPhase(phases []PlanPhase, p PlanPhase, at int) ([]PlanPhase, error) {
	if err := ValidatePlanPhase(p); err != nil {
		return nil, err
	}
	if slices.ContainsFunc(phases, func(existing PlanPhase) bool { return existing.ID == p.ID }) {
		return nil, &ValidationError{Field: "phase.id", Message: "duplicate id " + p.ID}
	}
	p.Steps = slices.Clone(p.Steps)
	return renumberPlan(insertAt(NormalizePlan(phases), p, at)), nil
}

// RemovePlanPhase removes the plan phase with the given ID.
func RemovePlanPhase(phases []PlanPhase, id string) ([]PlanPhase, error) {
	out, err := removeByID(NormalizePlan(phases), id, planPhaseID, ErrPlanPhaseNotFound)
	if err != nil {
		return nil, err
	}
	return renumberPlan(out), nil
}

// ReorderPlanSteps reorders the steps of one plan phase.
func ReorderPlanSteps(phases []PlanPhase, phaseID string, stepIDs []string) ([]PlanPhase, error) {
	out := NormalizePlan(phases)
	idx := slices.IndexFunc(out, func(p PlanPhase) bool { return p.ID == phaseID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrPlanPhaseNotFound, phaseID)
	}
	steps, err := reorderByID(out[idx].Steps, stepIDs, planStepID, ErrPlanStepNotFound)
	if err != nil {
		return nil, err
	}
	out[idx].Steps = steps
	return out, nil
}
