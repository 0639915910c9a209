package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGoals() []MissionGoal {
	return []MissionGoal{
		{ID: "g1", Text: "Define endpoints", Priority: 3, Order: 0},
		{ID: "g2", Text: "Pick a cohort", Priority: 2, Order: 1},
		{ID: "g3", Text: "Estimate budget", Priority: 5, Order: 2},
	}
}

func goalIDs(goals []MissionGoal) []string {
	ids := make([]string, len(goals))
	for i, g := range goals {
		ids[i] = g.ID
	}
	return ids
}

func assertContiguous(t *testing.T, orders []int) {
	t.Helper()
	for i, o := range orders {
		assert.Equal(t, i, o, "order must be contiguous from zero")
	}
}

func goalOrders(goals []MissionGoal) []int {
	out := make([]int, len(goals))
	for i, g := range goals {
		out[i] = g.Order
	}
	return out
}

func TestNormalizeGoals(t *testing.T) {
	goals := []MissionGoal{
		{ID: "b", Text: "b", Priority: 1, Order: 7},
		{ID: "a", Text: "a", Priority: 1, Order: 2},
		{ID: "c", Text: "c", Priority: 1, Order: 7},
	}

	got := NormalizeGoals(goals)

	assert.Equal(t, []string{"a", "b", "c"}, goalIDs(got))
	assertContiguous(t, goalOrders(got))
	assert.Equal(t, 7, goals[0].Order, "input must not be modified")
	assert.Nil(t, NormalizeGoals(nil))
}

func TestReorderGoals(t *testing.T) {
	goals := testGoals()

	got, err := ReorderGoals(goals, []string{"g3", "g1", "g2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g3", "g1", "g2"}, goalIDs(got))
	assertContiguous(t, goalOrders(got))
	assert.Equal(t, []string{"g1", "g2", "g3"}, goalIDs(goals), "input must not be modified")

	tests := []struct {
		name string
		ids  []string
	}{
		{"missing id", []string{"g1", "g2"}},
		{"unknown id", []string{"g1", "g2", "g9"}},
		{"duplicate id", []string{"g1", "g1", "g2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReorderGoals(goals, tt.ids)
			assert.Error(t, err)
		})
	}

	_, err = ReorderGoals(goals, []string{"g1", "g2", "g9"})
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestAddGoal(t *testing.T) {
	g := MissionGoal{ID: "g4", Text: "Recruit sites", Priority: 4}

	got, err := AddGoal(testGoals(), g, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g4", "g2", "g3"}, goalIDs(got))
	assertContiguous(t, goalOrders(got))

	got, err = AddGoal(testGoals(), g, 99)
	require.NoError(t, err)
	assert.Equal(t, "g4", got[3].ID)
	assert.Equal(t, 3, got[3].Order)

	_, err = AddGoal(testGoals(), MissionGoal{ID: "g1", Text: "dup", Priority: 1}, 0)
	assert.True(t, IsValidationError(err))

	_, err = AddGoal(testGoals(), MissionGoal{ID: "g5", Text: "bad priority", Priority: 6}, 0)
	assert.True(t, IsValidationError(err))
}

func TestRemoveGoal(t *testing.T) {
	got, err := RemoveGoal(testGoals(), "g2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g3"}, goalIDs(got))
	assertContiguous(t, goalOrders(got))

	_, err = RemoveGoal(testGoals(), "missing")
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestUpdateGoal(t *testing.T) {
	got, err := UpdateGoal(testGoals(), MissionGoal{ID: "g2", Text: "Pick two cohorts", Priority: 1, Order: 40})
	require.NoError(t, err)
	assert.Equal(t, "Pick two cohorts", got[1].Text)
	assert.Equal(t, 1, got[1].Order)

	_, err = UpdateGoal(testGoals(), MissionGoal{ID: "gx", Text: "x", Priority: 1})
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestValidateGoal(t *testing.T) {
	tests := []struct {
		name    string
		goal    MissionGoal
		wantErr bool
	}{
		{"valid", MissionGoal{ID: "g", Text: "t", Priority: 1}, false},
		{"missing id", MissionGoal{Text: "t", Priority: 1}, true},
		{"blank text", MissionGoal{ID: "g", Text: "  ", Priority: 1}, true},
		{"priority too low", MissionGoal{ID: "g", Text: "t", Priority: 0}, true},
		{"priority too high", MissionGoal{ID: "g", Text: "t", Priority: 6}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGoal(tt.goal)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGoal() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func testPlan() []PlanPhase {
	return []PlanPhase{
		{ID: "p1", Name: "Research", Order: 0, Steps: []PlanStep{
			{ID: "s1", Name: "Survey literature"},
			{ID: "s2", Name: "Interview clinicians"},
		}},
		{ID: "p2", Name: "Design", Order: 1},
		{ID: "p3", Name: "Review", Order: 2},
	}
}

func phaseIDs(phases []PlanPhase) []string {
	ids := make([]string, len(phases))
	for i, p := range phases {
		ids[i] = p.ID
	}
	return ids
}

func phaseOrders(phases []PlanPhase) []int {
	out := make([]int, len(phases))
	for i, p := range phases {
		out[i] = p.Order
	}
	return out
}

func TestReorderPlanPhases(t *testing.T) {
	got, err := ReorderPlanPhases(testPlan(), []string{"p2", "p3", "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p1"}, phaseIDs(got))
	assertContiguous(t, phaseOrders(got))

	_, err = ReorderPlanPhases(testPlan(), []string{"p2", "p3", "p4"})
	assert.ErrorIs(t, err, ErrPlanPhaseNotFound)
}

func TestAddRemovePlanPhase(t *testing.T) {
	got, err := AddPlanPhase(testPlan(), PlanPhase{ID: "p0", Name: "Kickoff"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3"}, phaseIDs(got))
	assertContiguous(t, phaseOrders(got))

	got, err = RemovePlanPhase(got, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p3"}, phaseIDs(got))
	assertContiguous(t, phaseOrders(got))

	_, err = AddPlanPhase(testPlan(), PlanPhase{ID: "p9"}, 0)
	assert.True(t, IsValidationError(err))

	_, err = AddPlanPhase(testPlan(), PlanPhase{ID: "p9", Name: "Bad", Steps: []PlanStep{{ID: "s"}}}, 0)
	assert.True(t, IsValidationError(err))
}

func TestReorderPlanSteps(t *testing.T) {
	plan := testPlan()

	got, err := ReorderPlanSteps(plan, "p1", []string{"s2", "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s2", got[0].Steps[0].ID)
	assert.Equal(t, "s1", got[0].Steps[1].ID)
	assert.Equal(t, "s1", plan[0].Steps[0].ID, "input steps must not be modified")

	_, err = ReorderPlanSteps(plan, "p9", nil)
	assert.ErrorIs(t, err, ErrPlanPhaseNotFound)

	_, err = ReorderPlanSteps(plan, "p1", []string{"s2", "s7"})
	assert.ErrorIs(t, err, ErrPlanStepNotFound)
}
