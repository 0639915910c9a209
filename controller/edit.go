package controller

import (
	"slices"

	"github.com/c360studio/semmission/mission"
)

// Goal and plan edits stay local until they are sent with the goal or plan
// checkpoint decision. The edited list is flagged optimistic and replaced by
// whatever the server confirms.

// EditGoals replaces the goal list with fn's result. fn receives a copy.
func (c *Controller) EditGoals(fn func([]mission.MissionGoal) []mission.MissionGoal) error {
	return c.editGoals(func(goals []mission.MissionGoal) ([]mission.MissionGoal, error) {
		return fn(goals), nil
	})
}

// ReorderGoals puts the goals in the order of ids.
func (c *Controller) ReorderGoals(ids []string) error {
	return c.editGoals(func(goals []mission.MissionGoal) ([]mission.MissionGoal, error) {
		return mission.ReorderGoals(goals, ids)
	})
}

// AddGoal inserts g at position at (clamped). A goal without an ID gets one.
func (c *Controller) AddGoal(g mission.MissionGoal, at int) (mission.MissionGoal, error) {
	if g.ID == "" {
		g.ID = newID()
	}
	err := c.editGoals(func(goals []mission.MissionGoal) ([]mission.MissionGoal, error) {
		return mission.AddGoal(goals, g, at)
	})
	return g, err
}

// RemoveGoal deletes the goal with the given ID.
func (c *Controller) RemoveGoal(id string) error {
	return c.editGoals(func(goals []mission.MissionGoal) ([]mission.MissionGoal, error) {
		return mission.RemoveGoal(goals, id)
	})
}

// UpdateGoal replaces the goal with g.ID, keeping its position.
func (c *Controller) UpdateGoal(g mission.MissionGoal) error {
	return c.editGoals(func(goals []mission.MissionGoal) ([]mission.MissionGoal, error) {
		return mission.UpdateGoal(goals, g)
	})
}

func (c *Controller) editGoals(edit func([]mission.MissionGoal) ([]mission.MissionGoal, error)) error {
	return c.mutate(func(s mission.StreamState) (mission.StreamState, error) {
		goals, err := edit(slices.Clone(s.Goals))
		if err != nil {
			return s, err
		}
		return mission.WithGoals(s, goals)
	})
}

// EditPlan replaces the plan with fn's result. fn receives a copy.
func (c *Controller) EditPlan(fn func([]mission.PlanPhase) []mission.PlanPhase) error {
	return c.editPlan(func(phases []mission.PlanPhase) ([]mission.PlanPhase, error) {
		return fn(phases), nil
	})
}

// ReorderPlanPhases puts the plan phases in the order of ids.
func (c *Controller) ReorderPlanPhases(ids []string) error {
	return c.editPlan(func(phases []mission.PlanPhase) ([]mission.PlanPhase, error) {
		return mission.ReorderPlanPhases(phases, ids)
	})
}

// AddPlanPhase inserts p at position at (clamped). A phase without an ID gets one.
func (c *Controller) AddPlanPhase(p mission.PlanPhase, at int) (mission.PlanPhase, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	err := c.editPlan(func(phases []mission.PlanPhase) ([]mission.PlanPhase, error) {
		return mission.AddPlanPhase(phases, p, at)
	})
	return p, err
}

// RemovePlanPhase deletes the plan phase with the given ID.
func (c *Controller) RemovePlanPhase(id string) error {
	return c.editPlan(func(phases []mission.PlanPhase) ([]mission.PlanPhase, error) {
		return mission.RemovePlanPhase(phases, id)
	})
}

// ReorderPlanSteps puts the steps of one phase in the order of stepIDs.
func (c *Controller) ReorderPlanSteps(phaseID string, stepIDs []string) error {
	return c.editPlan(func(phases []mission.PlanPhase) ([]mission.PlanPhase, error) {
		return mission.ReorderPlanSteps(phases, phaseID, stepIDs)
	})
}

func (c *Controller) editPlan(edit func([]mission.PlanPhase) ([]mission.PlanPhase, error)) error {
	return c.mutate(func(s mission.StreamState) (mission.StreamState, error) {
		phases, err := edit(slices.Clone(s.PlanPhases))
		if err != nil {
			return s, err
		}
		return mission.WithPlan(s, phases)
	})
}

// mutate applies a local change under the dispatch lock and notifies
// subscribers. Nothing is sent to the server.
func (c *Controller) mutate(fn func(mission.StreamState) (mission.StreamState, error)) error {
	if !c.isStarted() {
		return ErrNotStarted
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	next, err := fn(c.Snapshot())
	if err != nil {
		return err
	}
	next.UpdatedAt = c.now()
	c.setState(next)
	c.notify(Update{State: next})
	return nil
}
