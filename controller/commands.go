package controller

import (
	"context"
	"fmt"
	"slices"

	"github.com/c360studio/semmission/api"
	"github.com/c360studio/semmission/mission"
)

// Pause asks the server to pause. RunState changes only when the
// panel_paused event arrives.
func (c *Controller) Pause(ctx context.Context) error {
	return c.control(ctx, api.OpPause, c.commanderFunc(Commander.Pause))
}

// Resume asks the server to resume a paused mission.
func (c *Controller) Resume(ctx context.Context) error {
	return c.control(ctx, api.OpResume, c.commanderFunc(Commander.Resume))
}

// Cancel asks the server to cancel. Cancellation is cooperative: events for
// work already in flight may still arrive before panel_cancelled.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.control(ctx, api.OpCancel, c.commanderFunc(Commander.Cancel))
}

func (c *Controller) commanderFunc(fn func(Commander, context.Context, mission.Ref) error) func(context.Context, mission.Ref) error {
	return func(ctx context.Context, ref mission.Ref) error {
		return fn(c.commander, ctx, ref)
	}
}

func (c *Controller) control(ctx context.Context, op string, send func(context.Context, mission.Ref) error) error {
	s, err := c.commandState()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	if err := send(ctx, s.Ref()); err != nil {
		c.commandFailed(op, err)
		return err
	}
	c.logger.Debug("Command accepted", "op", op, "mission_id", s.MissionID)
	return nil
}

// commandState returns the state a command applies to, or the reason no
// command can be sent.
func (c *Controller) commandState() (mission.StreamState, error) {
	if c.commander == nil {
		return mission.StreamState{}, ErrNoCommander
	}
	if !c.isStarted() {
		return mission.StreamState{}, ErrNotStarted
	}
	s := c.Snapshot()
	if s.IsTerminal() {
		return s, mission.ErrMissionTerminated
	}
	c.lifeMu.Lock()
	runErr := c.runErr
	c.lifeMu.Unlock()
	if runErr != nil {
		return s, fmt.Errorf("%w: %w", mission.ErrMissionTerminated, runErr)
	}
	select {
	case <-c.done:
		return s, ErrClosed
	default:
	}
	return s, nil
}

// commandFailed tells subscribers about a failed command. State is unchanged.
func (c *Controller) commandFailed(op string, err error) {
	c.metrics.commandFailures.WithLabelValues(op).Inc()
	c.logger.Warn("Command failed", "op", op, "error", err)

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.notify(Update{State: c.Snapshot(), CommandErr: err})
}

// SubmitCheckpointDecision resolves a pending checkpoint. The checkpoint is
// marked resolved (optimistically) before the request is sent and re-opened
// if the request fails. Goal and plan decisions carry the current, possibly
// edited, goal list or plan.
func (c *Controller) SubmitCheckpointDecision(ctx context.Context, checkpointID string, d mission.Decision) error {
	if _, err := c.commandState(); err != nil {
		return err
	}

	c.dispatchMu.Lock()
	s := c.Snapshot()
	next, err := mission.ResolveOptimistic(s, checkpointID, d, c.now())
	if err != nil {
		c.dispatchMu.Unlock()
		return err
	}
	cp, _ := s.Checkpoint(checkpointID)
	req := api.DecisionRequest{Resolution: d.Resolution, Feedback: d.Feedback}
	switch cp.Kind {
	case mission.CheckpointGoal:
		req.Goals = slices.Clone(s.Goals)
	case mission.CheckpointPlan:
		req.Plan = slices.Clone(s.PlanPhases)
	}
	c.setState(next)
	c.notify(Update{State: next})
	c.dispatchMu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	if err := c.commander.SubmitDecision(cmdCtx, s.Ref(), checkpointID, req); err != nil {
		c.metrics.commandFailures.WithLabelValues(api.OpDecision).Inc()
		c.logger.Warn("Checkpoint decision failed", "mission_id", s.MissionID, "checkpoint_id", checkpointID, "error", err)

		c.dispatchMu.Lock()
		reverted, ok := mission.RevertOptimistic(c.Snapshot(), checkpointID)
		if ok {
			c.setState(reverted)
		}
		c.notify(Update{State: c.Snapshot(), CommandErr: err})
		c.dispatchMu.Unlock()
		return err
	}

	c.logger.Debug("Checkpoint decision accepted",
		"mission_id", s.MissionID,
		"checkpoint_id", checkpointID,
		"resolution", d.Resolution)
	return nil
}
