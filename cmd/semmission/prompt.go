package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/c360studio/semmission/controller"
	"github.com/c360studio/semmission/mission"
)

const promptHelp = `commands:
  accept [checkpoint]              accept the pending checkpoint
  revise [checkpoint] <feedback>   request a revision
  reject [checkpoint] [feedback]   reject the checkpoint
  goals <id>...                    reorder goals before deciding
  phases <id>...                   reorder plan phases before deciding
  drop-goal <id>                   remove a goal
  pause | resume | cancel          control the mission
  status                           show phase and pending checkpoint
  quit                             stop following (the mission keeps running)`

var errQuit = errors.New("quit")

// promptCommand is one parsed line typed at the interactive prompt.
type promptCommand struct {
	verb string
	args []string
}

func parsePromptLine(line string) (promptCommand, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return promptCommand{}, false
	}
	return promptCommand{verb: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// decisionFromArgs resolves the checkpoint and feedback for accept, revise and
// reject. The first argument names a checkpoint only if the state has one by
// that ID; otherwise the latest pending checkpoint is used.
func decisionFromArgs(s mission.StreamState, res mission.Resolution, args []string) (string, mission.Decision, error) {
	var id string
	if len(args) > 0 {
		if _, ok := s.Checkpoint(args[0]); ok {
			id, args = args[0], args[1:]
		}
	}
	if id == "" {
		cp, ok := pendingCheckpoint(s)
		if !ok {
			return "", mission.Decision{}, errors.New("no checkpoint is waiting for a decision")
		}
		id = cp.ID
	}
	d := mission.Decision{Resolution: res, Feedback: strings.Join(args, " ")}
	if res == mission.ResolutionRevised && d.Feedback == "" {
		return "", mission.Decision{}, fmt.Errorf("%s needs feedback", res)
	}
	return id, d, nil
}

// runPrompt reads commands until quit, EOF or ctx is done. Mutators are
// called from this goroutine, never from a subscriber.
func runPrompt(ctx context.Context, rl *readline.Instance, c *controller.Controller) error {
	out := rl.Stdout()
	fmt.Fprintln(out, "type help for commands")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		cmd, ok := parsePromptLine(line)
		if !ok {
			continue
		}
		if err := execPrompt(ctx, c, cmd, out); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execPrompt(ctx context.Context, c *controller.Controller, cmd promptCommand, out io.Writer) error {
	switch cmd.verb {
	case "help", "?":
		fmt.Fprintln(out, promptHelp)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "status":
		s := c.Snapshot()
		fmt.Fprintf(out, "%s phase=%s run=%s revisions=%d/%d\n", s.Ref(), s.Phase, s.RunState, s.RevisionCount, s.MaxRevisions)
		if cp, ok := pendingCheckpoint(s); ok {
			fmt.Fprintf(out, "pending checkpoint %s (%s)\n", cp.ID, cp.Kind)
		}
		return nil
	case "pause":
		return c.Pause(ctx)
	case "resume":
		return c.Resume(ctx)
	case "cancel":
		return c.Cancel(ctx)
	case "goals":
		return c.ReorderGoals(cmd.args)
	case "phases":
		return c.ReorderPlanPhases(cmd.args)
	case "drop-goal":
		if len(cmd.args) != 1 {
			return errors.New("usage: drop-goal <id>")
		}
		return c.RemoveGoal(cmd.args[0])
	case "accept", "revise", "reject":
		res := map[string]mission.Resolution{
			"accept": mission.ResolutionAccepted,
			"revise": mission.ResolutionRevised,
			"reject": mission.ResolutionRejected,
		}[cmd.verb]
		id, d, err := decisionFromArgs(c.Snapshot(), res, cmd.args)
		if err != nil {
			return err
		}
		return c.SubmitCheckpointDecision(ctx, id, d)
	default:
		return fmt.Errorf("unknown command %q (type help)", cmd.verb)
	}
}
