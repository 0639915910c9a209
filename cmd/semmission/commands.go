package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semmission/controller"
	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/transport"
)

// withApp runs fn with a loaded App and a context cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// parseRef accepts "panel/<id>", "mission/<id>" or a bare ID in defaultMode.
func parseRef(s string, defaultMode mission.Mode) (mission.Ref, error) {
	mode, id, found := strings.Cut(s, "/")
	if !found {
		mode, id = string(defaultMode), s
	}
	ref := mission.Ref{Mode: mission.Mode(mode), ID: strings.TrimSpace(id)}
	if !ref.Mode.IsValid() {
		return mission.Ref{}, fmt.Errorf("unknown mode %q in %q", mode, s)
	}
	if ref.ID == "" {
		return mission.Ref{}, fmt.Errorf("missing mission id in %q", s)
	}
	return ref, nil
}

// watchOptions configure how a followed mission is shown.
type watchOptions struct {
	events      []string
	record      string
	interactive bool
}

func (o *watchOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&o.events, "events", "e", nil, "Only show event types matching these globs (e.g. checkpoint_*)")
	cmd.Flags().StringVar(&o.record, "record", "", "Append received events to this log for replay")
	cmd.Flags().BoolVarP(&o.interactive, "interactive", "i", false, "Prompt for checkpoint decisions and commands")
}

// follow prints updates from c until the mission ends, ctx is cancelled or
// the user quits. begin starts or attaches the controller after the printer
// is subscribed.
func (a *App) follow(ctx context.Context, c *controller.Controller, opts watchOptions, out io.Writer, prefix bool, begin func(context.Context) error) error {
	filter, err := newEventFilter(opts.events)
	if err != nil {
		return err
	}

	var rl *readline.Instance
	if opts.interactive {
		rl, err = readline.NewEx(&readline.Config{
			Prompt:          "> ",
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return fmt.Errorf("open prompt: %w", err)
		}
		defer rl.Close()
		out = rl.Stdout()
	}

	p := newPrinter(out, filter, a.logger)
	p.prefix = prefix
	if opts.record != "" {
		rec, err := transport.NewRecorder(opts.record)
		if err != nil {
			return err
		}
		defer rec.Close()
		p.recorder = rec
	}
	unsubscribe := c.Subscribe(p.Handle)
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	if err := begin(runCtx); err != nil {
		return err
	}

	if rl != nil {
		go func() {
			if err := runPrompt(runCtx, rl, c); err != nil && runCtx.Err() == nil {
				a.logger.Warn("Prompt stopped", "error", err)
			}
			cancel()
		}()
	}

	state, err := c.Wait(runCtx)
	stopped := runCtx.Err() != nil
	cancel()
	if rl != nil {
		rl.Close()
	}
	if stopped && !state.IsTerminal() {
		fmt.Fprintf(out, "stopped following %s at event %q\n", state.Ref(), state.LastEventID)
		return nil
	}
	if err != nil {
		return err
	}
	return finalStatus(state, out)
}

func finalStatus(s mission.StreamState, out io.Writer) error {
	fmt.Fprintf(out, "%s finished: phase=%s run=%s\n", s.Ref(), s.Phase, s.RunState)
	if s.Phase == mission.PhaseError {
		msg := "mission failed"
		if s.LastError != nil {
			msg = s.LastError.Message
		}
		return fmt.Errorf("%s: %s", s.Ref(), msg)
	}
	return nil
}

func startCmd(flags *globalFlags) *cobra.Command {
	var (
		mode      string
		agents    []string
		rounds    int
		threshold float64
		revisions int
		detach    bool
		opts      watchOptions
	)

	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a mission or panel and follow it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				req := mission.StartRequest{
					Mode:   mission.Mode(mode),
					Prompt: strings.Join(args, " "),
					Config: mission.StartConfig{
						Agents:             agents,
						MaxRounds:          rounds,
						ConsensusThreshold: threshold,
						MaxRevisions:       revisions,
					},
				}
				applyMissionDefaults(&req, a)

				dialer, err := a.dialer()
				if err != nil {
					return err
				}
				c := a.newController(dialer)
				out := cmd.OutOrStdout()

				if detach {
					defer c.Close()
					ref, err := c.Start(ctx, req)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, ref)
					return nil
				}
				return a.follow(ctx, c, opts, out, false, func(ctx context.Context) error {
					ref, err := c.Start(ctx, req)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "started %s\n", ref)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(mission.ModeMission), "mission or panel")
	cmd.Flags().StringSliceVarP(&agents, "agents", "a", nil, "Expert or agent IDs (panels need at least two)")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "Maximum panel rounds (default from config)")
	cmd.Flags().Float64Var(&threshold, "consensus", 0, "Consensus threshold between 0 and 1")
	cmd.Flags().IntVar(&revisions, "max-revisions", 0, "Deliverable revision cap (default from config)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Print the mission reference and exit")
	opts.bind(cmd)
	return cmd
}

// applyMissionDefaults fills unset tuning values from configuration.
func applyMissionDefaults(req *mission.StartRequest, a *App) {
	if req.Config.MaxRevisions == 0 {
		req.Config.MaxRevisions = a.cfg.Mission.MaxRevisions
	}
	if req.Mode == mission.ModePanel && req.Config.MaxRounds == 0 {
		req.Config.MaxRounds = a.cfg.Mission.MaxRounds
	}
	if req.Config.ConsensusThreshold == 0 {
		req.Config.ConsensusThreshold = a.cfg.Mission.ConsensusThreshold
	}
}

func watchCmd(flags *globalFlags) *cobra.Command {
	var (
		mode string
		opts watchOptions
	)

	cmd := &cobra.Command{
		Use:   "watch <mission>...",
		Short: "Follow running missions, resuming where the last session stopped",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]mission.Ref, 0, len(args))
			for _, arg := range args {
				ref, err := parseRef(arg, mission.Mode(mode))
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			if opts.interactive && len(refs) > 1 {
				return errors.New("--interactive follows a single mission")
			}

			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				dialer, err := a.dialer()
				if err != nil {
					return err
				}
				out := &syncWriter{w: cmd.OutOrStdout()}

				g, gctx := errgroup.WithContext(ctx)
				for _, ref := range refs {
					g.Go(func() error {
						c := a.newController(dialer)
						return a.follow(gctx, c, opts, out, len(refs) > 1, func(ctx context.Context) error {
							return c.Attach(ctx, ref)
						})
					})
				}
				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(mission.ModeMission), "Mode for IDs given without a mode prefix")
	opts.bind(cmd)
	return cmd
}

func controlCmd(flags *globalFlags, op, short string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   op + " <mission>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], mission.Mode(mode))
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				switch op {
				case "pause":
					err = a.client.Pause(ctx, ref)
				case "resume":
					err = a.client.Resume(ctx, ref)
				case "cancel":
					err = a.client.Cancel(ctx, ref)
				}
				if err != nil {
					return err
				}
				if op == "cancel" {
					if err := a.store.Delete(ctx, ref.ID); err != nil {
						a.logger.Warn("Failed to drop resume point", "mission", ref, "error", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s sent\n", ref, op)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(mission.ModeMission), "Mode for IDs given without a mode prefix")
	return cmd
}

func decideCmd(flags *globalFlags) *cobra.Command {
	var (
		mode     string
		feedback string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "decide <mission> <checkpoint> <accept|revise|reject>",
		Short: "Resolve a checkpoint",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], mission.Mode(mode))
			if err != nil {
				return err
			}
			res, err := parseResolution(args[2])
			if err != nil {
				return err
			}
			d := mission.Decision{Resolution: res, Feedback: feedback}
			if res == mission.ResolutionRevised && feedback == "" {
				return errors.New("revise needs --feedback")
			}
			checkpointID := args[1]

			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				dialer, err := a.dialer()
				if err != nil {
					return err
				}
				c := a.newController(dialer)
				defer c.Close()

				seen := make(chan error, 1)
				unsubscribe := c.Subscribe(func(u controller.Update) {
					if cp, ok := u.State.Checkpoint(checkpointID); ok {
						var err error
						if !cp.IsPending() {
							err = fmt.Errorf("checkpoint %s is already %s", checkpointID, cp.Status)
						}
						select {
						case seen <- err:
						default:
						}
					}
				})
				defer unsubscribe()

				if err := c.Attach(ctx, ref); err != nil {
					return err
				}

				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				select {
				case err := <-seen:
					if err != nil {
						return err
					}
				case <-c.Done():
					_, err := c.Wait(ctx)
					if err == nil {
						err = fmt.Errorf("%s ended before checkpoint %s arrived", ref, checkpointID)
					}
					return err
				case <-waitCtx.Done():
					return fmt.Errorf("checkpoint %s not seen on %s: %w", checkpointID, ref, waitCtx.Err())
				}

				if err := c.SubmitCheckpointDecision(ctx, checkpointID, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: checkpoint %s %s\n", ref, checkpointID, res)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(mission.ModeMission), "Mode for IDs given without a mode prefix")
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "Feedback sent with the decision")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the checkpoint to appear on the stream")
	return cmd
}

func parseResolution(s string) (mission.Resolution, error) {
	switch strings.ToLower(s) {
	case "accept", "accepted":
		return mission.ResolutionAccepted, nil
	case "revise", "revised":
		return mission.ResolutionRevised, nil
	case "reject", "rejected":
		return mission.ResolutionRejected, nil
	}
	return "", fmt.Errorf("unknown resolution %q: want accept, revise or reject", s)
}

func replayCmd(flags *globalFlags) *cobra.Command {
	var (
		mode      string
		missionID string
		after     string
		tail      bool
		events    []string
	)

	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Rebuild mission state from a recorded event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				dialer := transport.NewFile(args[0], tail, transport.WithLogger(a.logger))
				c := controller.New(nil, dialer,
					controller.WithLogger(a.logger),
					controller.WithMaxReconnects(0),
					controller.WithRegisterer(a.registry),
				)
				ref := mission.Ref{Mode: mission.Mode(mode), ID: missionID}
				opts := watchOptions{events: events}
				return a.follow(ctx, c, opts, cmd.OutOrStdout(), false, func(ctx context.Context) error {
					return c.Follow(ctx, ref, after)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(mission.ModeMission), "mission or panel")
	cmd.Flags().StringVar(&missionID, "mission", "", "Only replay events for this mission ID")
	cmd.Flags().StringVar(&after, "after", "", "Skip events up to and including this event ID")
	cmd.Flags().BoolVar(&tail, "follow", false, "Keep reading as the log grows")
	cmd.Flags().StringSliceVarP(&events, "events", "e", nil, "Only show event types matching these globs")
	return cmd
}

func sessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List cached resume points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				entries, err := a.store.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MISSION\tLAST EVENT\tPHASE\tUPDATED")
				for _, e := range entries {
					phase := mission.Phase("")
					if e.State != nil {
						phase = e.State.Phase
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Ref(), e.LastEventID, phase, e.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "forget <mission-id>",
		Short: "Drop a cached resume point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *App) error {
				return a.store.Delete(ctx, args[0])
			})
		},
	})
	return cmd
}
