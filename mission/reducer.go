package mission

import (
	"fmt"
	"slices"
)

// maxWarnings bounds StreamState.Warnings; older entries are dropped first.
const maxWarnings = 20

// Reduce folds one event into state and returns the next state.
//
// Reduce is pure: it performs no I/O, never mutates state (slices are copied
// before they change) and returns the same output for the same inputs. Events
// must be applied in delivery order; Reduce does not buffer or reorder.
// Unknown event types and malformed payloads are recorded in LastError and the
// rest of the state is kept.
func Reduce(state StreamState, ev Event) StreamState {
	// Re-delivery of the event we just applied is a no-op.
	if ev.ID != "" && ev.ID == state.LastEventID {
		return state
	}

	next := state
	if ev.ID != "" {
		next.LastEventID = ev.ID
	}
	if !ev.Timestamp.IsZero() {
		if next.StartedAt.IsZero() {
			next.StartedAt = ev.Timestamp
		}
		next.UpdatedAt = ev.Timestamp
	}

	reduced, err := apply(next, ev)
	if err != nil {
		return withProtocolError(next, ev, err)
	}
	return reduced
}

func apply(s StreamState, ev Event) (StreamState, error) {
	switch ev.Type {
	case EventMissionStarted, EventPanelStarted:
		return applyStarted(s, ev)
	case EventPanelStatus, EventPhaseChanged:
		p, err := decodePayload[StatusPayload](ev)
		if err != nil {
			return s, err
		}
		if !p.Phase.IsValid() {
			return s, protocolErr(ev, "unknown phase %q", p.Phase)
		}
		return transition(s, p.Phase, ev.Type), nil
	case EventExpertsSelected:
		p, err := decodePayload[ExpertsSelectedPayload](ev)
		if err != nil {
			return s, err
		}
		s.Experts = slices.Clone(p.Experts)
		if s.Mode != ModePanel {
			s = advance(s, PhaseTeamAssembly)
		}
		return s, nil
	case EventRoundStarted, EventTurnStarted:
		return applyRoundStarted(s, ev)
	case EventExpertResponse:
		return applyResponse(s, ev, ResponseKindResponse)
	case EventArgument:
		return applyResponse(s, ev, ResponseKindArgument)
	case EventRebuttal:
		return applyResponse(s, ev, ResponseKindRebuttal)
	case EventDebateExchange:
		return applyResponse(s, ev, ResponseKindExchange)
	case EventRoundComplete:
		p, err := decodePayload[RoundPayload](ev)
		if err != nil {
			return s, err
		}
		if !slices.Contains(s.CompletedRounds, p.RoundNumber) {
			s.CompletedRounds = append(slices.Clone(s.CompletedRounds), p.RoundNumber)
		}
		return s, nil
	case EventConsensusUpdate:
		c, err := decodePayload[ConsensusState](ev)
		if err != nil {
			return s, err
		}
		if err := validateConsensus(ev, c); err != nil {
			return s, err
		}
		c.DissentingExpertIDs = dedupeSorted(c.DissentingExpertIDs)
		s.Consensus = &c
		return s, nil
	case EventCheckpointReached:
		return applyCheckpointReached(s, ev)
	case EventCheckpointResolved:
		return applyCheckpointResolved(s, ev)
	case EventDeliverableUpdate:
		d, err := decodePayload[Deliverable](ev)
		if err != nil {
			return s, err
		}
		if err := validateDeliverable(ev, d); err != nil {
			return s, err
		}
		s.Deliverables = upsertDeliverable(s.Deliverables, d)
		if d.Status == DeliverableGenerating && s.Phase == PhaseExecution {
			s = advance(s, PhaseDeliverableGeneration)
		}
		return s, nil
	case EventSynthesis, EventSynthesisComplete:
		p, err := decodePayload[SynthesisPayload](ev)
		if err != nil {
			return s, err
		}
		s.Synthesis = p.Content
		if s.Mode == ModePanel {
			s = advance(s, PhasePanelSynthesis)
		}
		return s, nil
	case EventPanelCompleted, EventMissionCompleted:
		if _, err := decodeOptional[CompletedPayload](ev); err != nil {
			return s, err
		}
		return transition(s, PhaseCompleted, ev.Type), nil
	case EventPanelPaused:
		if s.RunState != RunStateCancelled {
			s.RunState = RunStatePaused
		}
		return s, nil
	case EventPanelResumed:
		if s.RunState != RunStateCancelled {
			s.RunState = RunStateRunning
		}
		return s, nil
	case EventPanelCancelled:
		s.RunState = RunStateCancelled
		return transition(s, PhaseCancelled, ev.Type), nil
	case EventError:
		p, err := decodePayload[ErrorPayload](ev)
		if err != nil {
			return s, err
		}
		s.LastError = &StreamError{
			Kind:      ErrorKindServer,
			Message:   p.Message,
			Code:      p.Code,
			EventType: ev.Type,
			EventID:   ev.ID,
			Fatal:     p.Fatal,
		}
		s.RunState = RunStateError
		if p.Fatal {
			s = transition(s, PhaseError, ev.Type)
		}
		return s, nil
	case EventStateSnapshot:
		p, err := decodePayload[SnapshotPayload](ev)
		if err != nil {
			return s, err
		}
		snap := p.State
		if !snap.Phase.IsValid() {
			return s, protocolErr(ev, "snapshot has unknown phase %q", snap.Phase)
		}
		if snap.MissionID == "" {
			snap.MissionID = s.MissionID
		}
		if snap.Mode == "" {
			snap.Mode = s.Mode
		}
		if snap.MaxRevisions <= 0 {
			snap.MaxRevisions = s.MaxRevisions
		}
		snap.LastEventID = s.LastEventID
		return snap, nil
	case EventHeartbeat, EventConnected, EventSyncComplete:
		return s, nil
	default:
		return s, &ProtocolError{EventType: ev.Type, EventID: ev.ID, Err: ErrUnknownEventType}
	}
}

func applyStarted(s StreamState, ev Event) (StreamState, error) {
	p, err := decodeOptional[StartedPayload](ev)
	if err != nil {
		return s, err
	}
	switch {
	case p.Mode.IsValid():
		s.Mode = p.Mode
	case ev.Type == EventPanelStarted:
		s.Mode = ModePanel
	case s.Mode == "":
		s.Mode = ModeMission
	}
	if ev.MissionID != "" {
		s.MissionID = ev.MissionID
	}
	if p.MaxRevisions > 0 {
		s.MaxRevisions = p.MaxRevisions
	}
	if len(p.Experts) > 0 {
		s.Experts = slices.Clone(p.Experts)
	}
	if s.RunState == "" || s.RunState == RunStateError {
		s.RunState = RunStateRunning
	}
	target := PhaseGoalParsing
	if s.Mode == ModePanel {
		target = PhasePanelDiscussion
	}
	// A replayed start after a reconnect must not drag the phase backwards.
	return advance(s, target), nil
}

func applyRoundStarted(s StreamState, ev Event) (StreamState, error) {
	p, err := decodePayload[RoundPayload](ev)
	if err != nil {
		return s, err
	}
	if p.RoundNumber < 0 {
		return s, protocolErr(ev, "roundNumber must not be negative, got %d", p.RoundNumber)
	}
	if s.Mode == ModePanel {
		s = advance(s, PhasePanelDiscussion)
	}
	if p.RoundNumber == s.Round {
		return s, nil
	}
	if len(s.Responses) > 0 || s.Consensus != nil {
		s.RoundHistory = append(slices.Clone(s.RoundHistory), RoundSummary{
			RoundNumber: s.Round,
			Responses:   s.Responses,
			Consensus:   s.Consensus,
		})
	}
	s.Round = p.RoundNumber
	s.Responses = nil
	s.Consensus = nil
	return s, nil
}

func applyResponse(s StreamState, ev Event, kind ResponseKind) (StreamState, error) {
	r, err := decodePayload[ExpertResponse](ev)
	if err != nil {
		return s, err
	}
	if err := validateResponse(ev, r); err != nil {
		return s, err
	}
	if r.Kind == "" {
		r.Kind = kind
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = ev.Timestamp
	}
	r.Citations = slices.Clone(r.Citations)

	key := r.key()
	responses := slices.Clone(s.Responses)
	if idx := slices.IndexFunc(responses, func(existing ExpertResponse) bool { return existing.key() == key }); idx >= 0 {
		responses[idx] = r
	} else {
		responses = append(responses, r)
	}
	s.Responses = responses
	return s, nil
}

func applyCheckpointReached(s StreamState, ev Event) (StreamState, error) {
	p, err := decodePayload[CheckpointReachedPayload](ev)
	if err != nil {
		return s, err
	}
	if p.ID == "" {
		return s, protocolErr(ev, "checkpoint id is required")
	}
	if !p.Kind.IsValid() {
		return s, protocolErr(ev, "unknown checkpoint kind %q", p.Kind)
	}
	for _, d := range p.Payload.Deliverables {
		if err := validateDeliverable(ev, d); err != nil {
			return s, err
		}
	}

	cp := Checkpoint{
		ID:        p.ID,
		Kind:      p.Kind,
		Payload:   clonePayload(p.Payload),
		Status:    CheckpointPending,
		CreatedAt: ev.Timestamp,
	}

	// Last write wins: a same-ID re-delivery or another pending checkpoint of
	// the same kind is replaced in place.
	checkpoints := slices.Clone(s.Checkpoints)
	idx := slices.IndexFunc(checkpoints, func(existing Checkpoint) bool { return existing.ID == cp.ID })
	if idx < 0 {
		idx = slices.IndexFunc(checkpoints, func(existing Checkpoint) bool {
			return existing.Kind == cp.Kind && existing.IsPending()
		})
	}
	if idx >= 0 {
		checkpoints[idx] = cp
	} else {
		checkpoints = append(checkpoints, cp)
	}
	s.Checkpoints = checkpoints

	switch p.Kind {
	case CheckpointGoal:
		if len(p.Payload.Goals) > 0 {
			s.Goals = NormalizeGoals(p.Payload.Goals)
			s.GoalsOptimistic = false
		}
	case CheckpointPlan:
		if len(p.Payload.Plan) > 0 {
			s.PlanPhases = NormalizePlan(p.Payload.Plan)
			s.PlanOptimistic = false
		}
	case CheckpointDeliverable:
		for _, d := range p.Payload.Deliverables {
			s.Deliverables = upsertDeliverable(s.Deliverables, d)
		}
	}

	return transition(s, p.Kind.WaitingPhase(), ev.Type), nil
}

func applyCheckpointResolved(s StreamState, ev Event) (StreamState, error) {
	p, err := decodePayload[CheckpointResolvedPayload](ev)
	if err != nil {
		return s, err
	}
	if p.ID == "" {
		return s, protocolErr(ev, "checkpoint id is required")
	}
	if !p.Resolution.IsValid() {
		return s, protocolErr(ev, "unknown resolution %q", p.Resolution)
	}

	decision := &Decision{Resolution: p.Resolution, Feedback: p.Feedback}
	checkpoints := slices.Clone(s.Checkpoints)
	idx := slices.IndexFunc(checkpoints, func(existing Checkpoint) bool { return existing.ID == p.ID })

	var cp Checkpoint
	alreadyConfirmed := false
	if idx >= 0 {
		cp = checkpoints[idx]
		alreadyConfirmed = cp.Status == CheckpointResolved && !cp.Optimistic &&
			cp.Resolution != nil && *cp.Resolution == *decision
	} else {
		// Resolution for a checkpoint we never saw (out-of-order delivery):
		// record it so a late checkpoint_reached for the same ID re-opens it.
		kind := p.Kind
		if !kind.IsValid() {
			return s, protocolErr(ev, "unknown checkpoint %q without a valid kind", p.ID)
		}
		cp = Checkpoint{ID: p.ID, Kind: kind, CreatedAt: ev.Timestamp}
	}
	if p.Kind.IsValid() && p.Kind != cp.Kind {
		return s, protocolErr(ev, "checkpoint %q is kind %q, event says %q", p.ID, cp.Kind, p.Kind)
	}

	cp.Status = CheckpointResolved
	cp.Resolution = decision
	cp.Optimistic = false
	cp.ResolvedAt = ev.Timestamp
	if idx >= 0 {
		checkpoints[idx] = cp
	} else {
		checkpoints = append(checkpoints, cp)
	}
	s.Checkpoints = checkpoints

	switch cp.Kind {
	case CheckpointGoal:
		if len(p.Goals) > 0 {
			s.Goals = NormalizeGoals(p.Goals)
		}
		s.GoalsOptimistic = false
	case CheckpointPlan:
		if len(p.Plan) > 0 {
			s.PlanPhases = NormalizePlan(p.Plan)
		}
		s.PlanOptimistic = false
	case CheckpointDeliverable:
		if !alreadyConfirmed {
			s.Deliverables = markDeliverables(s.Deliverables, cp.Payload.Deliverables, p.Resolution)
			if p.Resolution == ResolutionRevised {
				s.RevisionCount++
			}
		}
	}

	if target := afterResolution(cp.Kind, p.Resolution); target != "" {
		s = transition(s, target, ev.Type)
	}
	return s, nil
}

// transition moves to target when the phase graph allows it and records a
// warning otherwise.
func transition(s StreamState, target Phase, cause EventType) StreamState {
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	if s.Phase.CanTransitionTo(target) {
		s.Phase = target
		return s
	}
	return withWarning(s, fmt.Sprintf("%s: %v: %s -> %s", cause, ErrInvalidTransition, s.Phase, target))
}

// advance moves forward to target when allowed and silently stays otherwise.
func advance(s StreamState, target Phase) StreamState {
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	if s.Phase.CanTransitionTo(target) {
		s.Phase = target
	}
	return s
}

func withWarning(s StreamState, msg string) StreamState {
	if n := len(s.Warnings); n > 0 && s.Warnings[n-1] == msg {
		return s
	}
	warnings := append(slices.Clone(s.Warnings), msg)
	if len(warnings) > maxWarnings {
		warnings = warnings[len(warnings)-maxWarnings:]
	}
	s.Warnings = warnings
	return s
}

func withProtocolError(s StreamState, ev Event, err error) StreamState {
	s.LastError = &StreamError{
		Kind:      ErrorKindProtocol,
		Message:   err.Error(),
		EventType: ev.Type,
		EventID:   ev.ID,
	}
	return s
}

func upsertDeliverable(list []Deliverable, d Deliverable) []Deliverable {
	out := slices.Clone(list)
	if idx := slices.IndexFunc(out, func(existing Deliverable) bool { return existing.ID == d.ID }); idx >= 0 {
		out[idx] = d
		return out
	}
	return append(out, d)
}

// markDeliverables sets the review outcome on the deliverables a checkpoint covered.
func markDeliverables(list, reviewed []Deliverable, resolution Resolution) []Deliverable {
	var status DeliverableStatus
	switch resolution {
	case ResolutionAccepted:
		status = DeliverableApproved
	case ResolutionRevised:
		status = DeliverableRevisionRequested
	default:
		return list
	}
	ids := make(map[string]bool, len(reviewed))
	for _, d := range reviewed {
		ids[d.ID] = true
	}
	out := slices.Clone(list)
	for i := range out {
		if len(ids) == 0 || ids[out[i].ID] {
			out[i].Status = status
		}
	}
	return out
}

func clonePayload(p CheckpointPayload) CheckpointPayload {
	return CheckpointPayload{
		Goals:        NormalizeGoals(p.Goals),
		Plan:         NormalizePlan(p.Plan),
		Deliverables: slices.Clone(p.Deliverables),
		Summary:      p.Summary,
	}
}

func dedupeSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
