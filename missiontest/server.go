// Package missiontest provides an in-process fake of the mission backend for
// tests. It serves the command endpoints, an SSE stream and a WebSocket
// stream, records every command it receives, and emits only the events a test
// publishes. Nothing is confirmed automatically.
package missiontest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/semmission/mission"
)

// maxBodySize limits command request bodies.
const maxBodySize = 1 << 20

// Operation names recorded in Command.Op and accepted by FailNext.
const (
	OpStart     = "start"
	OpGet       = "get"
	OpPause     = "pause"
	OpResume    = "resume"
	OpCancel    = "cancel"
	OpDecision  = "decision"
	OpStream    = "events"
	OpWebSocket = "ws"
)

// Command is one command request received by the fake.
type Command struct {
	Op           string
	MissionID    string
	CheckpointID string
	RequestID    string
	Body         json.RawMessage
}

// Connect is one stream connection opened against the fake.
type Connect struct {
	MissionID   string
	Transport   string
	LastEventID string
}

// Server is a fake mission backend.
type Server struct {
	URL string

	srv      *httptest.Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	missions  map[string]*record
	nextID    int
	failures  map[string][]int
	commands  []Command
	connects  []Connect
	onCommand func(Command)
	heartbeat time.Duration
	snapshots bool
}

type record struct {
	ref     mission.Ref
	state   mission.StreamState
	history []mission.Event
	seq     int
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	events chan mission.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// NewServer starts a fake backend. Close it when the test ends.
func NewServer() *Server {
	s := &Server{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		missions: make(map[string]*record),
		failures: make(map[string][]int),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /missions", s.handleStart(mission.ModeMission))
	mux.HandleFunc("POST /panels", s.handleStart(mission.ModePanel))
	mux.HandleFunc("GET /{kind}/{id}", s.handleGet)
	mux.HandleFunc("POST /{kind}/{id}/{action}", s.handleControl)
	mux.HandleFunc("POST /{kind}/{id}/checkpoints/{checkpoint}", s.handleDecision)
	mux.HandleFunc("GET /{kind}/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /{kind}/{id}/ws", s.handleWebSocket)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	return s
}

// Close disconnects all streams and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, rec := range s.missions {
		for _, sub := range rec.subs {
			sub.close()
		}
	}
	s.mu.Unlock()
	s.srv.Close()
}

// CreateMission registers a mission without a start command, as if another
// client had started it.
func (s *Server) CreateMission(mode mission.Mode) mission.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(mode, 0)
}

func (s *Server) createLocked(mode mission.Mode, maxRevisions int) mission.Ref {
	s.nextID++
	prefix := "m"
	if mode == mission.ModePanel {
		prefix = "p"
	}
	ref := mission.Ref{Mode: mode, ID: fmt.Sprintf("%s-%d", prefix, s.nextID)}
	s.missions[ref.ID] = &record{
		ref:   ref,
		state: mission.NewState(ref, maxRevisions),
		subs:  make(map[int]*subscriber),
	}
	return ref
}

// OnCommand installs a hook called for every accepted command, before the
// response is written. Hooks typically Publish the confirming event.
func (s *Server) OnCommand(fn func(Command)) {
	s.mu.Lock()
	s.onCommand = fn
	s.mu.Unlock()
}

// FailNext makes the next request for op answer with status.
// Calls queue up: FailNext(OpStream, 503) twice fails two connects.
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], status)
	s.mu.Unlock()
}

// SetHeartbeat enables heartbeat frames on every stream. Zero disables them.
func (s *Server) SetHeartbeat(d time.Duration) {
	s.mu.Lock()
	s.heartbeat = d
	s.mu.Unlock()
}

// UseSnapshots makes reconnects with a Last-Event-ID receive a single
// state_snapshot instead of the missed events.
func (s *Server) UseSnapshots(enabled bool) {
	s.mu.Lock()
	s.snapshots = enabled
	s.mu.Unlock()
}

// Publish appends events to the mission history and fans them out to every
// connected stream. Events without an ID get the next sequence number.
func (s *Server) Publish(missionID string, events ...mission.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.missions[missionID]
	if !ok {
		panic(fmt.Sprintf("missiontest: unknown mission %q", missionID))
	}

	subs := make([]*subscriber, 0, len(rec.subs))
	for _, id := range sortedKeys(rec.subs) {
		subs = append(subs, rec.subs[id])
	}

	for _, ev := range events {
		rec.seq++
		if ev.ID == "" {
			ev.ID = strconv.Itoa(rec.seq)
		}
		if ev.MissionID == "" {
			ev.MissionID = missionID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		rec.state = mission.Reduce(rec.state, ev)
		rec.history = append(rec.history, ev)

		for _, sub := range subs {
			select {
			case sub.events <- ev:
			case <-sub.done:
			}
		}
	}
}

// Disconnect drops every open stream of the mission, as a network failure would.
func (s *Server) Disconnect(missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.missions[missionID]; ok {
		for _, sub := range rec.subs {
			sub.close()
		}
	}
}

// Commands returns every command received so far, in arrival order.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// CommandCount returns how many commands of op were received.
func (s *Server) CommandCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Connects returns every stream connection attempt that reached the handler.
func (s *Server) Connects() []Connect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.connects)
}

// Subscribers returns the number of open streams for the mission.
func (s *Server) Subscribers(missionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.missions[missionID]; ok {
		return len(rec.subs)
	}
	return 0
}

// State returns the server-side view of the mission, reduced from its history.
func (s *Server) State(missionID string) mission.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.missions[missionID]; ok {
		return rec.state
	}
	return mission.StreamState{}
}

func (s *Server) popFailure(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[op]
	if len(queue) == 0 {
		return 0
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Server) lookup(r *http.Request) (*record, bool) {
	kind := r.PathValue("kind")
	if kind != "missions" && kind != "panels" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.missions[r.PathValue("id")]
	return rec, ok
}

func (s *Server) record(r *http.Request, cmd Command) {
	cmd.RequestID = r.Header.Get("X-Request-ID")
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	hook := s.onCommand
	s.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
}

func (s *Server) handleStart(mode mission.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := s.popFailure(OpStart); status != 0 {
			writeError(w, status, "injected failure")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		var req mission.StartRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		req.Mode = mode
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		s.mu.Lock()
		ref := s.createLocked(mode, req.Config.MaxRevisions)
		s.mu.Unlock()

		s.record(r, Command{Op: OpStart, MissionID: ref.ID, Body: body})
		writeJSON(w, http.StatusCreated, map[string]string{"id": ref.ID})
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if status := s.popFailure(OpGet); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	rec, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "mission not found")
		return
	}

	s.mu.Lock()
	resp := map[string]any{
		"id":          rec.ref.ID,
		"mode":        rec.ref.Mode,
		"phase":       rec.state.Phase,
		"runState":    rec.state.RunState,
		"lastEventId": rec.state.LastEventID,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	switch action {
	case OpPause, OpResume, OpCancel:
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if status := s.popFailure(action); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	rec, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "mission not found")
		return
	}

	s.record(r, Command{Op: action, MissionID: rec.ref.ID})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if status := s.popFailure(OpDecision); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	rec, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "mission not found")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	s.record(r, Command{Op: OpDecision, MissionID: rec.ref.ID, CheckpointID: r.PathValue("checkpoint"), Body: body})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// subscribe registers a stream and returns the backlog it must send first.
// Registration and backlog are taken under one lock so nothing is missed or
// sent twice.
func (s *Server) subscribe(rec *record, conn Connect) (*subscriber, []mission.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects = append(s.connects, conn)

	var backlog []mission.Event
	switch {
	case conn.LastEventID != "" && s.snapshots:
		snap := mission.MustEvent(mission.EventStateSnapshot, mission.SnapshotPayload{State: rec.state})
		snap.ID = rec.state.LastEventID
		snap.MissionID = rec.ref.ID
		backlog = []mission.Event{snap}
	default:
		start := 0
		if conn.LastEventID != "" {
			if idx := slices.IndexFunc(rec.history, func(ev mission.Event) bool { return ev.ID == conn.LastEventID }); idx >= 0 {
				start = idx + 1
			}
		}
		backlog = slices.Clone(rec.history[start:])
	}

	sub := &subscriber{events: make(chan mission.Event, 256), done: make(chan struct{})}
	id := rec.nextSub
	rec.nextSub++
	rec.subs[id] = sub

	unsubscribe := func() {
		sub.close()
		s.mu.Lock()
		delete(rec.subs, id)
		s.mu.Unlock()
	}
	return sub, backlog, unsubscribe
}

func (s *Server) heartbeatChan() (<-chan time.Time, func()) {
	s.mu.Lock()
	d := s.heartbeat
	s.mu.Unlock()
	if d <= 0 {
		return nil, func() {}
	}
	ticker := time.NewTicker(d)
	return ticker.C, ticker.Stop
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if status := s.popFailure(OpStream); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	rec, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "mission not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, backlog, unsubscribe := s.subscribe(rec, Connect{
		MissionID:   rec.ref.ID,
		Transport:   OpStream,
		LastEventID: r.Header.Get("Last-Event-ID"),
	})
	defer unsubscribe()

	for _, ev := range backlog {
		if err := writeSSE(w, flusher, ev); err != nil {
			return
		}
	}

	heartbeat, stop := s.heartbeatChan()
	defer stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-heartbeat:
			if err := writeSSE(w, flusher, mission.Event{Type: mission.EventHeartbeat}); err != nil {
				return
			}
		case ev := <-sub.events:
			if err := writeSSE(w, flusher, ev); err != nil {
				s.logger.Debug("Client disconnected during event", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if status := s.popFailure(OpWebSocket); status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	rec, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "mission not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, backlog, unsubscribe := s.subscribe(rec, Connect{
		MissionID:   rec.ref.ID,
		Transport:   OpWebSocket,
		LastEventID: r.URL.Query().Get("lastEventId"),
	})
	defer unsubscribe()

	// Reads only detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.close()
				return
			}
		}
	}()

	for _, ev := range backlog {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	heartbeat, stop := s.heartbeatChan()
	defer stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case <-heartbeat:
			if err := conn.WriteJSON(mission.Event{Type: mission.EventHeartbeat}); err != nil {
				return
			}
		case ev := <-sub.events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// writeSSE writes one event frame; data is the JSON envelope.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev mission.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func sortedKeys(m map[int]*subscriber) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
