// Package controller runs one mission: it opens the event stream, folds every
// event into state through mission.Reduce, sends user commands, and notifies
// subscribers.
//
// Events are applied strictly one at a time. Subscribers run synchronously on
// the dispatch goroutine, so a subscriber must not call Controller mutators
// directly; hand the work to another goroutine instead.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/semmission/api"
	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/session"
	"github.com/c360studio/semmission/transport"
)

// DefaultCommandTimeout bounds a command when no timeout option is given.
const DefaultCommandTimeout = 10 * time.Second

// Sentinel errors for controller lifecycle misuse.
var (
	ErrNotStarted     = errors.New("controller not started")
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNoCommander    = errors.New("controller has no command client")
	ErrClosed         = errors.New("controller closed")
)

// Commander sends outbound commands. *api.Client implements it.
type Commander interface {
	StartMission(ctx context.Context, req mission.StartRequest) (mission.Ref, error)
	GetMission(ctx context.Context, ref mission.Ref) (*api.MissionStatus, error)
	Pause(ctx context.Context, ref mission.Ref) error
	Resume(ctx context.Context, ref mission.Ref) error
	Cancel(ctx context.Context, ref mission.Ref) error
	SubmitDecision(ctx context.Context, ref mission.Ref, checkpointID string, req api.DecisionRequest) error
}

// Update is delivered to subscribers after every state change. Event is set
// when the change came from the stream; CommandErr is set when a command
// failed and the state did not change because of it.
type Update struct {
	State      mission.StreamState
	Event      *mission.Event
	CommandErr error
}

// Controller owns the state of one mission.
type Controller struct {
	commander      Commander
	dialer         transport.Dialer
	logger         *slog.Logger
	retry          RetryConfig
	commandTimeout time.Duration
	maxReconnects  int
	store          session.Store
	metrics        *Metrics
	now            func() time.Time

	// dispatchMu serializes event application, local mutations and the
	// notifications they cause.
	dispatchMu sync.Mutex

	stateMu sync.RWMutex
	state   mission.StreamState

	subsMu  sync.Mutex
	subs    []subscription
	nextSub int

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	persistCh chan mission.StreamState
	persisted chan struct{}
}

type subscription struct {
	id int
	fn func(Update)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetry sets the connect retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Controller) {
		c.retry = cfg
	}
}

// WithCommandTimeout bounds each outbound command.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.commandTimeout = d
	}
}

// WithMaxReconnects sets how many reconnects are allowed in a row without
// receiving an event (default 1). With zero, a cleanly ended stream simply
// ends the run, which suits replaying a recorded log.
func WithMaxReconnects(n int) Option {
	return func(c *Controller) {
		c.maxReconnects = n
	}
}

// WithSessionStore caches the resume point after every event.
func WithSessionStore(store session.Store) Option {
	return func(c *Controller) {
		c.store = store
	}
}

// WithRegisterer registers the controller metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) {
		c.metrics = NewMetrics(reg)
	}
}

// WithClock sets the time source used for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller. commander may be nil for read-only use with Follow.
func New(commander Commander, dialer transport.Dialer, opts ...Option) *Controller {
	c := &Controller{
		commander:      commander,
		dialer:         dialer,
		logger:         slog.Default(),
		retry:          DefaultRetryConfig(),
		commandTimeout: DefaultCommandTimeout,
		maxReconnects:  1,
		now:            time.Now,
		done:           make(chan struct{}),
		persistCh:      make(chan mission.StreamState, 1),
		persisted:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Start creates a mission or panel and begins following it. A
// ValidationError means nothing was sent.
func (c *Controller) Start(ctx context.Context, req mission.StartRequest) (mission.Ref, error) {
	if c.commander == nil {
		return mission.Ref{}, ErrNoCommander
	}
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return mission.Ref{}, err
	}
	if c.isStarted() {
		return mission.Ref{}, ErrAlreadyStarted
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	ref, err := c.commander.StartMission(cmdCtx, req)
	if err != nil {
		c.metrics.commandFailures.WithLabelValues(api.OpStart).Inc()
		return mission.Ref{}, err
	}

	c.logger.Info("Mission started", "mission", ref.String())
	if err := c.launch(ctx, mission.NewState(ref, req.Config.MaxRevisions), ""); err != nil {
		return mission.Ref{}, err
	}
	return ref, nil
}

// Attach follows a mission that is already running on the server. A cached
// resume point, when present, lets the stream continue after the last
// applied event instead of replaying from the beginning. A mission the server
// no longer knows, or that has already finished, is evicted from the cache.
func (c *Controller) Attach(ctx context.Context, ref mission.Ref) error {
	if c.commander == nil {
		return ErrNoCommander
	}
	if c.isStarted() {
		return ErrAlreadyStarted
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	status, err := c.commander.GetMission(cmdCtx, ref)
	if err != nil {
		if api.IsNotFound(err) {
			c.evict(ctx, ref.ID)
		}
		return err
	}
	if status.IsTerminal() {
		c.evict(ctx, ref.ID)
		return fmt.Errorf("%w: %s is %s", mission.ErrMissionTerminated, ref, status.Phase)
	}
	if status.Mode.IsValid() {
		ref.Mode = status.Mode
	}

	state := mission.NewState(ref, 0)
	lastEventID := ""
	if entry := c.cached(ctx, ref.ID); entry != nil && entry.State != nil && entry.LastEventID != "" {
		state = *entry.State
		lastEventID = entry.LastEventID
		c.logger.Debug("Resuming from cache", "mission", ref.String(), "last_event_id", lastEventID)
	}

	return c.launch(ctx, state, lastEventID)
}

// Follow streams a mission without contacting the command API, resuming
// after lastEventID when it is set. It is used for recorded logs.
func (c *Controller) Follow(ctx context.Context, ref mission.Ref, lastEventID string) error {
	if c.isStarted() {
		return ErrAlreadyStarted
	}
	return c.launch(ctx, mission.NewState(ref, 0), lastEventID)
}

func (c *Controller) isStarted() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.started
}

// launch publishes the initial state and starts the dispatch goroutine. The
// goroutine outlives ctx only until ctx is cancelled or Close is called.
func (c *Controller) launch(ctx context.Context, initial mission.StreamState, lastEventID string) error {
	c.lifeMu.Lock()
	if c.started {
		c.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.lifeMu.Unlock()

	c.dispatchMu.Lock()
	c.setState(initial)
	c.notify(Update{State: initial})
	c.dispatchMu.Unlock()

	go c.persistLoop()
	go c.run(runCtx, initial.Ref(), lastEventID)
	return nil
}

// Snapshot returns the current state. Slices in the snapshot are shared and
// must not be modified.
func (c *Controller) Snapshot() mission.StreamState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(s mission.StreamState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Subscribe registers fn for every subsequent update, in subscription order.
// The returned function unsubscribes.
func (c *Controller) Subscribe(fn func(Update)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	c.subsMu.Unlock()
	c.metrics.subscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			c.subs = slices.DeleteFunc(c.subs, func(s subscription) bool { return s.id == id })
			c.subsMu.Unlock()
			c.metrics.subscribers.Dec()
		})
	}
}

// notify must be called with dispatchMu held.
func (c *Controller) notify(u Update) {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()

	for _, sub := range subs {
		c.deliver(sub, u)
	}
}

func (c *Controller) deliver(sub subscription, u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Subscriber panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	sub.fn(u)
}

// Done is closed when the dispatch loop has ended.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the dispatch loop ends or ctx is done and returns the
// final state. A run that ended because the stream could not be kept open
// returns the transport error.
func (c *Controller) Wait(ctx context.Context) (mission.StreamState, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
	c.lifeMu.Lock()
	err := c.runErr
	c.lifeMu.Unlock()
	return c.Snapshot(), err
}

// Close stops the dispatch loop and waits for it to exit. The mission keeps
// running on the server.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	started, cancel := c.started, c.cancel
	c.lifeMu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Controller) cached(ctx context.Context, missionID string) *session.Entry {
	if c.store == nil {
		return nil
	}
	entry, err := c.store.Get(ctx, missionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			c.logger.Warn("Failed to read session cache", "mission_id", missionID, "error", err)
		}
		return nil
	}
	return entry
}

func (c *Controller) evict(ctx context.Context, missionID string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, missionID); err != nil {
		c.logger.Warn("Failed to evict session", "mission_id", missionID, "error", err)
	}
}

// persistTimeout bounds one session cache write.
const persistTimeout = 2 * time.Second

// persist hands the latest state to the cache writer. Only the newest state
// is kept when the writer falls behind. Called with dispatchMu held, so the
// slot is always free after the drain.
func (c *Controller) persist(s mission.StreamState) {
	if c.store == nil || s.MissionID == "" {
		return
	}
	select {
	case <-c.persistCh:
	default:
	}
	c.persistCh <- s
}

// persistLoop writes cached states until stopPersist closes the queue.
func (c *Controller) persistLoop() {
	defer close(c.persisted)
	for s := range c.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if s.IsTerminal() {
			c.evict(ctx, s.MissionID)
		} else if err := c.store.Put(ctx, session.FromState(s, c.now())); err != nil {
			c.logger.Warn("Failed to cache session", "mission_id", s.MissionID, "error", err)
		}
		cancel()
	}
}

// stopPersist flushes the last queued state. Called once, from run.
func (c *Controller) stopPersist() {
	close(c.persistCh)
	<-c.persisted
}

// newID returns an identifier for client-created goals and plan phases.
func newID() string {
	return uuid.New().String()
}

var _ Commander = (*api.Client)(nil)

var _ io.Closer = (*Controller)(nil)
