// Package engine runs the fleet: it owns the shared knowledge map, the task
// queues and every agent, and advances them from a single tick loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-simulator/internal/deliverylog"
	"github.com/signalsfoundry/fleet-simulator/internal/fleet"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/planner"
	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

var (
	// ErrInvalidTask is returned by Submit for malformed tasks.
	ErrInvalidTask = model.ErrInvalidTask
	// ErrInvalidWorld is returned by New when the world cannot host a fleet.
	ErrInvalidWorld = errors.New("invalid world")
	// ErrInvalidFleet is returned by New for an empty or inconsistent fleet.
	ErrInvalidFleet = errors.New("invalid fleet")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrRunning is returned by Step while the tick loop is running.
	ErrRunning = errors.New("engine is running")
	// ErrStopped is returned by Step and Submit after Stop.
	ErrStopped = errors.New("engine stopped")
)

// AgentSpec describes one fleet member.
type AgentSpec struct {
	ID      string
	Profile model.CapabilityProfile
}

// Engine coordinates the fleet. Submit, Snapshot, Export,
// CompletedTaskCount and Stop are safe for concurrent use; everything else
// runs on the tick loop.
type Engine struct {
	cfg     Config
	world   model.World
	depot   model.Cell
	relay   model.Cell
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	clock   *timectrl.TimeController

	deliveries *deliverylog.Log
	sink       deliverylog.Sink

	// Owned by the tick loop.
	knowledge    *kb.KnowledgeMap
	agents       []*fleet.Agent
	queue        *TaskQueue
	pool         *TaskQueue
	handoffs     map[string]relayHandoff
	attempts     map[string]int
	positions    map[string]model.Cell
	env          *agentEnv
	now          time.Time
	lastDispatch time.Time
	dispatched   bool
	loopCtx      context.Context

	inboxMu sync.Mutex
	inbox   []model.Task
	seen    map[string]struct{}

	completed atomic.Int64
	snapshot  atomic.Pointer[FleetSnapshot]

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        <-chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// New validates the world and fleet, preloads the knowledge map with every
// road and a disc around each facility, and places agents at the depot.
func New(world model.World, specs []AgentSpec, opts ...Option) (*Engine, error) {
	if world == nil || world.Width() <= 0 || world.Height() <= 0 {
		return nil, fmt.Errorf("%w: grid must have positive dimensions", ErrInvalidWorld)
	}
	depot, relay := world.Depot(), world.RelayStation()
	for name, c := range map[string]model.Cell{"depot": depot, "relay station": relay} {
		if c.X < 0 || c.Y < 0 || c.X >= world.Width() || c.Y >= world.Height() {
			return nil, fmt.Errorf("%w: %s %s outside %dx%d grid", ErrInvalidWorld, name, c, world.Width(), world.Height())
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no agents", ErrInvalidFleet)
	}

	e := &Engine{
		cfg:          DefaultConfig(),
		world:        world,
		depot:        depot,
		relay:        relay,
		log:          logging.Noop(),
		metrics:      noopMetrics{},
		tracer:       otel.Tracer("github.com/signalsfoundry/fleet-simulator/internal/engine"),
		deliveries:   deliverylog.New(),
		knowledge:    kb.NewKnowledgeMap(world.Width(), world.Height()),
		queue:        newTaskQueue(),
		pool:         newTaskQueue(),
		handoffs:     make(map[string]relayHandoff),
		attempts:     make(map[string]int),
		positions:    make(map[string]model.Cell),
		seen:         make(map[string]struct{}),
		loopCtx:      context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.clock == nil {
		e.clock = timectrl.NewTimeController(time.Now().UTC(), e.cfg.Tick, e.cfg.Mode)
	} else {
		e.cfg.Tick = e.clock.Tick
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	e.log = e.log.With(logging.String("component", "engine"))
	e.env = &agentEnv{e: e}

	ids := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("%w: agent without id", ErrInvalidFleet)
		}
		if _, dup := ids[spec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate agent id %q", ErrInvalidFleet, spec.ID)
		}
		ids[spec.ID] = struct{}{}
		if err := spec.Profile.Validate(); err != nil {
			return nil, fmt.Errorf("%w: agent %s: %w", ErrInvalidFleet, spec.ID, err)
		}
		start := depot
		if c, ok := e.positions[spec.ID]; ok {
			start = c
		}
		e.agents = append(e.agents, fleet.NewAgent(spec.ID, spec.Profile, start,
			fleet.WithExplorationRadius(e.cfg.ExplorationRadius),
			fleet.WithLogger(e.log),
		))
	}

	e.knowledge.Merge(kb.RoadFragment(world))
	e.knowledge.Merge(kb.DiscFragment(world, depot, e.cfg.PreloadRadius))
	e.knowledge.Merge(kb.DiscFragment(world, relay, e.cfg.PreloadRadius))

	e.now = e.clock.Now()
	e.clock.AddListener(e.tick)
	e.publish()

	e.log.Info(context.Background(), "engine ready",
		logging.Int("agents", len(e.agents)),
		logging.Int("width", world.Width()),
		logging.Int("height", world.Height()),
		logging.Float("known_ratio", e.knowledge.KnownRatio()),
	)
	return e, nil
}

// Submit validates task and hands it to the tick loop. An empty ID is
// replaced with a generated one, which is returned.
func (e *Engine) Submit(task model.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(e.world.Width(), e.world.Height()); err != nil {
		return "", err
	}
	task.OriginalTaskID = ""
	task.Leg = model.LegDirect
	task.IsRelayLeg = false
	task.ArrivalTime = nil
	task.Origin = e.depot
	task.SubmittedAt = e.clock.Now()

	e.lifecycleMu.Lock()
	stopped := e.stopped
	e.lifecycleMu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	if _, dup := e.seen[task.ID]; dup {
		return "", fmt.Errorf("%w: duplicate task id %q", ErrInvalidTask, task.ID)
	}
	e.seen[task.ID] = struct{}{}
	e.inbox = append(e.inbox, task)
	return task.ID, nil
}

// Start runs the tick loop on its own goroutine until ctx is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	ctx, runLog := logging.WithRunLogger(ctx, e.log)
	e.log = runLog
	runCtx, cancel := context.WithCancel(ctx)
	e.loopCtx = runCtx
	e.cancel = cancel
	e.started = true
	e.done = e.clock.Start(runCtx, 0)
	e.log.Info(ctx, "tick loop started",
		logging.String("mode", e.clock.Mode.String()),
		logging.String("tick", e.cfg.Tick.String()),
	)
	return nil
}

// Step runs exactly one tick on the caller's goroutine. It is only allowed
// before Start.
func (e *Engine) Step() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrRunning
	}
	e.clock.Advance()
	return nil
}

// Stop ends the tick loop after its current tick, waits for it and flushes
// the delivery log to the sink. Subsequent calls return the first result.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.lifecycleMu.Lock()
		e.stopped = true
		cancel, done := e.cancel, e.done
		e.lifecycleMu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				e.stopErr = fmt.Errorf("stop engine: %w", ctx.Err())
				return
			}
		}
		if err := e.deliveries.Flush(ctx, e.sink); err != nil {
			e.stopErr = err
			return
		}
		e.log.Info(ctx, "engine stopped",
			logging.Int("deliveries", e.deliveries.Len()),
			logging.Int("completed", int(e.completed.Load())),
		)
	})
	return e.stopErr
}

// Done is closed when the tick loop exits. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.done
}

// Export returns a copy of the delivery log.
func (e *Engine) Export() []deliverylog.Entry {
	return e.deliveries.Export()
}

// CompletedTaskCount is the number of top-level tasks delivered so far.
func (e *Engine) CompletedTaskCount() int64 {
	return e.completed.Load()
}

// Snapshot returns the state published at the end of the latest tick.
func (e *Engine) Snapshot() *FleetSnapshot {
	return e.snapshot.Load()
}

// PendingTasks lists tasks still queued or staged at the relay station as of
// the latest tick.
func (e *Engine) PendingTasks() []model.Task {
	s := e.snapshot.Load()
	if s == nil {
		return nil
	}
	out := make([]model.Task, len(s.Pending))
	copy(out, s.Pending)
	return out
}

func (e *Engine) tick(now time.Time) {
	begin := time.Now()
	e.now = now

	e.drainInbox()
	for _, a := range e.agents {
		a.Update(e.cfg.Tick, e.env)
	}
	if !e.dispatched || now.Sub(e.lastDispatch) >= e.cfg.DispatchInterval {
		e.dispatched = true
		e.lastDispatch = now
		e.dispatch(e.loopCtx)
	}
	e.publish()
	e.metrics.ObserveTick(time.Since(begin))
}

func (e *Engine) drainInbox() {
	e.inboxMu.Lock()
	pending := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()

	for i := range pending {
		t := pending[i]
		e.queue.Push(&t)
		e.log.Debug(e.loopCtx, "task queued",
			logging.String("task_id", t.ID),
			logging.Int("urgency", t.Urgency),
		)
	}
}

func (e *Engine) plan(profile model.CapabilityProfile, start, goal model.Cell) planner.Result {
	begin := time.Now()
	res := planner.Plan(profile, e.knowledge, start, goal)
	e.metrics.ObservePlan(time.Since(begin))
	return res
}

func (e *Engine) taskCompleted(agentID string, task model.Task) {
	entry, ok := e.deliveries.MarkCompleted(task.ID, e.now)
	if !ok {
		e.log.Debug(e.loopCtx, "completion for unlogged task ignored",
			logging.String("agent_id", agentID),
			logging.String("task_id", task.ID),
		)
		return
	}
	e.metrics.IncCompleted(entry.Strategy)
	delete(e.attempts, task.RootID())
	if task.Leg == model.LegRelay1 {
		e.releaseSecondLeg(task.ID)
	} else {
		e.completed.Add(1)
	}
	e.log.Info(e.loopCtx, "delivery completed",
		logging.String("agent_id", agentID),
		logging.String("task_id", task.ID),
		logging.String("strategy", entry.Strategy),
		logging.Float("duration_s", entry.Duration),
	)
}

// releaseSecondLeg moves the leg2 held against a completed leg1 into the
// relay pool, stamped with its arrival at the relay station.
func (e *Engine) releaseSecondLeg(leg1ID string) {
	h, ok := e.handoffs[leg1ID]
	if !ok {
		return
	}
	delete(e.handoffs, leg1ID)
	leg2 := h.leg2
	at := e.now
	leg2.ArrivalTime = &at
	e.pool.Push(&leg2)
	e.log.Debug(e.loopCtx, "parcel at relay station",
		logging.String("task_id", leg2.ID),
		logging.String("original_task_id", leg2.OriginalTaskID),
	)
}

// taskFailed settles the log entry and puts the work back: direct tasks
// return to the queue, second legs to the relay pool, and a failed first leg
// drops its held second leg and requeues the parent task.
func (e *Engine) taskFailed(agentID string, task model.Task, reason string) {
	entry, ok := e.deliveries.MarkFailed(task.ID, reason, e.now)
	if !ok {
		e.log.Debug(e.loopCtx, "failure for unlogged task ignored",
			logging.String("agent_id", agentID),
			logging.String("task_id", task.ID),
		)
		return
	}
	e.metrics.IncFailed(entry.Strategy)

	root := task.RootID()
	e.attempts[root]++
	giveUp := e.cfg.MaxAttempts > 0 && e.attempts[root] >= e.cfg.MaxAttempts

	e.log.Warn(e.loopCtx, "delivery failed",
		logging.String("agent_id", agentID),
		logging.String("task_id", task.ID),
		logging.String("reason", reason),
		logging.Int("attempt", e.attempts[root]),
		logging.Bool("abandoned", giveUp),
	)

	switch task.Leg {
	case model.LegRelay1:
		h, known := e.handoffs[task.ID]
		delete(e.handoffs, task.ID)
		if known && !giveUp {
			parent := h.parent
			e.queue.Push(&parent)
		}
	case model.LegRelay2:
		if !giveUp {
			t := task
			at := e.now
			t.ArrivalTime = &at
			e.pool.Push(&t)
		}
	default:
		if !giveUp {
			t := task
			e.queue.Push(&t)
		}
	}
	if giveUp {
		delete(e.attempts, root)
	}
}

// relayHandoff is a relay in progress: leg2 waits here until leg1 reaches
// the relay station.
type relayHandoff struct {
	parent model.Task
	leg2   model.Task
}

// agentEnv is the engine as seen by its agents.
type agentEnv struct {
	e *Engine
}

func (v *agentEnv) Plan(p model.CapabilityProfile, start, goal model.Cell) planner.Result {
	return v.e.plan(p, start, goal)
}

func (v *agentEnv) KnownTerrain(c model.Cell) model.TerrainID {
	return v.e.knowledge.TerrainAt(c.X, c.Y)
}

func (v *agentEnv) Sense(center model.Cell, radius int) kb.Fragment {
	return kb.DiscFragment(v.e.world, center, radius)
}

func (v *agentEnv) Observe(_ string, frag kb.Fragment) {
	v.e.knowledge.Merge(frag)
}

func (v *agentEnv) Depot() model.Cell         { return v.e.depot }
func (v *agentEnv) RelayStation() model.Cell  { return v.e.relay }
func (v *agentEnv) FeasibleResidual() float64 { return v.e.cfg.FeasibleResidual }

func (v *agentEnv) TaskCompleted(agentID string, task model.Task) {
	v.e.taskCompleted(agentID, task)
}

func (v *agentEnv) TaskFailed(agentID string, task model.Task, reason string) {
	v.e.taskFailed(agentID, task, reason)
}
