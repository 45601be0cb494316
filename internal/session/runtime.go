package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/board"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/events"
	"github.com/happyagents/happy/internal/events/bus"
	"github.com/happyagents/happy/internal/roles"
	"github.com/happyagents/happy/internal/server"
	"github.com/happyagents/happy/internal/team"
)

// Lifecycle is the session's coarse state. Archived is terminal.
type Lifecycle string

const (
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleRunning      Lifecycle = "running"
	LifecycleArchived     Lifecycle = "archived"
)

// Coordinator is the slice of the server client the runtime itself uses.
type Coordinator interface {
	UpdateSessionMetadata(ctx context.Context, sessionID string, metadata map[string]interface{}) error
	ArchiveSession(ctx context.Context, sessionID string) error
}

// DriverHandle is the engine driver as the runtime sees it. Defined here so
// the driver package can depend on the queue without a cycle.
type DriverHandle interface {
	Run(ctx context.Context)
	Fatal() <-chan error
	Interrupt(ctx context.Context) error
}

// Recorder persists lifecycle transitions locally. Optional.
type Recorder interface {
	SetLifecycle(ctx context.Context, id, lifecycle string) error
	SetTeam(ctx context.Context, id, role, teamID string) error
}

// BoardFactory builds a board manager for a team once the session joins it.
type BoardFactory func(teamID, role string) *board.Manager

// Runtime is the session's central event router. It owns the policy state
// and the turn queue; every other activity posts events to it.
type Runtime struct {
	sessionID   string
	registry    *roles.Registry
	queue       *TurnQueue
	pipeline    *team.Pipeline
	boardFor    BoardFactory
	coordinator Coordinator
	recorder    Recorder
	driver      DriverHandle
	bus         bus.EventBus
	pushEvents  <-chan *server.PushEvent
	log         *logger.Logger

	mu               sync.Mutex
	policy           PolicyState
	boardMgr         *board.Manager
	lifecycle        Lifecycle
	controlledByUser bool

	shutdownOnce sync.Once
	cancel       context.CancelFunc
	done         chan struct{}

	// shutdownReason is set once by Shutdown for the exit path.
	shutdownReason string
}

// Deps wires the runtime's collaborators.
type Deps struct {
	SessionID   string
	Registry    *roles.Registry
	Queue       *TurnQueue
	Pipeline    *team.Pipeline
	BoardFor    BoardFactory
	Coordinator Coordinator
	Recorder    Recorder
	Driver      DriverHandle
	Bus         bus.EventBus
	PushEvents  <-chan *server.PushEvent
	Logger      *logger.Logger
	Initial     PolicyState
}

// NewRuntime assembles a runtime in the initializing state.
func NewRuntime(d Deps) *Runtime {
	return &Runtime{
		sessionID:   d.SessionID,
		registry:    d.Registry,
		queue:       d.Queue,
		pipeline:    d.Pipeline,
		boardFor:    d.BoardFor,
		coordinator: d.Coordinator,
		recorder:    d.Recorder,
		driver:      d.Driver,
		bus:         d.Bus,
		pushEvents:  d.PushEvents,
		log:         d.Logger.WithSessionID(d.SessionID),
		policy:      d.Initial,
		lifecycle:   LifecycleInitializing,
		done:        make(chan struct{}),
	}
}

// Lifecycle returns the current lifecycle state.
func (r *Runtime) Lifecycle() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// ShutdownReason returns the reason passed to Shutdown, if any.
func (r *Runtime) ShutdownReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownReason
}

// Start transitions to running, joins the configured team if any, and
// launches the driver worker and the event loop.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.lifecycle != LifecycleInitializing {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("session already %s", r.lifecycle)
	}
	r.lifecycle = LifecycleRunning
	r.cancel = cancel
	teamID := r.policy.TeamID
	role := r.policy.Role
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.SetLifecycle(runCtx, r.sessionID, string(LifecycleRunning)); err != nil {
			r.log.Warn("could not record running lifecycle", zap.Error(err))
		}
	}

	if teamID != "" {
		r.joinTeam(runCtx, teamID, role)
	}

	go r.driver.Run(runCtx)
	go r.eventLoop(runCtx)

	r.publish(runCtx, events.SubjectSessionStarted, map[string]interface{}{
		events.KeySessionID: r.sessionID,
	})
	r.log.Info("session running",
		zap.String("role", role),
		zap.String("team_id", teamID))
	return nil
}

// eventLoop routes push frames and watches for driver failure until
// shutdown. Shutdown runs synchronously here so the reason and the server
// archive are recorded before Done closes.
func (r *Runtime) eventLoop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-r.driver.Fatal():
			r.log.Error("engine driver terminated", zap.Error(err))
			r.Shutdown("engine-failure")
			return
		case evt, ok := <-r.pushEvents:
			if !ok {
				r.log.Warn("push channel closed")
				return
			}
			r.dispatch(ctx, evt)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, evt *server.PushEvent) {
	switch evt.Type {
	case server.PushTeamMessage:
		if evt.Message != nil {
			r.HandleTeamMessage(ctx, evt.Message)
		}
	case server.PushMetadataUpdate:
		r.HandleMetadataUpdate(ctx, evt.Metadata)
	case server.PushTaskEvent:
		r.handleTaskEvent(ctx, evt.TaskEvent)
	}
}

// PushUserTurn applies meta overrides and enqueues the turn. The /compact
// and /clear commands discard the backlog and run alone.
func (r *Runtime) PushUserTurn(ctx context.Context, text string, meta MetaUpdate) error {
	r.mu.Lock()
	if r.lifecycle == LifecycleArchived {
		r.mu.Unlock()
		return nil
	}
	prevTeam := r.policy.TeamID
	r.policy.Apply(meta, r.log)
	newTeam := r.policy.TeamID
	role := r.policy.Role
	snapshot := r.policy.Snapshot(r.registry)
	r.mu.Unlock()

	if newTeam != prevTeam && newTeam != "" {
		r.joinTeam(ctx, newTeam, role)
		// Re-capture: the join may matter to the turn's role prompt.
		r.mu.Lock()
		snapshot = r.policy.Snapshot(r.registry)
		r.mu.Unlock()
	}

	// A terminal turn means the local user took the wheel.
	r.SetControlledByUser(ctx, true)

	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "/compact" || strings.HasPrefix(trimmed, "/compact "):
		payload := stripCommand(trimmed, "/compact")
		if payload == "" {
			payload = "Summarize the conversation so far and continue from the summary."
		}
		return r.queue.PushIsolateAndClear(payload, snapshot)
	case trimmed == "/clear" || strings.HasPrefix(trimmed, "/clear "):
		return r.queue.PushIsolateAndClear(stripCommand(trimmed, "/clear"), snapshot)
	default:
		return r.queue.Push(text, snapshot)
	}
}

// HandleTeamMessage runs the filter pipeline and enqueues accepted messages
// as append turns with the current policy snapshot.
func (r *Runtime) HandleTeamMessage(ctx context.Context, m *team.Message) {
	r.mu.Lock()
	if r.lifecycle == LifecycleArchived {
		r.mu.Unlock()
		return
	}
	role := r.policy.Role
	teamID := r.policy.TeamID
	snapshot := r.policy.Snapshot(r.registry)
	r.mu.Unlock()

	incoming, ok := r.pipeline.HandleMessage(ctx, m, role, teamID)
	if !ok {
		return
	}
	if err := r.queue.Push(incoming.Text, snapshot); err != nil {
		r.log.Warn("could not enqueue team message turn", zap.Error(err))
		return
	}
	r.SetControlledByUser(ctx, false)
	r.publish(ctx, events.SubjectTeamMessageReceived, map[string]interface{}{
		events.KeyMessageID: m.ID,
		events.KeyTeamID:    m.TeamID,
	})
}

// HandleMetadataUpdate adopts role and team changes. Joining a new team
// triggers the join ritual.
func (r *Runtime) HandleMetadataUpdate(ctx context.Context, meta map[string]interface{}) {
	r.mu.Lock()
	if r.lifecycle == LifecycleArchived {
		r.mu.Unlock()
		return
	}
	prevTeam := r.policy.TeamID
	if lifecycle, ok := meta["lifecycle"].(string); ok && lifecycle == string(LifecycleArchived) {
		r.mu.Unlock()
		r.Shutdown("remote-archive")
		return
	}
	if role, ok := meta["role"].(string); ok {
		r.policy.Role = roles.Normalize(role)
	}
	if teamID, ok := meta["team_id"].(string); ok {
		r.policy.TeamID = teamID
	}
	role := r.policy.Role
	newTeam := r.policy.TeamID
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.SetTeam(ctx, r.sessionID, role, newTeam); err != nil {
			r.log.Warn("could not record team change", zap.Error(err))
		}
	}
	r.syncRemoteMetadata(ctx, role, newTeam)

	if newTeam != "" && newTeam != prevTeam {
		r.joinTeam(ctx, newTeam, role)
	}

	r.publish(ctx, events.SubjectMetadataUpdated, map[string]interface{}{
		events.KeyTeamID:    newTeam,
		events.KeyActorRole: role,
	})
}

// syncRemoteMetadata reports the adopted metadata upstream. Failure is
// retried once and never fatal.
func (r *Runtime) syncRemoteMetadata(ctx context.Context, role, teamID string) {
	if r.coordinator == nil {
		return
	}
	meta := map[string]interface{}{"role": role, "team_id": teamID}
	err := r.coordinator.UpdateSessionMetadata(ctx, r.sessionID, meta)
	if err != nil {
		r.log.Warn("session metadata update failed, retrying once", zap.Error(err))
		if err = r.coordinator.UpdateSessionMetadata(ctx, r.sessionID, meta); err != nil {
			r.log.Warn("session metadata update failed", zap.Error(err))
		}
	}
}

// handleTaskEvent folds a server task push into the board manager's stream.
func (r *Runtime) handleTaskEvent(ctx context.Context, payload *server.TaskEventPayload) {
	if payload == nil {
		return
	}
	r.mu.Lock()
	mgr := r.boardMgr
	r.mu.Unlock()
	if mgr == nil {
		return
	}

	var subject string
	switch payload.Type {
	case "created":
		subject = events.SubjectTaskCreated
	case "updated":
		subject = events.SubjectTaskUpdated
	case "deleted":
		subject = events.SubjectTaskDeleted
	default:
		r.log.Debug("ignoring unknown task event",
			zap.String("type", payload.Type))
		return
	}

	task := payload.Task
	if task == nil {
		task = &board.Task{ID: payload.TaskID}
	}
	mgr.ApplyRemote(ctx, subject, task, payload.Version)
}

// joinTeam runs the join ritual and injects the initial context bundle as
// an isolate-and-clear turn. Failures degrade the session, never kill it.
func (r *Runtime) joinTeam(ctx context.Context, teamID, role string) {
	log := r.log.WithTeamID(teamID)

	mgr := r.boardFor(teamID, role)
	r.mu.Lock()
	r.boardMgr = mgr
	r.mu.Unlock()

	joinResult, err := r.pipeline.Join(ctx, teamID, role)
	if err != nil {
		log.Warn("team join failed, continuing without context", zap.Error(err))
		return
	}

	var boardSection string
	if b, err := mgr.GetBoard(ctx); err != nil {
		log.Warn("could not load team board during join", zap.Error(err))
	} else {
		tasks := make([]*board.Task, 0, len(b.Tasks))
		for _, t := range b.Tasks {
			tasks = append(tasks, t)
		}
		boardSection = board.RenderView(board.FilterTasks(tasks, r.registry, role, r.sessionID))
	}

	var bundle strings.Builder
	if rolePrompt := r.registry.Prompt(role, teamID); rolePrompt != "" {
		bundle.WriteString(rolePrompt)
		bundle.WriteString("\n")
	}
	if boardSection != "" {
		bundle.WriteString(boardSection)
		bundle.WriteString("\n")
	}
	if joinResult.RecentSummary != "" {
		bundle.WriteString(joinResult.RecentSummary)
	}

	r.mu.Lock()
	snapshot := r.policy.Snapshot(r.registry)
	r.mu.Unlock()

	if err := r.queue.PushIsolateAndClear(bundle.String(), snapshot); err != nil {
		log.Warn("could not enqueue context bundle", zap.Error(err))
		return
	}
	log.Info("joined team", zap.Bool("degraded", joinResult.Degraded))
}

// SetControlledByUser reports who is driving the session. Only flips are
// forwarded upstream, so the dashboard sees local takeovers without metadata
// churn on every turn.
func (r *Runtime) SetControlledByUser(ctx context.Context, controlled bool) {
	r.mu.Lock()
	if r.lifecycle == LifecycleArchived || r.controlledByUser == controlled {
		r.mu.Unlock()
		return
	}
	r.controlledByUser = controlled
	r.mu.Unlock()

	r.log.Info("session control changed", zap.Bool("controlled_by_user", controlled))
	if r.coordinator == nil {
		return
	}
	meta := map[string]interface{}{"controlled_by_user": controlled}
	if err := r.coordinator.UpdateSessionMetadata(ctx, r.sessionID, meta); err != nil {
		r.log.Warn("could not report control change", zap.Error(err))
	}
}

// ControlledByUser reports whether the local user drove the last turn.
func (r *Runtime) ControlledByUser() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controlledByUser
}

// BoardManager returns the current team's board manager, if joined.
func (r *Runtime) BoardManager() *board.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boardMgr
}

// Policy returns a snapshot of the current policy.
func (r *Runtime) Policy() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.Snapshot(r.registry)
}

// Shutdown archives the session exactly once: the queue closes, background
// activities stop, and the server is told. Safe to call from any goroutine
// and from signal handlers.
func (r *Runtime) Shutdown(reason string) {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.lifecycle = LifecycleArchived
		r.shutdownReason = reason
		cancel := r.cancel
		r.mu.Unlock()

		r.log.Info("session shutting down", zap.String("reason", reason))

		r.queue.Close()
		if cancel != nil {
			cancel()
		}

		// Use a fresh context: the run context is already cancelled.
		ctx := context.Background()
		if r.coordinator != nil {
			if err := r.coordinator.ArchiveSession(ctx, r.sessionID); err != nil {
				r.log.Warn("could not archive session on server", zap.Error(err))
			}
		}
		if r.recorder != nil {
			if err := r.recorder.SetLifecycle(ctx, r.sessionID, string(LifecycleArchived)); err != nil {
				r.log.Warn("could not record archived lifecycle", zap.Error(err))
			}
		}
		r.publish(ctx, events.SubjectSessionArchived, map[string]interface{}{
			events.KeySessionID: r.sessionID,
			events.KeyReason:    reason,
		})
	})
}

// Done closes when the event loop has exited.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "session-runtime", data)
	if err := r.bus.Publish(ctx, subject, evt); err != nil {
		r.log.Debug("could not publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
