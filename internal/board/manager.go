package board

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/events"
	"github.com/happyagents/happy/internal/events/bus"
	"github.com/happyagents/happy/internal/roles"
)

// Notifier receives a human-readable rendering of each successful mutation,
// typically forwarded to the team as a task-update message. Implementations
// must not block.
type Notifier interface {
	NotifyTaskUpdate(ctx context.Context, taskID, summary string)
}

// Manager owns the local view of the team board. All mutations go through
// the server API under optimistic concurrency; the cache is refreshed from
// reads, successful writes, and server push events.
type Manager struct {
	api      API
	bus      bus.EventBus
	registry *roles.Registry
	notifier Notifier
	log      *logger.Logger

	teamID    string
	sessionID string
	role      string
	retries   int

	mu      sync.Mutex
	board   *Board
	version int64
}

// NewManager creates a board manager for one session.
func NewManager(api API, eventBus bus.EventBus, registry *roles.Registry, notifier Notifier, log *logger.Logger, teamID, sessionID, role string, retries int) *Manager {
	if retries < 0 {
		retries = 0
	}
	return &Manager{
		api:       api,
		bus:       eventBus,
		registry:  registry,
		notifier:  notifier,
		log:       log.WithTeamID(teamID),
		teamID:    teamID,
		sessionID: sessionID,
		role:      role,
		retries:   retries,
	}
}

// SetRole updates the acting role for subsequent permission gates.
func (m *Manager) SetRole(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = role
}

// GetBoard returns the team board, lazily creating an empty one with the
// default columns when the team has none yet.
func (m *Manager) GetBoard(ctx context.Context) (*Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	return m.board.Clone(), nil
}

// GetTask returns a single task by id.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	task, ok := m.board.Tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	copied := *task
	return &copied, nil
}

// loadLocked ensures the cached board is populated, creating the artifact
// if the server has none for this team.
func (m *Manager) loadLocked(ctx context.Context) error {
	if m.board != nil {
		return nil
	}
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	b, version, err := m.api.FetchBoard(ctx, m.teamID)
	if apperrors.IsNotFound(err) {
		b = NewBoard(m.teamID)
		version, err = m.api.CreateBoard(ctx, m.teamID, b)
		if err != nil {
			return err
		}
		m.log.Info("created team board")
	} else if err != nil {
		return err
	}
	m.board = b
	m.version = version
	return nil
}

// change describes one observable effect of a mutation for broadcast.
type change struct {
	subject string
	taskID  string
	summary string
	data    map[string]interface{}
}

// mutate runs fn against a clone of the board and writes it back under
// optimistic concurrency. On version conflict it re-reads and retries up to
// the configured budget, then surfaces conflict-unresolved.
func (m *Manager) mutate(ctx context.Context, fn func(b *Board) ([]change, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		draft := m.board.Clone()
		changes, err := fn(draft)
		if err != nil {
			return err
		}
		draft.UpdatedAt = nowMillis()

		newVersion, err := m.api.SaveBoard(ctx, m.teamID, draft, m.version)
		if err == nil {
			m.board = draft
			m.version = newVersion
			m.broadcast(ctx, changes)
			return nil
		}
		if !apperrors.IsVersionConflict(err) {
			return err
		}
		if attempt >= m.retries {
			m.log.Warn("board write conflict not resolved",
				zap.Int("attempts", attempt+1))
			return apperrors.ConflictUnresolved("board")
		}
		m.log.Debug("board version conflict, retrying",
			zap.Int("attempt", attempt+1))
		if err := m.refreshLocked(ctx); err != nil {
			return err
		}
	}
}

// broadcast publishes state-change events locally and notifies the team.
// Broadcast failures never fail the mutation that produced them.
func (m *Manager) broadcast(ctx context.Context, changes []change) {
	for _, c := range changes {
		data := c.data
		if data == nil {
			data = map[string]interface{}{}
		}
		data[events.KeyTaskID] = c.taskID
		data[events.KeyTeamID] = m.teamID
		data[events.KeyActorRole] = m.role

		evt := bus.NewEvent(c.subject, "board-manager", data)
		if err := m.bus.Publish(ctx, c.subject, evt); err != nil {
			m.log.Warn("failed to publish board event",
				zap.String("subject", c.subject),
				zap.Error(err))
		}
		if m.notifier != nil && c.summary != "" {
			m.notifier.NotifyTaskUpdate(ctx, c.taskID, c.summary)
		}
	}
}

// ApplyRemote merges a server push event into the local cache and republishes
// it on the local bus, so remote and local mutations reach subscribers
// through the same stream.
func (m *Manager) ApplyRemote(ctx context.Context, subject string, task *Task, version int64) {
	m.mu.Lock()
	if m.board != nil && version > m.version {
		switch subject {
		case events.SubjectTaskDeleted:
			delete(m.board.Tasks, task.ID)
		default:
			copied := *task
			m.board.Tasks[task.ID] = &copied
		}
		m.version = version
	}
	m.mu.Unlock()

	data := map[string]interface{}{
		events.KeyTaskID: task.ID,
		events.KeyTeamID: m.teamID,
	}
	evt := bus.NewEvent(subject, "server", data)
	if err := m.bus.Publish(ctx, subject, evt); err != nil {
		m.log.Warn("failed to republish server event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// CreateTask creates a top-level task. Coordinator roles only.
func (m *Manager) CreateTask(ctx context.Context, input CreateTaskInput) (*Task, error) {
	if !m.registry.IsCoordinator(m.role) {
		return nil, apperrors.ForbiddenByRole(m.role, "create-task")
	}
	if input.Title == "" {
		return nil, apperrors.BadRequest("task title must not be empty")
	}

	var created *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task := newTask(input, m.sessionID)
		b.Tasks[task.ID] = task
		created = task
		return []change{{
			subject: events.SubjectTaskCreated,
			taskID:  task.ID,
			summary: renderCreated(task),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTask applies a partial update. Coordinators modify freely; workers
// only their own tasks, or an unassigned task they claim by self-assignment;
// everyone else is read-only.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, delta TaskDelta) (*Task, error) {
	var updated *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}
		if err := m.checkMutationGate(task, delta, "update-task"); err != nil {
			return nil, err
		}

		var changes []change
		prevStatus := task.Status
		applyDelta(task, delta)
		task.UpdatedAt = nowMillis()

		changes = append(changes, change{
			subject: events.SubjectTaskUpdated,
			taskID:  task.ID,
			summary: renderUpdated(task, delta),
		})
		if delta.Status != nil && *delta.Status != prevStatus {
			changes = append(changes, change{
				subject: events.SubjectTaskStateChanged,
				taskID:  task.ID,
				data: map[string]interface{}{
					events.KeyFromState: string(prevStatus),
					events.KeyToState:   string(task.Status),
				},
			})
			if task.Status == StatusDone {
				changes = append(changes, propagateCompletion(b, task)...)
			}
		}
		updated = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// checkMutationGate enforces the role rules for every task mutation:
// coordinators mutate freely, workers only their own tasks, everyone else is
// read-only.
func (m *Manager) checkMutationGate(task *Task, delta TaskDelta, op string) error {
	if m.registry.IsCoordinator(m.role) {
		return nil
	}
	if !m.registry.IsWorker(m.role) {
		return apperrors.ForbiddenByRole(m.role, op)
	}
	if task.AssigneeID == m.sessionID {
		return nil
	}
	// Claiming an unassigned task by self-assignment is the one exception.
	if task.AssigneeID == "" && delta.AssigneeID != nil && *delta.AssigneeID == m.sessionID {
		return nil
	}
	return apperrors.ForbiddenByRole(m.role, op)
}

func applyDelta(task *Task, delta TaskDelta) {
	if delta.Title != nil {
		task.Title = *delta.Title
	}
	if delta.Description != nil {
		task.Description = *delta.Description
	}
	if delta.Status != nil {
		task.Status = *delta.Status
	}
	if delta.AssigneeID != nil {
		task.AssigneeID = *delta.AssigneeID
	}
	if delta.Priority != nil {
		task.Priority = *delta.Priority
	}
	if delta.Labels != nil {
		task.Labels = *delta.Labels
	}
	if delta.Approval != nil {
		task.ApprovalStatus = *delta.Approval
	}
}

// DeleteTask removes a task. Coordinators only. With cascade disabled the
// subtasks are promoted to root tasks rather than deleted.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) error {
	if !m.registry.IsCoordinator(m.role) {
		return apperrors.ForbiddenByRole(m.role, "delete-task")
	}
	return m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}

		var changes []change
		if task.Propagation.CascadeDeleteSubtasks {
			for _, id := range collectSubtree(b, task) {
				delete(b.Tasks, id)
				changes = append(changes, change{
					subject: events.SubjectTaskDeleted,
					taskID:  id,
				})
			}
		} else {
			for _, childID := range task.SubtaskIDs {
				if child, ok := b.Tasks[childID]; ok {
					child.ParentTaskID = ""
					rebaseDepth(b, child, 0)
					child.UpdatedAt = nowMillis()
				}
			}
		}

		if task.ParentTaskID != "" {
			if parent, ok := b.Tasks[task.ParentTaskID]; ok {
				parent.SubtaskIDs = removeID(parent.SubtaskIDs, taskID)
				parent.UpdatedAt = nowMillis()
			}
		}
		delete(b.Tasks, taskID)
		changes = append(changes, change{
			subject: events.SubjectTaskDeleted,
			taskID:  taskID,
			summary: fmt.Sprintf("Task %q deleted", task.Title),
		})
		return changes, nil
	})
}

// CreateSubtask creates a child under parentID. The child inherits assignee
// and priority unless overridden; a todo parent moves to in-progress.
func (m *Manager) CreateSubtask(ctx context.Context, parentID string, input CreateTaskInput) (*Task, error) {
	if input.Title == "" {
		return nil, apperrors.BadRequest("task title must not be empty")
	}
	var created *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		parent, ok := b.Tasks[parentID]
		if !ok {
			return nil, apperrors.NotFound("task", parentID)
		}
		if err := m.checkMutationGate(parent, TaskDelta{}, "create-subtask"); err != nil {
			return nil, err
		}
		if parent.Depth >= MaxTaskDepth {
			return nil, apperrors.DepthExceeded(parentID)
		}

		if input.AssigneeID == "" {
			input.AssigneeID = parent.AssigneeID
		}
		if input.Priority == "" {
			input.Priority = parent.Priority
		}

		task := newTask(input, m.sessionID)
		task.ParentTaskID = parent.ID
		task.Depth = parent.Depth + 1
		b.Tasks[task.ID] = task
		parent.SubtaskIDs = append(parent.SubtaskIDs, task.ID)
		parent.UpdatedAt = nowMillis()

		changes := []change{{
			subject: events.SubjectTaskCreated,
			taskID:  task.ID,
			summary: renderCreated(task),
		}}
		if parent.Status == StatusTodo {
			parent.Status = StatusInProgress
			changes = append(changes, change{
				subject: events.SubjectTaskStateChanged,
				taskID:  parent.ID,
				data: map[string]interface{}{
					events.KeyFromState: string(StatusTodo),
					events.KeyToState:   string(StatusInProgress),
				},
			})
		}
		created = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// StartTask claims a task for this session with a primary active execution
// link. Starting counts as a mutation for the role gate; a non-coordinator
// also cannot take over a task another session is actively working.
func (m *Manager) StartTask(ctx context.Context, taskID string) (*Task, error) {
	var started *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}
		claim := m.sessionID
		if err := m.checkMutationGate(task, TaskDelta{AssigneeID: &claim}, "start-task"); err != nil {
			return nil, err
		}

		if active := task.ActiveLink(); active != nil && active.SessionID != m.sessionID {
			if !m.registry.IsCoordinator(m.role) {
				return nil, apperrors.ForbiddenByRole(m.role, "start-task")
			}
			active.Status = LinkAbandoned
		}

		var changes []change
		if active := task.ActiveLink(); active == nil {
			task.ExecutionLinks = append(task.ExecutionLinks, ExecutionLink{
				SessionID: m.sessionID,
				LinkedAt:  nowMillis(),
				Role:      LinkPrimary,
				Status:    LinkActive,
			})
		}
		if task.AssigneeID == "" {
			task.AssigneeID = m.sessionID
		}
		if task.Status == StatusTodo {
			task.Status = StatusInProgress
			changes = append(changes, change{
				subject: events.SubjectTaskStateChanged,
				taskID:  task.ID,
				data: map[string]interface{}{
					events.KeyFromState: string(StatusTodo),
					events.KeyToState:   string(StatusInProgress),
				},
			})
		}
		task.UpdatedAt = nowMillis()
		changes = append(changes, change{
			subject: events.SubjectTaskUpdated,
			taskID:  task.ID,
			summary: fmt.Sprintf("Task %q started", task.Title),
		})
		started = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CompleteTask marks a task done, closes this session's execution link, and
// propagates completion upward. Subject to the role gate; fails while any
// subtask is not done.
func (m *Manager) CompleteTask(ctx context.Context, taskID string) (*Task, error) {
	var completed *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}
		if err := m.checkMutationGate(task, TaskDelta{}, "complete-task"); err != nil {
			return nil, err
		}
		for _, childID := range task.SubtaskIDs {
			if child, ok := b.Tasks[childID]; ok && child.Status != StatusDone {
				return nil, apperrors.SubtasksIncomplete(taskID)
			}
		}

		for i := range task.ExecutionLinks {
			link := &task.ExecutionLinks[i]
			if link.Status == LinkActive && link.SessionID == m.sessionID {
				link.Status = LinkCompleted
			}
		}

		prev := task.Status
		task.Status = StatusDone
		task.UpdatedAt = nowMillis()

		changes := []change{
			{
				subject: events.SubjectTaskStateChanged,
				taskID:  task.ID,
				data: map[string]interface{}{
					events.KeyFromState: string(prev),
					events.KeyToState:   string(StatusDone),
				},
			},
			{
				subject: events.SubjectTaskUpdated,
				taskID:  task.ID,
				summary: fmt.Sprintf("Task %q completed", task.Title),
			},
		}
		changes = append(changes, propagateCompletion(b, task)...)
		completed = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// ReportBlocker records a blocker on the task and marks it blocked. Subject
// to the role gate; the has-blocked-child flag propagates up the ancestor
// chain.
func (m *Manager) ReportBlocker(ctx context.Context, taskID string, blockerType BlockerType, description string) (*Task, error) {
	var blocked *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}
		if err := m.checkMutationGate(task, TaskDelta{}, "report-blocker"); err != nil {
			return nil, err
		}

		task.Blockers = append(task.Blockers, Blocker{
			ID:          uuid.New().String(),
			Type:        blockerType,
			Description: description,
			RaisedAt:    nowMillis(),
			RaisedBy:    m.sessionID,
		})
		prev := task.Status
		task.Status = StatusBlocked
		task.UpdatedAt = nowMillis()

		changes := []change{
			{
				subject: events.SubjectTaskBlocked,
				taskID:  task.ID,
				summary: fmt.Sprintf("Task %q blocked: %s", task.Title, description),
				data: map[string]interface{}{
					events.KeyReason: description,
				},
			},
			{
				subject: events.SubjectTaskStateChanged,
				taskID:  task.ID,
				data: map[string]interface{}{
					events.KeyFromState: string(prev),
					events.KeyToState:   string(StatusBlocked),
				},
			},
		}
		changes = append(changes, propagateBlockedSet(b, task)...)
		blocked = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return blocked, nil
}

// ResolveBlocker stamps a blocker resolved. Coordinators only. When the last
// open blocker resolves the task returns to in-progress and the ancestor
// flags are re-derived.
func (m *Manager) ResolveBlocker(ctx context.Context, taskID, blockerID, resolution string) (*Task, error) {
	if !m.registry.IsCoordinator(m.role) {
		return nil, apperrors.ForbiddenByRole(m.role, "resolve-blocker")
	}
	var resolved *Task
	err := m.mutate(ctx, func(b *Board) ([]change, error) {
		task, ok := b.Tasks[taskID]
		if !ok {
			return nil, apperrors.NotFound("task", taskID)
		}

		found := false
		for i := range task.Blockers {
			if task.Blockers[i].ID == blockerID {
				task.Blockers[i].ResolvedAt = nowMillis()
				task.Blockers[i].ResolvedBy = m.sessionID
				task.Blockers[i].Resolution = resolution
				found = true
				break
			}
		}
		if !found {
			return nil, apperrors.NotFound("blocker", blockerID)
		}

		changes := []change{{
			subject: events.SubjectTaskUpdated,
			taskID:  task.ID,
			summary: fmt.Sprintf("Blocker on task %q resolved: %s", task.Title, resolution),
		}}

		if len(task.UnresolvedBlockers()) == 0 {
			prev := task.Status
			task.Status = StatusInProgress
			changes = append(changes,
				change{
					subject: events.SubjectTaskUnblocked,
					taskID:  task.ID,
				},
				change{
					subject: events.SubjectTaskStateChanged,
					taskID:  task.ID,
					data: map[string]interface{}{
						events.KeyFromState: string(prev),
						events.KeyToState:   string(StatusInProgress),
					},
				})
			changes = append(changes, propagateBlockedClear(b, task)...)
		}
		task.UpdatedAt = nowMillis()
		resolved = task
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
