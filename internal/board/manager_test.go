package board

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/events"
	"github.com/happyagents/happy/internal/events/bus"
	"github.com/happyagents/happy/internal/roles"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// recordingNotifier captures task-update summaries.
type recordingNotifier struct {
	mu        sync.Mutex
	summaries []string
}

func (n *recordingNotifier) NotifyTaskUpdate(ctx context.Context, taskID, summary string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.summaries...)
}

type fixture struct {
	api      *MemoryAPI
	bus      *bus.MemoryEventBus
	registry *roles.Registry
	notifier *recordingNotifier
	log      *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		api:      NewMemoryAPI(),
		bus:      bus.NewMemoryEventBus(newTestLogger(t)),
		registry: roles.NewRegistry(),
		notifier: &recordingNotifier{},
		log:      newTestLogger(t),
	}
}

func (f *fixture) manager(sessionID, role string) *Manager {
	return NewManager(f.api, f.bus, f.registry, f.notifier, f.log, "team-1", sessionID, role, 2)
}

func TestGetBoard_LazyInit(t *testing.T) {
	f := newFixture(t)
	m := f.manager("s1", "master")
	ctx := context.Background()

	b, err := m.GetBoard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "team-1", b.TeamID)
	assert.Len(t, b.Columns, 4)
	assert.Empty(t, b.Tasks)

	// Second manager sees the same artifact, not a fresh one.
	b2, err := f.manager("s2", "builder").GetBoard(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.CreatedAt, b2.CreatedAt)
}

func TestCreateTask_CoordinatorOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager("s1", "builder").CreateTask(ctx, CreateTaskInput{Title: "x"})
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	task, err := f.manager("s2", "master").CreateTask(ctx, CreateTaskInput{Title: "build the thing"})
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, task.Status)
	assert.Equal(t, PriorityMedium, task.Priority)
	assert.Equal(t, "s2", task.ReporterID)
	assert.Equal(t, 0, task.Depth)
}

func TestUpdateTask_WorkerGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coordinator := f.manager("boss", "master")

	task, err := coordinator.CreateTask(ctx, CreateTaskInput{Title: "t", AssigneeID: "other"})
	require.NoError(t, err)

	// Worker may not touch a task assigned to someone else.
	worker := f.manager("w1", "builder")
	status := StatusInProgress
	_, err = worker.UpdateTask(ctx, task.ID, TaskDelta{Status: &status})
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	// Reviewer is read-only.
	reviewer := f.manager("r1", "reviewer")
	_, err = reviewer.UpdateTask(ctx, task.ID, TaskDelta{Status: &status})
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	// Coordinator modifies freely.
	_, err = coordinator.UpdateTask(ctx, task.ID, TaskDelta{Status: &status})
	assert.NoError(t, err)
}

func TestUpdateTask_WorkerClaimsUnassigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager("boss", "master").CreateTask(ctx, CreateTaskInput{Title: "free"})
	require.NoError(t, err)

	worker := f.manager("w1", "builder")
	self := "w1"
	claimed, err := worker.UpdateTask(ctx, task.ID, TaskDelta{AssigneeID: &self})
	require.NoError(t, err)
	assert.Equal(t, "w1", claimed.AssigneeID)

	// A second worker cannot steal it.
	thief := "w2"
	_, err = f.manager("w2", "builder").UpdateTask(ctx, task.ID, TaskDelta{AssigneeID: &thief})
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
}

func TestReadOnlyRoleCannotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager("boss", "master").CreateTask(ctx, CreateTaskInput{Title: "t"})
	require.NoError(t, err)

	reviewer := f.manager("r1", "reviewer")
	_, err = reviewer.StartTask(ctx, task.ID)
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
	_, err = reviewer.CompleteTask(ctx, task.ID)
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
	_, err = reviewer.ReportBlocker(ctx, task.ID, BlockerTechnical, "flaky build")
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
	_, err = reviewer.CreateSubtask(ctx, task.ID, CreateTaskInput{Title: "sub"})
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	// None of the rejected calls left a trace on the task.
	got, err := reviewer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, got.Status)
	assert.Empty(t, got.AssigneeID)
	assert.Empty(t, got.ExecutionLinks)
	assert.Empty(t, got.Blockers)
}

func TestLifecycleMutationsRequireOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager("boss", "master").CreateTask(ctx, CreateTaskInput{Title: "t", AssigneeID: "w1"})
	require.NoError(t, err)

	// A worker cannot complete or block a task assigned to someone else.
	other := f.manager("w2", "builder")
	_, err = other.CompleteTask(ctx, task.ID)
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
	_, err = other.ReportBlocker(ctx, task.ID, BlockerDependency, "waiting on w1")
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	// The assignee runs the full lifecycle.
	owner := f.manager("w1", "builder")
	_, err = owner.StartTask(ctx, task.ID)
	require.NoError(t, err)
	done, err := owner.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)
}

func TestCreateSubtask_InheritanceAndDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root", AssigneeID: "w1", Priority: PriorityHigh})
	require.NoError(t, err)

	child, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "child"})
	require.NoError(t, err)
	assert.Equal(t, "w1", child.AssigneeID)
	assert.Equal(t, PriorityHigh, child.Priority)
	assert.Equal(t, 1, child.Depth)

	// Creating the first subtask moves a todo parent to in-progress.
	parent, err := m.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, parent.Status)
	assert.Equal(t, []string{child.ID}, parent.SubtaskIDs)

	// Nest to the depth limit.
	d2, err := m.CreateSubtask(ctx, child.ID, CreateTaskInput{Title: "d2"})
	require.NoError(t, err)
	d3, err := m.CreateSubtask(ctx, d2.ID, CreateTaskInput{Title: "d3"})
	require.NoError(t, err)
	assert.Equal(t, 3, d3.Depth)

	_, err = m.CreateSubtask(ctx, d3.ID, CreateTaskInput{Title: "too deep"})
	assert.Equal(t, apperrors.ErrCodeDepthExceeded, apperrors.Code(err))
}

func TestStartTask_Contention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager("boss", "master").CreateTask(ctx, CreateTaskInput{Title: "t"})
	require.NoError(t, err)

	w1 := f.manager("w1", "builder")
	started, err := w1.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	require.NotNil(t, started.ActiveLink())
	assert.Equal(t, "w1", started.ActiveLink().SessionID)
	assert.Equal(t, "w1", started.AssigneeID)

	// Another worker cannot take over an actively worked task.
	_, err = f.manager("w2", "builder").StartTask(ctx, task.ID)
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))

	// A coordinator can; the old link is abandoned, one link stays active.
	taken, err := f.manager("boss", "master").StartTask(ctx, task.ID)
	require.NoError(t, err)
	active := 0
	for _, link := range taken.ExecutionLinks {
		if link.Status == LinkActive {
			active++
			assert.Equal(t, "boss", link.SessionID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestCompleteTask_SubtasksMustBeDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root"})
	require.NoError(t, err)
	child, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "child"})
	require.NoError(t, err)

	_, err = m.CompleteTask(ctx, root.ID)
	assert.Equal(t, apperrors.ErrCodeSubtasksIncomplete, apperrors.Code(err))

	_, err = m.CompleteTask(ctx, child.ID)
	require.NoError(t, err)
	_, err = m.CompleteTask(ctx, root.ID)
	assert.NoError(t, err)
}

// Completing the last child moves the parent to review, not done, and the
// rule repeats upward.
func TestCompletionPropagation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root"})
	require.NoError(t, err)
	mid, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "mid"})
	require.NoError(t, err)
	leafA, err := m.CreateSubtask(ctx, mid.ID, CreateTaskInput{Title: "leaf a"})
	require.NoError(t, err)
	leafB, err := m.CreateSubtask(ctx, mid.ID, CreateTaskInput{Title: "leaf b"})
	require.NoError(t, err)

	_, err = m.CompleteTask(ctx, leafA.ID)
	require.NoError(t, err)
	got, err := m.GetTask(ctx, mid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status, "one leaf open keeps parent in-progress")

	_, err = m.CompleteTask(ctx, leafB.ID)
	require.NoError(t, err)
	got, err = m.GetTask(ctx, mid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReview, got.Status)

	// Mid entering review counts as complete for root, which advances too.
	gotRoot, err := m.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReview, gotRoot.Status)
}

func TestBlockerPropagation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root"})
	require.NoError(t, err)
	mid, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "mid"})
	require.NoError(t, err)
	leaf, err := m.CreateSubtask(ctx, mid.ID, CreateTaskInput{Title: "leaf"})
	require.NoError(t, err)

	blockedTask, err := m.ReportBlocker(ctx, leaf.ID, BlockerQuestion, "waiting on answer")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blockedTask.Status)
	require.Len(t, blockedTask.Blockers, 1)

	for _, id := range []string{mid.ID, root.ID} {
		anc, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, anc.HasBlockedChild, "ancestor %s should carry the flag", id)
	}

	resolved, err := m.ResolveBlocker(ctx, leaf.ID, blockedTask.Blockers[0].ID, "answered")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, resolved.Status)
	assert.True(t, resolved.Blockers[0].Resolved())

	for _, id := range []string{mid.ID, root.ID} {
		anc, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.False(t, anc.HasBlockedChild, "ancestor %s should be cleared", id)
	}
}

func TestResolveBlocker_CoordinatorOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager("boss", "master").CreateTask(ctx, CreateTaskInput{Title: "t", AssigneeID: "w1"})
	require.NoError(t, err)
	worker := f.manager("w1", "builder")
	blockedTask, err := worker.ReportBlocker(ctx, task.ID, BlockerTechnical, "broken dependency")
	require.NoError(t, err)

	_, err = worker.ResolveBlocker(ctx, task.ID, blockedTask.Blockers[0].ID, "fixed")
	assert.Equal(t, apperrors.ErrCodeForbiddenByRole, apperrors.Code(err))
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root"})
	require.NoError(t, err)
	child, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "child"})
	require.NoError(t, err)

	assert.Equal(t, apperrors.ErrCodeForbiddenByRole,
		apperrors.Code(f.manager("w1", "builder").DeleteTask(ctx, root.ID)))

	// Default policy promotes children instead of cascading.
	require.NoError(t, m.DeleteTask(ctx, root.ID))
	orphan, err := m.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, orphan.ParentTaskID)
	assert.Equal(t, 0, orphan.Depth)
}

// conflictAPI injects version conflicts into the first n writes.
type conflictAPI struct {
	*MemoryAPI
	mu       sync.Mutex
	failures int
}

func (c *conflictAPI) SaveBoard(ctx context.Context, teamID string, b *Board, expectedVersion int64) (int64, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return 0, apperrors.VersionConflict("board")
	}
	c.mu.Unlock()
	return c.MemoryAPI.SaveBoard(ctx, teamID, b, expectedVersion)
}

func TestMutate_RetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	api := &conflictAPI{MemoryAPI: f.api, failures: 2}
	m := NewManager(api, f.bus, f.registry, f.notifier, f.log, "team-1", "boss", "master", 2)

	task, err := m.CreateTask(ctx, CreateTaskInput{Title: "eventually"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
}

func TestMutate_ConflictUnresolvedAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	api := &conflictAPI{MemoryAPI: f.api, failures: 10}
	m := NewManager(api, f.bus, f.registry, f.notifier, f.log, "team-1", "boss", "master", 2)

	// Seed the board so lazy init succeeds before the conflicting write.
	_, err := m.GetBoard(ctx)
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, CreateTaskInput{Title: "never"})
	assert.Equal(t, apperrors.ErrCodeConflictUnresolved, apperrors.Code(err))
}

func TestBroadcast_EventsAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var subjects []string
	_, err := f.bus.Subscribe("task.>", func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		subjects = append(subjects, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	m := f.manager("boss", "master")
	task, err := m.CreateTask(ctx, CreateTaskInput{Title: "observable"})
	require.NoError(t, err)
	_, err = m.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	mu.Lock()
	assert.Contains(t, subjects, events.SubjectTaskCreated)
	assert.Contains(t, subjects, events.SubjectTaskStateChanged)
	mu.Unlock()

	summaries := f.notifier.all()
	require.NotEmpty(t, summaries)
	assert.Contains(t, summaries[0], "observable")
}

func TestApplyRemote_UpdatesCacheAndRepublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("s1", "builder")

	_, err := m.GetBoard(ctx)
	require.NoError(t, err)

	received := make(chan *bus.Event, 1)
	_, err = f.bus.Subscribe(events.SubjectTaskUpdated, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	remote := &Task{ID: "remote-1", Title: "from server", Status: StatusTodo}
	m.ApplyRemote(ctx, events.SubjectTaskUpdated, remote, 99)

	select {
	case e := <-received:
		assert.Equal(t, "server", e.Source)
		assert.Equal(t, "remote-1", e.Data[events.KeyTaskID])
	default:
		t.Fatal("expected republished event")
	}

	got, err := m.GetTask(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "from server", got.Title)
}

func TestGetTaskTreeAndListSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("boss", "master")

	root, err := m.CreateTask(ctx, CreateTaskInput{Title: "root"})
	require.NoError(t, err)
	a, err := m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "a"})
	require.NoError(t, err)
	_, err = m.CreateSubtask(ctx, a.ID, CreateTaskInput{Title: "a1"})
	require.NoError(t, err)
	_, err = m.CreateSubtask(ctx, root.ID, CreateTaskInput{Title: "b"})
	require.NoError(t, err)

	direct, err := m.ListSubtasks(ctx, root.ID, false)
	require.NoError(t, err)
	assert.Len(t, direct, 2)

	nested, err := m.ListSubtasks(ctx, root.ID, true)
	require.NoError(t, err)
	assert.Len(t, nested, 3)

	tree, err := m.GetTaskTree(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, tree.Task.ID)
	require.Len(t, tree.Children, 2)
	assert.Len(t, tree.Children[0].Children, 1)
}
