// Package board implements the shared task tree: the team Kanban artifact,
// its state machine, and the propagation rules that keep parent and child
// tasks consistent.
package board

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// Priority orders tasks within a column.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ApprovalStatus tracks coordinator sign-off on a task.
type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
	ApprovalNotRequired ApprovalStatus = "not_required"
)

// ExecutionLinkRole distinguishes the driving session from helpers.
type ExecutionLinkRole string

const (
	LinkPrimary    ExecutionLinkRole = "primary"
	LinkSupporting ExecutionLinkRole = "supporting"
)

// ExecutionLinkStatus is the lifecycle of one session's claim on a task.
type ExecutionLinkStatus string

const (
	LinkActive    ExecutionLinkStatus = "active"
	LinkCompleted ExecutionLinkStatus = "completed"
	LinkAbandoned ExecutionLinkStatus = "abandoned"
)

// BlockerType classifies why a task is stuck.
type BlockerType string

const (
	BlockerDependency BlockerType = "dependency"
	BlockerQuestion   BlockerType = "question"
	BlockerResource   BlockerType = "resource"
	BlockerTechnical  BlockerType = "technical"
)

// MaxTaskDepth bounds the subtask tree. Root tasks have depth 0.
const MaxTaskDepth = 3

// ExecutionLink records one session working a task. At most one link per
// task may be active at a time.
type ExecutionLink struct {
	SessionID string              `json:"session_id"`
	LinkedAt  int64               `json:"linked_at"` // unix ms
	Role      ExecutionLinkRole   `json:"role"`
	Status    ExecutionLinkStatus `json:"status"`
}

// Blocker records one reason a task cannot proceed.
type Blocker struct {
	ID          string      `json:"id"`
	Type        BlockerType `json:"type"`
	Description string      `json:"description"`
	RaisedAt    int64       `json:"raised_at"` // unix ms
	RaisedBy    string      `json:"raised_by"` // session id
	ResolvedAt  int64       `json:"resolved_at,omitempty"`
	ResolvedBy  string      `json:"resolved_by,omitempty"`
	Resolution  string      `json:"resolution,omitempty"`
}

// Resolved reports whether the blocker has been stamped resolved.
func (b *Blocker) Resolved() bool {
	return b.ResolvedAt != 0
}

// StatusPropagation controls how a task's state changes affect its parent
// and children.
type StatusPropagation struct {
	AutoCompleteParent    bool `json:"auto_complete_parent"`
	BlockParentOnBlocked  bool `json:"block_parent_on_blocked"`
	CascadeDeleteSubtasks bool `json:"cascade_delete_subtasks"`
}

// DefaultPropagation returns the default propagation policy.
func DefaultPropagation() StatusPropagation {
	return StatusPropagation{
		AutoCompleteParent:    true,
		BlockParentOnBlocked:  true,
		CascadeDeleteSubtasks: false,
	}
}

// Task is one entry on the team board. Tasks form a tree via ParentTaskID
// and SubtaskIDs, which must stay consistent on both sides.
type Task struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Status          TaskStatus        `json:"status"`
	AssigneeID      string            `json:"assignee_id,omitempty"`
	ReporterID      string            `json:"reporter_id"`
	Priority        Priority          `json:"priority"`
	CreatedAt       int64             `json:"created_at"` // unix ms
	UpdatedAt       int64             `json:"updated_at"` // unix ms
	ParentTaskID    string            `json:"parent_task_id,omitempty"`
	SubtaskIDs      []string          `json:"subtask_ids,omitempty"`
	Depth           int               `json:"depth"`
	ExecutionLinks  []ExecutionLink   `json:"execution_links,omitempty"`
	Blockers        []Blocker         `json:"blockers,omitempty"`
	HasBlockedChild bool              `json:"has_blocked_child"`
	Labels          []string          `json:"labels,omitempty"`
	ApprovalStatus  ApprovalStatus    `json:"approval_status,omitempty"`
	Propagation     StatusPropagation `json:"status_propagation"`
}

// ActiveLink returns the task's active execution link, if any.
func (t *Task) ActiveLink() *ExecutionLink {
	for i := range t.ExecutionLinks {
		if t.ExecutionLinks[i].Status == LinkActive {
			return &t.ExecutionLinks[i]
		}
	}
	return nil
}

// UnresolvedBlockers returns the blockers still open on the task.
func (t *Task) UnresolvedBlockers() []Blocker {
	var open []Blocker
	for _, b := range t.Blockers {
		if !b.Resolved() {
			open = append(open, b)
		}
	}
	return open
}

// Column is one lane of the board.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// DefaultColumns returns the standard board lanes in order.
func DefaultColumns() []Column {
	return []Column{
		{ID: "todo", Title: "To Do"},
		{ID: "in-progress", Title: "In Progress"},
		{ID: "review", Title: "Review"},
		{ID: "done", Title: "Done"},
	}
}

// Board is the team's shared Kanban artifact.
type Board struct {
	TeamID    string           `json:"team_id"`
	Columns   []Column         `json:"columns"`
	Tasks     map[string]*Task `json:"tasks"`
	CreatedAt int64            `json:"created_at"` // unix ms
	UpdatedAt int64            `json:"updated_at"` // unix ms
}

// NewBoard creates an empty board with default columns for the team.
func NewBoard(teamID string) *Board {
	now := nowMillis()
	return &Board{
		TeamID:    teamID,
		Columns:   DefaultColumns(),
		Tasks:     make(map[string]*Task),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone deep-copies the board so retries can mutate a fresh copy.
func (b *Board) Clone() *Board {
	out := &Board{
		TeamID:    b.TeamID,
		Columns:   append([]Column(nil), b.Columns...),
		Tasks:     make(map[string]*Task, len(b.Tasks)),
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
	for id, t := range b.Tasks {
		copied := *t
		copied.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
		copied.ExecutionLinks = append([]ExecutionLink(nil), t.ExecutionLinks...)
		copied.Blockers = append([]Blocker(nil), t.Blockers...)
		copied.Labels = append([]string(nil), t.Labels...)
		out.Tasks[id] = &copied
	}
	return out
}

// CreateTaskInput carries the caller-settable fields for a new task.
type CreateTaskInput struct {
	Title       string
	Description string
	AssigneeID  string
	Priority    Priority
	Labels      []string
}

// TaskDelta carries a partial update. Nil fields leave the current value
// unchanged.
type TaskDelta struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	AssigneeID  *string
	Priority    *Priority
	Labels      *[]string
	Approval    *ApprovalStatus
}

func newTask(input CreateTaskInput, reporterID string) *Task {
	now := nowMillis()
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	return &Task{
		ID:          uuid.New().String(),
		Title:       input.Title,
		Description: input.Description,
		Status:      StatusTodo,
		AssigneeID:  input.AssigneeID,
		ReporterID:  reporterID,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		Labels:      input.Labels,
		Propagation: DefaultPropagation(),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
