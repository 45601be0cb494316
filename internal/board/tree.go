package board

import (
	"context"

	apperrors "github.com/happyagents/happy/internal/common/errors"
)

// TaskTree is a task with its resolved children, rooted at one task.
type TaskTree struct {
	Task     *Task       `json:"task"`
	Children []*TaskTree `json:"children,omitempty"`
}

// ListSubtasks returns the direct children of a task, or the whole subtree
// in depth-first order when nested is true.
func (m *Manager) ListSubtasks(ctx context.Context, parentID string, nested bool) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	parent, ok := m.board.Tasks[parentID]
	if !ok {
		return nil, apperrors.NotFound("task", parentID)
	}

	var out []*Task
	var walk func(t *Task)
	walk = func(t *Task) {
		for _, id := range t.SubtaskIDs {
			child, ok := m.board.Tasks[id]
			if !ok {
				continue
			}
			copied := *child
			out = append(out, &copied)
			if nested {
				walk(child)
			}
		}
	}
	walk(parent)
	return out, nil
}

// GetTaskTree returns the subtree rooted at rootID.
func (m *Manager) GetTaskTree(ctx context.Context, rootID string) (*TaskTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	root, ok := m.board.Tasks[rootID]
	if !ok {
		return nil, apperrors.NotFound("task", rootID)
	}
	return buildTree(m.board, root), nil
}

func buildTree(b *Board, task *Task) *TaskTree {
	copied := *task
	node := &TaskTree{Task: &copied}
	for _, id := range task.SubtaskIDs {
		if child, ok := b.Tasks[id]; ok {
			node.Children = append(node.Children, buildTree(b, child))
		}
	}
	return node
}
