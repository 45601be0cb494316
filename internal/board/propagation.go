package board

import "github.com/happyagents/happy/internal/events"

// propagateCompletion walks ancestors of a completed task. A parent whose
// children are all done moves to review, never straight to done; closing a
// parent for good stays a deliberate coordinator action.
func propagateCompletion(b *Board, task *Task) []change {
	var changes []change
	current := task
	for current.ParentTaskID != "" {
		parent, ok := b.Tasks[current.ParentTaskID]
		if !ok || !parent.Propagation.AutoCompleteParent {
			break
		}
		if !allChildrenDone(b, parent) {
			break
		}
		if parent.Status == StatusDone || parent.Status == StatusReview {
			break
		}
		prev := parent.Status
		parent.Status = StatusReview
		parent.UpdatedAt = nowMillis()
		changes = append(changes, change{
			subject: events.SubjectTaskStateChanged,
			taskID:  parent.ID,
			summary: "Task \"" + parent.Title + "\" ready for review",
			data: map[string]interface{}{
				events.KeyFromState: string(prev),
				events.KeyToState:   string(StatusReview),
			},
		})
		current = parent
	}
	return changes
}

// allChildrenDone treats review as complete for propagation purposes: a
// parent that just reached review lets its own parent advance too.
func allChildrenDone(b *Board, parent *Task) bool {
	for _, id := range parent.SubtaskIDs {
		child, ok := b.Tasks[id]
		if !ok {
			continue
		}
		if child.Status != StatusDone && child.Status != StatusReview {
			return false
		}
	}
	return len(parent.SubtaskIDs) > 0
}

// propagateBlockedSet sets has-blocked-child on each ancestor that opted in
// to blocker propagation, stopping at the first one that did not.
func propagateBlockedSet(b *Board, task *Task) []change {
	var changes []change
	current := task
	for current.ParentTaskID != "" {
		parent, ok := b.Tasks[current.ParentTaskID]
		if !ok || !parent.Propagation.BlockParentOnBlocked {
			break
		}
		if !parent.HasBlockedChild {
			parent.HasBlockedChild = true
			parent.UpdatedAt = nowMillis()
			changes = append(changes, change{
				subject: events.SubjectTaskUpdated,
				taskID:  parent.ID,
			})
		}
		current = parent
	}
	return changes
}

// propagateBlockedClear re-derives has-blocked-child for each ancestor from
// its immediate children, walking up until the derived value stops changing.
func propagateBlockedClear(b *Board, task *Task) []change {
	var changes []change
	current := task
	for current.ParentTaskID != "" {
		parent, ok := b.Tasks[current.ParentTaskID]
		if !ok {
			break
		}
		derived := anyChildBlocked(b, parent)
		if parent.HasBlockedChild == derived {
			break
		}
		parent.HasBlockedChild = derived
		parent.UpdatedAt = nowMillis()
		changes = append(changes, change{
			subject: events.SubjectTaskUpdated,
			taskID:  parent.ID,
		})
		current = parent
	}
	return changes
}

func anyChildBlocked(b *Board, parent *Task) bool {
	for _, id := range parent.SubtaskIDs {
		child, ok := b.Tasks[id]
		if !ok {
			continue
		}
		if child.Status == StatusBlocked || child.HasBlockedChild {
			return true
		}
	}
	return false
}

// collectSubtree returns the ids of a task and all its descendants.
func collectSubtree(b *Board, task *Task) []string {
	ids := []string{task.ID}
	for _, childID := range task.SubtaskIDs {
		if child, ok := b.Tasks[childID]; ok {
			ids = append(ids, collectSubtree(b, child)...)
		}
	}
	return ids
}

// rebaseDepth sets a task's depth and recomputes descendants.
func rebaseDepth(b *Board, task *Task, depth int) {
	task.Depth = depth
	for _, childID := range task.SubtaskIDs {
		if child, ok := b.Tasks[childID]; ok {
			rebaseDepth(b, child, depth+1)
		}
	}
}
