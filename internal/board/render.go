package board

import (
	"fmt"
	"strings"
)

// renderCreated produces the task-update message for a new task.
func renderCreated(t *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task created: %q [%s]", t.Title, t.Priority)
	if t.AssigneeID != "" {
		fmt.Fprintf(&b, " assigned to %s", t.AssigneeID)
	}
	if t.ParentTaskID != "" {
		fmt.Fprintf(&b, " (subtask of %s)", t.ParentTaskID)
	}
	return b.String()
}

// renderUpdated produces the task-update message for a partial update.
func renderUpdated(t *Task, delta TaskDelta) string {
	var parts []string
	if delta.Status != nil {
		parts = append(parts, fmt.Sprintf("status → %s", *delta.Status))
	}
	if delta.AssigneeID != nil {
		if *delta.AssigneeID == "" {
			parts = append(parts, "unassigned")
		} else {
			parts = append(parts, fmt.Sprintf("assignee → %s", *delta.AssigneeID))
		}
	}
	if delta.Priority != nil {
		parts = append(parts, fmt.Sprintf("priority → %s", *delta.Priority))
	}
	if delta.Title != nil {
		parts = append(parts, "title changed")
	}
	if delta.Description != nil {
		parts = append(parts, "description changed")
	}
	if delta.Approval != nil {
		parts = append(parts, fmt.Sprintf("approval → %s", *delta.Approval))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Task %q updated", t.Title)
	}
	return fmt.Sprintf("Task %q updated: %s", t.Title, strings.Join(parts, ", "))
}

// RenderView renders a filtered view as the board section of a context
// bundle.
func RenderView(view FilteredView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Board: %d tasks (%d todo, %d in-progress, %d review, %d done, %d blocked)\n",
		view.Stats.Total, view.Stats.Todo, view.Stats.InProgress,
		view.Stats.Review, view.Stats.Done, view.Stats.Blocked)

	writeSection := func(title string, tasks []*Task) {
		if len(tasks) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, t := range tasks {
			fmt.Fprintf(&b, "- [%s] %s (%s", t.Status, t.Title, t.Priority)
			if t.HasBlockedChild {
				b.WriteString(", blocked subtask")
			}
			b.WriteString(")\n")
		}
	}

	writeSection("Your tasks", view.Mine)
	writeSection("Available", view.Available)
	writeSection("Awaiting approval", view.PendingApprovals)
	return b.String()
}
