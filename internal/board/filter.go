package board

import (
	"sort"

	"github.com/happyagents/happy/internal/roles"
)

// Stats summarizes the board by status.
type Stats struct {
	Total      int `json:"total"`
	Todo       int `json:"todo"`
	InProgress int `json:"in_progress"`
	Review     int `json:"review"`
	Done       int `json:"done"`
	Blocked    int `json:"blocked"`
}

// FilteredView is the role-scoped slice of the board handed to an agent.
type FilteredView struct {
	Mine             []*Task `json:"mine"`
	Available        []*Task `json:"available"`
	PendingApprovals []*Task `json:"pending_approvals"`
	Recent           []*Task `json:"recent"`
	Stats            Stats   `json:"stats"`
}

// recentLimit caps the recent list in a filtered view.
const recentLimit = 10

// FilterTasks produces the role-scoped view of the board. Coordinators see
// everything; workers and other roles see their own tasks plus unassigned
// todo tasks, with stats still computed over the whole board.
func FilterTasks(tasks []*Task, registry *roles.Registry, role, sessionID string) FilteredView {
	view := FilteredView{}
	coordinator := registry.IsCoordinator(role)

	for _, t := range tasks {
		switch t.Status {
		case StatusTodo:
			view.Stats.Todo++
		case StatusInProgress:
			view.Stats.InProgress++
		case StatusReview:
			view.Stats.Review++
		case StatusDone:
			view.Stats.Done++
		case StatusBlocked:
			view.Stats.Blocked++
		}
		view.Stats.Total++

		if t.AssigneeID == sessionID {
			view.Mine = append(view.Mine, t)
		} else if t.AssigneeID == "" && t.Status == StatusTodo {
			view.Available = append(view.Available, t)
		} else if !coordinator {
			continue
		}

		if coordinator && t.ApprovalStatus == ApprovalPending {
			view.PendingApprovals = append(view.PendingApprovals, t)
		}
		view.Recent = append(view.Recent, t)
	}

	sortByPriority(view.Mine)
	sortByPriority(view.Available)
	sort.Slice(view.Recent, func(i, j int) bool {
		return view.Recent[i].UpdatedAt > view.Recent[j].UpdatedAt
	})
	if len(view.Recent) > recentLimit {
		view.Recent = view.Recent[:recentLimit]
	}
	return view
}

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

func sortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return priorityRank[tasks[i].Priority] < priorityRank[tasks[j].Priority]
	})
}
