package roles

import (
	"fmt"
	"strings"
)

// Prompt builds the team-context block appended to every turn's system
// prompt. An unknown or empty role yields the empty string so the turn
// carries no team context.
func (r *Registry) Prompt(roleID, teamID string) string {
	if roleID == "" {
		return ""
	}
	role, ok := r.Lookup(roleID)
	if !ok {
		return ""
	}

	var b strings.Builder
	b.WriteString("[SYSTEM: TEAM CONTEXT]\n")
	if teamID != "" {
		fmt.Fprintf(&b, "Team: %s\n", teamID)
	}
	fmt.Fprintf(&b, "Role: %s\n\n", role.DisplayName)

	if len(role.Responsibilities) > 0 {
		b.WriteString("Responsibilities:\n")
		for i, line := range role.Responsibilities {
			fmt.Fprintf(&b, "%d. %s\n", i+1, line)
		}
		b.WriteString("\n")
	}

	if len(role.Protocol) > 0 {
		b.WriteString("Protocol:\n")
		for _, line := range role.Protocol {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	b.WriteString(nextSteps(r, role))
	return b.String()
}

// nextSteps returns category guidance describing the expected working loop.
func nextSteps(r *Registry, role *Role) string {
	switch {
	case r.IsCoordinator(role.ID):
		return "Next steps: list_tasks, create tasks for outstanding work, then announce them in team chat.\n"
	case r.IsWorker(role.ID):
		return "Next steps: list_tasks, move your task to in-progress, do the work, then mark it done.\n"
	case role.Category == CategoryReview:
		return "Next steps: list_tasks, pick up tasks in review, inspect without editing, and report findings in team chat.\n"
	case role.Category == CategoryResearch:
		return "Next steps: list_tasks, investigate open questions, and post findings in team chat.\n"
	default:
		return "Next steps: list_tasks and coordinate with the team before making changes.\n"
	}
}
