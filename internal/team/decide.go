package team

import (
	"strings"

	"github.com/happyagents/happy/internal/roles"
)

// Decision records whether a message deserves a turn and why.
type Decision struct {
	Respond   bool
	Reason    string
	Mentioned bool
	Urgent    bool
}

// Decide applies the filter rules for one incoming message. It is a pure
// function of the message, the registry, and the session's identity.
func Decide(m *Message, registry *roles.Registry, role, sessionID, teamID string) Decision {
	if m.TeamID != teamID {
		return Decision{Reason: "other-team"}
	}

	mentioned := isMentioned(m, role, sessionID)
	urgent := m.Priority() == "urgent"
	fromRole := m.FromRole
	fromUser := fromRole == "" || strings.EqualFold(fromRole, "user")

	base := Decision{Mentioned: mentioned, Urgent: urgent}

	if registry.IsCoordinator(role) {
		base.Respond = true
		base.Reason = "coordinator"
		return base
	}

	if registry.IsWorker(role) {
		switch {
		case mentioned:
			base.Respond, base.Reason = true, "mentioned"
		case !fromUser && registry.IsCoordinator(fromRole):
			base.Respond, base.Reason = true, "from-coordinator"
		case fromUser:
			base.Respond, base.Reason = true, "from-user"
		case m.Type == TypeTaskUpdate:
			base.Respond, base.Reason = true, "task-update"
		case !fromUser && isCollaborator(registry, role, fromRole):
			base.Respond, base.Reason = true, "collaborator"
		default:
			base.Reason = "filtered"
		}
		return base
	}

	switch {
	case mentioned:
		base.Respond, base.Reason = true, "mentioned"
	case urgent:
		base.Respond, base.Reason = true, "urgent"
	case m.Type == TypeTaskUpdate:
		base.Respond, base.Reason = true, "task-update"
	default:
		base.Reason = "filtered"
	}
	return base
}

// isMentioned checks the explicit mention list and an @<role> marker in the
// body. Alias spellings of the role count as mentions of it.
func isMentioned(m *Message, role, sessionID string) bool {
	for _, id := range m.Mentions {
		if id == sessionID {
			return true
		}
	}
	if role == "" {
		return false
	}
	content := strings.ToLower(m.Content)
	if strings.Contains(content, "@"+strings.ToLower(role)) {
		return true
	}
	canonical := roles.Normalize(role)
	return canonical != strings.ToLower(role) && strings.Contains(content, "@"+canonical)
}

func isCollaborator(registry *roles.Registry, role, fromRole string) bool {
	canonical := roles.Normalize(fromRole)
	for _, c := range registry.Collaborators(role) {
		if c == canonical {
			return true
		}
	}
	return false
}
