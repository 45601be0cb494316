// Package events defines the bus subjects used across the runtime and
// provides the event bus constructor.
package events

import "fmt"

// Task lifecycle subjects, published by the board manager.
const (
	SubjectTaskCreated      = "task.created"
	SubjectTaskUpdated      = "task.updated"
	SubjectTaskDeleted      = "task.deleted"
	SubjectTaskStateChanged = "task.state_changed"
	SubjectTaskBlocked      = "task.blocked"
	SubjectTaskUnblocked    = "task.unblocked"
)

// Team subjects, published when the push listener receives server frames.
const (
	SubjectTeamMessageReceived = "team.message.received"
	SubjectMetadataUpdated     = "team.metadata.updated"
)

// Session lifecycle subjects.
const (
	SubjectSessionStarted  = "session.started"
	SubjectSessionArchived = "session.archived"
	SubjectTurnStarted     = "session.turn.started"
	SubjectTurnCompleted   = "session.turn.completed"
	SubjectEngineFailure   = "session.engine.failure"
)

// TeamSubject scopes a subject to one team, e.g. "team.message.received.<id>".
// Subscribers that only care about their own team use this; "<subject>.>"
// still matches all teams.
func TeamSubject(subject, teamID string) string {
	return fmt.Sprintf("%s.%s", subject, teamID)
}

// Event data keys. Payloads are flat maps; these are the keys producers set.
const (
	KeyTaskID     = "task_id"
	KeyTeamID     = "team_id"
	KeySessionID  = "session_id"
	KeyMessageID  = "message_id"
	KeyFromState  = "from_state"
	KeyToState    = "to_state"
	KeyActorRole  = "actor_role"
	KeyTurnID     = "turn_id"
	KeyReason     = "reason"
)
