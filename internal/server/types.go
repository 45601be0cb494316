// Package server provides the client for the coordination server: REST
// operations, artifact compare-and-swap, the key-value store, and the
// websocket push channel.
package server

import (
	"encoding/json"

	"github.com/happyagents/happy/internal/board"
	"github.com/happyagents/happy/internal/team"
)

// SessionDescriptor is the server's record of one agent session.
type SessionDescriptor struct {
	ID        string                 `json:"id"`
	Tag       string                 `json:"tag"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	State     map[string]interface{} `json:"state,omitempty"`
	CreatedAt int64                  `json:"created_at"`
	UpdatedAt int64                  `json:"updated_at"`
}

// Machine identifies the host an agent runs on.
type Machine struct {
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Artifact is a versioned header/body pair. The team board lives in the
// body; the header carries display metadata. Header and body carry
// independent versions for CAS.
type Artifact struct {
	Header        json.RawMessage `json:"header"`
	Body          json.RawMessage `json:"body"`
	HeaderVersion int64           `json:"header_version"`
	BodyVersion   int64           `json:"body_version"`
}

// KVEntry is one versioned key-value record. Version -1 on a mutation means
// create-if-absent.
type KVEntry struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// KVCreateVersion requests creation of a missing key in KVMutate.
const KVCreateVersion int64 = -1

// MessagePage is one page of team messages, newest first.
type MessagePage struct {
	Messages []*team.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// PushEventType discriminates frames on the push channel.
type PushEventType string

const (
	PushTeamMessage    PushEventType = "team-message"
	PushMetadataUpdate PushEventType = "metadata-update"
	PushTaskEvent      PushEventType = "task-event"
)

// TaskEventPayload is the task-event frame body.
type TaskEventPayload struct {
	Type    string      `json:"type"` // created, updated, deleted
	TaskID  string      `json:"taskId"`
	Task    *board.Task `json:"task,omitempty"`
	Version int64       `json:"version"`
}

// PushEvent is one decoded frame from the push channel.
type PushEvent struct {
	Type      PushEventType          `json:"type"`
	Message   *team.Message          `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TaskEvent *TaskEventPayload      `json:"taskEvent,omitempty"`
}
