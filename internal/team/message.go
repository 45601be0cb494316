// Package team implements the team message pipeline: deciding which incoming
// messages deserve an agent turn, the join ritual, and message formatting.
package team

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageType classifies a team message.
type MessageType string

const (
	TypeChat                 MessageType = "chat"
	TypeTaskUpdate           MessageType = "task-update"
	TypeNotification         MessageType = "notification"
	TypeHelpNeeded           MessageType = "help-needed"
	TypeCollaborationRequest MessageType = "collaboration-request"
	TypeHandoff              MessageType = "handoff"
	TypeSystem               MessageType = "system"
)

// shortContentMax bounds the ShortContent field.
const shortContentMax = 160

// Message is one immutable team message. Messages merge into the local
// store by ID.
type Message struct {
	ID            string                 `json:"id"`
	TeamID        string                 `json:"team_id"`
	Content       string                 `json:"content"`
	ShortContent  string                 `json:"short_content,omitempty"`
	Type          MessageType            `json:"type"`
	Timestamp     int64                  `json:"timestamp"` // unix ms
	FromSessionID string                 `json:"from_session_id"`
	FromRole      string                 `json:"from_role,omitempty"`
	Mentions      []string               `json:"mentions,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message from this session with a fresh ID and
// timestamp. Short content is derived when the body is long.
func NewMessage(teamID, content string, msgType MessageType, fromSessionID, fromRole string) *Message {
	m := &Message{
		ID:            uuid.New().String(),
		TeamID:        teamID,
		Content:       content,
		Type:          msgType,
		Timestamp:     time.Now().UnixMilli(),
		FromSessionID: fromSessionID,
		FromRole:      fromRole,
	}
	if len(content) > shortContentMax {
		// Back up to a rune boundary so the cut never splits a code point.
		cut := shortContentMax
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		m.ShortContent = content[:cut]
	}
	return m
}

// Priority returns the metadata priority field, if present.
func (m *Message) Priority() string {
	if m.Metadata == nil {
		return ""
	}
	if p, ok := m.Metadata["priority"].(string); ok {
		return p
	}
	return ""
}

// TaskID returns the metadata task id field, if present.
func (m *Message) TaskID() string {
	if m.Metadata == nil {
		return ""
	}
	if id, ok := m.Metadata["task_id"].(string); ok {
		return id
	}
	return ""
}
