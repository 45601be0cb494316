package team

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/happyagents/happy/internal/roles"
)

func chatFrom(fromRole, content string) *Message {
	return &Message{
		ID:            "m1",
		TeamID:        "T",
		Content:       content,
		Type:          TypeChat,
		FromSessionID: "other",
		FromRole:      fromRole,
	}
}

func TestDecide_DropsOtherTeam(t *testing.T) {
	registry := roles.NewRegistry()
	m := chatFrom("master", "hello")
	m.TeamID = "other-team"

	d := Decide(m, registry, "builder", "s1", "T")
	assert.False(t, d.Respond)
	assert.Equal(t, "other-team", d.Reason)
}

func TestDecide_CoordinatorAlwaysResponds(t *testing.T) {
	registry := roles.NewRegistry()

	d := Decide(chatFrom("framer", "mundane chatter"), registry, "master", "s1", "T")
	assert.True(t, d.Respond)
	assert.Equal(t, "coordinator", d.Reason)
}

func TestDecide_WorkerMatrix(t *testing.T) {
	registry := roles.NewRegistry()

	tests := []struct {
		name    string
		msg     *Message
		respond bool
		reason  string
	}{
		{
			name:    "peer chat ignored",
			msg:     chatFrom("framer", "just chatting"),
			respond: false,
			reason:  "filtered",
		},
		{
			name: "task update injected",
			msg: &Message{ID: "m", TeamID: "T", Type: TypeTaskUpdate,
				FromSessionID: "other", FromRole: "framer", Content: "task moved"},
			respond: true,
			reason:  "task-update",
		},
		{
			name:    "mention by role injected",
			msg:     chatFrom("framer", "@builder please help"),
			respond: true,
			reason:  "mentioned",
		},
		{
			name:    "from coordinator injected",
			msg:     chatFrom("orchestrator", "do the thing"),
			respond: true,
			reason:  "from-coordinator",
		},
		{
			name:    "from user injected",
			msg:     chatFrom("", "anyone there?"),
			respond: true,
			reason:  "from-user",
		},
		{
			name:    "explicit user role injected",
			msg:     chatFrom("user", "status please"),
			respond: true,
			reason:  "from-user",
		},
		{
			name:    "collaborator widens the filter",
			msg:     chatFrom("architect", "interface is ready"),
			respond: true,
			reason:  "collaborator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.msg, registry, "builder", "s1", "T")
			assert.Equal(t, tt.respond, d.Respond)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecide_UnclassifiedRole(t *testing.T) {
	registry := roles.NewRegistry()

	d := Decide(chatFrom("framer", "chatter"), registry, "researcher", "s1", "T")
	assert.False(t, d.Respond)

	urgent := chatFrom("framer", "everything is on fire")
	urgent.Metadata = map[string]interface{}{"priority": "urgent"}
	d = Decide(urgent, registry, "researcher", "s1", "T")
	assert.True(t, d.Respond)
	assert.Equal(t, "urgent", d.Reason)
	assert.True(t, d.Urgent)

	d = Decide(chatFrom("framer", "@researcher can you dig into this"), registry, "researcher", "s1", "T")
	assert.True(t, d.Respond)
	assert.Equal(t, "mentioned", d.Reason)
}

func TestDecide_MentionBySessionID(t *testing.T) {
	registry := roles.NewRegistry()
	m := chatFrom("framer", "please look")
	m.Mentions = []string{"s1"}

	d := Decide(m, registry, "builder", "s1", "T")
	assert.True(t, d.Respond)
	assert.True(t, d.Mentioned)
}

// A role addressed by its alias is still mentioned.
func TestDecide_AliasMention(t *testing.T) {
	registry := roles.NewRegistry()

	d := Decide(chatFrom("builder", "@qa-engineer please verify"), registry, "qa", "s1", "T")
	assert.True(t, d.Respond)
	assert.True(t, d.Mentioned)
}

func TestFormatMessage_Banners(t *testing.T) {
	m := chatFrom("framer", "@builder help")
	out := FormatMessage(m, Decision{Respond: true, Mentioned: true})
	assert.Contains(t, out, "[MENTIONED]")
	assert.Contains(t, out, "[TEAM MESSAGE from framer, type=chat]")
	assert.Contains(t, out, "@builder help")

	out = FormatMessage(m, Decision{Respond: true, Urgent: true})
	assert.Contains(t, out, "[URGENT]")
	assert.NotContains(t, out, "[MENTIONED]")
}
