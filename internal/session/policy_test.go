package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
)

func strp(s string) *string { return &s }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestApplyPartialUpdate(t *testing.T) {
	p := PolicyState{Model: "sonnet", Role: "builder"}

	p.Apply(MetaUpdate{
		PermissionMode: strp("yolo"),
		Model:          strp("opus"),
	}, newTestLogger(t))

	assert.Equal(t, roles.ModeBypassPermissions, p.PermissionMode)
	assert.Equal(t, "opus", p.Model)
	assert.Equal(t, "builder", p.Role, "untouched field survives")
}

func TestApplyResetsWithZeroValue(t *testing.T) {
	p := PolicyState{Model: "opus", CustomSystemPrompt: "be brief"}

	p.Apply(MetaUpdate{
		Model:              strp(""),
		CustomSystemPrompt: strp(""),
	}, newTestLogger(t))

	assert.Empty(t, p.Model)
	assert.Empty(t, p.CustomSystemPrompt)
}

func TestApplyEmptyModeRestoresDefault(t *testing.T) {
	p := PolicyState{PermissionMode: roles.ModeBypassPermissions}
	p.Apply(MetaUpdate{PermissionMode: strp("")}, newTestLogger(t))
	assert.Equal(t, roles.ModeDefault, p.PermissionMode)
}

func TestApplyUnknownModeUnchanged(t *testing.T) {
	p := PolicyState{PermissionMode: roles.ModeAcceptEdits}
	p.Apply(MetaUpdate{PermissionMode: strp("turbo")}, newTestLogger(t))
	assert.Equal(t, roles.ModeAcceptEdits, p.PermissionMode)
}

func TestApplyNormalizesRole(t *testing.T) {
	p := PolicyState{}
	p.Apply(MetaUpdate{Role: strp("qa")}, newTestLogger(t))
	assert.Equal(t, "qa-engineer", p.Role)
}

func TestSnapshotAppendsRolePrompt(t *testing.T) {
	registry := roles.NewRegistry()
	p := PolicyState{
		AppendedSystemPrompt: "custom guidance",
		Role:                 "builder",
		TeamID:               "team-1",
	}

	s := p.Snapshot(registry)

	require.True(t, strings.HasPrefix(s.AppendedSystemPrompt, "custom guidance\n"))
	assert.Contains(t, s.AppendedSystemPrompt, "[SYSTEM: TEAM CONTEXT]")
	assert.Contains(t, s.AppendedSystemPrompt, "team-1")
}

func TestSnapshotResolvesRolePermissions(t *testing.T) {
	registry := roles.NewRegistry()
	p := PolicyState{Role: "reviewer", DisallowedTools: []string{"bash"}}

	s := p.Snapshot(registry)

	assert.Equal(t, roles.ModePlan, s.PermissionMode)
	assert.Contains(t, s.DisallowedTools, "bash")
	assert.Contains(t, s.DisallowedTools, "edit")
}

func TestSnapshotBypassRequestWins(t *testing.T) {
	registry := roles.NewRegistry()
	p := PolicyState{Role: "reviewer", PermissionMode: roles.ModeBypassPermissions}
	s := p.Snapshot(registry)
	assert.Equal(t, roles.ModeBypassPermissions, s.PermissionMode)
}

func TestFingerprintStability(t *testing.T) {
	registry := roles.NewRegistry()
	p := PolicyState{Model: "opus", Role: "builder", TeamID: "team-1"}

	first := p.Snapshot(registry)
	second := p.Snapshot(registry)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	p.Model = "sonnet"
	third := p.Snapshot(registry)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
}

func TestFingerprintSeparatesToolLists(t *testing.T) {
	registry := roles.NewRegistry()
	a := PolicyState{AllowedTools: []string{"edit"}}
	b := PolicyState{DisallowedTools: []string{"edit"}}
	assert.NotEqual(t, a.Snapshot(registry).Fingerprint, b.Snapshot(registry).Fingerprint)
}

func TestStripCommand(t *testing.T) {
	assert.Equal(t, "keep going", stripCommand("/clear keep going", "/clear"))
	assert.Equal(t, "", stripCommand("/clear", "/clear"))
	assert.Equal(t, "", stripCommand("/compact   ", "/compact"))
}
