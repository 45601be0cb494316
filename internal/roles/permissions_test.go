package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_UnknownRole(t *testing.T) {
	r := NewRegistry()

	d := r.Check("warlock", "edit")
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonUnknownRole, d.Reason)
}

func TestCheck_ReadOnlyRoleDeniedWriteTools(t *testing.T) {
	r := NewRegistry()

	for _, tool := range ReadOnlyDeniedTools {
		d := r.Check("reviewer", tool)
		assert.False(t, d.Allow, "tool %s should be denied for reviewer", tool)
		assert.Equal(t, ReasonRoleAccessLevel, d.Reason)
	}

	d := r.Check("reviewer", "read_file")
	assert.True(t, d.Allow)
	assert.Equal(t, ReasonDefaultAllow, d.Reason)
}

func TestCheck_FullAccessRoleAllowed(t *testing.T) {
	r := NewRegistry()

	d := r.Check("builder", "edit")
	assert.True(t, d.Allow)
	assert.Equal(t, ReasonDefaultAllow, d.Reason)
}

func TestCheck_RoleDeniedToolList(t *testing.T) {
	r := NewRegistry()

	d := r.Check("tech-writer", "delete_file")
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonRoleDisallowed, d.Reason)

	d = r.Check("tech-writer", "edit")
	assert.True(t, d.Allow)
}

func TestCheck_ExplicitOverrideWins(t *testing.T) {
	r := NewRegistry()
	role, ok := r.Lookup("reviewer")
	require.True(t, ok)
	role.ToolOverrides = map[string]bool{"edit": true, "read_file": false}

	d := r.Check("reviewer", "edit")
	assert.True(t, d.Allow)
	assert.Equal(t, ReasonRoleExplicitAllow, d.Reason)

	d = r.Check("reviewer", "read_file")
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonRoleExplicitDeny, d.Reason)
}

func TestCheck_NormalizesRoleID(t *testing.T) {
	r := NewRegistry()

	d := r.Check("QA_Engineer", "edit")
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonRoleAccessLevel, d.Reason)
}

// Equal inputs must always produce equal decisions.
func TestCheck_Deterministic(t *testing.T) {
	r := NewRegistry()

	first := r.Check("builder", "delete_file")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Check("builder", "delete_file"))
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := []struct {
		in   string
		want PermissionMode
		ok   bool
	}{
		{"plan", ModePlan, true},
		{"default", ModeDefault, true},
		{"accept", ModeAcceptEdits, true},
		{"accept-edits", ModeAcceptEdits, true},
		{"yolo", ModeBypassPermissions, true},
		{"safe-yolo", ModeBypassPermissions, true},
		{"danger", ModeBypassPermissions, true},
		{"bypass-permissions", ModeBypassPermissions, true},
		{"BYPASS", ModeBypassPermissions, true},
		{"turbo", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeMode(tt.in)
		assert.Equal(t, tt.ok, ok, "mode %q", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "mode %q", tt.in)
		}
	}
}

func TestEffectivePermissions_BypassKept(t *testing.T) {
	r := NewRegistry()

	p := r.EffectivePermissions("reviewer", "yolo", nil)
	assert.Equal(t, ModeBypassPermissions, p.Mode)
}

func TestEffectivePermissions_RoleModeWinsOverNonBypassRequest(t *testing.T) {
	r := NewRegistry()

	p := r.EffectivePermissions("builder", "plan", nil)
	assert.Equal(t, ModeAcceptEdits, p.Mode)
}

func TestEffectivePermissions_UnknownRoleDefaults(t *testing.T) {
	r := NewRegistry()

	p := r.EffectivePermissions("warlock", "", nil)
	assert.Equal(t, ModeDefault, p.Mode)
	assert.Empty(t, p.DisallowedTools)
}

func TestEffectivePermissions_UnionsDeniedTools(t *testing.T) {
	r := NewRegistry()

	p := r.EffectivePermissions("tech-writer", "", []string{"bash", "delete_file"})
	assert.ElementsMatch(t, []string{"bash", "delete_file"}, p.DisallowedTools)
}
