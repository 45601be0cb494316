package roles

// Stable reason strings for permission decisions. Callers log and surface
// these verbatim, so they must never change.
const (
	ReasonRoleExplicitDeny  = "role-explicit-deny"
	ReasonRoleExplicitAllow = "role-explicit-allow"
	ReasonRoleAccessLevel   = "role-access-level"
	ReasonUnknownRole       = "unknown-role"
	ReasonRoleDisallowed    = "role-disallowed-list"
	ReasonDefaultAllow      = "default-allow"
)

// Decision is the result of a tool permission check.
type Decision struct {
	Allow  bool
	Reason string
}

// Check decides whether a role may invoke a tool. The decision is a pure
// function of the role table, so equal inputs always produce equal results.
func (r *Registry) Check(roleID, tool string) Decision {
	role, ok := r.Lookup(roleID)
	if !ok {
		return Decision{Allow: false, Reason: ReasonUnknownRole}
	}

	if allow, ok := role.ToolOverrides[tool]; ok {
		if allow {
			return Decision{Allow: true, Reason: ReasonRoleExplicitAllow}
		}
		return Decision{Allow: false, Reason: ReasonRoleExplicitDeny}
	}

	for _, denied := range role.DeniedTools {
		if denied == tool {
			return Decision{Allow: false, Reason: ReasonRoleDisallowed}
		}
	}

	if role.AccessLevel == AccessReadOnly {
		for _, denied := range ReadOnlyDeniedTools {
			if denied == tool {
				return Decision{Allow: false, Reason: ReasonRoleAccessLevel}
			}
		}
	}

	return Decision{Allow: true, Reason: ReasonDefaultAllow}
}

// modeAliases maps requested permission-mode spellings to canonical modes.
// The bypass aliases are explicit user opt-ins and are honored as such.
var modeAliases = map[string]PermissionMode{
	"plan":               ModePlan,
	"default":            ModeDefault,
	"accept":             ModeAcceptEdits,
	"accept-edits":       ModeAcceptEdits,
	"acceptedits":        ModeAcceptEdits,
	"yolo":               ModeBypassPermissions,
	"safe-yolo":          ModeBypassPermissions,
	"safe":               ModeBypassPermissions,
	"danger":             ModeBypassPermissions,
	"bypass":             ModeBypassPermissions,
	"bypass-permissions": ModeBypassPermissions,
	"bypasspermissions":  ModeBypassPermissions,
}

// NormalizeMode canonicalizes a permission-mode string. Unknown modes return
// ok=false; callers fall back to the role default and log a warning.
func NormalizeMode(mode string) (PermissionMode, bool) {
	canonical, ok := modeAliases[Normalize(mode)]
	return canonical, ok
}

// Permissions is the effective policy for one session.
type Permissions struct {
	Mode            PermissionMode
	DisallowedTools []string
}

// EffectivePermissions resolves the permission mode and disallowed-tool list
// for a role. An explicit bypass request wins over the role's own mode;
// any other requested mode yields to the role's mode, then to default. The
// role's denied tools, and the read-only defaults for read-only roles, are
// unioned into the caller's disallowed list.
func (r *Registry) EffectivePermissions(roleID, requestedMode string, disallowed []string) Permissions {
	mode := ModeDefault
	role, known := r.Lookup(roleID)
	if known && role.PermissionMode != "" {
		mode = role.PermissionMode
	}

	if requested, ok := NormalizeMode(requestedMode); ok && requested == ModeBypassPermissions {
		mode = ModeBypassPermissions
	}

	seen := make(map[string]bool, len(disallowed))
	merged := make([]string, 0, len(disallowed))
	for _, tool := range disallowed {
		if !seen[tool] {
			seen[tool] = true
			merged = append(merged, tool)
		}
	}
	if known {
		for _, tool := range role.DeniedTools {
			if !seen[tool] {
				seen[tool] = true
				merged = append(merged, tool)
			}
		}
		if role.AccessLevel == AccessReadOnly {
			for _, tool := range ReadOnlyDeniedTools {
				if allow, ok := role.ToolOverrides[tool]; ok && allow {
					continue
				}
				if !seen[tool] {
					seen[tool] = true
					merged = append(merged, tool)
				}
			}
		}
	}

	return Permissions{Mode: mode, DisallowedTools: merged}
}
