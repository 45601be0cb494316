// Package session implements the session runtime: the event router that owns
// policy state, the turn queue, and the session lifecycle.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
)

// PolicyState is the session's mutable policy. The runtime is its only
// writer; everything else sees immutable snapshots.
type PolicyState struct {
	PermissionMode       roles.PermissionMode
	Model                string
	FallbackModel        string
	CustomSystemPrompt   string
	AppendedSystemPrompt string
	AllowedTools         []string
	DisallowedTools      []string
	Role                 string
	TeamID               string
}

// MetaUpdate is a partial policy override. A nil field leaves the current
// value unchanged; a pointer to the zero value resets the field.
type MetaUpdate struct {
	PermissionMode       *string
	Model                *string
	FallbackModel        *string
	CustomSystemPrompt   *string
	AppendedSystemPrompt *string
	AllowedTools         *[]string
	DisallowedTools      *[]string
	Role                 *string
	TeamID               *string
}

// Apply merges an override into the policy. Unknown permission modes are
// logged and leave the current mode unchanged; role ids are normalized.
func (p *PolicyState) Apply(meta MetaUpdate, log *logger.Logger) {
	if meta.PermissionMode != nil {
		if *meta.PermissionMode == "" {
			p.PermissionMode = roles.ModeDefault
		} else if mode, ok := roles.NormalizeMode(*meta.PermissionMode); ok {
			p.PermissionMode = mode
		} else {
			log.Warn("ignoring unrecognized permission mode",
				zap.String("mode", *meta.PermissionMode))
		}
	}
	if meta.Model != nil {
		p.Model = *meta.Model
	}
	if meta.FallbackModel != nil {
		p.FallbackModel = *meta.FallbackModel
	}
	if meta.CustomSystemPrompt != nil {
		p.CustomSystemPrompt = *meta.CustomSystemPrompt
	}
	if meta.AppendedSystemPrompt != nil {
		p.AppendedSystemPrompt = *meta.AppendedSystemPrompt
	}
	if meta.AllowedTools != nil {
		p.AllowedTools = append([]string(nil), (*meta.AllowedTools)...)
	}
	if meta.DisallowedTools != nil {
		p.DisallowedTools = append([]string(nil), (*meta.DisallowedTools)...)
	}
	if meta.Role != nil {
		p.Role = roles.Normalize(*meta.Role)
	}
	if meta.TeamID != nil {
		p.TeamID = *meta.TeamID
	}
}

// Snapshot is the immutable policy carried by a turn. The appended prompt
// already includes the role prompt for the role and team at capture time.
type Snapshot struct {
	PermissionMode       roles.PermissionMode
	Model                string
	FallbackModel        string
	CustomSystemPrompt   string
	AppendedSystemPrompt string
	AllowedTools         []string
	DisallowedTools      []string
	Role                 string
	TeamID               string
	Fingerprint          string
}

// Snapshot captures the current policy. The effective permission mode and
// disallowed tools are resolved through the registry, and the role prompt is
// appended to the system prompt.
func (p *PolicyState) Snapshot(registry *roles.Registry) Snapshot {
	perms := registry.EffectivePermissions(p.Role, string(p.PermissionMode), p.DisallowedTools)

	appended := p.AppendedSystemPrompt
	if rolePrompt := registry.Prompt(p.Role, p.TeamID); rolePrompt != "" {
		if appended != "" {
			appended += "\n"
		}
		appended += rolePrompt
	}

	s := Snapshot{
		PermissionMode:       perms.Mode,
		Model:                p.Model,
		FallbackModel:        p.FallbackModel,
		CustomSystemPrompt:   p.CustomSystemPrompt,
		AppendedSystemPrompt: appended,
		AllowedTools:         append([]string(nil), p.AllowedTools...),
		DisallowedTools:      perms.DisallowedTools,
		Role:                 p.Role,
		TeamID:               p.TeamID,
	}
	s.Fingerprint = s.fingerprint()
	return s
}

// fingerprint hashes every policy-relevant field so equal snapshots compare
// by one string.
func (s *Snapshot) fingerprint() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	write(string(s.PermissionMode), s.Model, s.FallbackModel,
		s.CustomSystemPrompt, s.AppendedSystemPrompt, s.Role, s.TeamID)
	write(s.AllowedTools...)
	write("|")
	write(s.DisallowedTools...)
	return hex.EncodeToString(h.Sum(nil))
}

// stripCommand removes a leading slash command from turn text, returning
// the remainder.
func stripCommand(text, command string) string {
	rest := strings.TrimPrefix(text, command)
	return strings.TrimSpace(rest)
}
