// Package roles implements the role registry and permission engine. The
// registry is a compiled table; lookups normalize aliases so `qa` and
// `qa-engineer` resolve to the same entry.
package roles

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category classifies a role for filtering and prompt guidance.
type Category string

const (
	CategoryCoordination   Category = "coordination"
	CategoryImplementation Category = "implementation"
	CategoryReview         Category = "review"
	CategoryResearch       Category = "research"
	CategoryProduct        Category = "product"
	CategoryDesign         Category = "design"
	CategoryDocumentation  Category = "documentation"
)

// AccessLevel controls the default tool surface of a role.
type AccessLevel string

const (
	AccessReadOnly   AccessLevel = "read-only"
	AccessFullAccess AccessLevel = "full-access"
)

// PermissionMode mirrors the engine's permission modes.
type PermissionMode string

const (
	ModePlan              PermissionMode = "plan"
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "accept-edits"
	ModeBypassPermissions PermissionMode = "bypass-permissions"
)

// Role is one entry in the registry.
type Role struct {
	ID               string
	DisplayName      string
	Category         Category
	AccessLevel      AccessLevel
	PermissionMode   PermissionMode
	DeniedTools      []string
	// ToolOverrides wins over DeniedTools and the access-level defaults.
	ToolOverrides    map[string]bool
	Responsibilities []string
	Protocol         []string
}

// ReadOnlyDeniedTools are denied by default for read-only roles.
var ReadOnlyDeniedTools = []string{
	"edit",
	"write_to_file",
	"replace_file_content",
	"multi_replace_file_content",
	"move_file",
	"delete_file",
}

// coordinatorIDs may create and delete tasks and resolve blockers.
var coordinatorIDs = map[string]bool{
	"master":          true,
	"orchestrator":    true,
	"project-manager": true,
	"product-owner":   true,
}

// workerIDs implement work and are restricted to their own tasks.
var workerIDs = map[string]bool{
	"builder":            true,
	"framer":             true,
	"implementer":        true,
	"architect":          true,
	"solution-architect": true,
}

// aliases maps alternate spellings to canonical role IDs.
var aliases = map[string]string{
	"qa": "qa-engineer",
	"mm": "minimax",
	"pm": "project-manager",
	"po": "product-owner",
}

// Registry holds the compiled role table.
type Registry struct {
	roles         map[string]*Role
	collaborators map[string][]string
}

// NewRegistry returns a registry populated with the built-in role table.
func NewRegistry() *Registry {
	r := &Registry{
		roles:         make(map[string]*Role),
		collaborators: make(map[string][]string),
	}
	for _, role := range builtinRoles() {
		r.roles[role.ID] = role
	}
	// Collaboration pairs are bidirectional: each side listens to the other
	// even when the filter rules alone would ignore the message.
	r.addCollaboration("architect", "builder")
	r.addCollaboration("solution-architect", "builder")
	r.addCollaboration("framer", "ux-designer")
	r.addCollaboration("qa-engineer", "builder")
	r.addCollaboration("qa-engineer", "implementer")
	r.addCollaboration("reviewer", "builder")
	return r
}

func (r *Registry) addCollaboration(a, b string) {
	r.collaborators[a] = append(r.collaborators[a], b)
	r.collaborators[b] = append(r.collaborators[b], a)
}

// Normalize canonicalizes a role ID: lowercase, underscores become hyphens,
// aliases resolve to their canonical role.
func Normalize(roleID string) string {
	id := strings.ToLower(strings.TrimSpace(roleID))
	id = strings.ReplaceAll(id, "_", "-")
	if canonical, ok := aliases[id]; ok {
		return canonical
	}
	return id
}

// Lookup returns the role for the given ID (after normalization).
func (r *Registry) Lookup(roleID string) (*Role, bool) {
	role, ok := r.roles[Normalize(roleID)]
	return role, ok
}

// IsCoordinator reports whether the role belongs to the coordinator set.
func (r *Registry) IsCoordinator(roleID string) bool {
	return coordinatorIDs[Normalize(roleID)]
}

// IsWorker reports whether the role belongs to the worker set.
func (r *Registry) IsWorker(roleID string) bool {
	return workerIDs[Normalize(roleID)]
}

// Collaborators returns the roles the given role listens to in addition to
// the standard filter rules.
func (r *Registry) Collaborators(roleID string) []string {
	return r.collaborators[Normalize(roleID)]
}

// IDs returns all registered role IDs, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.roles))
	for id := range r.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// roleOverride is the YAML shape for a single role override entry.
type roleOverride struct {
	DisplayName      string   `yaml:"displayName"`
	Category         string   `yaml:"category"`
	AccessLevel      string   `yaml:"accessLevel"`
	PermissionMode   string   `yaml:"permissionMode"`
	DeniedTools      []string `yaml:"deniedTools"`
	AllowTools       []string `yaml:"allowTools"`
	DenyTools        []string `yaml:"denyTools"`
	Responsibilities []string `yaml:"responsibilities"`
	Protocol         []string `yaml:"protocol"`
}

// LoadOverrides merges role definitions from a YAML file into the registry.
// Entries for unknown role IDs create new roles; entries for existing roles
// replace only the fields they set.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading role overrides: %w", err)
	}

	var file struct {
		Roles map[string]roleOverride `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing role overrides: %w", err)
	}

	for id, ov := range file.Roles {
		canonical := Normalize(id)
		role, ok := r.roles[canonical]
		if !ok {
			role = &Role{
				ID:             canonical,
				DisplayName:    canonical,
				Category:       CategoryImplementation,
				AccessLevel:    AccessFullAccess,
				PermissionMode: ModeDefault,
			}
			r.roles[canonical] = role
		}
		if ov.DisplayName != "" {
			role.DisplayName = ov.DisplayName
		}
		if ov.Category != "" {
			role.Category = Category(ov.Category)
		}
		if ov.AccessLevel != "" {
			role.AccessLevel = AccessLevel(ov.AccessLevel)
		}
		if ov.PermissionMode != "" {
			role.PermissionMode = PermissionMode(ov.PermissionMode)
		}
		if len(ov.DeniedTools) > 0 {
			role.DeniedTools = ov.DeniedTools
		}
		if len(ov.Responsibilities) > 0 {
			role.Responsibilities = ov.Responsibilities
		}
		if len(ov.Protocol) > 0 {
			role.Protocol = ov.Protocol
		}
		if len(ov.AllowTools) > 0 || len(ov.DenyTools) > 0 {
			if role.ToolOverrides == nil {
				role.ToolOverrides = make(map[string]bool)
			}
			for _, tool := range ov.AllowTools {
				role.ToolOverrides[tool] = true
			}
			for _, tool := range ov.DenyTools {
				role.ToolOverrides[tool] = false
			}
		}
	}

	return nil
}

func builtinRoles() []*Role {
	return []*Role{
		{
			ID:             "master",
			DisplayName:    "Master",
			Category:       CategoryCoordination,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Own the overall goal and break it into tasks on the team board",
				"Assign tasks to workers and track their progress",
				"Resolve blockers reported by any team member",
				"Decide when the goal is met and close out the board",
			},
			Protocol: []string{
				"Create tasks before announcing work in chat",
				"Answer help-needed messages promptly",
				"Keep the board consistent with reality",
			},
		},
		{
			ID:             "orchestrator",
			DisplayName:    "Orchestrator",
			Category:       CategoryCoordination,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Sequence the team's tasks and manage dependencies between them",
				"Balance load across workers",
				"Escalate stuck tasks and reassign when needed",
			},
			Protocol: []string{
				"Keep task descriptions actionable",
				"Announce reassignments in team chat",
			},
		},
		{
			ID:             "project-manager",
			DisplayName:    "Project Manager",
			Category:       CategoryCoordination,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			Responsibilities: []string{
				"Track scope, status, and blockers across the board",
				"Keep priorities up to date",
				"Summarize progress for the team",
			},
			Protocol: []string{
				"Post a status summary after significant board changes",
				"Flag tasks that have been in-progress too long",
			},
		},
		{
			ID:             "product-owner",
			DisplayName:    "Product Owner",
			Category:       CategoryProduct,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			Responsibilities: []string{
				"Define what to build and in what order",
				"Write acceptance criteria into task descriptions",
				"Accept or reject completed work",
			},
			Protocol: []string{
				"Review tasks entering the review column",
				"Keep priorities aligned with the goal",
			},
		},
		{
			ID:             "builder",
			DisplayName:    "Builder",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Implement assigned tasks end to end",
				"Move your task to in-progress before starting and to done when finished",
				"Report blockers instead of silently stalling",
			},
			Protocol: []string{
				"Claim unassigned todo tasks only when idle",
				"Mention the relevant coordinator when blocked",
			},
		},
		{
			ID:             "framer",
			DisplayName:    "Framer",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Lay out scaffolding, interfaces, and skeletons for other workers",
				"Keep the structure consistent across modules",
			},
			Protocol: []string{
				"Announce new scaffolding so builders can fill it in",
				"Coordinate with the ux-designer on user-facing structure",
			},
		},
		{
			ID:             "implementer",
			DisplayName:    "Implementer",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Fill in well-specified tasks with working code",
				"Write tests alongside the implementation",
			},
			Protocol: []string{
				"Ask for clarification when a task is underspecified",
			},
		},
		{
			ID:             "architect",
			DisplayName:    "Architect",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			Responsibilities: []string{
				"Design module boundaries and data flow before implementation starts",
				"Review structural decisions made by builders",
			},
			Protocol: []string{
				"Record design decisions in task descriptions",
			},
		},
		{
			ID:             "solution-architect",
			DisplayName:    "Solution Architect",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			Responsibilities: []string{
				"Map requirements onto the existing system and external services",
				"Identify integration risks early",
			},
			Protocol: []string{
				"Surface cross-task dependencies to the coordinator",
			},
		},
		{
			ID:             "reviewer",
			DisplayName:    "Reviewer",
			Category:       CategoryReview,
			AccessLevel:    AccessReadOnly,
			PermissionMode: ModePlan,
			Responsibilities: []string{
				"Review completed work for correctness and style",
				"Leave findings as team messages; never edit files directly",
			},
			Protocol: []string{
				"Pick up tasks in the review column",
				"Approve or request changes with concrete reasons",
			},
		},
		{
			ID:             "qa-engineer",
			DisplayName:    "QA Engineer",
			Category:       CategoryReview,
			AccessLevel:    AccessReadOnly,
			PermissionMode: ModePlan,
			Responsibilities: []string{
				"Exercise completed work and report defects as tasks",
				"Verify fixes before tasks leave review",
			},
			Protocol: []string{
				"Reproduce before reporting",
				"Link defect tasks to the task they came from",
			},
		},
		{
			ID:             "observer",
			DisplayName:    "Observer",
			Category:       CategoryReview,
			AccessLevel:    AccessReadOnly,
			PermissionMode: ModePlan,
			Responsibilities: []string{
				"Watch team activity without participating",
			},
			Protocol: []string{
				"Do not claim or modify tasks",
			},
		},
		{
			ID:             "researcher",
			DisplayName:    "Researcher",
			Category:       CategoryResearch,
			AccessLevel:    AccessReadOnly,
			PermissionMode: ModePlan,
			Responsibilities: []string{
				"Investigate questions the team raises and report findings",
				"Compare approaches before the team commits to one",
			},
			Protocol: []string{
				"Post findings as team messages with sources",
			},
		},
		{
			ID:             "scout",
			DisplayName:    "Scout",
			Category:       CategoryResearch,
			AccessLevel:    AccessReadOnly,
			PermissionMode: ModePlan,
			Responsibilities: []string{
				"Survey the codebase and summarize relevant areas for upcoming tasks",
			},
			Protocol: []string{
				"Keep summaries short and link to files",
			},
		},
		{
			ID:             "ux-designer",
			DisplayName:    "UX Designer",
			Category:       CategoryDesign,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			Responsibilities: []string{
				"Shape user-facing flows and review them after implementation",
				"Keep terminology and interaction patterns consistent",
			},
			Protocol: []string{
				"Coordinate with the framer on structure",
			},
		},
		{
			ID:             "tech-writer",
			DisplayName:    "Tech Writer",
			Category:       CategoryDocumentation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeDefault,
			DeniedTools:    []string{"delete_file"},
			Responsibilities: []string{
				"Document completed features and keep existing docs current",
			},
			Protocol: []string{
				"Update docs in the same task when scope allows",
			},
		},
		{
			ID:             "minimax",
			DisplayName:    "MiniMax",
			Category:       CategoryImplementation,
			AccessLevel:    AccessFullAccess,
			PermissionMode: ModeAcceptEdits,
			Responsibilities: []string{
				"Handle small, well-bounded tasks quickly",
			},
			Protocol: []string{
				"Prefer many small completed tasks over one large open one",
			},
		},
	}
}
