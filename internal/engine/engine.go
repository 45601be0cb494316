// Package engine drives the external assistant engine: it consumes turns
// from the session queue and gates the engine's tool calls through the
// permission engine.
package engine

import "context"

// ControlMode is who currently drives the engine.
type ControlMode string

const (
	ControlLocal  ControlMode = "local"
	ControlRemote ControlMode = "remote"
)

// ToolVerdict answers one tool-call request.
type ToolVerdict struct {
	Allow  bool
	Reason string
}

// ToolCallFunc is invoked for every tool call the engine attempts.
type ToolCallFunc func(tool string, args map[string]interface{}) ToolVerdict

// BeginOptions configures the engine before the first turn.
type BeginOptions struct {
	WorkingDir       string
	ExtraToolServers []string
	OnModeChange     func(mode ControlMode)
	OnReady          func()
}

// RunRequest is one turn handed to the engine. The policy fields come from
// the turn's snapshot, never from live state.
type RunRequest struct {
	Text                 string
	PermissionMode       string
	Model                string
	FallbackModel        string
	CustomSystemPrompt   string
	AppendedSystemPrompt string
	AllowedTools         []string
	DisallowedTools      []string
	OnToolCall           ToolCallFunc
}

// Engine is the protocol-opaque surface of the external assistant.
type Engine interface {
	// Begin starts the engine process and registers callbacks.
	Begin(ctx context.Context, opts BeginOptions) error

	// Run feeds one turn and blocks until the engine finishes it.
	Run(ctx context.Context, req RunRequest) error

	// Interrupt asks the engine to stop the in-flight turn.
	Interrupt(ctx context.Context) error

	// Close terminates the engine.
	Close() error
}
