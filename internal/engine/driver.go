package engine

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
	"github.com/happyagents/happy/internal/session"
)

// Driver is the blocking worker between the turn queue and the engine. One
// driver per session; one outstanding turn at a time.
type Driver struct {
	engine   Engine
	queue    *session.TurnQueue
	registry *roles.Registry
	log      *logger.Logger

	// fatal delivers at most one terminal driver error to the runtime.
	fatal chan error
}

// NewDriver creates a driver over the given engine and queue.
func NewDriver(eng Engine, queue *session.TurnQueue, registry *roles.Registry, log *logger.Logger) *Driver {
	return &Driver{
		engine:   eng,
		queue:    queue,
		registry: registry,
		log:      log.WithFields(zap.String("component", "engine-driver")),
		fatal:    make(chan error, 1),
	}
}

// Fatal returns the channel that reports a terminal engine failure. The
// runtime reacts by shutting the session down.
func (d *Driver) Fatal() <-chan error {
	return d.fatal
}

// Run consumes turns until the queue closes or the context ends. An engine
// error other than cancellation is terminal.
func (d *Driver) Run(ctx context.Context) {
	for {
		turn, err := d.queue.Pop(ctx)
		if err != nil {
			if err != session.ErrQueueClosed && ctx.Err() == nil {
				d.reportFatal(apperrors.EngineFailure(err))
			}
			return
		}

		d.log.Debug("running turn",
			zap.String("kind", string(turn.Kind)),
			zap.String("role", turn.Policy.Role))

		req := RunRequest{
			Text:                 turn.Text,
			PermissionMode:       string(turn.Policy.PermissionMode),
			Model:                turn.Policy.Model,
			FallbackModel:        turn.Policy.FallbackModel,
			CustomSystemPrompt:   turn.Policy.CustomSystemPrompt,
			AppendedSystemPrompt: turn.Policy.AppendedSystemPrompt,
			AllowedTools:         turn.Policy.AllowedTools,
			DisallowedTools:      turn.Policy.DisallowedTools,
			OnToolCall:           d.toolGate(turn.Policy),
		}

		if err := d.engine.Run(ctx, req); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("engine turn failed", zap.Error(err))
			d.reportFatal(apperrors.EngineFailure(err))
			return
		}
	}
}

// toolGate checks every tool call against the turn's role and the turn's
// disallowed list. Denials name the deciding rule so the engine can relay
// an understandable rejection.
func (d *Driver) toolGate(policy session.Snapshot) ToolCallFunc {
	return func(tool string, args map[string]interface{}) ToolVerdict {
		for _, denied := range policy.DisallowedTools {
			if denied == tool {
				d.log.Debug("tool call denied",
					zap.String("tool", tool),
					zap.String("reason", roles.ReasonRoleDisallowed))
				return ToolVerdict{Allow: false, Reason: roles.ReasonRoleDisallowed}
			}
		}
		if policy.Role == "" {
			return ToolVerdict{Allow: true, Reason: roles.ReasonDefaultAllow}
		}
		decision := d.registry.Check(policy.Role, tool)
		if !decision.Allow {
			d.log.Debug("tool call denied",
				zap.String("tool", tool),
				zap.String("role", policy.Role),
				zap.String("reason", decision.Reason))
		}
		return ToolVerdict{Allow: decision.Allow, Reason: decision.Reason}
	}
}

// Interrupt forwards an interrupt request to the engine.
func (d *Driver) Interrupt(ctx context.Context) error {
	return d.engine.Interrupt(ctx)
}

func (d *Driver) reportFatal(err error) {
	select {
	case d.fatal <- err:
	default:
	}
}
