package engine

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
)

// Subprocess runs the external assistant CLI one process per turn. Policy
// travels as command-line flags, so the assistant enforces the permission
// mode and tool lists natively; the driver's tool gate covers tools the
// assistant reports back over MCP.
type Subprocess struct {
	command string
	log     *logger.Logger

	mu      sync.Mutex
	opts    BeginOptions
	current *exec.Cmd
}

// NewSubprocess creates an engine that shells out to the given command.
func NewSubprocess(command string, log *logger.Logger) *Subprocess {
	return &Subprocess{
		command: command,
		log:     log.WithFields(zap.String("component", "engine")),
	}
}

// Begin records the session-level options. The process itself starts per
// turn in Run.
func (e *Subprocess) Begin(ctx context.Context, opts BeginOptions) error {
	if _, err := exec.LookPath(e.command); err != nil {
		return apperrors.EngineFailure(err)
	}
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()
	if opts.OnReady != nil {
		opts.OnReady()
	}
	return nil
}

// Run executes one turn and blocks until the assistant finishes it.
func (e *Subprocess) Run(ctx context.Context, req RunRequest) error {
	args := []string{"--print"}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.FallbackModel != "" {
		args = append(args, "--fallback-model", req.FallbackModel)
	}
	if req.CustomSystemPrompt != "" {
		args = append(args, "--system-prompt", req.CustomSystemPrompt)
	}
	if req.AppendedSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AppendedSystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(req.DisallowedTools, ","))
	}

	e.mu.Lock()
	opts := e.opts
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Stdin = strings.NewReader(req.Text)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(opts.ExtraToolServers) > 0 {
		cmd.Env = append(os.Environ(),
			"MCP_SERVERS="+strings.Join(opts.ExtraToolServers, ","))
	}
	e.current = cmd
	e.mu.Unlock()

	e.log.Debug("starting engine turn",
		zap.String("command", e.command),
		zap.Int("args", len(args)))

	err := cmd.Run()

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.EngineFailure(err)
	}
	return nil
}

// Interrupt signals the in-flight turn's process, if any. Interrupting a
// live turn counts as the local user taking control, so the mode-change
// callback fires before the signal.
func (e *Subprocess) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	cmd := e.current
	onModeChange := e.opts.OnModeChange
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if onModeChange != nil {
		onModeChange(ControlLocal)
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

// Close stops any in-flight turn.
func (e *Subprocess) Close() error {
	return e.Interrupt(context.Background())
}
