// Command happy runs one agent session: it wraps the external assistant
// engine, joins the configured team, and keeps the shared board and message
// history in sync with the coordination server. The same binary also ships
// as "aha"; the invoked name selects the brand.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/happyagents/happy/internal/board"
	"github.com/happyagents/happy/internal/common/brand"
	"github.com/happyagents/happy/internal/common/config"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/engine"
	"github.com/happyagents/happy/internal/events"
	"github.com/happyagents/happy/internal/mcpserver"
	"github.com/happyagents/happy/internal/roles"
	"github.com/happyagents/happy/internal/server"
	"github.com/happyagents/happy/internal/session"
	sessionstore "github.com/happyagents/happy/internal/session/store"
	"github.com/happyagents/happy/internal/storage"
	"github.com/happyagents/happy/internal/team"
)

const defaultEngineCommand = "claude"

func main() {
	os.Exit(run())
}

func run() int {
	b := brand.Detect(os.Args[0])

	cfg, err := config.Load(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", b.Name, err)
		return 1
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: logger: %v\n", b.Name, err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	machineID := b.Env("MACHINE_ID")
	if machineID == "" {
		log.Error("machine id is required", zap.String("env", b.EnvPrefix+"_MACHINE_ID"))
		return 1
	}
	token := b.Env("API_TOKEN")

	home, err := b.HomeDir()
	if err != nil {
		log.Error("could not resolve home directory", zap.Error(err))
		return 1
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		log.Error("could not create state directory", zap.Error(err))
		return 1
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = filepath.Join(home, "teams")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(home, "sessions.db")
	}

	registry := roles.NewRegistry()
	if overrides := filepath.Join(home, "roles.yaml"); fileExists(overrides) {
		if err := registry.LoadOverrides(overrides); err != nil {
			log.Warn("could not load role overrides", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Error("event bus init failed", zap.Error(err))
		return 1
	}
	defer bus.Close()

	client := server.NewClient(cfg.Server, token, log)
	if _, err := client.GetOrCreateMachine(ctx, &server.Machine{ID: machineID}); err != nil {
		log.Error("machine registration failed", zap.Error(err))
		return 1
	}

	tag := cfg.Session.SessionName
	if tag == "" {
		tag = uuid.New().String()
	}
	desc, err := client.GetOrCreateSession(ctx, tag, map[string]interface{}{
		"role":       cfg.Session.Role,
		"team_id":    cfg.Session.TeamID,
		"machine_id": machineID,
		"path":       cfg.Session.SessionPath,
	}, nil)
	if err != nil {
		log.Error("session registration failed", zap.Error(err))
		return 1
	}
	sessionID := desc.ID
	log = log.WithSessionID(sessionID)

	records, err := sessionstore.Open(cfg.Database.Path)
	if err != nil {
		log.Error("session store init failed", zap.Error(err))
		return 1
	}
	defer records.Close()

	if err := records.Save(ctx, &sessionstore.Record{
		ID:         sessionID,
		Tag:        tag,
		WorkingDir: cfg.Session.SessionPath,
		MachineID:  machineID,
		Lifecycle:  string(session.LifecycleInitializing),
		StartedBy:  "terminal",
		Role:       cfg.Session.Role,
		TeamID:     cfg.Session.TeamID,
	}); err != nil {
		log.Warn("could not record session locally", zap.Error(err))
	}

	messageStore := storage.NewStore(cfg.Storage, log)
	pipeline := team.NewPipeline(messageStore, client, registry, log, sessionID)
	boardStore := server.NewBoardStore(client)

	boardFor := func(teamID, role string) *board.Manager {
		notifier := &taskNotifier{
			pipeline:  pipeline,
			teamID:    teamID,
			sessionID: sessionID,
			role:      role,
			log:       log,
		}
		return board.NewManager(boardStore, bus, registry, notifier, log,
			teamID, sessionID, role, cfg.Server.WriteRetries)
	}

	engineCmd := b.Env("ENGINE_CMD")
	if engineCmd == "" {
		engineCmd = defaultEngineCommand
	}
	eng := engine.NewSubprocess(engineCmd, log)

	queue := session.NewTurnQueue()
	driver := engine.NewDriver(eng, queue, registry, log)

	listener := server.NewPushListener(cfg.Server, token, sessionID, log)

	rt := session.NewRuntime(session.Deps{
		SessionID:   sessionID,
		Registry:    registry,
		Queue:       queue,
		Pipeline:    pipeline,
		BoardFor:    boardFor,
		Coordinator: client,
		Recorder:    records,
		Driver:      driver,
		Bus:         bus,
		PushEvents:  listener.Events(),
		Logger:      log,
		Initial:     initialPolicy(cfg, log),
	})

	var toolServers []string
	var mcpShutdown func()
	if cfg.Tools.McpServerEnabled {
		tools := mcpserver.New(mcpserver.Deps{
			Registry: registry,
			Pipeline: pipeline,
			Boards:   rt.BoardManager,
			Session: func() mcpserver.SessionInfo {
				p := rt.Policy()
				return mcpserver.SessionInfo{
					SessionID: sessionID,
					Role:      p.Role,
					TeamID:    p.TeamID,
				}
			},
			Logger: log,
		})
		mcpShutdown, err = tools.ServeHTTP(ctx, fmt.Sprintf(":%d", cfg.Tools.McpServerPort))
		if err != nil {
			log.Error("mcp server failed to start", zap.Error(err))
			return 1
		}
		defer mcpShutdown()
	}
	if cfg.Tools.ExtraServerURL != "" {
		toolServers = append(toolServers, cfg.Tools.ExtraServerURL)
	}

	if err := eng.Begin(ctx, engine.BeginOptions{
		WorkingDir:       cfg.Session.SessionPath,
		ExtraToolServers: toolServers,
		OnModeChange: func(mode engine.ControlMode) {
			log.Info("engine control mode changed", zap.String("mode", string(mode)))
			rt.SetControlledByUser(ctx, mode == engine.ControlLocal)
		},
	}); err != nil {
		log.Error("engine startup failed", zap.Error(err))
		return 1
	}
	defer eng.Close()

	if err := rt.Start(ctx); err != nil {
		log.Error("session start failed", zap.Error(err))
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			rt.Shutdown("signal")
		case <-rt.Done():
		}
		return nil
	})

	// Stdin blocks in Read and cannot be cancelled, so it stays outside the
	// group; the process exits without waiting for it.
	go readUserTurns(ctx, rt, log)

	<-rt.Done()
	stop()
	_ = g.Wait()

	if rt.ShutdownReason() == "engine-failure" {
		return 1
	}
	return 0
}

// initialPolicy seeds the session policy from config. The permission mode
// goes through the same Apply path as runtime overrides, so an unrecognized
// value keeps the default mode and logs a warning.
func initialPolicy(cfg *config.Config, log *logger.Logger) session.PolicyState {
	p := session.PolicyState{
		PermissionMode: roles.ModeDefault,
		Model:          cfg.Session.Model,
		FallbackModel:  cfg.Session.FallbackModel,
		Role:           roles.Normalize(cfg.Session.Role),
		TeamID:         cfg.Session.TeamID,
	}
	if cfg.Session.PermissionMode != "" {
		p.Apply(session.MetaUpdate{PermissionMode: &cfg.Session.PermissionMode}, log)
	}
	return p
}

// readUserTurns feeds stdin lines to the runtime as user turns until EOF or
// shutdown. The /compact and /clear commands are handled by the runtime.
func readUserTurns(ctx context.Context, rt *session.Runtime, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := rt.PushUserTurn(ctx, line, session.MetaUpdate{}); err != nil {
			log.Warn("could not enqueue user turn", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn("stdin closed", zap.Error(err))
	}
}

// taskNotifier relays board mutation summaries to the team as task-update
// messages.
type taskNotifier struct {
	pipeline  *team.Pipeline
	teamID    string
	sessionID string
	role      string
	log       *logger.Logger
}

func (n *taskNotifier) NotifyTaskUpdate(ctx context.Context, taskID, summary string) {
	msg := team.NewMessage(n.teamID, summary, team.TypeTaskUpdate, n.sessionID, n.role)
	msg.Metadata = map[string]interface{}{"task_id": taskID}
	if err := n.pipeline.Send(ctx, msg); err != nil {
		n.log.Warn("could not send task update",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
