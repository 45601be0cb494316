// Package mcpserver exposes the board and team operations as MCP tools so
// the engine can act on them mid-turn.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/board"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
	"github.com/happyagents/happy/internal/team"
)

// Version is set by -ldflags at build time.
var Version = "dev"

// SessionInfo is the caller identity for every tool invocation. Role and
// team can change over the session's life, so tools read it per call.
type SessionInfo struct {
	SessionID string
	Role      string
	TeamID    string
}

// Deps wires the tool server to the session's live components.
type Deps struct {
	Registry *roles.Registry
	Pipeline *team.Pipeline
	// Boards returns the current team's board manager, or nil before a
	// team is joined.
	Boards  func() *board.Manager
	Session func() SessionInfo
	Logger  *logger.Logger
}

// Server hosts the MCP tool surface over stdio or HTTP.
type Server struct {
	mcp  *mcpsrv.MCPServer
	deps Deps
	log  *logger.Logger
}

const instructions = `Team collaboration tools. Use the task tools to keep
the shared board truthful: start a task before working it, complete it when
done, and report blockers instead of stalling. Use send_team_message to talk
to the other agents on your team.`

// New builds the MCP server and registers all tools.
func New(deps Deps) *Server {
	log := deps.Logger.WithFields(zap.String("component", "mcpserver"))

	hooks := &mcpsrv.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if req != nil {
			log.Debug("tool called", zap.String("tool", req.Params.Name))
		}
	})

	s := &Server{
		mcp: mcpsrv.NewMCPServer(
			"happy-team",
			Version,
			mcpsrv.WithInstructions(instructions),
			mcpsrv.WithHooks(hooks),
		),
		deps: deps,
		log:  log,
	}
	s.registerTools()
	return s
}

// ServeStdio runs the stdio transport in the foreground.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := mcpsrv.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts SSE and streamable-HTTP transports on addr in the
// background and returns a shutdown function.
func (s *Server) ServeHTTP(ctx context.Context, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mcp listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseSrv := mcpsrv.NewSSEServer(s.mcp, mcpsrv.WithBaseURL(baseURL))
	streamSrv := mcpsrv.NewStreamableHTTPServer(s.mcp)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","port":%d}`, port)
	})

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			s.log.Error("mcp http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("mcp tools listening",
		zap.String("url", baseURL+"/mcp"))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("mcp http shutdown", zap.Error(err))
		}
	}, nil
}

// boardManager resolves the current board manager or fails with a uniform
// message when no team is joined yet.
func (s *Server) boardManager() (*board.Manager, error) {
	mgr := s.deps.Boards()
	if mgr == nil {
		return nil, fmt.Errorf("not in a team: join a team before using task tools")
	}
	return mgr, nil
}
