package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyagents/happy/internal/common/config"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestInitialPolicy(t *testing.T) {
	cfg := &config.Config{}
	cfg.Session.Role = "qa"
	cfg.Session.TeamID = "team-1"
	cfg.Session.PermissionMode = "acceptEdits"

	p := initialPolicy(cfg, newTestLogger(t))
	assert.Equal(t, roles.ModeAcceptEdits, p.PermissionMode)
	assert.Equal(t, "qa-engineer", p.Role)
	assert.Equal(t, "team-1", p.TeamID)
}

func TestInitialPolicy_UnknownModeKeepsDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.Session.PermissionMode = "rampage"

	p := initialPolicy(cfg, newTestLogger(t))
	assert.Equal(t, roles.ModeDefault, p.PermissionMode)
}

func TestInitialPolicy_EmptyModeIsDefault(t *testing.T) {
	p := initialPolicy(&config.Config{}, newTestLogger(t))
	assert.Equal(t, roles.ModeDefault, p.PermissionMode)
}
