package board

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/happyagents/happy/internal/common/errors"
)

// MemoryAPI is an in-process board store. It backs sessions that run without
// a coordination server and the manager's tests.
type MemoryAPI struct {
	mu       sync.Mutex
	boards   map[string][]byte
	versions map[string]int64
}

// NewMemoryAPI creates an empty in-memory board store.
func NewMemoryAPI() *MemoryAPI {
	return &MemoryAPI{
		boards:   make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func (m *MemoryAPI) FetchBoard(ctx context.Context, teamID string) (*Board, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.boards[teamID]
	if !ok {
		return nil, 0, apperrors.NotFound("board", teamID)
	}
	var b Board
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, 0, apperrors.InternalError("corrupt board record", err)
	}
	return &b, m.versions[teamID], nil
}

func (m *MemoryAPI) CreateBoard(ctx context.Context, teamID string, b *Board) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.boards[teamID]; exists {
		return 0, apperrors.VersionConflict("board")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return 0, apperrors.InternalError("encoding board", err)
	}
	m.boards[teamID] = raw
	m.versions[teamID] = 1
	return 1, nil
}

func (m *MemoryAPI) SaveBoard(ctx context.Context, teamID string, b *Board, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.boards[teamID]; !exists {
		return 0, apperrors.NotFound("board", teamID)
	}
	if m.versions[teamID] != expectedVersion {
		return 0, apperrors.VersionConflict("board")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return 0, apperrors.InternalError("encoding board", err)
	}
	m.boards[teamID] = raw
	m.versions[teamID] = expectedVersion + 1
	return m.versions[teamID], nil
}
