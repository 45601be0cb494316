package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/happyagents/happy/internal/board"
	apperrors "github.com/happyagents/happy/internal/common/errors"
)

// artifactHeader is the display metadata stored next to the board body.
type artifactHeader struct {
	Title  string `json:"title"`
	TeamID string `json:"team_id"`
}

// BoardStore adapts the artifact endpoints to the board manager's API. The
// board lives in the artifact body; the header rides along unchanged, so
// its version is tracked here and replayed on every write.
type BoardStore struct {
	client *Client

	mu             sync.Mutex
	headers        map[string]json.RawMessage
	headerVersions map[string]int64
}

// NewBoardStore creates a board store backed by the server client.
func NewBoardStore(client *Client) *BoardStore {
	return &BoardStore{
		client:         client,
		headers:        make(map[string]json.RawMessage),
		headerVersions: make(map[string]int64),
	}
}

func (s *BoardStore) FetchBoard(ctx context.Context, teamID string) (*board.Board, int64, error) {
	art, err := s.client.GetArtifact(ctx, teamID)
	if err != nil {
		return nil, 0, err
	}

	var b board.Board
	if err := json.Unmarshal(art.Body, &b); err != nil {
		return nil, 0, apperrors.InternalError("decoding board artifact", err)
	}

	s.mu.Lock()
	s.headers[teamID] = art.Header
	s.headerVersions[teamID] = art.HeaderVersion
	s.mu.Unlock()

	return &b, art.BodyVersion, nil
}

func (s *BoardStore) CreateBoard(ctx context.Context, teamID string, b *board.Board) (int64, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return 0, apperrors.InternalError("encoding board artifact", err)
	}
	header, err := json.Marshal(artifactHeader{Title: "Team Board", TeamID: teamID})
	if err != nil {
		return 0, apperrors.InternalError("encoding board header", err)
	}

	art, err := s.client.CreateArtifact(ctx, teamID, header, body)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.headers[teamID] = art.Header
	s.headerVersions[teamID] = art.HeaderVersion
	s.mu.Unlock()

	return art.BodyVersion, nil
}

func (s *BoardStore) SaveBoard(ctx context.Context, teamID string, b *board.Board, expectedVersion int64) (int64, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return 0, apperrors.InternalError("encoding board artifact", err)
	}

	s.mu.Lock()
	header := s.headers[teamID]
	headerVersion := s.headerVersions[teamID]
	s.mu.Unlock()

	art, err := s.client.UpdateArtifact(ctx, teamID, header, body, headerVersion, expectedVersion)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.headers[teamID] = art.Header
	s.headerVersions[teamID] = art.HeaderVersion
	s.mu.Unlock()

	return art.BodyVersion, nil
}
