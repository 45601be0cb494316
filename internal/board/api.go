package board

import "context"

// API is the server-side board artifact store. Reads return the artifact
// version; writes send the expected version back and fail with a
// version-conflict error when the artifact moved underneath the caller.
type API interface {
	// FetchBoard returns the team's board and its current version.
	// Returns a not-found error when the team has no board yet.
	FetchBoard(ctx context.Context, teamID string) (*Board, int64, error)

	// CreateBoard stores a new board for the team and returns its version.
	CreateBoard(ctx context.Context, teamID string, b *Board) (int64, error)

	// SaveBoard replaces the board if the stored version still equals
	// expectedVersion, returning the new version.
	SaveBoard(ctx context.Context, teamID string, b *Board, expectedVersion int64) (int64, error)
}
