package team

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/happyagents/happy/internal/common/errors"
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

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	messages map[string]map[string]*Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]map[string]*Message)}
}

func (s *memStore) Save(teamID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[teamID] == nil {
		s.messages[teamID] = make(map[string]*Message)
	}
	s.messages[teamID][msg.ID] = msg
	return nil
}

func (s *memStore) Hydrate(teamID string, remote []*Message) error {
	for _, m := range remote {
		if err := s.Save(teamID, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) sorted(teamID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages[teamID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *memStore) Get(teamID string, limit int, before int64) ([]*Message, bool, error) {
	all := s.sorted(teamID)
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	hasMore := limit > 0 && len(all) > limit
	if hasMore {
		all = all[:limit]
	}
	return all, hasMore, nil
}

func (s *memStore) RecentContext(teamID string, n int) ([]*Message, error) {
	all := s.sorted(teamID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// fakeMessenger records sends and serves canned history.
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []*Message
	history  []*Message
	fetchErr error
	sendErr  error
}

func (f *fakeMessenger) SendTeamMessage(ctx context.Context, teamID string, msg *Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMessenger) FetchTeamMessages(ctx context.Context, teamID string, limit int, before int64) ([]*Message, bool, error) {
	if f.fetchErr != nil {
		return nil, false, f.fetchErr
	}
	return f.history, false, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *memStore, *fakeMessenger) {
	store := newMemStore()
	messenger := &fakeMessenger{}
	p := NewPipeline(store, messenger, roles.NewRegistry(), newTestLogger(t), "self")
	return p, store, messenger
}

func TestHandleMessage_FilteredAndStored(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	m := &Message{ID: "m1", TeamID: "T", Content: "peer chat", Type: TypeChat,
		FromSessionID: "other", FromRole: "framer", Timestamp: 1}
	turn, ok := p.HandleMessage(ctx, m, "builder", "T")
	assert.False(t, ok)
	assert.Nil(t, turn)

	// Filtered messages are still persisted.
	assert.NotNil(t, store.messages["T"]["m1"])
}

func TestHandleMessage_RespondWithBanner(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	m := &Message{ID: "m2", TeamID: "T", Content: "@builder please help", Type: TypeChat,
		FromSessionID: "other", FromRole: "framer", Timestamp: 2}
	turn, ok := p.HandleMessage(ctx, m, "builder", "T")
	require.True(t, ok)
	assert.Contains(t, turn.Text, "[MENTIONED]")
	assert.Contains(t, turn.Text, "@builder please help")
}

func TestHandleMessage_IgnoresOwnMessages(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	m := &Message{ID: "m3", TeamID: "T", Content: "I said this", Type: TypeTaskUpdate,
		FromSessionID: "self", FromRole: "builder", Timestamp: 3}
	_, ok := p.HandleMessage(ctx, m, "builder", "T")
	assert.False(t, ok)
}

func TestJoin_HydratesAndHandshakes(t *testing.T) {
	p, store, messenger := newTestPipeline(t)
	ctx := context.Background()

	messenger.history = []*Message{
		{ID: "h1", TeamID: "T", Content: "older", Type: TypeChat, Timestamp: 1, FromSessionID: "a", FromRole: "master"},
		{ID: "h2", TeamID: "T", Content: "newer", Type: TypeChat, Timestamp: 2, FromSessionID: "b", FromRole: "builder"},
	}

	result, err := p.Join(ctx, "T", "builder")
	require.NoError(t, err)
	assert.False(t, result.Degraded)

	// History is merged locally.
	assert.NotNil(t, store.messages["T"]["h1"])
	assert.NotNil(t, store.messages["T"]["h2"])

	// Handshake announces the session and role.
	require.Len(t, messenger.sent, 1)
	handshake := messenger.sent[0]
	assert.Equal(t, TypeSystem, handshake.Type)
	assert.Equal(t, "handshake", handshake.Metadata["type"])
	assert.Contains(t, handshake.Content, "self")
	assert.Contains(t, handshake.Content, "builder")

	// Summary is oldest-first.
	assert.Contains(t, result.RecentSummary, "older")
	assert.Less(t,
		strings.Index(result.RecentSummary, "older"),
		strings.Index(result.RecentSummary, "newer"))
}

func TestJoin_DegradesOnTransientFetchFailure(t *testing.T) {
	p, _, messenger := newTestPipeline(t)
	messenger.fetchErr = apperrors.TransientServer("server down", nil)

	result, err := p.Join(context.Background(), "T", "builder")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	// Handshake is still attempted.
	assert.Len(t, messenger.sent, 1)
}

func TestJoin_SurfacesNonTransientFetchFailure(t *testing.T) {
	p, _, messenger := newTestPipeline(t)
	messenger.fetchErr = apperrors.BadRequest("no such team")

	_, err := p.Join(context.Background(), "T", "builder")
	assert.Error(t, err)
}

func TestSend_MirrorsLocally(t *testing.T) {
	p, store, messenger := newTestPipeline(t)

	m := NewMessage("T", "hello team", TypeChat, "self", "builder")
	require.NoError(t, p.Send(context.Background(), m))

	assert.Len(t, messenger.sent, 1)
	assert.NotNil(t, store.messages["T"][m.ID])
}

func TestGetMessages_NewestFirst(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	for i := int64(1); i <= 5; i++ {
		store.Save("T", &Message{ID: string(rune('a' + i)), TeamID: "T", Timestamp: i})
	}

	page, hasMore, err := p.GetMessages("T", 3, 0)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, int64(5), page[0].Timestamp)
}
