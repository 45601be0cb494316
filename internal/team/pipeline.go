package team

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/roles"
)

// joinHistoryLimit is how much remote history a team join hydrates.
const joinHistoryLimit = 200

// recentSummaryLimit caps the message summary in the initial context bundle.
const recentSummaryLimit = 20

// Store is the bounded local message store the pipeline reads and writes.
type Store interface {
	Save(teamID string, msg *Message) error
	Hydrate(teamID string, remote []*Message) error
	Get(teamID string, limit int, before int64) ([]*Message, bool, error)
	RecentContext(teamID string, n int) ([]*Message, error)
}

// Messenger is the server-side message surface the pipeline talks to.
type Messenger interface {
	SendTeamMessage(ctx context.Context, teamID string, msg *Message) error
	FetchTeamMessages(ctx context.Context, teamID string, limit int, before int64) ([]*Message, bool, error)
}

// Pipeline decides which team messages become turns and runs the join
// ritual. It holds no policy state; the session runtime owns that.
type Pipeline struct {
	store     Store
	messenger Messenger
	registry  *roles.Registry
	log       *logger.Logger
	sessionID string
}

// NewPipeline creates the message pipeline for one session.
func NewPipeline(store Store, messenger Messenger, registry *roles.Registry, log *logger.Logger, sessionID string) *Pipeline {
	return &Pipeline{
		store:     store,
		messenger: messenger,
		registry:  registry,
		log:       log.WithFields(zap.String("component", "team-pipeline")),
		sessionID: sessionID,
	}
}

// Incoming is a formatted message turn ready for the queue.
type Incoming struct {
	Text     string
	Decision Decision
}

// HandleMessage stores an arriving message and, when the filter says to
// respond, returns the formatted turn text. The second return is false when
// the message was filtered out.
func (p *Pipeline) HandleMessage(ctx context.Context, m *Message, role, teamID string) (*Incoming, bool) {
	if m.TeamID == teamID {
		if err := p.store.Save(teamID, m); err != nil {
			p.log.Warn("could not persist team message",
				zap.String("message_id", m.ID),
				zap.Error(err))
		}
	}

	// Never react to our own messages.
	if m.FromSessionID == p.sessionID {
		return nil, false
	}

	decision := Decide(m, p.registry, role, p.sessionID, teamID)
	p.log.Debug("message filter decision",
		zap.String("message_id", m.ID),
		zap.Bool("respond", decision.Respond),
		zap.String("reason", decision.Reason))
	if !decision.Respond {
		return nil, false
	}

	return &Incoming{Text: FormatMessage(m, decision), Decision: decision}, true
}

// FormatMessage renders a message as turn text, with banners for mentions
// and urgent priority.
func FormatMessage(m *Message, d Decision) string {
	var b strings.Builder
	if d.Mentioned {
		b.WriteString("[MENTIONED]\n")
	}
	if d.Urgent {
		b.WriteString("[URGENT]\n")
	}

	from := m.FromRole
	if from == "" {
		from = m.FromSessionID
	}
	if from == "" {
		from = "user"
	}
	fmt.Fprintf(&b, "[TEAM MESSAGE from %s, type=%s]\n%s", from, m.Type, m.Content)
	return b.String()
}

// JoinResult is what the join ritual produced for the context bundle.
type JoinResult struct {
	RecentSummary string
	Degraded      bool
}

// Join runs the team-join ritual: hydrate remote history into the local
// store, announce ourselves with a handshake, and summarize recent traffic.
// Transient failures degrade the join instead of failing it.
func (p *Pipeline) Join(ctx context.Context, teamID, role string) (*JoinResult, error) {
	result := &JoinResult{}

	remote, _, err := p.messenger.FetchTeamMessages(ctx, teamID, joinHistoryLimit, 0)
	if err != nil {
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		p.log.Warn("team history hydrate failed, continuing without history",
			zap.Error(err))
		result.Degraded = true
	} else if err := p.store.Hydrate(teamID, remote); err != nil {
		p.log.Warn("local hydrate failed", zap.Error(err))
		result.Degraded = true
	}

	handshake := NewMessage(teamID,
		fmt.Sprintf("Agent %s joined as %s", p.sessionID, role),
		TypeSystem, p.sessionID, role)
	handshake.Metadata = map[string]interface{}{"type": "handshake"}
	if err := p.Send(ctx, handshake); err != nil {
		p.log.Warn("handshake send failed", zap.Error(err))
		result.Degraded = true
	}

	recent, err := p.store.RecentContext(teamID, recentSummaryLimit)
	if err != nil {
		p.log.Warn("could not read recent context", zap.Error(err))
	} else {
		result.RecentSummary = summarize(recent)
	}
	return result, nil
}

// Send publishes a message to the team and mirrors it into the local store.
func (p *Pipeline) Send(ctx context.Context, m *Message) error {
	if err := p.messenger.SendTeamMessage(ctx, m.TeamID, m); err != nil {
		return err
	}
	if err := p.store.Save(m.TeamID, m); err != nil {
		p.log.Warn("could not persist sent message", zap.Error(err))
	}
	return nil
}

// GetMessages serves the local history RPC, newest first.
func (p *Pipeline) GetMessages(teamID string, limit int, before int64) ([]*Message, bool, error) {
	return p.store.Get(teamID, limit, before)
}

// summarize renders messages oldest-first for prompt ingestion.
func summarize(messages []*Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent team messages (%d):\n", len(messages))
	for _, m := range messages {
		content := m.ShortContent
		if content == "" {
			content = m.Content
		}
		from := m.FromRole
		if from == "" {
			from = m.FromSessionID
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Type, from, content)
	}
	return b.String()
}
