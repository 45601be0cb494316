package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/common/config"
	"github.com/happyagents/happy/internal/common/logger"
)

// reconnectBase is the initial backoff between reconnect attempts; it
// doubles up to reconnectMax.
const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// PushListener maintains the websocket connection to the server and decodes
// push frames onto a channel. One reader goroutine per session.
type PushListener struct {
	url       string
	token     string
	sessionID string
	logger    *logger.Logger
	events    chan *PushEvent
}

// NewPushListener creates a listener for the session's push channel. The
// push URL is derived from the base URL when not configured explicitly.
func NewPushListener(cfg config.ServerConfig, token, sessionID string, log *logger.Logger) *PushListener {
	pushURL := cfg.PushURL
	if pushURL == "" {
		pushURL = derivePushURL(cfg.BaseURL)
	}
	return &PushListener{
		url:       pushURL,
		token:     token,
		sessionID: sessionID,
		logger:    log.WithFields(zap.String("component", "push-listener")),
		events:    make(chan *PushEvent, 64),
	}
}

func derivePushURL(baseURL string) string {
	u := baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/v1/push/ws"
}

// Events returns the channel of decoded push frames. It closes when Run
// returns.
func (l *PushListener) Events() <-chan *PushEvent {
	return l.events
}

// Run connects and reads frames until the context is cancelled, reconnecting
// with exponential backoff on any connection error.
func (l *PushListener) Run(ctx context.Context) {
	defer close(l.events)

	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("push channel connect failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		l.logger.Info("push channel connected")
		backoff = reconnectBase
		l.readLoop(ctx, conn)
		conn.Close()
	}
}

func (l *PushListener) dial(ctx context.Context) (*websocket.Conn, error) {
	header := map[string][]string{}
	if l.token != "" {
		header["Authorization"] = []string{"Bearer " + l.token}
	}
	if l.sessionID != "" {
		header["X-Session-Id"] = []string{l.sessionID}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, header)
	return conn, err
}

// readLoop decodes frames until the connection breaks or the context ends.
// Frames with an unknown type are logged and skipped.
func (l *PushListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("push channel read failed", zap.Error(err))
			}
			return
		}

		var evt PushEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			l.logger.Warn("dropping malformed push frame", zap.Error(err))
			continue
		}
		switch evt.Type {
		case PushTeamMessage, PushMetadataUpdate, PushTaskEvent:
		default:
			l.logger.Debug("ignoring unknown push frame",
				zap.String("type", string(evt.Type)))
			continue
		}

		select {
		case l.events <- &evt:
		case <-ctx.Done():
			return
		}
	}
}
