package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/common/config"
	apperrors "github.com/happyagents/happy/internal/common/errors"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/team"
)

// Client talks to the coordination server over HTTP. It is safe for
// concurrent use; every component of the session shares one client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a server client from configuration.
func NewClient(cfg config.ServerConfig, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "server-client")),
	}
}

// doJSON performs one request with a JSON body and decodes a JSON response.
// Network failures and 5xx map to transient-server-error; 404 and 409 map
// to their error kinds so callers can branch without inspecting statuses.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.InternalError("encoding request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.InternalError("building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.TransientServer(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("resource", path)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.VersionConflict(path)
	case resp.StatusCode == http.StatusForbidden:
		return apperrors.ForbiddenByRole("", method+" "+path)
	case resp.StatusCode >= 500:
		return apperrors.TransientServer(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(resp.Body)
		return apperrors.BadRequest(fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.InternalError("decoding response body", err)
	}
	return nil
}

// GetOrCreateSession registers this process's session with the server,
// returning the existing descriptor when the tag is already known.
func (c *Client) GetOrCreateSession(ctx context.Context, tag string, metadata, state map[string]interface{}) (*SessionDescriptor, error) {
	var desc SessionDescriptor
	payload := map[string]interface{}{
		"tag":      tag,
		"metadata": metadata,
		"state":    state,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", payload, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// UpdateSessionMetadata replaces the session's metadata bag.
func (c *Client) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata map[string]interface{}) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/metadata"
	return c.doJSON(ctx, http.MethodPut, path, metadata, nil)
}

// ArchiveSession marks the session archived on the server.
func (c *Client) ArchiveSession(ctx context.Context, sessionID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/archive"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// GetOrCreateMachine registers the host machine.
func (c *Client) GetOrCreateMachine(ctx context.Context, m *Machine) (*Machine, error) {
	var out Machine
	if err := c.doJSON(ctx, http.MethodPost, "/v1/machines", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetArtifact fetches the team artifact with both versions.
func (c *Client) GetArtifact(ctx context.Context, teamID string) (*Artifact, error) {
	var art Artifact
	path := "/v1/artifacts/" + url.PathEscape(teamID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// CreateArtifact lazily initializes the team artifact.
func (c *Client) CreateArtifact(ctx context.Context, teamID string, header, body json.RawMessage) (*Artifact, error) {
	var art Artifact
	path := "/v1/artifacts/" + url.PathEscape(teamID)
	payload := map[string]interface{}{"header": header, "body": body}
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// UpdateArtifact replaces the artifact under CAS on both versions.
func (c *Client) UpdateArtifact(ctx context.Context, teamID string, header, body json.RawMessage, expectedHeaderVersion, expectedBodyVersion int64) (*Artifact, error) {
	var art Artifact
	path := "/v1/artifacts/" + url.PathEscape(teamID)
	payload := map[string]interface{}{
		"header":                header,
		"body":                  body,
		"expectedHeaderVersion": expectedHeaderVersion,
		"expectedBodyVersion":   expectedBodyVersion,
	}
	if err := c.doJSON(ctx, http.MethodPut, path, payload, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// SendTeamMessage publishes a message to the team.
func (c *Client) SendTeamMessage(ctx context.Context, teamID string, msg *team.Message) error {
	path := "/v1/teams/" + url.PathEscape(teamID) + "/messages"
	return c.doJSON(ctx, http.MethodPost, path, msg, nil)
}

// GetTeamMessages returns a page of team history, newest first.
func (c *Client) GetTeamMessages(ctx context.Context, teamID string, limit int, before int64) (*MessagePage, error) {
	path := fmt.Sprintf("/v1/teams/%s/messages?limit=%d", url.PathEscape(teamID), limit)
	if before > 0 {
		path += fmt.Sprintf("&before=%d", before)
	}
	var page MessagePage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchTeamMessages is the unwrapped form of GetTeamMessages, satisfying
// the team pipeline's messenger contract.
func (c *Client) FetchTeamMessages(ctx context.Context, teamID string, limit int, before int64) ([]*team.Message, bool, error) {
	page, err := c.GetTeamMessages(ctx, teamID, limit, before)
	if err != nil {
		return nil, false, err
	}
	return page.Messages, page.HasMore, nil
}

// KVGet reads one key from the server's key-value store.
func (c *Client) KVGet(ctx context.Context, key string) (*KVEntry, error) {
	var entry KVEntry
	path := "/v1/kv/" + url.PathEscape(key)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// KVMutate writes a batch of keys under CAS. A version of -1 creates the
// key; any other version must match the stored one.
func (c *Client) KVMutate(ctx context.Context, entries []KVEntry) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/kv/mutate", map[string]interface{}{"entries": entries}, nil)
}

// Push sends a fire-and-forget notification. Failures are logged only.
func (c *Client) Push(ctx context.Context, title, body string, data map[string]interface{}) {
	payload := map[string]interface{}{"title": title, "body": body, "data": data}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/push", payload, nil); err != nil {
		c.logger.Warn("push notification failed", zap.Error(err))
	}
}
