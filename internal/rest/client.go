package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/securetalk/securetalk-go/internal/models"
)

// ErrSessionExpired is returned when a request still gets a 401 after a
// forced token refresh. The caller is expected to drop to the login flow.
var ErrSessionExpired = errors.New("rest: session expired")

// ErrNotFound is returned for 404 responses, such as an unknown peer
// profile.
var ErrNotFound = errors.New("rest: not found")

// TokenSource supplies bearer tokens. *session.Store satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client calls the authenticated REST endpoints. Every request carries
// a bearer token from the TokenSource; a 401 triggers one forced
// refresh and one retry before the session is declared dead.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

func New(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Messages fetches the full ordered history for a conversation.
func (c *Client) Messages(ctx context.Context, peer string) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peer)+"/", nil, &out)
	return out, err
}

// Chats fetches the full chat summary list.
func (c *Client) Chats(ctx context.Context) ([]models.ChatSummary, error) {
	var out []models.ChatSummary
	err := c.do(ctx, http.MethodGet, "/api/chats/", nil, &out)
	return out, err
}

// Profile fetches the current user's profile.
func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var out models.Profile
	err := c.do(ctx, http.MethodGet, "/api/profile/", nil, &out)
	return out, err
}

// PeerProfile fetches another user's profile. Returns ErrNotFound when
// the peer is unknown.
func (c *Client) PeerProfile(ctx context.Context, peer string) (models.Profile, error) {
	var out models.Profile
	err := c.do(ctx, http.MethodGet, "/api/profile/"+url.PathEscape(peer)+"/", nil, &out)
	return out, err
}

// UpdateProfile patches the current user's profile.
func (c *Client) UpdateProfile(ctx context.Context, patch map[string]any) (models.Profile, error) {
	var out models.Profile
	err := c.do(ctx, http.MethodPatch, "/api/profile/", patch, &out)
	return out, err
}

// do sends one authorized request, refreshing the token and retrying
// once on 401.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Debug("got 401, refreshing token", slog.String("path", path))

		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSessionExpired, err)
		}
		resp, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return ErrSessionExpired
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload any, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
