// Package remote implements the HTTP client for the sync backend. Actions
// drained from the outbox are applied through it one at a time; failures are
// surfaced as typed errors so the outbox can classify them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/flowdeck/syncd/internal/config"
	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/model"
)

// Backend applies queued actions against the remote store. Implementations
// must be safe for concurrent use: the outbox dispatches from a worker pool.
type Backend interface {
	// Apply executes a single action. The returned error carries enough
	// structure for errors.Classify to assign an outbox error class.
	Apply(ctx context.Context, action *model.QueuedAction) error

	// Tombstones returns the IDs of entities deleted remotely since the
	// given time. The merge engine consults them before recovering tasks
	// that are absent locally.
	Tombstones(ctx context.Context, projectID string, since time.Time) ([]Tombstone, error)
}

// Tombstone records a remote deletion.
type Tombstone struct {
	EntityType model.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	DeletedAt  time.Time        `json:"deletedAt"`
}

const tokenRefreshMargin = 30 * time.Second

// Client is the HTTP Backend implementation. It authenticates with a
// short-lived HS256 bearer token minted from the shared backend secret.
type Client struct {
	baseURL    string
	secret     []byte
	issuer     string
	timeout    time.Duration
	tokenTTL   time.Duration
	httpClient *http.Client
	logger     zerolog.Logger

	// cached bearer token, refreshed before expiry
	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a backend client from config.
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.BackendURL,
		secret:     []byte(cfg.BackendSecret),
		issuer:     cfg.BackendIssuer,
		timeout:    cfg.ActionTimeout,
		tokenTTL:   cfg.TokenTTL,
		httpClient: &http.Client{Timeout: cfg.ActionTimeout},
		logger:     logger.With().Str("component", "remote").Logger(),
	}
}

// bearerToken returns the cached token, minting a fresh one when it is
// missing or about to expire. Safe for concurrent use; the outbox dispatches
// from a worker pool.
func (c *Client) bearerToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now()
	if c.token != "" && now.Add(tokenRefreshMargin).Before(c.tokenExpiry) {
		return c.token, nil
	}

	expiry := now.Add(c.tokenTTL)
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiry),
		Issuer:    c.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing backend token: %w", err)
	}
	c.token = signed
	c.tokenExpiry = expiry
	return signed, nil
}

// actionPath maps an action to its backend endpoint.
func actionPath(a *model.QueuedAction) (method, path string) {
	base := "/v1/" + string(a.EntityType) + "s"
	switch a.Type {
	case model.ActionCreate:
		return http.MethodPost, base
	case model.ActionDelete:
		return http.MethodDelete, base + "/" + a.EntityID
	default:
		return http.MethodPatch, base + "/" + a.EntityID
	}
}

// Apply executes one action against the backend.
func (c *Client) Apply(ctx context.Context, action *model.QueuedAction) error {
	method, path := actionPath(action)

	var body io.Reader
	if len(action.Payload) > 0 {
		body = bytes.NewReader(action.Payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	tok, err := c.bearerToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	if action.ProjectID != "" {
		req.Header.Set("X-Project-ID", action.ProjectID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Roll transport failures into the taxonomy: a cancelled deadline
		// is a timeout, everything else at this layer is network.
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("applying %s %s: %w", action.Type, action.EntityID, syncerr.ErrTimeout)
		}
		return fmt.Errorf("applying %s %s: %w", action.Type, action.EntityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug().
			Str("action", action.ID).
			Str("type", string(action.Type)).
			Str("entity", action.EntityKey()).
			Msg("action applied")
		return nil
	}

	msg := readErrorBody(resp.Body)
	c.logger.Warn().
		Str("action", action.ID).
		Int("status", resp.StatusCode).
		Str("message", msg).
		Msg("backend rejected action")
	return syncerr.NewBackendError(string(action.Type), resp.StatusCode, msg)
}

// Tombstones fetches remote deletions since the given time.
func (c *Client) Tombstones(ctx context.Context, projectID string, since time.Time) ([]Tombstone, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/projects/%s/tombstones?since=%s",
		c.baseURL, projectID, since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	tok, err := c.bearerToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tombstones: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, syncerr.NewBackendError("tombstones", resp.StatusCode, readErrorBody(resp.Body))
	}

	var out []Tombstone
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding tombstones: %w", err)
	}
	return out, nil
}

// readErrorBody extracts a human-readable message from an error response.
// Backends answer with {"message": "..."} but plain text bodies occur too.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return string(data)
}
