package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"back_crm/internal/models"

	"github.com/rs/zerolog"
)

// Resource kinds served by the backing resource API.
const (
	KindChannelSession = "channel_sessions"
	KindParentSession  = "sesiones"
)

// Result is the envelope every resource API call returns.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client is a generic create/read/update/delete client against the backing
// resource API. It owns no state; all coordination between the poller and
// the reconciler happens through the entities it reads and writes.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a resource gateway against the given base URL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Create posts a new resource and returns the created representation when
// the backend includes one. A nil return with nil error means the backend
// acknowledged the create without a body; callers needing the generated id
// must refetch.
func (c *Client) Create(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	res, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/resources/%s", kind), nil, body)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// GetByFilter fetches resources of a kind matching the filter. The result
// is always a JSON array, possibly empty.
func (c *Client) GetByFilter(ctx context.Context, kind string, filter map[string]string) (json.RawMessage, error) {
	query := url.Values{}
	for k, v := range filter {
		query.Set(k, v)
	}

	res, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/resources/%s", kind), query, nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Update applies a partial payload to a resource by id.
func (c *Client) Update(ctx context.Context, kind string, id uint, partial map[string]any) error {
	body, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("marshal %s patch: %w", kind, err)
	}

	_, err = c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/resources/%s/%d", kind, id), nil, body)
	return err
}

// Delete removes a resource by id.
func (c *Client) Delete(ctx context.Context, kind string, id uint) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/resources/%s/%d", kind, id), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("resource api read body: %w", err)
	}

	var res Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("resource api decode response: %w", err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || (len(raw) > 0 && !res.Success) {
		msg := res.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("resource api %s %s failed: %s", method, path, msg)
	}

	return &res, nil
}

// FindChannelSessionByPairingID returns the ChannelSession for a pairing id,
// or nil when none exists.
func (c *Client) FindChannelSessionByPairingID(ctx context.Context, pairingID string) (*models.ChannelSession, error) {
	data, err := c.GetByFilter(ctx, KindChannelSession, map[string]string{"pairing_id": pairingID})
	if err != nil {
		return nil, err
	}

	var sessions []models.ChannelSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode channel sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// CreateChannelSession creates a ChannelSession. The returned value carries
// the generated id when the backend returns the representation; otherwise
// nil is returned and the caller refetches by pairing id.
func (c *Client) CreateChannelSession(ctx context.Context, session models.ChannelSession) (*models.ChannelSession, error) {
	data, err := c.Create(ctx, KindChannelSession, session)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var created models.ChannelSession
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("decode created channel session: %w", err)
	}
	return &created, nil
}

// UpdateChannelSession applies a partial update to a ChannelSession.
func (c *Client) UpdateChannelSession(ctx context.Context, id uint, patch map[string]any) error {
	return c.Update(ctx, KindChannelSession, id, patch)
}

// FindParentSessionByChannelSessionID returns the ParentSession referencing
// the given ChannelSession id, or nil when none exists.
func (c *Client) FindParentSessionByChannelSessionID(ctx context.Context, channelSessionID uint) (*models.ParentSession, error) {
	data, err := c.GetByFilter(ctx, KindParentSession, map[string]string{
		"channel_session_id": fmt.Sprintf("%d", channelSessionID),
	})
	if err != nil {
		return nil, err
	}

	var sessions []models.ParentSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode parent sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// CreateParentSession creates a ParentSession, returning the representation
// when the backend includes one.
func (c *Client) CreateParentSession(ctx context.Context, session models.ParentSession) (*models.ParentSession, error) {
	data, err := c.Create(ctx, KindParentSession, session)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var created models.ParentSession
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("decode created parent session: %w", err)
	}
	return &created, nil
}

// UpdateParentSession applies a partial update to a ParentSession.
func (c *Client) UpdateParentSession(ctx context.Context, id uint, patch map[string]any) error {
	return c.Update(ctx, KindParentSession, id, patch)
}
