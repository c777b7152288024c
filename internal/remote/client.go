// Package remote implements chat.Backend against the inbox HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/inbox/internal/chat"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

// DefaultPageSize is the history page requested per round trip.
const DefaultPageSize = 200

// ErrUnauthorized is returned when the API rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

var _ chat.Backend = (*Client)(nil)

// Client talks to the API as one authenticated user.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	dialer   *websocket.Dialer
	pageSize int
	logger   *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:     u,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		pageSize: DefaultPageSize,
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("remote")
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/api/v1" + path
	u.RawQuery = query.Encode()
	return u.String()
}

// conversationPath is unescaped; url.URL escapes Path when encoding.
func conversationPath(id string, suffix string) string {
	return "/conversations/" + id + suffix
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", model.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", model.ErrTransient, path, err)
	}
	return nil
}

// statusError maps an API error response onto the error taxonomy.
func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &payload) != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(b))
	}
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = model.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		kind = model.ErrValidation
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		kind = model.ErrTransient
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%w: %s (status %d)", kind, payload.Error, resp.StatusCode)
}

// FetchHistory pages through the whole conversation in ascending order.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	var all []model.Message
	var after uint64
	for {
		var page model.ListMessagesResponse
		q := url.Values{
			"after_sequence": {strconv.FormatUint(after, 10)},
			"limit":          {strconv.Itoa(c.pageSize)},
		}
		if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), q, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return all, nil
		}
		after = page.Messages[len(page.Messages)-1].Sequence
	}
}

// InsertMessage writes msg. A placeholder id is replaced by the server and a
// UUID id is kept, so resending the same id returns the stored message.
func (c *Client) InsertMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	req := model.SendMessageRequest{
		ID:            msg.ID,
		Kind:          msg.Kind,
		Content:       msg.Content,
		AttachmentURL: msg.AttachmentURL,
		ReplyTo:       msg.ReplyTo,
		CreatedAt:     msg.CreatedAt,
	}
	var out model.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(msg.ConversationID, "/messages"), nil, &req, &out); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// FetchParticipants returns the conversation's members with their profiles.
func (c *Client) FetchParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	var out []model.Participant
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/participants"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchConversation returns the conversation row.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns a page of the caller's inbox.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation provisions a conversation with the caller as admin.
func (c *Client) CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile changes the caller's profile.
func (c *Client) UpdateProfile(ctx context.Context, req *model.UpdateProfileRequest) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, http.MethodPut, "/users/me", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
