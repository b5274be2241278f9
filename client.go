// Package chatsync keeps a local view of 1:1 chat dialogs and messages in
// sync with a chat backend over a realtime websocket plus REST.
//
// Example:
//
//	engine := chatsync.NewEngine("https://api.example.com", "wss://api.example.com",
//		chatsync.WithLogger(logger))
//	engine.OnAuthChange(ctx, chatsync.Session{Token: token, UserID: 42})
//	defer engine.Close()
//
//	engine.Store().LoadDialogs(ctx)
//	engine.Store().Subscribe(ctx, 7)
//	engine.Store().SendMessage(ctx, 7, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the engine. It implements ChatAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

// NewClient creates a REST client for the backend at baseURL.
// token may be empty and set later with SetToken.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     zerolog.Nop(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "rest").Logger()
	return c
}

// SetToken sets or clears the bearer token used for every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Chat API
// ============================================================================

// ListDialogs fetches the dialog list (GET /api/chats).
func (c *Client) ListDialogs(ctx context.Context) ([]Dialog, error) {
	data, err := c.doRequest(ctx, "dialogs", http.MethodGet, "/api/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	dialogs, err := decodeJSON[[]Dialog](data)
	if err != nil {
		return nil, restError("dialogs", err)
	}
	return *dialogs, nil
}

// ListMessages fetches the thread with one counterpart
// (GET /api/messages?receiver_id=ID).
func (c *Client) ListMessages(ctx context.Context, counterpartID int64) ([]Message, error) {
	query := map[string]string{"receiver_id": strconv.FormatInt(counterpartID, 10)}
	data, err := c.doRequest(ctx, "messages", http.MethodGet, "/api/messages", nil, query)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, restError("messages", err)
	}
	return *msgs, nil
}

// SendMessage posts a message and returns the server's copy
// (POST /api/messages).
func (c *Client) SendMessage(ctx context.Context, receiverID int64, content string) (*Message, error) {
	body := &sendMessageRequest{ReceiverID: receiverID, Content: content}
	data, err := c.doRequest(ctx, "send", http.MethodPost, "/api/messages", body, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, restError("send", err)
	}
	return msg, nil
}

// MarkRead acknowledges every message received from receiverID
// (PUT /api/messages/read).
func (c *Client) MarkRead(ctx context.Context, receiverID int64) error {
	body := &markReadRequest{ReceiverID: receiverID}
	_, err := c.doRequest(ctx, "read", http.MethodPut, "/api/messages/read", body, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}, query map[string]string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			c.log.Warn().Err(err).Str("op", op).Msg("request failed")
		}
		restRequestsTotal.WithLabelValues(op, status).Inc()
		restRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, restError(op, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, restError(op, fmt.Errorf("create request: %w", err))
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, restError(op, err)
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, restError(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, restError(op, apiErr)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
