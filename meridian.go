// Package meridian provides the official Go SDK for the Meridian chat
// backend.
//
// The package covers the remote message store API plus the client-side
// synchronization engine built on top of it: optimistic sends with
// reconciliation against the realtime snapshot feed, throttled read
// receipts, fire-and-forget side effects, and a TTL-bounded presence
// cache.
//
// Example:
//
//	client := meridian.NewClient("mrd-token-...")
//
//	session, _ := meridian.NewChatSession(meridian.SessionConfig{
//		ChatID:  "chat-42",
//		ActorID: "user-1",
//		Store:   client,
//		Feed:    client.Realtime(&meridian.RealtimeConfig{Token: "..."}),
//	})
//	_ = session.Initialize(ctx)
//	_, _ = session.Send(ctx, "hello", meridian.MessageTypeText)
package meridian

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
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.meridian.im",
}

const (
	DefaultBaseURL = "https://api.meridian.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote message store over HTTP. It satisfies the
// MessageStore interface consumed by ChatSession, so any other transport
// can stand in for it.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. The default is a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Meridian client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Message Store Contract
// ============================================================================

// MessageStore is the remote document store the synchronization engine
// writes through. *Client implements it over HTTP; tests substitute fakes.
type MessageStore interface {
	// Write appends a message and returns the server-assigned id.
	Write(ctx context.Context, msg *Message) (string, error)
	// ReadPage returns up to limit messages older than beforeID
	// (all most-recent messages when beforeID is empty), newest first.
	ReadPage(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error)
	// MarkRead records a read receipt for userID on every listed message.
	// Re-marking an already-read message is a no-op, never an error.
	MarkRead(ctx context.Context, messageIDs []string, userID string) error
	// Edit replaces a message's text and stamps editedAt.
	Edit(ctx context.Context, chatID, messageID, text string) error
	// SoftDelete stamps deletedAt without removing the document.
	SoftDelete(ctx context.Context, chatID, messageID string) error
}

// Subscriber opens a live feed that pushes the full ordered message set
// for a chat whenever it changes.
type Subscriber interface {
	Subscribe(chatID string, onData func([]Message), onError func(error)) (unsubscribe func(), err error)
}

// ============================================================================
// Message Store over HTTP
// ============================================================================

// Write implements MessageStore.
func (c *Client) Write(ctx context.Context, msg *Message) (string, error) {
	res, err := c.do(ctx, "POST", "/api/chats/"+msg.ChatID+"/messages", msg, nil)
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", resultErr(res, "write rejected")
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := res.Decode(&data); err != nil {
		return "", fmt.Errorf("failed to decode write response: %w", err)
	}
	if data.ID == "" {
		return "", fmt.Errorf("server returned no message id")
	}
	return data.ID, nil
}

// ReadPage implements MessageStore. The server orders descending by
// timestamp; callers wanting display order reverse the slice.
func (c *Client) ReadPage(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if beforeID != "" {
		query["before"] = beforeID
	}
	res, err := c.do(ctx, "GET", "/api/chats/"+chatID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "read rejected")
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode message page: %w", err)
	}
	return msgs, nil
}

// MarkRead implements MessageStore with one batched field update.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	res, err := c.do(ctx, "POST", "/api/messages/read", map[string]any{
		"messageIds": messageIDs,
		"userId":     userID,
	}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark read rejected")
	}
	return nil
}

// Edit implements MessageStore.
func (c *Client) Edit(ctx context.Context, chatID, messageID, text string) error {
	res, err := c.do(ctx, "PATCH", "/api/chats/"+chatID+"/messages/"+messageID,
		map[string]string{"text": text}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "edit rejected")
	}
	return nil
}

// SoftDelete implements MessageStore.
func (c *Client) SoftDelete(ctx context.Context, chatID, messageID string) error {
	res, err := c.do(ctx, "DELETE", "/api/chats/"+chatID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "delete rejected")
	}
	return nil
}

// FetchPresence loads the presence aggregate for a chat. Expensive;
// consumers normally go through PresenceCache.
func (c *Client) FetchPresence(ctx context.Context, chatID string) (*ChatPresence, error) {
	res, err := c.do(ctx, "GET", "/api/chats/"+chatID+"/presence", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "presence fetch rejected")
	}
	var p ChatPresence
	if err := res.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode presence: %w", err)
	}
	p.recount()
	return &p, nil
}

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

func resultErr(res *Result, fallback string) error {
	if res.Error != nil {
		return res.Error
	}
	return fmt.Errorf("%s", fallback)
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSUrl returns the WebSocket URL for the realtime feed.
func (c *Client) WSUrl(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// Realtime creates a realtime feed client. Call Connect() to establish
// the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      c.baseURL,
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
		log:          c.log,
	}
}
