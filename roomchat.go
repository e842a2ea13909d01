// Package roomchat is a Go client for the roomchat service.
//
// It keeps an in-memory chat-room directory and the open room's message
// timeline consistent across bulk REST fetches, a WebSocket push stream and
// locally issued sends.
//
// Example:
//
//	client := roomchat.NewClient(token, roomchat.WithBaseURL("https://chat.example.com"))
//	channel := client.Realtime(&roomchat.RealtimeConfig{Token: token, AutoReconnect: true})
//	engine := roomchat.NewEngine(client, channel, roomchat.Session{UserID: "42", Token: token})
//	defer engine.Close()
//
//	_ = engine.Start(ctx)
//	engine.SelectRoom(ctx, "7")
//	_ = engine.Send(ctx, "hello", false)
package roomchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// Backend is the REST surface the engine depends on. *Client implements it.
type Backend interface {
	ListRooms(ctx context.Context, userID ID) ([]ChatRoom, error)
	ListMessages(ctx context.Context, roomID, userID ID) (*RoomMessages, error)
	SendMessage(ctx context.Context, req *SendRequest) error
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient creates a REST client. token is sent as a bearer credential on
// every request; pass "" for unauthenticated calls.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Realtime creates a WebSocket push channel against the same server.
// Call Connect to establish it.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtimeClient(c.baseURL, &cfg)
}

// ============================================================================
// API methods
// ============================================================================

// ListRooms fetches every room visible to userID.
func (c *Client) ListRooms(ctx context.Context, userID ID) ([]ChatRoom, error) {
	var rooms []ChatRoom
	err := c.doRequest(ctx, "list rooms", http.MethodGet, "/api/chatrooms", nil,
		map[string]string{"senderId": userID.String()}, &rooms)
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListMessages fetches the full message list and participant avatars of a room.
func (c *Client) ListMessages(ctx context.Context, roomID, userID ID) (*RoomMessages, error) {
	var resp RoomMessages
	path := "/api/chatrooms/" + url.PathEscape(roomID.String()) + "/messages"
	err := c.doRequest(ctx, "list messages", http.MethodGet, path, nil,
		map[string]string{"senderId": userID.String()}, &resp)
	if err != nil {
		return nil, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].RoomID.IsZero() {
			resp.Messages[i].RoomID = roomID
		}
	}
	return &resp, nil
}

// SendMessage posts a message. The response is only an acknowledgement; the
// authoritative record arrives through the push channel.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) error {
	return c.doRequest(ctx, "send message", http.MethodPost, "/api/messages", req, nil, nil)
}

// CreateRoom creates a room. Rooms with members are private.
func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*ChatRoom, error) {
	var room ChatRoom
	if err := c.doRequest(ctx, "create room", http.MethodPost, "/api/chatrooms", req, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ValidateToken checks the bearer credential against the server.
func (c *Client) ValidateToken(ctx context.Context) error {
	return c.doRequest(ctx, "validate token", http.MethodGet, "/validate-token", nil, nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Title   string `json:"title"`
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query map[string]string, dest any) error {
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
			return &FetchError{Op: op, Message: "failed to marshal request", Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return &FetchError{Op: op, Message: "failed to create request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Op: op, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return &FetchError{Op: op, Status: resp.StatusCode, Message: statusMessage(resp.StatusCode, data)}
	}

	if dest != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, dest); err != nil {
			return &FetchError{Op: op, Message: "failed to unmarshal response", Err: err}
		}
	}
	return nil
}

func statusMessage(status int, data []byte) string {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		for _, m := range []string{eb.Error, eb.Message, eb.Title} {
			if m != "" {
				return m
			}
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" && len(text) <= 200 {
		return text
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
