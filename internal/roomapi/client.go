// Package roomapi is the HTTP client for the chat backend's room API.
package roomapi

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
	"strconv"
	"strings"
	"time"

	"github.com/omochice/room-chat/pkg/protocol"
)

// Defaults used by New.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultHistorySize = 50
)

var (
	// ErrRoomExists is returned when creating a room id that is taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned when joining an unknown room.
	ErrRoomNotFound = errors.New("room not found")
)

// ServerError reports a failed request. Status is zero when the request
// never got a response.
type ServerError struct {
	Status  int
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	if e.Status == 0 {
		return "request failed: " + e.Message
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Room is the room metadata returned by the backend.
type Room struct {
	ID       string             `json:"id"`
	RoomID   string             `json:"roomId"`
	Messages []protocol.Message `json:"messages"`
}

// Page selects a slice of history. Number counts from the newest page.
type Page struct {
	Size   int
	Number int
}

// Client talks to the room API.
type Client struct {
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
	historySize int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHistorySize sets the page size used by LoadHistory.
func WithHistorySize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		http:        &http.Client{Timeout: DefaultTimeout},
		logger:      slog.Default(),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRoom creates roomID.
func (c *Client) CreateRoom(ctx context.Context, roomID string) (Room, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/api/v1/rooms", "text/plain", []byte(roomID))
	if err != nil {
		return Room{}, err
	}
	if status == http.StatusBadRequest {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomExists, messageOf(body))
	}
	return decodeRoom(status, body)
}

// JoinRoom looks up roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (Room, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(roomID), "", nil)
	if err != nil {
		return Room{}, err
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, messageOf(body))
	}
	return decodeRoom(status, body)
}

// Messages fetches one page of a room's history, oldest first. Zero fields
// in page take the client defaults.
func (c *Client) Messages(ctx context.Context, roomID string, page Page) ([]protocol.Message, error) {
	if page.Size <= 0 {
		page.Size = c.historySize
	}
	if page.Number < 0 {
		page.Number = 0
	}
	q := url.Values{}
	q.Set("size", strconv.Itoa(page.Size))
	q.Set("page", strconv.Itoa(page.Number))
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()

	status, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, messageOf(body))
	}
	if status/100 != 2 {
		return nil, &ServerError{Status: status, Message: messageOf(body)}
	}

	var msgs []protocol.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, &ServerError{Status: status, Message: "malformed message list", Err: err}
	}
	return msgs, nil
}

// LoadHistory fetches the newest page of history with the default size.
func (c *Client) LoadHistory(ctx context.Context, roomID string) ([]protocol.Message, error) {
	return c.Messages(ctx, roomID, Page{})
}

// Health checks the backend's health route.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &ServerError{Status: status, Message: messageOf(body)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, &ServerError{Message: err.Error(), Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return 0, nil, &ServerError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &ServerError{Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= 500 {
		return resp.StatusCode, nil, &ServerError{Status: resp.StatusCode, Message: messageOf(data)}
	}
	return resp.StatusCode, data, nil
}

func decodeRoom(status int, body []byte) (Room, error) {
	if status/100 != 2 {
		return Room{}, &ServerError{Status: status, Message: messageOf(body)}
	}
	if msg, ok := errorEnvelope(body); ok {
		return Room{}, &ServerError{Status: status, Message: msg}
	}
	var room Room
	if err := json.Unmarshal(body, &room); err != nil {
		return Room{}, &ServerError{Status: status, Message: "malformed room", Err: err}
	}
	if room.RoomID == "" {
		return Room{}, &ServerError{Status: status, Message: "response has no roomId"}
	}
	return room, nil
}

// errorEnvelope detects an error object sent with a success status.
func errorEnvelope(body []byte) (string, bool) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	_, hasError := env["error"]
	_, hasTimestamp := env["timestamp"]
	var status string
	if raw, ok := env["status"]; ok {
		_ = json.Unmarshal(raw, &status)
	}
	if !hasError && !hasTimestamp && status != "error" {
		return "", false
	}
	for _, key := range []string{"message", "error"} {
		var s string
		if raw, ok := env[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s, true
		}
	}
	return "unexpected error response", true
}

// messageOf extracts a human readable message from an error body, which
// may be plain text or a JSON envelope.
func messageOf(body []byte) string {
	if msg, ok := errorEnvelope(body); ok {
		return msg
	}
	var s string
	if json.Unmarshal(body, &s) == nil && s != "" {
		return s
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no details"
	}
	return text
}
