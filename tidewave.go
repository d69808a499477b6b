// Package tidewave provides the official Go SDK for the Tidewave chat and
// notification platform.
//
// The SDK has two halves. Client is a thin REST client for the Tidewave API.
// Session is the real-time synchronization core: it hydrates conversations
// and notifications over REST, merges live push events into the same
// in-memory view, and runs user mutations optimistically with rollback.
//
// Example:
//
//	client := tidewave.NewClient("tw-token-...")
//	channel := tidewave.NewWSChannel(tidewave.DefaultBaseURL, &tidewave.ChannelConfig{
//		Token:         "tw-token-...",
//		AutoReconnect: true,
//	})
//
//	session := tidewave.NewSession(client, channel, &tidewave.SessionOptions{UserID: "user-1"})
//	if err := session.Hydrate(ctx); err != nil {
//		return err
//	}
//	cancel := session.Conversations.Subscribe(render)
//	defer cancel()
//
//	session.Commands().SendMessage(ctx, "conv-1", "hello", "text")
package tidewave

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
	DefaultBaseURL = "https://api.tidewave.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: it persists conversations, messages, and
// notifications. The sync core treats its implementation as opaque.
type Client struct {
	token         string
	baseURL       string
	httpClient    *http.Client
	chats         *ChatsClient
	notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Tidewave client.
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

	c.chats = &ChatsClient{client: c}
	c.notifications = &NotificationsClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chats returns the chats API sub-client.
func (c *Client) Chats() *ChatsClient {
	return c.chats
}

// Notifications returns the notifications API sub-client.
func (c *Client) Notifications() *NotificationsClient {
	return c.notifications
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
		return nil, Transient("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError maps an HTTP failure onto the sync-layer taxonomy. Missing or
// modified entities surface as conflicts so the dispatcher can discard the
// optimistic change and re-request canonical state; everything retryable is
// transient.
func statusError(status int, body []byte) error {
	message := fmt.Sprintf("HTTP %d", status)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != nil {
		message = er.Error.Message
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusGone:
		return &SyncError{Code: CodeConflict, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &SyncError{Code: CodeUnauthenticated, Message: message}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &SyncError{Code: CodeInvalidArgument, Message: message}
	default:
		return &SyncError{Code: CodeTransient, Message: message}
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if opts.Before != "" {
		q["before"] = opts.Before
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Chats API
// ============================================================================

// ChatsClient handles conversations and messages.
type ChatsClient struct{ client *Client }

// List fetches all conversations.
func (ch *ChatsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// Get fetches a single conversation.
func (ch *ChatsClient) Get(ctx context.Context, chatID string) (*Conversation, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats/"+chatID, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

// Messages fetches a conversation's message history.
func (ch *ChatsClient) Messages(ctx context.Context, chatID string, opts *PageOptions) ([]Message, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats/"+chatID+"/messages", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts a new message to a conversation.
func (ch *ChatsClient) SendMessage(ctx context.Context, chatID string, opts *SendMessageOptions) (*Message, error) {
	if opts == nil || opts.Content == "" {
		return nil, InvalidArg("content is required")
	}
	payload := *opts
	if payload.Type == "" {
		payload.Type = "text"
	}
	data, err := ch.client.doRequest(ctx, "POST", "/chats/"+chatID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// EditMessage updates a message's content.
func (ch *ChatsClient) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	if content == "" {
		return nil, InvalidArg("content is required")
	}
	data, err := ch.client.doRequest(ctx, "PATCH", "/messages/"+messageID, map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// DeleteMessage removes a message.
func (ch *ChatsClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := ch.client.doRequest(ctx, "DELETE", "/messages/"+messageID, nil, nil)
	return err
}

// ============================================================================
// Notifications API
// ============================================================================

// NotificationsClient handles notifications and read state.
type NotificationsClient struct{ client *Client }

// List fetches all notifications, newest first.
func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := n.client.doRequest(ctx, "GET", "/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[notificationsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// UnreadCount fetches the server-side unread counter.
func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := n.client.doRequest(ctx, "GET", "/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[unreadCountResponse](data)
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// MarkRead marks a single notification as read.
func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) error {
	_, err := n.client.doRequest(ctx, "PATCH", "/notifications/"+notificationID+"/read", nil, nil)
	return err
}

// MarkAllRead marks every notification as read. The endpoint is
// all-or-nothing.
func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, "PATCH", "/notifications/read-all", nil, nil)
	return err
}

// Delete removes a notification.
func (n *NotificationsClient) Delete(ctx context.Context, notificationID string) error {
	_, err := n.client.doRequest(ctx, "DELETE", "/notifications/"+notificationID, nil, nil)
	return err
}
