// Package client provides the Go client for a Rivulet streaming backend:
// a small REST surface for conversation history plus the multiplexed
// WebSocket stream that keeps a state.Store current.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client provides HTTP methods for the backend REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiPrefix  string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithAPIPrefix sets the API prefix. Default is "/api".
func WithAPIPrefix(prefix string) Option {
	return func(client *Client) {
		client.apiPrefix = prefix
	}
}

// WithToken sets the bearer token attached to every request and to the
// WebSocket handshake.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// New creates a new backend client.
// baseURL is the server address (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		apiPrefix: "/api",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiURL builds a full API URL with the prefix.
func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// ConversationInfo describes a stored conversation.
type ConversationInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ListConversations returns all stored conversations.
func (c *Client) ListConversations() ([]ConversationInfo, error) {
	req, err := http.NewRequest(http.MethodGet, c.apiURL("/conversations"), nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list conversations: status %d: %s", resp.StatusCode, string(body))
	}

	var conversations []ConversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&conversations); err != nil {
		return nil, fmt.Errorf("list conversations: decode: %w", err)
	}
	return conversations, nil
}

// GetConversation returns information about a stored conversation.
func (c *Client) GetConversation(id string) (*ConversationInfo, error) {
	req, err := http.NewRequest(http.MethodGet, c.apiURL("/conversations/"+url.PathEscape(id)), nil)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get conversation: status %d: %s", resp.StatusCode, string(body))
	}

	var info ConversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("get conversation: decode: %w", err)
	}
	return &info, nil
}

// DeleteConversation deletes a stored conversation.
func (c *Client) DeleteConversation(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.apiURL("/conversations/"+url.PathEscape(id)), nil)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("conversation not found: %s", id)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete conversation: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
