// Package remote talks to the chat backend: the paginated HTTP API and the
// websocket update feed.
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
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Client calls the chat HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL. A zero timeout means no timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchPage returns the page of chatID that follows tag. An empty tag starts
// from the beginning.
func (c *Client) FetchPage(ctx context.Context, chatID, tag string) (*Page, error) {
	path := c.chatPath(chatID, "messages")
	if tag != "" {
		path += "?" + url.Values{"tag": {tag}}.Encode()
	}
	var page Page
	if err := c.do(ctx, "fetch_page", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendText posts a text message and returns the server-confirmed message.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*RawMessage, error) {
	var msg RawMessage
	body := sendRequest{Items: []sendItem{{Text: text}}}
	if err := c.do(ctx, "send", http.MethodPost, c.chatPath(chatID, "messages"), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead moves the caller's read watermark in chatID to lastRead.
func (c *Client) MarkRead(ctx context.Context, chatID string, lastRead time.Time) error {
	return c.do(ctx, "mark_read", http.MethodPost, c.chatPath(chatID, "read"), markReadRequest{LastReadTimestamp: lastRead}, nil)
}

// LoadUsers returns the participants of chatID.
func (c *Client) LoadUsers(ctx context.Context, chatID string) ([]User, error) {
	var resp usersResponse
	if err := c.do(ctx, "load_users", http.MethodGet, c.chatPath(chatID, "users"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ReportMessage flags a message for moderation.
func (c *Client) ReportMessage(ctx context.Context, chatID, messageID, reason string) error {
	path := c.chatPath(chatID, "messages", messageID, "report")
	return c.do(ctx, "report", http.MethodPost, path, reportRequest{Reason: reason}, nil)
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

func (c *Client) chatPath(chatID string, parts ...string) string {
	segs := []string{"chats", url.PathEscape(chatID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
