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

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/pkg/proto"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway: %d %s: %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("gateway: %d: %s", e.Status, e.Message)
}

// Client talks to a vault gateway with a bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// CreateAccount opens the caller's account.
func (c *Client) CreateAccount(ctx context.Context, quota int64) (*proto.AccountResponse, error) {
	body, err := json.Marshal(proto.CreateAccountRequest{Quota: quota})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var out proto.AccountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/account", "application/json", body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns the caller's quota and usage.
func (c *Client) Account(ctx context.Context) (*proto.AccountResponse, error) {
	var out proto.AccountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/account", "", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put stores data and returns its identity.
func (c *Client) Put(ctx context.Context, data []byte) (identity.ID, error) {
	var out proto.PutResponse
	if err := c.do(ctx, http.MethodPost, "/v1/chunks", "application/octet-stream", data, http.StatusCreated, &out); err != nil {
		return identity.Zero, err
	}
	return identity.Parse(out.ID)
}

// Get fetches a chunk and verifies it against id.
func (c *Client) Get(ctx context.Context, id identity.ID) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, "/v1/chunks/"+id.String(), "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if !id.Verify(data) {
		return nil, fmt.Errorf("chunk %s failed verification", id.Short())
	}
	return data, nil
}

// Delete drops the caller's subscription to a chunk.
func (c *Client) Delete(ctx context.Context, id identity.ID) error {
	return c.do(ctx, http.MethodDelete, "/v1/chunks/"+id.String(), "", nil, http.StatusNoContent, nil)
}

// GetVersion returns the current version of name.
func (c *Client) GetVersion(ctx context.Context, name identity.ID) (*proto.VersionResponse, error) {
	var out proto.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/versions/"+name.String(), "", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostVersion moves name from expected to next. On conflict the returned
// record is the current version and the error is an *APIError with
// status 409.
func (c *Client) PostVersion(ctx context.Context, name, expected, next identity.ID) (*proto.VersionResponse, error) {
	req := proto.VersionPostRequest{New: next.String()}
	if !expected.IsZero() {
		req.Expected = expected.String()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.request(ctx, http.MethodPost, "/v1/versions/"+name.String(), "application/json", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out proto.VersionResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	case http.StatusConflict:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, &APIError{Status: resp.StatusCode, Reason: "conflict", Message: "version changed"}
	default:
		return nil, c.parseError(resp)
	}
}

// SendMessage queues body for recipient.
func (c *Client) SendMessage(ctx context.Context, recipient identity.ID, body []byte) (string, error) {
	var out proto.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/"+recipient.String(), "application/octet-stream", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// PollMessages returns the caller's inbox.
func (c *Client) PollMessages(ctx context.Context) ([]proto.Message, error) {
	var out proto.InboxResponse
	if err := c.do(ctx, http.MethodGet, "/v1/messages", "", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PollOutbox returns messages the caller sent that are not yet deleted.
func (c *Client) PollOutbox(ctx context.Context) ([]proto.OutboxEntry, error) {
	var out proto.OutboxResponse
	if err := c.do(ctx, http.MethodGet, "/v1/outbox", "", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// DeleteMessage removes a message from the caller's inbox.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(id), "", nil, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, want int, out any) error {
	resp, err := c.request(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return c.parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.client.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp proto.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Reason: errResp.Reason, Message: errResp.Message}
}
