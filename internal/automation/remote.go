package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jakopako/ami/internal/types"
)

// Remote is the automation persistence API.
type Remote interface {
	Load(ctx context.Context, dc DocumentContext) (State, error)
	Do(ctx context.Context, req types.AutomationRequest) (State, error)
}

// RemoteError is returned for non-2xx responses.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("automation api returned %d: %s", e.Status, e.Message)
}

// Client talks to GET/POST /api/automation.
type Client struct {
	BaseURL  string
	User     string
	Password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient returns a Client for the API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  slog.With(slog.String("component", "automation-remote")),
	}
}

func (c *Client) endpoint() string {
	return c.BaseURL + "/api/automation"
}

// Load fetches the automation state of dc.
func (c *Client) Load(ctx context.Context, dc DocumentContext) (State, error) {
	q := url.Values{}
	q.Set("path", dc.Path)
	q.Set("root", dc.Root)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"?"+q.Encode(), nil)
	if err != nil {
		return State{}, err
	}
	return c.send(req)
}

// Do posts an action and returns the resulting state.
func (c *Client) Do(ctx context.Context, ar types.AutomationRequest) (State, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return State{}, fmt.Errorf("encode %s request: %w", ar.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return State{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *Client) send(req *http.Request) (State, error) {
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er types.ErrorResponse
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return State{}, &RemoteError{Status: resp.StatusCode, Message: msg}
	}
	s, err := Normalize(resp.Body)
	if err != nil {
		return State{}, err
	}
	c.logger.Debug("automation api call", slog.String("method", req.Method), slog.Int("status", resp.StatusCode))
	return s, nil
}
