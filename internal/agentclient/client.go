package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	commands "telemetry-control/internal/commands/domain"
)

// Statuses an execution agent may answer with.
const (
	StatusAccepted  = "accepted"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrUnknownTarget is returned when the agent does not manage the target.
var ErrUnknownTarget = errors.New("agentclient: unknown target")

// Client is a minimal execution agent REST client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// NewClient constructs an agent client.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("agentclient: empty base url")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Response is the agent's answer to a delivered command.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type commandRequest struct {
	CommandID   string            `json:"command_id"`
	CommandType string            `json:"command_type"`
	Parameters  map[string]string `json:"parameters"`
	Priority    string            `json:"priority"`
	Expiry      *time.Time        `json:"expiry,omitempty"`
}

// SendCommand delivers cmd to the agent managing its target.
func (c *Client) SendCommand(ctx context.Context, cmd commands.ControlCommand) (Response, error) {
	if cmd.TargetID == "" || cmd.CommandID == "" {
		return Response{}, errors.New("agentclient: invalid command")
	}
	body := commandRequest{
		CommandID:   cmd.CommandID,
		CommandType: string(cmd.CommandType),
		Parameters:  commands.CloneParameters(cmd.Parameters),
		Priority:    string(cmd.Priority),
		Expiry:      cmd.Expiry,
	}
	var resp Response
	if err := c.doJSON(ctx, http.MethodPost, "/api/commands/"+url.PathEscape(cmd.TargetID), body, &resp); err != nil {
		return Response{}, err
	}
	resp.Status = strings.ToLower(strings.TrimSpace(resp.Status))
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownTarget
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agentclient: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
