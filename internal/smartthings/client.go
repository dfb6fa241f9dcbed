// Package smartthings is a thin HTTP client for the SmartThings device API.
package smartthings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultBaseURL is the public SmartThings API root.
const DefaultBaseURL = "https://api.smartthings.com/v1"

// DefaultTimeout bounds every request issued by the client.
const DefaultTimeout = 10 * time.Second

// switchValuePath locates the switch capability value in a status document.
const switchValuePath = "components.main.switch.switch.value"

// Command is a single device capability command.
type Command struct {
	Component  string
	Capability string
	Command    string
}

// SwitchOn turns a device's main switch on.
var SwitchOn = Command{Component: "main", Capability: "switch", Command: "on"}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // set for 429 responses
}

func (e *APIError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return fmt.Sprintf("rate limited by SmartThings API, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("smartthings API returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the SmartThings API with a personal access token.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Client. An empty baseURL uses DefaultBaseURL and a
// non-positive timeout uses DefaultTimeout.
func NewClient(token, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// SwitchState fetches the device status and returns the main switch value
// ("on" or "off").
func (c *Client) SwitchState(ctx context.Context, deviceID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.deviceURL(deviceID, "status"), nil)
	if err != nil {
		return "", err
	}

	value := gjson.GetBytes(body, switchValuePath)
	if !value.Exists() {
		return "", fmt.Errorf("status response missing %s", switchValuePath)
	}
	return value.String(), nil
}

// ExecuteCommand sends one capability command to the device.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID string, cmd Command) error {
	payload, err := commandBody(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, c.deviceURL(deviceID, "commands"), payload)
	return err
}

// commandBody renders {"commands":[{"component":..,"capability":..,"command":..}]}.
func commandBody(cmd Command) ([]byte, error) {
	entry, err := sjson.SetBytes(nil, "component", cmd.Component)
	if err != nil {
		return nil, err
	}
	if entry, err = sjson.SetBytes(entry, "capability", cmd.Capability); err != nil {
		return nil, err
	}
	if entry, err = sjson.SetBytes(entry, "command", cmd.Command); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes([]byte(`{"commands":[]}`), "commands.-1", entry)
}

func (c *Client) deviceURL(deviceID, leaf string) string {
	return fmt.Sprintf("%s/devices/%s/%s", c.baseURL, url.PathEscape(deviceID), leaf)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartthings API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if secs == 0 {
			secs = 60
		}
		return nil, &APIError{StatusCode: resp.StatusCode, RetryAfter: time.Duration(secs) * time.Second}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}
