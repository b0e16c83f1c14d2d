// Package cli provides a client for the connman-session API. It talks to
// the daemon over the unix socket (preferred) or TCP and deliberately does
// not import internal/api — wire types are duplicated.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client communicates with the connman-session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the TCP API at serverAddr.
func NewClient(serverAddr string) *Client {
	return &Client{
		baseURL: "http://" + serverAddr,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewUnixClient creates a client that connects through the daemon's unix
// socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		// The host is a placeholder; the dialer ignores it.
		baseURL: "http://connman-session",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// StatusResponse mirrors the API's status body.
type StatusResponse struct {
	Session string `json:"session"`
	State   string `json:"state,omitempty"`
}

// StateResponse mirrors the API's state body.
type StateResponse struct {
	State string `json:"state"`
}

// ConnectionsResponse mirrors the API's connections body.
type ConnectionsResponse struct {
	Connections []string `json:"connections"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status returns the daemon's session and connection state.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get("/api/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State returns the aggregate connection state.
func (c *Client) State() (string, error) {
	var resp StateResponse
	if err := c.get("/api/v1/state", &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// Connections lists connection names.
func (c *Client) Connections() ([]string, error) {
	var resp ConnectionsResponse
	if err := c.get("/api/v1/connections", &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// Connect connects the named connection.
func (c *Client) Connect(name string) error {
	return c.post("/api/v1/connections/"+url.PathEscape(name)+"/connect", nil)
}

// Disconnect disconnects the named connection.
func (c *Client) Disconnect(name string) error {
	return c.post("/api/v1/connections/"+url.PathEscape(name)+"/disconnect", nil)
}

// Properties returns the named connection's whitelisted properties.
func (c *Client) Properties(name string) (map[string]any, error) {
	var props map[string]any
	if err := c.get("/api/v1/connections/"+url.PathEscape(name)+"/properties", &props); err != nil {
		return nil, err
	}
	return props, nil
}

// SetProperties writes properties on the named connection.
func (c *Client) SetProperties(name string, updates map[string]any) error {
	return c.put("/api/v1/connections/"+url.PathEscape(name)+"/properties", updates)
}

// Scan triggers a scan of the given technology types; nil scans the
// configured scannable set.
func (c *Client) Scan(types []string) error {
	return c.post("/api/v1/scan", map[string]any{"types": types})
}

// SetWifi pre-supplies WiFi credentials for target (a name or "*").
func (c *Client) SetWifi(target string, fields map[string]string) error {
	return c.post("/api/v1/wifi", map[string]any{"target": target, "fields": fields})
}

// ConfigGet reads one config property, or all of them with key "".
func (c *Client) ConfigGet(key string) (any, error) {
	path := "/api/v1/config"
	if key != "" {
		path += "/" + url.PathEscape(key)
	}
	var value any
	if err := c.get(path, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// ConfigSet writes one config property; the daemon bounces the session.
func (c *Client) ConfigSet(key string, value any) error {
	return c.put("/api/v1/config/"+url.PathEscape(key), map[string]any{"value": value})
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, body any) error {
	return c.send(http.MethodPost, path, body)
}

func (c *Client) put(path string, body any) error {
	return c.send(http.MethodPut, path, body)
}

func (c *Client) send(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
