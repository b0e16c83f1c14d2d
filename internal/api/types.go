package api

import "github.com/netsound/connman-session/internal/session"

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Session string `json:"session"`
	// State is the daemon's aggregate connection state; empty unless the
	// session is started.
	State string `json:"state,omitempty"`
}

// StateResponse is the body of GET /api/v1/state.
type StateResponse struct {
	State string `json:"state"`
}

// ConnectionsResponse is the body of GET /api/v1/connections.
type ConnectionsResponse struct {
	Connections []string `json:"connections"`
}

// ScanRequest is the body of POST /api/v1/scan. An empty Types scans the
// configured scannable set.
type ScanRequest struct {
	Types []string `json:"types"`
}

// WifiRequest is the body of POST /api/v1/wifi. Target is a connection
// name or "*".
type WifiRequest struct {
	Target string            `json:"target"`
	Fields map[string]string `json:"fields"`
}

// ConfigSetRequest is the body of PUT /api/v1/config/{key}.
type ConfigSetRequest struct {
	Value any `json:"value"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WSMessage is one message on the /api/v1/events stream.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot — no omitempty so the array is always present in JSON.
	Session     string                   `json:"session,omitempty"`
	State       string                   `json:"state,omitempty"`
	Connections []session.ConnectionInfo `json:"connections"`

	// For event
	Event *session.Event `json:"event,omitempty"`
}
