package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/netsound/connman-session/internal/connman"
	"github.com/netsound/connman-session/internal/session"
)

// Handlers provides the HTTP handlers for the REST API.
type Handlers struct {
	ctrl *session.Controller
}

// NewHandlers creates handlers over a controller.
func NewHandlers(ctrl *session.Controller) *Handlers {
	return &Handlers{ctrl: ctrl}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{Session: h.ctrl.SessionState().String()}
	if state, err := h.ctrl.ConnectionState(); err == nil {
		resp.State = state
	}
	writeJSON(w, resp)
}

// HandleState handles GET /api/v1/state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state, err := h.ctrl.ConnectionState()
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, StateResponse{State: state})
}

// HandleConnections handles GET /api/v1/connections.
func (h *Handlers) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := h.ctrl.ListConnections()
	if err != nil {
		writeOpError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, ConnectionsResponse{Connections: names})
}

// HandleConnection routes /api/v1/connections/{name}/(connect|disconnect|properties).
func (h *Handlers) HandleConnection(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/connections/")
	name, action, found := strings.Cut(rest, "/")
	if !found || name == "" {
		writeError(w, "not found", http.StatusNotFound)
		return
	}

	switch action {
	case "connect":
		h.handleConnect(w, r, name)
	case "disconnect":
		h.handleDisconnect(w, r, name)
	case "properties":
		h.handleProperties(w, r, name)
	default:
		writeError(w, "not found", http.StatusNotFound)
	}
}

func (h *Handlers) handleConnect(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.ctrl.Connect(name); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleDisconnect(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.ctrl.Disconnect(name); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleProperties(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		props, ok, err := h.ctrl.ConnectionProperties(name)
		if err != nil {
			writeOpError(w, err)
			return
		}
		if !ok {
			writeError(w, "connection not found", http.StatusNotFound)
			return
		}
		writeJSON(w, props)

	case http.MethodPut, http.MethodPatch:
		var updates map[string]any
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.ctrl.SetConnectionProperties(name, updates); err != nil {
			writeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleScan handles POST /api/v1/scan.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := h.ctrl.Scan(req.Types); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleWifi handles POST /api/v1/wifi: pre-supplies WiFi credentials for
// a named connection or the wildcard.
func (h *Handlers) HandleWifi(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req WifiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Target == "" {
		writeError(w, "target is required", http.StatusBadRequest)
		return
	}
	if err := h.ctrl.SetWifiConfig(req.Target, req.Fields); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConfig routes /api/v1/config and /api/v1/config/{key}.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/config")
	key = strings.TrimPrefix(key, "/")

	switch r.Method {
	case http.MethodGet:
		value, ok := h.ctrl.GetConfigProperty(key)
		if !ok {
			writeError(w, "unknown config property", http.StatusNotFound)
			return
		}
		writeJSON(w, value)

	case http.MethodPut:
		if key == "" {
			writeError(w, "config key is required", http.StatusBadRequest)
			return
		}
		var req ConfigSetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.ctrl.SetConfigProperty(key, req.Value); err != nil {
			if isTransport(err) {
				writeOpError(w, err)
			} else {
				writeError(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeOpError maps controller errors to HTTP statuses: the readiness gate
// becomes 503, transport failures 502, everything else 500.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		writeError(w, "session not ready", http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrClosed):
		writeError(w, "shutting down", http.StatusServiceUnavailable)
	case isTransport(err):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func isTransport(err error) bool {
	var te *connman.TransportError
	return errors.As(err, &te)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message}) //nolint:errcheck
}
