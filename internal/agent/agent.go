// Package agent implements the net.connman.Agent object the daemon calls
// back into when joining a WiFi network needs credentials. Answers come
// from a pre-supplied cache keyed by service path, with "*" as a wildcard
// fallback.
package agent

import (
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/netsound/connman-session/internal/connman"
)

// Wildcard matches any service the cache has no exact entry for.
const Wildcard = "*"

// AllowedFields is the caller-facing credential field set. Unknown fields
// are dropped silently; passphrase/wpspin exclusivity is the daemon's
// business, not ours.
var AllowedFields = map[string]bool{
	"name":       true,
	"ssid":       true,
	"passphrase": true,
	"wpspin":     true,
}

// fieldToInput maps cache field names to the input field names the daemon
// uses in RequestInput.
var fieldToInput = map[string]string{
	"name":       "Name",
	"ssid":       "SSID",
	"passphrase": "Passphrase",
	"wpspin":     "WPS",
}

var errCanceled = dbus.NewError("net.connman.Agent.Error.Canceled", nil)

// Agent holds the credential cache and serves the D-Bus callback methods.
// RequestInput runs on godbus's export goroutine while SetCredentials runs
// on the session loop, so the cache is mutex-guarded.
type Agent struct {
	mu          sync.Mutex
	credentials map[string]map[string]string // service path or "*" -> field -> value
}

// New creates an empty agent.
func New() *Agent {
	return &Agent{credentials: make(map[string]map[string]string)}
}

// Export publishes the agent object at path on the bus. The daemon only
// learns about it once Manager.RegisterAgent is called.
func (a *Agent) Export(bus connman.Bus, path dbus.ObjectPath) error {
	return bus.Export(a, path, connman.AgentInterface)
}

// SetCredentials stores credentials for target, a service path or Wildcard.
// Fields outside AllowedFields are dropped. Later calls for the same target
// replace the earlier entry wholesale.
func (a *Agent) SetCredentials(target string, fields map[string]string) {
	filtered := make(map[string]string, len(fields))
	for k, v := range fields {
		if AllowedFields[k] {
			filtered[k] = v
		}
	}

	a.mu.Lock()
	a.credentials[target] = filtered
	a.mu.Unlock()
}

// Credentials returns the stored entry for target, exact match only.
func (a *Agent) Credentials(target string) (map[string]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.credentials[target]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true
}

// lookup resolves credentials for a service path: exact match first, then
// the wildcard entry.
func (a *Agent) lookup(path string) (map[string]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.credentials[path]; ok {
		return entry, true
	}
	entry, ok := a.credentials[Wildcard]
	return entry, ok
}

// RequestInput answers the daemon's credential request for service. Only
// fields the daemon asked for are returned; if nothing useful is cached the
// request is canceled and the daemon applies its own failure behavior.
func (a *Agent) RequestInput(service dbus.ObjectPath, fields map[string]dbus.Variant) (map[string]dbus.Variant, *dbus.Error) {
	entry, ok := a.lookup(string(service))
	if !ok {
		slog.Debug("agent: no credentials for service", "service", service)
		return nil, errCanceled
	}

	reply := make(map[string]dbus.Variant)
	for field, value := range entry {
		input := fieldToInput[field]
		if _, requested := fields[input]; !requested {
			continue
		}
		if field == "ssid" {
			// The SSID input field is a byte array on the wire.
			reply[input] = dbus.MakeVariant([]byte(value))
		} else {
			reply[input] = dbus.MakeVariant(value)
		}
	}

	if len(reply) == 0 {
		slog.Debug("agent: nothing to answer", "service", service)
		return nil, errCanceled
	}

	slog.Info("agent: answered credential request", "service", service, "fields", len(reply))
	return reply, nil
}

// ReportError is called by the daemon when a join attempt fails.
func (a *Agent) ReportError(service dbus.ObjectPath, message string) *dbus.Error {
	slog.Warn("agent: daemon reported error", "service", service, "error", message)
	return nil
}

// RequestBrowser is called for captive-portal style logins; there is no
// browser on this box, so the request is declined.
func (a *Agent) RequestBrowser(service dbus.ObjectPath, url string) *dbus.Error {
	slog.Info("agent: browser requested, declining", "service", service, "url", url)
	return errCanceled
}

// Cancel aborts an outstanding request. Answers are synchronous here, so
// there is nothing in flight to abort.
func (a *Agent) Cancel() *dbus.Error {
	return nil
}

// Release is called when the daemon drops the agent registration.
func (a *Agent) Release() *dbus.Error {
	slog.Debug("agent: released by daemon")
	return nil
}
