// Package connman speaks the ConnMan D-Bus API: the net.connman.Manager
// object, per-technology and per-service objects, and the agent interface
// used for WiFi credentials.
package connman

import "github.com/godbus/dbus/v5"

// Well-known ConnMan bus names, paths and interfaces.
const (
	BusName = "net.connman"

	ManagerPath      = dbus.ObjectPath("/")
	ManagerInterface = "net.connman.Manager"

	TechnologyInterface = "net.connman.Technology"
	ServiceInterface    = "net.connman.Service"
	AgentInterface      = "net.connman.Agent"

	SignalServicesChanged = ManagerInterface + ".ServicesChanged"
	SignalPropertyChanged = ManagerInterface + ".PropertyChanged"
)

// DefaultAgentPath is where the credential agent object is exported.
const DefaultAgentPath = dbus.ObjectPath("/com/netsound/connman_session/agent")

// ReadOnlyProperties are service properties callers may read but not write.
var ReadOnlyProperties = map[string]bool{
	"State":       true,
	"Error":       true,
	"Name":        true,
	"Type":        true,
	"Security":    true,
	"Strength":    true,
	"Nameservers": true,
	"Timeservers": true,
	"Domains":     true,
	"IPv4":        true,
	"IPv6":        true,
	"Ethernet":    true,
}

// ReadWriteProperties are service properties callers may both read and write.
var ReadWriteProperties = map[string]bool{
	"Autoconnect":               true,
	"Nameservers.Configuration": true,
	"Timeservers.Configuration": true,
	"Domains.Configuration":     true,
	"IPv4.Configuration":        true,
	"IPv6.Configuration":        true,
}

// KnownProperty reports whether name is in the read-only or read-write set.
func KnownProperty(name string) bool {
	return ReadOnlyProperties[name] || ReadWriteProperties[name]
}

// Technology is one entry from Manager.GetTechnologies.
type Technology struct {
	Path    dbus.ObjectPath
	Type    string
	Powered bool
}

// Service is one entry from Manager.GetServices. The path is internal
// identity only; callers address services by Name.
type Service struct {
	Path       dbus.ObjectPath
	Properties map[string]dbus.Variant
}

// Name returns the service's public name, or "" for hidden services.
func (s Service) Name() string {
	return s.stringProp("Name")
}

// Type returns the service's technology type ("wifi", "ethernet", ...).
func (s Service) Type() string {
	return s.stringProp("Type")
}

func (s Service) stringProp(key string) string {
	v, ok := s.Properties[key]
	if !ok {
		return ""
	}
	str, _ := v.Value().(string)
	return str
}

// Flatten unwraps a D-Bus variant into plain Go values: nested variants are
// resolved, dict entries become map[string]any, object paths become strings
// and bytes widen to int (signal strength is a byte on the wire).
func Flatten(v dbus.Variant) any {
	return flattenValue(v.Value())
}

func flattenValue(val any) any {
	switch x := val.(type) {
	case dbus.Variant:
		return flattenValue(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case byte:
		return int(x)
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = flattenValue(v)
		}
		return out
	case []dbus.Variant:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = flattenValue(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = flattenValue(v)
		}
		return out
	default:
		return val
	}
}
