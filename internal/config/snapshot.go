package config

import "fmt"

// Snapshot property keys, matching the config file's YAML keys.
const (
	KeyPowered        = "powered"
	KeyScannable      = "scannable"
	KeyAPIPAEnabled   = "apipa_enabled"
	KeyAPIPAAddress   = "apipa_ipaddr"
	KeyAPIPANetmask   = "apipa_netmask"
	KeyAPIPAInterface = "apipa_interface"
)

// Snapshot is the session controller's runtime configuration: which
// technology types to power on at start, which may be scanned, and the
// link-local (APIPA) fallback parameters. Mutations go through Set so the
// controller can re-apply startup policy afterwards.
type Snapshot struct {
	Powered        []string
	Scannable      []string
	APIPAEnabled   bool
	APIPAAddress   string
	APIPANetmask   string
	APIPAInterface string
}

// Get returns the value for key, or ok=false for an unknown key.
func (s *Snapshot) Get(key string) (any, bool) {
	switch key {
	case KeyPowered:
		return append([]string(nil), s.Powered...), true
	case KeyScannable:
		return append([]string(nil), s.Scannable...), true
	case KeyAPIPAEnabled:
		return s.APIPAEnabled, true
	case KeyAPIPAAddress:
		return s.APIPAAddress, true
	case KeyAPIPANetmask:
		return s.APIPANetmask, true
	case KeyAPIPAInterface:
		return s.APIPAInterface, true
	default:
		return nil, false
	}
}

// All returns every key and value as a map.
func (s *Snapshot) All() map[string]any {
	return map[string]any{
		KeyPowered:        append([]string(nil), s.Powered...),
		KeyScannable:      append([]string(nil), s.Scannable...),
		KeyAPIPAEnabled:   s.APIPAEnabled,
		KeyAPIPAAddress:   s.APIPAAddress,
		KeyAPIPANetmask:   s.APIPANetmask,
		KeyAPIPAInterface: s.APIPAInterface,
	}
}

// Set assigns value to key. Unknown keys and values of the wrong type are
// rejected rather than stored, so a bad value fails here instead of at the
// next session start.
func (s *Snapshot) Set(key string, value any) error {
	switch key {
	case KeyPowered:
		list, err := toStringSlice(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.Powered = list
	case KeyScannable:
		list, err := toStringSlice(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.Scannable = list
	case KeyAPIPAEnabled:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s: expected bool, got %T", key, value)
		}
		s.APIPAEnabled = b
	case KeyAPIPAAddress, KeyAPIPANetmask, KeyAPIPAInterface:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", key, value)
		}
		switch key {
		case KeyAPIPAAddress:
			s.APIPAAddress = str
		case KeyAPIPANetmask:
			s.APIPANetmask = str
		case KeyAPIPAInterface:
			s.APIPAInterface = str
		}
	default:
		return fmt.Errorf("unknown config property %q", key)
	}
	return nil
}

// toStringSlice accepts []string directly or []any of strings (what JSON
// decoding produces).
func toStringSlice(value any) ([]string, error) {
	switch x := value.(type) {
	case []string:
		return append([]string(nil), x...), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", value)
	}
}
