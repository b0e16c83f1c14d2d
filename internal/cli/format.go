package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Formatter outputs data as text or JSON.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatStatus outputs the daemon status.
func (f *Formatter) FormatStatus(status *StatusResponse) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(status)
	}
	fmt.Fprintf(f.w, "session: %s\n", status.Session)
	if status.State != "" {
		fmt.Fprintf(f.w, "state:   %s\n", status.State)
	}
	return nil
}

// FormatConnections outputs connection names, one per line.
func (f *Formatter) FormatConnections(names []string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(names)
	}
	if len(names) == 0 {
		fmt.Fprintln(f.w, "No connections")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(f.w, name)
	}
	return nil
}

// FormatProperties outputs a property map with sorted keys.
func (f *Formatter) FormatProperties(props map[string]any) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(props)
	}
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(f.w, "%-28s %s\n", key, formatValue(props[key]))
	}
	return nil
}

// FormatValue outputs a single value.
func (f *Formatter) FormatValue(value any) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(value)
	}
	if m, ok := value.(map[string]any); ok {
		return f.FormatProperties(m)
	}
	fmt.Fprintln(f.w, formatValue(value))
	return nil
}

// FormatMessage outputs a plain confirmation line.
func (f *Formatter) FormatMessage(msg string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{"status": msg})
	}
	fmt.Fprintln(f.w, msg)
	return nil
}

func formatValue(value any) string {
	switch x := value.(type) {
	case nil:
		return "-"
	case string:
		return x
	case []any:
		if len(x) == 0 {
			return "[]"
		}
		out := ""
		for i, item := range x {
			if i > 0 {
				out += ", "
			}
			out += formatValue(item)
		}
		return out
	case map[string]any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", x)
	}
}
