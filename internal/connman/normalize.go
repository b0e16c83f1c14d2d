package connman

// Normalize tightens loosely-typed values (JSON decoding yields []any and
// map[string]any) into the concrete types ConnMan expects on the wire:
// homogeneous string slices become []string and string-valued maps become
// map[string]string. Anything else passes through unchanged.
func Normalize(value any) any {
	switch x := value.(type) {
	case []any:
		strs := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return value
			}
			strs = append(strs, s)
		}
		return strs
	case map[string]any:
		strmap := make(map[string]string, len(x))
		for k, item := range x {
			s, ok := item.(string)
			if !ok {
				return value
			}
			strmap[k] = s
		}
		return strmap
	default:
		return value
	}
}
