package sanitize

// DeepCopyMap copies a JSON-ish map without validation. Used for checkpoint
// isolation where the value has already passed through a Sanitizer on write.
// The copy cost is linear in the value size and independent of any runtime
// clone primitive.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue copies a JSON-ish value (maps, slices, scalars).
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopyValue(e)
		}
		return out
	default:
		return t
	}
}

// DeepCopyStrings copies a string slice.
func DeepCopyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
