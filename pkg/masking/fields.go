package masking

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// Redacted is the replacement value written over a masked field.
const Redacted = "[REDACTED]"

var errNotANumber = errors.New("masking: path segment is not a numeric array index")

// FieldMasker redacts a fixed set of dot-path fields (e.g. "user.email",
// "attachments.0.token") out of a parsed JSON payload before it is persisted
// as a WorkItem. It is the Ingress Router's default masking.Masker,
// configured per plugin type from PluginTypeConfig.SensitiveFields.
type FieldMasker struct {
	name   string
	fields []string
}

// NewFieldMasker creates a field masker for the given dot-path field list.
func NewFieldMasker(name string, fields []string) *FieldMasker {
	return &FieldMasker{name: name, fields: fields}
}

// Name returns the unique identifier for this masker.
func (m *FieldMasker) Name() string { return m.name }

// AppliesTo reports whether this masker has any configured fields.
func (m *FieldMasker) AppliesTo(_ string) bool {
	return len(m.fields) > 0
}

// Mask parses data as JSON, redacts the configured field paths, and
// re-serializes. Returns the original data unchanged if it isn't valid JSON
// — ingress payloads that fail to parse are masking's problem to skip, not
// to crash on.
func (m *FieldMasker) Mask(data string) string {
	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		slog.Warn("field masker: payload is not valid JSON, skipping redaction", "masker", m.name, "error", err)
		return data
	}

	for _, path := range m.fields {
		redactPath(parsed, splitPath(path))
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		slog.Error("field masker: failed to re-serialize redacted payload, returning original", "masker", m.name, "error", err)
		return data
	}
	return string(out)
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// redactPath walks a decoded JSON value (map[string]any / []any) following
// path segments and overwrites the leaf with Redacted in place. Array
// segments are numeric indices; missing paths are silently ignored.
func redactPath(v any, path []string) {
	if len(path) == 0 {
		return
	}

	switch node := v.(type) {
	case map[string]any:
		key := path[0]
		child, ok := node[key]
		if !ok {
			return
		}
		if len(path) == 1 {
			node[key] = Redacted
			return
		}
		redactPath(child, path[1:])

	case []any:
		idx, err := atoi(path[0])
		if err != nil || idx < 0 || idx >= len(node) {
			return
		}
		if len(path) == 1 {
			node[idx] = Redacted
			return
		}
		redactPath(node[idx], path[1:])
	}
}

func atoi(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return 0, errNotANumber
	}
	return n, nil
}
