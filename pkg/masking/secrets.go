package masking

import (
	"encoding/json"
	"fmt"
)

// DecodeJSONSecrets walks a JSON document and resolves any string leaf the
// decoder recognizes as a secret reference into its plaintext value,
// leaving ordinary strings untouched. Shared by any caller that needs a
// plugin instance's decrypted config — ingress routing and outbox sending
// alike — so the walk-and-resolve logic lives in one place.
func DecodeJSONSecrets(decoder Decoder, raw []byte) ([]byte, error) {
	if len(raw) == 0 || decoder == nil {
		return raw, nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw, nil
	}
	if err := decodeNode(decoder, parsed); err != nil {
		return nil, err
	}
	return json.Marshal(parsed)
}

func decodeNode(decoder Decoder, v any) error {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if s, ok := child.(string); ok {
				if !decoder.IsReference(s) {
					continue
				}
				decoded, err := decoder.Decode(s)
				if err != nil {
					return fmt.Errorf("resolve secret reference for field %q: %w", k, err)
				}
				node[k] = decoded
				continue
			}
			if err := decodeNode(decoder, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range node {
			if s, ok := child.(string); ok {
				if !decoder.IsReference(s) {
					continue
				}
				decoded, err := decoder.Decode(s)
				if err != nil {
					return fmt.Errorf("resolve secret reference at index %d: %w", i, err)
				}
				node[i] = decoded
				continue
			}
			if err := decodeNode(decoder, child); err != nil {
				return err
			}
		}
	}
	return nil
}
