package masking

import (
	"fmt"
	"os"
	"strings"
)

// Decoder resolves a secret reference stored in a PluginInstance.Config
// field (e.g. a Slack bot token) into its real value at the point of use.
// Decoded values must never be logged or persisted back to the database.
type Decoder interface {
	// Decode resolves ref into its plaintext value. ref is whatever a
	// plugin instance's config stored in place of the literal secret.
	Decode(ref string) (string, error)

	// IsReference reports whether ref looks like a secret reference this
	// Decoder owns, without attempting to resolve it. Callers walking a
	// config tree use this to tell an actual secret reference (which must
	// resolve, or the config is broken) apart from an ordinary string field.
	IsReference(ref string) bool
}

// EnvDecoder resolves references of the form "env:VAR_NAME" against the
// process environment. It is the default Decoder — secrets live in the
// deployment environment, not in orchestra.yaml or the database, mirroring
// how the teacher resolves LLM/Slack API keys via *_TOKEN_ENV indirection
// in pkg/config.
type EnvDecoder struct{}

// IsReference implements Decoder.
func (EnvDecoder) IsReference(ref string) bool {
	return strings.HasPrefix(ref, "env:")
}

// Decode implements Decoder.
func (EnvDecoder) Decode(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("masking: unsupported secret reference %q (expected \"env:VAR_NAME\")", ref)
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("masking: environment variable %s is not set", name)
	}
	return val, nil
}
