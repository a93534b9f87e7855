package masking

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldMaskerRedactsNestedAndArrayPaths(t *testing.T) {
	m := NewFieldMasker("slack", []string{"user.email", "attachments.0.token", "missing.path"})

	input := `{"user":{"email":"a@b.com","name":"Ann"},"attachments":[{"token":"secret"},{"token":"other"}]}`
	out := m.Mask(input)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))

	user := parsed["user"].(map[string]any)
	assert.Equal(t, Redacted, user["email"])
	assert.Equal(t, "Ann", user["name"])

	attachments := parsed["attachments"].([]any)
	first := attachments[0].(map[string]any)
	second := attachments[1].(map[string]any)
	assert.Equal(t, Redacted, first["token"])
	assert.Equal(t, "other", second["token"])
}

func TestFieldMaskerReturnsOriginalOnInvalidJSON(t *testing.T) {
	m := NewFieldMasker("slack", []string{"user.email"})
	input := "not json"
	assert.Equal(t, input, m.Mask(input))
}

func TestFieldMaskerAppliesToReflectsConfiguredFields(t *testing.T) {
	assert.True(t, NewFieldMasker("x", []string{"a"}).AppliesTo(""))
	assert.False(t, NewFieldMasker("x", nil).AppliesTo(""))
}
