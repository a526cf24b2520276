package launch

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_RoundTrip(t *testing.T) {
	orig := Context{
		Action:    ActionFallbackDecision,
		Target:    "dag-node",
		ReturnURL: "http://localhost:8590/ws",
	}

	encoded, err := orig.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, orig, decoded)
}

func TestContext_EncodedFormIsURLSafe(t *testing.T) {
	encoded, err := Context{Action: ActionInstallProfile, Target: "explorer"}.Encode()
	require.NoError(t, err)

	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")
	assert.NotContains(t, encoded, "=")
}

func TestContext_EncodeRequiresAction(t *testing.T) {
	_, err := Context{Target: "dag-node"}.Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an action")
}

func TestDecode_Empty(t *testing.T) {
	_, err := Decode("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty launch context")
}

func TestDecode_OversizedPayload(t *testing.T) {
	_, err := Decode(strings.Repeat("A", 5000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDecode_MalformedBase64(t *testing.T) {
	_, err := Decode("not!!valid!!base64")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed launch context")
}

func TestDecode_MalformedJSON(t *testing.T) {
	junk := base64.RawURLEncoding.EncodeToString([]byte("{not json"))
	_, err := Decode(junk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed launch context payload")
}

func TestDecode_MissingAction(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"target":"dag-node"}`))
	_, err := Decode(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action")
}
