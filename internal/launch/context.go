// Package launch encodes the small structured payload one console hands
// to the other through a URL parameter.
package launch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// maxEncodedLen guards against junk or abuse in the URL parameter.
const maxEncodedLen = 4096

// Known actions a launch context can request.
const (
	ActionInstallProfile   = "install-profile"
	ActionRemoveProfile    = "remove-profile"
	ActionFallbackDecision = "fallback-decision"
)

// Context is the cross-launch payload: what to do, on what, and where to
// return afterwards. It must round-trip losslessly through
// encode→transmit→decode.
type Context struct {
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	ReturnURL string `json:"returnUrl,omitempty"`
}

// Encode serializes the context into a URL-safe string.
func (c Context) Encode() (string, error) {
	if c.Action == "" {
		return "", fmt.Errorf("launch context requires an action")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode launch context: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a transmitted launch context.
func Decode(s string) (Context, error) {
	var c Context
	if s == "" {
		return c, fmt.Errorf("empty launch context")
	}
	if len(s) > maxEncodedLen {
		return c, fmt.Errorf("launch context exceeds %d bytes", maxEncodedLen)
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("malformed launch context: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("malformed launch context payload: %w", err)
	}
	if c.Action == "" {
		return c, fmt.Errorf("launch context missing action")
	}
	return c, nil
}
