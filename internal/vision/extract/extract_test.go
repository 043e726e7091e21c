// File: internal/vision/extract/extract_test.go
package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONObject_FastPath(t *testing.T) {
	obj, err := JSONObject(`  {"version":"1.0","confidence":0.8}  `)
	require.NoError(t, err)
	assert.Equal(t, "1.0", obj["version"])
	assert.InDelta(t, 0.8, obj["confidence"].(float64), 1e-9)
}

func TestJSONObject_CodeFence(t *testing.T) {
	text := "Sure:\n```json\n{\"coords\":{\"space\":\"normalized\",\"x\":0.25,\"y\":0.75}}\n```"
	obj, err := JSONObject(text)
	require.NoError(t, err)

	coords, ok := obj["coords"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.75, coords["y"].(float64), 1e-9)
}

func TestJSONObject_BracesInsideStrings(t *testing.T) {
	text := `The answer: {"why":"a { nested } brace","x":0.1,"y":0.9} hope that helps`
	obj, err := JSONObject(text)
	require.NoError(t, err)

	assert.Equal(t, "a { nested } brace", obj["why"])
	assert.InDelta(t, 0.1, obj["x"].(float64), 1e-9)
}

func TestJSONObject_EscapedQuotesDoNotToggleStringState(t *testing.T) {
	text := `noise {"why":"he said \"{ok}\" twice","x":0.5,"y":0.5} noise`
	obj, err := JSONObject(text)
	require.NoError(t, err)
	assert.Equal(t, `he said "{ok}" twice`, obj["why"])
}

func TestJSONObject_ProseBeforeAndAfter(t *testing.T) {
	text := "I looked at the image.\n\n{\"x\": 0.3, \"y\": 0.4}\n\nLet me know if you need more."
	obj, err := JSONObject(text)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, obj["x"].(float64), 1e-9)
}

func TestJSONObject_NestedObjects(t *testing.T) {
	text := `prefix {"a":{"b":{"c":1}},"d":2} suffix`
	obj, err := JSONObject(text)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, obj["d"].(float64), 1e-9)
}

func TestJSONObject_NoObject(t *testing.T) {
	_, err := JSONObject("there is nothing to see here")
	assert.ErrorIs(t, err, ErrNoJSONFound)
}

func TestJSONObject_UnbalancedBraces(t *testing.T) {
	_, err := JSONObject(`{"x": 0.5`)
	assert.ErrorIs(t, err, ErrNoJSONFound)
}
