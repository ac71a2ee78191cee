package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	raw, err := CanonicalJSON(map[string]any{
		"z": 1,
		"a": map[string]any{"y": "<b>", "b": true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":true,"y":"<b>"},"z":1}`, string(raw))
}

func TestContentHash(t *testing.T) {
	h1, err := ContentHash(map[string]any{"body": "hi", "preview_url": false})
	require.NoError(t, err)
	h2, err := ContentHash(map[string]any{"preview_url": false, "body": "hi"})
	require.NoError(t, err)
	h3, err := ContentHash(map[string]any{"body": "hi!"})
	require.NoError(t, err)

	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestContentHash_Unserializable(t *testing.T) {
	_, err := ContentHash(map[string]any{"f": func() {}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestContentValidator(t *testing.T) {
	cv, err := NewContentValidator()
	require.NoError(t, err)

	assert.NoError(t, cv.Validate(MessageTypeText, map[string]any{"body": "hi"}))
	assert.ErrorIs(t, cv.Validate(MessageTypeText, map[string]any{"text": "hi"}), ErrValidation)
	assert.ErrorIs(t, cv.Validate(MessageTypeText, map[string]any{"body": ""}), ErrValidation)

	assert.NoError(t, cv.Validate(MessageTypeImage, map[string]any{"link": "https://cdn/x.png"}))
	assert.ErrorIs(t, cv.Validate(MessageTypeImage, map[string]any{"caption": "x"}), ErrValidation)

	assert.NoError(t, cv.Validate(MessageTypeLocation, map[string]any{"latitude": 35.7, "longitude": 51.4}))
	assert.ErrorIs(t, cv.Validate(MessageTypeLocation, map[string]any{"latitude": 135.0, "longitude": 1}), ErrValidation)

	assert.ErrorIs(t, cv.Validate("sticker", map[string]any{}), ErrValidation)
}
