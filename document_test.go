package livepreview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := Document{
		"title": "A",
		"blocks": []any{
			map[string]any{"type": "text", "text": "hello"},
		},
		"seo": map[string]any{"title": "A | Site"},
	}

	clone := doc.Clone()
	clone["title"] = "B"
	clone["blocks"].([]any)[0].(map[string]any)["text"] = "changed"
	clone["seo"].(map[string]any)["title"] = "changed"

	assert.Equal(t, "A", doc["title"])
	assert.Equal(t, "hello", doc["blocks"].([]any)[0].(map[string]any)["text"])
	assert.Equal(t, "A | Site", doc["seo"].(map[string]any)["title"])
}

func TestDocumentCloneNil(t *testing.T) {
	var doc Document
	assert.Nil(t, doc.Clone())
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"title":"A","count":2}`))
	require.NoError(t, err)
	assert.Equal(t, "A", doc["title"])
	assert.Equal(t, float64(2), doc["count"])

	empty, err := ParseDocument(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	null, err := ParseDocument([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, null)

	_, err = ParseDocument([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestDeviceIsValid(t *testing.T) {
	for _, d := range Devices {
		assert.True(t, d.IsValid(), d)
	}
	assert.False(t, Device("watch").IsValid())
}

func TestTargetGroupOptions(t *testing.T) {
	options := TargetGroupOptions([]TargetGroup{{ID: 3, Title: "Returning visitors"}})
	require.Len(t, options, 2)
	assert.Equal(t, NoTargetGroup, options[0].ID)
	assert.Equal(t, 3, options[1].ID)

	id := 3
	assert.Equal(t, "3", FormatTargetGroup(&id))
	assert.Equal(t, "-1", FormatTargetGroup(nil))
}
