package preset

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/internal/errkind"
)

func TestCRUDAndRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	created, err := s.Upsert(Preset{Label: "night city", TemplateID: "txt2img",
		Inputs: map[string]interface{}{"prompt": "neon skyline"}})
	require.NoError(t, err)
	require.NotEmpty(t, created.PresetID)

	created.Label = "night city v2"
	updated, err := s.Upsert(*created)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "night city v2", updated.Label)

	s2, err := NewStore(path)
	require.NoError(t, err)
	got, err := s2.Get(created.PresetID)
	require.NoError(t, err)
	assert.Equal(t, "night city v2", got.Label)

	require.NoError(t, s2.Delete(created.PresetID))
	_, err = s2.Get(created.PresetID)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	_, err = s.Upsert(Preset{TemplateID: "txt2img"})
	assert.Equal(t, errkind.ValidationError, errkind.KindOf(err))
	_, err = s.Upsert(Preset{Label: "x"})
	assert.Equal(t, errkind.ValidationError, errkind.KindOf(err))
	_, err = s.Upsert(Preset{PresetID: "pr-missing", Label: "x", TemplateID: "t"})
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}
