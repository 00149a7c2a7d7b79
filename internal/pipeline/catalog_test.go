package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/aoipipe/internal/pipeline"
)

func TestDefaultStages_Order(t *testing.T) {
	require.Len(t, pipeline.DefaultStages, 6)
	assert.Equal(t, pipeline.StageClipData, pipeline.DefaultStages[2].Key, "CLIP_DATA is step 3")
}

func TestParseCatalog_LabelsFallBack(t *testing.T) {
	c, err := pipeline.ParseCatalog([]byte(`
stages:
  - key: CLIP_DATA
  - key: VALIDATE_AOI
    label: Checking the polygon
  - key: CUSTOM_STEP
`))
	require.NoError(t, err)
	require.Len(t, c.Stages, 3)
	assert.Equal(t, "Clipping green-space data to AOI", c.Stages[0].Label)
	assert.Equal(t, "Checking the polygon", c.Stages[1].Label)
	assert.Equal(t, "CUSTOM_STEP", c.Stages[2].Label)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := pipeline.ParseCatalog([]byte(`stages: []`))
	assert.Error(t, err)

	_, err = pipeline.ParseCatalog([]byte("stages:\n  - label: no key\n"))
	assert.Error(t, err)

	_, err = pipeline.ParseCatalog([]byte("stages: [unterminated"))
	assert.Error(t, err)
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  - key: BUFFER_AOI\n"), 0o600))

	c, err := pipeline.LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Stages, 1)
	assert.Equal(t, pipeline.StageBufferAOI, c.Stages[0].Key)

	_, err = pipeline.LoadCatalog(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestRegistryBuild(t *testing.T) {
	reg := pipeline.NewRegistry()
	for _, d := range pipeline.DefaultStages {
		reg.Register(d.Key, func(context.Context, string) error { return nil })
	}

	stages, err := reg.Build(pipeline.DefaultStages)
	require.NoError(t, err)
	require.Len(t, stages, 6)
	for i, st := range stages {
		assert.Equal(t, pipeline.DefaultStages[i].Key, st.Key)
		assert.Equal(t, pipeline.DefaultStages[i].Label, st.Label)
		assert.NotNil(t, st.Handler)
	}
}

func TestRegistryBuild_MissingHandlerFailsLoudly(t *testing.T) {
	reg := pipeline.NewRegistry()
	reg.Register(pipeline.StageValidateAOI, func(context.Context, string) error { return nil })

	_, err := reg.Build(pipeline.DefaultStages)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrMissingHandler)
	assert.Contains(t, err.Error(), pipeline.StageBufferAOI)
}
