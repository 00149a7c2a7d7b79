package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/aoipipe/internal/config"
	"github.com/ashita-ai/aoipipe/internal/pipeline"
	"github.com/ashita-ai/aoipipe/internal/storage"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildStagesDefault(t *testing.T) {
	stages, err := buildStages(config.Config{BufferMeters: 100}, new(storage.DB))
	require.NoError(t, err)
	require.Len(t, stages, len(pipeline.DefaultStages))
	for i, st := range stages {
		assert.Equal(t, pipeline.DefaultStages[i].Key, st.Key)
		assert.NotNil(t, st.Handler)
	}
}

func TestBuildStagesFromCatalog(t *testing.T) {
	path := writeCatalog(t, `
stages:
  - key: VALIDATE_AOI
  - key: PUBLISH_RESULTS
    label: Publishing to the map
`)
	stages, err := buildStages(config.Config{StagesFile: path}, new(storage.DB))
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "Validating area of interest", stages[0].Label)
	assert.Equal(t, "Publishing to the map", stages[1].Label)
}

func TestBuildStagesUnknownKey(t *testing.T) {
	path := writeCatalog(t, "stages:\n  - key: REPROJECT\n")
	_, err := buildStages(config.Config{StagesFile: path}, new(storage.DB))
	assert.ErrorIs(t, err, pipeline.ErrMissingHandler)
}

func TestBuildStagesMissingFile(t *testing.T) {
	_, err := buildStages(config.Config{StagesFile: filepath.Join(t.TempDir(), "nope.yaml")}, new(storage.DB))
	assert.Error(t, err)
}
