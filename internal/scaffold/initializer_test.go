package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/reo/internal/config"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
	}{
		{
			name:      "fresh initialization",
			setupFunc: func(dir string) {},
		},
		{
			name:  "force replaces an existing file",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "reo.yml"), []byte("old content"), 0644)
			},
		},
		{
			name:      "missing directory is created",
			setupFunc: func(dir string) { os.RemoveAll(dir) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "project")
			require.NoError(t, os.MkdirAll(dir, 0755))
			tt.setupFunc(dir)

			path, err := Initialize(dir, tt.force)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "reo.yml"), path)

			content, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotContains(t, string(content), "old content")

			var yamlData map[string]interface{}
			require.NoError(t, yaml.Unmarshal(content, &yamlData))
			assert.Equal(t, "1.0", yamlData["version"])
		})
	}
}

func TestInitializedConfigLoads(t *testing.T) {
	path, err := Initialize(t.TempDir(), false)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Visual.Regions, 1)
	assert.Equal(t, "hp", cfg.Visual.Regions[0].Name)
	assert.Equal(t, "127.0.0.1:7777", cfg.Channel.Listen)
	assert.Equal(t, "int32", cfg.Workflow.ValueType)
	assert.Equal(t, 4, cfg.Scanner.Alignment)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Health.Listen)
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckExisting(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "reo.yml"), []byte("version: \"1.0\"\n"), 0644))
	err := CheckExisting(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
