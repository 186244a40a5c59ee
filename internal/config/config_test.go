package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Codes.Width)
	assert.True(t, cfg.Codes.IncludeYear)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("codes:\n  width: 6\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Codes.Width)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.True(t, cfg.Audit.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":     "database:\n  driver: mysql\n",
		"postgres no dsn":    "database:\n  driver: postgres\n",
		"zero width":         "codes:\n  width: 0\n",
		"relative base path": "server:\n  base_path: v0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "opsboard.yml"), []byte("audit:\n  enabled: false\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.False(t, cfg.Audit.Enabled)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
