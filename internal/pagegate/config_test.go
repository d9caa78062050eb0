package pagegate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  origin: http://app.example/
version: v3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://app.example", cfg.Server.Origin, "trailing slash trimmed")
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, "/", cfg.Fallback.Shell)
	assert.Equal(t, defaultStaticExtensions, cfg.StaticAssets.Extensions)
	assert.Equal(t, 5*time.Minute, cfg.StateStaleness())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigPartitionNames(t *testing.T) {
	path := writeConfig(t, `
server:
  origin: http://app.example
version: v3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "content-v3", cfg.ContentPartition())
	assert.Equal(t, "runtime-v3", cfg.RuntimePartition())
	assert.Equal(t, "state-v3", cfg.StatePartition())
	assert.Equal(t, []string{"content-v3", "runtime-v3", "state-v3"}, cfg.Whitelist())
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  origin: https://app.example
version: v7
storage:
  path: /var/lib/pagegate
staticAssets:
  origins:
    - https://fonts.example
    - https://cdn.example
  extensions: [".css", ".js"]
precache:
  - /
  - /manifest.json
fallback:
  image: /img/offline.png
  shell: /
state:
  staleness: 2m
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://fonts.example", "https://cdn.example"}, cfg.StaticAssets.Origins)
	assert.Equal(t, []string{".css", ".js"}, cfg.StaticAssets.Extensions)
	assert.Equal(t, []string{"/", "/manifest.json"}, cfg.Precache)
	assert.Equal(t, 2*time.Minute, cfg.StateStaleness())
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing origin", "version: v3\n", "server.origin is required"},
		{"missing version", "server:\n  origin: http://a\n", "version is required"},
		{
			"bad static origin",
			"server:\n  origin: http://a\nversion: v3\nstaticAssets:\n  origins: [ftp://x]\n",
			"staticAssets.origins[0]",
		},
		{
			"bad extension",
			"server:\n  origin: http://a\nversion: v3\nstaticAssets:\n  extensions: [css]\n",
			"staticAssets.extensions[0]",
		},
		{
			"relative precache path",
			"server:\n  origin: http://a\nversion: v3\nprecache: [manifest.json]\n",
			"precache[0]",
		},
		{
			"bad staleness",
			"server:\n  origin: http://a\nversion: v3\nstate:\n  staleness: soon\n",
			"state.staleness",
		},
		{
			"relative fallback image",
			"server:\n  origin: http://a\nversion: v3\nfallback:\n  image: img.png\n",
			"fallback.image",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
