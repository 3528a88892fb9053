package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

const sampleConfig = `
config-full:
  modules:
    graphicsApiReplacer: {}
  plugins:
    ucp2-legacy: {}
  load-order:
    - extension: graphicsApiReplacer
      version: 1.2.0
    - extension: ucp2-legacy
      version: 2.15.1
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	order := cfg.LoadOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "graphicsApiReplacer", order[0].Extension)
	assert.Equal(t, "1.2.0", order[0].Version)

	assert.Equal(t, model.KindModule, cfg.Kind("graphicsApiReplacer"))
	assert.Equal(t, model.KindPlugin, cfg.Kind("ucp2-legacy"))
	assert.Equal(t, model.KindPlugin, cfg.Kind("unheard-of"))
}

func TestEntriesFollowLoadOrder(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	entries := cfg.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindModule, entries[0].Kind)
	assert.Equal(t, model.KindPlugin, entries[1].Kind)
	assert.Equal(t, "2.15.1", entries[1].Version)
}

func TestLoadConfigAbsent(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfigCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{not yaml: ["), 0o644))

	// A corrupt config reads as absent, forcing a full resync.
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.LoadOrder(), 2)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.2.0", 0},
		{"1.2", "1.2.0", 0},
		{"1.2.10", "1.2.3", 1},
		{"0.9.9", "1.0.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"", "0.0.0", 0},
		{"abc", "0", 0},
		{"1.x.2", "1.0.2", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}

func TestInstallDir(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("/games/stronghold"), InstallDir(filepath.FromSlash("/games/stronghold/Stronghold.exe")))
	assert.Equal(t, filepath.FromSlash("/games/stronghold"), InstallDir(filepath.FromSlash("/games/stronghold")))
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "gameplayFix-1.0.3.zip", ArchiveName("gameplayFix", "1.0.3"))
}
