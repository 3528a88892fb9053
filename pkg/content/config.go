// Package content implements the mod content diff and sync protocol: it
// brings a local mod installation into agreement with a host's declared
// configuration, reversibly.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

const (
	// ConfigFileName is the structured mod configuration at the install root.
	ConfigFileName = "ucp-config.yml"
	// SyncHistoryFile records paths created by a sync pass.
	SyncHistoryFile = ".ucp-sync-history.json"
	// BackupSuffix marks a file set aside before an in-place replacement.
	BackupSuffix = ".bak"

	modulesDir = "modules"
	pluginsDir = "plugins"
	contentDir = "ucp"
)

// LoadOrderEntry is one declared {extension, version} pair.
type LoadOrderEntry struct {
	Extension string `yaml:"extension"`
	Version   string `yaml:"version"`
}

// ModConfig mirrors the relevant slice of the configuration file.
type ModConfig struct {
	ConfigFull struct {
		Modules   map[string]any   `yaml:"modules"`
		Plugins   map[string]any   `yaml:"plugins"`
		LoadOrder []LoadOrderEntry `yaml:"load-order"`
	} `yaml:"config-full"`
}

// ParseConfig decodes a mod configuration document.
func ParseConfig(data []byte) (*ModConfig, error) {
	var cfg ModConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mod config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the configuration from an install directory. A missing or
// unparseable file returns (nil, nil): the caller treats it as "local has
// nothing" and forces a full resync.
func LoadConfig(installDir string) (*ModConfig, error) {
	data, err := os.ReadFile(filepath.Join(installDir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, nil
	}
	return cfg, nil
}

// Kind classifies an extension by which configuration section declares it.
func (c *ModConfig) Kind(extension string) model.ModKind {
	if c == nil {
		return model.KindPlugin
	}
	if _, ok := c.ConfigFull.Modules[extension]; ok {
		return model.KindModule
	}
	return model.KindPlugin
}

// LoadOrder returns the declared load order, nil-safe.
func (c *ModConfig) LoadOrder() []LoadOrderEntry {
	if c == nil {
		return nil
	}
	return c.ConfigFull.LoadOrder
}

// Entries projects the load order into manifest entries.
func (c *ModConfig) Entries() []model.ModManifestEntry {
	order := c.LoadOrder()
	out := make([]model.ModManifestEntry, 0, len(order))
	for _, item := range order {
		out = append(out, model.ModManifestEntry{
			Extension: item.Extension,
			Version:   item.Version,
			Kind:      c.Kind(item.Extension),
		})
	}
	return out
}

// ArchiveName is the canonical archive filename for an extension version.
func ArchiveName(extension, version string) string {
	return extension + "-" + version + ".zip"
}

// InstallDir strips an executable filename so callers may pass either the
// game binary path or its directory.
func InstallDir(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".exe") {
		return filepath.Dir(path)
	}
	return path
}

func modulePath(installDir, archive string) string {
	return filepath.Join(installDir, contentDir, modulesDir, archive)
}

func pluginPath(installDir, folder string) string {
	return filepath.Join(installDir, contentDir, pluginsDir, folder)
}

// CompareVersions orders dot-separated integer versions on three parts,
// left to right. Missing or unparseable parts count as zero, so "1.2" and
// "1.2.0" rank equal. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	av := parseVersion(a)
	bv := parseVersion(b)
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			if av[i] < bv[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersion(s string) [3]int {
	var out [3]int
	parts := strings.Split(s, ".")
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}
