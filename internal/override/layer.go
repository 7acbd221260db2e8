// Package override implements declarative guest configuration layers: a
// directory of files and systemd units plus metadata describing ownership,
// modes, and activation side effects. Layers are packaged into deterministic
// tar.gz archives with a manifest and streamed to guests over SSH.
package override

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/tenant"
)

// LayerConfigName is the marker file that makes a directory a layer.
const LayerConfigName = "layer.json"

// LayerConfig is the on-disk layer.json schema.
type LayerConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	FilesDir    string `json:"files_dir"`
	SystemdDir  string `json:"systemd_dir"`
	Metadata    string `json:"metadata"`
}

// Layer is a discovered override layer rooted at Dir.
type Layer struct {
	Config LayerConfig
	Dir    string
}

// FilesDir returns the absolute path of the layer's files tree.
func (l *Layer) FilesDir() string {
	return filepath.Join(l.Dir, l.Config.FilesDir)
}

// SystemdDir returns the absolute path of the layer's systemd tree.
func (l *Layer) SystemdDir() string {
	return filepath.Join(l.Dir, l.Config.SystemdDir)
}

// MetadataPath returns the absolute path of the layer's metadata policy.
func (l *Layer) MetadataPath() string {
	return filepath.Join(l.Dir, l.Config.Metadata)
}

// LoadLayer reads and validates one layer directory.
func LoadLayer(dir string) (*Layer, error) {
	data, err := os.ReadFile(filepath.Join(dir, LayerConfigName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, raverr.New(raverr.KindNotFound, "no %s in %s", LayerConfigName, dir)
		}
		return nil, fmt.Errorf("read %s: %w", LayerConfigName, err)
	}
	cfg := LayerConfig{
		FilesDir:   "files",
		SystemdDir: "systemd",
		Metadata:   "metadata.json",
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, raverr.Wrap(raverr.KindValidation, err, "parse %s in %s", LayerConfigName, dir)
	}
	if !tenant.ValidName(cfg.Name) {
		return nil, raverr.New(raverr.KindValidation, "invalid layer name %q in %s", cfg.Name, dir)
	}
	return &Layer{Config: cfg, Dir: dir}, nil
}

// Discover enumerates the immediate children of root; every directory
// containing layer.json is a layer. The result is sorted by ascending
// priority (low priority applies earliest), ties broken by name.
func Discover(root string) ([]*Layer, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read overrides root %s: %w", root, err)
	}
	var layers []*Layer
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		layer, err := LoadLayer(filepath.Join(root, e.Name()))
		if err != nil {
			if raverr.IsKind(err, raverr.KindNotFound) {
				continue
			}
			return nil, err
		}
		layers = append(layers, layer)
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Config.Priority != layers[j].Config.Priority {
			return layers[i].Config.Priority < layers[j].Config.Priority
		}
		return layers[i].Config.Name < layers[j].Config.Name
	})
	return layers, nil
}

// InitLayer scaffolds a new layer directory under root: layer.json with the
// given name and priority, a default metadata policy, and empty files/ and
// systemd/ trees.
func InitLayer(root, name string, priority int) (*Layer, error) {
	if !tenant.ValidName(name) {
		return nil, raverr.New(raverr.KindValidation, "invalid layer name %q", name)
	}
	dir := filepath.Join(root, name)
	if _, err := os.Stat(filepath.Join(dir, LayerConfigName)); err == nil {
		return nil, raverr.New(raverr.KindConflict, "layer %q already exists under %s", name, root)
	}

	for _, sub := range []string{"files", "systemd"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("scaffold %s: %w", sub, err)
		}
		keep := filepath.Join(dir, sub, ".gitkeep")
		if err := os.WriteFile(keep, nil, 0o644); err != nil {
			return nil, fmt.Errorf("scaffold %s: %w", keep, err)
		}
	}

	cfg := LayerConfig{
		Name:       name,
		Priority:   priority,
		FilesDir:   "files",
		SystemdDir: "systemd",
		Metadata:   "metadata.json",
	}
	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode layer config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LayerConfigName), append(cfgData, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", LayerConfigName, err)
	}

	policyData, err := json.MarshalIndent(DefaultPolicy(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata policy: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), append(policyData, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write metadata.json: %w", err)
	}

	return LoadLayer(dir)
}

// Find returns the named layer under root.
func Find(root, name string) (*Layer, error) {
	layers, err := Discover(root)
	if err != nil {
		return nil, err
	}
	for _, l := range layers {
		if l.Config.Name == name {
			return l, nil
		}
	}
	return nil, raverr.New(raverr.KindNotFound, "override layer %q not found under %s", name, root)
}
