package override

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

// writeLayer builds a layer directory fixture.
func writeLayer(t *testing.T, root, name string, priority int, files map[string]string, units map[string]string, metadata string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	cfg := map[string]any{"name": name, "description": "test layer", "priority": priority}
	cfgJSON, _ := json.Marshal(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, LayerConfigName), cfgJSON, 0o644); err != nil {
		t.Fatal(err)
	}
	for rel, content := range files {
		p := filepath.Join(dir, "files", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for unit, content := range units {
		p := filepath.Join(dir, "systemd", unit)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if metadata != "" {
		if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(metadata), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDiscoverSortsByPriorityThenName(t *testing.T) {
	root := t.TempDir()
	writeLayer(t, root, "zeta", 10, nil, nil, "")
	writeLayer(t, root, "alpha", 20, nil, nil, "")
	writeLayer(t, root, "beta", 10, nil, nil, "")
	os.MkdirAll(filepath.Join(root, "not-a-layer"), 0o755)

	layers, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	var names []string
	for _, l := range layers {
		names = append(names, l.Config.Name)
	}
	want := []string{"beta", "zeta", "alpha"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("discover order = %v, want %v", names, want)
	}
}

func TestLoadLayerRejectsBadName(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bad")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, LayerConfigName), []byte(`{"name":"../escape","priority":1}`), 0o644)

	_, err := LoadLayer(dir)
	if !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveMergesPatternsInOrder(t *testing.T) {
	p := &Policy{
		Version: 1,
		Defaults: Attrs{
			Owner: "root", Group: "root", FileMode: "0644", DirMode: "0755",
			RestartUnits: []string{"base.service"},
		},
		Patterns: []Pattern{
			{Match: "etc/nginx/**", ReloadUnits: []string{"nginx.service"}, FileMode: "0640"},
			{Path: "etc/nginx/nginx.conf", Owner: "nginx", RestartUnits: []string{"base.service", "nginx.service"}},
			{Match: "etc/systemd/system/*", Scope: []EntryKind{KindSystemd}, DaemonReload: boolPtr(true)},
		},
	}

	got := p.Resolve("etc/nginx/nginx.conf", KindFile)
	if got.Owner != "nginx" || got.FileMode != "0640" || got.DirMode != "0755" {
		t.Fatalf("scalar merge wrong: %+v", got)
	}
	// base.service must not be duplicated by the second pattern.
	if !reflect.DeepEqual(got.RestartUnits, []string{"base.service", "nginx.service"}) {
		t.Fatalf("restart units = %v", got.RestartUnits)
	}
	if !reflect.DeepEqual(got.ReloadUnits, []string{"nginx.service"}) {
		t.Fatalf("reload units = %v", got.ReloadUnits)
	}
	if got.DaemonReload {
		t.Fatal("file entry must not pick up the systemd-scoped pattern")
	}

	unit := p.Resolve("etc/systemd/system/foo.service", KindSystemd)
	if !unit.DaemonReload {
		t.Fatal("systemd entry should OR daemon_reload from the scoped pattern")
	}
}

func TestBuildManifestEntrySortingAndHashes(t *testing.T) {
	root := t.TempDir()
	content := "events {}"
	meta := `{"version":3,"patterns":[{"match":"etc/nginx/**","reload_units":["nginx.service"]}]}`
	dir := writeLayer(t, root, "global", 100,
		map[string]string{
			"etc/nginx/nginx.conf": content,
			"etc/motd":             "welcome",
		},
		map[string]string{"rave-sync.service": "[Unit]\n"},
		meta)
	os.WriteFile(filepath.Join(dir, "files", ".gitkeep"), nil, 0o644)

	layer, err := LoadLayer(dir)
	if err != nil {
		t.Fatalf("load layer: %v", err)
	}
	pkg, err := Build(layer)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := pkg.Manifest
	if m.Version != 1 || m.Layer != "global" || m.Priority != 100 || m.MetadataVersion != 3 {
		t.Fatalf("manifest header wrong: %+v", m)
	}

	var targets []string
	for _, e := range m.Entries {
		targets = append(targets, e.TargetRelpath)
	}
	want := []string{"etc/motd", "etc/nginx/nginx.conf", "etc/systemd/system/rave-sync.service"}
	if !reflect.DeepEqual(targets, want) {
		t.Fatalf("entries = %v, want %v", targets, want)
	}

	sum := sha256.Sum256([]byte(content))
	nginx := m.Entries[1]
	if nginx.Hash != "sha256:"+hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", nginx.Hash)
	}
	if !reflect.DeepEqual(nginx.ReloadUnits, []string{"nginx.service"}) {
		t.Fatalf("reload units = %v", nginx.ReloadUnits)
	}
	if nginx.Path != "/etc/nginx/nginx.conf" {
		t.Fatalf("guest path = %s", nginx.Path)
	}
	if m.Entries[2].Kind != KindSystemd {
		t.Fatalf("unit entry kind = %s", m.Entries[2].Kind)
	}
}

func TestBuildDeterministic(t *testing.T) {
	root := t.TempDir()
	dir := writeLayer(t, root, "global", 1,
		map[string]string{"etc/a.conf": "a", "etc/b.conf": "b"},
		map[string]string{"x.service": "[Unit]\n"}, "")
	layer, _ := LoadLayer(dir)

	fixed := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	old := buildNow
	buildNow = func() time.Time { return fixed }
	defer func() { buildNow = old }()

	p1, err := Build(layer)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p2, err := Build(layer)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	j1, _ := json.Marshal(p1.Manifest)
	j2, _ := json.Marshal(p2.Manifest)
	if string(j1) != string(j2) {
		t.Fatal("manifests differ across identical builds")
	}
	if !reflect.DeepEqual(p1.Archive, p2.Archive) {
		t.Fatal("archives differ across identical builds")
	}
	if p1.Manifest.GeneratedAt != "2025-07-01T00:00:00Z" {
		t.Fatalf("generated_at = %s", p1.Manifest.GeneratedAt)
	}
}

func TestBuildRejectsDuplicateTargets(t *testing.T) {
	root := t.TempDir()
	dir := writeLayer(t, root, "dup", 1,
		map[string]string{"etc/systemd/system/foo.service": "via files"},
		map[string]string{"foo.service": "via systemd"}, "")
	layer, _ := LoadLayer(dir)

	_, err := Build(layer)
	if !raverr.IsKind(err, raverr.KindConflict) {
		t.Fatalf("expected conflict for duplicate target, got %v", err)
	}
}

func TestArchiveRoundTripsManifest(t *testing.T) {
	root := t.TempDir()
	dir := writeLayer(t, root, "global", 5,
		map[string]string{"etc/nginx/nginx.conf": "events {}"}, nil, "")
	layer, _ := LoadLayer(dir)

	pkg, err := Build(layer)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m, err := ParseManifest(pkg.Archive)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if !reflect.DeepEqual(m, pkg.Manifest) {
		t.Fatalf("manifest round trip mismatch:\n%+v\n%+v", m, pkg.Manifest)
	}
}

func TestParseSummaryTakesLastJSONLine(t *testing.T) {
	stdout := []byte("Last login: Mon\nsome banner\n" +
		`{"layer":"stale"}` + "\n" +
		`{"layer":"global","changed":["etc/nginx/nginx.conf"],"removed":[],"reload_units":["nginx.service"],"preview":false}` + "\n")
	s, err := parseSummary(stdout)
	if err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	if s.Layer != "global" || len(s.Changed) != 1 || s.ReloadUnits[0] != "nginx.service" {
		t.Fatalf("summary = %+v", s)
	}
}

func TestParseSummaryNoJSON(t *testing.T) {
	if _, err := parseSummary([]byte("no json here\n")); err == nil {
		t.Fatal("expected error when no summary line is present")
	}
}

func boolPtr(b bool) *bool { return &b }

func TestInitLayerScaffold(t *testing.T) {
	root := t.TempDir()

	layer, err := InitLayer(root, "base-config", 10)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if layer.Config.Name != "base-config" || layer.Config.Priority != 10 {
		t.Fatalf("config = %+v", layer.Config)
	}
	for _, p := range []string{
		filepath.Join(root, "base-config", "layer.json"),
		filepath.Join(root, "base-config", "metadata.json"),
		filepath.Join(root, "base-config", "files", ".gitkeep"),
		filepath.Join(root, "base-config", "systemd", ".gitkeep"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}

	// The scaffold must be loadable and packagable as-is.
	if _, err := Build(layer); err != nil {
		t.Fatalf("build scaffolded layer: %v", err)
	}

	if _, err := InitLayer(root, "base-config", 10); !raverr.IsKind(err, raverr.KindConflict) {
		t.Fatalf("duplicate init err = %v", err)
	}
	if _, err := InitLayer(root, "../escape", 0); !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("bad name err = %v", err)
	}
}
