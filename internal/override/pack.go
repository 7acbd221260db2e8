package override

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

// ManifestName is the manifest's path inside the package archive.
const ManifestName = ".rave-manifest.json"

// Entry describes one payload file in a package.
type Entry struct {
	TargetRelpath string    `json:"target_relpath"`
	Path          string    `json:"path"` // absolute guest path
	SourceRelpath string    `json:"source_relpath"`
	Kind          EntryKind `json:"kind"`
	Owner         string    `json:"owner"`
	Group         string    `json:"group"`
	FileMode      string    `json:"file_mode"`
	DirMode       string    `json:"dir_mode"`
	RestartUnits  []string  `json:"restart_units"`
	ReloadUnits   []string  `json:"reload_units"`
	Commands      []string  `json:"commands"`
	DaemonReload  bool      `json:"daemon_reload"`
	Hash          string    `json:"hash"` // "sha256:<hex>"
}

// Manifest is the machine-readable description of one package.
type Manifest struct {
	Version         int     `json:"version"`
	Layer           string  `json:"layer"`
	Priority        int     `json:"priority"`
	GeneratedAt     string  `json:"generated_at"`
	MetadataVersion int     `json:"metadata_version"`
	Entries         []Entry `json:"entries"`
}

// Package is a built archive plus its manifest.
type Package struct {
	Manifest *Manifest
	Archive  []byte // tar.gz with ManifestName at the root
}

// buildNow is the clock used for generated_at; injectable for determinism
// tests.
var buildNow = time.Now

// Build walks the layer's files/ and systemd/ trees, resolves metadata for
// every payload file, and produces the package. Duplicate guest target paths
// are a fatal conflict. `.gitkeep` markers are skipped.
func Build(layer *Layer) (*Package, error) {
	policy, err := LoadPolicy(layer.MetadataPath())
	if err != nil {
		return nil, err
	}

	var entries []Entry
	seen := make(map[string]string) // target_relpath -> source_relpath

	collect := func(root, sourcePrefix string, kind EntryKind, target func(rel string) string) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() || d.Name() == ".gitkeep" {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			targetRel := target(rel)
			if prior, dup := seen[targetRel]; dup {
				return raverr.New(raverr.KindConflict,
					"layer %q: duplicate target %q (from %s and %s)",
					layer.Config.Name, targetRel, prior, path.Join(sourcePrefix, rel))
			}
			seen[targetRel] = path.Join(sourcePrefix, rel)

			hash, err := hashFile(p)
			if err != nil {
				return err
			}
			attrs := policy.Resolve(targetRel, kind)
			entries = append(entries, Entry{
				TargetRelpath: targetRel,
				Path:          "/" + targetRel,
				SourceRelpath: path.Join(sourcePrefix, rel),
				Kind:          kind,
				Owner:         attrs.Owner,
				Group:         attrs.Group,
				FileMode:      attrs.FileMode,
				DirMode:       attrs.DirMode,
				RestartUnits:  emptyNotNil(attrs.RestartUnits),
				ReloadUnits:   emptyNotNil(attrs.ReloadUnits),
				Commands:      emptyNotNil(attrs.Commands),
				DaemonReload:  attrs.DaemonReload,
				Hash:          "sha256:" + hash,
			})
			return nil
		})
	}

	if err := collect(layer.FilesDir(), layer.Config.FilesDir, KindFile,
		func(rel string) string { return rel }); err != nil {
		return nil, err
	}
	if err := collect(layer.SystemdDir(), layer.Config.SystemdDir, KindSystemd,
		func(rel string) string { return "etc/systemd/system/" + rel }); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TargetRelpath < entries[j].TargetRelpath
	})

	manifest := &Manifest{
		Version:         1,
		Layer:           layer.Config.Name,
		Priority:        layer.Config.Priority,
		GeneratedAt:     buildNow().UTC().Format("2006-01-02T15:04:05Z"),
		MetadataVersion: policy.Version,
		Entries:         entries,
	}

	archive, err := writeArchive(layer, manifest)
	if err != nil {
		return nil, err
	}
	return &Package{Manifest: manifest, Archive: archive}, nil
}

// writeArchive produces the tar.gz: manifest first, payload files in
// manifest order, all headers normalized so identical content yields
// identical bytes.
func writeArchive(layer *Layer, manifest *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeTarFile(tw, ManifestName, manifestJSON); err != nil {
		return nil, err
	}

	for _, e := range manifest.Entries {
		data, err := os.ReadFile(filepath.Join(layer.Dir, filepath.FromSlash(e.SourceRelpath)))
		if err != nil {
			return nil, fmt.Errorf("read payload %s: %w", e.SourceRelpath, err)
		}
		if err := writeTarFile(tw, e.SourceRelpath, data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ParseManifest reads a manifest back out of an archive, used by preview
// tooling and tests.
func ParseManifest(archive []byte) (*Manifest, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("gunzip package: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read package: %w", err)
		}
		if strings.TrimPrefix(hdr.Name, "./") != ManifestName {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		return &m, nil
	}
	return nil, raverr.New(raverr.KindValidation, "package has no %s", ManifestName)
}
