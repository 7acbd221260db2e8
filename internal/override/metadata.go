package override

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/raveos/rave/internal/raverr"
)

// EntryKind distinguishes payload files from systemd units.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindSystemd EntryKind = "systemd"
)

// Attrs are the delivery attributes resolvable for one target path.
type Attrs struct {
	Owner        string   `json:"owner"`
	Group        string   `json:"group"`
	FileMode     string   `json:"file_mode"`
	DirMode      string   `json:"dir_mode"`
	RestartUnits []string `json:"restart_units"`
	ReloadUnits  []string `json:"reload_units"`
	Commands     []string `json:"commands"`
	DaemonReload bool     `json:"daemon_reload"`
}

// Pattern is one metadata rule. Either Path (exact target match) or Match
// (doublestar glob) selects targets; Scope, when present, restricts the rule
// to file or systemd entries.
type Pattern struct {
	Path         string      `json:"path,omitempty"`
	Match        string      `json:"match,omitempty"`
	Scope        []EntryKind `json:"scope,omitempty"`
	Owner        string      `json:"owner,omitempty"`
	Group        string      `json:"group,omitempty"`
	FileMode     string      `json:"file_mode,omitempty"`
	DirMode      string      `json:"dir_mode,omitempty"`
	RestartUnits []string    `json:"restart_units,omitempty"`
	ReloadUnits  []string    `json:"reload_units,omitempty"`
	Commands     []string    `json:"commands,omitempty"`
	DaemonReload *bool       `json:"daemon_reload,omitempty"`
}

// Policy is the metadata.json schema: defaults plus ordered patterns.
type Policy struct {
	Version  int       `json:"version"`
	Defaults Attrs     `json:"defaults"`
	Patterns []Pattern `json:"patterns"`
}

// DefaultPolicy is used when a layer carries no metadata file.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: 1,
		Defaults: Attrs{
			Owner:    "root",
			Group:    "root",
			FileMode: "0644",
			DirMode:  "0755",
		},
	}
}

// LoadPolicy reads a metadata policy, filling unset defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	p := DefaultPolicy()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, raverr.Wrap(raverr.KindValidation, err, "parse metadata %s", path)
	}
	for i, pat := range p.Patterns {
		if pat.Path == "" && pat.Match == "" {
			return nil, raverr.New(raverr.KindValidation, "metadata pattern %d has neither path nor match", i)
		}
		if pat.Match != "" {
			if !doublestar.ValidatePattern(pat.Match) {
				return nil, raverr.New(raverr.KindValidation, "metadata pattern %d: bad glob %q", i, pat.Match)
			}
		}
	}
	return p, nil
}

// Resolve computes the attributes for (targetPath, kind): start from the
// defaults, then apply every matching pattern in order. Scalars last-win,
// list fields append with order-preserving dedup, daemon_reload ORs.
func (p *Policy) Resolve(targetPath string, kind EntryKind) Attrs {
	out := p.Defaults
	out.RestartUnits = append([]string(nil), p.Defaults.RestartUnits...)
	out.ReloadUnits = append([]string(nil), p.Defaults.ReloadUnits...)
	out.Commands = append([]string(nil), p.Defaults.Commands...)

	for _, pat := range p.Patterns {
		if !pat.applies(targetPath, kind) {
			continue
		}
		if pat.Owner != "" {
			out.Owner = pat.Owner
		}
		if pat.Group != "" {
			out.Group = pat.Group
		}
		if pat.FileMode != "" {
			out.FileMode = pat.FileMode
		}
		if pat.DirMode != "" {
			out.DirMode = pat.DirMode
		}
		out.RestartUnits = appendDedup(out.RestartUnits, pat.RestartUnits)
		out.ReloadUnits = appendDedup(out.ReloadUnits, pat.ReloadUnits)
		out.Commands = appendDedup(out.Commands, pat.Commands)
		if pat.DaemonReload != nil {
			out.DaemonReload = out.DaemonReload || *pat.DaemonReload
		}
	}
	return out
}

func (pat *Pattern) applies(targetPath string, kind EntryKind) bool {
	if len(pat.Scope) > 0 {
		inScope := false
		for _, s := range pat.Scope {
			if s == kind {
				inScope = true
				break
			}
		}
		if !inScope {
			return false
		}
	}
	if pat.Path != "" {
		return pat.Path == targetPath
	}
	ok, err := doublestar.Match(pat.Match, targetPath)
	return err == nil && ok
}

// appendDedup appends items not already present, preserving order.
func appendDedup(dst, src []string) []string {
	for _, s := range src {
		dup := false
		for _, have := range dst {
			if have == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
