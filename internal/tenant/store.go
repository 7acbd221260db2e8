package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
)

// Store persists tenant records as one JSON file per tenant under dir.
// Writers use temp-file + rename so readers never observe a partial record;
// a missing or unparseable file is reported as not found, never as a
// half-loaded record.
type Store struct {
	dir string
}

// NewStore creates the record directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save validates and atomically writes the record.
func (s *Store) Save(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Name, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+rec.Name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.path(rec.Name)); err != nil {
		return fmt.Errorf("commit record %s: %w", rec.Name, err)
	}
	return nil
}

// Load reads and validates one record. Missing, partial, and schema-invalid
// files all return KindNotFound.
func (s *Store) Load(name string) (*Record, error) {
	if !ValidName(name) {
		return nil, raverr.New(raverr.KindValidation, "invalid tenant name %q", name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, raverr.New(raverr.KindNotFound, "tenant %q not found", name)
		}
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Op().Warn("unparseable tenant record", "tenant", name, "error", err)
		return nil, raverr.New(raverr.KindNotFound, "tenant %q not found", name)
	}
	if rec.Name != name {
		logging.Op().Warn("tenant record name mismatch", "file", name, "record", rec.Name)
		return nil, raverr.New(raverr.KindNotFound, "tenant %q not found", name)
	}
	if err := rec.Validate(); err != nil {
		logging.Op().Warn("invalid tenant record", "tenant", name, "error", err)
		return nil, raverr.New(raverr.KindNotFound, "tenant %q not found", name)
	}
	return &rec, nil
}

// Exists reports whether a record file is present, without validating it.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Delete removes the record file. Deleting a missing record is not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	return nil
}

// List returns all loadable tenant names in sorted order. Invalid files are
// skipped, matching Load semantics.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if _, err := s.Load(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
