package tenant

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

func testRecord(name string) *Record {
	return &Record{
		Name:         name,
		ImagePath:    "/tmp/" + name + ".qcow2",
		Profile:      "development",
		ProfileAttr:  "packages.x86_64-linux.development",
		KeypairPath:  "/home/op/.ssh/id_ed25519",
		SSHPublicKey: "ssh-ed25519 AAAA test@host",
		Ports:        map[string]int{"http": 8081, "https": 8443, "ssh": 2224, "test": 8889},
		Status:       StatusCreated,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec := testRecord("alpha")
	rec.SecretsMeta = &SecretsMeta{AgeKeyRemotePath: "/var/lib/sops-nix/key.txt", Installed: true, Method: "offline"}

	if err := s.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load("alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(rec, got) {
		t.Fatalf("round trip mismatch:\nsaved  %+v\nloaded %+v", rec, got)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	_, err := s.Load("ghost")
	if !raverr.IsKind(err, raverr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadCorruptReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := s.Load("broken")
	if !raverr.IsKind(err, raverr.KindNotFound) {
		t.Fatalf("expected not found for corrupt record, got %v", err)
	}
}

func TestLoadRejectsInvalidSchema(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	// Valid JSON, duplicate ports: schema-invalid, must not load partially.
	body := `{"name":"dup","status":"created","ports":{"http":8081,"https":8081}}`
	if err := os.WriteFile(filepath.Join(dir, "dup.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := s.Load("dup")
	if !raverr.IsKind(err, raverr.KindNotFound) {
		t.Fatalf("expected not found for invalid record, got %v", err)
	}
}

func TestValidateRejectsBadNames(t *testing.T) {
	bad := []string{"", "-lead", ".lead", "has space", "semi;colon", "a/b",
		"x" + strings.Repeat("y", 64)}
	for _, name := range bad {
		rec := testRecord("x")
		rec.Name = name
		if err := rec.Validate(); err == nil {
			t.Errorf("name %q should be rejected", name)
		}
	}
	good := []string{"a", "alpha", "a.b-c_d", "Tenant01"}
	for _, name := range good {
		rec := testRecord("x")
		rec.Name = name
		if err := rec.Validate(); err != nil {
			t.Errorf("name %q should be accepted: %v", name, err)
		}
	}
}

func TestValidateRejectsPortConflicts(t *testing.T) {
	rec := testRecord("alpha")
	rec.Ports["postgres"] = rec.Ports["http"]
	if err := rec.Validate(); err == nil {
		t.Fatal("duplicate port should be rejected")
	}
	rec = testRecord("alpha")
	rec.Ports["bad"] = 0
	if err := rec.Validate(); err == nil {
		t.Fatal("out of range port should be rejected")
	}
}

func TestListSkipsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	if err := s.Save(testRecord("beta")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(testRecord("alpha")); err != nil {
		t.Fatalf("save: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "junk.json"), []byte("not json"), 0o644)

	names, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("list = %v, want %v", names, want)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if err := s.Save(testRecord("gone")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
