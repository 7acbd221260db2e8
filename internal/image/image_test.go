package image

import (
	"context"
	"testing"

	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
)

func TestInjectSSHKeyFallsBackWithoutTool(t *testing.T) {
	p := NewProvisioner("qemu-img", "/nonexistent/guestfish")
	p.run = func(context.Context, []string, procrun.Options) (*procrun.Result, error) {
		t.Fatal("no subprocess should run when the tool is missing")
		return nil, nil
	}

	res, err := p.InjectSSHKey(context.Background(), "/tmp/img.qcow2", "ssh-ed25519 AAAA")
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if res.Method != "runtime_auth" {
		t.Fatalf("expected runtime_auth fallback, got %q", res.Method)
	}
}

func TestInstallAgeKeyRequiresTool(t *testing.T) {
	p := NewProvisioner("qemu-img", "/nonexistent/guestfish")
	err := p.InstallAgeKey(context.Background(), "/tmp/img.qcow2", "/tmp/key.txt")
	if !raverr.IsKind(err, raverr.KindResource) {
		t.Fatalf("expected resource error without guestfish, got %v", err)
	}
}

func TestCreateBlankRejectsBadSize(t *testing.T) {
	p := NewProvisioner("qemu-img", "guestfish")
	err := p.CreateBlank(context.Background(), "/tmp/x.qcow2", 0)
	if !raverr.IsKind(err, raverr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGuestfishQuote(t *testing.T) {
	got := guestfishQuote("key \"quoted\"\n")
	want := `"key \"quoted\"\n"`
	if got != want {
		t.Fatalf("guestfishQuote = %s, want %s", got, want)
	}
}
