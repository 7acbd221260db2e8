// Package image creates and mutates tenant disk images. Offline mutation
// goes through a guest-filesystem tool (guestfish); when the tool is absent
// the SSH key falls back to runtime injection through the bootstrap account.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/sshx"
	"github.com/raveos/rave/internal/tenant"
)

// AgeKeyRemotePath is where sops-nix expects the age key inside the guest.
const AgeKeyRemotePath = "/var/lib/sops-nix/key.txt"

// InjectResult reports how identity material reached the image.
type InjectResult struct {
	Method string // "offline" or "runtime_auth"
}

type runFunc func(ctx context.Context, argv []string, opts procrun.Options) (*procrun.Result, error)

// Provisioner builds blank images and injects identity material.
type Provisioner struct {
	QemuImgBin   string
	GuestfishBin string
	run          runFunc
}

// NewProvisioner returns a provisioner using the given external tools.
func NewProvisioner(qemuImgBin, guestfishBin string) *Provisioner {
	return &Provisioner{
		QemuImgBin:   qemuImgBin,
		GuestfishBin: guestfishBin,
		run:          procrun.Run,
	}
}

// guestfishAvailable reports whether the guest-filesystem tool is on PATH
// (or at its configured absolute path).
func (p *Provisioner) guestfishAvailable() bool {
	_, err := exec.LookPath(p.GuestfishBin)
	return err == nil
}

// CreateBlank allocates a raw file of sizeGB, formats it ext4 with the
// label "nixos", converts it to qcow2 at path, and sets mode 0644.
func (p *Provisioner) CreateBlank(ctx context.Context, path string, sizeGB int) error {
	if sizeGB <= 0 {
		return raverr.New(raverr.KindValidation, "invalid disk size %dGB", sizeGB)
	}
	raw := path + ".raw"
	defer os.Remove(raw)

	f, err := os.Create(raw)
	if err != nil {
		return raverr.Wrap(raverr.KindResource, err, "create raw image %s", raw)
	}
	if err := f.Truncate(int64(sizeGB) << 30); err != nil {
		f.Close()
		return raverr.Wrap(raverr.KindResource, err, "allocate %dGB for %s", sizeGB, raw)
	}
	if err := f.Close(); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "close raw image %s", raw)
	}

	if _, err := p.run(ctx, []string{"mkfs.ext4", "-q", "-F", "-L", "nixos", raw},
		procrun.Options{Timeout: 2 * time.Minute}); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "format %s", raw)
	}

	if _, err := p.run(ctx, []string{p.QemuImgBin, "convert", "-f", "raw", "-O", "qcow2", raw, path},
		procrun.Options{Timeout: 5 * time.Minute}); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "convert %s to qcow2", raw)
	}

	if err := os.Chmod(path, 0o644); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "chmod %s", path)
	}
	return nil
}

// InjectSSHKey writes pubkey to /root/.ssh/authorized_keys inside the image
// (dir 0700, file 0600). When the guest-filesystem tool is unavailable the
// call succeeds with Method "runtime_auth": the transport installs the key
// through the bootstrap account after boot instead.
func (p *Provisioner) InjectSSHKey(ctx context.Context, imagePath, pubkey string) (*InjectResult, error) {
	if !p.guestfishAvailable() {
		logging.Op().Warn("guest-filesystem tool unavailable, deferring ssh key to runtime injection",
			"tool", p.GuestfishBin, "image", imagePath)
		return &InjectResult{Method: "runtime_auth"}, nil
	}

	script := fmt.Sprintf(`add %s
run
mount /dev/sda1 /
mkdir-p /root/.ssh
write /root/.ssh/authorized_keys %s
chmod 0700 /root/.ssh
chmod 0600 /root/.ssh/authorized_keys
`, imagePath, guestfishQuote(pubkey+"\n"))

	if _, err := p.run(ctx, []string{p.GuestfishBin, "--rw"},
		procrun.Options{Timeout: 3 * time.Minute, Stdin: []byte(script)}); err != nil {
		logging.Op().Warn("offline ssh key injection failed, deferring to runtime injection",
			"image", imagePath, "error", err)
		return &InjectResult{Method: "runtime_auth"}, nil
	}
	return &InjectResult{Method: "offline"}, nil
}

// InstallAgeKey uploads the age key file to AgeKeyRemotePath inside the
// image, owned by root with file mode 0400 under a 0700 directory. Unlike
// SSH keys there is no runtime fallback here: secrets material must never
// transit a password-authenticated session, so a missing tool is an error.
func (p *Provisioner) InstallAgeKey(ctx context.Context, imagePath, keyPath string) error {
	if !p.guestfishAvailable() {
		return raverr.New(raverr.KindResource,
			"guest-filesystem tool %s unavailable: cannot install age key offline", p.GuestfishBin)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return raverr.Wrap(raverr.KindValidation, err, "age key %s", keyPath)
	}

	script := fmt.Sprintf(`add %s
run
mount /dev/disk/guestfs/nixos /
mkdir-p /var/lib/sops-nix
upload %s %s
chown 0 0 %s
chmod 0400 %s
chmod 0700 /var/lib/sops-nix
`, imagePath, keyPath, AgeKeyRemotePath, AgeKeyRemotePath, AgeKeyRemotePath)

	if _, err := p.run(ctx, []string{p.GuestfishBin, "--rw"},
		procrun.Options{Timeout: 3 * time.Minute, Stdin: []byte(script)}); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "install age key into %s", imagePath)
	}
	return nil
}

// runtimeKeyAttempts × runtimeKeyDelay covers a slow first boot.
const (
	runtimeKeyAttempts = 30
	runtimeKeyDelay    = 6 * time.Second
)

// EnsureRuntimeRootKey installs pubkey into the running guest's root account
// through the bootstrap user. Used when offline injection reported
// runtime_auth. Retries across the boot window.
func EnsureRuntimeRootKey(ctx context.Context, tr *sshx.Transport, rec *tenant.Record, pubkey string) error {
	script := fmt.Sprintf(
		`sudo mkdir -p /root/.ssh && echo %s | sudo tee -a /root/.ssh/authorized_keys > /dev/null && sudo chmod 700 /root/.ssh && sudo chmod 600 /root/.ssh/authorized_keys`,
		sshx.ShellQuote(pubkey))

	_, err := tr.RunScript(ctx, rec, script, sshx.Options{
		Description:  "runtime root key install",
		Timeout:      30 * time.Second,
		MaxAttempts:  runtimeKeyAttempts,
		InitialDelay: runtimeKeyDelay,
		MaxDelay:     runtimeKeyDelay,
	})
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "runtime ssh key install on %q", rec.Name)
	}
	return nil
}

// guestfishQuote quotes a value for a guestfish `write` command.
func guestfishQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, s[i])
		}
	}
	return string(append(out, '"'))
}
