package vm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/sshx"
	"github.com/raveos/rave/internal/tenant"
)

// SecretFile describes one file to place on a guest.
type SecretFile struct {
	LocalPath  string
	RemotePath string
	Owner      string
	Group      string
	Mode       string
	DirMode    string
}

func (s *SecretFile) defaults() {
	if s.Owner == "" {
		s.Owner = "root"
	}
	if s.Group == "" {
		s.Group = "root"
	}
	if s.Mode == "" {
		s.Mode = "0400"
	}
	if s.DirMode == "" {
		s.DirMode = "0700"
	}
}

// InstallAgeKey delivers an age key to a running guest at remotePath and
// records the installation in the tenant record.
func (m *Manager) InstallAgeKey(ctx context.Context, name, keyFile, remotePath string) error {
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if err := m.InstallSecretFiles(ctx, name, []SecretFile{{
		LocalPath:  keyFile,
		RemotePath: remotePath,
		Mode:       "0400",
		DirMode:    "0700",
	}}); err != nil {
		return err
	}
	rec.SecretsMeta = &tenant.SecretsMeta{
		AgeKeyRemotePath: remotePath,
		Installed:        true,
		Method:           "runtime",
	}
	return m.store.Save(rec)
}

// InstallSecretFiles delivers a batch of files in one remote script. File
// bytes travel base64-encoded inside quoted heredocs so arbitrary content
// survives the shell; nothing from the payload is ever executed.
func (m *Manager) InstallSecretFiles(ctx context.Context, name string, files []SecretFile) error {
	if len(files) == 0 {
		return nil
	}
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("set -euo pipefail\n")
	for i := range files {
		f := files[i]
		f.defaults()
		data, err := os.ReadFile(f.LocalPath)
		if err != nil {
			return raverr.Wrap(raverr.KindValidation, err, "secret file %s", f.LocalPath)
		}
		q := sshx.ShellQuote(f.RemotePath)
		fmt.Fprintf(&sb, "sudo mkdir -p -m %s \"$(dirname %s)\"\n", f.DirMode, q)
		fmt.Fprintf(&sb, "base64 -d <<'RAVE_SECRET_EOF' | sudo install -m %s -o %s -g %s /dev/stdin %s\n",
			f.Mode, f.Owner, f.Group, q)
		sb.WriteString(wrapBase64(data))
		sb.WriteString("RAVE_SECRET_EOF\n")
	}

	_, err = m.transport.RunScript(ctx, rec, sb.String(), sshx.Options{
		Description: "secret install",
		Timeout:     2 * time.Minute,
		MaxAttempts: 3,
	})
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "install secrets on tenant %q", name)
	}
	return nil
}

// SecretDiff reports whether each local file matches the guest copy.
type SecretDiff struct {
	RemotePath string
	LocalHash  string
	RemoteHash string // empty when the remote file is missing
	Match      bool
}

// DiffSecretFiles compares local file hashes against sha256sum output from
// the guest without transferring secret bytes.
func (m *Manager) DiffSecretFiles(ctx context.Context, name string, files []SecretFile) ([]SecretDiff, error) {
	rec, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("set -uo pipefail\n")
	for _, f := range files {
		q := sshx.ShellQuote(f.RemotePath)
		fmt.Fprintf(&sb, "sudo sha256sum %s 2>/dev/null || echo MISSING %s\n", q, q)
	}
	res, err := m.transport.RunScript(ctx, rec, sb.String(), sshx.Options{
		Description: "secret diff",
		Timeout:     time.Minute,
		MaxAttempts: 3,
	})
	if err != nil {
		return nil, err
	}

	remote := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == "MISSING" {
			remote[fields[1]] = ""
			continue
		}
		remote[fields[len(fields)-1]] = fields[0]
	}

	diffs := make([]SecretDiff, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.LocalPath)
		if err != nil {
			return nil, raverr.Wrap(raverr.KindValidation, err, "secret file %s", f.LocalPath)
		}
		sum := sha256.Sum256(data)
		local := hex.EncodeToString(sum[:])
		rh := remote[f.RemotePath]
		diffs = append(diffs, SecretDiff{
			RemotePath: f.RemotePath,
			LocalHash:  local,
			RemoteHash: rh,
			Match:      rh == local,
		})
	}
	return diffs, nil
}

// wrapBase64 encodes data at 76 columns, heredoc-friendly.
func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var sb strings.Builder
	for len(enc) > 76 {
		sb.WriteString(enc[:76])
		sb.WriteByte('\n')
		enc = enc[76:]
	}
	if enc != "" {
		sb.WriteString(enc)
		sb.WriteByte('\n')
	}
	return sb.String()
}
