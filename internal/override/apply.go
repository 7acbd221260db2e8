package override

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/sshx"
	"github.com/raveos/rave/internal/tenant"
)

// StateDir is where applied manifests are recorded inside the guest, one
// JSON file per layer.
const StateDir = "/var/lib/rave/overrides/state"

// Summary is the authoritative result of one application, parsed from the
// last JSON line the remote script prints.
type Summary struct {
	Layer           string   `json:"layer"`
	Changed         []string `json:"changed"`
	Removed         []string `json:"removed"`
	RestartUnits    []string `json:"restart_units"`
	ReloadUnits     []string `json:"reload_units"`
	Commands        []string `json:"commands"`
	DaemonReload    bool     `json:"daemon_reload"`
	DaemonReloaded  bool     `json:"daemon_reloaded"`
	RestartsApplied bool     `json:"restarts_applied"`
	Preview         bool     `json:"preview"`
}

// applyScript runs on the guest. It receives the package on stdin and up to
// five positional parameters: layer name, preview flag, restarts flag, and
// optionally the filesystem root and state directory (defaulting to / and
// StateDir for production use). All decision logic lives in the embedded
// python program; the shell wrapper only stages the archive. Nothing from
// the package payload is executed.
const applyScript = `set -euo pipefail
layer="$1"
preview="$2"
restarts="$3"
root="${4:-/}"
statedir="${5:-/var/lib/rave/overrides/state}"
staging=$(mktemp -d /tmp/rave-override.XXXXXX)
trap 'rm -rf "$staging"' EXIT
tar -xzf - -C "$staging"
python3 - "$staging" "$layer" "$preview" "$restarts" "$root" "$statedir" <<'RAVE_APPLY_EOF'
import hashlib, json, os, pwd, grp, shutil, subprocess, sys, tempfile

staging, layer, preview_s, restarts_s, root, state_dir = sys.argv[1:7]
preview = preview_s == "true"
restarts = restarts_s == "true"

with open(os.path.join(staging, ".rave-manifest.json")) as f:
    manifest = json.load(f)
if manifest.get("layer") != layer:
    sys.exit("manifest layer %r does not match requested layer %r"
             % (manifest.get("layer"), layer))

state_path = os.path.join(state_dir, layer + ".json")
prior = {"entries": []}
if os.path.exists(state_path):
    with open(state_path) as f:
        prior = json.load(f)

prior_by_target = {e["target_relpath"]: e for e in prior.get("entries", [])}
new_by_target = {e["target_relpath"]: e for e in manifest.get("entries", [])}

changed = sorted(t for t, e in new_by_target.items()
                 if prior_by_target.get(t, {}).get("hash") != e["hash"])
removed = sorted(t for t in prior_by_target if t not in new_by_target)

def union(field):
    out = []
    for t in changed:
        for u in new_by_target[t].get(field, []):
            if u not in out:
                out.append(u)
    for t in removed:
        for u in prior_by_target[t].get(field, []):
            if u not in out:
                out.append(u)
    return out

restart_units = union("restart_units")
reload_units = union("reload_units")
commands = union("commands")
daemon_reload = any(new_by_target[t].get("daemon_reload") for t in changed) or \
    any(prior_by_target[t].get("daemon_reload") for t in removed)

daemon_reloaded = False
restarts_applied = False

if not preview:
    for t in changed:
        e = new_by_target[t]
        src = os.path.join(staging, e["source_relpath"])
        dst = os.path.join(root, t)
        os.makedirs(os.path.dirname(dst), mode=int(e["dir_mode"], 8), exist_ok=True)
        tmp = dst + ".rave-tmp"
        shutil.copyfile(src, tmp)
        os.chmod(tmp, int(e["file_mode"], 8))
        if os.geteuid() == 0:
            os.chown(tmp, pwd.getpwnam(e["owner"]).pw_uid, grp.getgrnam(e["group"]).gr_gid)
        os.replace(tmp, dst)
    for t in removed:
        try:
            os.unlink(os.path.join(root, t))
        except FileNotFoundError:
            pass
    os.makedirs(state_dir, mode=0o755, exist_ok=True)
    fd, tmp_state = tempfile.mkstemp(dir=state_dir)
    with os.fdopen(fd, "w") as f:
        json.dump(manifest, f)
    os.replace(tmp_state, state_path)

    if daemon_reload and (changed or removed):
        subprocess.run(["systemctl", "daemon-reload"], check=True)
        daemon_reloaded = True
    if restarts and (changed or removed):
        for u in reload_units:
            subprocess.run(["systemctl", "reload-or-restart", u], check=True)
        for u in restart_units:
            subprocess.run(["systemctl", "restart", u], check=True)
        for c in commands:
            subprocess.run(["bash", "-c", c], check=True)
        restarts_applied = bool(reload_units or restart_units or commands)

print(json.dumps({
    "layer": layer,
    "changed": changed,
    "removed": removed,
    "restart_units": restart_units,
    "reload_units": reload_units,
    "commands": commands,
    "daemon_reload": daemon_reload,
    "daemon_reloaded": daemon_reloaded,
    "restarts_applied": restarts_applied,
    "preview": preview,
}))
RAVE_APPLY_EOF
`

// Apply streams a built package to the guest and runs the application
// protocol. With preview=true the guest mutates nothing and reports the
// would-apply summary. applyRestarts=false suppresses unit restarts and
// commands while still copying files.
func Apply(ctx context.Context, tr *sshx.Transport, rec *tenant.Record, pkg *Package, applyRestarts, preview bool) (*Summary, error) {
	res, err := tr.RunStream(ctx, rec, applyScript, pkg.Archive, sshx.Options{
		Description: "override apply " + pkg.Manifest.Layer,
		Timeout:     5 * time.Minute,
		MaxAttempts: 3,
		Args: []string{
			pkg.Manifest.Layer,
			strconv.FormatBool(preview),
			strconv.FormatBool(applyRestarts),
		},
	})
	if err != nil {
		return nil, err
	}
	return parseSummary(res.Stdout)
}

// parseSummary extracts the last JSON line of stdout as the authoritative
// result; login shells are free to print greetings before it.
func parseSummary(stdout []byte) (*Summary, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var s Summary
		if err := json.Unmarshal(line, &s); err != nil {
			continue
		}
		return &s, nil
	}
	return nil, raverr.New(raverr.KindInternal, "override apply produced no summary line")
}
