// Package vm is the tenant VM lifecycle manager: it provisions images,
// allocates host port forwards, launches and stops guests, and drives
// post-boot reconciliation over SSH. Tenant records on disk are the source
// of truth; the manager holds them in memory only per operation.
package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/image"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/nixbuild"
	"github.com/raveos/rave/internal/ports"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/sshx"
	"github.com/raveos/rave/internal/tenant"
)

// Host port defaults per logical forward name.
var defaultPorts = map[string]int{
	"http":  8081,
	"https": 8443,
	"ssh":   2224,
	"test":  8889,
}

// Data-plane profiles additionally forward their service ports.
var servicePorts = map[string]int{
	"postgres": 25432,
	"redis":    26379,
}

// Guest-side targets for each logical forward.
var guestPorts = map[string]int{
	"http":     80,
	"https":    443,
	"ssh":      22,
	"test":     8080,
	"postgres": 5432,
	"redis":    6379,
}

type runFunc func(ctx context.Context, argv []string, opts procrun.Options) (*procrun.Result, error)

// Manager orchestrates tenant VM lifecycle operations.
type Manager struct {
	cfg       config.VMConfig
	store     *tenant.Store
	prov      *image.Provisioner
	transport *sshx.Transport
	builder   nixbuild.Builder

	run      runFunc
	allocate func(map[string]int) (map[string]int, error)
	portFree func(int) bool
	sleep    func(time.Duration)
}

// NewManager wires the lifecycle manager from config.
func NewManager(cfg config.VMConfig) (*Manager, error) {
	store, err := tenant.NewStore(cfg.RepoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		prov:      image.NewProvisioner(cfg.QemuImgBin, cfg.GuestfishBin),
		transport: sshx.New(cfg.SSHUser, cfg.BootstrapUser, cfg.BootstrapPassword),
		builder:   nixbuild.New(cfg.BuilderBin),
		run:       procrun.Run,
		allocate:  ports.Allocate,
		portFree:  ports.Available,
		sleep:     time.Sleep,
	}, nil
}

// Store exposes the tenant record store for read-only callers (CLI status).
func (m *Manager) Store() *tenant.Store { return m.store }

// Transport exposes the SSH transport for components layered on the manager
// (override application, secrets install).
func (m *Manager) Transport() *sshx.Transport { return m.transport }

// CreateOptions carries the optional inputs of Create.
type CreateOptions struct {
	AgeKeyPath  string
	CustomPorts map[string]int
	IdPIssuer   string
	IdPClientID string
	SkipBuild   bool
	WithTLS     bool
}

// Create provisions a new tenant: builds (or copies) the base image, injects
// identity material, allocates ports, and persists the record.
func (m *Manager) Create(ctx context.Context, name, keypairPath, profile, profileAttr string, opts CreateOptions) (*tenant.Record, error) {
	if !tenant.ValidName(name) {
		return nil, raverr.New(raverr.KindValidation, "invalid tenant name %q", name)
	}
	if m.store.Exists(name) {
		return nil, raverr.New(raverr.KindConflict, "tenant %q already exists", name)
	}

	pubkey, err := loadPublicKey(keypairPath)
	if err != nil {
		return nil, err
	}

	// Base image: prefer a fresh profile build, fall back to the default
	// image with a recorded warning.
	baseImage := m.cfg.DefaultImage
	if !opts.SkipBuild {
		built, err := m.builder.Build(ctx, profileAttr)
		if err != nil {
			if m.cfg.DefaultImage == "" {
				return nil, err
			}
			logging.Op().Warn("image build failed, falling back to default image",
				"tenant", name, "profile_attr", profileAttr, "error", err)
		} else {
			baseImage = built
		}
	}
	if baseImage == "" {
		return nil, raverr.New(raverr.KindResource, "no image available for tenant %q: build skipped and no default image configured", name)
	}

	preferred := make(map[string]int, len(defaultPorts)+len(servicePorts))
	for k, v := range defaultPorts {
		preferred[k] = v
	}
	if isDataPlane(profile) {
		for k, v := range servicePorts {
			preferred[k] = v
		}
	}
	for k, v := range opts.CustomPorts {
		preferred[k] = v
	}
	allocated, err := m.allocate(preferred)
	if err != nil {
		return nil, err
	}

	imagePath := filepath.Join(m.cfg.RepoDir, fmt.Sprintf("%s-%s.qcow2", name, profile))
	if err := copyFile(baseImage, imagePath); err != nil {
		return nil, raverr.Wrap(raverr.KindResource, err, "copy image for tenant %q", name)
	}

	rec := &tenant.Record{
		Name:         name,
		ImagePath:    imagePath,
		Profile:      profile,
		ProfileAttr:  profileAttr,
		KeypairPath:  keypairPath,
		SSHPublicKey: pubkey,
		Ports:        allocated,
		Status:       tenant.StatusCreated,
		CreatedAt:    time.Now().UTC(),
	}

	inject, err := m.prov.InjectSSHKey(ctx, imagePath, pubkey)
	if err != nil {
		return nil, err
	}

	if opts.AgeKeyPath != "" {
		meta := &tenant.SecretsMeta{AgeKeyRemotePath: image.AgeKeyRemotePath}
		if err := m.prov.InstallAgeKey(ctx, imagePath, opts.AgeKeyPath); err != nil {
			logging.Op().Warn("offline age key install failed", "tenant", name, "error", err)
		} else {
			meta.Installed = true
			meta.Method = "offline"
		}
		rec.SecretsMeta = meta
	}
	if inject.Method != "offline" {
		// Remember that the key still has to be installed after boot.
		if rec.SecretsMeta == nil {
			rec.SecretsMeta = &tenant.SecretsMeta{}
		}
		if rec.SecretsMeta.Method == "" {
			rec.SecretsMeta.Method = inject.Method
		}
	}
	if opts.IdPIssuer != "" {
		rec.IdPMeta = &tenant.IdPMeta{Issuer: opts.IdPIssuer, ClientID: opts.IdPClientID}
	}
	if opts.WithTLS {
		tlsMeta, err := m.issueTLS(ctx, name)
		if err != nil {
			logging.Op().Warn("tls issuance failed", "tenant", name, "error", err)
		} else {
			rec.TLSMeta = tlsMeta
		}
	}

	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	logging.Op().Info("tenant created", "tenant", name, "profile", profile, "image", imagePath)
	return rec, nil
}

// Start launches the tenant VM. Every required host port must be bindable;
// a port conflict is a hard failure, not a reallocation.
func (m *Manager) Start(ctx context.Context, name string) (*tenant.Record, error) {
	rec, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	if m.isAlive(rec) {
		return nil, raverr.New(raverr.KindConflict, "tenant %q is already running", name)
	}
	if _, err := os.Stat(rec.ImagePath); err != nil {
		return nil, raverr.Wrap(raverr.KindResource, err, "image for tenant %q", name)
	}
	for logical, port := range rec.Ports {
		if !m.portFree(port) {
			return nil, raverr.New(raverr.KindResource,
				"host port %d (%s) for tenant %q is not bindable", port, logical, name)
		}
	}

	argv := m.launcherArgs(rec)
	if _, err := m.run(ctx, argv, procrun.Options{Timeout: time.Minute}); err != nil {
		rec.Status = tenant.StatusError
		m.store.Save(rec)
		return nil, raverr.Wrap(raverr.KindResource, err, "launch tenant %q", name)
	}

	// Give the guest a moment before the first SSH attempt.
	m.sleep(3 * time.Second)

	if rec.SecretsMeta != nil && rec.SecretsMeta.Method == "runtime_auth" {
		if err := image.EnsureRuntimeRootKey(ctx, m.transport, rec, rec.SSHPublicKey); err != nil {
			logging.Op().Warn("runtime ssh key install failed", "tenant", name, "error", err)
		} else {
			rec.SecretsMeta.Method = "runtime"
		}
	}

	rec.Status = tenant.StatusRunning
	rec.StartedAt = time.Now().UTC()
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	logging.Op().Info("tenant started", "tenant", name, "ssh_port", rec.Ports["ssh"])
	return rec, nil
}

// Stop terminates the tenant VM: signal the pidfile PID and remove the
// pidfile, else best-effort kill by process name.
func (m *Manager) Stop(ctx context.Context, name string) error {
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}

	pidPath := pidfilePath(name)
	if pid, err := readPidfile(pidPath); err == nil {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			return raverr.Wrap(raverr.KindResource, err, "signal tenant %q pid %d", name, pid)
		}
		os.Remove(pidPath)
	} else {
		// No pidfile: fall back to matching the serial log path in the
		// launcher cmdline.
		m.run(ctx, []string{"pkill", "-f", serialLogPath(name)}, procrun.Options{Timeout: 10 * time.Second})
	}

	rec.Status = tenant.StatusStopped
	if err := m.store.Save(rec); err != nil {
		return err
	}
	logging.Op().Info("tenant stopped", "tenant", name)
	return nil
}

// Status reports running|stopped for one tenant via its pidfile.
func (m *Manager) Status(name string) (string, error) {
	rec, err := m.store.Load(name)
	if err != nil {
		return "", err
	}
	if m.isAlive(rec) {
		return string(tenant.StatusRunning), nil
	}
	return string(tenant.StatusStopped), nil
}

// StatusAll reports the liveness of every tenant.
func (m *Manager) StatusAll() (map[string]string, error) {
	names, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		st, err := m.Status(name)
		if err != nil {
			continue
		}
		out[name] = st
	}
	return out, nil
}

// Reset stops the tenant if running, rebuilds the image, replaces the disk
// with a fresh blank, and reinjects the SSH key.
func (m *Manager) Reset(ctx context.Context, name string) error {
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if m.isAlive(rec) {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
		rec, err = m.store.Load(name)
		if err != nil {
			return err
		}
	}

	built, err := m.builder.Build(ctx, rec.ProfileAttr)
	if err != nil {
		logging.Op().Warn("rebuild failed during reset, blanking disk only", "tenant", name, "error", err)
		if err := m.prov.CreateBlank(ctx, rec.ImagePath, m.cfg.DiskSizeGB); err != nil {
			return err
		}
	} else {
		if err := copyFile(built, rec.ImagePath); err != nil {
			return raverr.Wrap(raverr.KindResource, err, "replace image for tenant %q", name)
		}
	}

	if _, err := m.prov.InjectSSHKey(ctx, rec.ImagePath, rec.SSHPublicKey); err != nil {
		return err
	}
	rec.Status = tenant.StatusCreated
	rec.StartedAt = time.Time{}
	return m.store.Save(rec)
}

// Delete stops the tenant, removes its disk image and record.
func (m *Manager) Delete(ctx context.Context, name string) error {
	rec, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if m.isAlive(rec) {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
	}
	os.Remove(rec.ImagePath)
	return m.store.Delete(name)
}

// SSHArgs returns the interactive SSH argv for exec-replacement by the CLI,
// after confirming connectivity with a trivial remote command.
func (m *Manager) SSHArgs(ctx context.Context, name string) ([]string, error) {
	rec, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	if err := m.transport.Probe(ctx, rec); err != nil {
		return nil, err
	}
	return m.transport.InteractiveArgs(rec)
}

// launcherArgs composes the QEMU invocation: daemonized, pidfile under /tmp,
// serial log, virtio-rng, and user-mode networking with one hostfwd per
// allocated port.
func (m *Manager) launcherArgs(rec *tenant.Record) []string {
	argv := []string{
		m.cfg.LauncherBin,
		"-machine", "accel=kvm:tcg",
		"-m", strconv.Itoa(m.cfg.MemoryMB),
		"-smp", strconv.Itoa(m.cfg.VCPUs),
		"-drive", "file=" + rec.ImagePath + ",format=qcow2,if=virtio",
		"-device", "virtio-rng-pci",
		"-display", "none",
		"-daemonize",
		"-pidfile", pidfilePath(rec.Name),
		"-serial", "file:" + serialLogPath(rec.Name),
	}

	hostfwds := make([]string, 0, len(rec.Ports))
	logical := make([]string, 0, len(rec.Ports))
	for name := range rec.Ports {
		logical = append(logical, name)
	}
	sort.Strings(logical)
	for _, name := range logical {
		guest, ok := guestPorts[name]
		if !ok {
			guest = rec.Ports[name] // service-specific custom forward
		}
		hostfwds = append(hostfwds,
			fmt.Sprintf("hostfwd=tcp:127.0.0.1:%d-:%d", rec.Ports[name], guest))
	}
	argv = append(argv, "-netdev", "user,id=net0,"+strings.Join(hostfwds, ","),
		"-device", "virtio-net-pci,netdev=net0")
	return argv
}

// issueTLS invokes the external certificate tool and records the PEM paths.
func (m *Manager) issueTLS(ctx context.Context, name string) (*tenant.TLSMeta, error) {
	certDir := filepath.Join(m.cfg.RepoDir, name+"-tls")
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, err
	}
	cert := filepath.Join(certDir, "cert.pem")
	key := filepath.Join(certDir, "key.pem")
	_, err := m.run(ctx, []string{m.cfg.MkcertBin,
		"-cert-file", cert, "-key-file", key, name + ".local", "localhost", "127.0.0.1"},
		procrun.Options{Timeout: time.Minute})
	if err != nil {
		return nil, err
	}
	return &tenant.TLSMeta{CertPath: cert, KeyPath: key}, nil
}

// isAlive probes the pidfile with signal 0.
func (m *Manager) isAlive(rec *tenant.Record) bool {
	pid, err := readPidfile(pidfilePath(rec.Name))
	if err != nil {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func pidfilePath(name string) string {
	return filepath.Join(os.TempDir(), "rave-"+name+".pid")
}

func serialLogPath(name string) string {
	return filepath.Join(os.TempDir(), name+"-serial.log")
}

// SerialLogPath exposes the serial log location for `rave vm logs`.
func SerialLogPath(name string) string { return serialLogPath(name) }

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pidfile %s", path)
	}
	return pid, nil
}

func loadPublicKey(keypairPath string) (string, error) {
	if _, err := os.Stat(keypairPath); err != nil {
		return "", raverr.Wrap(raverr.KindValidation, err, "keypair %s", keypairPath)
	}
	pub, err := os.ReadFile(keypairPath + ".pub")
	if err != nil {
		return "", raverr.Wrap(raverr.KindValidation, err, "public key %s.pub", keypairPath)
	}
	key := strings.TrimSpace(string(pub))
	if key == "" {
		return "", raverr.New(raverr.KindValidation, "public key %s.pub is empty", keypairPath)
	}
	return key, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func isDataPlane(profile string) bool {
	return strings.EqualFold(profile, "dataplane") || strings.EqualFold(profile, "data-plane")
}
