// Package audit is the bridge's append-only security event log: buffered
// JSON lines, sensitive-value masking, per-record HMAC integrity, and
// size-based rotation with gzip.
package audit

import (
	"bufio"
	"compress/gzip"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
)

// logVersion is stamped into every record.
const logVersion = "1.0"

// fileName is the active log file inside the audit directory.
const fileName = "audit.log"

// sensitiveKey matches field names whose values are masked before logging.
var sensitiveKey = regexp.MustCompile(`(?i)password|token|secret|key|auth|authorization|credential|session`)

// Event is one security-relevant occurrence.
type Event struct {
	EventType string
	UserID    string
	ClientIP  string
	UserAgent string
	RoomID    string
	Details   map[string]any
	Severity  string
}

// Logger buffers events and flushes them as HMAC-sealed JSON lines.
type Logger struct {
	cfg      config.AuditConfig
	key      []byte
	hostname string
	pid      int
	path     string

	mu  sync.Mutex
	buf [][]byte

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New prepares the audit directory (0750) and logger. Without a configured
// HMAC key a random one is generated; records from previous runs can then no
// longer be validated, which is logged loudly.
func New(cfg config.AuditConfig) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, raverr.Wrap(raverr.KindResource, err, "create audit dir %s", cfg.Dir)
	}
	key := []byte(cfg.HMACKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, raverr.Wrap(raverr.KindInternal, err, "generate audit hmac key")
		}
		logging.Op().Warn("no audit hmac key configured, generated an ephemeral one; " +
			"integrity validation will not survive a restart")
	}
	hostname, _ := os.Hostname()
	return &Logger{
		cfg:      cfg,
		key:      key,
		hostname: hostname,
		pid:      os.Getpid(),
		path:     filepath.Join(cfg.Dir, fileName),
		stop:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start launches the periodic flush task.
func (l *Logger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		interval := l.cfg.FlushInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					logging.Op().Error("audit flush failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the flush task and performs a final synchronous flush.
func (l *Logger) Close() error {
	close(l.stop)
	l.wg.Wait()
	return l.Flush()
}

// Log seals one event and appends it to the buffer, flushing when the
// buffer reaches its configured size.
func (l *Logger) Log(e Event) error {
	line, err := l.seal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.buf = append(l.buf, line)
	full := len(l.buf) >= l.cfg.BufferSize && l.cfg.BufferSize > 0
	l.mu.Unlock()

	if full {
		return l.Flush()
	}
	return nil
}

// seal builds the wire record: metadata, sanitized details, integrity HMAC.
func (l *Logger) seal(e Event) ([]byte, error) {
	now := l.now().UTC()
	record := map[string]any{
		"event_type":    e.EventType,
		"timestamp":     now.Unix(),
		"timestamp_iso": now.Format(time.RFC3339),
		"details":       sanitize(e.Details),
		"severity":      severityOrDefault(e.Severity),
		"log_version":   logVersion,
		"hostname":      l.hostname,
		"process_id":    l.pid,
	}
	if e.UserID != "" {
		record["user_id"] = e.UserID
	}
	if e.ClientIP != "" {
		record["client_ip"] = e.ClientIP
	}
	if e.UserAgent != "" {
		record["user_agent"] = e.UserAgent
	}
	if e.RoomID != "" {
		record["room_id"] = e.RoomID
	}

	record["integrity_hash"] = l.hash(record)

	line, err := json.Marshal(record)
	if err != nil {
		return nil, raverr.Wrap(raverr.KindInternal, err, "marshal audit record")
	}
	return line, nil
}

// hash computes the HMAC over the record's canonical JSON without the
// integrity_hash field. json.Marshal sorts map keys, which is the canonical
// form both here and in ValidateIntegrity.
func (l *Logger) hash(record map[string]any) string {
	canonical := make(map[string]any, len(record))
	for k, v := range record {
		if k == "integrity_hash" {
			continue
		}
		canonical[k] = v
	}
	data, _ := json.Marshal(canonical)
	mac := hmac.New(sha256.New, l.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func severityOrDefault(s string) string {
	if s == "" {
		return "info"
	}
	return s
}

// sanitize masks values under sensitive keys, recursing into nested maps.
func sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case map[string]any:
			out[k] = sanitize(val)
		case string:
			if sensitiveKey.MatchString(k) {
				out[k] = mask(val)
			} else {
				out[k] = val
			}
		default:
			if sensitiveKey.MatchString(k) {
				out[k] = "****"
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// mask keeps the first and last four characters of long values.
func mask(s string) string {
	if len(s) > 8 {
		return s[:4] + "****" + s[len(s)-4:]
	}
	return "****"
}

// Flush writes the buffered records, rotating first when the file is full.
func (l *Logger) Flush() error {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return raverr.Wrap(raverr.KindResource, err, "open audit log")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range pending {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "write audit log")
	}
	return f.Sync()
}

// rotateIfNeeded shifts .N.gz → .N+1.gz, gzips the current file into .1.gz,
// and starts a fresh log.
func (l *Logger) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.cfg.MaxFileSize || l.cfg.MaxFileSize <= 0 {
		return nil
	}

	for n := l.cfg.BackupCount - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d.gz", l.path, n)
		dst := fmt.Sprintf("%s.%d.gz", l.path, n+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}

	if err := gzipFile(l.path, l.path+".1.gz"); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "rotate audit log")
	}
	if err := os.Remove(l.path); err != nil {
		return raverr.Wrap(raverr.KindResource, err, "remove rotated audit log")
	}
	logging.Op().Info("audit log rotated", "size", info.Size())
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IntegrityReport is the result of ValidateIntegrity.
type IntegrityReport struct {
	TotalChecked   int   `json:"total_checked"`
	Valid          int   `json:"valid"`
	Invalid        int   `json:"invalid"`
	ParseErrors    int   `json:"parse_errors"`
	ViolationLines []int `json:"violation_lines,omitempty"`
}

// ValidateIntegrity recomputes the HMAC of the last n records in the active
// log. Line numbers in the report are 1-based positions in the file.
func (l *Logger) ValidateIntegrity(n int) (*IntegrityReport, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &IntegrityReport{}, nil
		}
		return nil, raverr.Wrap(raverr.KindResource, err, "read audit log")
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return &IntegrityReport{}, nil
	}
	start := 0
	if n > 0 && len(lines) > n {
		start = len(lines) - n
	}

	report := &IntegrityReport{}
	for i := start; i < len(lines); i++ {
		report.TotalChecked++
		lineNo := i + 1

		var record map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			report.ParseErrors++
			report.ViolationLines = append(report.ViolationLines, lineNo)
			continue
		}
		stored, _ := record["integrity_hash"].(string)
		if stored == "" || l.hash(record) != stored {
			report.Invalid++
			report.ViolationLines = append(report.ViolationLines, lineNo)
			continue
		}
		report.Valid++
	}
	if report.Invalid > 0 || report.ParseErrors > 0 {
		return report, raverr.New(raverr.KindIntegrity,
			"audit log integrity check failed: %d invalid, %d unparseable of %d",
			report.Invalid, report.ParseErrors, report.TotalChecked)
	}
	return report, nil
}
