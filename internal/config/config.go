package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VMConfig holds host-side VM lifecycle settings.
type VMConfig struct {
	RepoDir      string `json:"repo_dir" yaml:"repo_dir"`           // disk images + tenant records
	OverridesDir string `json:"overrides_dir" yaml:"overrides_dir"` // override layer root
	LauncherBin  string `json:"launcher_bin" yaml:"launcher_bin"`   // qemu-system-x86_64 or wrapper
	QemuImgBin   string `json:"qemu_img_bin" yaml:"qemu_img_bin"`
	GuestfishBin string `json:"guestfish_bin" yaml:"guestfish_bin"`
	BuilderBin   string `json:"builder_bin" yaml:"builder_bin"` // opaque image builder (nix wrapper)
	MkcertBin    string `json:"mkcert_bin" yaml:"mkcert_bin"`
	DefaultImage string `json:"default_image" yaml:"default_image"`
	MemoryMB     int    `json:"memory_mb" yaml:"memory_mb"`
	VCPUs        int    `json:"vcpus" yaml:"vcpus"`
	DiskSizeGB   int    `json:"disk_size_gb" yaml:"disk_size_gb"`

	SSHUser           string `json:"ssh_user" yaml:"ssh_user"`
	BootstrapUser     string `json:"bootstrap_user" yaml:"bootstrap_user"`
	BootstrapPassword string `json:"bootstrap_password" yaml:"bootstrap_password"`
}

// RedisConfig holds Redis connection settings for distributed rate limiting.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// RateLimitConfig holds adaptive rate limiter settings.
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WindowSize        time.Duration `json:"window_size" yaml:"window_size"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	MinMultiplier     float64       `json:"min_multiplier" yaml:"min_multiplier"`
	MaxMultiplier     float64       `json:"max_multiplier" yaml:"max_multiplier"`
	Distributed       bool          `json:"distributed" yaml:"distributed"`
}

// BreakerConfig holds one circuit breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThreshold    int           `json:"success_threshold" yaml:"success_threshold"`
	CallTimeout         time.Duration `json:"call_timeout" yaml:"call_timeout"`
	MaxRequestsHalfOpen int           `json:"max_requests_half_open" yaml:"max_requests_half_open"`
}

// IdentityConfig holds identity validator settings.
type IdentityConfig struct {
	IdPURL          string        `json:"idp_url" yaml:"idp_url"`
	IdPToken        string        `json:"idp_token" yaml:"idp_token"`
	OIDCIssuer      string        `json:"oidc_issuer" yaml:"oidc_issuer"`
	OIDCClientID    string        `json:"oidc_client_id" yaml:"oidc_client_id"`
	AllowedGroups   []string      `json:"allowed_groups" yaml:"allowed_groups"`
	CacheMaxEntries int           `json:"cache_max_entries" yaml:"cache_max_entries"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	LockoutWindow   time.Duration `json:"lockout_window" yaml:"lockout_window"`
	LockoutFailures int           `json:"lockout_failures" yaml:"lockout_failures"`
}

// AgentConfig holds systemd agent controller settings.
type AgentConfig struct {
	UnitPrefix              string        `json:"unit_prefix" yaml:"unit_prefix"`
	Allowlist               []string      `json:"allowlist" yaml:"allowlist"`
	MaxConcurrentOperations int           `json:"max_concurrent_operations" yaml:"max_concurrent_operations"`
	SettleDelay             time.Duration `json:"settle_delay" yaml:"settle_delay"`
	JournalMaxLines         int           `json:"journal_max_lines" yaml:"journal_max_lines"`
}

// AuditConfig holds audit logger settings.
type AuditConfig struct {
	Dir           string        `json:"dir" yaml:"dir"`
	HMACKey       string        `json:"hmac_key" yaml:"hmac_key"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	MaxFileSize   int64         `json:"max_file_size" yaml:"max_file_size"`
	BackupCount   int           `json:"backup_count" yaml:"backup_count"`
}

// BridgeConfig holds chat bridge HTTP ingress settings.
type BridgeConfig struct {
	ListenAddr      string `json:"listen_addr" yaml:"listen_addr"`
	AppserviceToken string `json:"appservice_token" yaml:"appservice_token"`
	HomeserverURL   string `json:"homeserver_url" yaml:"homeserver_url"`
	BotAccessToken  string `json:"bot_access_token" yaml:"bot_access_token"`
	MaxRequestSize  int64  `json:"max_request_size" yaml:"max_request_size"`
	TraceEndpoint   string `json:"trace_endpoint" yaml:"trace_endpoint"`
}

// Config is the central settings struct embedding all component configs.
type Config struct {
	LogLevel      string          `json:"log_level" yaml:"log_level"`
	VM            VMConfig        `json:"vm" yaml:"vm"`
	Redis         RedisConfig     `json:"redis" yaml:"redis"`
	RateLimit     RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	IdPBreaker    BreakerConfig   `json:"idp_breaker" yaml:"idp_breaker"`
	SystemBreaker BreakerConfig   `json:"system_breaker" yaml:"system_breaker"`
	Identity      IdentityConfig  `json:"identity" yaml:"identity"`
	Agent         AgentConfig     `json:"agent" yaml:"agent"`
	Audit         AuditConfig     `json:"audit" yaml:"audit"`
	Bridge        BridgeConfig    `json:"bridge" yaml:"bridge"`
}

// DefaultConfig returns a Config with defaults suitable for a single-host
// development deployment.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogLevel: "info",
		VM: VMConfig{
			RepoDir:       filepath.Join(home, ".rave", "vms"),
			OverridesDir:  filepath.Join(home, ".rave", "overrides"),
			LauncherBin:   "qemu-system-x86_64",
			QemuImgBin:    "qemu-img",
			GuestfishBin:  "guestfish",
			BuilderBin:    "rave-build-image",
			MkcertBin:     "mkcert",
			MemoryMB:      4096,
			VCPUs:         2,
			DiskSizeGB:    20,
			SSHUser:       "root",
			BootstrapUser: "nixos",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
			WindowSize:        time.Minute,
			CleanupInterval:   5 * time.Minute,
			MinMultiplier:     0.5,
			MaxMultiplier:     2.0,
		},
		IdPBreaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			SuccessThreshold:    2,
			CallTimeout:         10 * time.Second,
			MaxRequestsHalfOpen: 1,
		},
		SystemBreaker: BreakerConfig{
			FailureThreshold:    3,
			RecoveryTimeout:     15 * time.Second,
			SuccessThreshold:    2,
			CallTimeout:         30 * time.Second,
			MaxRequestsHalfOpen: 1,
		},
		Identity: IdentityConfig{
			CacheMaxEntries: 1000,
			CacheTTL:        15 * time.Minute,
			LockoutWindow:   15 * time.Minute,
			LockoutFailures: 5,
		},
		Agent: AgentConfig{
			UnitPrefix:              "rave-agent-",
			MaxConcurrentOperations: 5,
			SettleDelay:             2 * time.Second,
			JournalMaxLines:         50,
		},
		Audit: AuditConfig{
			Dir:           "/var/log/rave",
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
			MaxFileSize:   50 * 1024 * 1024,
			BackupCount:   5,
		},
		Bridge: BridgeConfig{
			ListenAddr:     ":8009",
			MaxRequestSize: 1 << 20,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, layered over
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RAVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RAVE_REPO_DIR"); v != "" {
		cfg.VM.RepoDir = v
	}
	if v := os.Getenv("RAVE_OVERRIDES_DIR"); v != "" {
		cfg.VM.OverridesDir = v
	}
	if v := os.Getenv("RAVE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RAVE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RAVE_BRIDGE_ADDR"); v != "" {
		cfg.Bridge.ListenAddr = v
	}
	if v := os.Getenv("RAVE_APPSERVICE_TOKEN"); v != "" {
		cfg.Bridge.AppserviceToken = v
	}
	if v := os.Getenv("RAVE_BOT_ACCESS_TOKEN"); v != "" {
		cfg.Bridge.BotAccessToken = v
	}
	if v := os.Getenv("RAVE_IDP_URL"); v != "" {
		cfg.Identity.IdPURL = v
	}
	if v := os.Getenv("RAVE_IDP_TOKEN"); v != "" {
		cfg.Identity.IdPToken = v
	}
	if v := os.Getenv("RAVE_AUDIT_HMAC_KEY"); v != "" {
		cfg.Audit.HMACKey = v
	}
	if v := os.Getenv("RAVE_AGENT_ALLOWLIST"); v != "" {
		cfg.Agent.Allowlist = strings.Split(v, ",")
	}
	if v := os.Getenv("RAVE_RATE_LIMIT_DISTRIBUTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Distributed = b
		}
	}
}
