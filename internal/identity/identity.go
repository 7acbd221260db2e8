// Package identity validates chat subjects against the IdP and derives their
// roles and capabilities. Results are cached with TTL + LRU eviction, and
// repeated failures lock a subject out for the configured window.
package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/idp"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
)

// Directory is the IdP surface the validator needs; *idp.Client satisfies it.
type Directory interface {
	LookupUser(ctx context.Context, username string) (*idp.User, error)
	LookupGroups(ctx context.Context, userID string) ([]string, error)
}

// UserInfo is a validated subject with derived authorization data.
type UserInfo struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Groups       []string  `json:"groups"`
	Roles        []string  `json:"roles"`
	Capabilities []string  `json:"capabilities"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HasCapability reports whether the subject holds a capability.
func (u *UserInfo) HasCapability(cap string) bool {
	for _, c := range u.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the subject holds the admin role.
func (u *UserInfo) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	info       *UserInfo
	lastAccess time.Time
}

// Validator resolves chat subjects to UserInfo.
type Validator struct {
	cfg config.IdentityConfig
	dir Directory

	mu       sync.Mutex
	cache    map[string]*cacheEntry
	failures map[string][]time.Time

	now func() time.Time
}

// New builds a validator over the given directory.
func New(cfg config.IdentityConfig, dir Directory) *Validator {
	return &Validator{
		cfg:      cfg,
		dir:      dir,
		cache:    make(map[string]*cacheEntry),
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// ValidateUser resolves a chat subject ID to a validated user. Matrix-style
// IDs (@name:host) are reduced to their localpart; anything else is taken as
// a plain username.
func (v *Validator) ValidateUser(ctx context.Context, subjectID string) (*UserInfo, error) {
	username := ExtractUsername(subjectID)
	if username == "" {
		return nil, raverr.New(raverr.KindValidation, "empty subject id")
	}

	if v.lockedOut(subjectID) {
		return nil, raverr.New(raverr.KindAuthentication,
			"subject %q is locked out after repeated failures", subjectID)
	}

	if info := v.cached(subjectID); info != nil {
		return info, nil
	}

	info, err := v.lookup(ctx, username)
	if err != nil {
		if raverr.IsKind(err, raverr.KindAuthentication) || raverr.IsKind(err, raverr.KindAuthorization) {
			v.recordFailure(subjectID)
		}
		return nil, err
	}

	v.put(subjectID, info)
	return info, nil
}

func (v *Validator) lookup(ctx context.Context, username string) (*UserInfo, error) {
	user, err := v.dir.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, raverr.New(raverr.KindAuthentication, "user %q is deactivated", username)
	}

	groups, err := v.dir.LookupGroups(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if len(v.cfg.AllowedGroups) > 0 && !intersects(groups, v.cfg.AllowedGroups) {
		return nil, raverr.New(raverr.KindAuthorization,
			"user %q is not in any allowed group", username)
	}

	roles := DeriveRoles(groups)
	return &UserInfo{
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		Groups:       groups,
		Roles:        roles,
		Capabilities: capabilitiesFor(roles),
		ExpiresAt:    v.now().Add(v.cfg.CacheTTL),
	}, nil
}

// ExtractUsername reduces a subject ID to a bare username.
func ExtractUsername(subjectID string) string {
	s := strings.TrimSpace(subjectID)
	if strings.HasPrefix(s, "@") {
		s = s[1:]
		if i := strings.IndexByte(s, ':'); i >= 0 {
			s = s[:i]
		}
	}
	return s
}

// Role hierarchy, strongest first. Group names are matched by suffix so both
// "rave-admins" and "admins" map to admin.
var roleOrder = []string{"admin", "maintainer", "developer", "viewer"}

var roleCapabilities = map[string][]string{
	"admin":      {"agent:admin", "agent:start", "agent:stop", "agent:status"},
	"maintainer": {"agent:start", "agent:stop", "agent:status"},
	"developer":  {"agent:start", "agent:status"},
	"viewer":     {"agent:status"},
}

// DeriveRoles maps group memberships to ordered roles. A stronger role
// implies all weaker ones.
func DeriveRoles(groups []string) []string {
	strongest := -1
	for _, g := range groups {
		lg := strings.ToLower(g)
		for i, role := range roleOrder {
			if strings.Contains(lg, role) {
				if strongest == -1 || i < strongest {
					strongest = i
				}
			}
		}
	}
	if strongest == -1 {
		return []string{"viewer"}
	}
	return append([]string(nil), roleOrder[strongest:]...)
}

func capabilitiesFor(roles []string) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, r := range roles {
		for _, c := range roleCapabilities[r] {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	sort.Strings(caps)
	return caps
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// lockedOut reports whether the subject has accumulated too many recent
// failures. Stale failure timestamps are pruned in passing.
func (v *Validator) lockedOut(subjectID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cutoff := v.now().Add(-v.cfg.LockoutWindow)
	recent := v.failures[subjectID][:0]
	for _, t := range v.failures[subjectID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(v.failures, subjectID)
	} else {
		v.failures[subjectID] = recent
	}
	return len(recent) >= v.cfg.LockoutFailures
}

func (v *Validator) recordFailure(subjectID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[subjectID] = append(v.failures[subjectID], v.now())
}

func (v *Validator) cached(subjectID string) *UserInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[subjectID]
	if !ok {
		return nil
	}
	if v.now().After(e.info.ExpiresAt) {
		delete(v.cache, subjectID)
		return nil
	}
	e.lastAccess = v.now()
	return e.info
}

func (v *Validator) put(subjectID string, info *UserInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[subjectID] = &cacheEntry{info: info, lastAccess: v.now()}
	if v.cfg.CacheMaxEntries > 0 && len(v.cache) > v.cfg.CacheMaxEntries {
		v.evictLocked()
	}
}

// evictLocked drops expired entries first, then the 20% least-recently
// accessed if the cache is still over capacity.
func (v *Validator) evictLocked() {
	now := v.now()
	for k, e := range v.cache {
		if now.After(e.info.ExpiresAt) {
			delete(v.cache, k)
		}
	}
	if len(v.cache) <= v.cfg.CacheMaxEntries {
		return
	}

	type aged struct {
		key  string
		seen time.Time
	}
	entries := make([]aged, 0, len(v.cache))
	for k, e := range v.cache {
		entries = append(entries, aged{k, e.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })

	drop := len(v.cache) / 5
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(v.cache, e.key)
	}
	logging.Op().Debug("identity cache evicted", "dropped", drop, "remaining", len(v.cache))
}
