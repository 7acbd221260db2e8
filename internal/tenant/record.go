// Package tenant defines the per-tenant VM record and its on-disk store.
// The store is the source of truth; the manager holds records in memory
// only for the duration of one operation.
package tenant

import (
	"regexp"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

// Status is the lifecycle state recorded for a tenant VM.
type Status string

const (
	StatusCreated Status = "created"
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// namePattern constrains tenant and override layer names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidName reports whether name is a legal tenant (or layer) name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// SecretsMeta records where the age key landed in the guest and whether the
// offline injection succeeded.
type SecretsMeta struct {
	AgeKeyRemotePath string `json:"age_key_remote_path"`
	Installed        bool   `json:"installed"`
	Method           string `json:"method,omitempty"` // offline | runtime | ""
}

// TLSMeta records externally issued certificate material paths. The PEM
// blobs themselves are never parsed by the control plane.
type TLSMeta struct {
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`
}

// IdPMeta records the OIDC issuer wired into the guest at provision time.
type IdPMeta struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
}

// Record is the persisted description of one tenant VM, one file per tenant.
type Record struct {
	Name         string         `json:"name"`
	ImagePath    string         `json:"image_path"`
	Profile      string         `json:"profile"`
	ProfileAttr  string         `json:"profile_attr"`
	KeypairPath  string         `json:"keypair_path"`
	SSHPublicKey string         `json:"ssh_public_key"`
	Ports        map[string]int `json:"ports"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	SecretsMeta  *SecretsMeta   `json:"secrets_meta,omitempty"`
	TLSMeta      *TLSMeta       `json:"tls_meta,omitempty"`
	IdPMeta      *IdPMeta       `json:"idp_meta,omitempty"`
}

// Validate checks the record invariants: legal name, legal status, and a
// ports map whose values are in range and pairwise distinct.
func (r *Record) Validate() error {
	if !ValidName(r.Name) {
		return raverr.New(raverr.KindValidation, "invalid tenant name %q", r.Name)
	}
	switch r.Status {
	case StatusCreated, StatusStopped, StatusRunning, StatusError:
	default:
		return raverr.New(raverr.KindValidation, "invalid status %q for tenant %q", r.Status, r.Name)
	}
	seen := make(map[int]string, len(r.Ports))
	for name, port := range r.Ports {
		if port < 1 || port > 65535 {
			return raverr.New(raverr.KindValidation, "port %d for %q out of range", port, name)
		}
		if other, dup := seen[port]; dup {
			return raverr.New(raverr.KindValidation, "port %d assigned to both %q and %q", port, name, other)
		}
		seen[port] = name
	}
	return nil
}
