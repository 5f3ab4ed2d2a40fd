package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("tenant not found")
	ErrPartitionCollision = errors.New("partition already owned by another tenant")
	ErrPartitionMissing   = errors.New("tenant partition is not provisioned")
	ErrInvalidPartition   = errors.New("invalid partition identifier")
)

// Limits are the per-tenant ceilings enforced before a vendor is called.
// Zero means unlimited.
type Limits struct {
	RateLimitRPS   int      `json:"rate_limit_rps"`
	MonthlyQuota   int64    `json:"monthly_quota"`
	MaxCredentials int      `json:"max_credentials"`
	AllowedCIDRs   []string `json:"allowed_cidrs,omitempty"`
}

func (l Limits) Validate() error {
	if l.RateLimitRPS < 0 || l.MonthlyQuota < 0 || l.MaxCredentials < 0 {
		return errors.New("limits must not be negative")
	}
	for _, c := range l.AllowedCIDRs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(c)); err != nil {
			return fmt.Errorf("allowed_cidrs: %q is not a CIDR range", c)
		}
	}
	return nil
}

// AllowsIP reports whether addr falls inside the allow-list. An empty list
// allows every address.
func (l Limits) AllowsIP(addr string) bool {
	if len(l.AllowedCIDRs) == 0 {
		return true
	}
	ip, err := netip.ParseAddr(hostOnly(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, c := range l.AllowedCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err == nil && p.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	return strings.Trim(addr, "[]")
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Partition string    `json:"partition"`
	Active    bool      `json:"active"`
	Limits    Limits    `json:"limits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handle returns the partition handle used to address tenant-local tables.
func (t *Tenant) Handle() Partition {
	return Partition{TenantID: t.ID, Schema: t.Partition}
}

// Store persists tenant records in the shared registry.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}
