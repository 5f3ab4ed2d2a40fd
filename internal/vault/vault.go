// Package vault keeps tenants' outbound vendor keys encrypted at rest and
// hands them out decrypted for a single call.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

var ErrCredentialNotFound = errors.New("vendor credential not found")

// Sealed is a stored vendor key.
type Sealed struct {
	Vendor     provider.Vendor
	Ciphertext []byte
	KeyID      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store persists sealed keys in the tenant partition, one per vendor.
type Store interface {
	Put(ctx context.Context, p tenant.Partition, s *Sealed) error
	Get(ctx context.Context, p tenant.Partition, vendor provider.Vendor) (*Sealed, error)
	Delete(ctx context.Context, p tenant.Partition, vendor provider.Vendor) (bool, error)
}

// Vault seals new keys with the current cipher and opens stored keys with
// whichever cipher matches their key id.
type Vault struct {
	store   Store
	current *Cipher
	ciphers map[string]*Cipher
	logger  *zap.Logger
}

// New builds a vault. Previous ciphers are kept to open keys sealed before a
// master key rotation.
func New(store Store, logger *zap.Logger, current *Cipher, previous ...*Cipher) *Vault {
	ciphers := map[string]*Cipher{current.KeyID(): current}
	for _, c := range previous {
		if _, ok := ciphers[c.KeyID()]; !ok {
			ciphers[c.KeyID()] = c
		}
	}
	return &Vault{store: store, current: current, ciphers: ciphers, logger: logger}
}

// Put replaces the tenant's key for the vendor.
func (v *Vault) Put(ctx context.Context, t *tenant.Tenant, vendor provider.Vendor, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return apperr.InvalidRequest("api_key is required")
	}
	ct, err := v.current.Seal([]byte(apiKey))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "seal vendor key", err)
	}
	s := &Sealed{Vendor: vendor, Ciphertext: ct, KeyID: v.current.KeyID()}
	if err := v.store.Put(ctx, t.Handle(), s); err != nil {
		return apperr.Wrap(apperr.KindStorage, "store vendor key", err)
	}
	v.logger.Info("vendor key stored", zap.String("tenant_id", t.ID), zap.String("vendor", string(vendor)))
	return nil
}

func (v *Vault) Delete(ctx context.Context, t *tenant.Tenant, vendor provider.Vendor) error {
	deleted, err := v.store.Delete(ctx, t.Handle(), vendor)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete vendor key", err)
	}
	if !deleted {
		return apperr.NotFound("vendor key not found")
	}
	v.logger.Info("vendor key deleted", zap.String("tenant_id", t.ID), zap.String("vendor", string(vendor)))
	return nil
}

// Resolve decrypts the tenant's key for one outbound call. Nothing is cached.
func (v *Vault) Resolve(ctx context.Context, t *tenant.Tenant, vendor provider.Vendor) (provider.Credential, error) {
	s, err := v.store.Get(ctx, t.Handle(), vendor)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return provider.Credential{}, apperr.CredentialMissing(fmt.Sprintf("no %s key configured for tenant", vendor))
		}
		return provider.Credential{}, apperr.Wrap(apperr.KindStorage, "load vendor key", err)
	}

	c, ok := v.ciphers[s.KeyID]
	if !ok {
		v.logger.Error("vendor key sealed with unknown master key",
			zap.String("tenant_id", t.ID), zap.String("vendor", string(vendor)), zap.String("key_id", s.KeyID))
		return provider.Credential{}, apperr.CredentialMissing("stored vendor key cannot be decrypted; upload it again")
	}
	plaintext, err := c.Open(s.Ciphertext)
	if err != nil {
		return provider.Credential{}, apperr.Wrap(apperr.KindInternal, "open vendor key", err)
	}
	return provider.Credential{APIKey: string(plaintext)}, nil
}
