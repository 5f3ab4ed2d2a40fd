package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

var (
	ErrKeyNotFound     = errors.New("api key not found")
	ErrCredentialLimit = errors.New("tenant credential limit reached")
)

const keyPrefix = "gw_"

type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Active     bool       `json:"active"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// cachedKey is what the lookup cache holds; it never carries the plaintext.
type cachedKey struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *cachedKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *cachedKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// Store keeps hashed inbound keys inside each tenant's partition plus a
// shared hash -> tenant route so a bare key can be resolved.
type Store interface {
	Lookup(ctx context.Context, keyHash string) (*APIKey, error)
	Create(ctx context.Context, p tenant.Partition, key *APIKey, maxActive int) error
	List(ctx context.Context, p tenant.Partition) ([]*APIKey, error)
	Revoke(ctx context.Context, p tenant.Partition, keyID string) (keyHash string, err error)
	Touch(ctx context.Context, p tenant.Partition, keyID string) error
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

// Principal is an authenticated caller.
type Principal struct {
	KeyID    string
	TenantID string
}

// Authenticator resolves bearer keys, caching lookups in Redis.
type Authenticator struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewAuthenticator(store Store, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{store: store, cache: cache, ttl: ttl, logger: logger}
}

// Authenticate never retries; any failure to match is an invalid credential.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, apperr.InvalidCredential("missing bearer credential")
	}
	keyHash := hashKey(bearer)
	redisKey := cacheKey(keyHash)

	var cached cachedKey
	err := a.cache.Get(ctx, redisKey).Scan(&cached)
	if err == nil {
		return &Principal{KeyID: cached.ID, TenantID: cached.TenantID}, nil
	} else if err != redis.Nil {
		a.logger.Warn("auth cache read failed", zap.Error(err))
	}

	k, err := a.store.Lookup(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, apperr.InvalidCredential("invalid API key")
		}
		return nil, apperr.Wrap(apperr.KindStorage, "credential lookup failed", err)
	}

	if err := a.cache.Set(ctx, redisKey, &cachedKey{ID: k.ID, TenantID: k.TenantID}, a.ttl).Err(); err != nil {
		a.logger.Warn("auth cache write failed", zap.Error(err))
	}
	return &Principal{KeyID: k.ID, TenantID: k.TenantID}, nil
}

// Invalidate drops a cached lookup so a revoked key stops working at once.
func (a *Authenticator) Invalidate(ctx context.Context, keyHash string) error {
	return a.cache.Del(ctx, cacheKey(keyHash)).Err()
}

// Keys issues and revokes inbound credentials for a tenant.
type Keys struct {
	store  Store
	authn  *Authenticator
	logger *zap.Logger
}

func NewKeys(store Store, authn *Authenticator, logger *zap.Logger) *Keys {
	return &Keys{store: store, authn: authn, logger: logger}
}

// GenerateKey returns a new random plaintext key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a key and returns its plaintext. The plaintext is not stored
// and cannot be recovered later.
func (k *Keys) Issue(ctx context.Context, t *tenant.Tenant, name string) (string, *APIKey, error) {
	plaintext, err := GenerateKey()
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "generate key", err)
	}
	return k.issue(ctx, t, name, plaintext)
}

// IssueWithSecret stores a caller-chosen key. Used for seeding.
func (k *Keys) IssueWithSecret(ctx context.Context, t *tenant.Tenant, name, plaintext string) (*APIKey, error) {
	_, key, err := k.issue(ctx, t, name, plaintext)
	return key, err
}

func (k *Keys) issue(ctx context.Context, t *tenant.Tenant, name, plaintext string) (string, *APIKey, error) {
	key := &APIKey{
		TenantID: t.ID,
		Name:     name,
		KeyHash:  hashKey(plaintext),
		Active:   true,
	}
	if err := k.store.Create(ctx, t.Handle(), key, t.Limits.MaxCredentials); err != nil {
		if errors.Is(err, ErrCredentialLimit) {
			return "", nil, apperr.PermissionDenied(fmt.Sprintf("tenant allows at most %d active credentials", t.Limits.MaxCredentials))
		}
		return "", nil, apperr.Wrap(apperr.KindStorage, "create api key", err)
	}
	k.logger.Info("api key issued", zap.String("tenant_id", t.ID), zap.String("key_id", key.ID))
	return plaintext, key, nil
}

func (k *Keys) List(ctx context.Context, t *tenant.Tenant) ([]*APIKey, error) {
	keys, err := k.store.List(ctx, t.Handle())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list api keys", err)
	}
	return keys, nil
}

func (k *Keys) Revoke(ctx context.Context, t *tenant.Tenant, keyID string) error {
	keyHash, err := k.store.Revoke(ctx, t.Handle(), keyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return apperr.NotFound("api key not found")
		}
		return apperr.Wrap(apperr.KindStorage, "revoke api key", err)
	}
	if err := k.authn.Invalidate(ctx, keyHash); err != nil {
		k.logger.Warn("failed to invalidate cached key; it expires with the cache ttl",
			zap.String("key_id", keyID), zap.Error(err))
	}
	k.logger.Info("api key revoked", zap.String("tenant_id", t.ID), zap.String("key_id", keyID))
	return nil
}

// CountUse records one authenticated use of a key.
func (k *Keys) CountUse(ctx context.Context, t *tenant.Tenant, keyID string) {
	if err := k.store.Touch(ctx, t.Handle(), keyID); err != nil {
		k.logger.Warn("failed to count key usage", zap.String("key_id", keyID), zap.Error(err))
	}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// RequireToken guards a route group with a static shared secret. An empty
// secret disables the group.
func RequireToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := BearerToken(r)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				apperr.Write(w, apperr.InvalidCredential("invalid or missing token"), RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
