package vault

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*Sealed
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*Sealed{}}
}

func rowKey(p tenant.Partition, v provider.Vendor) string {
	return p.Schema + "/" + string(v)
}

func (m *memStore) Put(ctx context.Context, p tenant.Partition, s *Sealed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[rowKey(p, s.Vendor)] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, p tenant.Partition, v provider.Vendor) (*Sealed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[rowKey(p, v)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Delete(ctx context.Context, p tenant.Partition, v provider.Vendor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[rowKey(p, v)]
	delete(m.rows, rowKey(p, v))
	return ok, nil
}

func mustCipher(t *testing.T, master, id string) *Cipher {
	t.Helper()
	c, err := NewCipher(master, id)
	require.NoError(t, err)
	return c
}

func acme() *tenant.Tenant {
	return &tenant.Tenant{ID: uuid.New().String(), Name: "Acme", Partition: "t_acme_1", Active: true}
}

func TestCipher_RoundTrip(t *testing.T) {
	c := mustCipher(t, "master", "v1")

	a, err := c.Seal([]byte("sk-live"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("sk-live"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "nonce must differ per seal")
	assert.False(t, bytes.Contains(a, []byte("sk-live")))

	pt, err := c.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", string(pt))

	_, err = mustCipher(t, "other", "v1").Open(a)
	assert.Error(t, err)
	_, err = mustCipher(t, "master", "v2").Open(a)
	assert.Error(t, err, "key id is bound as associated data")
	_, err = c.Open([]byte{1, 2})
	assert.Error(t, err)
}

func TestNewCipher_Rejects(t *testing.T) {
	_, err := NewCipher("", "v1")
	assert.Error(t, err)
	_, err = NewCipher("m", "")
	assert.Error(t, err)
}

func TestVault_PutResolveDelete(t *testing.T) {
	store := newMemStore()
	v := New(store, zap.NewNop(), mustCipher(t, "master", "v1"))
	ctx := context.Background()
	tn := acme()

	_, err := v.Resolve(ctx, tn, provider.VendorOpenAI)
	assert.True(t, apperr.Is(err, apperr.KindCredentialMissing))

	require.NoError(t, v.Put(ctx, tn, provider.VendorOpenAI, "sk-one"))
	require.NoError(t, v.Put(ctx, tn, provider.VendorOpenAI, "sk-two"))
	assert.Len(t, store.rows, 1, "one key per vendor")

	cred, err := v.Resolve(ctx, tn, provider.VendorOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-two", cred.APIKey)

	require.NoError(t, v.Delete(ctx, tn, provider.VendorOpenAI))
	assert.True(t, apperr.Is(v.Delete(ctx, tn, provider.VendorOpenAI), apperr.KindNotFound))
	assert.True(t, apperr.Is(v.Put(ctx, tn, provider.VendorOpenAI, " "), apperr.KindInvalidRequest))
}

func TestVault_Rotation(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	tn := acme()
	old := mustCipher(t, "old-master", "v1")

	require.NoError(t, New(store, zap.NewNop(), old).Put(ctx, tn, provider.VendorAnthropic, "sk-ant"))

	rotated := New(store, zap.NewNop(), mustCipher(t, "new-master", "v2"), old)
	cred, err := rotated.Resolve(ctx, tn, provider.VendorAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", cred.APIKey)

	forgotten := New(store, zap.NewNop(), mustCipher(t, "new-master", "v2"))
	_, err = forgotten.Resolve(ctx, tn, provider.VendorAnthropic)
	assert.True(t, apperr.Is(err, apperr.KindCredentialMissing))
}

type fixedTenants map[string]*tenant.Tenant

func (f fixedTenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	if t, ok := f[id]; ok {
		return t, nil
	}
	return nil, apperr.NotFound("tenant not found")
}

func TestHandler(t *testing.T) {
	store := newMemStore()
	v := New(store, zap.NewNop(), mustCipher(t, "master", "v1"))
	tn := acme()
	r := chi.NewRouter()
	r.Route("/admin/tenants/{tenantID}/vendor-keys", NewHandler(v, fixedTenants{tn.ID: tn}).Routes)
	base := "/admin/tenants/" + tn.ID + "/vendor-keys/"

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, base+"openai", strings.NewReader(`{"api_key":"sk-x"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	cred, err := v.Resolve(context.Background(), tn, provider.VendorOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-x", cred.APIKey)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, base+"mistral", strings.NewReader(`{"api_key":"sk-x"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, base+"openai", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, base+"openai", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
