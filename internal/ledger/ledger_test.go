package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// memStore mirrors the Postgres store: insert-if-absent plus aggregates.
type memStore struct {
	mu         sync.Mutex
	records    map[string]map[string]*Record // schema -> request id
	aggregates map[string]*DailyTotal
	failFor    string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]map[string]*Record{}, aggregates: map[string]*DailyTotal{}}
}

func (m *memStore) Insert(ctx context.Context, p tenant.Partition, r *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RequestID == m.failFor {
		return false, errors.New("disk full")
	}
	part, ok := m.records[p.Schema]
	if !ok {
		part = map[string]*Record{}
		m.records[p.Schema] = part
	}
	if _, dup := part[r.RequestID]; dup {
		return false, nil
	}
	cp := *r
	part[r.RequestID] = &cp

	day := r.CreatedAt.UTC().Format("2006-01-02")
	k := p.Schema + day + r.Vendor + r.Model
	agg, ok := m.aggregates[k]
	if !ok {
		agg = &DailyTotal{Day: day, Vendor: r.Vendor, Model: r.Model}
		m.aggregates[k] = agg
	}
	agg.Requests++
	agg.InputTokens += valueOrZero(r.InputTokens)
	agg.OutputTokens += valueOrZero(r.OutputTokens)
	agg.CostUSD += r.CostUSD
	return true, nil
}

func (m *memStore) Scan(ctx context.Context, p tenant.Partition, from, to time.Time, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records[p.Schema] {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Totals(ctx context.Context, p tenant.Partition, from, to time.Time) ([]Total, error) {
	recs, _ := m.Scan(ctx, p, from, to, 1<<30)
	by := map[string]*Total{}
	var keys []string
	for _, r := range recs {
		k := r.Vendor + "/" + r.Model
		t, ok := by[k]
		if !ok {
			t = &Total{Vendor: r.Vendor, Model: r.Model}
			by[k] = t
			keys = append(keys, k)
		}
		t.Requests++
		t.InputTokens += valueOrZero(r.InputTokens)
		t.OutputTokens += valueOrZero(r.OutputTokens)
		t.CostUSD += r.CostUSD
		if r.CostStatus != pricing.StatusComputed {
			t.IncompleteCost++
		}
	}
	sort.Strings(keys)
	var out []Total
	for _, k := range keys {
		out = append(out, *by[k])
	}
	return out, nil
}

func (m *memStore) Daily(ctx context.Context, p tenant.Partition, from, to time.Time) ([]DailyTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DailyTotal
	for _, a := range m.aggregates {
		out = append(out, *a)
	}
	return out, nil
}

func (m *memStore) count(schema string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[schema])
}

type fixedTenants map[string]*tenant.Tenant

func (f fixedTenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	if t, ok := f[id]; ok {
		return t, nil
	}
	return nil, apperr.NotFound("tenant not found")
}

func tokens(n int64) *int64 { return &n }

var acme = &tenant.Tenant{ID: uuid.New().String(), Name: "Acme", Partition: "t_acme_1", Active: true}

func newRecord(requestID string) *Record {
	return &Record{
		RequestID:    requestID,
		TenantID:     acme.ID,
		Vendor:       "openai",
		Model:        "gpt-4",
		Request:      json.RawMessage(`{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`),
		InputTokens:  tokens(5),
		OutputTokens: tokens(10),
		CostUSD:      0.00075,
		CostStatus:   pricing.StatusComputed,
		LatencyMs:    120,
		Status:       200,
		Outcome:      OutcomeSuccess,
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecord_NormalizeAndValidate(t *testing.T) {
	r := newRecord(" req-1 ")
	r.Vendor = "OpenAI"
	r.Normalize()
	require.NoError(t, r.Validate())
	assert.Equal(t, "req-1", r.RequestID)
	assert.Equal(t, "openai", r.Vendor)
	assert.Equal(t, SourceProxy, r.Source)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, Fingerprint(r.Request), r.Fingerprint)
	assert.Len(t, r.Fingerprint, 64)

	other := newRecord("req-2")
	other.Request = json.RawMessage(`{"model":"gpt-4","messages":[{"role":"user","content":"Bye"}]}`)
	other.Normalize()
	assert.NotEqual(t, r.Fingerprint, other.Fingerprint)
}

func TestRecord_Rejects(t *testing.T) {
	cases := map[string]func(r *Record){
		"missing request id": func(r *Record) { r.RequestID = "" },
		"bad tenant":         func(r *Record) { r.TenantID = "acme" },
		"missing model":      func(r *Record) { r.Model = " " },
		"negative tokens":    func(r *Record) { r.InputTokens = tokens(-1) },
		"negative cost":      func(r *Record) { r.CostUSD = -1 },
		"bad cost status":    func(r *Record) { r.CostStatus = "guess" },
		"bad outcome":        func(r *Record) { r.Outcome = "maybe" },
		"bad status":         func(r *Record) { r.Status = 42 },
		"zero time":          func(r *Record) { r.CreatedAt = time.Time{} },
		"bad json":           func(r *Record) { r.Response = json.RawMessage(`{`) },
		"bad source":         func(r *Record) { r.Source = "carrier-pigeon" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRecord("req")
			mutate(r)
			r.Normalize()
			assert.Error(t, r.Validate())
		})
	}
}

func TestRecord_InternalErrorOutcomeAllowed(t *testing.T) {
	r := newRecord("req")
	r.Outcome = OutcomeInternalError
	r.Status = 500
	r.InputTokens, r.OutputTokens = nil, nil
	r.CostUSD, r.CostStatus = 0, pricing.StatusUnknown
	r.Normalize()
	assert.NoError(t, r.Validate())
}

func TestRecord_UnknownTokensAllowed(t *testing.T) {
	r := newRecord("req")
	r.InputTokens, r.OutputTokens = nil, nil
	r.CostUSD, r.CostStatus = 0, pricing.StatusUnknown
	r.Normalize()
	assert.NoError(t, r.Validate())
}

func TestAppend_Idempotent(t *testing.T) {
	store := newMemStore()
	l := New(store, fixedTenants{acme.ID: acme}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, acme, newRecord("req-1")))
	require.NoError(t, l.Append(ctx, acme, newRecord("req-1")))
	assert.Equal(t, 1, store.count(acme.Partition))

	days, err := l.Daily(ctx, acme, time.Time{}, time.Now())
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(1), days[0].Requests)
	assert.InDelta(t, 0.00075, days[0].CostUSD, 1e-12)
}

func TestAppend_Rejects(t *testing.T) {
	l := New(newMemStore(), fixedTenants{}, zap.NewNop())

	r := newRecord("req-1")
	r.TenantID = uuid.New().String()
	assert.True(t, apperr.Is(l.Append(context.Background(), acme, r), apperr.KindInvalidRequest))

	assert.True(t, apperr.Is(l.Append(context.Background(), acme, &Record{}), apperr.KindInvalidRequest))
}

func TestAppendBatch_DuplicateCountedOnce(t *testing.T) {
	store := newMemStore()
	l := New(store, fixedTenants{acme.ID: acme}, zap.NewNop())
	ctx := context.Background()

	res, err := l.AppendBatch(ctx, []*Record{newRecord("req-1"), newRecord("req-1")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, res.Rejected)

	res, err = l.AppendBatch(ctx, []*Record{newRecord("req-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)

	assert.Equal(t, 1, store.count(acme.Partition))
	totals, err := l.Totals(ctx, acme, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(1), totals[0].Requests)
	assert.Equal(t, int64(5), totals[0].InputTokens)
	assert.InDelta(t, 0.00075, totals[0].CostUSD, 1e-12)
}

func TestAppendBatch_PerItemRejection(t *testing.T) {
	store := newMemStore()
	inactive := &tenant.Tenant{ID: uuid.New().String(), Partition: "t_gone_1"}
	l := New(store, fixedTenants{acme.ID: acme, inactive.ID: inactive}, zap.NewNop())

	bad := newRecord("req-bad")
	bad.Model = ""
	stranger := newRecord("req-stranger")
	stranger.TenantID = uuid.New().String()
	sleeping := newRecord("req-sleeping")
	sleeping.TenantID = inactive.ID
	broken := newRecord("req-broken")
	store.failFor = "req-broken"

	res, err := l.AppendBatch(context.Background(), []*Record{
		newRecord("req-1"), bad, nil, stranger, sleeping, broken, newRecord("req-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 5)

	reasons := map[int]string{}
	for _, rj := range res.Rejected {
		reasons[rj.Index] = rj.Reason
	}
	assert.Equal(t, "model is required", reasons[1])
	assert.Equal(t, "record is null", reasons[2])
	assert.Equal(t, "unknown tenant", reasons[3])
	assert.Equal(t, "tenant is inactive", reasons[4])
	assert.Equal(t, "storage error", reasons[5])
	assert.Equal(t, 2, store.count(acme.Partition))
}

func TestAppendBatch_TooLarge(t *testing.T) {
	l := New(newMemStore(), fixedTenants{}, zap.NewNop())
	_, err := l.AppendBatch(context.Background(), make([]*Record, MaxBatch+1))
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))
}

func TestScan_Window(t *testing.T) {
	store := newMemStore()
	l := New(store, fixedTenants{acme.ID: acme}, zap.NewNop())
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := newRecord(id)
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Append(ctx, acme, r))
	}

	recs, err := l.Scan(ctx, acme, base, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].RequestID)
	assert.Equal(t, "b", recs[1].RequestID)

	_, err = l.Scan(ctx, acme, base, base, 10)
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))
}
