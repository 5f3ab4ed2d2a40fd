package tenant

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionName(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := map[string]string{
		"Acme":                    "t_acme_",
		"Acme Corp.":              "t_acme_corp_",
		"  --Weird__Name!!  ":     "t_weird_name_",
		`"; DROP SCHEMA public; --`: "t_drop_schema_public_",
		"Ünïcode":                 "t_n_code_",
		"!!!":                     "t_tenant_",
	}
	for in, prefix := range cases {
		got := PartitionName(in, at)
		assert.True(t, strings.HasPrefix(got, prefix), "%q -> %q, want prefix %q", in, got, prefix)
		assert.NoError(t, ValidatePartition(got), in)
	}
}

func TestPartitionName_BoundedAndUnique(t *testing.T) {
	long := strings.Repeat("abcdefghij", 20)
	at := time.Now()

	name := PartitionName(long, at)
	assert.LessOrEqual(t, len(name), maxIdentLen)
	require.NoError(t, ValidatePartition(name))

	other := PartitionName(long, at.Add(time.Nanosecond))
	assert.NotEqual(t, name, other, "same name created at different times must not collide")

	assert.Equal(t, name, PartitionName(long, at), "derivation is deterministic")
}

func TestValidatePartition(t *testing.T) {
	for _, bad := range []string{"", "public", "pg_catalog", "1abc", "Abc", "a-b", "a b", `a"b`, strings.Repeat("a", 64)} {
		assert.ErrorIs(t, ValidatePartition(bad), ErrInvalidPartition, bad)
	}
	assert.NoError(t, ValidatePartition("t_acme_abc123"))
}

func TestPartitionTable(t *testing.T) {
	p := Partition{Schema: "t_acme_x1"}
	assert.Equal(t, `"t_acme_x1"."usage_records"`, p.Table(TableUsageRecords))
	assert.Equal(t, `"t_acme_x1"`, p.Ident())
}

func TestProvisionStatements(t *testing.T) {
	p := Partition{TenantID: "00000000-0000-0000-0000-000000000001", Schema: "t_acme_x1"}
	stmts := provisionStatements(p, "tenant:00000000-0000-0000-0000-000000000001")

	require.NotEmpty(t, stmts)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "t_acme_x1"`, stmts[0])
	for _, s := range stmts {
		if strings.HasPrefix(s, "COMMENT") {
			continue
		}
		assert.Contains(t, s, "IF NOT EXISTS", "every creation statement must be re-runnable")
	}
	joined := strings.Join(stmts, "\n")
	for _, table := range localTables {
		assert.Contains(t, joined, p.Table(table))
	}
}

func TestOwnerMarker(t *testing.T) {
	m, err := ownerMarker("00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, "tenant:00000000-0000-0000-0000-000000000001", m)

	_, err = ownerMarker("x'; DROP SCHEMA public; --")
	assert.Error(t, err)
}

func TestLimits(t *testing.T) {
	l := Limits{AllowedCIDRs: []string{"10.0.0.0/8", "2001:db8::/32"}}
	require.NoError(t, l.Validate())

	assert.True(t, l.AllowsIP("10.1.2.3"))
	assert.True(t, l.AllowsIP("10.1.2.3:5555"))
	assert.True(t, l.AllowsIP("[2001:db8::1]:443"))
	assert.True(t, l.AllowsIP("::ffff:10.0.0.1"))
	assert.False(t, l.AllowsIP("192.168.1.1"))
	assert.False(t, l.AllowsIP("not-an-ip"))

	assert.True(t, Limits{}.AllowsIP("192.168.1.1"), "empty allow-list admits everyone")

	assert.Error(t, Limits{AllowedCIDRs: []string{"10.0.0.1"}}.Validate())
	assert.Error(t, Limits{RateLimitRPS: -1}.Validate())
}
