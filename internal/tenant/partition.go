package tenant

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	maxIdentLen = 63 // Postgres NAMEDATALEN - 1
	maxNamePart = 40
)

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Partition addresses one tenant's schema.
type Partition struct {
	TenantID string
	Schema   string
}

// Table returns the quoted, schema-qualified name of a tenant-local table.
// Schema names are validated on the way in, and the result is quoted again
// here so no tenant-controlled string reaches SQL unescaped.
func (p Partition) Table(name string) string {
	return pgx.Identifier{p.Schema, name}.Sanitize()
}

func (p Partition) Ident() string {
	return pgx.Identifier{p.Schema}.Sanitize()
}

// PartitionName derives a schema name from the tenant's human name plus its
// creation time: t_<name>_<base36 unix nanos>.
func PartitionName(name string, created time.Time) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= maxNamePart {
			break
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "tenant"
	}
	suffix := strconv.FormatInt(created.UnixNano(), 36)
	return "t_" + slug + "_" + suffix
}

// ValidatePartition enforces the identifier charset and length.
func ValidatePartition(schema string) error {
	if len(schema) == 0 || len(schema) > maxIdentLen {
		return fmt.Errorf("%w: %q has invalid length", ErrInvalidPartition, schema)
	}
	if !identPattern.MatchString(schema) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidPartition, schema, identPattern)
	}
	if strings.HasPrefix(schema, "pg_") || schema == "public" || schema == "information_schema" {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPartition, schema)
	}
	return nil
}
