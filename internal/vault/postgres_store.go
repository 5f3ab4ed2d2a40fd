package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, p tenant.Partition, sealed *Sealed) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (vendor, ciphertext, key_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (vendor) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, key_id = EXCLUDED.key_id, updated_at = now()
		RETURNING created_at, updated_at
	`, p.Table(tenant.TableVendorCredentials))

	err := s.db.QueryRow(ctx, query, string(sealed.Vendor), sealed.Ciphertext, sealed.KeyID).
		Scan(&sealed.CreatedAt, &sealed.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put vendor credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, p tenant.Partition, vendor provider.Vendor) (*Sealed, error) {
	query := fmt.Sprintf(`
		SELECT ciphertext, key_id, created_at, updated_at
		FROM %s WHERE vendor = $1
	`, p.Table(tenant.TableVendorCredentials))

	sealed := Sealed{Vendor: vendor}
	err := s.db.QueryRow(ctx, query, string(vendor)).
		Scan(&sealed.Ciphertext, &sealed.KeyID, &sealed.CreatedAt, &sealed.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get vendor credential: %w", err)
	}
	return &sealed, nil
}

func (s *PostgresStore) Delete(ctx context.Context, p tenant.Partition, vendor provider.Vendor) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE vendor = $1`, p.Table(tenant.TableVendorCredentials))
	tag, err := s.db.Exec(ctx, query, string(vendor))
	if err != nil {
		return false, fmt.Errorf("failed to delete vendor credential: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
