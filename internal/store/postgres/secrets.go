package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imamik/tenantplane/internal/secrets"
)

var _ secrets.Store = SecretStore{}

// SecretStore is the tenant_secrets view of a Store.
type SecretStore struct {
	s *Store
}

// Secrets returns the secrets view of the store.
func (s *Store) Secrets() SecretStore {
	return SecretStore{s}
}

const secretColumns = `tenant_id, sealed, token_hash, created_at, rotated_at`

func scanRecord(row pgx.Row) (secrets.Record, error) {
	var rec secrets.Record
	err := row.Scan(&rec.TenantID, &rec.Sealed, &rec.TokenHash, &rec.CreatedAt, &rec.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return secrets.Record{}, secrets.ErrNotFound
	}
	if err != nil {
		return secrets.Record{}, fmt.Errorf("scan secrets: %w", err)
	}
	return rec, nil
}

func (v SecretStore) Insert(ctx context.Context, rec secrets.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = v.s.now()
	}
	_, err := v.s.pool.Exec(ctx,
		`INSERT INTO tenant_secrets (tenant_id, sealed, token_hash, created_at, rotated_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.TenantID, rec.Sealed, rec.TokenHash, created.UTC(), rec.RotatedAt)
	if isUniqueViolation(err) {
		return secrets.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert secrets: %w", err)
	}
	return nil
}

func (v SecretStore) Get(ctx context.Context, tenantID string) (secrets.Record, error) {
	return scanRecord(v.s.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM tenant_secrets WHERE tenant_id = $1`, tenantID))
}

// ConsumeToken clears the token hash in the same statement that matches it,
// so of two concurrent retrievals exactly one gets the record.
func (v SecretStore) ConsumeToken(ctx context.Context, tenantID, tokenHash string) (secrets.Record, error) {
	if tokenHash == "" {
		return secrets.Record{}, secrets.ErrNotFound
	}
	return scanRecord(v.s.pool.QueryRow(ctx, `
		UPDATE tenant_secrets SET token_hash = ''
		WHERE tenant_id = $1 AND token_hash = $2 AND token_hash <> ''
		RETURNING `+secretColumns, tenantID, tokenHash))
}

// ResetToken only matches a record whose token is still unused.
func (v SecretStore) ResetToken(ctx context.Context, tenantID, tokenHash string) error {
	if tokenHash == "" {
		return fmt.Errorf("reset token: empty hash")
	}
	tag, err := v.s.pool.Exec(ctx,
		`UPDATE tenant_secrets SET token_hash = $2 WHERE tenant_id = $1 AND token_hash <> ''`,
		tenantID, tokenHash)
	if err != nil {
		return fmt.Errorf("reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return secrets.ErrNotFound
	}
	return nil
}

func (v SecretStore) Replace(ctx context.Context, tenantID string, sealed []byte, rotatedAt time.Time) error {
	tag, err := v.s.pool.Exec(ctx,
		`UPDATE tenant_secrets SET sealed = $2, rotated_at = $3 WHERE tenant_id = $1`,
		tenantID, sealed, rotatedAt.UTC())
	if err != nil {
		return fmt.Errorf("replace secrets: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return secrets.ErrNotFound
	}
	return nil
}

func (v SecretStore) Delete(ctx context.Context, tenantID string) error {
	if _, err := v.s.pool.Exec(ctx, `DELETE FROM tenant_secrets WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete secrets: %w", err)
	}
	return nil
}
