package secrets

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by Store.Insert when the tenant already
	// has a secrets record.
	ErrAlreadyExists = errors.New("secrets already exist")

	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("secrets not found")
)

// Record is the stored form of a tenant's secrets. Sealed holds the
// encrypted Secrets; TokenHash is the hex SHA-256 of the one-time retrieval
// token and is empty once the token has been consumed.
type Record struct {
	TenantID  string
	Sealed    []byte
	TokenHash string
	CreatedAt time.Time
	RotatedAt *time.Time
}

// Store persists secrets records.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, tenantID string) (Record, error)

	// ConsumeToken clears the token hash of the record whose hash equals
	// tokenHash and returns the record, in one atomic step. Exactly one of
	// any number of concurrent callers with the right hash succeeds; the
	// rest get ErrNotFound.
	ConsumeToken(ctx context.Context, tenantID, tokenHash string) (Record, error)

	// ResetToken sets a new token hash on a record whose token has not been
	// consumed. It returns ErrNotFound if there is no such record.
	ResetToken(ctx context.Context, tenantID, tokenHash string) error

	// Replace stores a new sealed payload and sets RotatedAt. The token
	// hash is left as it is.
	Replace(ctx context.Context, tenantID string, sealed []byte, rotatedAt time.Time) error

	Delete(ctx context.Context, tenantID string) error
}
