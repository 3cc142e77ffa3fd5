// Package postgres manages per-tenant roles and databases on the tenant
// database server.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imamik/tenantplane/internal/secrets"
)

var _ secrets.DatabaseAdmin = (*Admin)(nil)

const (
	duplicateDatabase = "42P04"
	duplicateObject   = "42710"
)

// Execer is the subset of a pgx pool the admin needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Execer = (*pgxpool.Pool)(nil)

// Admin creates tenant roles and databases. Its connection must belong to
// a role with CREATEROLE and CREATEDB.
type Admin struct {
	db  Execer
	log logr.Logger
}

// NewAdmin creates an Admin.
func NewAdmin(db Execer, log logr.Logger) *Admin {
	return &Admin{db: db, log: log.WithName("tenant-db")}
}

// EnsureTenantDatabase creates the login role and a database owned by it,
// both named role. Existing objects are kept and the password is reset.
func (a *Admin) EnsureTenantDatabase(ctx context.Context, role, password string) error {
	if err := validRole(role); err != nil {
		return err
	}
	ident := pgx.Identifier{role}.Sanitize()

	_, err := a.db.Exec(ctx, fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", ident, literal(password)))
	switch {
	case isCode(err, duplicateObject):
		if err := a.SetRolePassword(ctx, role, password); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("create role %s: %w", role, err)
	}

	var exists bool
	if err := a.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, role).Scan(&exists); err != nil {
		return fmt.Errorf("check database %s: %w", role, err)
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction block.
		_, err := a.db.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", ident, ident))
		if err != nil && !isCode(err, duplicateDatabase) {
			return fmt.Errorf("create database %s: %w", role, err)
		}
	}
	a.log.Info("tenant database ensured", "role", role)
	return nil
}

// SetRolePassword changes the password of role.
func (a *Admin) SetRolePassword(ctx context.Context, role, password string) error {
	if err := validRole(role); err != nil {
		return err
	}
	if _, err := a.db.Exec(ctx, fmt.Sprintf("ALTER ROLE %s WITH PASSWORD %s",
		pgx.Identifier{role}.Sanitize(), literal(password))); err != nil {
		return fmt.Errorf("set password for %s: %w", role, err)
	}
	return nil
}

// validRole accepts the role names produced for tenants: lowercase ASCII
// letters, digits and underscores, at most 63 bytes.
func validRole(role string) error {
	if role == "" || len(role) > 63 {
		return fmt.Errorf("invalid role name %q", role)
	}
	for _, r := range role {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("invalid role name %q", role)
		}
	}
	return nil
}

// literal quotes s as a SQL string literal. Role passwords cannot be bound
// as parameters in utility statements.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
