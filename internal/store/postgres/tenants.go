package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

const tenantColumns = `id, name, status, region, memory_mb, owner_id, plan_id,
	compute_app_name, compute_machine_id, compute_volume_id, hostname, ipv4, ipv6,
	rotation_pending, rotation_failed_step, rotation_claimed_at, created_at, updated_at`

func scanTenant(row pgx.Row) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Region, &t.MemoryMB, &t.OwnerID, &t.PlanID,
		&t.AppName, &t.MachineID, &t.VolumeID, &t.Hostname, &t.IPv4, &t.IPv6,
		&t.RotationPending, &t.RotationStep, &t.RotationClaimedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	return t, nil
}

func (s *Store) Create(ctx context.Context, t tenant.Tenant, d events.Draft) (tenant.Tenant, events.Event, error) {
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var (
		created tenant.Tenant
		ev      events.Event
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO tenants (id, name, status, region, memory_mb, owner_id, plan_id,
				compute_app_name, compute_machine_id, compute_volume_id, hostname, ipv4, ipv6,
				created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING `+tenantColumns,
			t.ID, t.Name, t.Status, t.Region, t.MemoryMB, t.OwnerID, t.PlanID,
			t.AppName, t.MachineID, t.VolumeID, t.Hostname, t.IPv4, t.IPv6,
			t.CreatedAt, t.UpdatedAt)
		var err error
		if created, err = scanTenant(row); err != nil {
			if isUniqueViolation(err) {
				return tenant.ErrAlreadyExists
			}
			return err
		}
		ev, err = appendTx(ctx, tx, d, now)
		return err
	})
	if err != nil {
		return tenant.Tenant{}, events.Event{}, err
	}
	return created, ev, nil
}

func (s *Store) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	return scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (s *Store) List(ctx context.Context, f tenant.Filter) ([]tenant.Tenant, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyTransition updates the row guarded by status = tr.From and appends
// the event in the same transaction.
func (s *Store) ApplyTransition(ctx context.Context, tr tenant.Transition) (tenant.Tenant, events.Event, error) {
	now := s.now().UTC()
	var (
		updated tenant.Tenant
		ev      events.Event
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		set, args := changeSet(tr.Change, 4)
		set = append([]string{"status = $3", fmt.Sprintf("updated_at = $%d", len(args)+4)}, set...)
		args = append([]any{tr.TenantID, tr.From, tr.To}, args...)
		args = append(args, now)

		row := tx.QueryRow(ctx,
			`UPDATE tenants SET `+strings.Join(set, ", ")+
				` WHERE id = $1 AND status = $2 RETURNING `+tenantColumns, args...)
		var err error
		updated, err = scanTenant(row)
		if errors.Is(err, tenant.ErrNotFound) {
			var exists bool
			if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tr.TenantID).Scan(&exists); qerr != nil {
				return fmt.Errorf("check tenant: %w", qerr)
			}
			if exists {
				return tenant.ErrStaleStatus
			}
			return tenant.ErrNotFound
		}
		if err != nil {
			return err
		}
		ev, err = appendTx(ctx, tx, tr.Event, now)
		return err
	})
	if err != nil {
		return tenant.Tenant{}, events.Event{}, err
	}
	return updated, ev, nil
}

func (s *Store) Update(ctx context.Context, id string, c tenant.Change) (tenant.Tenant, error) {
	set, args := changeSet(c, 2)
	args = append([]any{id}, args...)
	args = append(args, s.now().UTC())
	set = append(set, fmt.Sprintf("updated_at = $%d", len(args)))
	return scanTenant(s.pool.QueryRow(ctx,
		`UPDATE tenants SET `+strings.Join(set, ", ")+` WHERE id = $1 RETURNING `+tenantColumns, args...))
}

// changeSet renders the SET clauses for the non-nil fields of c, numbering
// placeholders from first.
func changeSet(c tenant.Change, first int) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		set = append(set, fmt.Sprintf("%s = $%d", col, first+len(args)))
		args = append(args, *v)
	}
	add("compute_app_name", c.AppName)
	add("compute_machine_id", c.MachineID)
	add("compute_volume_id", c.VolumeID)
	add("hostname", c.Hostname)
	add("ipv4", c.IPv4)
	add("ipv6", c.IPv6)
	return set, args
}

func (s *Store) ClaimRotation(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants
		SET rotation_claimed_at = $2, rotation_pending = TRUE, updated_at = $2
		WHERE id = $1 AND (rotation_claimed_at IS NULL OR rotation_claimed_at <= $3)`,
		id, now.UTC(), now.Add(-lease).UTC())
	if err != nil {
		return false, fmt.Errorf("claim rotation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ReleaseRotation(ctx context.Context, id, failedStep string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants
		SET rotation_claimed_at = NULL, rotation_failed_step = $2, rotation_pending = ($2 <> ''), updated_at = $3
		WHERE id = $1`, id, failedStep, s.now().UTC())
	if err != nil {
		return fmt.Errorf("release rotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrNotFound
	}
	return nil
}
