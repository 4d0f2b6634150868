package access

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zenthea/rcm/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type directoryPG struct{ pool queryable }

// NewDirectoryPG returns a Directory over the users, providers and patients
// tables. pool is usually a *pgxpool.Pool.
func NewDirectoryPG(pool queryable) Directory { return &directoryPG{pool: pool} }

func (r *directoryPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *directoryPG) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var role string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, email, role, active, created_at
		FROM users WHERE lower(email) = lower($1)`, email).
		Scan(&u.ID, &u.TenantID, &u.Email, &role, &u.Active, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *directoryPG) ProviderByEmail(ctx context.Context, tenantID, email string) (*Provider, error) {
	var p Provider
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, email, name
		FROM providers WHERE tenant_id = $1 AND lower(email) = lower($2)
		ORDER BY created_at LIMIT 1`, tenantID, email).
		Scan(&p.ID, &p.TenantID, &p.Email, &p.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *directoryPG) PatientByEmail(ctx context.Context, tenantID, email string) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, email
		FROM patients WHERE tenant_id = $1 AND lower(email) = lower($2)
		ORDER BY created_at LIMIT 1`, tenantID, email).
		Scan(&p.ID, &p.TenantID, &p.Email)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *directoryPG) PatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, tenant_id, email FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.TenantID, &p.Email)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
