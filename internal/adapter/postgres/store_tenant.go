package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
)

func (s *Store) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, family_name, domain, admin_email, namespace, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.FamilyName, t.Domain, t.AdminEmail, t.Namespace, t.PasswordHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	return s.queryTenant(ctx,
		`SELECT id, family_name, domain, admin_email, namespace, password_hash, created_at
		 FROM tenants WHERE id = $1`, id)
}

func (s *Store) GetTenantByDomain(ctx context.Context, domainName string) (*tenant.Tenant, error) {
	return s.queryTenant(ctx,
		`SELECT id, family_name, domain, admin_email, namespace, password_hash, created_at
		 FROM tenants WHERE domain = $1`, domainName)
}

func (s *Store) queryTenant(ctx context.Context, query, arg string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&t.ID, &t.FamilyName, &t.Domain, &t.AdminEmail, &t.Namespace, &t.PasswordHash, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get tenant %s: %w", arg, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get tenant %s: %w", arg, err)
	}
	return &t, nil
}

func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete tenant %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
