package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tenant is the durable mirror of one tenant: identity, API-key hash, and
// the balance the sync service pushes into Redis at boot.
type Tenant struct {
	ID            string
	Name          string
	APIKeyHash    string
	BalanceMicros int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrTenantNotFound means the tenant id has no row.
var ErrTenantNotFound = errors.New("store: tenant not found")

// GetTenant reads one tenant row.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, api_key_hash, balance_micros, created_at, updated_at
		FROM tenants WHERE tenant_id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.BalanceMicros, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// ListTenants returns the most recently created tenants.
func (s *Store) ListTenants(ctx context.Context, limit int) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, name, api_key_hash, balance_micros, created_at, updated_at
		FROM tenants ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.BalanceMicros, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CreateTenant inserts a tenant with an opening balance. Used by the CLI and
// the seeder; runtime code never creates tenants.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, api_key_hash, balance_micros, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, t.ID, t.Name, t.APIKeyHash, t.BalanceMicros)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}
