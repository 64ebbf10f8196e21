package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-dialer/internal/domain"
	"github.com/acme/lead-dialer/internal/repository"
)

// LeadRepository stores the lead projection the claim query joins against.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs the repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// BulkInsert inserts leads, ignoring duplicates.
func (r *LeadRepository) BulkInsert(ctx context.Context, leads []domain.Lead) error {
	if len(leads) == 0 {
		return nil
	}

	q := `INSERT INTO leads (id, tenant_id, name, phone, created_at)
	VALUES (:id, :tenant_id, :name, :phone, :created_at)
	ON CONFLICT (id) DO NOTHING`

	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(leads))
	for _, l := range leads {
		var phone any
		if l.Phone != "" {
			phone = l.Phone
		}
		rows = append(rows, map[string]any{
			"id":         l.ID,
			"tenant_id":  l.TenantID,
			"name":       l.Name,
			"phone":      phone,
			"created_at": now,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, q, rows); err != nil {
		return fmt.Errorf("leads: bulk insert: %w", err)
	}
	return nil
}

// Get fetches a lead within the tenant.
func (r *LeadRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Lead, error) {
	var rec leadRecord
	err := r.db.QueryRowxContext(ctx, `SELECT id, tenant_id, name, phone
		FROM leads WHERE id = $1 AND tenant_id = $2`, id, tenantID).StructScan(&rec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("leads: get: %w", err)
	}

	lead := domain.Lead{ID: rec.ID, TenantID: rec.TenantID, Name: rec.Name, Phone: rec.Phone.String}
	return &lead, nil
}

type leadRecord struct {
	ID       uuid.UUID      `db:"id"`
	TenantID uuid.UUID      `db:"tenant_id"`
	Name     string         `db:"name"`
	Phone    sql.NullString `db:"phone"`
}
