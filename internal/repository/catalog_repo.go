package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/database"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

// CatalogRepository reads the specialties and the clinicians attending them.
type CatalogRepository interface {
	ListSpecialties(ctx context.Context) ([]domain.Specialty, error)
	ListClinicians(ctx context.Context, specialtyID int64) ([]domain.ClinicianSummary, error)
}

type catalogRepository struct {
	pool *database.Pool
}

func NewCatalogRepository(pool *database.Pool) CatalogRepository {
	return &catalogRepository{pool: pool}
}

func (r *catalogRepository) ListSpecialties(ctx context.Context) ([]domain.Specialty, error) {
	var out []domain.Specialty
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, name, COALESCE(description, '') FROM specialties ORDER BY name`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Specialty, error) {
			var s domain.Specialty
			err := row.Scan(&s.ID, &s.Name, &s.Description)
			return s, err
		})
		return err
	})
	if err != nil {
		return nil, storageError("list specialties", err)
	}
	return out, nil
}

func (r *catalogRepository) ListClinicians(ctx context.Context, specialtyID int64) ([]domain.ClinicianSummary, error) {
	var out []domain.ClinicianSummary
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.Query(ctx, `SELECT u.id, u.first_name || ' ' || u.last_name, COALESCE(c.office, '')
			FROM clinicians c
			JOIN users u ON u.id = c.user_id
			WHERE c.specialty_id = $1
			ORDER BY u.last_name, u.first_name`, specialtyID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ClinicianSummary, error) {
			var c domain.ClinicianSummary
			err := row.Scan(&c.ID, &c.FullName, &c.Office)
			return c, err
		})
		return err
	})
	if err != nil {
		return nil, storageError("list clinicians", err)
	}
	return out, nil
}
