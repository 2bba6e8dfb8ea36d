package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
)

const termColumns = "id, name, academic_year, start_date, end_date, is_active, created_at, updated_at"

// TermRepository handles lookups of academic terms.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository instantiates a term repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

// FindByID returns a term by id.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	var term models.Term
	if err := r.db.GetContext(ctx, &term, "SELECT "+termColumns+" FROM terms WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &term, nil
}

// FindActive returns the term flagged active, preferring the most recent start date.
func (r *TermRepository) FindActive(ctx context.Context) (*models.Term, error) {
	var term models.Term
	query := "SELECT " + termColumns + " FROM terms WHERE is_active = TRUE ORDER BY start_date DESC LIMIT 1"
	if err := r.db.GetContext(ctx, &term, query); err != nil {
		return nil, err
	}
	return &term, nil
}
