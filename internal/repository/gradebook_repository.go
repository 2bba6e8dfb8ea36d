package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
)

const gradeBookSelect = `SELECT gb.id, gb.class_id, gb.term_id, gb.calculation_rules, gb.created_by_id, gb.created_at, gb.updated_at,
        c.name AS class_name, t.name AS term_name
        FROM grade_books gb
        JOIN classes c ON c.id = gb.class_id
        JOIN terms t ON t.id = gb.term_id`

// GradeBookRepository manages grade book persistence.
type GradeBookRepository struct {
	db *sqlx.DB
}

// NewGradeBookRepository constructs repository.
func NewGradeBookRepository(db *sqlx.DB) *GradeBookRepository {
	return &GradeBookRepository{db: db}
}

// Create inserts a grade book. A second book for the same class and term yields ErrDuplicate.
func (r *GradeBookRepository) Create(ctx context.Context, book *models.GradeBook) error {
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if len(book.CalculationRules) == 0 {
		book.CalculationRules = []byte("{}")
	}
	now := time.Now().UTC()
	book.CreatedAt = now
	book.UpdatedAt = now
	const query = `INSERT INTO grade_books (id, class_id, term_id, calculation_rules, created_by_id, created_at, updated_at)
        VALUES (:id, :class_id, :term_id, :calculation_rules, :created_by_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, book); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create grade book: %w", err)
	}
	return nil
}

// FindByID returns a grade book with class and term names.
func (r *GradeBookRepository) FindByID(ctx context.Context, id string) (*models.GradeBook, error) {
	var book models.GradeBook
	if err := r.db.GetContext(ctx, &book, gradeBookSelect+" WHERE gb.id = $1", id); err != nil {
		return nil, err
	}
	return &book, nil
}

// FindByClassAndTerm returns the grade book scoped to a class and term.
func (r *GradeBookRepository) FindByClassAndTerm(ctx context.Context, classID, termID string) (*models.GradeBook, error) {
	var book models.GradeBook
	if err := r.db.GetContext(ctx, &book, gradeBookSelect+" WHERE gb.class_id = $1 AND gb.term_id = $2", classID, termID); err != nil {
		return nil, err
	}
	return &book, nil
}

// List returns grade books, most recent first.
func (r *GradeBookRepository) List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, int, error) {
	conditions := []string{"1=1"}
	var args []interface{}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("gb.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("gb.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(c.name) LIKE $%d", len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	limit, offset := limitOffset(filter.Page, filter.PageSize)
	query := fmt.Sprintf("%s%s ORDER BY gb.created_at DESC LIMIT %d OFFSET %d", gradeBookSelect, where, limit, offset)
	var books []models.GradeBook
	if err := r.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list grade books: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM grade_books gb JOIN classes c ON c.id = gb.class_id" + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count grade books: %w", err)
	}
	return books, total, nil
}

// Update persists the calculation rules of a grade book.
func (r *GradeBookRepository) Update(ctx context.Context, book *models.GradeBook) error {
	book.UpdatedAt = time.Now().UTC()
	const query = `UPDATE grade_books SET calculation_rules = :calculation_rules, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, book)
	if err != nil {
		return fmt.Errorf("update grade book: %w", err)
	}
	return ensureAffected(res)
}

// Delete removes a grade book and, through cascading keys, its student rollups.
func (r *GradeBookRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM grade_books WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete grade book: %w", err)
	}
	return ensureAffected(res)
}
