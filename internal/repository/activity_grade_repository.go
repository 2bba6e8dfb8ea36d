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

const activityGradeColumns = `ag.id, ag.activity_id, ag.student_id, ag.score, ag.status, ag.feedback, ag.content, ag.attachments,
        ag.graded_by_id, ag.submitted_at, ag.graded_at, ag.created_at, ag.updated_at`

// ActivityGradeRepository persists activity grade records.
type ActivityGradeRepository struct {
	db *sqlx.DB
}

// NewActivityGradeRepository creates a new activity grade repository.
func NewActivityGradeRepository(db *sqlx.DB) *ActivityGradeRepository {
	return &ActivityGradeRepository{db: db}
}

// Create inserts a grade. The (activity_id, student_id) unique constraint decides duplicates.
func (r *ActivityGradeRepository) Create(ctx context.Context, grade *models.ActivityGrade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if grade.CreatedAt.IsZero() {
		grade.CreatedAt = now
	}
	if grade.SubmittedAt.IsZero() {
		grade.SubmittedAt = now
	}
	grade.UpdatedAt = now
	const query = `INSERT INTO activity_grades (id, activity_id, student_id, score, status, feedback, content, attachments, graded_by_id, submitted_at, graded_at, created_at, updated_at)
        VALUES (:id, :activity_id, :student_id, :score, :status, :feedback, :content, :attachments, :graded_by_id, :submitted_at, :graded_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, grade); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create activity grade: %w", err)
	}
	return nil
}

// FindByPair returns the grade of a student for an activity.
func (r *ActivityGradeRepository) FindByPair(ctx context.Context, activityID, studentID string) (*models.ActivityGrade, error) {
	query := "SELECT " + activityGradeColumns + " FROM activity_grades ag WHERE ag.activity_id = $1 AND ag.student_id = $2"
	var grade models.ActivityGrade
	if err := r.db.GetContext(ctx, &grade, query, activityID, studentID); err != nil {
		return nil, err
	}
	return &grade, nil
}

// List returns grades matching the filter along with the total count.
func (r *ActivityGradeRepository) List(ctx context.Context, filter models.ActivityGradeFilter) ([]models.ActivityGrade, int, error) {
	conditions := []string{"1=1"}
	var args []interface{}
	if filter.ActivityID != "" {
		conditions = append(conditions, fmt.Sprintf("ag.activity_id = $%d", len(args)+1))
		args = append(args, filter.ActivityID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("ag.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("ag.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(ag.id) LIKE $%d OR LOWER(COALESCE(ag.feedback, '')) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	base := "FROM activity_grades ag WHERE " + strings.Join(conditions, " AND ")

	limit, offset := limitOffset(filter.Page, filter.PageSize)
	query := fmt.Sprintf("SELECT %s %s ORDER BY ag.updated_at DESC LIMIT %d OFFSET %d", activityGradeColumns, base, limit, offset)
	var grades []models.ActivityGrade
	if err := r.db.SelectContext(ctx, &grades, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list activity grades: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, args...); err != nil {
		return nil, 0, fmt.Errorf("count activity grades: %w", err)
	}
	return grades, total, nil
}

// Update writes the mutable fields of an existing grade.
func (r *ActivityGradeRepository) Update(ctx context.Context, grade *models.ActivityGrade) error {
	grade.UpdatedAt = time.Now().UTC()
	const query = `UPDATE activity_grades SET score = :score, status = :status, feedback = :feedback, content = :content,
        attachments = :attachments, graded_by_id = :graded_by_id, graded_at = :graded_at, updated_at = :updated_at
        WHERE activity_id = :activity_id AND student_id = :student_id`
	res, err := r.db.NamedExecContext(ctx, query, grade)
	if err != nil {
		return fmt.Errorf("update activity grade: %w", err)
	}
	return ensureAffected(res)
}

// ListScoredForStudent returns a student's grades in a class joined with activity scoring attributes.
func (r *ActivityGradeRepository) ListScoredForStudent(ctx context.Context, studentID, classID string) ([]models.ScoredActivityGrade, error) {
	query := "SELECT " + activityGradeColumns + `, a.topic_id, a.max_score, a.weightage
        FROM activity_grades ag
        JOIN activities a ON a.id = ag.activity_id
        WHERE ag.student_id = $1 AND a.class_id = $2
        ORDER BY ag.submitted_at`
	var grades []models.ScoredActivityGrade
	if err := r.db.SelectContext(ctx, &grades, query, studentID, classID); err != nil {
		return nil, fmt.Errorf("list scored activity grades: %w", err)
	}
	return grades, nil
}
