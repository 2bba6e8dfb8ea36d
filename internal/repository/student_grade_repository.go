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

const studentGradeSelect = `SELECT sg.id, sg.grade_book_id, sg.student_id, sg.final_grade, sg.letter_grade, sg.activity_grades,
        sg.created_at, sg.updated_at, s.full_name AS student_name
        FROM student_grades sg
        JOIN students s ON s.id = sg.student_id`

// StudentGradeRepository manages per-student rollups inside grade books.
type StudentGradeRepository struct {
	db *sqlx.DB
}

// NewStudentGradeRepository constructs repository.
func NewStudentGradeRepository(db *sqlx.DB) *StudentGradeRepository {
	return &StudentGradeRepository{db: db}
}

// Create inserts a rollup. A second row for the same book and student yields ErrDuplicate.
func (r *StudentGradeRepository) Create(ctx context.Context, grade *models.StudentGrade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	if len(grade.ActivityGrades) == 0 {
		grade.ActivityGrades = []byte("[]")
	}
	now := time.Now().UTC()
	grade.CreatedAt = now
	grade.UpdatedAt = now
	const query = `INSERT INTO student_grades (id, grade_book_id, student_id, final_grade, letter_grade, activity_grades, created_at, updated_at)
        VALUES (:id, :grade_book_id, :student_id, :final_grade, :letter_grade, :activity_grades, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, grade); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create student grade: %w", err)
	}
	return nil
}

// FindByID returns a rollup by id.
func (r *StudentGradeRepository) FindByID(ctx context.Context, id string) (*models.StudentGrade, error) {
	var grade models.StudentGrade
	if err := r.db.GetContext(ctx, &grade, studentGradeSelect+" WHERE sg.id = $1", id); err != nil {
		return nil, err
	}
	return &grade, nil
}

// FindByBookAndStudent returns the rollup of a student in a grade book.
func (r *StudentGradeRepository) FindByBookAndStudent(ctx context.Context, gradeBookID, studentID string) (*models.StudentGrade, error) {
	var grade models.StudentGrade
	if err := r.db.GetContext(ctx, &grade, studentGradeSelect+" WHERE sg.grade_book_id = $1 AND sg.student_id = $2", gradeBookID, studentID); err != nil {
		return nil, err
	}
	return &grade, nil
}

// List returns rollups for a grade book ordered by student name.
func (r *StudentGradeRepository) List(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, int, error) {
	conditions := []string{"sg.grade_book_id = $1"}
	args := []interface{}{filter.GradeBookID}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(s.full_name) LIKE $%d", len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	limit, offset := limitOffset(filter.Page, filter.PageSize)
	query := fmt.Sprintf("%s%s ORDER BY s.full_name ASC LIMIT %d OFFSET %d", studentGradeSelect, where, limit, offset)
	var grades []models.StudentGrade
	if err := r.db.SelectContext(ctx, &grades, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list student grades: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM student_grades sg JOIN students s ON s.id = sg.student_id"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count student grades: %w", err)
	}
	return grades, total, nil
}

// ListStudentIDs returns every student holding a rollup in the grade book.
func (r *StudentGradeRepository) ListStudentIDs(ctx context.Context, gradeBookID string) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, "SELECT student_id FROM student_grades WHERE grade_book_id = $1 ORDER BY student_id", gradeBookID); err != nil {
		return nil, fmt.Errorf("list grade book students: %w", err)
	}
	return ids, nil
}

// Update persists the rollup grades and activity snapshot.
func (r *StudentGradeRepository) Update(ctx context.Context, grade *models.StudentGrade) error {
	grade.UpdatedAt = time.Now().UTC()
	if len(grade.ActivityGrades) == 0 {
		grade.ActivityGrades = []byte("[]")
	}
	const query = `UPDATE student_grades SET final_grade = :final_grade, letter_grade = :letter_grade, activity_grades = :activity_grades,
        updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, grade)
	if err != nil {
		return fmt.Errorf("update student grade: %w", err)
	}
	return ensureAffected(res)
}

// ExportRows flattens every rollup of a grade book with its topic scores.
func (r *StudentGradeRepository) ExportRows(ctx context.Context, gradeBookID string) ([]models.GradeBookExportRow, error) {
	const query = `SELECT sg.student_id, s.full_name AS student_name, tp.title AS topic_title, stg.score AS topic_score,
        sg.final_grade, sg.letter_grade
        FROM student_grades sg
        JOIN students s ON s.id = sg.student_id
        LEFT JOIN student_topic_grades stg ON stg.student_grade_id = sg.id
        LEFT JOIN topics tp ON tp.id = stg.topic_id
        WHERE sg.grade_book_id = $1
        ORDER BY s.full_name, tp.title`
	var rows []models.GradeBookExportRow
	if err := r.db.SelectContext(ctx, &rows, query, gradeBookID); err != nil {
		return nil, fmt.Errorf("export student grades: %w", err)
	}
	return rows, nil
}
