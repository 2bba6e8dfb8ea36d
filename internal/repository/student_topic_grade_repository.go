package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
)

const listTopicGradesQuery = `SELECT id, student_grade_id, topic_id, assessment_score, activity_score, score, created_at, updated_at
        FROM student_topic_grades WHERE student_grade_id = $1 ORDER BY topic_id`

// Each writer owns one contribution column. The blended score is computed in SQL from the
// stored counterpart so concurrent assessment and activity writes never overwrite each other.
const (
	reblendTopicGradesQuery = `UPDATE student_topic_grades
        SET score = ROUND(($2 * assessment_score + $3 * activity_score)::numeric, 2)::double precision, updated_at = $4
        WHERE student_grade_id = $1`

	upsertActivityScoreQuery = `INSERT INTO student_topic_grades (id, student_grade_id, topic_id, activity_score, score, created_at, updated_at)
        VALUES ($1, $2, $3, $4, ROUND(($6 * $4::double precision)::numeric, 2)::double precision, $7, $7)
        ON CONFLICT (student_grade_id, topic_id)
        DO UPDATE SET activity_score = EXCLUDED.activity_score,
        score = ROUND(($5 * student_topic_grades.assessment_score + $6 * EXCLUDED.activity_score)::numeric, 2)::double precision,
        updated_at = EXCLUDED.updated_at`

	upsertAssessmentScoreQuery = `INSERT INTO student_topic_grades (id, student_grade_id, topic_id, assessment_score, score, created_at, updated_at)
        VALUES ($1, $2, $3, $4, ROUND(($5 * $4::double precision)::numeric, 2)::double precision, $7, $7)
        ON CONFLICT (student_grade_id, topic_id)
        DO UPDATE SET assessment_score = EXCLUDED.assessment_score,
        score = ROUND(($5 * EXCLUDED.assessment_score + $6 * student_topic_grades.activity_score)::numeric, 2)::double precision,
        updated_at = EXCLUDED.updated_at`
)

// StudentTopicGradeRepository persists blended topic scores.
type StudentTopicGradeRepository struct {
	db *sqlx.DB
}

// NewStudentTopicGradeRepository constructs repository.
func NewStudentTopicGradeRepository(db *sqlx.DB) *StudentTopicGradeRepository {
	return &StudentTopicGradeRepository{db: db}
}

// ListByStudentGrade returns topic grades of a rollup keyed in topic order.
func (r *StudentTopicGradeRepository) ListByStudentGrade(ctx context.Context, studentGradeID string) ([]models.StudentTopicGrade, error) {
	var grades []models.StudentTopicGrade
	if err := r.db.SelectContext(ctx, &grades, listTopicGradesQuery, studentGradeID); err != nil {
		return nil, fmt.Errorf("list topic grades: %w", err)
	}
	return grades, nil
}

// UpsertActivityScores stores activity contributions per topic and reblends every topic of the
// rollup with the given weights. Assessment scores are only read.
func (r *StudentTopicGradeRepository) UpsertActivityScores(ctx context.Context, studentGradeID string, activityScores map[string]float64, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error) {
	topicIDs := make([]string, 0, len(activityScores))
	for topicID := range activityScores {
		topicIDs = append(topicIDs, topicID)
	}
	sort.Strings(topicIDs)

	var grades []models.StudentTopicGrade
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, reblendTopicGradesQuery, studentGradeID, assessmentWeight, activityWeight, now); err != nil {
			return fmt.Errorf("reblend topic grades: %w", err)
		}
		for _, topicID := range topicIDs {
			if _, err := tx.ExecContext(ctx, upsertActivityScoreQuery, uuid.NewString(), studentGradeID, topicID,
				activityScores[topicID], assessmentWeight, activityWeight, now); err != nil {
				return fmt.Errorf("upsert activity score: %w", err)
			}
		}
		if err := tx.SelectContext(ctx, &grades, listTopicGradesQuery, studentGradeID); err != nil {
			return fmt.Errorf("list topic grades: %w", err)
		}
		return nil
	})
	return grades, err
}

// UpsertAssessmentScore stores one topic's assessment contribution and reblends it against the
// stored activity score. Activity scores are only read.
func (r *StudentTopicGradeRepository) UpsertAssessmentScore(ctx context.Context, studentGradeID, topicID string, score, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error) {
	var grades []models.StudentTopicGrade
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertAssessmentScoreQuery, uuid.NewString(), studentGradeID, topicID,
			score, assessmentWeight, activityWeight, time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert assessment score: %w", err)
		}
		if err := tx.SelectContext(ctx, &grades, listTopicGradesQuery, studentGradeID); err != nil {
			return fmt.Errorf("list topic grades: %w", err)
		}
		return nil
	})
	return grades, err
}

func (r *StudentTopicGradeRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit topic grades: %w", err)
	}
	return nil
}
