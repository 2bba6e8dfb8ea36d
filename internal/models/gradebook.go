package models

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// CalculationRules are the per grade book overrides of the grading policy.
type CalculationRules struct {
	AssessmentWeight *float64 `json:"assessment_weight,omitempty"`
	ActivityWeight   *float64 `json:"activity_weight,omitempty"`
}

// HasWeights reports whether both blend weights are present.
func (r CalculationRules) HasWeights() bool {
	return r.AssessmentWeight != nil && r.ActivityWeight != nil
}

// GradeBook is the class and term scoped container of student rollups.
type GradeBook struct {
	ID               string         `db:"id" json:"id"`
	ClassID          string         `db:"class_id" json:"class_id"`
	TermID           string         `db:"term_id" json:"term_id"`
	CalculationRules types.JSONText `db:"calculation_rules" json:"calculation_rules" swaggertype:"object"`
	CreatedByID      string         `db:"created_by_id" json:"created_by_id"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
	ClassName        string         `db:"class_name" json:"class_name,omitempty"`
	TermName         string         `db:"term_name" json:"term_name,omitempty"`
}

// Rules decodes the stored calculation rules. Empty rules decode to the zero value.
func (g GradeBook) Rules() (CalculationRules, error) {
	var rules CalculationRules
	if len(g.CalculationRules) == 0 {
		return rules, nil
	}
	if err := json.Unmarshal(g.CalculationRules, &rules); err != nil {
		return rules, err
	}
	return rules, nil
}

// GradeBookFilter defines filters supported by grade book listings.
type GradeBookFilter struct {
	ClassID  string
	TermID   string
	Search   string
	Page     int
	PageSize int
}

// StudentGrade is a student's rollup within a grade book.
type StudentGrade struct {
	ID             string              `db:"id" json:"id"`
	GradeBookID    string              `db:"grade_book_id" json:"grade_book_id"`
	StudentID      string              `db:"student_id" json:"student_id"`
	FinalGrade     *float64            `db:"final_grade" json:"final_grade,omitempty"`
	LetterGrade    *string             `db:"letter_grade" json:"letter_grade,omitempty"`
	ActivityGrades types.JSONText      `db:"activity_grades" json:"activity_grades" swaggertype:"array,object"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
	StudentName    string              `db:"student_name" json:"student_name,omitempty"`
	TopicGrades    []StudentTopicGrade `db:"-" json:"topic_grades,omitempty"`
}

// StudentGradeFilter scopes student rollup listings.
type StudentGradeFilter struct {
	GradeBookID string
	Search      string
	Page        int
	PageSize    int
}

// StudentTopicGrade holds a student's blended score for one topic.
type StudentTopicGrade struct {
	ID              string    `db:"id" json:"id"`
	StudentGradeID  string    `db:"student_grade_id" json:"student_grade_id"`
	TopicID         string    `db:"topic_id" json:"topic_id"`
	AssessmentScore float64   `db:"assessment_score" json:"assessment_score"`
	ActivityScore   float64   `db:"activity_score" json:"activity_score"`
	Score           float64   `db:"score" json:"score"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// GradeBookExportRow is a flattened student rollup used by exports.
type GradeBookExportRow struct {
	StudentID   string   `db:"student_id"`
	StudentName string   `db:"student_name"`
	TopicTitle  *string  `db:"topic_title"`
	TopicScore  *float64 `db:"topic_score"`
	FinalGrade  *float64 `db:"final_grade"`
	LetterGrade *string  `db:"letter_grade"`
}
