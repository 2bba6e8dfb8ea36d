package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ActivityGradeStatus tracks the lifecycle of a student's work on an activity.
type ActivityGradeStatus string

const (
	ActivityGradeDraft       ActivityGradeStatus = "DRAFT"
	ActivityGradeSubmitted   ActivityGradeStatus = "SUBMITTED"
	ActivityGradeUnderReview ActivityGradeStatus = "UNDER_REVIEW"
	ActivityGradeGraded      ActivityGradeStatus = "GRADED"
	ActivityGradeReturned    ActivityGradeStatus = "RETURNED"
	ActivityGradeResubmitted ActivityGradeStatus = "RESUBMITTED"
	ActivityGradeLate        ActivityGradeStatus = "LATE"
	ActivityGradeRejected    ActivityGradeStatus = "REJECTED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s ActivityGradeStatus) Valid() bool {
	switch s {
	case ActivityGradeDraft, ActivityGradeSubmitted, ActivityGradeUnderReview, ActivityGradeGraded,
		ActivityGradeReturned, ActivityGradeResubmitted, ActivityGradeLate, ActivityGradeRejected:
		return true
	}
	return false
}

// ActivityGrade is the single grade record of a student for an activity.
type ActivityGrade struct {
	ID          string              `db:"id" json:"id"`
	ActivityID  string              `db:"activity_id" json:"activity_id"`
	StudentID   string              `db:"student_id" json:"student_id"`
	Score       *float64            `db:"score" json:"score,omitempty"`
	Status      ActivityGradeStatus `db:"status" json:"status"`
	Feedback    *string             `db:"feedback" json:"feedback,omitempty"`
	Content     *string             `db:"content" json:"content,omitempty"`
	Attachments types.NullJSONText  `db:"attachments" json:"attachments" swaggertype:"object"`
	GradedByID  *string             `db:"graded_by_id" json:"graded_by_id,omitempty"`
	SubmittedAt time.Time           `db:"submitted_at" json:"submitted_at"`
	GradedAt    *time.Time          `db:"graded_at" json:"graded_at,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updated_at"`
}

// Snapshot returns the denormalised view stored on a student's grade book entry.
func (g ActivityGrade) Snapshot() ActivityGradeSnapshot {
	return ActivityGradeSnapshot{
		ID:          g.ID,
		ActivityID:  g.ActivityID,
		Score:       g.Score,
		Status:      g.Status,
		SubmittedAt: g.SubmittedAt,
		GradedAt:    g.GradedAt,
	}
}

// ActivityGradeSnapshot is the per-grade summary kept on StudentGrade.ActivityGrades.
type ActivityGradeSnapshot struct {
	ID          string              `json:"id"`
	ActivityID  string              `json:"activity_id"`
	Score       *float64            `json:"score"`
	Status      ActivityGradeStatus `json:"status"`
	SubmittedAt time.Time           `json:"submitted_at"`
	GradedAt    *time.Time          `json:"graded_at"`
}

// ScoredActivityGrade joins a grade with the activity attributes needed for topic rollups.
type ScoredActivityGrade struct {
	ActivityGrade
	TopicID   *string  `db:"topic_id"`
	MaxScore  *float64 `db:"max_score"`
	Weightage *float64 `db:"weightage"`
}

// NormalizedScore expresses the score as a percentage of the activity maximum.
func (g ScoredActivityGrade) NormalizedScore() float64 {
	if g.Score == nil {
		return 0
	}
	return *g.Score / scoreCeiling(g.MaxScore) * 100
}

// Weight returns the activity weightage, defaulting to 1.
func (g ScoredActivityGrade) Weight() float64 {
	return activityWeight(g.Weightage)
}

// ActivityGradeFilter scopes grade listings.
type ActivityGradeFilter struct {
	ActivityID string
	StudentID  string
	Status     ActivityGradeStatus
	Search     string
	Page       int
	PageSize   int
}
