package models

import "time"

// DefaultMaxScore applies to gradable activities that declare no positive maximum.
const DefaultMaxScore = 100.0

// Activity is a unit of classwork that may be graded and rolled up into a topic.
type Activity struct {
	ID         string    `db:"id" json:"id"`
	ClassID    string    `db:"class_id" json:"class_id"`
	TopicID    *string   `db:"topic_id" json:"topic_id,omitempty"`
	Title      string    `db:"title" json:"title"`
	IsGradable bool      `db:"is_gradable" json:"is_gradable"`
	MaxScore   *float64  `db:"max_score" json:"max_score,omitempty"`
	Weightage  *float64  `db:"weightage" json:"weightage,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ScoreCeiling returns the upper bound for scores on this activity.
func (a Activity) ScoreCeiling() float64 {
	return scoreCeiling(a.MaxScore)
}

// Topic groups activities and assessments of a class for rollup scoring.
type Topic struct {
	ID        string    `db:"id" json:"id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func scoreCeiling(max *float64) float64 {
	if max == nil || *max <= 0 {
		return DefaultMaxScore
	}
	return *max
}

func activityWeight(weightage *float64) float64 {
	if weightage == nil {
		return 1
	}
	return *weightage
}
