package models

// AggregateStatus reports what happened to a student's grade book rollup after a grade write.
type AggregateStatus string

const (
	AggregateUpdated AggregateStatus = "UPDATED"
	AggregateSkipped AggregateStatus = "SKIPPED"
	AggregateStale   AggregateStatus = "STALE"
)

// AggregateOutcome is returned next to every grade write so callers can tell whether the rollup is current.
type AggregateOutcome struct {
	StudentID     string          `json:"student_id"`
	ClassID       string          `json:"class_id,omitempty"`
	GradeBookID   string          `json:"grade_book_id,omitempty"`
	Status        AggregateStatus `json:"status"`
	TopicsUpdated int             `json:"topics_updated"`
	Reason        string          `json:"reason,omitempty"`
}

// Stale reports whether the rollup could not be refreshed and awaits reconciliation.
func (o AggregateOutcome) Stale() bool {
	return o.Status == AggregateStale
}
