package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/repository"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

type activityGradeStore interface {
	Create(ctx context.Context, grade *models.ActivityGrade) error
	FindByPair(ctx context.Context, activityID, studentID string) (*models.ActivityGrade, error)
	List(ctx context.Context, filter models.ActivityGradeFilter) ([]models.ActivityGrade, int, error)
	Update(ctx context.Context, grade *models.ActivityGrade) error
}

type activityReader interface {
	FindByID(ctx context.Context, id string) (*models.Activity, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type gradeRecomputer interface {
	Recompute(ctx context.Context, studentID, classID string) models.AggregateOutcome
}

// CreateActivityGradeRequest is the payload for grading a single student on an activity.
type CreateActivityGradeRequest struct {
	ActivityID  string                     `json:"activity_id" validate:"required"`
	StudentID   string                     `json:"student_id" validate:"required"`
	Score       *float64                   `json:"score"`
	Feedback    *string                    `json:"feedback"`
	Content     *string                    `json:"content"`
	Attachments json.RawMessage            `json:"attachments" swaggertype:"object"`
	Status      models.ActivityGradeStatus `json:"status"`
	GradedByID  *string                    `json:"graded_by_id"`
}

// UpdateActivityGradeRequest carries the fields to change. Nil fields are left untouched.
type UpdateActivityGradeRequest struct {
	Score       *float64                    `json:"score"`
	Feedback    *string                     `json:"feedback"`
	Content     *string                     `json:"content"`
	Attachments json.RawMessage             `json:"attachments" swaggertype:"object"`
	Status      *models.ActivityGradeStatus `json:"status"`
	GradedByID  *string                     `json:"graded_by_id"`
}

// BatchGradeEntry is a single student's score inside a batch.
type BatchGradeEntry struct {
	StudentID string   `json:"student_id" validate:"required"`
	Score     *float64 `json:"score" validate:"required"`
	Feedback  *string  `json:"feedback"`
}

// BatchGradeRequest grades many students on one activity.
type BatchGradeRequest struct {
	Grades     []BatchGradeEntry `json:"grades" validate:"required,min=1,dive"`
	GradedByID string            `json:"-"`
}

// ActivityGradeResult pairs a written grade with the state of the student's rollup.
type ActivityGradeResult struct {
	Grade   *models.ActivityGrade   `json:"grade"`
	Outcome models.AggregateOutcome `json:"aggregate"`
}

// BatchGradeResult summarises a batch grading run.
type BatchGradeResult struct {
	Created  int                       `json:"created"`
	Updated  int                       `json:"updated"`
	Grades   []models.ActivityGrade    `json:"grades"`
	Outcomes []models.AggregateOutcome `json:"aggregates"`
}

// ActivityGradeService manages activity grade records and triggers rollup recomputation.
type ActivityGradeService struct {
	grades     activityGradeStore
	activities activityReader
	students   studentReader
	aggregator gradeRecomputer
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewActivityGradeService constructs ActivityGradeService.
func NewActivityGradeService(grades activityGradeStore, activities activityReader, students studentReader, aggregator gradeRecomputer, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ActivityGradeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityGradeService{
		grades:     grades,
		activities: activities,
		students:   students,
		aggregator: aggregator,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a grade for an (activity, student) pair.
func (s *ActivityGradeService) Create(ctx context.Context, req CreateActivityGradeRequest) (*ActivityGradeResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid activity grade payload")
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %s", req.Status))
	}
	activity, err := s.loadActivity(ctx, req.ActivityID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}
	if req.Score != nil {
		if err := checkScore(activity, *req.Score, ""); err != nil {
			return nil, err
		}
	}
	attachments, err := toAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	now := s.now()
	grade := &models.ActivityGrade{
		ActivityID:  req.ActivityID,
		StudentID:   req.StudentID,
		Score:       req.Score,
		Status:      req.Status,
		Feedback:    req.Feedback,
		Content:     req.Content,
		Attachments: attachments,
		GradedByID:  req.GradedByID,
		SubmittedAt: now,
	}
	if grade.Status == "" {
		grade.Status = models.ActivityGradeSubmitted
		if req.Score != nil {
			grade.Status = models.ActivityGradeGraded
		}
	}
	if req.Score != nil {
		grade.GradedAt = &now
	}

	if err := s.grades.Create(ctx, grade); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "grade already exists for this student and activity")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create activity grade")
	}
	s.metrics.RecordGradeWrite("create", 1)

	outcome := s.aggregator.Recompute(ctx, grade.StudentID, activity.ClassID)
	return &ActivityGradeResult{Grade: grade, Outcome: outcome}, nil
}

// Get returns the grade for an (activity, student) pair.
func (s *ActivityGradeService) Get(ctx context.Context, activityID, studentID string) (*models.ActivityGrade, error) {
	grade, err := s.grades.FindByPair(ctx, activityID, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "activity grade not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity grade")
	}
	return grade, nil
}

// List returns a page of grades with pagination metadata.
func (s *ActivityGradeService) List(ctx context.Context, filter models.ActivityGradeFilter) ([]models.ActivityGrade, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %s", filter.Status))
	}
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize)
	grades, total, err := s.grades.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activity grades")
	}
	if grades == nil {
		grades = []models.ActivityGrade{}
	}
	return grades, models.NewPagination(filter.Page, filter.PageSize, total), nil
}

// Update applies a partial change. Requests that change nothing skip the write and the recomputation.
func (s *ActivityGradeService) Update(ctx context.Context, activityID, studentID string, req UpdateActivityGradeRequest) (*ActivityGradeResult, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %s", *req.Status))
	}
	grade, err := s.Get(ctx, activityID, studentID)
	if err != nil {
		return nil, err
	}
	activity, err := s.loadActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	attachments, err := toAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	changed := false
	now := s.now()
	if req.Score != nil {
		if err := checkScore(activity, *req.Score, ""); err != nil {
			return nil, err
		}
		if grade.Score == nil || *grade.Score != *req.Score || grade.GradedAt == nil {
			score := *req.Score
			grade.Score = &score
			grade.GradedAt = &now
			if req.Status == nil && grade.Status != models.ActivityGradeGraded {
				grade.Status = models.ActivityGradeGraded
			}
			changed = true
		}
	}
	if req.Status != nil && *req.Status != grade.Status {
		grade.Status = *req.Status
		changed = true
	}
	if req.Feedback != nil && !equalStrings(grade.Feedback, req.Feedback) {
		grade.Feedback = req.Feedback
		changed = true
	}
	if req.Content != nil && !equalStrings(grade.Content, req.Content) {
		grade.Content = req.Content
		changed = true
	}
	if req.GradedByID != nil && !equalStrings(grade.GradedByID, req.GradedByID) {
		grade.GradedByID = req.GradedByID
		changed = true
	}
	if attachments.Valid && !bytes.Equal(grade.Attachments.JSONText, attachments.JSONText) {
		grade.Attachments = attachments
		changed = true
	}

	if !changed {
		return &ActivityGradeResult{Grade: grade, Outcome: skipped(studentID, activity.ClassID, "", "no changes")}, nil
	}
	if err := s.grades.Update(ctx, grade); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "activity grade not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update activity grade")
	}
	s.metrics.RecordGradeWrite("update", 1)

	outcome := s.aggregator.Recompute(ctx, studentID, activity.ClassID)
	return &ActivityGradeResult{Grade: grade, Outcome: outcome}, nil
}

// BatchGrade validates every entry before writing, then upserts each grade sequentially.
// Entries are not wrapped in a transaction; recomputation runs once per student afterwards.
func (s *ActivityGradeService) BatchGrade(ctx context.Context, activityID string, req BatchGradeRequest) (*BatchGradeResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload")
	}
	activity, err := s.loadActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if !activity.IsGradable {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, "activity is not gradable")
	}
	seen := make(map[string]struct{}, len(req.Grades))
	for _, entry := range req.Grades {
		if _, dup := seen[entry.StudentID]; dup {
			return nil, appErrors.Clone(appErrors.ErrBadRequest, fmt.Sprintf("student %s appears more than once", entry.StudentID))
		}
		seen[entry.StudentID] = struct{}{}
		if err := checkScore(activity, *entry.Score, entry.StudentID); err != nil {
			return nil, err
		}
		if err := s.ensureStudent(ctx, entry.StudentID); err != nil {
			return nil, err
		}
	}

	var gradedBy *string
	if req.GradedByID != "" {
		gradedBy = &req.GradedByID
	}
	result := &BatchGradeResult{Grades: make([]models.ActivityGrade, 0, len(req.Grades))}
	for _, entry := range req.Grades {
		grade, created, err := s.upsertGraded(ctx, activityID, entry, gradedBy)
		if err != nil {
			s.logger.Error("batch grade write failed",
				zap.String("activity_id", activityID),
				zap.String("student_id", entry.StudentID),
				zap.Int("written", len(result.Grades)),
				zap.Error(err),
			)
			return nil, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
		result.Grades = append(result.Grades, *grade)
	}
	s.metrics.RecordGradeWrite("batch", len(result.Grades))

	result.Outcomes = make([]models.AggregateOutcome, 0, len(result.Grades))
	for _, grade := range result.Grades {
		result.Outcomes = append(result.Outcomes, s.aggregator.Recompute(ctx, grade.StudentID, activity.ClassID))
	}
	return result, nil
}

func (s *ActivityGradeService) upsertGraded(ctx context.Context, activityID string, entry BatchGradeEntry, gradedBy *string) (*models.ActivityGrade, bool, error) {
	now := s.now()
	score := *entry.Score
	existing, err := s.grades.FindByPair(ctx, activityID, entry.StudentID)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity grade")
	}
	if existing == nil {
		grade := &models.ActivityGrade{
			ActivityID:  activityID,
			StudentID:   entry.StudentID,
			Score:       &score,
			Status:      models.ActivityGradeGraded,
			Feedback:    entry.Feedback,
			GradedByID:  gradedBy,
			SubmittedAt: now,
			GradedAt:    &now,
		}
		err := s.grades.Create(ctx, grade)
		if err == nil {
			return grade, true, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create activity grade")
		}
		// lost the insert race; update the row that won
		existing, err = s.grades.FindByPair(ctx, activityID, entry.StudentID)
		if err != nil {
			return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity grade")
		}
	}

	existing.Score = &score
	existing.Status = models.ActivityGradeGraded
	existing.GradedAt = &now
	if entry.Feedback != nil {
		existing.Feedback = entry.Feedback
	}
	if gradedBy != nil {
		existing.GradedByID = gradedBy
	}
	if err := s.grades.Update(ctx, existing); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update activity grade")
	}
	return existing, false, nil
}

func (s *ActivityGradeService) loadActivity(ctx context.Context, id string) (*models.Activity, error) {
	activity, err := s.activities.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "activity not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	return activity, nil
}

func (s *ActivityGradeService) ensureStudent(ctx context.Context, id string) error {
	if _, err := s.students.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %s not found", id))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return nil
}

func checkScore(activity *models.Activity, score float64, studentID string) error {
	if !activity.IsGradable {
		return appErrors.Clone(appErrors.ErrBadRequest, "activity is not gradable")
	}
	ceiling := activity.ScoreCeiling()
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > ceiling {
		msg := fmt.Sprintf("score must be between 0 and %g", ceiling)
		if studentID != "" {
			msg = fmt.Sprintf("score for student %s must be between 0 and %g", studentID, ceiling)
		}
		return appErrors.Clone(appErrors.ErrBadRequest, msg)
	}
	return nil
}

func toAttachments(raw json.RawMessage) (types.NullJSONText, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return types.NullJSONText{}, nil
	}
	if !json.Valid(raw) {
		return types.NullJSONText{}, appErrors.Clone(appErrors.ErrValidation, "attachments must be valid JSON")
	}
	return types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}, nil
}

func equalStrings(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
