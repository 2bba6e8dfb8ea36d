package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

type scoredGradeReader interface {
	ListScoredForStudent(ctx context.Context, studentID, classID string) ([]models.ScoredActivityGrade, error)
}

type activeTermFinder interface {
	FindActive(ctx context.Context) (*models.Term, error)
}

type gradeBookFinder interface {
	FindByID(ctx context.Context, id string) (*models.GradeBook, error)
	FindByClassAndTerm(ctx context.Context, classID, termID string) (*models.GradeBook, error)
}

type studentGradeRollupStore interface {
	FindByID(ctx context.Context, id string) (*models.StudentGrade, error)
	FindByBookAndStudent(ctx context.Context, gradeBookID, studentID string) (*models.StudentGrade, error)
	ListStudentIDs(ctx context.Context, gradeBookID string) ([]string, error)
	Update(ctx context.Context, grade *models.StudentGrade) error
}

// topicGradeStore writes one contribution per call and reblends the topic score from the stored
// counterpart, returning the rollup's topic grades after the write.
type topicGradeStore interface {
	UpsertActivityScores(ctx context.Context, studentGradeID string, activityScores map[string]float64, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error)
	UpsertAssessmentScore(ctx context.Context, studentGradeID, topicID string, score, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error)
}

type topicFinder interface {
	FindTopicByID(ctx context.Context, id string) (*models.Topic, error)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, patterns ...string) error
}

type recomputeScheduler interface {
	Schedule(studentID, classID string) error
}

// ErrorReporter forwards swallowed failures to an external tracker.
type ErrorReporter func(err error, tags map[string]string)

// AggregatorConfig carries the grading policy and term selection.
type AggregatorConfig struct {
	Policy       GradingPolicy
	ActiveTermID string
}

// GradeAggregator rolls activity grades into topic grades and student grade book entries.
type GradeAggregator struct {
	grades      scoredGradeReader
	terms       activeTermFinder
	books       gradeBookFinder
	rollups     studentGradeRollupStore
	topicGrades topicGradeStore
	topics      topicFinder
	cache       cacheInvalidator
	metrics     *MetricsService
	report      ErrorReporter
	scheduler   recomputeScheduler
	cfg         AggregatorConfig
	logger      *zap.Logger
}

// NewGradeAggregator constructs a GradeAggregator.
func NewGradeAggregator(grades scoredGradeReader, terms activeTermFinder, books gradeBookFinder, rollups studentGradeRollupStore, topicGrades topicGradeStore, topics topicFinder, cache cacheInvalidator, metrics *MetricsService, report ErrorReporter, cfg AggregatorConfig, logger *zap.Logger) *GradeAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if report == nil {
		report = func(error, map[string]string) {}
	}
	if cfg.Policy.bands == nil {
		cfg.Policy = DefaultGradingPolicy()
	}
	return &GradeAggregator{
		grades:      grades,
		terms:       terms,
		books:       books,
		rollups:     rollups,
		topicGrades: topicGrades,
		topics:      topics,
		cache:       cache,
		metrics:     metrics,
		report:      report,
		cfg:         cfg,
		logger:      logger,
	}
}

// UseScheduler attaches the retry queue that receives stale recomputations.
func (a *GradeAggregator) UseScheduler(scheduler recomputeScheduler) {
	a.scheduler = scheduler
}

// Recompute refreshes the student's rollup in the current term's grade book for the class.
// Failures never propagate; they yield a STALE outcome and are queued for reconciliation.
func (a *GradeAggregator) Recompute(ctx context.Context, studentID, classID string) models.AggregateOutcome {
	start := time.Now()
	outcome, err := a.recompute(ctx, studentID, classID)
	if err != nil {
		outcome = a.stale(studentID, classID, err)
	}
	a.metrics.RecordAggregateOutcome(outcome.Status, time.Since(start))
	return outcome
}

// Reconcile reruns a recomputation and returns its error so retry queues can back off.
func (a *GradeAggregator) Reconcile(ctx context.Context, studentID, classID string) error {
	start := time.Now()
	outcome, err := a.recompute(ctx, studentID, classID)
	if err != nil {
		a.metrics.RecordAggregateOutcome(models.AggregateStale, time.Since(start))
		return err
	}
	a.metrics.RecordAggregateOutcome(outcome.Status, time.Since(start))
	a.logger.Info("grade book reconciled",
		zap.String("student_id", studentID),
		zap.String("class_id", classID),
		zap.String("status", string(outcome.Status)),
	)
	return nil
}

// RecomputeGradeBook refreshes every student rollup of a grade book.
func (a *GradeAggregator) RecomputeGradeBook(ctx context.Context, gradeBookID string) ([]models.AggregateOutcome, error) {
	book, err := a.books.FindByID(ctx, gradeBookID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade book")
	}
	studentIDs, err := a.rollups.ListStudentIDs(ctx, gradeBookID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grade book students")
	}

	outcomes := make([]models.AggregateOutcome, 0, len(studentIDs))
	for _, studentID := range studentIDs {
		start := time.Now()
		outcome, err := a.recomputeInBook(ctx, studentID, book)
		if err != nil {
			outcome = a.stale(studentID, book.ClassID, err)
		}
		a.metrics.RecordAggregateOutcome(outcome.Status, time.Since(start))
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// SetAssessmentScore records the assessment contribution of a topic and reblends the rollup.
func (a *GradeAggregator) SetAssessmentScore(ctx context.Context, studentGradeID, topicID string, score float64) (*models.StudentGrade, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > models.DefaultMaxScore {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, fmt.Sprintf("assessment score must be between 0 and %.0f", models.DefaultMaxScore))
	}
	rollup, err := a.rollups.FindByID(ctx, studentGradeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student grade not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student grade")
	}
	book, err := a.books.FindByID(ctx, rollup.GradeBookID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade book")
	}
	topic, err := a.topics.FindTopicByID(ctx, topicID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "topic not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load topic")
	}
	if topic.ClassID != book.ClassID {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, "topic does not belong to the grade book class")
	}

	policy := a.cfg.Policy.ForBook(book)
	topicGrades, err := a.topicGrades.UpsertAssessmentScore(ctx, rollup.ID, topicID, score, policy.AssessmentWeight, policy.ActivityWeight)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save topic grade")
	}
	applyFinalGrade(rollup, topicGrades, policy)
	if err := a.rollups.Update(ctx, rollup); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student grade")
	}
	a.invalidate(ctx, book.ID, rollup.ID)
	rollup.TopicGrades = topicGrades
	return rollup, nil
}

func (a *GradeAggregator) recompute(ctx context.Context, studentID, classID string) (models.AggregateOutcome, error) {
	termID, err := a.currentTermID(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return skipped(studentID, classID, "", "no active term"), nil
		}
		return models.AggregateOutcome{}, fmt.Errorf("resolve active term: %w", err)
	}
	book, err := a.books.FindByClassAndTerm(ctx, classID, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return skipped(studentID, classID, "", "no grade book for class and term"), nil
		}
		return models.AggregateOutcome{}, fmt.Errorf("find grade book: %w", err)
	}
	return a.recomputeInBook(ctx, studentID, book)
}

func (a *GradeAggregator) recomputeInBook(ctx context.Context, studentID string, book *models.GradeBook) (models.AggregateOutcome, error) {
	rollup, err := a.rollups.FindByBookAndStudent(ctx, book.ID, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return skipped(studentID, book.ClassID, book.ID, "student has no grade book entry"), nil
		}
		return models.AggregateOutcome{}, fmt.Errorf("find student grade: %w", err)
	}
	grades, err := a.grades.ListScoredForStudent(ctx, studentID, book.ClassID)
	if err != nil {
		return models.AggregateOutcome{}, err
	}
	policy := a.cfg.Policy.ForBook(book)
	activityScores := ActivityScoresByTopic(grades)
	topicGrades, err := a.topicGrades.UpsertActivityScores(ctx, rollup.ID, activityScores, policy.AssessmentWeight, policy.ActivityWeight)
	if err != nil {
		return models.AggregateOutcome{}, err
	}

	snapshot := make([]models.ActivityGradeSnapshot, 0, len(grades))
	for _, grade := range grades {
		snapshot = append(snapshot, grade.Snapshot())
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return models.AggregateOutcome{}, fmt.Errorf("marshal activity snapshot: %w", err)
	}
	rollup.ActivityGrades = payload
	applyFinalGrade(rollup, topicGrades, policy)
	if err := a.rollups.Update(ctx, rollup); err != nil {
		return models.AggregateOutcome{}, err
	}
	a.invalidate(ctx, book.ID, rollup.ID)

	return models.AggregateOutcome{
		StudentID:     studentID,
		ClassID:       book.ClassID,
		GradeBookID:   book.ID,
		Status:        models.AggregateUpdated,
		TopicsUpdated: len(activityScores),
	}, nil
}

func (a *GradeAggregator) currentTermID(ctx context.Context) (string, error) {
	if a.cfg.ActiveTermID != "" {
		return a.cfg.ActiveTermID, nil
	}
	term, err := a.terms.FindActive(ctx)
	if err != nil {
		return "", err
	}
	return term.ID, nil
}

func (a *GradeAggregator) stale(studentID, classID string, err error) models.AggregateOutcome {
	a.logger.Error("grade book recomputation failed",
		zap.String("student_id", studentID),
		zap.String("class_id", classID),
		zap.Error(err),
	)
	a.report(err, map[string]string{"component": "grade_aggregator", "student_id": studentID, "class_id": classID})

	reason := "recomputation failed"
	if a.scheduler != nil {
		if schedErr := a.scheduler.Schedule(studentID, classID); schedErr != nil {
			a.logger.Warn("failed to schedule reconciliation", zap.String("student_id", studentID), zap.Error(schedErr))
		} else {
			reason = "recomputation failed; reconciliation scheduled"
		}
	}
	return models.AggregateOutcome{StudentID: studentID, ClassID: classID, Status: models.AggregateStale, Reason: reason}
}

func (a *GradeAggregator) invalidate(ctx context.Context, gradeBookID, studentGradeID string) {
	if a.cache == nil {
		return
	}
	_ = a.cache.Invalidate(ctx, studentGradesCachePattern(gradeBookID), studentGradeCacheKey(studentGradeID))
}

// ActivityScoresByTopic averages normalised activity scores per topic weighted by activity weightage.
// Averages stay unrounded; only blended scores are rounded.
// Grades on activities without a topic are ignored.
func ActivityScoresByTopic(grades []models.ScoredActivityGrade) map[string]float64 {
	weighted := make(map[string]float64)
	weights := make(map[string]float64)
	for _, grade := range grades {
		if grade.TopicID == nil || *grade.TopicID == "" {
			continue
		}
		topicID := *grade.TopicID
		weight := grade.Weight()
		weighted[topicID] += grade.NormalizedScore() * weight
		weights[topicID] += weight
	}
	scores := make(map[string]float64, len(weighted))
	for topicID, total := range weighted {
		if weights[topicID] == 0 {
			scores[topicID] = 0
			continue
		}
		scores[topicID] = total / weights[topicID]
	}
	return scores
}

func applyFinalGrade(rollup *models.StudentGrade, topicGrades []models.StudentTopicGrade, policy GradingPolicy) {
	if len(topicGrades) == 0 {
		rollup.FinalGrade = nil
		rollup.LetterGrade = nil
		return
	}
	var sum float64
	for _, tg := range topicGrades {
		sum += tg.Score
	}
	final := round2(sum / float64(len(topicGrades)))
	letter := policy.Letter(final)
	rollup.FinalGrade = &final
	rollup.LetterGrade = &letter
}

func skipped(studentID, classID, gradeBookID, reason string) models.AggregateOutcome {
	return models.AggregateOutcome{
		StudentID:   studentID,
		ClassID:     classID,
		GradeBookID: gradeBookID,
		Status:      models.AggregateSkipped,
		Reason:      reason,
	}
}
