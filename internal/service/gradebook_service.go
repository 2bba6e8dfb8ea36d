package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/repository"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

const gradeBookCachePrefix = "gradebooks:"

type gradeBookStore interface {
	Create(ctx context.Context, book *models.GradeBook) error
	FindByID(ctx context.Context, id string) (*models.GradeBook, error)
	List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, int, error)
	Update(ctx context.Context, book *models.GradeBook) error
	Delete(ctx context.Context, id string) error
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type termReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

type studentGradeStore interface {
	Create(ctx context.Context, grade *models.StudentGrade) error
	FindByID(ctx context.Context, id string) (*models.StudentGrade, error)
	List(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, int, error)
	Update(ctx context.Context, grade *models.StudentGrade) error
}

type topicGradeReader interface {
	ListByStudentGrade(ctx context.Context, studentGradeID string) ([]models.StudentTopicGrade, error)
}

type bookRecomputer interface {
	RecomputeGradeBook(ctx context.Context, gradeBookID string) ([]models.AggregateOutcome, error)
}

// CreateGradeBookRequest opens a grade book for a class and term.
type CreateGradeBookRequest struct {
	ClassID          string                   `json:"class_id" validate:"required"`
	TermID           string                   `json:"term_id" validate:"required"`
	CalculationRules *models.CalculationRules `json:"calculation_rules"`
	CreatedByID      string                   `json:"-"`
}

// UpdateGradeBookRequest changes the calculation rules of a grade book.
type UpdateGradeBookRequest struct {
	CalculationRules *models.CalculationRules `json:"calculation_rules" validate:"required"`
}

// CreateStudentGradeRequest enrols a student into a grade book.
type CreateStudentGradeRequest struct {
	StudentID string `json:"student_id" validate:"required"`
}

// UpdateStudentGradeRequest overrides the final or letter grade of a rollup.
type UpdateStudentGradeRequest struct {
	FinalGrade  *float64 `json:"final_grade" validate:"omitempty,min=0,max=100"`
	LetterGrade *string  `json:"letter_grade" validate:"omitempty,max=4"`
}

// GradeBookList is the cached shape of a grade book page.
type GradeBookList struct {
	Items      []models.GradeBook `json:"items"`
	Pagination *models.Pagination `json:"pagination"`
}

// StudentGradeList is the cached shape of a student grade page.
type StudentGradeList struct {
	Items      []models.StudentGrade `json:"items"`
	Pagination *models.Pagination    `json:"pagination"`
}

// GradeBookService manages grade books and their student rollups.
type GradeBookService struct {
	books       gradeBookStore
	classes     classReader
	terms       termReader
	students    studentReader
	rollups     studentGradeStore
	topicGrades topicGradeReader
	recomputer  bookRecomputer
	cache       *CacheService
	policy      GradingPolicy
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewGradeBookService constructs GradeBookService. The recomputer reblends stored rollups when a
// rules change moves the weights.
func NewGradeBookService(books gradeBookStore, classes classReader, terms termReader, students studentReader, rollups studentGradeStore, topicGrades topicGradeReader, recomputer bookRecomputer, cache *CacheService, policy GradingPolicy, validate *validator.Validate, logger *zap.Logger) *GradeBookService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.bands == nil {
		policy = DefaultGradingPolicy()
	}
	return &GradeBookService{
		books:       books,
		classes:     classes,
		terms:       terms,
		students:    students,
		rollups:     rollups,
		topicGrades: topicGrades,
		recomputer:  recomputer,
		cache:       cache,
		policy:      policy,
		validator:   validate,
		logger:      logger,
	}
}

// Create opens a grade book. Duplicates per class and term are rejected by the store.
func (s *GradeBookService) Create(ctx context.Context, req CreateGradeBookRequest) (*models.GradeBook, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade book payload")
	}
	if _, err := s.classes.FindByID(ctx, req.ClassID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	if _, err := s.terms.FindByID(ctx, req.TermID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	rules, err := encodeRules(req.CalculationRules)
	if err != nil {
		return nil, err
	}

	book := &models.GradeBook{ClassID: req.ClassID, TermID: req.TermID, CalculationRules: rules, CreatedByID: req.CreatedByID}
	if err := s.books.Create(ctx, book); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "grade book already exists for class and term")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create grade book")
	}
	s.invalidateLists(ctx)
	return s.Get(ctx, book.ID)
}

// Get returns a grade book. Books whose class is missing or inactive are reported as not found.
// Only the book is cached; the class status is checked on every call.
func (s *GradeBookService) Get(ctx context.Context, id string) (*models.GradeBook, error) {
	book, err := readThrough(ctx, s.cache, gradeBookCacheKey(id), func() (*models.GradeBook, error) {
		book, err := s.books.FindByID(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade book")
		}
		return book, nil
	})
	if err != nil {
		return nil, err
	}
	class, err := s.classes.FindByID(ctx, book.ClassID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	if class.Status == models.ClassStatusInactive {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
	}
	return book, nil
}

// List returns grade books, newest first.
func (s *GradeBookService) List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, *models.Pagination, error) {
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize)
	key := fmt.Sprintf("%slist:%s:%s:%s:%d:%d", gradeBookCachePrefix, filter.ClassID, filter.TermID, strings.ToLower(filter.Search), filter.Page, filter.PageSize)
	page, err := readThrough(ctx, s.cache, key, func() (GradeBookList, error) {
		books, total, err := s.books.List(ctx, filter)
		if err != nil {
			return GradeBookList{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grade books")
		}
		if books == nil {
			books = []models.GradeBook{}
		}
		return GradeBookList{Items: books, Pagination: models.NewPagination(filter.Page, filter.PageSize, total)}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return page.Items, page.Pagination, nil
}

// Update replaces the calculation rules of a grade book. When the effective weights change every
// rollup is reblended and the outcomes are returned; otherwise outcomes are nil.
func (s *GradeBookService) Update(ctx context.Context, id string, req UpdateGradeBookRequest) (*models.GradeBook, []models.AggregateOutcome, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade book payload")
	}
	book, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rules, err := encodeRules(req.CalculationRules)
	if err != nil {
		return nil, nil, err
	}
	before := s.policy.ForBook(book)
	book.CalculationRules = rules
	if err := s.books.Update(ctx, book); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update grade book")
	}
	s.invalidateBook(ctx, id)

	after := s.policy.ForBook(book)
	if s.recomputer == nil || (before.AssessmentWeight == after.AssessmentWeight && before.ActivityWeight == after.ActivityWeight) {
		return book, nil, nil
	}
	outcomes, err := s.recomputer.RecomputeGradeBook(ctx, id)
	if err != nil {
		s.logger.Error("failed to reblend grade book after rules change", zap.String("grade_book_id", id), zap.Error(err))
		outcomes = []models.AggregateOutcome{{
			ClassID:     book.ClassID,
			GradeBookID: id,
			Status:      models.AggregateStale,
			Reason:      "recomputation failed; run the grade book recompute",
		}}
	}
	return book, outcomes, nil
}

// Delete removes a grade book together with its student rollups.
func (s *GradeBookService) Delete(ctx context.Context, id string) error {
	if err := s.books.Delete(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "grade book not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete grade book")
	}
	s.invalidateBook(ctx, id)
	return nil
}

// CreateStudentGrade adds a student rollup to a grade book.
func (s *GradeBookService) CreateStudentGrade(ctx context.Context, gradeBookID string, req CreateStudentGradeRequest) (*models.StudentGrade, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student grade payload")
	}
	if _, err := s.Get(ctx, gradeBookID); err != nil {
		return nil, err
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	grade := &models.StudentGrade{GradeBookID: gradeBookID, StudentID: req.StudentID}
	if err := s.rollups.Create(ctx, grade); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already has a grade in this grade book")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student grade")
	}
	s.invalidateStudentGrades(ctx, gradeBookID, "")
	return grade, nil
}

// GetStudentGrade returns a rollup including its topic grades.
func (s *GradeBookService) GetStudentGrade(ctx context.Context, id string) (*models.StudentGrade, error) {
	return readThrough(ctx, s.cache, studentGradeCacheKey(id), func() (*models.StudentGrade, error) {
		grade, err := s.rollups.FindByID(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student grade not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student grade")
		}
		topics, err := s.topicGrades.ListByStudentGrade(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load topic grades")
		}
		grade.TopicGrades = topics
		return grade, nil
	})
}

// ListStudentGrades returns the rollups of a grade book ordered by student name.
func (s *GradeBookService) ListStudentGrades(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, *models.Pagination, error) {
	if _, err := s.Get(ctx, filter.GradeBookID); err != nil {
		return nil, nil, err
	}
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize)
	key := fmt.Sprintf("%s%s:students:%s:%d:%d", gradeBookCachePrefix, filter.GradeBookID, strings.ToLower(filter.Search), filter.Page, filter.PageSize)
	page, err := readThrough(ctx, s.cache, key, func() (StudentGradeList, error) {
		grades, total, err := s.rollups.List(ctx, filter)
		if err != nil {
			return StudentGradeList{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student grades")
		}
		if grades == nil {
			grades = []models.StudentGrade{}
		}
		return StudentGradeList{Items: grades, Pagination: models.NewPagination(filter.Page, filter.PageSize, total)}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return page.Items, page.Pagination, nil
}

// UpdateStudentGrade overrides the final grade. A final grade without a letter gets one from the policy.
func (s *GradeBookService) UpdateStudentGrade(ctx context.Context, id string, req UpdateStudentGradeRequest) (*models.StudentGrade, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student grade payload")
	}
	grade, err := s.rollups.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student grade not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student grade")
	}
	if req.FinalGrade != nil {
		final := *req.FinalGrade
		grade.FinalGrade = &final
		if req.LetterGrade == nil {
			book, err := s.books.FindByID(ctx, grade.GradeBookID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade book")
			}
			letter := s.policy.ForBook(book).Letter(final)
			grade.LetterGrade = &letter
		}
	}
	if req.LetterGrade != nil {
		letter := strings.ToUpper(strings.TrimSpace(*req.LetterGrade))
		grade.LetterGrade = &letter
	}
	if err := s.rollups.Update(ctx, grade); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student grade not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student grade")
	}
	s.invalidateStudentGrades(ctx, grade.GradeBookID, grade.ID)
	return grade, nil
}

func (s *GradeBookService) invalidateLists(ctx context.Context) {
	_ = s.cache.Invalidate(ctx, gradeBookCachePrefix+"list:*")
}

func (s *GradeBookService) invalidateBook(ctx context.Context, id string) {
	_ = s.cache.Invalidate(ctx, gradeBookCacheKey(id), studentGradesCachePattern(id), gradeBookCachePrefix+"list:*")
}

func (s *GradeBookService) invalidateStudentGrades(ctx context.Context, gradeBookID, studentGradeID string) {
	patterns := []string{studentGradesCachePattern(gradeBookID)}
	if studentGradeID != "" {
		patterns = append(patterns, studentGradeCacheKey(studentGradeID))
	}
	_ = s.cache.Invalidate(ctx, patterns...)
}

func encodeRules(rules *models.CalculationRules) ([]byte, error) {
	if rules == nil {
		return []byte("{}"), nil
	}
	if err := ValidateRules(*rules); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode calculation rules")
	}
	return payload, nil
}

func gradeBookCacheKey(id string) string {
	return gradeBookCachePrefix + id
}

func studentGradesCachePattern(gradeBookID string) string {
	return gradeBookCachePrefix + gradeBookID + ":students:*"
}

func studentGradeCacheKey(id string) string {
	return "student-grades:" + id
}
