package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
	"github.com/noah-isme/campus-gradebook-api/pkg/response"
)

type gradeBookService interface {
	Create(ctx context.Context, req service.CreateGradeBookRequest) (*models.GradeBook, error)
	Get(ctx context.Context, id string) (*models.GradeBook, error)
	List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, *models.Pagination, error)
	Update(ctx context.Context, id string, req service.UpdateGradeBookRequest) (*models.GradeBook, []models.AggregateOutcome, error)
	Delete(ctx context.Context, id string) error
	CreateStudentGrade(ctx context.Context, gradeBookID string, req service.CreateStudentGradeRequest) (*models.StudentGrade, error)
	GetStudentGrade(ctx context.Context, id string) (*models.StudentGrade, error)
	ListStudentGrades(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, *models.Pagination, error)
	UpdateStudentGrade(ctx context.Context, id string, req service.UpdateStudentGradeRequest) (*models.StudentGrade, error)
}

type gradeBookExporter interface {
	Export(ctx context.Context, gradeBookID, format string) (*service.ExportFile, error)
}

type gradeBookRecomputer interface {
	RecomputeGradeBook(ctx context.Context, gradeBookID string) ([]models.AggregateOutcome, error)
	SetAssessmentScore(ctx context.Context, studentGradeID, topicID string, score float64) (*models.StudentGrade, error)
}

// AssessmentScoreRequest sets the assessment contribution of one topic.
type AssessmentScoreRequest struct {
	Score *float64 `json:"score" binding:"required"`
}

// GradeBookHandler exposes grade book and student rollup endpoints.
type GradeBookHandler struct {
	books      gradeBookService
	exporter   gradeBookExporter
	aggregator gradeBookRecomputer
}

// NewGradeBookHandler constructs GradeBookHandler.
func NewGradeBookHandler(books gradeBookService, exporter gradeBookExporter, aggregator gradeBookRecomputer) *GradeBookHandler {
	return &GradeBookHandler{books: books, exporter: exporter, aggregator: aggregator}
}

// Create godoc
// @Summary Open a grade book for a class and term
// @Tags Grade Books
// @Accept json
// @Produce json
// @Param payload body service.CreateGradeBookRequest true "Grade book payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /grade-books [post]
func (h *GradeBookHandler) Create(c *gin.Context) {
	var req service.CreateGradeBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.CreatedByID = actorID(c)
	book, err := h.books.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, book)
}

// List godoc
// @Summary List grade books
// @Tags Grade Books
// @Produce json
// @Param classId query string false "Filter by class"
// @Param termId query string false "Filter by term"
// @Param search query string false "Search class name"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /grade-books [get]
func (h *GradeBookHandler) List(c *gin.Context) {
	filter := models.GradeBookFilter{
		ClassID: c.Query("classId"),
		TermID:  c.Query("termId"),
		Search:  strings.TrimSpace(c.Query("search")),
	}
	filter.Page, filter.PageSize = pageParams(c)

	books, pagination, err := h.books.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, books, pagination)
}

// Get godoc
// @Summary Get grade book
// @Tags Grade Books
// @Produce json
// @Param id path string true "Grade book ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grade-books/{id} [get]
func (h *GradeBookHandler) Get(c *gin.Context) {
	book, err := h.books.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, book, nil)
}

// Update godoc
// @Summary Update grade book calculation rules
// @Tags Grade Books
// @Accept json
// @Produce json
// @Param id path string true "Grade book ID"
// @Param payload body service.UpdateGradeBookRequest true "Rules payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grade-books/{id} [patch]
func (h *GradeBookHandler) Update(c *gin.Context) {
	var req service.UpdateGradeBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	book, outcomes, err := h.books.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if outcomes == nil {
		response.JSON(c, http.StatusOK, book, nil)
		return
	}
	response.JSON(c, http.StatusOK, book, nil, map[string]interface{}{"recomputed": len(outcomes), "stale": countStale(outcomes)})
}

// Delete godoc
// @Summary Delete grade book
// @Tags Grade Books
// @Param id path string true "Grade book ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /grade-books/{id} [delete]
func (h *GradeBookHandler) Delete(c *gin.Context) {
	if err := h.books.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Export godoc
// @Summary Export grade book
// @Tags Grade Books
// @Produce text/csv
// @Produce application/pdf
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path string true "Grade book ID"
// @Param format query string false "csv, xlsx or pdf"
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grade-books/{id}/export [get]
func (h *GradeBookHandler) Export(c *gin.Context) {
	file, err := h.exporter.Export(c.Request.Context(), c.Param("id"), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, file.Filename, file.ContentType, file.Data)
}

// Recompute godoc
// @Summary Recompute every student rollup in a grade book
// @Tags Grade Books
// @Produce json
// @Param id path string true "Grade book ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grade-books/{id}/recompute [post]
func (h *GradeBookHandler) Recompute(c *gin.Context) {
	outcomes, err := h.aggregator.RecomputeGradeBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcomes, nil, map[string]interface{}{"stale": countStale(outcomes)})
}

func countStale(outcomes []models.AggregateOutcome) int {
	stale := 0
	for _, outcome := range outcomes {
		if outcome.Stale() {
			stale++
		}
	}
	return stale
}

// CreateStudentGrade godoc
// @Summary Add a student to a grade book
// @Tags Student Grades
// @Accept json
// @Produce json
// @Param id path string true "Grade book ID"
// @Param payload body service.CreateStudentGradeRequest true "Student payload"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /grade-books/{id}/student-grades [post]
func (h *GradeBookHandler) CreateStudentGrade(c *gin.Context) {
	var req service.CreateStudentGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.books.CreateStudentGrade(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, grade)
}

// ListStudentGrades godoc
// @Summary List student rollups of a grade book
// @Tags Student Grades
// @Produce json
// @Param id path string true "Grade book ID"
// @Param search query string false "Search student name"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /grade-books/{id}/student-grades [get]
func (h *GradeBookHandler) ListStudentGrades(c *gin.Context) {
	filter := models.StudentGradeFilter{GradeBookID: c.Param("id"), Search: strings.TrimSpace(c.Query("search"))}
	filter.Page, filter.PageSize = pageParams(c)

	grades, pagination, err := h.books.ListStudentGrades(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grades, pagination)
}

// GetStudentGrade godoc
// @Summary Get a student rollup with topic grades
// @Tags Student Grades
// @Produce json
// @Param id path string true "Student grade ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /student-grades/{id} [get]
func (h *GradeBookHandler) GetStudentGrade(c *gin.Context) {
	grade, err := h.books.GetStudentGrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// UpdateStudentGrade godoc
// @Summary Override the final or letter grade of a student rollup
// @Tags Student Grades
// @Accept json
// @Produce json
// @Param id path string true "Student grade ID"
// @Param payload body service.UpdateStudentGradeRequest true "Override payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /student-grades/{id} [patch]
func (h *GradeBookHandler) UpdateStudentGrade(c *gin.Context) {
	var req service.UpdateStudentGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.books.UpdateStudentGrade(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// SetAssessmentScore godoc
// @Summary Set the assessment score of a topic
// @Tags Student Grades
// @Accept json
// @Produce json
// @Param id path string true "Student grade ID"
// @Param topicId path string true "Topic ID"
// @Param payload body AssessmentScoreRequest true "Assessment score"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /student-grades/{id}/topics/{topicId}/assessment [put]
func (h *GradeBookHandler) SetAssessmentScore(c *gin.Context) {
	var req AssessmentScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.aggregator.SetAssessmentScore(c.Request.Context(), c.Param("id"), c.Param("topicId"), *req.Score)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}
