package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gradebook-api/internal/middleware"
	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

type gradeBookServiceMock struct {
	createReq   service.CreateGradeBookRequest
	err         error
	listFilter  models.GradeBookFilter
	deletedID   string
	studentReq  service.CreateStudentGradeRequest
	studentBook string
	outcomes    []models.AggregateOutcome
}

func (m *gradeBookServiceMock) Create(ctx context.Context, req service.CreateGradeBookRequest) (*models.GradeBook, error) {
	m.createReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.GradeBook{ID: "book-1", ClassID: req.ClassID, TermID: req.TermID, CreatedByID: req.CreatedByID}, nil
}

func (m *gradeBookServiceMock) Get(ctx context.Context, id string) (*models.GradeBook, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.GradeBook{ID: id}, nil
}

func (m *gradeBookServiceMock) List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, *models.Pagination, error) {
	m.listFilter = filter
	return []models.GradeBook{{ID: "book-1"}}, models.NewPagination(filter.Page, filter.PageSize, 1), nil
}

func (m *gradeBookServiceMock) Update(ctx context.Context, id string, req service.UpdateGradeBookRequest) (*models.GradeBook, []models.AggregateOutcome, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	return &models.GradeBook{ID: id}, m.outcomes, nil
}

func (m *gradeBookServiceMock) Delete(ctx context.Context, id string) error {
	m.deletedID = id
	return m.err
}

func (m *gradeBookServiceMock) CreateStudentGrade(ctx context.Context, gradeBookID string, req service.CreateStudentGradeRequest) (*models.StudentGrade, error) {
	m.studentBook = gradeBookID
	m.studentReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.StudentGrade{ID: "sg-1", GradeBookID: gradeBookID, StudentID: req.StudentID}, nil
}

func (m *gradeBookServiceMock) GetStudentGrade(ctx context.Context, id string) (*models.StudentGrade, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.StudentGrade{ID: id}, nil
}

func (m *gradeBookServiceMock) ListStudentGrades(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, *models.Pagination, error) {
	return []models.StudentGrade{{ID: "sg-1", GradeBookID: filter.GradeBookID}}, models.NewPagination(filter.Page, filter.PageSize, 1), nil
}

func (m *gradeBookServiceMock) UpdateStudentGrade(ctx context.Context, id string, req service.UpdateStudentGradeRequest) (*models.StudentGrade, error) {
	return &models.StudentGrade{ID: id, FinalGrade: req.FinalGrade}, nil
}

type exporterMock struct {
	format string
	err    error
}

func (m *exporterMock) Export(ctx context.Context, gradeBookID, format string) (*service.ExportFile, error) {
	m.format = format
	if m.err != nil {
		return nil, m.err
	}
	return &service.ExportFile{Filename: "gradebook_physics.csv", ContentType: "text/csv", Data: []byte("Student ID\ns-1\n")}, nil
}

type recomputerMock struct {
	outcomes []models.AggregateOutcome
	score    float64
	topicID  string
}

func (m *recomputerMock) RecomputeGradeBook(ctx context.Context, gradeBookID string) ([]models.AggregateOutcome, error) {
	return m.outcomes, nil
}

func (m *recomputerMock) SetAssessmentScore(ctx context.Context, studentGradeID, topicID string, score float64) (*models.StudentGrade, error) {
	m.topicID = topicID
	m.score = score
	return &models.StudentGrade{ID: studentGradeID}, nil
}

func TestGradeBookHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	books := &gradeBookServiceMock{}
	handler := NewGradeBookHandler(books, &exporterMock{}, &recomputerMock{})

	payload := []byte(`{"class_id":"class-1","term_id":"term-1","calculation_rules":{"assessment_weight":0.6,"activity_weight":0.4}}`)
	c, w := newGinContext(http.MethodPost, "/grade-books", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	handler.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "admin-1", books.createReq.CreatedByID)
	require.NotNil(t, books.createReq.CalculationRules)
	assert.Equal(t, 0.6, *books.createReq.CalculationRules.AssessmentWeight)
}

func TestGradeBookHandlerStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"conflict", appErrors.Clone(appErrors.ErrConflict, "grade book already exists for class and term"), http.StatusConflict},
		{"invalid weights", appErrors.Clone(appErrors.ErrInvalidWeights, "weights must sum to 1"), http.StatusBadRequest},
		{"not found", appErrors.Clone(appErrors.ErrNotFound, "class not found"), http.StatusNotFound},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewGradeBookHandler(&gradeBookServiceMock{err: tc.err}, &exporterMock{}, &recomputerMock{})
			c, w := newGinContext(http.MethodPost, "/grade-books", []byte(`{"class_id":"class-1","term_id":"term-1"}`))
			handler.Create(c)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestGradeBookHandlerGetHiddenClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewGradeBookHandler(&gradeBookServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "grade book not found")}, &exporterMock{}, &recomputerMock{})

	c, w := newGinContext(http.MethodGet, "/grade-books/book-3", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-3"}}
	handler.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGradeBookHandlerListAndDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	books := &gradeBookServiceMock{}
	handler := NewGradeBookHandler(books, &exporterMock{}, &recomputerMock{})

	c, w := newGinContext(http.MethodGet, "/grade-books?classId=class-1&search=physics&limit=abc", nil)
	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "class-1", books.listFilter.ClassID)
	assert.Equal(t, "physics", books.listFilter.Search)
	assert.Equal(t, 20, books.listFilter.PageSize)

	c, w = newGinContext(http.MethodDelete, "/grade-books/book-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Delete(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "book-1", books.deletedID)
}

func TestGradeBookHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exporter := &exporterMock{}
	handler := NewGradeBookHandler(&gradeBookServiceMock{}, exporter, &recomputerMock{})

	c, w := newGinContext(http.MethodGet, "/grade-books/book-1/export?format=csv", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", exporter.format)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "gradebook_physics.csv")
	assert.Equal(t, "Student ID\ns-1\n", w.Body.String())

	exporter.err = appErrors.Clone(appErrors.ErrBadRequest, "unsupported export format")
	c, w = newGinContext(http.MethodGet, "/grade-books/book-1/export?format=docx", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Export(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGradeBookHandlerRecomputeCountsStale(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recomputer := &recomputerMock{outcomes: []models.AggregateOutcome{
		{StudentID: "s-1", Status: models.AggregateUpdated},
		{StudentID: "s-2", Status: models.AggregateStale},
	}}
	handler := NewGradeBookHandler(&gradeBookServiceMock{}, &exporterMock{}, recomputer)

	c, w := newGinContext(http.MethodPost, "/grade-books/book-1/recompute", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Recompute(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeEnvelope(t, w).Meta["stale"])
}

func TestGradeBookHandlerUpdateReportsReblend(t *testing.T) {
	gin.SetMode(gin.TestMode)
	books := &gradeBookServiceMock{}
	handler := NewGradeBookHandler(books, &exporterMock{}, &recomputerMock{})
	payload := []byte(`{"calculation_rules":{"assessment_weight":0.5,"activity_weight":0.5}}`)

	c, w := newGinContext(http.MethodPatch, "/grade-books/book-1", payload)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Update(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decodeEnvelope(t, w).Meta, "recomputed")

	books.outcomes = []models.AggregateOutcome{
		{StudentID: "s-1", Status: models.AggregateUpdated},
		{StudentID: "s-2", Status: models.AggregateStale},
	}
	c, w = newGinContext(http.MethodPatch, "/grade-books/book-1", payload)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.Update(c)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decodeEnvelope(t, w).Meta
	assert.Equal(t, float64(2), meta["recomputed"])
	assert.Equal(t, float64(1), meta["stale"])
}

func TestGradeBookHandlerStudentGrades(t *testing.T) {
	gin.SetMode(gin.TestMode)
	books := &gradeBookServiceMock{}
	recomputer := &recomputerMock{}
	handler := NewGradeBookHandler(books, &exporterMock{}, recomputer)

	c, w := newGinContext(http.MethodPost, "/grade-books/book-1/student-grades", []byte(`{"student_id":"s-1"}`))
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.CreateStudentGrade(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "book-1", books.studentBook)
	assert.Equal(t, "s-1", books.studentReq.StudentID)

	c, w = newGinContext(http.MethodGet, "/grade-books/book-1/student-grades", nil)
	c.Params = gin.Params{{Key: "id", Value: "book-1"}}
	handler.ListStudentGrades(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decodeEnvelope(t, w).Pagination)

	c, w = newGinContext(http.MethodPatch, "/student-grades/sg-1", []byte(`{"final_grade":85}`))
	c.Params = gin.Params{{Key: "id", Value: "sg-1"}}
	handler.UpdateStudentGrade(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = newGinContext(http.MethodPut, "/student-grades/sg-1/topics/topic-1/assessment", []byte(`{"score":80}`))
	c.Params = gin.Params{{Key: "id", Value: "sg-1"}, {Key: "topicId", Value: "topic-1"}}
	handler.SetAssessmentScore(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "topic-1", recomputer.topicID)
	assert.Equal(t, 80.0, recomputer.score)

	c, w = newGinContext(http.MethodPut, "/student-grades/sg-1/topics/topic-1/assessment", []byte(`{}`))
	c.Params = gin.Params{{Key: "id", Value: "sg-1"}, {Key: "topicId", Value: "topic-1"}}
	handler.SetAssessmentScore(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
