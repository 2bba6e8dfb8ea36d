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

type activityGradeService interface {
	Create(ctx context.Context, req service.CreateActivityGradeRequest) (*service.ActivityGradeResult, error)
	Get(ctx context.Context, activityID, studentID string) (*models.ActivityGrade, error)
	List(ctx context.Context, filter models.ActivityGradeFilter) ([]models.ActivityGrade, *models.Pagination, error)
	Update(ctx context.Context, activityID, studentID string, req service.UpdateActivityGradeRequest) (*service.ActivityGradeResult, error)
	BatchGrade(ctx context.Context, activityID string, req service.BatchGradeRequest) (*service.BatchGradeResult, error)
}

// ActivityGradeHandler exposes activity grading endpoints.
type ActivityGradeHandler struct {
	grades activityGradeService
}

// NewActivityGradeHandler constructs ActivityGradeHandler.
func NewActivityGradeHandler(grades activityGradeService) *ActivityGradeHandler {
	return &ActivityGradeHandler{grades: grades}
}

// Create godoc
// @Summary Grade a student on an activity
// @Description Creates the single grade of a student for an activity and refreshes the student's grade book rollup.
// @Tags Activity Grades
// @Accept json
// @Produce json
// @Param payload body service.CreateActivityGradeRequest true "Grade payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /activity-grades [post]
func (h *ActivityGradeHandler) Create(c *gin.Context) {
	var req service.CreateActivityGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.GradedByID == nil && req.Score != nil {
		if actor := actorID(c); actor != "" {
			req.GradedByID = &actor
		}
	}
	result, err := h.grades.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List activity grades
// @Tags Activity Grades
// @Produce json
// @Param activityId query string false "Filter by activity"
// @Param studentId query string false "Filter by student"
// @Param status query string false "Filter by status"
// @Param search query string false "Search grade id or feedback"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /activity-grades [get]
func (h *ActivityGradeHandler) List(c *gin.Context) {
	filter := models.ActivityGradeFilter{
		ActivityID: c.Query("activityId"),
		StudentID:  c.Query("studentId"),
		Status:     models.ActivityGradeStatus(strings.ToUpper(c.Query("status"))),
		Search:     strings.TrimSpace(c.Query("search")),
	}
	filter.Page, filter.PageSize = pageParams(c)

	grades, pagination, err := h.grades.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grades, pagination)
}

// Get godoc
// @Summary Get a student's grade for an activity
// @Tags Activity Grades
// @Produce json
// @Param activityId path string true "Activity ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /activity-grades/{activityId}/{studentId} [get]
func (h *ActivityGradeHandler) Get(c *gin.Context) {
	grade, err := h.grades.Get(c.Request.Context(), c.Param("activityId"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// Update godoc
// @Summary Update a student's grade for an activity
// @Tags Activity Grades
// @Accept json
// @Produce json
// @Param activityId path string true "Activity ID"
// @Param studentId path string true "Student ID"
// @Param payload body service.UpdateActivityGradeRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /activity-grades/{activityId}/{studentId} [patch]
func (h *ActivityGradeHandler) Update(c *gin.Context) {
	var req service.UpdateActivityGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.GradedByID == nil && req.Score != nil {
		if actor := actorID(c); actor != "" {
			req.GradedByID = &actor
		}
	}
	result, err := h.grades.Update(c.Request.Context(), c.Param("activityId"), c.Param("studentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// BatchGrade godoc
// @Summary Grade many students on one activity
// @Description Existing grades are updated and missing ones created; every entry ends GRADED.
// @Tags Activity Grades
// @Accept json
// @Produce json
// @Param activityId path string true "Activity ID"
// @Param payload body service.BatchGradeRequest true "Batch payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /activities/{activityId}/grades/batch [post]
func (h *ActivityGradeHandler) BatchGrade(c *gin.Context) {
	var req service.BatchGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.GradedByID = actorID(c)
	result, err := h.grades.BatchGrade(c.Request.Context(), c.Param("activityId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil, map[string]interface{}{
		"created": result.Created,
		"updated": result.Updated,
	})
}
