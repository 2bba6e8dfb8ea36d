package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/handler"
	"github.com/noah-isme/campus-gradebook-api/internal/middleware"
	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	"github.com/noah-isme/campus-gradebook-api/pkg/config"
	"github.com/noah-isme/campus-gradebook-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-gradebook-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-gradebook-api/pkg/middleware/requestid"
)

type routeHandlers struct {
	auth           *service.AuthService
	activityGrades *handler.ActivityGradeHandler
	gradeBooks     *handler.GradeBookHandler
	metrics        *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, h routeHandlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix, middleware.JWT(h.auth))
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	admin := middleware.RequireRoles(models.RoleAdmin)

	api.GET("/metrics/summary", admin, h.metrics.Summary)

	api.POST("/activity-grades", staff, h.activityGrades.Create)
	api.GET("/activity-grades", staff, h.activityGrades.List)
	api.GET("/activity-grades/:activityId/:studentId", middleware.RequireRolesOrSelf("studentId", models.RoleAdmin, models.RoleTeacher), h.activityGrades.Get)
	api.PATCH("/activity-grades/:activityId/:studentId", staff, h.activityGrades.Update)
	api.POST("/activities/:activityId/grades/batch", staff, h.activityGrades.BatchGrade)

	books := api.Group("/grade-books", staff)
	books.POST("", h.gradeBooks.Create)
	books.GET("", h.gradeBooks.List)
	books.GET("/:id", h.gradeBooks.Get)
	books.PATCH("/:id", h.gradeBooks.Update)
	books.DELETE("/:id", admin, h.gradeBooks.Delete)
	books.GET("/:id/export", h.gradeBooks.Export)
	books.POST("/:id/recompute", h.gradeBooks.Recompute)
	books.POST("/:id/student-grades", h.gradeBooks.CreateStudentGrade)
	books.GET("/:id/student-grades", h.gradeBooks.ListStudentGrades)

	grades := api.Group("/student-grades", staff)
	grades.GET("/:id", h.gradeBooks.GetStudentGrade)
	grades.PATCH("/:id", h.gradeBooks.UpdateStudentGrade)
	grades.PUT("/:id/topics/:topicId/assessment", h.gradeBooks.SetAssessmentScore)

	return r
}
