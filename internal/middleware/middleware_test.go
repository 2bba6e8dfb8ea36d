package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

type staticValidator map[string]*models.JWTClaims

func (s staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	claims, ok := s[token]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator := staticValidator{
		"teacher": {UserID: "t-1", Role: models.RoleTeacher},
		"student": {UserID: "s-1", Role: models.RoleStudent},
		"root":    {UserID: "u-0", Role: models.RoleSuperAdmin},
	}
	r := gin.New()
	api := r.Group("/", JWT(validator))
	api.POST("/grade-books", RequireRoles(models.RoleAdmin, models.RoleTeacher), func(c *gin.Context) { c.Status(http.StatusCreated) })
	api.GET("/students/:studentId/grades", RequireRolesOrSelf("studentId", models.RoleTeacher), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func call(r *gin.Engine, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTRejectsMissingOrBadTokens(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodPost, "/grade-books", ""))
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodPost, "/grade-books", "forged"))

	req := httptest.NewRequest(http.MethodPost, "/grade-books", nil)
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleChecks(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusCreated, call(r, http.MethodPost, "/grade-books", "teacher"))
	assert.Equal(t, http.StatusCreated, call(r, http.MethodPost, "/grade-books", "root"))
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodPost, "/grade-books", "student"))
}

func TestSelfAccess(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/students/s-1/grades", "student"))
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, "/students/s-2/grades", "student"))
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/students/s-2/grades", "teacher"))
}

func TestRequireRolesWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/open", RequireRoles(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/open", ""))
}

func TestMetricsMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/grade-books/:id", func(c *gin.Context) {
		time.Sleep(time.Millisecond)
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/grade-books/b-1", ""))
	assert.Equal(t, uint64(1), metrics.Snapshot().RequestsTotal)
}

func TestMetricsMiddlewareWithoutService(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics(nil))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/nowhere", ""))
}
