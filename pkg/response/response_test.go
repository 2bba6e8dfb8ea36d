package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
	"github.com/noah-isme/campus-gradebook-api/pkg/middleware/requestid"
)

func serve(handler gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestid.Middleware())
	r.GET("/", handler)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestid.HeaderKey, "req-7")
	r.ServeHTTP(w, req)
	return w
}

func TestJSONWithPaginationAndMeta(t *testing.T) {
	w := serve(func(c *gin.Context) {
		JSON(c, http.StatusOK, []string{"a"}, models.NewPagination(1, 20, 1), map[string]interface{}{"stale": 0})
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "pagination")
	assert.Equal(t, map[string]interface{}{"stale": float64(0)}, body["meta"])
	assert.NotContains(t, body, "error")
}

func TestErrorCarriesRequestIDOnlyForServerFailures(t *testing.T) {
	w := serve(func(c *gin.Context) { Error(c, errors.New("connection reset")) })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"req-7"`)

	w = serve(func(c *gin.Context) { Error(c, appErrors.Clone(appErrors.ErrNotFound, "grade book not found")) })
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "request_id")
}

func TestFile(t *testing.T) {
	w := serve(func(c *gin.Context) { File(c, "gradebook.csv", "text/csv", []byte("a,b\n")) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="gradebook.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "a,b\n", w.Body.String())
}
