package errors_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWith_DoesNotMutateSentinel(t *testing.T) {
	e := apperrors.ErrInsufficientStock.With("remaining", 4)
	assert.Equal(t, 4, e.Details["remaining"])
	assert.Nil(t, apperrors.ErrInsufficientStock.Details)
}

func TestFrom_WrapsUnknownErrors(t *testing.T) {
	cause := errors.New("disk on fire")
	e := apperrors.From(cause)
	assert.Equal(t, http.StatusInternalServerError, e.Code)
	assert.ErrorIs(t, e, cause)
	assert.Nil(t, apperrors.ErrInternalServer.Err)

	assert.Same(t, apperrors.ErrNotFound, apperrors.From(apperrors.ErrNotFound))
}

func TestErrorMiddleware_RendersAttachedError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(apperrors.ErrorMiddleware())
	r.GET("/", func(c *gin.Context) {
		_ = c.Error(apperrors.ErrProductNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var body apperrors.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Product not found", body.Message)
}
