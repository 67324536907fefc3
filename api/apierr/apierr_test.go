package apierr

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/api/httptypes"
	"gitlab.com/useghost/settle/build"
)

type Request struct {
	Limit  int    `form:"limit" json:"limit" binding:"required,gte=1,lte=100"`
	Status string `form:"status" json:"status" binding:"required,oneof=failed pending"`
}

var (
	middleware = GetMiddleware(build.AddSubLogger("API_ERR_TEST"))
	router     = setupRouter(middleware)

	publicError = apiError{
		err:  errors.New("this is a public error"),
		code: "ERR_PUBLIC",
	}
)

func setupRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware)
	r.GET("/query", func(c *gin.Context) {
		var req Request
		if c.BindQuery(&req) != nil {
			return
		}
		c.Status(200)
	})
	r.POST("/body", func(c *gin.Context) {
		var req Request
		if c.BindJSON(&req) != nil {
			return
		}
		c.Status(200)
	})
	r.GET("/private", func(c *gin.Context) {
		_ = c.Error(errors.New("this is a private error"))
	})
	r.GET("/public", func(c *gin.Context) {
		Public(c, http.StatusInternalServerError, publicError)
	})
	r.GET("/conflict", func(c *gin.Context) {
		Public(c, http.StatusConflict, ErrRunInProgress)
	})
	r.GET("/withCode", func(c *gin.Context) {
		_ = c.AbortWithError(http.StatusUnauthorized, errors.New("with a code"))
	})
	return r
}

func serve(method, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	router.ServeHTTP(w, req)
	return w
}

func assertErrorResponseOk(t *testing.T, w *httptest.ResponseRecorder, expectedFieldErrors int) httptypes.StandardErrorResponse {
	t.Helper()
	bodyBytes, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	var res httptypes.StandardErrorResponse
	require.NoError(t, json.Unmarshal(bodyBytes, &res))

	require.NotNil(t, res.ErrorField.Fields)
	assert.Len(t, res.ErrorField.Fields, expectedFieldErrors)
	assert.NotEmpty(t, res.ErrorField.Code)
	assert.NotEmpty(t, res.ErrorField.Message)
	return res
}

func fieldError(res httptypes.StandardErrorResponse, field string) (httptypes.FieldError, bool) {
	for _, f := range res.ErrorField.Fields {
		if f.Field == field {
			return f, true
		}
	}
	return httptypes.FieldError{}, false
}

func TestJsonValidation(t *testing.T) {
	t.Run("invalid JSON", func(t *testing.T) {
		w := serve("POST", "/body", `{[{"limit": 2 }]`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		err := assertErrorResponseOk(t, w, 0)
		assert.Equal(t, errInvalidJson.code, err.ErrorField.Code)
	})

	t.Run("no parameters", func(t *testing.T) {
		w := serve("POST", "/body", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		err := assertErrorResponseOk(t, w, 2)
		assert.Equal(t, ErrRequestValidationFailed.code, err.ErrorField.Code)
		limit, ok := fieldError(err, "limit")
		require.True(t, ok)
		assert.Equal(t, `"limit" is required`, limit.Message)
		assert.Equal(t, "required", limit.Code)
	})

	t.Run("wrong type", func(t *testing.T) {
		w := serve("POST", "/body", `{"limit": "ten", "status": "failed"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		err := assertErrorResponseOk(t, w, 1)
		assert.Equal(t, "invalid-type", err.ErrorField.Fields[0].Code)
	})

	t.Run("out of range", func(t *testing.T) {
		w := serve("POST", "/body", `{"limit": 1000, "status": "completed"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		err := assertErrorResponseOk(t, w, 2)

		limit, ok := fieldError(err, "limit")
		require.True(t, ok)
		assert.Equal(t, "lte", limit.Code)
		status, ok := fieldError(err, "status")
		require.True(t, ok)
		assert.Equal(t, `"status" must be one of failed pending`, status.Message)
	})

	t.Run("good request", func(t *testing.T) {
		w := serve("POST", "/body", `{"limit": 10, "status": "failed"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestQueryValidation(t *testing.T) {
	t.Run("not a number", func(t *testing.T) {
		w := serve("GET", "/query?limit=abc&status=failed", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		err := assertErrorResponseOk(t, w, 1)
		assert.Equal(t, "invalid-number", err.ErrorField.Fields[0].Code)
	})

	t.Run("missing status", func(t *testing.T) {
		w := serve("GET", "/query?limit=12", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		err := assertErrorResponseOk(t, w, 1)
		status, ok := fieldError(err, "status")
		require.True(t, ok)
		assert.Equal(t, "required", status.Code)
	})

	t.Run("good request", func(t *testing.T) {
		w := serve("GET", "/query?limit=1&status=pending", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

// When a request errors with a code we expect that code to be set, instead of
// the default code (500)
func TestErrorWithCode(t *testing.T) {
	w := serve("GET", "/withCode", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	err := assertErrorResponseOk(t, w, 0)
	assert.Equal(t, ErrUnknownError.code, err.ErrorField.Code)
}

func TestPrivateError(t *testing.T) {
	w := serve("GET", "/private", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	err := assertErrorResponseOk(t, w, 0)
	assert.NotContains(t, err.ErrorField.Message, "private")
}

// When a request errors with a public error we expect that error message to
// be sent
func TestPublicError(t *testing.T) {
	w := serve("GET", "/public", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	err := assertErrorResponseOk(t, w, 0)
	assert.Equal(t, publicError.code, err.ErrorField.Code)
	assert.Equal(t, "This is a public error", err.ErrorField.Message)

	w = serve("GET", "/conflict", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, errors.Is(assertErrorResponseOk(t, w, 0), ErrRunInProgress))
}

func TestBodyRequired(t *testing.T) {
	w := serve("POST", "/body", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	err := assertErrorResponseOk(t, w, 0)
	assert.True(t, errors.Is(err, errBodyRequired), err)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "", capitalize(""))
	assert.Equal(t, "Über", capitalize("über"))
	assert.Equal(t, "limit", decapitalize("Limit"))
}
