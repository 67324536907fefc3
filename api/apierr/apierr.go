// package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that gives the caller something to act on.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/api/httptypes"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/runs"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensure we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

// Code is the machine readable code of the error
func (a apiError) Code() string {
	return a.code
}

var (
	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrMissingApiKey means the request carried no API key
	ErrMissingApiKey = apiError{
		err:  errors.New("missing API key"),
		code: "ERR_MISSING_API_KEY",
	}

	// ErrBadApiKey means the given API key was not the one we expect
	ErrBadApiKey = apiError{
		err:  errors.New("bad API key"),
		code: "ERR_BAD_API_KEY",
	}

	// ErrRequestValidationFailed means the caller gave us an invalid request,
	// either in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}

	// ErrRunInProgress means another run of the same component holds the
	// run lock
	ErrRunInProgress = apiError{
		err:  runs.ErrSkipped,
		code: "ERR_RUN_IN_PROGRESS",
	}

	// ErrStoreUnavailable means the deposit store could not be reached
	ErrStoreUnavailable = apiError{
		err:  db.ErrStoreConnection,
		code: "ERR_STORE_UNAVAILABLE",
	}

	// ErrRunInterrupted means the run was cancelled before it finished
	ErrRunInterrupted = apiError{
		err:  errors.New("run was interrupted"),
		code: "ERR_RUN_INTERRUPTED",
	}
)

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	runes := []rune(str)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	runes := []rune(str)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = capitalize(errBodyRequired.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = capitalize(errInvalidJson.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// public errors are errors that can be shown to the caller
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// our error format only has space for one error
			err := publicErrors.Last()
			var apiErr apiError
			if errors.As(err.Err, &apiErr) {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				// if we have any field errors, request validation failed
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
				if httpCode == -1 && c.Writer.Status() < http.StatusBadRequest {
					httpCode = http.StatusBadRequest
				}
			} else {
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the caller with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// UnknownValidationTag is the tag we apply when encountering a validation tag
// we don't know how to handle
const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// empty list instead of nil, so the field always renders as a list
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// asking for an int in a query fails in strconv before validation
		// gets to run, see https://github.com/gin-gonic/gin/issues/1907
		var numError *strconv.NumError
		if errors.As(err.Err, &numError) {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		var jsonError *json.UnmarshalTypeError
		if errors.As(err.Err, &jsonError) {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field": jsonError.Field,
				"value": jsonError.Value,
				"type":  jsonError.Type,
			}).Debug("Handling JSON error")
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   jsonError.Field,
				Message: fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value),
				Code:    "invalid-type",
			})
			continue
		}

		var validationErrors validator.ValidationErrors
		if !errors.As(err.Err, &validationErrors) {
			continue
		}
		for _, validationErr := range validationErrors {
			// the assumption here is that all struct fields are named the
			// same as their query or JSON fields, except for the first letter
			field := decapitalize(validationErr.Field())
			var message string
			code := validationErr.Tag()
			switch validationErr.Tag() {
			case "required":
				message = fmt.Sprintf("%q is required", field)
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "oneof":
				message = fmt.Sprintf("%q must be one of %s", field, validationErr.Param())
			default:
				log.WithField("tag", validationErr.Tag()).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
