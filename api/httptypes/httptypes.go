package httptypes

import (
	"fmt"
)

type StandardError struct {
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Fields  []FieldError `json:"fields"`
}

// StandardErrorResponse is the standard type that all error responses from our API should conform to
type StandardErrorResponse struct {
	ErrorField StandardError `json:"error"`
}

func (s StandardErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", s.ErrorField.Code, s.ErrorField.Message)
}

// Is matches other errors by their code when they have one
func (s StandardErrorResponse) Is(err error) bool {
	if stdErr, ok := err.(StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == s.ErrorField.Code
	}
	if coded, ok := err.(interface{ Code() string }); ok {
		return coded.Code() == s.ErrorField.Code
	}
	return s.Error() == err.Error()
}

// FieldError is the type for a request field validation error message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}
