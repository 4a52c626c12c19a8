package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/subxray/internal/compiler"
	"github.com/John-Robertt/subxray/internal/convert"
	"github.com/John-Robertt/subxray/internal/fetch"
	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/output"
	"github.com/John-Robertt/subxray/internal/profile"
	"github.com/John-Robertt/subxray/internal/render"
	"github.com/John-Robertt/subxray/internal/rules"
	"github.com/John-Robertt/subxray/internal/sub"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

// AppErrorOf extracts the AppError payload and HTTP status of any stage
// error. Unknown errors map to a 500 INTERNAL_ERROR.
func AppErrorOf(err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		return fe.Status, fe.AppError
	}

	var ce *convert.ConvertError
	if errors.As(err, &ce) {
		return http.StatusGatewayTimeout, ce.AppError
	}

	// Parse/compile/render errors are user content errors => 422.
	var se *sub.ParseError
	if errors.As(err, &se) {
		return http.StatusUnprocessableEntity, se.AppError
	}

	var pe *profile.ParseError
	if errors.As(err, &pe) {
		return http.StatusUnprocessableEntity, pe.AppError
	}

	var rpe *rules.ParseError
	if errors.As(err, &rpe) {
		return http.StatusUnprocessableEntity, rpe.AppError
	}

	var cpe *compiler.CompileError
	if errors.As(err, &cpe) {
		return http.StatusUnprocessableEntity, cpe.AppError
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		return http.StatusUnprocessableEntity, re.AppError
	}

	var we *output.WriteError
	if errors.As(err, &we) {
		return http.StatusInternalServerError, we.AppError
	}

	// Fallback: internal bug.
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	}
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status, app := AppErrorOf(err)
	WriteError(w, status, app)
}
