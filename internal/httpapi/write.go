package httpapi

import (
	"net/http"

	"github.com/John-Robertt/subxray/internal/model"
	jsoniter "github.com/json-iterator/go"
)

var apiJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// strictJSON decodes request bodies; unknown fields are rejected.
var strictJSON = jsoniter.Config{
	DisallowUnknownFields: true,
}.Froze()

func WriteText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	b, err := apiJSON.Marshal(v)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, model.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "响应编码失败",
			Stage:   "internal",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// WriteError writes the {"error": AppError} body and counts it.
func WriteError(w http.ResponseWriter, status int, e model.AppError) {
	metricsIncAppError(e.Stage, e.Code)
	b, _ := apiJSON.Marshal(model.ErrorResponse{Error: e})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
