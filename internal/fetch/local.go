package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
)

// LoadText reads source as an http(s) URL or, otherwise, as a local file path.
// Only the CLI uses it; the HTTP service calls FetchText so requests can never
// read local files.
func LoadText(ctx context.Context, kind Kind, source string, opt Options) (string, error) {
	if IsHTTPURL(source) {
		return FetchTextWithOptions(ctx, kind, source, opt)
	}

	maxBytes, err := resolveMaxBytes(kind, opt, source)
	if err != nil {
		return "", err
	}
	f, err := os.Open(source)
	if err != nil {
		return "", &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "READ_FAILED",
				Message: "读取本地文件失败",
				Stage:   kind.stage(),
				URL:     source,
			},
			Cause: err,
		}
	}
	defer f.Close()
	return readText(f, kind.stage(), source, maxBytes)
}

// ReadText reads an already open stream (stdin) with the same size and UTF-8
// checks as a fetch.
func ReadText(r io.Reader, kind Kind, name string, opt Options) (string, error) {
	maxBytes, err := resolveMaxBytes(kind, opt, name)
	if err != nil {
		return "", err
	}
	return readText(r, kind.stage(), name, maxBytes)
}

func IsHTTPURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
