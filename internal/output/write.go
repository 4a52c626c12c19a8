// Package output writes the generated documents to disk.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/John-Robertt/subxray/internal/model"
)

type File struct {
	Name string
	Data []byte
}

type WriteError struct {
	AppError model.AppError
	Cause    error
}

func (e *WriteError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// WriteAll stages every file as a temp file in dir and only then renames them
// into place, so a failure while writing leaves the previous files untouched.
// dir is created when missing.
func WriteAll(dir string, files []File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return writeError(dir, "创建输出目录失败", err)
	}
	for _, f := range files {
		if f.Name == "" || filepath.Base(f.Name) != f.Name {
			return writeError(f.Name, "输出文件名不合法", errors.New("name must be a plain file name"))
		}
	}

	staged := make([]string, 0, len(files))
	cleanup := func() {
		for _, p := range staged {
			_ = os.Remove(p)
		}
	}
	for _, f := range files {
		p, err := stage(dir, f)
		if err != nil {
			cleanup()
			return writeError(filepath.Join(dir, f.Name), "写入临时文件失败", err)
		}
		staged = append(staged, p)
	}

	for i, f := range files {
		dst := filepath.Join(dir, f.Name)
		if err := os.Rename(staged[i], dst); err != nil {
			cleanup()
			return writeError(dst, "替换输出文件失败", err)
		}
	}
	return nil
}

func stage(dir string, f File) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+f.Name+"-*.tmp")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(f.Data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func writeError(path, message string, err error) *WriteError {
	return &WriteError{
		AppError: model.AppError{
			Code:    "WRITE_FAILED",
			Message: message,
			Stage:   "write_output",
			Snippet: path,
		},
		Cause: err,
	}
}
