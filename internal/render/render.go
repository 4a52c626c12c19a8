// Package render turns resolved entries into the two Xray documents: the
// outbounds array and the routing object. Every protocol and transport is
// mapped through static tables; nothing is looked up by reflection.
package render

import (
	"fmt"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/profile"
	jsoniter "github.com/json-iterator/go"
)

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Documents holds the encoded output. Both are complete JSON documents ending
// in a newline.
type Documents struct {
	Outbounds []byte
	Routing   []byte
}

// Render builds and encodes both documents. rules is the expanded static rule
// list (see profile.ExpandRules); prof supplies balancer names, strategy and
// the routing defaults.
func Render(entries []model.ResolvedEntry, rules []model.Rule, prof *profile.Spec) (*Documents, error) {
	if prof == nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "render profile 不能为空",
				Stage:   "render",
			},
		}
	}

	outbounds, err := BuildOutbounds(entries)
	if err != nil {
		return nil, err
	}
	routing, err := BuildRouting(entries, rules, prof)
	if err != nil {
		return nil, err
	}

	ob, err := Encode(outbounds)
	if err != nil {
		return nil, encodeError(err)
	}
	rb, err := Encode(routing)
	if err != nil {
		return nil, encodeError(err)
	}
	return &Documents{Outbounds: ob, Routing: rb}, nil
}

var documentJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// Encode writes v as two-space indented JSON with a trailing newline. HTML
// characters in tags and paths are kept verbatim.
func Encode(v any) ([]byte, error) {
	b, err := documentJSON.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func encodeError(err error) *RenderError {
	return &RenderError{
		AppError: model.AppError{
			Code:    "RENDER_FAILED",
			Message: "JSON 编码失败",
			Stage:   "render",
		},
		Cause: err,
	}
}
