package sub

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/sub/codec"
)

// ParseError is a fatal subscription error (the document as a whole is
// unusable). Per-line problems are diagnostics, not ParseErrors.
type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Extraction is the output of Extract.
type Extraction struct {
	// Links are the lines with a recognized scheme prefix, in source order.
	Links []model.RawLink
	// Diagnostics report the candidate lines that were dropped.
	Diagnostics []model.Diagnostic
	// Lines counts the non-empty, non-comment candidate lines.
	Lines int
	// Unwrapped is set when the document was a base64 wrapper and the links
	// come from its decoded text (line numbers refer to that text).
	Unwrapped bool
}

// Extract splits a subscription document into candidate links.
//
// When no line carries a known prefix and the whole body looks like one
// base64 blob, the body is decoded once and split again. There is no
// recursive unwrap. A wrapper that decodes to text without any known link
// yields an empty result and no diagnostics.
func Extract(document string) (Extraction, error) {
	if !utf8.ValidString(document) {
		return Extraction{}, &ParseError{AppError: model.AppError{
			Code:    "INVALID_TEXT",
			Message: "订阅内容不是合法的 UTF-8 文本",
			Stage:   "parse_sub",
		}}
	}
	text := codec.StripUTF8BOM(document)
	if strings.TrimSpace(text) == "" {
		return Extraction{}, nil
	}

	candidates, recognized := splitLines(text)
	if recognized == 0 && codec.LooksLikeBase64(text) {
		if inner, ok := unwrap(text); ok {
			innerCandidates, innerRecognized := splitLines(inner)
			out := Extraction{Lines: len(innerCandidates), Unwrapped: true}
			if innerRecognized == 0 {
				return out, nil
			}
			out.Links, out.Diagnostics = classify(innerCandidates)
			return out, nil
		}
	}

	out := Extraction{Lines: len(candidates)}
	out.Links, out.Diagnostics = classify(candidates)
	return out, nil
}

func unwrap(text string) (string, bool) {
	b, err := codec.DecodeBase64(text)
	if err != nil || !utf8.Valid(b) {
		return "", false
	}
	inner := codec.StripUTF8BOM(string(b))
	if strings.TrimSpace(inner) == "" {
		return "", false
	}
	return inner, true
}

// splitLines returns the non-empty, non-comment lines and how many of them
// carry a recognized scheme prefix. Splitting on '\n' and trimming keeps CRLF
// input working.
func splitLines(text string) ([]model.RawLink, int) {
	lines := strings.Split(text, "\n")
	out := make([]model.RawLink, 0, len(lines))
	recognized := 0
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := lookup(line); ok {
			recognized++
		}
		out = append(out, model.RawLink{Line: i + 1, Text: line})
	}
	return out, recognized
}

func classify(candidates []model.RawLink) ([]model.RawLink, []model.Diagnostic) {
	links := make([]model.RawLink, 0, len(candidates))
	var diags []model.Diagnostic
	for _, c := range candidates {
		if _, ok := lookup(c.Text); !ok {
			diags = append(diags, unrecognized(c).Diagnostic())
			continue
		}
		links = append(links, c)
	}
	return links, diags
}

func unrecognized(link model.RawLink) *model.DecodeError {
	return codec.Fail(link, model.KindUnrecognizedLine, "无法识别的链接协议", nil)
}
