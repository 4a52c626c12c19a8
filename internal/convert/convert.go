// Package convert runs the whole pipeline on one subscription document:
// extract links, decode them, resolve duplicates and tags, and render the two
// Xray documents. It performs no I/O; remote rulesets must be expanded by the
// caller.
package convert

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/John-Robertt/subxray/internal/compiler"
	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/profile"
	"github.com/John-Robertt/subxray/internal/render"
	"github.com/John-Robertt/subxray/internal/sub"
)

type Options struct {
	// Workers bounds parallel decoding; <= 0 means GOMAXPROCS.
	Workers int
	// Rules is the expanded static rule list (profile.ExpandRules). When nil
	// the profile's inline rules are used as is.
	Rules []model.Rule
}

type Stats struct {
	Lines        int  `json:"lines"`
	Links        int  `json:"links"`
	Decoded      int  `json:"decoded"`
	Failed       int  `json:"failed"`
	Unrecognized int  `json:"unrecognized"`
	Duplicates   int  `json:"duplicates"`
	Entries      int  `json:"entries"`
	Unwrapped    bool `json:"unwrapped"`
}

type Result struct {
	Outbounds []byte
	Routing   []byte
	Entries   []model.ResolvedEntry
	// Diagnostics lists every dropped line, sorted by line number.
	Diagnostics []model.Diagnostic
	Stats       Stats
}

type ConvertError struct {
	AppError model.AppError
	Cause    error
}

func (e *ConvertError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ConvertError) Unwrap() error { return e.Cause }

// Run converts document. Malformed, unrecognized and duplicate lines become
// diagnostics; only invalid text, an unrepresentable option or ctx expiry
// fail the run, and a failed run returns no documents at all. prof may be nil
// for the built-in default profile.
func Run(ctx context.Context, document string, prof *profile.Spec, opt Options) (*Result, error) {
	if prof == nil {
		prof = profile.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, deadlineError(err)
	}

	ex, err := sub.Extract(document)
	if err != nil {
		return nil, err
	}

	decoded, err := sub.DecodeAll(ctx, ex.Links, opt.Workers)
	if err != nil {
		return nil, deadlineError(err)
	}

	res, err := compiler.Resolve(decoded.Descriptors, compiler.Options{
		Reserved: prof.ReservedTags(),
		Static:   prof.StaticOutboundTags(),
	})
	if err != nil {
		return nil, err
	}

	rules := opt.Rules
	if rules == nil {
		rules = prof.Rules
	}
	docs, err := render.Render(res.Entries, rules, prof)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, deadlineError(err)
	}

	diags := make([]model.Diagnostic, 0, len(ex.Diagnostics)+len(decoded.Failures)+len(res.Duplicates))
	diags = append(diags, ex.Diagnostics...)
	for _, f := range decoded.Failures {
		diags = append(diags, f.Diagnostic())
	}
	diags = append(diags, res.Duplicates...)
	slices.SortStableFunc(diags, func(a, b model.Diagnostic) int { return cmp.Compare(a.Line, b.Line) })

	return &Result{
		Outbounds:   docs.Outbounds,
		Routing:     docs.Routing,
		Entries:     res.Entries,
		Diagnostics: diags,
		Stats: Stats{
			Lines:        ex.Lines,
			Links:        len(ex.Links),
			Decoded:      len(decoded.Descriptors),
			Failed:       len(decoded.Failures),
			Unrecognized: len(ex.Diagnostics),
			Duplicates:   len(res.Duplicates),
			Entries:      len(res.Entries),
			Unwrapped:    ex.Unwrapped,
		},
	}, nil
}

func deadlineError(err error) *ConvertError {
	return &ConvertError{
		AppError: model.AppError{
			Code:    "DEADLINE",
			Message: "转换超时或已取消",
			Stage:   "convert",
		},
		Cause: err,
	}
}
