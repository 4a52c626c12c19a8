package compiler

import (
	"errors"
	"fmt"

	"github.com/John-Robertt/subxray/internal/model"
)

// Result is the deduplicated, tagged entry list in first-seen order.
type Result struct {
	Entries []model.ResolvedEntry
	// Duplicates reports every descriptor that collapsed into an earlier one.
	Duplicates []model.Diagnostic
}

type Options struct {
	// Reserved tags are names no node may take (balancers).
	Reserved []string
	// Static outbound tags sit next to the nodes in the outbounds list, so no
	// node tag may share a prefix with them either.
	Static []string
}

type CompileError struct {
	AppError model.AppError
	Cause    error
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// Resolve canonicalizes descs (already in source order), drops duplicates
// keeping the first occurrence, classifies what remains and assigns unique
// tags. Input descriptors are never modified.
func Resolve(descs []model.Descriptor, opt Options) (*Result, error) {
	// 1) Canonicalize
	canon := make([]model.Descriptor, 0, len(descs))
	for _, d := range descs {
		c, err := Canonicalize(d)
		if err != nil {
			return nil, &CompileError{
				AppError: model.AppError{
					Code:    "INVALID_DESCRIPTOR",
					Message: "节点字段不合法",
					Stage:   "compile",
					Line:    d.SourceLine,
					Snippet: d.Endpoint(),
				},
				Cause: err,
			}
		}
		canon = append(canon, c)
	}

	// 2) Dedup (keep first occurrence in source order).
	firstLine := make(map[model.CanonicalKey]int, len(canon))
	kept := make([]model.Descriptor, 0, len(canon))
	var dups []model.Diagnostic
	for _, d := range canon {
		key := Key(d)
		if line, ok := firstLine[key]; ok {
			dups = append(dups, model.Diagnostic{
				Line:    d.SourceLine,
				Kind:    model.KindDuplicate,
				Message: fmt.Sprintf("与第 %d 行的节点重复，已忽略", line),
				Snippet: d.Endpoint(),
			})
			continue
		}
		firstLine[key] = d.SourceLine
		kept = append(kept, d)
	}

	// 3) Categories, then tags in the same order.
	entries := make([]model.ResolvedEntry, len(kept))
	for i, d := range kept {
		entries[i] = model.ResolvedEntry{Descriptor: d, Category: Classify(d)}
	}
	tags := AssignTags(entries, opt.Reserved, opt.Static)
	for i := range entries {
		entries[i].Tag = tags[i]
	}

	return &Result{Entries: entries, Duplicates: dups}, nil
}

var (
	errEmptyHost   = errors.New("empty host")
	errInvalidPort = errors.New("port out of range")
)
