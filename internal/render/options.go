package render

import (
	"fmt"
	"slices"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/samber/lo"
)

// options is a read-only view of a descriptor's transport options with the
// type checks the mapping tables rely on.
type options struct {
	tag  string
	line int
	m    map[string]any
}

func newOptions(e model.ResolvedEntry) (options, error) {
	o := options{tag: e.Tag, line: e.Descriptor.SourceLine, m: e.Descriptor.Options}
	keys := lo.Keys(o.m)
	slices.Sort(keys)
	for _, k := range keys {
		switch o.m[k].(type) {
		case string, bool:
		default:
			return options{}, o.unrepresentable(k, o.m[k], nil)
		}
	}
	return o, nil
}

// str returns a trimmed string option. A bool where text is expected cannot be
// written into the document.
func (o options) str(key string) (string, error) {
	switch v := o.m[key].(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	default:
		return "", o.unrepresentable(key, v, nil)
	}
}

// flag reads a boolean option given either as a bool or as "1"/"true".
func (o options) flag(key string) bool {
	switch v := o.m[key].(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "1" || s == "true"
	}
	return false
}

// list splits a comma separated option, dropping empty items.
func (o options) list(key string) ([]string, error) {
	s, err := o.str(key)
	if err != nil || s == "" {
		return nil, err
	}
	out := make([]string, 0, 2)
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func (o options) unrepresentable(key string, v any, cause error) *RenderError {
	return &RenderError{
		AppError: model.AppError{
			Code:    "UNREPRESENTABLE_OPTION",
			Message: fmt.Sprintf("节点 %s 的选项 %s 无法写入配置（%T）", o.tag, key, v),
			Stage:   "render",
			Line:    o.line,
			Snippet: fmt.Sprintf("%s=%v", key, v),
		},
		Cause: cause,
	}
}
