package compiler

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/John-Robertt/subxray/internal/model"
)

// Tag punctuation that survives sanitizing. Everything else outside letters,
// digits and combining marks is dropped (emoji, flags, quotes, slashes).
const tagPunct = "-_.:@+()[]"

// SanitizeLabel turns a free-form label into a tag candidate. Whitespace runs
// become a single '-'; the result never starts or ends with '-'.
func SanitizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	pendingDash := false
	for _, r := range label {
		switch {
		case unicode.IsSpace(r):
			pendingDash = true
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r), strings.ContainsRune(tagPunct, r):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

func baseTag(e model.ResolvedEntry) string {
	base := SanitizeLabel(e.Descriptor.Label)
	if base == "" {
		base = net.JoinHostPort(e.Descriptor.Host, strconv.Itoa(e.Descriptor.Port))
	}
	if e.Category == model.CategoryWarp && !strings.HasPrefix(strings.ToLower(base), "warp") {
		base = "warp-" + base
	}
	return base
}

type takenTag struct {
	lower    string
	category model.Category
}

// tagFold tracks taken tags case-insensitively. Xray balancer selectors match
// by tag prefix, so an outbound tag must also never be a prefix of, or
// prefixed by, an outbound tag of another category. Static outbounds carry no
// category and are foreign to every node.
type tagFold struct {
	used     map[string]struct{}
	outbound []takenTag
}

func (f *tagFold) foreign(lower string, cat model.Category, blocks func(lower, other string) bool) bool {
	for _, o := range f.outbound {
		if o.category != cat && blocks(lower, o.lower) {
			return true
		}
	}
	return false
}

func (f *tagFold) free(tag string, cat model.Category) bool {
	lower := strings.ToLower(tag)
	if _, ok := f.used[lower]; ok {
		return false
	}
	return !f.foreign(lower, cat, func(l, o string) bool {
		return strings.HasPrefix(l, o) || strings.HasPrefix(o, l)
	})
}

// stuck reports whether every "-N" suffix of family is shadowed by a foreign
// outbound tag.
func (f *tagFold) stuck(family string, cat model.Category) bool {
	return f.foreign(strings.ToLower(family)+"-", cat, strings.HasPrefix)
}

func (f *tagFold) take(tag string, cat model.Category) {
	lower := strings.ToLower(tag)
	f.used[lower] = struct{}{}
	f.outbound = append(f.outbound, takenTag{lower: lower, category: cat})
}

func (f *tagFold) pick(base string, cat model.Category) string {
	limit := len(f.used) + 2
	for _, family := range []string{base, string(cat) + "-" + base} {
		if f.free(family, cat) {
			return family
		}
		if f.stuck(family, cat) {
			continue
		}
		for n := 2; n <= limit; n++ {
			if try := fmt.Sprintf("%s-%d", family, n); f.free(try, cat) {
				return try
			}
		}
	}
	// Sanitized labels and host:port never start with '~', and each taken
	// tag rules out at most one n here.
	for n := 1; ; n++ {
		if try := fmt.Sprintf("~%d-%s", n, base); f.free(try, cat) {
			return try
		}
	}
}

// AssignTags folds over entries in order and returns one unique tag per
// entry. Tags compare case-insensitively. The fold starts with reserved
// (balancer names) and static (direct, block), so a node never takes the
// name of either. A taken candidate gets the first free "-2", "-3", ...
// suffix; a candidate that a selector of another category would capture
// falls back to a "<category>-" prefixed family.
func AssignTags(entries []model.ResolvedEntry, reserved, static []string) []string {
	f := &tagFold{used: make(map[string]struct{}, len(entries)+len(reserved)+len(static))}
	for _, r := range reserved {
		f.used[strings.ToLower(r)] = struct{}{}
	}
	for _, s := range static {
		f.take(s, "")
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		tag := f.pick(baseTag(e), e.Category)
		f.take(tag, e.Category)
		out = append(out, tag)
	}
	return out
}
