// Package sub turns a subscription document into decoded descriptors: it
// splits the text into candidate links, unwraps one level of base64, and
// dispatches each link to its scheme decoder.
package sub

import (
	"sort"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/sub/ss"
	"github.com/John-Robertt/subxray/internal/sub/uri"
	"github.com/John-Robertt/subxray/internal/sub/vmess"
)

// DecodeFunc is the contract every scheme decoder implements. A failure is a
// returned value, never a panic.
type DecodeFunc func(model.RawLink) (model.Descriptor, *model.DecodeError)

type schemeEntry struct {
	Prefix string
	Scheme model.Scheme
	Decode DecodeFunc
}

// schemes is the closed prefix table, sorted longest prefix first so the most
// specific entry wins.
var schemes = sortedSchemes([]schemeEntry{
	{Prefix: vmess.Prefix, Scheme: model.SchemeVMess, Decode: vmess.Decode},
	{Prefix: uri.VLESSPrefix, Scheme: model.SchemeVLESS, Decode: uri.Decode},
	{Prefix: uri.TrojanPrefix, Scheme: model.SchemeTrojan, Decode: uri.Decode},
	{Prefix: ss.Prefix, Scheme: model.SchemeSS, Decode: ss.Decode},
})

func sortedSchemes(in []schemeEntry) []schemeEntry {
	sort.SliceStable(in, func(i, j int) bool { return len(in[i].Prefix) > len(in[j].Prefix) })
	return in
}

// lookup finds the table entry whose prefix matches line, ignoring case.
func lookup(line string) (schemeEntry, bool) {
	for _, e := range schemes {
		if len(line) >= len(e.Prefix) && strings.EqualFold(line[:len(e.Prefix)], e.Prefix) {
			return e, true
		}
	}
	return schemeEntry{}, false
}

// SchemeOf reports the scheme a line would be dispatched to.
func SchemeOf(line string) (model.Scheme, bool) {
	e, ok := lookup(line)
	return e.Scheme, ok
}

// SupportedPrefixes lists the recognized link prefixes, longest first.
func SupportedPrefixes() []string {
	out := make([]string, 0, len(schemes))
	for _, e := range schemes {
		out = append(out, e.Prefix)
	}
	return out
}

// DecodeLink dispatches one link to its scheme decoder.
func DecodeLink(link model.RawLink) (model.Descriptor, *model.DecodeError) {
	e, ok := lookup(link.Text)
	if !ok {
		return model.Descriptor{}, unrecognized(link)
	}
	return e.Decode(link)
}
