package compiler

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/John-Robertt/subxray/internal/model"
)

// Canonicalize returns a normalized copy of d:
//   - host: trimmed, lowercased, one trailing dot stripped, IP literals in
//     canonical form
//   - identity: trimmed; UUIDs and cipher names lowercased
//   - options: string values trimmed, empty strings dropped
func Canonicalize(d model.Descriptor) (model.Descriptor, error) {
	out := d.Clone()
	out.Host = CanonicalHost(d.Host)
	if out.Host == "" {
		return model.Descriptor{}, errEmptyHost
	}
	if out.Port < 1 || out.Port > 65535 {
		return model.Descriptor{}, errInvalidPort
	}

	identity := make(map[string]string, len(d.Identity))
	for k, v := range d.Identity {
		v = strings.TrimSpace(v)
		if lowercaseIdentity(d.Scheme, k) {
			v = strings.ToLower(v)
		}
		identity[k] = v
	}
	out.Identity = identity

	opts := make(map[string]any, len(d.Options))
	for k, v := range d.Options {
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			v = s
		}
		opts[k] = v
	}
	out.Options = opts
	out.Label = strings.TrimSpace(d.Label)
	return out, nil
}

func CanonicalHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	h = strings.ToLower(h)
	h = strings.TrimSuffix(h, ".")
	if addr, err := netip.ParseAddr(h); err == nil {
		return addr.String()
	}
	return h
}

func lowercaseIdentity(s model.Scheme, key string) bool {
	switch s {
	case model.SchemeVMess:
		return key == "id" || key == "security"
	case model.SchemeVLESS:
		return key == "id"
	case model.SchemeSS:
		return key == "method"
	default:
		return false
	}
}

// Key derives the dedup key of a canonical descriptor. Label and source line
// do not take part.
func Key(d model.Descriptor) model.CanonicalKey {
	return model.CanonicalKey{
		Scheme:   d.Scheme,
		Host:     CanonicalHost(d.Host),
		Port:     d.Port,
		Identity: serializeMap(d.Identity),
		Options:  serializeMap(d.Options),
	}
}

// serializeMap writes entries in sorted key order with quoted keys and
// values, so no two different maps share a serialization.
func serializeMap[V any](m map[string]V) string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		switch v := any(m[k]).(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		case bool:
			b.WriteString(strconv.FormatBool(v))
		default:
			b.WriteString(strconv.Quote(fmt.Sprintf("%T:%v", v, v)))
		}
		b.WriteByte(';')
	}
	return b.String()
}
