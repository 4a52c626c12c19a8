package model

import (
	"fmt"
	"maps"
	"strings"
)

// Scheme is the closed set of share-link families this module understands.
type Scheme string

const (
	SchemeVMess  Scheme = "vmess"
	SchemeVLESS  Scheme = "vless"
	SchemeTrojan Scheme = "trojan"
	SchemeSS     Scheme = "ss"
)

// Protocol returns the Xray outbound protocol name for the scheme.
func (s Scheme) Protocol() string {
	switch s {
	case SchemeVMess:
		return "vmess"
	case SchemeVLESS:
		return "vless"
	case SchemeTrojan:
		return "trojan"
	case SchemeSS:
		return "shadowsocks"
	default:
		return ""
	}
}

// streamSecurity maps the security values found in links to the Xray
// streamSettings.security value. Decoders reject links whose value is missing
// from this table so the renderer never meets one.
var streamSecurity = map[string]string{
	"":        "none",
	"none":    "none",
	"tls":     "tls",
	"xtls":    "tls",
	"reality": "reality",
}

// StreamSecurity returns the Xray security name for a link's security value.
func StreamSecurity(raw string) (string, bool) {
	s, ok := streamSecurity[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// RawLink is one candidate line of subscription text. Line is 1-based and
// refers to the text the link was split from (the unwrapped text when the
// subscription was base64-wrapped).
type RawLink struct {
	Line int
	Text string
}

// Descriptor is the decoded form of one share link.
//
// A Descriptor is treated as immutable once a decoder returns it: later stages
// copy it (Clone) instead of editing maps in place.
type Descriptor struct {
	Scheme Scheme
	Host   string
	Port   int

	// Identity holds the scheme credential:
	//   vmess:  id, security
	//   vless:  id
	//   trojan: password
	//   ss:     method, password
	Identity map[string]string

	// Options holds transport parameters. Values are string or bool; anything
	// else is rejected by the renderer.
	Options map[string]any

	// Label is the name suggested by the link. It may be empty, duplicated or
	// contain characters that are not valid in a tag.
	Label string

	SourceLine int
}

func (d Descriptor) Clone() Descriptor {
	d.Identity = maps.Clone(d.Identity)
	d.Options = maps.Clone(d.Options)
	return d
}

// Option returns a string option, or "" when the key is absent or not a string.
func (d Descriptor) Option(key string) string {
	if v, ok := d.Options[key].(string); ok {
		return v
	}
	return ""
}

func (d Descriptor) Endpoint() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// CanonicalKey identifies a logical server. Two descriptors with an equal key
// collapse to one entry. Identity and Options are pre-serialized in sorted
// key order so the struct stays comparable.
type CanonicalKey struct {
	Scheme   Scheme
	Host     string
	Port     int
	Identity string
	Options  string
}

type Category string

const (
	CategoryProxy Category = "proxy"
	CategoryCDN   Category = "cdn"
	CategoryWarp  Category = "warp"
)

// Categories lists categories in balancer output order.
var Categories = []Category{CategoryCDN, CategoryWarp, CategoryProxy}

// ResolvedEntry is a deduplicated descriptor with its final unique tag.
type ResolvedEntry struct {
	Descriptor Descriptor
	Tag        string
	Category   Category
}
