// Package codec holds the small text helpers shared by the share-link decoders.
package codec

import (
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/John-Robertt/subxray/internal/model"
)

var (
	ErrEmptyHost   = errors.New("empty host")
	ErrInvalidPort = errors.New("port out of range")
)

// Fail builds a decode error for link. The snippet is the raw line truncated
// to 200 bytes.
func Fail(link model.RawLink, kind model.DecodeErrorKind, message string, cause error) *model.DecodeError {
	return &model.DecodeError{
		Kind:    kind,
		Line:    link.Line,
		Message: message,
		Snippet: TruncateSnippet(link.Text, 200),
		Cause:   cause,
	}
}

// DecodeBase64 accepts the standard and URL-safe alphabets, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = RemoveSpaceTabCRLF(s)
	// Try standard alphabet (with padding) first, then URL-safe, then raw (no padding).
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// LooksLikeBase64 reports whether s (whitespace removed) is made only of
// base64 alphabet characters and has a length that a base64 encoder could
// produce: a multiple of 4 when padded, never 1 mod 4 when unpadded.
func LooksLikeBase64(s string) bool {
	s = RemoveSpaceTabCRLF(s)
	if s == "" {
		return false
	}
	body := strings.TrimRight(s, "=")
	pad := len(s) - len(body)
	if pad > 2 || body == "" {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '-' || c == '_':
		default:
			return false
		}
	}
	if pad > 0 {
		return len(s)%4 == 0
	}
	return len(body)%4 != 1
}

// ParseHostPort splits "host:port" (IPv6 in brackets) and validates both halves.
// Errors are ErrEmptyHost, ErrInvalidPort, or a net.SplitHostPort error for a
// malformed authority.
func ParseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", 0, err
	}
	return CheckEndpoint(host, portStr)
}

// CheckEndpoint validates a host and a decimal port string.
func CheckEndpoint(host, portStr string) (string, int, error) {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	// "." names the DNS root; it is empty once the trailing dot is stripped.
	if strings.TrimSuffix(host, ".") == "" {
		return "", 0, ErrEmptyHost
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func ParsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Join(ErrInvalidPort, err)
	}
	if n < 1 || n > 65535 {
		return 0, ErrInvalidPort
	}
	return n, nil
}

// EndpointKind maps a host/port validation error to its decode error kind.
func EndpointKind(err error) model.DecodeErrorKind {
	switch {
	case errors.Is(err, ErrEmptyHost):
		return model.KindEmptyHost
	case errors.Is(err, ErrInvalidPort):
		return model.KindInvalidPort
	default:
		return model.KindInvalidAuthority
	}
}

// DecodeFragment percent-decodes a link fragment. Malformed escapes keep the
// raw text instead of failing the link.
func DecodeFragment(frag string) string {
	if decoded, err := url.PathUnescape(frag); err == nil {
		frag = decoded
	}
	return strings.TrimSpace(frag)
}

// ParseQuery splits a raw query on '&' only. net/url.ParseQuery rejects bare
// semicolons, which share links use inside values (e.g. SIP003 plugin opts).
// The first occurrence of a key wins; undecodable values are kept raw.
func ParseQuery(raw string) []KV {
	out := make([]KV, 0, 8)
	seen := make(map[string]struct{}, 8)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, _ := strings.Cut(part, "=")
		k := unescapeLoose(kRaw)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, KV{Key: k, Value: unescapeLoose(vRaw)})
	}
	return out
}

type KV struct {
	Key   string
	Value string
}

func unescapeLoose(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// NormalizeUUID returns the canonical lowercase form of a UUID credential.
// Strings that are not UUIDs are returned trimmed but otherwise unchanged;
// Xray maps them to a UUIDv5.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return s
}

func RemoveSpaceTabCRLF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func StripUTF8BOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

func TruncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func HasControlChars(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}
