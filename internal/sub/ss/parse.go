// Package ss decodes ss:// share links (SIP002 and the legacy whole-base64 form).
package ss

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/sub/codec"
)

const Prefix = "ss://"

// Decode parses one ss:// link.
//
// Accepted forms:
//
//	ss://method:password@host:port[/][?plugin=...][#label]   (plaintext userinfo)
//	ss://base64(method:password)@host:port[/][?plugin=...][#label]
//	ss://base64(method:password@host:port)[#label]            (legacy)
func Decode(link model.RawLink) (model.Descriptor, *model.DecodeError) {
	s := link.Text

	// Split fragment first: #label
	withoutFrag, frag, hasFrag := strings.Cut(s, "#")
	label := ""
	if hasFrag {
		label = codec.DecodeFragment(frag)
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	opts := pluginOption(query)

	rest := withoutQuery
	if len(rest) >= len(Prefix) && strings.EqualFold(rest[:len(Prefix)], Prefix) {
		rest = rest[len(Prefix):]
	}
	if rest == "" {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "ss:// 后缺少内容", nil)
	}

	if strings.Contains(rest, "@") {
		userInfo, hostPart, _ := cutLast(rest, "@")
		if userInfo == "" {
			return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss userinfo 为空", nil)
		}
		if hostPart == "" {
			return model.Descriptor{}, codec.Fail(link, model.KindEmptyHost, "服务器地址为空", nil)
		}

		// Only allow empty path or a single trailing "/".
		hostPort := hostPart
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			hostPort = hostPort[:idx]
		}

		method, password, err := decodeUserInfo(userInfo)
		if err != nil {
			return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss userinfo 既不是 method:password 也不是合法 base64", err)
		}

		host, port, err := codec.ParseHostPort(hostPort)
		if err != nil {
			return model.Descriptor{}, codec.Fail(link, codec.EndpointKind(err), "服务器地址或端口不合法", err)
		}
		return newDescriptor(link, host, port, method, password, label, opts), nil
	}

	// Legacy: ss://<b64(method:password@host:port)>
	b, err := codec.DecodeBase64(rest)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss base64 解码失败", err)
	}
	decoded := string(b)
	if !utf8.ValidString(decoded) {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss base64 解码结果不是合法 UTF-8", nil)
	}
	credPart, hostPortPart, ok := cutLast(decoded, "@")
	if !ok {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss base64 解码结果缺少 @ 分隔符", nil)
	}
	method, password, err := splitMethodPassword(credPart)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "ss base64 解码结果缺少 method:password", err)
	}
	host, port, err := codec.ParseHostPort(hostPortPart)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, codec.EndpointKind(err), "服务器地址或端口不合法", err)
	}
	return newDescriptor(link, host, port, method, password, label, opts), nil
}

func newDescriptor(link model.RawLink, host string, port int, method, password, label string, opts map[string]any) model.Descriptor {
	return model.Descriptor{
		Scheme: model.SchemeSS,
		Host:   host,
		Port:   port,
		Identity: map[string]string{
			"method":   method,
			"password": password,
		},
		Options:    opts,
		Label:      label,
		SourceLine: link.Line,
	}
}

// decodeUserInfo treats userinfo with a literal ':' as plaintext and anything
// else as base64(method:password).
func decodeUserInfo(userInfo string) (string, string, error) {
	plain := userInfo
	if v, err := url.PathUnescape(userInfo); err == nil {
		plain = v
	}
	if strings.Contains(plain, ":") {
		return splitMethodPassword(plain)
	}

	b, err := codec.DecodeBase64(plain)
	if err != nil {
		return "", "", err
	}
	if !utf8.Valid(b) {
		return "", "", errors.New("decoded method:password is not valid utf-8")
	}
	return splitMethodPassword(string(b))
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(s[:colon])
	password := strings.TrimSpace(s[colon+1:])
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if codec.HasControlChars(method) || codec.HasControlChars(password) {
		return "", "", errors.New("control chars in method/password")
	}
	return method, password, nil
}

// pluginOption captures the SIP003 "plugin" query parameter verbatim
// (percent-decoded). Every other query parameter is ignored.
func pluginOption(query string) map[string]any {
	for _, kv := range codec.ParseQuery(query) {
		if kv.Key == "plugin" && strings.TrimSpace(kv.Value) != "" {
			return map[string]any{"plugin": kv.Value}
		}
	}
	return map[string]any{}
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
