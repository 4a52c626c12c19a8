// Package uri decodes the share links that follow the plain
// scheme://credential@host:port?params#label shape (vless://, trojan://).
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/sub/codec"
)

const (
	VLESSPrefix  = "vless://"
	TrojanPrefix = "trojan://"
)

// identityRule turns the decoded userinfo segment into the scheme credential.
type identityRule struct {
	Prefix   string
	Scheme   model.Scheme
	Identity func(userinfo string) (map[string]string, error)
}

var identityRules = []identityRule{
	{Prefix: VLESSPrefix, Scheme: model.SchemeVLESS, Identity: vlessIdentity},
	{Prefix: TrojanPrefix, Scheme: model.SchemeTrojan, Identity: trojanIdentity},
}

var errEmptyCredential = errors.New("empty credential")

func vlessIdentity(userinfo string) (map[string]string, error) {
	id := codec.NormalizeUUID(userinfo)
	if id == "" {
		return nil, errEmptyCredential
	}
	if codec.HasControlChars(id) {
		return nil, errors.New("control chars in id")
	}
	return map[string]string{"id": id}, nil
}

// trojanIdentity keeps the whole userinfo, so a "user:pass" pair stays one
// opaque password.
func trojanIdentity(userinfo string) (map[string]string, error) {
	if strings.TrimSpace(userinfo) == "" {
		return nil, errEmptyCredential
	}
	if codec.HasControlChars(userinfo) {
		return nil, errors.New("control chars in password")
	}
	return map[string]string{"password": userinfo}, nil
}

// Decode parses one vless:// or trojan:// link. Every query parameter is kept
// as a string option; the renderer decides which ones matter.
func Decode(link model.RawLink) (model.Descriptor, *model.DecodeError) {
	s := strings.TrimSpace(link.Text)

	var rule *identityRule
	for i := range identityRules {
		p := identityRules[i].Prefix
		if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
			rule = &identityRules[i]
			s = s[len(p):]
			break
		}
	}
	if rule == nil {
		return model.Descriptor{}, codec.Fail(link, model.KindUnrecognizedLine, "不支持的链接协议", nil)
	}

	s, frag, hasFrag := strings.Cut(s, "#")
	label := ""
	if hasFrag {
		label = codec.DecodeFragment(frag)
	}
	s, query, _ := strings.Cut(s, "?")
	authority := s
	if idx := strings.IndexByte(authority, '/'); idx >= 0 {
		authority = authority[:idx]
	}
	if authority == "" {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidAuthority, "链接缺少服务器地址", nil)
	}

	userinfo, hostPort, ok := cutLast(authority, "@")
	if !ok {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "链接缺少凭据（user@host）", nil)
	}
	if v, err := url.PathUnescape(userinfo); err == nil {
		userinfo = v
	}
	identity, err := rule.Identity(userinfo)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidCredential, "凭据不合法", err)
	}

	host, port, err := codec.ParseHostPort(hostPort)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, codec.EndpointKind(err), "服务器地址或端口不合法", err)
	}
	if strings.ContainsAny(host, " /\\?#@") {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidAuthority, "服务器地址包含非法字符", nil)
	}

	params := codec.ParseQuery(query)
	opts := make(map[string]any, len(params))
	for _, kv := range params {
		opts[kv.Key] = kv.Value
	}
	if sec, ok := opts["security"].(string); ok {
		if _, known := model.StreamSecurity(sec); !known {
			return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "不支持的 security 参数", fmt.Errorf("security=%q", sec))
		}
	}

	return model.Descriptor{
		Scheme:     rule.Scheme,
		Host:       host,
		Port:       port,
		Identity:   identity,
		Options:    opts,
		Label:      label,
		SourceLine: link.Line,
	}, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
