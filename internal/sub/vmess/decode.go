// Package vmess decodes vmess:// share links: a base64 blob wrapping a JSON
// object in the v2rayN layout.
package vmess

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/sub/codec"
)

const Prefix = "vmess://"

var payloadJSON = jsoniter.Config{UseNumber: true}.Froze()

// optionFields maps payload keys to transport option keys. Keys that share a
// destination are listed in priority order; the first non-empty one wins.
var optionFields = []struct {
	Src string
	Dst string
}{
	{"net", "type"},
	{"tls", "security"},
	{"sni", "sni"},
	{"alpn", "alpn"},
	{"fp", "fp"},
	{"host", "host"},
	{"path", "path"},
	{"type", "headerType"},
	{"aid", "alterId"},
	{"pbk", "pbk"},
	{"sid", "sid"},
	{"spx", "spx"},
	{"flow", "flow"},
	{"mode", "mode"},
	{"authority", "authority"},
	{"serviceName", "serviceName"},
}

// boolFields are payload keys that end up as the boolean allowInsecure option.
var boolFields = []string{"allowInsecure", "skip-cert-verify"}

// Decode parses one vmess:// link.
func Decode(link model.RawLink) (model.Descriptor, *model.DecodeError) {
	s := strings.TrimSpace(link.Text)
	if len(s) >= len(Prefix) && strings.EqualFold(s[:len(Prefix)], Prefix) {
		s = s[len(Prefix):]
	}
	payload, frag, _ := strings.Cut(s, "#")
	if strings.TrimSpace(payload) == "" {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess:// 后缺少内容", nil)
	}

	raw, err := decodePayload(payload)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 载荷不是合法 base64", err)
	}
	if !utf8.Valid(raw) {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 载荷不是合法 UTF-8", nil)
	}

	var doc map[string]any
	if err := payloadJSON.Unmarshal(raw, &doc); err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 载荷不是 JSON 对象", err)
	}
	if doc == nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 载荷不是 JSON 对象", nil)
	}

	host, ok, err := field(doc, "add")
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 字段 add 类型不合法", err)
	}
	if !ok {
		return model.Descriptor{}, codec.Fail(link, model.KindMissingField, "vmess 缺少字段 add", nil)
	}
	portStr, ok, err := field(doc, "port")
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPort, "vmess 字段 port 类型不合法", err)
	}
	if !ok || strings.TrimSpace(portStr) == "" {
		return model.Descriptor{}, codec.Fail(link, model.KindMissingField, "vmess 缺少字段 port", nil)
	}
	id, ok, err := field(doc, "id")
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 字段 id 类型不合法", err)
	}
	if !ok || strings.TrimSpace(id) == "" {
		return model.Descriptor{}, codec.Fail(link, model.KindMissingField, "vmess 缺少字段 id", nil)
	}

	host, port, err := codec.CheckEndpoint(host, portStr)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, codec.EndpointKind(err), "服务器地址或端口不合法", err)
	}

	security, _, err := field(doc, "scy")
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 字段 scy 类型不合法", err)
	}
	security = strings.TrimSpace(security)
	if security == "" {
		security = "auto"
	}

	opts, err := options(doc)
	if err != nil {
		return model.Descriptor{}, codec.Fail(link, model.KindInvalidPayload, "vmess 传输参数无法表示", err)
	}

	label, _, _ := field(doc, "ps")
	label = strings.TrimSpace(label)
	if label == "" && frag != "" {
		label = codec.DecodeFragment(frag)
	}

	return model.Descriptor{
		Scheme: model.SchemeVMess,
		Host:   host,
		Port:   port,
		Identity: map[string]string{
			"id":       codec.NormalizeUUID(id),
			"security": security,
		},
		Options:    opts,
		Label:      label,
		SourceLine: link.Line,
	}, nil
}

// decodePayload accepts every base64 alphabet and, failing that, a
// percent-escaped payload (some panels escape '=' and '+').
func decodePayload(payload string) ([]byte, error) {
	b, err := codec.DecodeBase64(payload)
	if err == nil {
		return b, nil
	}
	unescaped, uerr := url.PathUnescape(payload)
	if uerr != nil || unescaped == payload {
		return nil, err
	}
	return codec.DecodeBase64(unescaped)
}

func options(doc map[string]any) (map[string]any, error) {
	opts := make(map[string]any, len(optionFields)+1)
	for _, f := range optionFields {
		if _, exists := opts[f.Dst]; exists {
			continue
		}
		v, ok, err := field(doc, f.Src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Src, err)
		}
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		opts[f.Dst] = v
	}
	// v2rayN writes "tls": "none" for plaintext links.
	if opts["security"] == "none" {
		delete(opts, "security")
	}
	if sec, ok := opts["security"].(string); ok {
		if _, known := model.StreamSecurity(sec); !known {
			return nil, fmt.Errorf("tls: unsupported value %q", sec)
		}
	}
	if aid, ok := opts["alterId"].(string); ok {
		if n, err := strconv.Atoi(aid); err != nil || n < 0 {
			return nil, fmt.Errorf("aid: not a non-negative integer %q", aid)
		}
	}
	for _, key := range boolFields {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		b, err := boolValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if b {
			opts["allowInsecure"] = true
			break
		}
	}
	return opts, nil
}

// field reads a scalar payload value as a string. ok is false when the key is
// absent or null. Arrays of strings are joined with ',' (alpn is sometimes
// written as a list). Objects and mixed arrays are an error.
func field(doc map[string]any, key string) (string, bool, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	switch v := raw.(type) {
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(v), true, nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", false, fmt.Errorf("unsupported array element %T", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true, nil
	default:
		return "", false, fmt.Errorf("unsupported value type %T", raw)
	}
}

func boolValue(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case json.Number:
		return v.String() != "0", nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "0", "false":
			return false, nil
		case "1", "true":
			return true, nil
		}
		return false, fmt.Errorf("invalid boolean %q", v)
	default:
		return false, fmt.Errorf("unsupported value type %T", raw)
	}
}
