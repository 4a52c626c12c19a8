// Package rules parses static routing rule lines:
//
//	TYPE,VALUE[|VALUE...],ACTION[,tcp|udp]
//
// ACTION is "direct", "block" or "@<category>" (routes to the balancer of that
// node category). Each TYPE maps to one field of an Xray routing rule. '|'
// always separates values, so a DOMAIN-REGEX alternation has to be written as
// separate values.
package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

const (
	ActionDirect = "direct"
	ActionBlock  = "block"
)

// Matcher describes how one rule TYPE lands in an Xray routing rule: the
// field it fills and the prefix each value gets.
type Matcher struct {
	Field  string
	Prefix string
	check  func(string) error
}

var matchers = map[string]Matcher{
	"DOMAIN":         {Field: "domain", Prefix: "full:", check: checkToken},
	"DOMAIN-SUFFIX":  {Field: "domain", Prefix: "domain:", check: checkToken},
	"DOMAIN-KEYWORD": {Field: "domain", Prefix: "", check: checkKeyword},
	"DOMAIN-REGEX":   {Field: "domain", Prefix: "regexp:", check: checkRegex},
	"GEOSITE":        {Field: "domain", Prefix: "geosite:", check: checkToken},
	"EXT-SITE":       {Field: "domain", Prefix: "ext:", check: checkExt},
	"IP-CIDR":        {Field: "ip", Prefix: "", check: checkCIDR},
	"IP-CIDR6":       {Field: "ip", Prefix: "", check: checkCIDR},
	"GEOIP":          {Field: "ip", Prefix: "geoip:", check: checkToken},
	"EXT-IP":         {Field: "ip", Prefix: "ext:", check: checkExt},
	"PORT":           {Field: "port", Prefix: "", check: checkPort},
	"PROTOCOL":       {Field: "protocol", Prefix: "", check: checkProtocol},
}

// MatcherFor returns the Xray mapping of a parsed rule's type.
func MatcherFor(typ string) (Matcher, bool) {
	m, ok := matchers[typ]
	return m, ok
}

// ParseRulesetText parses a remote rule list. Lines may omit ACTION, in which
// case defaultAction is used. stage is always "parse_ruleset".
func ParseRulesetText(sourceURL string, text string, defaultAction string) ([]model.Rule, error) {
	action, err := NormalizeAction(defaultAction)
	if err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "RULESET_PARSE_ERROR",
				Message: "ruleset 默认 ACTION 不合法",
				Stage:   "parse_ruleset",
				URL:     sourceURL,
			},
			Cause: err,
		}
	}

	lines := strings.Split(text, "\n")
	out := make([]model.Rule, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r, err := parseRuleLine(line, ruleParseOptions{AllowNoAction: true, DefaultAction: action})
		if err != nil {
			var rerr *RuleError
			if errors.As(err, &rerr) {
				return nil, &ParseError{
					AppError: model.AppError{
						Code:    rerr.Code,
						Message: rerr.Message,
						Stage:   "parse_ruleset",
						URL:     sourceURL,
						Line:    i + 1,
						Snippet: truncateSnippet(raw, 200),
						Hint:    rerr.Hint,
					},
					Cause: rerr.Cause,
				}
			}
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: "invalid rule line",
					Stage:   "parse_ruleset",
					URL:     sourceURL,
					Line:    i + 1,
					Snippet: truncateSnippet(raw, 200),
				},
				Cause: err,
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseInlineRule parses a single rule line. ACTION is required.
func ParseInlineRule(line string) (model.Rule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}
	return parseRuleLine(line, ruleParseOptions{})
}

// NormalizeAction lowercases and validates an ACTION.
func NormalizeAction(action string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(action))
	switch a {
	case ActionDirect, ActionBlock:
		return a, nil
	case "reject":
		return ActionBlock, nil
	}
	if cat, ok := strings.CutPrefix(a, "@"); ok {
		switch model.Category(cat) {
		case model.CategoryProxy, model.CategoryCDN, model.CategoryWarp:
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", action)
}

// ActionCategory returns the category an "@<category>" action routes to.
func ActionCategory(action string) (model.Category, bool) {
	cat, ok := strings.CutPrefix(action, "@")
	return model.Category(cat), ok
}

type ruleParseOptions struct {
	AllowNoAction bool
	DefaultAction string
}

func parseRuleLine(line string, opt ruleParseOptions) (model.Rule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则类型不能为空"}
	}

	typ := strings.ToUpper(parts[0])
	if typ == "MATCH" || typ == "FINAL" {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "不允许手写兜底规则",
			Hint:    "the catch-all rule is generated from the node categories",
		}
	}
	m, ok := matchers[typ]
	if !ok {
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
		}
	}

	var valuePart, actionPart, networkPart string
	switch len(parts) {
	case 2:
		if !opt.AllowNoAction {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则缺少 ACTION",
				Hint:    "expected: TYPE,VALUE,ACTION[,tcp|udp]",
			}
		}
		valuePart, actionPart = parts[1], opt.DefaultAction
	case 3:
		valuePart, actionPart = parts[1], parts[2]
		if opt.AllowNoAction && isNetwork(parts[2]) {
			actionPart, networkPart = opt.DefaultAction, parts[2]
		}
	case 4:
		valuePart, actionPart, networkPart = parts[1], parts[2], parts[3]
	default:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则字段数量不合法",
			Hint:    "expected: TYPE,VALUE[|VALUE...],ACTION[,tcp|udp]",
		}
	}

	values := splitValues(valuePart)
	if len(values) == 0 {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE 不能为空"}
	}
	for _, v := range values {
		if err := m.check(v); err != nil {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("%s 的 VALUE 不合法：%s", typ, v),
				Cause:   err,
			}
		}
	}

	action, err := NormalizeAction(actionPart)
	if err != nil {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则 ACTION 不合法",
			Hint:    "expected: direct, block, @proxy, @cdn or @warp",
			Cause:   err,
		}
	}

	network := ""
	if networkPart != "" {
		if !isNetwork(networkPart) {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则的可选项仅支持 tcp 或 udp",
				Hint:    "expected: TYPE,VALUE,ACTION[,tcp|udp]",
			}
		}
		network = strings.ToLower(networkPart)
	}

	if typ == "IP-CIDR6" {
		typ = "IP-CIDR"
	}
	return model.Rule{Type: typ, Values: values, Action: action, Network: network}, nil
}

func splitValues(s string) []string {
	out := make([]string, 0, 4)
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func isNetwork(s string) bool {
	switch strings.ToLower(s) {
	case "tcp", "udp":
		return true
	}
	return false
}

func checkToken(s string) error {
	if strings.ContainsAny(s, " \t\"") {
		return errors.New("value contains whitespace or quotes")
	}
	return nil
}

// checkKeyword rejects keywords that Xray would read as a prefixed matcher.
func checkKeyword(s string) error {
	if err := checkToken(s); err != nil {
		return err
	}
	for _, p := range []string{"full:", "domain:", "regexp:", "geosite:", "ext:", "keyword:"} {
		if strings.HasPrefix(s, p) {
			return fmt.Errorf("keyword must not start with %q", p)
		}
	}
	return nil
}

func checkRegex(s string) error {
	_, err := regexp.Compile(s)
	return err
}

// checkExt expects "file.dat:list".
func checkExt(s string) error {
	file, list, ok := strings.Cut(s, ":")
	if !ok || file == "" || list == "" {
		return errors.New("expected file:list")
	}
	return checkToken(s)
}

func checkCIDR(s string) error {
	_, err := netip.ParsePrefix(s)
	return err
}

// checkPort accepts "N" or "N-M" within 1..65535.
func checkPort(s string) error {
	lo, hi, isRange := strings.Cut(s, "-")
	a, err := strconv.Atoi(lo)
	if err != nil || a < 1 || a > 65535 {
		return fmt.Errorf("invalid port %q", lo)
	}
	if !isRange {
		return nil
	}
	b, err := strconv.Atoi(hi)
	if err != nil || b < a || b > 65535 {
		return fmt.Errorf("invalid port range %q", s)
	}
	return nil
}

func checkProtocol(s string) error {
	switch s {
	case "http", "tls", "quic", "bittorrent":
		return nil
	}
	return fmt.Errorf("unknown protocol %q", s)
}

func truncateSnippet(s string, max int) string {
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
