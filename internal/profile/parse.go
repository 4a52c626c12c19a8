// Package profile loads the routing profile: balancer names and strategy, the
// routing domain strategy, inbound tags and the static rule list that goes in
// front of the catch-all rule.
package profile

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/rules"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDomainStrategy = "IPIfNonMatch"
	DefaultStrategy       = "leastPing"
)

var (
	DefaultInboundTags = []string{"redirect", "tproxy"}

	defaultBalancers = map[model.Category]string{
		model.CategoryCDN:   "claude-balance",
		model.CategoryWarp:  "warp-balance",
		model.CategoryProxy: "proxy-balance",
	}

	domainStrategies = []string{"AsIs", "IPIfNonMatch", "IPOnDemand"}
	strategies       = []string{"random", "roundRobin", "leastPing", "leastLoad"}
)

type Spec struct {
	Version        int
	DomainStrategy string
	InboundTags    []string

	// Strategy is the Xray balancer strategy type shared by every balancer.
	Strategy  string
	Balancers map[model.Category]string

	Ruleset []RulesetSpec
	Rules   []model.Rule // inline rules
}

type RulesetSpec struct {
	Raw    string
	Action string
	URL    string
}

// BalancerTag returns the balancer tag used for nodes of category c.
func (s *Spec) BalancerTag(c model.Category) string {
	if tag, ok := s.Balancers[c]; ok {
		return tag
	}
	return defaultBalancers[c]
}

// StaticOutboundTags lists the outbounds emitted next to every node.
func (s *Spec) StaticOutboundTags() []string {
	return []string{rules.ActionDirect, rules.ActionBlock}
}

// ReservedTags lists tags no node outbound may take: the static outbounds and
// every balancer tag.
func (s *Spec) ReservedTags() []string {
	out := []string{rules.ActionDirect, rules.ActionBlock}
	for _, c := range model.Categories {
		out = append(out, s.BalancerTag(c))
	}
	return out
}

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

type rawProfile struct {
	Version        int         `yaml:"version"`
	DomainStrategy string      `yaml:"domain_strategy"`
	InboundTags    *[]string   `yaml:"inbound_tags"`
	Balancer       rawBalancer `yaml:"balancer"`
	Ruleset        []string    `yaml:"ruleset"`
	Rule           []string    `yaml:"rule"`
}

type rawBalancer struct {
	Strategy string            `yaml:"strategy"`
	Tags     map[string]string `yaml:"tags"`
}

// ParseProfileYAML parses and validates a routing profile document.
//
// Omitted settings take their defaults; an explicit empty inbound_tags list
// means rules match traffic from every inbound.
func ParseProfileYAML(sourceURL string, content string) (*Spec, error) {
	var rp rawProfile
	if err := yamlDecodeStrict(content, &rp); err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "PROFILE_PARSE_ERROR",
				Message: "profile YAML 解析失败",
				Stage:   "parse_profile",
				URL:     sourceURL,
				Snippet: truncateSnippet(content, 200),
			},
			Cause: err,
		}
	}

	if rp.Version != 1 {
		return nil, validateError(sourceURL, "profile version 必须为 1", "")
	}

	domainStrategy := strings.TrimSpace(rp.DomainStrategy)
	if domainStrategy == "" {
		domainStrategy = DefaultDomainStrategy
	}
	if !slices.Contains(domainStrategies, domainStrategy) {
		return nil, validateError(sourceURL, fmt.Sprintf("不支持的 domain_strategy：%s", domainStrategy), "expected: AsIs | IPIfNonMatch | IPOnDemand")
	}

	inboundTags := slices.Clone(DefaultInboundTags)
	if rp.InboundTags != nil {
		inboundTags = make([]string, 0, len(*rp.InboundTags))
		for _, tag := range *rp.InboundTags {
			tag = strings.TrimSpace(tag)
			if !validTag(tag) {
				return nil, validateError(sourceURL, fmt.Sprintf("inbound_tags 不合法：%q", tag), "")
			}
			if !slices.Contains(inboundTags, tag) {
				inboundTags = append(inboundTags, tag)
			}
		}
	}

	strategy := strings.TrimSpace(rp.Balancer.Strategy)
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if !slices.Contains(strategies, strategy) {
		return nil, validateError(sourceURL, fmt.Sprintf("不支持的 balancer.strategy：%s", strategy), "expected: random | roundRobin | leastPing | leastLoad")
	}

	balancers, err := parseBalancerTags(sourceURL, rp.Balancer.Tags)
	if err != nil {
		return nil, err
	}

	rulesets := make([]RulesetSpec, 0, len(rp.Ruleset))
	for _, raw := range rp.Ruleset {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		rs, err := parseRulesetDirective(raw)
		if err != nil {
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "RULESET_PARSE_ERROR",
					Message: "ruleset 指令解析失败",
					Stage:   "parse_profile",
					URL:     sourceURL,
					Snippet: raw,
					Hint:    "expected: ACTION,URL",
				},
				Cause: err,
			}
		}
		rulesets = append(rulesets, rs)
	}

	inlineRules := make([]model.Rule, 0, len(rp.Rule))
	for _, raw := range rp.Rule {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		r, err := rules.ParseInlineRule(raw)
		if err != nil {
			var re *rules.RuleError
			if errors.As(err, &re) {
				return nil, &ParseError{
					AppError: model.AppError{
						Code:    re.Code,
						Message: re.Message,
						Stage:   "parse_profile",
						URL:     sourceURL,
						Snippet: raw,
						Hint:    re.Hint,
					},
					Cause: re.Cause,
				}
			}
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: "rule 指令解析失败",
					Stage:   "parse_profile",
					URL:     sourceURL,
					Snippet: raw,
				},
				Cause: err,
			}
		}
		inlineRules = append(inlineRules, r)
	}

	return &Spec{
		Version:        rp.Version,
		DomainStrategy: domainStrategy,
		InboundTags:    inboundTags,
		Strategy:       strategy,
		Balancers:      balancers,
		Ruleset:        rulesets,
		Rules:          inlineRules,
	}, nil
}

func parseBalancerTags(sourceURL string, raw map[string]string) (map[model.Category]string, error) {
	out := make(map[model.Category]string, len(defaultBalancers))
	for c, tag := range defaultBalancers {
		out[c] = tag
	}
	for k, v := range raw {
		c := model.Category(strings.ToLower(strings.TrimSpace(k)))
		if _, ok := defaultBalancers[c]; !ok {
			return nil, validateError(sourceURL, fmt.Sprintf("balancer.tags key 不支持：%s", k), "expected: cdn | warp | proxy")
		}
		tag := strings.TrimSpace(v)
		if !validTag(tag) {
			return nil, validateError(sourceURL, fmt.Sprintf("balancer.tags.%s 不合法：%q", c, v), "")
		}
		if tag == rules.ActionDirect || tag == rules.ActionBlock {
			return nil, validateError(sourceURL, fmt.Sprintf("balancer.tags.%s 不能使用保留名 direct/block", c), "")
		}
		out[c] = tag
	}

	seen := make(map[string]model.Category, len(out))
	for _, c := range model.Categories {
		if prev, ok := seen[out[c]]; ok {
			return nil, validateError(sourceURL, fmt.Sprintf("balancer 标签重复：%s（%s 与 %s）", out[c], prev, c), "")
		}
		seen[out[c]] = c
	}
	return out, nil
}

func validateError(sourceURL, message, hint string) *ParseError {
	return &ParseError{
		AppError: model.AppError{
			Code:    "PROFILE_VALIDATE_ERROR",
			Message: message,
			Stage:   "parse_profile",
			URL:     sourceURL,
			Hint:    hint,
		},
	}
}

func validTag(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return r <= ' ' || r == 0x7f || r == '"' || r == '\\'
	})
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

func parseRulesetDirective(raw string) (RulesetSpec, error) {
	a, u, ok := strings.Cut(raw, ",")
	if !ok {
		return RulesetSpec{}, errors.New("expected: ACTION,URL")
	}
	urlStr := strings.TrimSpace(u)
	if strings.TrimSpace(a) == "" || urlStr == "" {
		return RulesetSpec{}, errors.New("ACTION/URL must not be empty")
	}
	action, err := rules.NormalizeAction(a)
	if err != nil {
		return RulesetSpec{}, err
	}
	if err := validateHTTPURL(urlStr); err != nil {
		return RulesetSpec{}, err
	}
	return RulesetSpec{Raw: raw, Action: action, URL: urlStr}, nil
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
