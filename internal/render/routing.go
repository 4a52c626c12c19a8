package render

import (
	"fmt"
	"slices"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/profile"
	"github.com/John-Robertt/subxray/internal/rules"
	"github.com/samber/lo"
)

type RoutingDocument struct {
	Routing Routing `json:"routing"`
}

type Routing struct {
	DomainStrategy string        `json:"domainStrategy"`
	Rules          []RoutingRule `json:"rules"`
	Balancers      []Balancer    `json:"balancers"`
}

type RoutingRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag,omitempty"`
	OutboundTag string   `json:"outboundTag,omitempty"`
	BalancerTag string   `json:"balancerTag,omitempty"`
	Network     string   `json:"network,omitempty"`
	Port        string   `json:"port,omitempty"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Protocol    []string `json:"protocol,omitempty"`
}

type Balancer struct {
	Tag      string           `json:"tag"`
	Selector []string         `json:"selector"`
	Strategy BalancerStrategy `json:"strategy"`
}

type BalancerStrategy struct {
	Type string `json:"type"`
}

// catchAllOrder is the balancer preference of the final rule.
var catchAllOrder = []model.Category{model.CategoryProxy, model.CategoryCDN, model.CategoryWarp}

// BuildRouting builds the routing object. One balancer exists per non-empty
// category and lists every tag of that category in entry order. Rules routed
// to an empty category are dropped, so every referenced tag exists.
func BuildRouting(entries []model.ResolvedEntry, staticRules []model.Rule, prof *profile.Spec) (RoutingDocument, error) {
	byCategory := lo.GroupBy(entries, func(e model.ResolvedEntry) model.Category { return e.Category })

	balancers := make([]Balancer, 0, len(model.Categories))
	for _, c := range model.Categories {
		members := byCategory[c]
		if len(members) == 0 {
			continue
		}
		balancers = append(balancers, Balancer{
			Tag:      prof.BalancerTag(c),
			Selector: lo.Map(members, func(e model.ResolvedEntry, _ int) string { return e.Tag }),
			Strategy: BalancerStrategy{Type: prof.Strategy},
		})
	}

	inbound := slices.Clone(prof.InboundTags)
	out := make([]RoutingRule, 0, len(staticRules)+1)
	for _, r := range staticRules {
		rr, field, keep, err := routingRule(r, prof, byCategory)
		if err != nil {
			return RoutingDocument{}, err
		}
		if !keep {
			continue
		}
		rr.InboundTag = inbound
		if n := len(out); n > 0 && mergeInto(&out[n-1], rr, field) {
			continue
		}
		out = append(out, rr)
	}

	final := RoutingRule{Type: "field", InboundTag: inbound, Network: "tcp,udp", OutboundTag: rules.ActionDirect}
	for _, c := range catchAllOrder {
		if len(byCategory[c]) > 0 {
			final.OutboundTag = ""
			final.BalancerTag = prof.BalancerTag(c)
			break
		}
	}
	out = append(out, final)

	return RoutingDocument{Routing: Routing{
		DomainStrategy: prof.DomainStrategy,
		Rules:          out,
		Balancers:      balancers,
	}}, nil
}

// routingRule converts one static rule. keep is false when the rule targets
// a category without entries.
func routingRule(r model.Rule, prof *profile.Spec, byCategory map[model.Category][]model.ResolvedEntry) (rr RoutingRule, field string, keep bool, err error) {
	m, ok := rules.MatcherFor(r.Type)
	if !ok {
		return RoutingRule{}, "", false, &RenderError{
			AppError: model.AppError{
				Code:    "UNSUPPORTED_RULE_TYPE",
				Message: fmt.Sprintf("不支持的规则类型：%s", r.Type),
				Stage:   "render",
			},
		}
	}

	rr = RoutingRule{Type: "field", Network: r.Network}
	if cat, ok := rules.ActionCategory(r.Action); ok {
		if len(byCategory[cat]) == 0 {
			return RoutingRule{}, "", false, nil
		}
		rr.BalancerTag = prof.BalancerTag(cat)
	} else {
		rr.OutboundTag = r.Action
	}

	values := lo.Map(r.Values, func(v string, _ int) string { return m.Prefix + v })
	switch m.Field {
	case "domain":
		rr.Domain = values
	case "ip":
		rr.IP = values
	case "port":
		rr.Port = strings.Join(values, ",")
	case "protocol":
		rr.Protocol = values
	}
	return rr, m.Field, true, nil
}

// mergeInto folds next into prev when both send the same single condition
// field to the same target; adjacent rules of that shape are equivalent to
// one rule with the union of values.
func mergeInto(prev *RoutingRule, next RoutingRule, field string) bool {
	if prev.OutboundTag != next.OutboundTag || prev.BalancerTag != next.BalancerTag || prev.Network != next.Network {
		return false
	}
	switch field {
	case "domain":
		if prev.Domain == nil || prev.IP != nil || prev.Port != "" || prev.Protocol != nil {
			return false
		}
		prev.Domain = lo.Uniq(append(prev.Domain, next.Domain...))
	case "ip":
		if prev.IP == nil || prev.Domain != nil || prev.Port != "" || prev.Protocol != nil {
			return false
		}
		prev.IP = lo.Uniq(append(prev.IP, next.IP...))
	case "protocol":
		if prev.Protocol == nil || prev.Domain != nil || prev.IP != nil || prev.Port != "" {
			return false
		}
		prev.Protocol = lo.Uniq(append(prev.Protocol, next.Protocol...))
	default:
		return false
	}
	return true
}
