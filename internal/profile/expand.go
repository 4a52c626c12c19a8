package profile

import (
	"context"

	"github.com/John-Robertt/subxray/internal/fetch"
	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/rules"
	"golang.org/x/sync/errgroup"
)

// TextLoader returns the body of one remote rule list.
type TextLoader func(ctx context.Context, rawURL string) (string, error)

// FetchLoader loads rule lists over HTTP(S) with the ruleset limits.
func FetchLoader(opt fetch.Options) TextLoader {
	return func(ctx context.Context, rawURL string) (string, error) {
		return fetch.FetchTextWithOptions(ctx, fetch.KindRuleset, rawURL, opt)
	}
}

const maxParallelRulesets = 4

// ExpandRules returns the full static rule list: every ruleset expanded in
// profile order, followed by the inline rules. Rule lists are fetched in
// parallel but the result order never depends on fetch timing.
func ExpandRules(ctx context.Context, spec *Spec, load TextLoader) ([]model.Rule, error) {
	if len(spec.Ruleset) == 0 {
		return append([]model.Rule(nil), spec.Rules...), nil
	}

	lists := make([][]model.Rule, len(spec.Ruleset))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelRulesets)
	for i, rs := range spec.Ruleset {
		g.Go(func() error {
			text, err := load(gctx, rs.URL)
			if err != nil {
				return err
			}
			ruleList, err := rules.ParseRulesetText(rs.URL, text, rs.Action)
			if err != nil {
				return err
			}
			lists[i] = ruleList
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := len(spec.Rules)
	for _, l := range lists {
		n += len(l)
	}
	out := make([]model.Rule, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return append(out, spec.Rules...), nil
}
