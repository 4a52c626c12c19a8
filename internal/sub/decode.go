package sub

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/subxray/internal/model"
)

// Decoded holds the per-link decode results re-joined in source order.
type Decoded struct {
	Descriptors []model.Descriptor
	Failures    []*model.DecodeError
}

// DecodeAll decodes links on up to workers goroutines (GOMAXPROCS when
// workers <= 0). Decoding is pure, so scheduling order does not matter; the
// results are reassembled by index so the output order always equals the
// input order. The only error is ctx's.
func DecodeAll(ctx context.Context, links []model.RawLink, workers int) (Decoded, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	type slot struct {
		desc model.Descriptor
		err  *model.DecodeError
	}
	slots := make([]slot, len(links))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range links {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, derr := DecodeLink(links[i])
			slots[i] = slot{desc: d, err: derr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decoded{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decoded{}, err
	}

	out := Decoded{Descriptors: make([]model.Descriptor, 0, len(links))}
	for _, s := range slots {
		if s.err != nil {
			out.Failures = append(out.Failures, s.err)
			continue
		}
		out.Descriptors = append(out.Descriptors, s.desc)
	}
	return out, nil
}
