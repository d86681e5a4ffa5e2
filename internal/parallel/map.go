// Package parallel maps sequences concurrently.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the values of a sequence with at most limit calls in
// flight. Results are yielded in completion order.
//
//	for d, err := range parallel.NewMap(4, fn).Iter(ctx, values) {}
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) Map[E, D] {
	return Map[E, D]{limit: max(limit, 1), mapFunc: mapFunc}
}

// Iter yields the results of mapFunc for seq. No new call starts once ctx
// is done or the iteration stopped; results of calls finishing after that
// are dropped. Iter returns after all started calls returned.
func (m Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		mapped := make(chan result[D], m.limit)
		go func() {
			defer close(mapped)
			var g errgroup.Group
			g.SetLimit(m.limit)
			for e := range seq {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := m.mapFunc(ctx, e)
					select {
					case mapped <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		stopped := false
		for r := range mapped {
			if stopped {
				continue
			}
			if !yield(r.d, r.e) {
				stopped = true
				cancel()
			}
		}
	}
}
