package parallel

import (
	"context"
	"errors"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc for the input elements with at most limit calls in
// parallel. Results are yielded in completion order. A canceled context
// ends the processing.
//
//	for result, err := range parallel.NewMap(ctx, 4, f).Iter(input) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the goroutine feeding the workers
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				continue
			}
			if s.gctx.Err() != nil {
				return s.gctx.Err()
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				select {
				case <-s.gctx.Done():
					return s.gctx.Err()
				case s.mapped <- result[D]{d: d, e: err}:
				}
				return nil
			})
		}
		return nil
	})
}

func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// All applies f to every item, at most limit at once, and returns the results
// in the order of items. Every item is processed even if some fail, the
// errors are joined.
func All[E, D any](ctx context.Context, limit int, items []E, f func(context.Context, E) (D, error)) ([]D, error) {
	type indexed struct {
		i int
		d D
	}
	m := NewMap(ctx, max(limit, 1), func(ctx context.Context, i int) (indexed, error) {
		d, err := f(ctx, items[i])
		return indexed{i: i, d: d}, err
	})

	out := make([]D, len(items))
	var errs []error
	for r, err := range m.Iter(Indexes(len(items))) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[r.i] = r.d
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Indexes yields 0..n-1.
func Indexes(n int) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := range n {
			if !yield(i, nil) {
				return
			}
		}
	}
}
