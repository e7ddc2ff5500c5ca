package parallel

import (
	"cmp"
	"context"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	idx int
	d   D
	e   error
}

// Map runs mapFunc over a sequence with a bounded number of calls in flight.
// Results are yielded in completion order. Errors of the input sequence are
// passed through. A canceled context ends the processing.
//
//	for d, err := range parallel.NewMap(ctx, 4, f).Iter(input) {}
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
	limit = max(1, limit)
	// one extra slot for the feeding goroutine
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

func (s *Map[E, D]) send(r result[D]) error {
	select {
	case <-s.gctx.Done():
		return s.gctx.Err()
	case s.mapped <- r:
		return nil
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		idx := 0
		for entry, nerr := range seq {
			i := idx
			idx++
			if nerr != nil {
				if err := s.send(result[D]{idx: i, e: nerr}); err != nil {
					return err
				}
				continue
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				return s.send(result[D]{idx: i, d: d, e: err})
			})
		}
		return nil
	})
}

func (s *Map[E, D]) results(seq iter.Seq2[E, error]) iter.Seq[result[D]] {
	return func(yield func(result[D]) bool) {
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
			if !yield(r) {
				return
			}
		}
	}
}

func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		for r := range s.results(seq) {
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// Collect maps the whole sequence and returns the results in input order
func (s *Map[E, D]) Collect(seq iter.Seq2[E, error]) ([]D, []error) {
	var all []result[D]
	for r := range s.results(seq) {
		all = append(all, r)
	}
	slices.SortFunc(all, func(a, b result[D]) int {
		return cmp.Compare(a.idx, b.idx)
	})
	var ds []D
	var errs []error
	for _, r := range all {
		if r.e != nil {
			errs = append(errs, r.e)
			continue
		}
		ds = append(ds, r.d)
	}
	return ds, errs
}
