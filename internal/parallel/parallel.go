// Package parallel runs data-parallel loops over disjoint index ranges.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// For splits [0, n) into contiguous chunks and calls fn(start, end) for each
// chunk on at most workers goroutines. A non-positive workers value uses
// GOMAXPROCS. The first error returned by fn is returned.
func For(n, workers int, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return fn(0, n)
	}

	// A few chunks per worker keeps the load balanced when items differ in cost.
	chunks := workers * 4
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += size {
		start, end := start, start+size
		if end > n {
			end = n
		}
		g.Go(func() error {
			return fn(start, end)
		})
	}
	return g.Wait()
}
