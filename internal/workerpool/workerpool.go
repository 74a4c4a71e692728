// Package workerpool is a small bounded worker pool used to parallelize
// batch operations — principally the scheduler's revalidation pass over
// every stored certificate (spec.md §4.8, Open Question (c)). Grounded
// on cmd/boulder-janitor/job.go's batchedDBJob.cleanResource fan-out
// shape, built on golang.org/x/sync/errgroup's bounded Group rather than
// a hand-rolled channel-and-sync.WaitGroup, since errgroup.Group.SetLimit
// already covers exactly this "fan out up to N, wait for all" pattern.
package workerpool

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/letsencrypt/icao-pkd/internal/metrics"
)

// Task is one unit of work submitted to a Pool.
type Task func() error

// Pool runs submitted Tasks across a fixed number of goroutines.
type Pool struct {
	label       string
	parallelism int
	onError     func(err error)
	scope       metrics.Scope
}

// New returns a Pool that runs up to parallelism tasks concurrently.
// label identifies this pool's stats under scope (nil scope disables
// stats). onError, if non-nil, is invoked (from a worker goroutine) for
// every task that returns an error; errors are otherwise swallowed,
// matching the janitor's "log and keep going" batch-processing idiom.
func New(label string, parallelism int, scope metrics.Scope, onError func(err error)) *Pool {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Pool{label: label, parallelism: parallelism, scope: scope, onError: onError}
}

// Run submits every task in tasks to the pool and blocks until all have
// completed. It returns the number of tasks that completed without
// error.
func (p *Pool) Run(tasks []Task) int {
	var succeeded int64

	g := new(errgroup.Group)
	g.SetLimit(p.parallelism)
	for _, t := range tasks {
		task := t
		g.Go(func() error {
			if err := task(); err != nil {
				p.inc(p.label + ".errors")
				if p.onError != nil {
					p.onError(err)
				}
				return nil
			}
			p.inc(p.label + ".completed")
			atomic.AddInt64(&succeeded, 1)
			return nil
		})
	}
	_ = g.Wait() // task closures never return a non-nil error; errors are handled via onError above

	return int(succeeded)
}

func (p *Pool) inc(stat string) {
	if p.scope != nil {
		p.scope.Inc(stat, 1)
	}
}
