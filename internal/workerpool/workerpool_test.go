package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunExecutesEveryTask(t *testing.T) {
	var ran int64
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func() error {
			atomic.AddInt64(&ran, 1)
			return nil
		}
	}

	pool := New("test-all", 4, nil, nil)
	succeeded := pool.Run(tasks)

	if ran != 20 {
		t.Fatalf("expected all 20 tasks to run, got %d", ran)
	}
	if succeeded != 20 {
		t.Fatalf("expected 20 successes, got %d", succeeded)
	}
}

func TestRunReportsFailuresViaOnError(t *testing.T) {
	var failures int64
	tasks := []Task{
		func() error { return nil },
		func() error { return errors.New("boom") },
		func() error { return nil },
	}

	pool := New("test-errors", 2, nil, func(err error) {
		atomic.AddInt64(&failures, 1)
	})
	succeeded := pool.Run(tasks)

	if succeeded != 2 {
		t.Fatalf("expected 2 successes, got %d", succeeded)
	}
	if failures != 1 {
		t.Fatalf("expected 1 reported failure, got %d", failures)
	}
}

func TestNewClampsParallelismToAtLeastOne(t *testing.T) {
	pool := New("test-clamp", 0, nil, nil)
	if pool.parallelism != 1 {
		t.Fatalf("expected parallelism clamped to 1, got %d", pool.parallelism)
	}
}
