package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/job"
)

// Pool bounds concurrent job execution to a fixed number of slots. The
// dispatcher reserves a slot before claiming a job, so a claim never
// leaves a job sitting active with nowhere to run.
type Pool struct {
	runner *Runner
	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// NewPool builds a pool of the given concurrency around runner.
func NewPool(runner *Runner, concurrency int, logger *slog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: pool requires a runner", cadence.ErrConfiguration)
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("%w: pool concurrency must be positive, got %d", cadence.ErrConfiguration, concurrency)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner: runner,
		logger: logger,
		slots:  make(chan struct{}, concurrency),
		base:   base,
		cancel: cancel,
	}, nil
}

// Reserve blocks until an execution slot is free or ctx is done.
func (p *Pool) Reserve(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unreserve returns a reservation obtained from Reserve without running
// a job. Used when the claim that followed the reservation was lost.
func (p *Pool) Unreserve() {
	<-p.slots
}

// Start consumes one reservation and runs j asynchronously. The slot is
// released when the run finishes.
func (p *Pool) Start(j *job.Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.runner.Run(p.base, j)
	}()
}

// Drain waits for in-flight jobs to finish, up to timeout. Jobs still
// running after the timeout have their contexts cancelled; their
// executors are expected to honor cancellation.
func (p *Pool) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.cancel()
		p.logger.Warn("drain timed out, cancelling in-flight jobs",
			slog.Duration("timeout", timeout),
		)
		<-done
		return fmt.Errorf("worker pool drain exceeded %s", timeout)
	}
}
