// Package worker drains the order queue with bounded parallelism. A single
// poller feeds a bounded channel; a fixed set of workers consumes it. The
// channel is the backpressure mechanism: when every worker is busy the
// poller blocks on the send and stops receiving, so the broker does not
// re-lease messages faster than they can be finished.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
	"github.com/tkersh/orderworker/pkg/observability"
	"github.com/tkersh/orderworker/pkg/queue"
)

// receiveWait is the long-poll window handed to the broker.
const receiveWait = 10 * time.Second

// Pool is the bounded worker pool over delivered messages.
type Pool struct {
	cfg    config.WorkerConfig
	qcfg   config.QueueConfig
	client *queue.Client
	proc   *Processor
	hub    *observability.Hub
	log    *zap.Logger

	inflight atomic.Int64

	cancelIntake context.CancelFunc
	stopped      chan struct{}
	runErr       error
	fatalOnce    sync.Once
}

// NewPool builds the pool and registers its in-flight gauge.
func NewPool(client *queue.Client, proc *Processor, cfg config.WorkerConfig, qcfg config.QueueConfig, hub *observability.Hub) (*Pool, error) {
	p := &Pool{
		cfg:    cfg,
		qcfg:   qcfg,
		client: client,
		proc:   proc,
		hub:    hub,
		log:    hub.Logger,
	}
	if err := hub.Metrics.RegisterInflight(p.inflight.Load); err != nil {
		return nil, err
	}
	return p, nil
}

// Start launches the poller and workers. The pool runs until Stop is
// called or the given context is canceled.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelIntake = cancel
	p.stopped = make(chan struct{})
	go func() {
		defer close(p.stopped)
		p.runErr = p.run(runCtx)
	}()
}

// Stop halts intake, waits for in-flight tasks to drain within the
// configured grace period, and then cancels what remains. The timeout
// bounds how long Stop itself blocks.
func (p *Pool) Stop(timeout time.Duration) error {
	p.cancelIntake()
	select {
	case <-p.stopped:
		return p.runErr
	case <-time.After(timeout):
		return fmt.Errorf("worker pool did not stop within %s", timeout)
	}
}

// Wait blocks until the pool has fully stopped and returns the run error,
// which is non-nil only when a task failed fatally.
func (p *Pool) Wait() error {
	<-p.stopped
	return p.runErr
}

func (p *Pool) run(ctx context.Context) error {
	tasks := make(chan queue.Message, p.cfg.Concurrency)

	// Tasks run on a context that survives intake cancellation so
	// in-flight work can finish during the grace period.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		defer close(tasks)
		p.poll(ctx, tasks)
	}()

	var fatal error
	g := new(errgroup.Group)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				// Prefer shutdown over the next queued task.
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-tasks:
					if !ok {
						return nil
					}
					p.inflight.Add(1)
					err := p.proc.Process(taskCtx, msg)
					p.inflight.Add(-1)
					if apperrors.IsFatal(err) {
						p.fatalOnce.Do(func() {
							fatal = err
							p.log.Error("fatal task failure, shutting down", zap.Error(err))
							p.cancelIntake()
						})
					}
				}
			}
		})
	}

	workersDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-ctx.Done():
		p.log.Info("draining in-flight tasks",
			zap.Duration("grace_period", p.cfg.ShutdownGracePeriod.Std()),
			zap.Int64("inflight", p.inflight.Load()))
		select {
		case <-workersDone:
		case <-time.After(p.cfg.ShutdownGracePeriod.Std()):
			p.log.Warn("grace period elapsed, canceling remaining tasks",
				zap.Int64("inflight", p.inflight.Load()))
			cancelTasks()
			<-workersDone
		}
	}
	<-pollDone
	return fatal
}

// poll is the single receive loop. Broker transport errors back off
// exponentially and never terminate the worker.
func (p *Pool) poll(ctx context.Context, tasks chan<- queue.Message) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.client.Receive(ctx, p.qcfg.MaxMessagesPerBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.hub.Metrics.ReceiveErrors.Add(ctx, 1)
			delay := expo.NextBackOff()
			p.log.Warn("receive failed, backing off",
				zap.Duration("backoff", delay),
				zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		expo.Reset()

		if len(batch) == 0 {
			if !sleep(ctx, p.qcfg.PollInterval.Std()) {
				return
			}
			continue
		}

		for _, msg := range batch {
			p.hub.Metrics.MessagesReceived.Add(ctx, 1)
			select {
			case tasks <- msg:
			case <-ctx.Done():
				// Undelivered messages simply redeliver after their
				// lease lapses.
				return
			}
		}
	}
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
