package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	"github.com/tkersh/orderworker/pkg/queue"
)

// leaseHolder owns the visibility window of one in-flight message. It
// renews the lease each time the configured fraction of the window has
// been consumed, and cancels the task when the lease can no longer be
// held — working past a lapsed lease would race a redelivery.
type leaseHolder struct {
	client     visibilityExtender
	msg        queue.Message
	window     time.Duration
	threshold  float64
	log        *zap.Logger
	cancelTask context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// visibilityExtender is the slice of the queue client the holder needs.
type visibilityExtender interface {
	ExtendVisibility(ctx context.Context, receiptHandle string, extra time.Duration) error
}

func holdLease(ctx context.Context, client visibilityExtender, msg queue.Message, cfg config.QueueConfig, cancelTask context.CancelFunc, log *zap.Logger) *leaseHolder {
	h := &leaseHolder{
		client:     client,
		msg:        msg,
		window:     cfg.VisibilityTimeout.Std(),
		threshold:  cfg.VisibilityExtendThreshold,
		log:        log,
		cancelTask: cancelTask,
		done:       make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

// stop releases the holder when the task finishes.
func (h *leaseHolder) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *leaseHolder) run(ctx context.Context) {
	interval := time.Duration(float64(h.window) * h.threshold)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := h.client.ExtendVisibility(ctx, h.msg.ReceiptHandle, h.window); err != nil {
				h.log.Warn("lease extension failed, canceling task",
					zap.String("message_id", h.msg.ID),
					zap.Error(err))
				h.cancelTask()
				return
			}
			h.log.Debug("lease extended",
				zap.String("message_id", h.msg.ID),
				zap.Duration("window", h.window))
			timer.Reset(interval)
		}
	}
}
