package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	"github.com/tkersh/orderworker/internal/database"
	apperrors "github.com/tkersh/orderworker/internal/errors"
	"github.com/tkersh/orderworker/pkg/observability"
	"github.com/tkersh/orderworker/pkg/queue"
)

// Processor runs the per-task pipeline: parse, verify user, price the
// order, insert, ack. Permanent failures are dead-lettered; transient ones
// are released for the broker to redeliver after the lease lapses.
type Processor struct {
	store    *database.Store
	broker   *queue.Client
	qcfg     config.QueueConfig
	hub      *observability.Hub
	log      *zap.Logger
	maxTotal decimal.Decimal
}

// NewProcessor builds the pipeline.
func NewProcessor(store *database.Store, broker *queue.Client, wcfg config.WorkerConfig, qcfg config.QueueConfig, hub *observability.Hub) *Processor {
	return &Processor{
		store:    store,
		broker:   broker,
		qcfg:     qcfg,
		hub:      hub,
		log:      hub.Logger,
		maxTotal: wcfg.MaxOrderTotalDecimal(),
	}
}

// Process handles one message to completion. The returned error is nil
// unless the failure is fatal to the process; permanent and transient
// outcomes are routed internally.
func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	ctx = p.hub.Extract(ctx, msg.Attributes)
	ctx, span := p.hub.Tracer.Start(ctx, "process_order", trace.WithAttributes(
		attribute.String("messaging.message_id", msg.ID),
		attribute.Int("messaging.receive_count", msg.ReceiveCount),
	))
	defer span.End()
	defer func() {
		p.hub.Metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
	}()

	log := p.log.With(zap.String("message_id", msg.ID))
	log = log.With(observability.TraceFields(ctx)...)

	// Poison on arrival: the message has cycled through delivery too many
	// times to keep retrying.
	if msg.ReceiveCount > p.qcfg.MaxReceives {
		log.Warn("max receives exceeded",
			zap.Int("receive_count", msg.ReceiveCount),
			zap.Int("max_receives", p.qcfg.MaxReceives))
		p.deadLetter(ctx, log, msg, queue.ReasonMaxReceivesExceeded)
		return nil
	}

	// The lease holder renews visibility while the task runs and cancels
	// the task if the lease cannot be held.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lease := holdLease(ctx, p.broker, msg, p.qcfg, cancel, log)
	defer lease.stop()

	parsed := ParseOrder(msg)
	if parsed.Rejected != nil {
		log.Warn("order rejected at parse",
			zap.String("reason", string(parsed.Rejected.Reason)),
			zap.String("detail", parsed.Rejected.Detail))
		p.deadLetter(ctx, log, msg, parsed.Rejected.Reason)
		return nil
	}
	order := parsed.Valid
	log = log.With(zap.String("correlation_id", order.CorrelationID))

	reason, err := p.handle(taskCtx, log, order)
	switch {
	case err == nil:
		p.ack(ctx, log, msg)
		p.hub.Metrics.MessagesProcessed.Add(ctx, 1)
		return nil
	case apperrors.IsFatal(err):
		span.RecordError(err)
		log.Error("fatal failure while processing order", zap.Error(err))
		return err
	case apperrors.IsPermanent(err):
		span.RecordError(err)
		log.Warn("order permanently rejected",
			zap.String("reason", string(reason)),
			zap.Error(err))
		p.deadLetter(ctx, log, msg, reason)
		return nil
	default:
		span.RecordError(err)
		p.hub.Metrics.MessagesFailedTransient.Add(ctx, 1)
		log.Info("transient failure, releasing for redelivery", zap.Error(err))
		return nil
	}
}

// handle runs the database-facing pipeline steps. It returns the
// dead-letter reason to use when the error is permanent.
func (p *Processor) handle(ctx context.Context, log *zap.Logger, order *ValidOrder) (queue.Reason, error) {
	user, err := p.verifyUser(ctx, order.UserID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return queue.ReasonUserNotFound, err
		}
		return queue.ReasonProcessingFailed, err
	}
	log.Debug("user verified", zap.String("user", user.DisplayName()))

	product, err := p.lookupProduct(ctx, order.ProductID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return queue.ReasonProductNotFound, err
		}
		return queue.ReasonProcessingFailed, err
	}

	total := product.UnitPrice.Mul(decimal.NewFromInt(int64(order.Quantity)))
	if total.GreaterThan(p.maxTotal) {
		return queue.ReasonTotalExceeded, apperrors.Newf(apperrors.KindPermanent,
			"order total %s exceeds the %s ceiling", total.StringFixed(2), p.maxTotal.StringFixed(2))
	}

	result, err := p.insertOrder(ctx, database.NewOrder{
		UserID:     order.UserID,
		ProductID:  order.ProductID,
		Quantity:   order.Quantity,
		TotalPrice: total,
		DedupKey:   order.DedupKey,
	})
	if err != nil {
		return queue.ReasonProcessingFailed, err
	}
	if result.Duplicate {
		log.Info("duplicate delivery, order already recorded")
		return "", nil
	}

	log.Info("order recorded",
		zap.Int64("order_id", result.ID),
		zap.Uint64("user_id", order.UserID),
		zap.Uint64("product_id", order.ProductID),
		zap.Uint32("quantity", order.Quantity),
		zap.String("total_price", total.StringFixed(2)))
	return "", nil
}

func (p *Processor) verifyUser(ctx context.Context, id uint64) (database.User, error) {
	ctx, span := p.hub.Tracer.Start(ctx, "db.verify_user")
	defer span.End()
	return p.store.GetUser(ctx, id)
}

func (p *Processor) lookupProduct(ctx context.Context, id uint64) (database.Product, error) {
	ctx, span := p.hub.Tracer.Start(ctx, "db.lookup_product")
	defer span.End()
	return p.store.GetProduct(ctx, id)
}

func (p *Processor) insertOrder(ctx context.Context, order database.NewOrder) (database.InsertResult, error) {
	ctx, span := p.hub.Tracer.Start(ctx, "db.insert_order")
	defer span.End()
	return p.store.InsertOrder(ctx, order)
}

// ack deletes the message. A failed delete only means a redelivery the
// insert's idempotency guard absorbs, so it is logged and not retried.
func (p *Processor) ack(ctx context.Context, log *zap.Logger, msg queue.Message) {
	ctx, span := p.hub.Tracer.Start(ctx, "queue.delete")
	defer span.End()
	if err := p.broker.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Warn("ack failed, message will redeliver", zap.Error(err))
	}
}

// deadLetter forwards the message to the DLQ. A failed forward leaves the
// message on the main queue to redeliver.
func (p *Processor) deadLetter(ctx context.Context, log *zap.Logger, msg queue.Message, reason queue.Reason) {
	ctx, span := p.hub.Tracer.Start(ctx, "queue.dead_letter")
	defer span.End()
	p.hub.Metrics.MessagesFailedPermanent.Add(ctx, 1)
	if err := p.broker.SendToDeadLetter(ctx, msg, reason); err != nil {
		log.Warn("dead-letter forward failed, message will redeliver", zap.Error(err))
		return
	}
	p.hub.Metrics.MessagesDeadLettered.Add(ctx, 1)
}
