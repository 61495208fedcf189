package feemarket

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/relay-fee-market/metrics"
	"go.uber.org/zap"
)

const (
	archiveQueueLen         = 1024
	archiveMaxInterval      = 3 * time.Second
	archiveMaxElapsedTime   = 30 * time.Second
	archiveShutdownDeadline = 5 * time.Second
)

type archiveJob struct {
	market   string
	order    *Order
	report   *SettlementReport
	events   []Event
	queuedAt time.Time
}

// Archiver persists orders and settlements and publishes events off the request path.
// Jobs are processed in order by a single worker, so a settlement is never written before its order.
// Both store and events are optional.
type Archiver struct {
	log    *zap.Logger
	store  Archive
	events EventBackend

	jobs chan archiveJob
}

func NewArchiver(log *zap.Logger, store Archive, events EventBackend) *Archiver {
	return &Archiver{
		log:    log,
		store:  store,
		events: events,
		jobs:   make(chan archiveJob, archiveQueueLen),
	}
}

func (a *Archiver) enqueue(job archiveJob) {
	job.queuedAt = time.Now()
	select {
	case a.jobs <- job:
	default:
		metrics.IncArchiveWriteFailures()
		a.log.Error("Archive queue is full, dropping job", zap.String("market", job.market))
	}
}

func (a *Archiver) ArchiveOrder(market string, order *Order) {
	if a.store == nil {
		return
	}
	a.enqueue(archiveJob{market: market, order: order})
}

func (a *Archiver) ArchiveSettlement(market string, report *SettlementReport) {
	if a.store == nil || len(report.Records) == 0 {
		return
	}
	a.enqueue(archiveJob{market: market, report: report})
}

func (a *Archiver) PublishEvents(market string, events []Event) {
	if a.events == nil || len(events) == 0 {
		return
	}
	a.enqueue(archiveJob{market: market, events: events})
}

// Start runs the worker until ctx is done. Jobs still queued then are flushed with a short deadline.
func (a *Archiver) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case job := <-a.jobs:
				a.process(ctx, job)
			}
		}
	}()
	return wg
}

func (a *Archiver) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), archiveShutdownDeadline)
	defer cancel()
	for {
		select {
		case job := <-a.jobs:
			a.process(ctx, job)
		default:
			return
		}
	}
}

func (a *Archiver) process(ctx context.Context, job archiveJob) {
	metrics.RecordArchiveQueueDuration(time.Since(job.queuedAt).Milliseconds())
	logger := a.log.With(zap.String("market", job.market))

	back := backoff.NewExponentialBackOff()
	back.MaxInterval = archiveMaxInterval
	back.MaxElapsedTime = archiveMaxElapsedTime

	err := backoff.Retry(func() error {
		switch {
		case job.order != nil:
			return a.store.InsertOrder(ctx, job.market, job.order)
		case job.report != nil:
			return a.store.InsertSettlement(ctx, job.market, job.report)
		default:
			return a.events.NotifyEvents(ctx, job.events)
		}
	}, backoff.WithContext(back, ctx))
	if err == nil {
		return
	}

	switch {
	case job.order != nil:
		metrics.IncArchiveWriteFailures()
		logger.Error("Failed to archive order", zap.String("order", job.order.ID.String()), zap.Error(err))
	case job.report != nil:
		metrics.IncArchiveWriteFailures()
		logger.Error("Failed to archive settlement", zap.Uint64("block", job.report.Block), zap.Int("orders", len(job.report.Records)), zap.Error(err))
	default:
		metrics.IncEventPublishFailures()
		logger.Error("Failed to publish events", zap.Int("events", len(job.events)), zap.Error(err))
	}
}
