package storage

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/types"
)

// Item is one bus message plus its decoded record, carried together so the
// ack can be withheld until the batch is durable.
type Item struct {
	Record   types.Record
	Msg      *nats.Msg
	Received time.Time
}

// FlushFunc lands one batch as a single unit of work. A returned error
// means the batch was not durable and its messages were not acked; the
// batcher pauses before accepting more work.
type FlushFunc func(ctx context.Context, items []Item) error

// Batcher accumulates records for one data type and flushes on size or
// time, whichever triggers first. Redeliveries are de-duplicated by
// business key within the open batch; the duplicate's message is acked
// immediately since its content is already pending.
type Batcher struct {
	dt    types.DataType
	cfg   config.BatchConfig
	flush FlushFunc
	in    chan Item
	log   zerolog.Logger

	pending []Item
	seen    map[string]struct{}
}

// pauseInterval is how long the batcher backs off after a failed flush
// before retrying, letting unacked messages redeliver.
const pauseInterval = 30 * time.Second

func NewBatcher(dt types.DataType, cfg config.BatchConfig, flush FlushFunc, log zerolog.Logger) *Batcher {
	return &Batcher{
		dt:    dt,
		cfg:   cfg,
		flush: flush,
		in:    make(chan Item, cfg.QueueMax),
		log:   log.With().Str("component", "batcher").Str("data_type", string(dt)).Logger(),
		seen:  make(map[string]struct{}),
	}
}

// Enqueue hands one item to the batcher, blocking while the queue is full
// so backpressure reaches the consumer fetch loop.
func (b *Batcher) Enqueue(ctx context.Context, it Item) error {
	select {
	case b.in <- it:
		metrics.QueueDepth.WithLabelValues(string(b.dt)).Set(float64(len(b.in)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single writer task for this data type. It exits when the
// context is cancelled, flushing nothing further; unacked messages
// redeliver.
func (b *Batcher) Run(ctx context.Context) {
	timer := time.NewTimer(b.cfg.MaxDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-b.in:
			metrics.QueueDepth.WithLabelValues(string(b.dt)).Set(float64(len(b.in)))
			b.add(it)
			if len(b.pending) >= b.cfg.BatchSize {
				b.drain(ctx, timer)
			}
		case <-timer.C:
			if len(b.pending) > 0 {
				b.drain(ctx, timer)
			} else {
				timer.Reset(b.cfg.MaxDelay())
			}
		}
	}
}

func (b *Batcher) add(it Item) {
	key := it.Record.DedupKey()
	if _, dup := b.seen[key]; dup {
		if err := it.Msg.Ack(); err != nil {
			b.log.Warn().Err(err).Msg("Ack of duplicate failed")
		}
		return
	}
	b.seen[key] = struct{}{}
	b.pending = append(b.pending, it)
}

// drain flushes the pending batch, pausing on failure, then rearms the
// delay timer.
func (b *Batcher) drain(ctx context.Context, timer *time.Timer) {
	items := b.pending
	b.pending = nil
	b.seen = make(map[string]struct{})

	if err := b.flush(ctx, items); err != nil {
		b.log.Error().Err(err).Int("batch", len(items)).
			Dur("pause", pauseInterval).Msg("Batch flush failed, pausing")
		select {
		case <-ctx.Done():
		case <-time.After(pauseInterval):
		}
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(b.cfg.MaxDelay())
}
