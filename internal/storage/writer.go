package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/marketprism/marketprism/internal/bus"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/types"
)

const (
	fetchBatch    = 256
	fetchWait     = 5 * time.Second
	insertRetries = 3
)

// Writer consumes canonical records from the bus and lands them in the hot
// store, one durable consumer and one batcher task per data type. Messages
// are acked only after their batch is durable.
type Writer struct {
	conn     driver.Conn
	database string
	b        *bus.Bus
	cfg      config.WriterConfig
	log      zerolog.Logger

	breakers map[types.DataType]*gobreaker.CircuitBreaker

	mu       sync.Mutex
	typeErrs map[types.DataType]error
}

func NewWriter(conn driver.Conn, database string, b *bus.Bus, cfg config.WriterConfig, log zerolog.Logger) *Writer {
	w := &Writer{
		conn:     conn,
		database: database,
		b:        b,
		cfg:      cfg,
		log:      log.With().Str("component", "writer").Logger(),
		breakers: make(map[types.DataType]*gobreaker.CircuitBreaker),
		typeErrs: make(map[types.DataType]error),
	}
	for _, dt := range types.AllDataTypes {
		w.breakers[dt] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "insert-" + string(dt),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return w
}

// streamBinding returns the stream and filter subject a data type's
// consumer binds to. An empty filter consumes the whole stream.
func streamBinding(dt types.DataType) (stream, filter string) {
	switch dt {
	case types.DataTypeOrderbook:
		return "ORDERBOOK_FULL", ""
	case types.DataTypeTrade:
		return "MARKET_TRADES", ""
	default:
		return "MARKET_DATA", string(dt) + ".*.*"
	}
}

// Run binds every consumer and blocks until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, dt := range types.AllDataTypes {
		stream, filter := streamBinding(dt)
		sub, err := w.b.PullConsumer(stream, "writer-"+string(dt), filter)
		if err != nil {
			return fmt.Errorf("writer: bind %s: %w", dt, err)
		}

		batcher := NewBatcher(dt, w.cfg.Batch(dt), w.flushFunc(dt), w.log)

		wg.Add(2)
		go func() {
			defer wg.Done()
			batcher.Run(ctx)
		}()
		go func(dt types.DataType, sub *nats.Subscription) {
			defer wg.Done()
			w.consume(ctx, dt, sub, batcher)
		}(dt, sub)
	}
	wg.Wait()
	return ctx.Err()
}

// Err reports the writer's health: nil when every per-type pipeline landed
// its last batch.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dt, err := range w.typeErrs {
		if err != nil {
			return fmt.Errorf("%s: %w", dt, err)
		}
	}
	return nil
}

func (w *Writer) setErr(dt types.DataType, err error) {
	w.mu.Lock()
	w.typeErrs[dt] = err
	w.mu.Unlock()
}

func (w *Writer) consume(ctx context.Context, dt types.DataType, sub *nats.Subscription, batcher *Batcher) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Str("data_type", string(dt)).Msg("Fetch failed")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
				metrics.Redeliveries.WithLabelValues(string(dt)).Inc()
			}
			rec, err := DecodeRecord(dt, msg.Data)
			if err != nil {
				w.quarantineMsg(dt, msg, err)
				continue
			}
			if err := batcher.Enqueue(ctx, Item{Record: rec, Msg: msg, Received: time.Now()}); err != nil {
				return
			}
		}
	}
}

// flushFunc builds the per-type FlushFunc: append, send through the
// breaker with bounded retries, then ack.
func (w *Writer) flushFunc(dt types.DataType) FlushFunc {
	table := Tables[dt]
	return func(ctx context.Context, items []Item) error {
		var err error
		for attempt := 0; attempt < insertRetries; attempt++ {
			items, err = w.insertOnce(ctx, dt, table, items)
			if err == nil {
				w.setErr(dt, nil)
				return nil
			}
			if isSchemaError(err) {
				// The store will keep rejecting these rows; park them and
				// advance.
				w.log.Error().Err(err).Str("data_type", string(dt)).
					Int("batch", len(items)).Msg("Schema rejection, quarantining batch")
				for _, it := range items {
					w.quarantineMsg(dt, it.Msg, err)
				}
				w.setErr(dt, nil)
				return nil
			}
			metrics.InsertErrors.WithLabelValues(string(dt)).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
		for _, it := range items {
			if nakErr := it.Msg.Nak(); nakErr != nil {
				w.log.Warn().Err(nakErr).Msg("Nak failed")
			}
		}
		w.setErr(dt, err)
		return err
	}
}

// insertOnce lands one batch as a single unit of work. Records that cannot
// be appended are quarantined up front; the surviving items are returned
// for any retry.
func (w *Writer) insertOnce(ctx context.Context, dt types.DataType, table Table, items []Item) ([]Item, error) {
	timer := metrics.NewTimer()

	survivors := items
	_, err := w.breakers[dt].Execute(func() (any, error) {
		batch, err := w.conn.PrepareBatch(ctx, table.InsertStatement(w.database))
		if err != nil {
			return nil, err
		}
		kept := survivors[:0]
		for _, it := range survivors {
			if err := AppendRecord(batch, it.Record); err != nil {
				w.quarantineMsg(dt, it.Msg, err)
				continue
			}
			kept = append(kept, it)
		}
		survivors = kept
		if len(survivors) == 0 {
			return nil, batch.Abort()
		}
		return nil, batch.Send()
	})
	if err != nil {
		return survivors, err
	}

	timer.ObserveDuration(metrics.InsertDuration, string(dt))
	metrics.BatchesWritten.WithLabelValues(string(dt)).Inc()
	metrics.RowsWritten.WithLabelValues(string(dt)).Add(float64(len(survivors)))

	for _, it := range survivors {
		if err := it.Msg.Ack(); err != nil {
			w.log.Warn().Err(err).Str("data_type", string(dt)).Msg("Ack failed")
			continue
		}
		metrics.AckDuration.WithLabelValues(string(dt)).
			Observe(time.Since(it.Received).Seconds())
	}
	return survivors, nil
}

// quarantineMsg parks one message on the quarantine subject and acks it so
// the stream advances.
func (w *Writer) quarantineMsg(dt types.DataType, msg *nats.Msg, cause error) {
	subject := "quarantine." + string(dt)
	if _, err := w.b.JS().Publish(subject, msg.Data); err != nil {
		w.log.Error().Err(err).Str("subject", subject).Msg("Quarantine publish failed, nak instead")
		if nakErr := msg.Nak(); nakErr != nil {
			w.log.Warn().Err(nakErr).Msg("Nak failed")
		}
		return
	}
	metrics.Quarantined.WithLabelValues(string(dt)).Inc()
	w.log.Warn().Err(cause).Str("data_type", string(dt)).Msg("Record quarantined")
	if err := msg.Ack(); err != nil {
		w.log.Warn().Err(err).Msg("Ack after quarantine failed")
	}
}

// Schema rejections the store will never accept on retry.
var schemaErrorCodes = map[int32]bool{
	16: true, // NO_SUCH_COLUMN_IN_TABLE
	53: true, // TYPE_MISMATCH
	60: true, // UNKNOWN_TABLE
	81: true, // UNKNOWN_DATABASE
}

func isSchemaError(err error) bool {
	var ex *clickhouse.Exception
	return errors.As(err, &ex) && schemaErrorCodes[ex.Code]
}
