package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/deadletter"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/types"
)

const (
	publishTimeout    = 5 * time.Second
	publishRetries    = 5
	retryBackoffBase  = 200 * time.Millisecond
	retryBackoffLimit = 5 * time.Second
)

// Publisher serializes canonical records and publishes them to the bus,
// blocking until the stream acknowledges persistence. At-least-once only:
// consumers de-duplicate by business key.
type Publisher struct {
	js   nats.JetStreamContext
	sink deadletter.Sink
	log  zerolog.Logger
}

func New(js nats.JetStreamContext, sink deadletter.Sink, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:   js,
		sink: sink,
		log:  log.With().Str("component", "publisher").Logger(),
	}
}

// Publish routes one record. After the retry budget is exhausted the record
// is parked in the deadletter sink and the error returned.
func (p *Publisher) Publish(ctx context.Context, rec types.Record) error {
	return p.publishTo(ctx, Subject(rec), rec)
}

// PublishTo routes one record onto an explicit subject, used for the
// venue-native orderbook passthrough variants.
func (p *Publisher) PublishTo(ctx context.Context, subject string, rec types.Record) error {
	return p.publishTo(ctx, subject, rec)
}

func (p *Publisher) publishTo(ctx context.Context, subject string, rec types.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", rec.Type(), err)
	}

	root := SubjectRoot(subject)
	timer := metrics.NewTimer()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBackoffBase
	bo.MaxInterval = retryBackoffLimit

	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, lastErr = p.js.Publish(subject, payload, nats.Context(pubCtx))
		cancel()
		if lastErr == nil {
			timer.ObserveDuration(metrics.PublishDuration, root)
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = retryBackoffLimit
		}
		p.log.Warn().Err(lastErr).Str("subject", subject).Int("attempt", attempt+1).
			Dur("backoff", sleep).Msg("Publish failed")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(sleep):
			continue
		}
		break
	}

	metrics.PublishErrors.WithLabelValues(root).Inc()
	p.park(ctx, subject, payload, rec, lastErr)
	return fmt.Errorf("publish %s: %w", subject, lastErr)
}

func (p *Publisher) park(ctx context.Context, subject string, payload []byte, rec types.Record, cause error) {
	entry := deadletter.Entry{
		Subject:  subject,
		Payload:  payload,
		Reason:   cause.Error(),
		FailedAt: types.NowMS(),
		Exchange: string(rec.Env().Exchange),
		DataType: string(rec.Type()),
		DedupKey: rec.DedupKey(),
	}
	if err := p.sink.Park(ctx, entry); err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("Deadletter park failed, record lost")
	}
}

// Run drains a record channel until it closes or the context is cancelled.
// Publish failures are logged and skipped; the deadletter sink has the
// record by then.
func (p *Publisher) Run(ctx context.Context, records <-chan types.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := p.Publish(ctx, rec); err != nil {
				p.log.Error().Err(err).Str("data_type", string(rec.Type())).Msg("Record deadlettered")
			}
		}
	}
}
