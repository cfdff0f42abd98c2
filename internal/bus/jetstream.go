package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Stream definitions. Retention is limits-based: age and size caps per
// stream, with delta streams kept short and fat.
var streamConfigs = []nats.StreamConfig{
	{
		Name:         "ORDERBOOK_FULL",
		Subjects:     []string{"orderbook.full.*.*", "orderbook.snapshot.*.*"},
		MaxAge:       24 * time.Hour,
		MaxBytes:     1 << 30,
		MaxConsumers: 10,
		Retention:    nats.LimitsPolicy,
		Storage:      nats.FileStorage,
	},
	{
		Name:         "ORDERBOOK_DELTA",
		Subjects:     []string{"orderbook.delta.*.*", "orderbook.pure_delta.*.*"},
		MaxAge:       time.Hour,
		MaxBytes:     2 << 30,
		MaxConsumers: 20,
		Retention:    nats.LimitsPolicy,
		Storage:      nats.FileStorage,
	},
	{
		Name:         "MARKET_TRADES",
		Subjects:     []string{"trade.*.*"},
		MaxAge:       24 * time.Hour,
		MaxBytes:     1 << 30,
		MaxConsumers: 15,
		Retention:    nats.LimitsPolicy,
		Storage:      nats.FileStorage,
	},
	{
		Name: "MARKET_DATA",
		Subjects: []string{
			"funding_rate.*.*",
			"open_interest.*.*",
			"liquidation.*.*",
			"lsr_top_position.*.*",
			"lsr_all_account.*.*",
			"volatility_index.*.*",
		},
		MaxAge:       24 * time.Hour,
		MaxBytes:     512 << 20,
		MaxConsumers: 10,
		Retention:    nats.LimitsPolicy,
		Storage:      nats.FileStorage,
	},
	{
		// Writer parking lot for records the hot store rejects on schema
		// grounds. Kept long enough for a manual replay.
		Name:         "QUARANTINE",
		Subjects:     []string{"quarantine.>"},
		MaxAge:       72 * time.Hour,
		MaxBytes:     256 << 20,
		MaxConsumers: 5,
		Retention:    nats.LimitsPolicy,
		Storage:      nats.FileStorage,
	},
}

// Bus wraps one NATS connection with its JetStream context.
type Bus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

// Connect dials the bus with unlimited reconnects.
func Connect(url string, log zerolog.Logger) (*Bus, error) {
	l := log.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(url,
		nats.Name("marketprism"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus connect %s: %w", url, err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Bus{nc: nc, js: js, log: l}, nil
}

// JS exposes the JetStream context for publish and consume paths.
func (b *Bus) JS() nats.JetStreamContext { return b.js }

// EnsureStreams creates the streams, updating in place when a stream
// already exists with drifted limits.
func (b *Bus) EnsureStreams() error {
	for i := range streamConfigs {
		cfg := &streamConfigs[i]
		_, err := b.js.AddStream(cfg)
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			_, err = b.js.UpdateStream(cfg)
		}
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		b.log.Debug().Str("stream", cfg.Name).Msg("Stream ensured")
	}
	return nil
}

// PullConsumer binds a durable pull consumer over one subject filter.
func (b *Bus) PullConsumer(stream, durable, filterSubject string) (*nats.Subscription, error) {
	sub, err := b.js.PullSubscribe(filterSubject, durable,
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(30*time.Second),
		nats.MaxAckPending(4096),
	)
	if err != nil {
		return nil, fmt.Errorf("pull consumer %s on %s: %w", durable, stream, err)
	}
	return sub, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("Bus drain failed")
		b.nc.Close()
	}
}
