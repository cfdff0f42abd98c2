// Package collector wires exchange sessions, the normalizer, orderbook
// maintainers and the publisher into one ingestion process.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/exchange"
	"github.com/marketprism/marketprism/internal/exchange/binance"
	"github.com/marketprism/marketprism/internal/exchange/deribit"
	"github.com/marketprism/marketprism/internal/exchange/okx"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/normalizer"
	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/publisher"
	"github.com/marketprism/marketprism/internal/types"
)

// Poll cadence for the statistics endpoints that have no stream. The
// period parameter matches the cadence so consecutive polls yield distinct
// buckets.
const (
	statsPollInterval = 5 * time.Minute
	statsPeriod       = "5m"
)

// Session data types per venue and market type.
var binanceDataTypes = map[types.MarketType][]types.DataType{
	types.Spot:      {types.DataTypeTrade, types.DataTypeOrderbook},
	types.Perpetual: {types.DataTypeTrade, types.DataTypeOrderbook, types.DataTypeFundingRate, types.DataTypeLiquidation},
}

var okxDataTypes = map[types.MarketType][]types.DataType{
	types.Perpetual: {types.DataTypeTrade, types.DataTypeOrderbook, types.DataTypeFundingRate, types.DataTypeOpenInterest, types.DataTypeLiquidation},
}

// Collector is the ingestion process: every enabled venue's sessions plus
// their maintainers, feeding one publisher.
type Collector struct {
	cfg  config.Config
	norm *normalizer.Normalizer
	pub  *publisher.Publisher
	mgr  *exchange.Manager
	log  zerolog.Logger

	binanceRest *binance.RestClient
	maintainers map[types.Exchange]*orderbook.Maintainer

	// perpSymbols holds binance perpetual native symbols for the REST
	// pollers.
	perpSymbols []string
}

func New(cfg config.Config, norm *normalizer.Normalizer, pub *publisher.Publisher, log zerolog.Logger) *Collector {
	return &Collector{
		cfg:         cfg,
		norm:        norm,
		pub:         pub,
		mgr:         exchange.NewManager(log),
		log:         log.With().Str("component", "collector").Logger(),
		binanceRest: binance.NewRestClient(),
		maintainers: make(map[types.Exchange]*orderbook.Maintainer),
	}
}

// Run builds the sessions, starts everything and blocks until the context
// is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.build(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, m := range c.maintainers {
		wg.Add(1)
		go func(m *orderbook.Maintainer) {
			defer wg.Done()
			c.pub.Run(ctx, m.Records())
		}(m)
	}

	if err := c.mgr.StartAll(ctx); err != nil {
		c.mgr.StopAll()
		return err
	}

	for _, s := range c.mgr.Sessions() {
		wg.Add(1)
		go func(s *exchange.Session) {
			defer wg.Done()
			c.pump(ctx, s)
		}(s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.mgr.Monitor(ctx, 30*time.Second)
	}()

	c.startPollers(ctx, &wg)

	<-ctx.Done()
	c.mgr.StopAll()
	for _, m := range c.maintainers {
		m.Close()
	}
	wg.Wait()
	return ctx.Err()
}

// Err reports collector health: every session must be past startup and not
// halted.
func (c *Collector) Err() error {
	for name, state := range c.mgr.States() {
		if state == "closed" {
			return fmt.Errorf("session %s halted", name)
		}
	}
	return nil
}

// States exposes per-session lifecycle states for the health surface.
func (c *Collector) States() map[string]string { return c.mgr.States() }

func (c *Collector) build(ctx context.Context) error {
	for name, ex := range c.cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		var err error
		switch types.Exchange(name) {
		case types.Binance:
			err = c.buildBinance(ex)
		case types.OKX:
			err = c.buildOKX(ex)
		case types.Deribit:
			err = c.buildDeribit(ex)
		default:
			err = fmt.Errorf("unknown exchange %q", name)
		}
		if err != nil {
			return fmt.Errorf("collector: %w", err)
		}
	}
	if len(c.mgr.Sessions()) == 0 {
		return errors.New("collector: no exchange enabled")
	}
	return nil
}

func (c *Collector) buildBinance(ex config.ExchangeConfig) error {
	endpoint := binance.New()

	maint := orderbook.NewMaintainer(types.Binance, c.cfg.Orderbook,
		c.fetchBinanceSnapshot, nil, c.log)
	c.maintainers[types.Binance] = maint

	for _, mt := range ex.MarketTypes {
		marketType := types.MarketType(mt)
		dataTypes, ok := binanceDataTypes[marketType]
		if !ok {
			return fmt.Errorf("binance does not serve market type %q", mt)
		}
		if err := c.registerSymbols(types.Binance, marketType, ex.Symbols, maint); err != nil {
			return err
		}
		if marketType == types.Perpetual {
			c.perpSymbols = append(c.perpSymbols, ex.Symbols...)
		}
		for _, dt := range dataTypes {
			c.mgr.Add(exchange.NewSession(endpoint, sessionConfig(ex, marketType, dt), c.log))
		}
	}
	return nil
}

func (c *Collector) buildOKX(ex config.ExchangeConfig) error {
	endpoint := okx.New()

	for _, mt := range ex.MarketTypes {
		marketType := types.MarketType(mt)
		dataTypes, ok := okxDataTypes[marketType]
		if !ok {
			return fmt.Errorf("okx does not serve market type %q", mt)
		}

		var bookSession *exchange.Session
		for _, dt := range dataTypes {
			s := exchange.NewSession(endpoint, sessionConfig(ex, marketType, dt), c.log)
			c.mgr.Add(s)
			if dt == types.DataTypeOrderbook {
				bookSession = s
			}
		}

		// Snapshots arrive in-band, so resync means re-subscribing. Rebind
		// the one symbol on the live connection; if that fails, kick the
		// session and let its reconnect loop re-subscribe everything.
		maint := orderbook.NewMaintainer(types.OKX, c.cfg.Orderbook, nil,
			func(_ context.Context, native string) error {
				if err := resubscribeBook(bookSession, native); err != nil {
					bookSession.Kick()
				}
				return nil
			}, c.log)
		c.maintainers[types.OKX] = maint
		if err := c.registerSymbols(types.OKX, marketType, ex.Symbols, maint); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) buildDeribit(ex config.ExchangeConfig) error {
	endpoint := deribit.New()
	for _, mt := range ex.MarketTypes {
		marketType := types.MarketType(mt)
		c.mgr.Add(exchange.NewSession(endpoint,
			sessionConfig(ex, marketType, types.DataTypeVolatilityIndex), c.log))
	}
	return nil
}

// resubscribeBook rebinds one books subscription in place, prompting the
// venue to resend a fresh snapshot for that symbol alone.
func resubscribeBook(s *exchange.Session, instID string) error {
	unsub, err := okx.UnsubscribeOne(types.DataTypeOrderbook, instID)
	if err != nil {
		return err
	}
	sub, err := okx.SubscribeOne(types.DataTypeOrderbook, instID)
	if err != nil {
		return err
	}
	if err := s.Send(unsub); err != nil {
		return err
	}
	return s.Send(sub)
}

func sessionConfig(ex config.ExchangeConfig, marketType types.MarketType, dt types.DataType) exchange.SessionConfig {
	return exchange.SessionConfig{
		MarketType:       marketType,
		DataType:         dt,
		Symbols:          ex.Symbols,
		Proxy:            ex.Proxy,
		HeartbeatTimeout: ex.HeartbeatTimeout(),
	}
}

// registerSymbols binds native symbols to their canonical form and tracks
// them on the maintainer.
func (c *Collector) registerSymbols(ex types.Exchange, marketType types.MarketType, symbols []string, maint *orderbook.Maintainer) error {
	for _, native := range symbols {
		canonical, err := normalizer.CanonicalSymbol(native, marketType)
		if err != nil {
			return fmt.Errorf("symbol %q: %w", native, err)
		}
		c.norm.Registry().Register(ex, native, canonical)
		if maint != nil {
			maint.Track(canonical, native, marketType)
		}
	}
	return nil
}

// pump normalizes one session's raw stream and routes the records.
func (c *Collector) pump(ctx context.Context, s *exchange.Session) {
	for msg := range s.Messages() {
		recs, err := c.norm.Normalize(msg.Exchange, msg.MarketType, msg.DataType, msg.Payload)
		if err != nil {
			metrics.NormalizeErrors.WithLabelValues(
				string(msg.Exchange), string(msg.DataType), normalizeReason(err)).Inc()
			c.log.Debug().Err(err).Str("exchange", string(msg.Exchange)).
				Str("data_type", string(msg.DataType)).Msg("Record rejected")
			continue
		}
		for _, rec := range recs {
			c.route(ctx, rec)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// route sends orderbook records through their maintainer, alongside a
// venue-native passthrough publish, and everything else straight to the
// bus.
func (c *Collector) route(ctx context.Context, rec types.Record) {
	switch r := rec.(type) {
	case *types.OrderbookSnapshot:
		subject := publisher.OrderbookSubject(publisher.RootOrderbookSnapshot, r.Env())
		if err := c.pub.PublishTo(ctx, subject, r); err != nil {
			c.log.Error().Err(err).Str("subject", subject).Msg("Passthrough publish deadlettered")
		}
		if m := c.maintainers[r.Exchange]; m != nil {
			if err := m.ProcessSnapshot(ctx, r); err != nil {
				c.log.Warn().Err(err).Msg("Snapshot rejected by maintainer")
			}
		}
	case *types.OrderbookDelta:
		subject := publisher.OrderbookSubject(publisher.RootOrderbookPureDelta, r.Env())
		if err := c.pub.PublishTo(ctx, subject, r); err != nil {
			c.log.Error().Err(err).Str("subject", subject).Msg("Passthrough publish deadlettered")
		}
		if m := c.maintainers[r.Exchange]; m != nil {
			if err := m.ProcessDelta(ctx, r); err != nil {
				c.log.Warn().Err(err).Msg("Delta triggered resync")
			}
		}
	default:
		if err := c.pub.Publish(ctx, rec); err != nil {
			c.log.Error().Err(err).Str("data_type", string(rec.Type())).Msg("Publish deadlettered")
		}
	}
}

// fetchBinanceSnapshot is the maintainer's snapshot source: REST depth,
// normalized.
func (c *Collector) fetchBinanceSnapshot(ctx context.Context, marketType types.MarketType, nativeSymbol string) (*types.OrderbookSnapshot, error) {
	raw, err := c.binanceRest.DepthSnapshot(ctx, marketType, nativeSymbol, c.cfg.Orderbook.Depth)
	if err != nil {
		return nil, err
	}
	return c.norm.NormalizeBinanceDepthSnapshot(marketType, nativeSymbol, raw)
}

// startPollers launches the REST pollers for the statistics endpoints that
// have no stream: binance open interest and both long/short ratios.
func (c *Collector) startPollers(ctx context.Context, wg *sync.WaitGroup) {
	if len(c.perpSymbols) == 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statsPollInterval)
		defer ticker.Stop()
		c.pollStats(ctx) // first poll immediately
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.pollStats(ctx)
			}
		}
	}()
}

func (c *Collector) pollStats(ctx context.Context) {
	for _, symbol := range c.perpSymbols {
		c.pollOne(ctx, symbol, types.DataTypeOpenInterest, c.binanceRest.OpenInterestHist,
			func(raw []byte) (types.Record, error) {
				return c.norm.NormalizeBinanceOpenInterest(types.Perpetual, raw)
			})
		c.pollOne(ctx, symbol, types.DataTypeLSRTopPosition, c.binanceRest.TopLongShortPositionRatio,
			func(raw []byte) (types.Record, error) {
				return c.norm.NormalizeBinanceLSRTop(types.Perpetual, statsPeriod, raw)
			})
		c.pollOne(ctx, symbol, types.DataTypeLSRAllAccount, c.binanceRest.GlobalLongShortAccountRatio,
			func(raw []byte) (types.Record, error) {
				return c.norm.NormalizeBinanceLSRAll(types.Perpetual, statsPeriod, raw)
			})
		if ctx.Err() != nil {
			return
		}
	}
}

// pollOne fetches one statistics endpoint, whose responses are JSON arrays
// of entries, and publishes each normalized entry.
func (c *Collector) pollOne(ctx context.Context, symbol string, dt types.DataType,
	fetch func(ctx context.Context, symbol, period string) ([]byte, error),
	normalize func(raw []byte) (types.Record, error),
) {
	raw, err := fetch(ctx, symbol, statsPeriod)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Str("data_type", string(dt)).
			Msg("Stats poll failed")
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.log.Warn().Err(err).Str("data_type", string(dt)).Msg("Stats response unparseable")
		return
	}
	for _, entry := range entries {
		rec, err := normalize(entry)
		if err != nil {
			metrics.NormalizeErrors.WithLabelValues(
				string(types.Binance), string(dt), normalizeReason(err)).Inc()
			continue
		}
		if err := c.pub.Publish(ctx, rec); err != nil {
			c.log.Error().Err(err).Str("data_type", string(dt)).Msg("Publish deadlettered")
		}
	}
}

func normalizeReason(err error) string {
	switch {
	case errors.Is(err, normalizer.ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, normalizer.ErrPrecisionLoss):
		return "precision_loss"
	default:
		return "invalid_payload"
	}
}
