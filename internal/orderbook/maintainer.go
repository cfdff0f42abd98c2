package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/types"
)

// SnapshotFetcher pulls a depth snapshot out of band, typically over REST.
// The symbol is the venue's native instrument id.
type SnapshotFetcher func(ctx context.Context, marketType types.MarketType, nativeSymbol string) (*types.OrderbookSnapshot, error)

// ResyncFunc asks the owning session to re-establish the book feed for one
// symbol. Used on venues whose snapshots only arrive in-band.
type ResyncFunc func(ctx context.Context, symbol string) error

type syncStatus int

const (
	statusAwaiting syncStatus = iota // no snapshot yet, deltas buffered
	statusLive                       // snapshot applied, deltas flow through
)

// bookState is the per-symbol synchronization state. gen invalidates
// in-flight snapshot fetches from a superseded sync round.
type bookState struct {
	book         *Book
	status       syncStatus
	buffer       []*types.OrderbookDelta
	gen          uint64
	fetching     bool
	nativeSymbol string
	marketType   types.MarketType
	lastEmit     time.Time
}

// Maintainer reconstructs per-symbol orderbooks for one exchange from
// normalized snapshot and delta records, and emits validated records
// downstream: a full snapshot on every (re)sync and refresh interval, and
// every delta it applied.
type Maintainer struct {
	exchange types.Exchange
	cfg      config.OrderbookConfig
	fetcher  SnapshotFetcher
	resync   ResyncFunc
	out      chan types.Record
	log      zerolog.Logger

	mu    sync.Mutex
	books map[string]*bookState
}

// NewMaintainer creates a maintainer. fetcher may be nil on venues that send
// snapshots in-band; resync may be nil on venues resynced via REST refetch.
func NewMaintainer(exchange types.Exchange, cfg config.OrderbookConfig, fetcher SnapshotFetcher, resync ResyncFunc, log zerolog.Logger) *Maintainer {
	return &Maintainer{
		exchange: exchange,
		cfg:      cfg,
		fetcher:  fetcher,
		resync:   resync,
		out:      make(chan types.Record, 256),
		books:    make(map[string]*bookState),
		log:      log.With().Str("component", "orderbook").Str("exchange", string(exchange)).Logger(),
	}
}

// Records is the stream of validated snapshots and deltas.
func (m *Maintainer) Records() <-chan types.Record { return m.out }

// Close releases the output channel. No Process calls may follow.
func (m *Maintainer) Close() { close(m.out) }

// Track registers a symbol before its records arrive, binding the canonical
// symbol to the venue-native id the snapshot fetcher needs.
func (m *Maintainer) Track(canonical, nativeSymbol string, marketType types.MarketType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[canonical] = &bookState{
		book:         NewBook(),
		status:       statusAwaiting,
		nativeSymbol: nativeSymbol,
		marketType:   marketType,
	}
}

// ProcessSnapshot applies an in-band snapshot: the book is reset
// unconditionally and a full snapshot is emitted.
func (m *Maintainer) ProcessSnapshot(ctx context.Context, snap *types.OrderbookSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.books[snap.Symbol]
	if !ok {
		return fmt.Errorf("orderbook: snapshot for untracked symbol %s", snap.Symbol)
	}

	st.book.Reset(snap.Bids, snap.Asks, snap.LastUpdateID)
	st.status = statusLive
	st.buffer = st.buffer[:0]
	st.gen++
	st.fetching = false

	if m.cfg.ChecksumVerification && snap.Checksum != nil {
		if got := Checksum(st.book); got != *snap.Checksum {
			m.startResyncLocked(ctx, snap.Symbol, st, "checksum_mismatch")
			return fmt.Errorf("orderbook: checksum mismatch on %s snapshot: got %d want %d",
				snap.Symbol, got, *snap.Checksum)
		}
	}

	m.emitSnapshotLocked(ctx, snap.Symbol, st, snap.TimestampMS)
	return nil
}

// ProcessDelta applies one incremental update, buffering while a snapshot
// fetch is in flight and resyncing on sequence gaps.
func (m *Maintainer) ProcessDelta(ctx context.Context, delta *types.OrderbookDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.books[delta.Symbol]
	if !ok {
		return fmt.Errorf("orderbook: delta for untracked symbol %s", delta.Symbol)
	}

	if st.status == statusAwaiting {
		st.buffer = append(st.buffer, delta)
		if len(st.buffer) > m.cfg.BufferLimit {
			st.buffer = st.buffer[:0]
			m.startResyncLocked(ctx, delta.Symbol, st, "buffer_overflow")
			return fmt.Errorf("orderbook: %s delta buffer overflowed during sync", delta.Symbol)
		}
		if !st.fetching {
			m.startResyncLocked(ctx, delta.Symbol, st, "initial_sync")
		}
		return nil
	}

	if !sequenced(st.book.LastUpdateID(), delta) {
		if delta.LastUpdateID <= st.book.LastUpdateID() {
			return nil // stale or duplicate, already covered by the book
		}
		st.status = statusAwaiting
		st.buffer = append(st.buffer[:0], delta)
		m.startResyncLocked(ctx, delta.Symbol, st, "sequence_gap")
		return fmt.Errorf("orderbook: sequence gap on %s: book at %d, delta [%d,%d] prev %d",
			delta.Symbol, st.book.LastUpdateID(), delta.FirstUpdateID, delta.LastUpdateID, delta.PrevUpdateID)
	}

	st.book.Apply(delta)

	if m.cfg.ChecksumVerification && delta.Checksum != nil {
		if got := Checksum(st.book); got != *delta.Checksum {
			st.buffer = st.buffer[:0]
			m.startResyncLocked(ctx, delta.Symbol, st, "checksum_mismatch")
			return fmt.Errorf("orderbook: checksum mismatch on %s update %d: got %d want %d",
				delta.Symbol, delta.LastUpdateID, got, *delta.Checksum)
		}
	}

	m.recordBest(delta.Symbol, st)
	m.emit(ctx, delta)

	if m.cfg.SnapshotInterval() > 0 && time.Since(st.lastEmit) >= m.cfg.SnapshotInterval() {
		m.emitSnapshotLocked(ctx, delta.Symbol, st, delta.TimestampMS)
	}
	return nil
}

// sequenced reports whether a delta chains onto a book at lastID. Venues
// with an explicit previous-sequence field must match it exactly; otherwise
// the update range has to straddle lastID+1.
func sequenced(lastID int64, d *types.OrderbookDelta) bool {
	if d.PrevUpdateID != 0 {
		return d.PrevUpdateID == lastID
	}
	return d.FirstUpdateID <= lastID+1 && lastID+1 <= d.LastUpdateID
}

// startResyncLocked begins a new sync round for one symbol. On REST-snapshot
// venues it launches an out-of-band fetch; otherwise it delegates to the
// session resync hook. Only one round runs per symbol at a time.
func (m *Maintainer) startResyncLocked(ctx context.Context, symbol string, st *bookState, reason string) {
	metrics.OrderbookResyncs.WithLabelValues(string(m.exchange), symbol, reason).Inc()
	m.log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Orderbook resync started")

	st.status = statusAwaiting
	if st.fetching {
		return
	}
	st.gen++
	gen := st.gen

	switch {
	case m.fetcher != nil:
		st.fetching = true
		go m.fetchSnapshot(ctx, symbol, st.marketType, st.nativeSymbol, gen)
	case m.resync != nil:
		st.fetching = true
		go func() {
			defer m.clearFetching(symbol, gen)
			if err := m.resync(ctx, st.nativeSymbol); err != nil {
				m.log.Error().Err(err).Str("symbol", symbol).Msg("Orderbook resubscribe failed")
			}
		}()
	default:
		m.log.Error().Str("symbol", symbol).Msg("No snapshot source configured, book stays stale")
	}
}

// fetchSnapshot retrieves a REST snapshot with backoff, then aligns the
// buffered deltas against it.
func (m *Maintainer) fetchSnapshot(ctx context.Context, symbol string, marketType types.MarketType, native string, gen uint64) {
	defer m.clearFetching(symbol, gen)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ResyncBackoff()
	bo.MaxInterval = 30 * time.Second

	for {
		snap, err := m.fetcher(ctx, marketType, native)
		if err == nil {
			m.completeSync(ctx, symbol, snap, gen)
			return
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = 30 * time.Second
		}
		m.log.Warn().Err(err).Str("symbol", symbol).Dur("backoff", sleep).
			Msg("Depth snapshot fetch failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (m *Maintainer) clearFetching(symbol string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.books[symbol]; ok && st.gen == gen {
		st.fetching = false
	}
}

// completeSync aligns buffered deltas against a fetched snapshot. Deltas
// fully covered by the snapshot are dropped; the first surviving delta must
// straddle or chain onto the snapshot sequence, otherwise the round restarts.
func (m *Maintainer) completeSync(ctx context.Context, symbol string, snap *types.OrderbookSnapshot, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.books[symbol]
	if !ok || st.gen != gen {
		return // superseded by a newer sync round
	}

	st.book.Reset(snap.Bids, snap.Asks, snap.LastUpdateID)

	for i, d := range st.buffer {
		if d.LastUpdateID <= st.book.LastUpdateID() {
			continue
		}
		if !sequenced(st.book.LastUpdateID(), d) {
			// Snapshot predates the buffer's coverage. Refetch.
			st.buffer = append([]*types.OrderbookDelta(nil), st.buffer[i:]...)
			st.fetching = false
			m.startResyncLocked(ctx, symbol, st, "snapshot_behind_buffer")
			return
		}
		st.book.Apply(d)
	}

	st.buffer = st.buffer[:0]
	st.status = statusLive
	m.recordBest(symbol, st)
	m.emitSnapshotLocked(ctx, symbol, st, types.NowMS())
	m.log.Info().Str("symbol", symbol).Int64("last_update_id", st.book.LastUpdateID()).
		Msg("Orderbook synced")
}

// emitSnapshotLocked builds a full snapshot from the current book and emits
// it downstream.
func (m *Maintainer) emitSnapshotLocked(ctx context.Context, symbol string, st *bookState, tsMS int64) {
	bids, asks := st.book.Levels(m.cfg.Depth)
	snap := &types.OrderbookSnapshot{
		Envelope: types.Envelope{
			Exchange:    m.exchange,
			MarketType:  st.marketType,
			Symbol:      symbol,
			TimestampMS: tsMS,
			DataSource:  types.DataSource,
		},
		LastUpdateID: st.book.LastUpdateID(),
		Bids:         bids,
		Asks:         asks,
		DepthLevels:  st.book.Depth(),
	}
	if bid, ask, ok := st.book.Best(); ok {
		snap.BestBidPrice, snap.BestBidQuantity = bid.Price, bid.Quantity
		snap.BestAskPrice, snap.BestAskQuantity = ask.Price, ask.Quantity
	}
	st.lastEmit = time.Now()
	m.emit(ctx, snap)
}

func (m *Maintainer) emit(ctx context.Context, rec types.Record) {
	select {
	case m.out <- rec:
	case <-ctx.Done():
	}
}

func (m *Maintainer) recordBest(symbol string, st *bookState) {
	if bid, ask, ok := st.book.Best(); ok {
		metrics.RecordBestBidAsk(string(m.exchange), symbol,
			bid.Price.InexactFloat64(), ask.Price.InexactFloat64())
	}
}
