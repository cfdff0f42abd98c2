// Package replicator incrementally copies rows from the hot store to the
// cold store, idempotently, and optionally cleans replicated ranges out of
// the hot store.
package replicator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/metrics"
	"github.com/marketprism/marketprism/internal/storage"
	"github.com/marketprism/marketprism/internal/types"
)

// auditDDL is the per-run watermark ledger, kept in the cold store so it
// survives hot TTL.
const auditDDL = `CREATE TABLE IF NOT EXISTS %s.replication_audit
(
    table_name  LowCardinality(String),
    watermark   DateTime64(3, 'UTC'),
    rows_copied UInt64,
    rows_purged UInt64,
    dry_run     Bool,
    run_at      DateTime64(3, 'UTC') DEFAULT now64(3, 'UTC')
)
ENGINE = MergeTree
ORDER BY (table_name, run_at)`

// Replicator owns both store connections. Runs never overlap: a global
// mutex serializes RunOnce.
type Replicator struct {
	hot    driver.Conn
	cold   driver.Conn
	hotDB  string
	coldDB string
	cfg    config.ReplicatorConfig
	log    zerolog.Logger

	runMu sync.Mutex

	mu      sync.Mutex
	lastErr error
}

func New(hot, cold driver.Conn, hotDB, coldDB string, cfg config.ReplicatorConfig, log zerolog.Logger) *Replicator {
	return &Replicator{
		hot:    hot,
		cold:   cold,
		hotDB:  hotDB,
		coldDB: coldDB,
		cfg:    cfg,
		log:    log.With().Str("component", "replicator").Logger(),
	}
}

// EnsureAudit creates the watermark ledger in the cold store.
func (r *Replicator) EnsureAudit(ctx context.Context) error {
	if err := r.cold.Exec(ctx, fmt.Sprintf(auditDDL, r.coldDB)); err != nil {
		return fmt.Errorf("ensure audit table: %w", err)
	}
	return nil
}

// Err reports the outcome of the most recent run.
func (r *Replicator) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Replicator) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Run fires RunOnce on the configured interval until cancelled. The first
// run starts immediately.
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Replication run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce replicates every table once. Overlapping calls queue behind the
// global lock.
func (r *Replicator) RunOnce(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	started := time.Now()
	var firstErr error
	for _, dt := range types.AllDataTypes {
		table := storage.Tables[dt]
		if err := r.replicateTable(ctx, table); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("replicate %s: %w", table.Name, err)
			}
			r.log.Error().Err(err).Str("table", table.Name).Msg("Table replication failed")
		}
	}

	outcome := "ok"
	if firstErr != nil {
		outcome = "error"
	}
	metrics.ReplicationRuns.WithLabelValues(outcome).Inc()
	r.setErr(firstErr)
	r.log.Info().Dur("elapsed", time.Since(started)).Str("outcome", outcome).
		Msg("Replication run finished")
	return firstErr
}

// partition is one (exchange, market_type, symbol) replication unit.
// Watermarks are tracked per unit: a single table-wide maximum would let a
// lagging venue's late rows land below the cold high-water mark and never
// be copied.
type partition struct {
	Exchange   string
	MarketType string
	Symbol     string
}

type partitionResult struct {
	copied uint64
	purged uint64
	hi     time.Time
	lagMS  float64
}

// replicateTable runs the watermark algorithm for every partition present
// in the hot table, then records one audit row with the aggregate.
func (r *Replicator) replicateTable(ctx context.Context, table storage.Table) error {
	filterSQL, filterArgs := r.filters()

	parts, err := r.partitions(ctx, table, filterSQL, filterArgs)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	if len(parts) == 0 {
		metrics.ReplicationLag.WithLabelValues(table.Name).Set(0)
		return nil
	}

	var copied, purged uint64
	var maxLag float64
	var watermark time.Time
	for _, p := range parts {
		res, err := r.replicatePartition(ctx, table, p, filterSQL, filterArgs)
		if err != nil {
			return fmt.Errorf("partition %s/%s/%s: %w", p.Exchange, p.MarketType, p.Symbol, err)
		}
		copied += res.copied
		purged += res.purged
		if res.lagMS > maxLag {
			maxLag = res.lagMS
		}
		if res.hi.After(watermark) {
			watermark = res.hi
		}
	}
	metrics.ReplicationLag.WithLabelValues(table.Name).Set(maxLag)

	if r.cfg.DryRun {
		r.log.Info().Str("table", table.Name).Uint64("planned_rows", copied).
			Int("partitions", len(parts)).Msg("Dry run, not writing")
		return r.audit(ctx, table.Name, watermark, copied, 0, true)
	}

	metrics.ReplicationRows.WithLabelValues(table.Name).Add(float64(copied))
	if r.cfg.CleanupEnabled {
		metrics.CleanupRows.WithLabelValues(table.Name).Add(float64(purged))
	}
	return r.audit(ctx, table.Name, watermark, copied, purged, false)
}

// replicatePartition copies (lo, hi] for one partition, then optionally
// purges its replicated prefix from hot.
func (r *Replicator) replicatePartition(ctx context.Context, table storage.Table, p partition, filterSQL string, filterArgs []any) (partitionResult, error) {
	where := filterSQL + " AND exchange = ? AND market_type = ? AND symbol = ?"
	args := append(append([]any{}, filterArgs...), p.Exchange, p.MarketType, p.Symbol)

	hi, ok, err := r.maxTS(ctx, r.hot, r.hotDB, table, where, args)
	if err != nil {
		return partitionResult{}, fmt.Errorf("hot watermark: %w", err)
	}
	if !ok {
		return partitionResult{}, nil
	}

	lo, ok, err := r.maxTS(ctx, r.cold, r.coldDB, table, where, args)
	if err != nil {
		return partitionResult{}, fmt.Errorf("cold watermark: %w", err)
	}
	if !ok {
		lo = hi.Add(-r.cfg.Window())
	}

	res := partitionResult{hi: hi}
	if !hi.After(lo) {
		return res, nil
	}
	res.lagMS = float64(hi.Sub(lo).Milliseconds())

	if r.cfg.DryRun {
		res.copied, err = r.plannedRows(ctx, table, lo, hi, where, args)
		return res, err
	}

	res.copied, err = r.copyRange(ctx, table, lo, hi, where, args)
	if err != nil {
		return res, err
	}
	if r.cfg.CleanupEnabled {
		res.purged, err = r.cleanup(ctx, table, hi, where, args)
		if err != nil {
			return res, fmt.Errorf("cleanup: %w", err)
		}
	}
	return res, nil
}

// partitions enumerates the distinct replication units present in hot.
func (r *Replicator) partitions(ctx context.Context, table storage.Table, filterSQL string, filterArgs []any) ([]partition, error) {
	rows, err := r.hot.Query(ctx, partitionsSQL(r.hotDB, table, filterSQL), filterArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []partition
	for rows.Next() {
		var p partition
		if err := rows.Scan(&p.Exchange, &p.MarketType, &p.Symbol); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// maxTS returns the high watermark of one partition. ok is false when no
// rows match.
func (r *Replicator) maxTS(ctx context.Context, conn driver.Conn, db string, table storage.Table, whereSQL string, whereArgs []any) (time.Time, bool, error) {
	query := fmt.Sprintf(
		"SELECT max(ts_ms), count() FROM %s.%s WHERE 1=1%s", db, table.Name, whereSQL)

	var ts time.Time
	var n uint64
	if err := conn.QueryRow(ctx, query, whereArgs...).Scan(&ts, &n); err != nil {
		return time.Time{}, false, err
	}
	return ts, n > 0, nil
}

// copyRange performs the INSERT SELECT in bounded batches, ascending by
// ts_ms. The anti-existence predicate is a NOT IN over the cold key tuple
// restricted to the same range; LIMIT 1 BY collapses duplicate keys inside
// the hot selection itself.
func (r *Replicator) copyRange(ctx context.Context, table storage.Table, lo, hi time.Time, whereSQL string, whereArgs []any) (uint64, error) {
	query := copySQL(r.hotDB, r.coldDB, table, whereSQL, r.cfg.BatchLimit)

	var total uint64
	for {
		before, err := r.coldCount(ctx, table, lo, hi, whereSQL, whereArgs)
		if err != nil {
			return total, err
		}

		args := append([]any{lo, hi}, whereArgs...)
		args = append(args, lo, hi)
		args = append(args, whereArgs...)
		if err := r.cold.Exec(ctx, query, args...); err != nil {
			return total, fmt.Errorf("insert select: %w", err)
		}

		after, err := r.coldCount(ctx, table, lo, hi, whereSQL, whereArgs)
		if err != nil {
			return total, err
		}
		moved := after - before
		total += moved
		r.log.Debug().Str("table", table.Name).Uint64("rows", moved).Msg("Batch replicated")
		if moved < uint64(r.cfg.BatchLimit) {
			return total, nil
		}
	}
}

func (r *Replicator) coldCount(ctx context.Context, table storage.Table, lo, hi time.Time, whereSQL string, whereArgs []any) (uint64, error) {
	var n uint64
	args := append([]any{lo, hi}, whereArgs...)
	if err := r.cold.QueryRow(ctx, coldCountSQL(r.coldDB, table, whereSQL), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Replicator) plannedRows(ctx context.Context, table storage.Table, lo, hi time.Time, whereSQL string, whereArgs []any) (uint64, error) {
	args := append([]any{lo, hi}, whereArgs...)
	args = append(args, lo, hi)
	args = append(args, whereArgs...)

	var n uint64
	if err := r.hot.QueryRow(ctx, plannedSQL(r.hotDB, r.coldDB, table, whereSQL), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// cleanup deletes hot rows older than hi minus the retention window,
// restricted to rows whose business key is observed in cold. Rows not yet
// replicated are never touched.
func (r *Replicator) cleanup(ctx context.Context, table storage.Table, hi time.Time, whereSQL string, whereArgs []any) (uint64, error) {
	cutoff := hi.Add(-r.cfg.Window())

	args := append([]any{cutoff}, whereArgs...)
	args = append(args, cutoff)
	args = append(args, whereArgs...)

	var n uint64
	if err := r.hot.QueryRow(ctx, cleanupCountSQL(r.hotDB, r.coldDB, table, whereSQL), args...).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if err := r.hot.Exec(ctx, cleanupDeleteSQL(r.hotDB, r.coldDB, table, whereSQL), args...); err != nil {
		return 0, err
	}
	r.log.Info().Str("table", table.Name).Uint64("rows", n).Time("cutoff", cutoff).
		Msg("Replicated range purged from hot")
	return n, nil
}

// Query renderers. Kept as plain functions so the exact SQL shapes are
// unit-testable without a connection.

func keyTuple(table storage.Table) string {
	return "(" + strings.Join(table.DedupColumns, ", ") + ")"
}

func partitionsSQL(db string, table storage.Table, filterSQL string) string {
	return fmt.Sprintf(
		"SELECT DISTINCT exchange, market_type, symbol FROM %s.%s WHERE 1=1%s",
		db, table.Name, filterSQL)
}

func copySQL(hotDB, coldDB string, table storage.Table, whereSQL string, limit int) string {
	cols := strings.Join(table.InsertColumns, ", ")
	key := keyTuple(table)
	return fmt.Sprintf(`INSERT INTO %s.%s (%s)
SELECT %s FROM %s.%s
WHERE ts_ms > ? AND ts_ms <= ?%s
  AND %s NOT IN (
    SELECT %s FROM %s.%s WHERE ts_ms > ? AND ts_ms <= ?%s
  )
ORDER BY %s ASC
LIMIT 1 BY %s
LIMIT %d`,
		coldDB, table.Name, cols,
		cols, hotDB, table.Name, whereSQL,
		key,
		strings.Join(table.DedupColumns, ", "), coldDB, table.Name, whereSQL,
		strings.Join(table.OrderByKey(), ", "), key, limit)
}

func coldCountSQL(coldDB string, table storage.Table, whereSQL string) string {
	return fmt.Sprintf("SELECT count() FROM %s.%s WHERE ts_ms > ? AND ts_ms <= ?%s",
		coldDB, table.Name, whereSQL)
}

func plannedSQL(hotDB, coldDB string, table storage.Table, whereSQL string) string {
	key := keyTuple(table)
	return fmt.Sprintf(`SELECT count() FROM (
  SELECT %s FROM %s.%s
  WHERE ts_ms > ? AND ts_ms <= ?%s
    AND %s NOT IN (
      SELECT %s FROM %s.%s WHERE ts_ms > ? AND ts_ms <= ?%s
    )
  LIMIT 1 BY %s
)`,
		strings.Join(table.DedupColumns, ", "), hotDB, table.Name, whereSQL,
		key,
		strings.Join(table.DedupColumns, ", "), coldDB, table.Name, whereSQL,
		key)
}

func cleanupCountSQL(hotDB, coldDB string, table storage.Table, whereSQL string) string {
	return fmt.Sprintf(`SELECT count() FROM %s.%s
WHERE ts_ms <= ?%s
  AND %s IN (SELECT %s FROM %s.%s WHERE ts_ms <= ?%s)`,
		hotDB, table.Name, whereSQL,
		keyTuple(table), strings.Join(table.DedupColumns, ", "), coldDB, table.Name, whereSQL)
}

func cleanupDeleteSQL(hotDB, coldDB string, table storage.Table, whereSQL string) string {
	return fmt.Sprintf(`ALTER TABLE %s.%s DELETE
WHERE ts_ms <= ?%s
  AND %s IN (SELECT %s FROM %s.%s WHERE ts_ms <= ?%s)`,
		hotDB, table.Name, whereSQL,
		keyTuple(table), strings.Join(table.DedupColumns, ", "), coldDB, table.Name, whereSQL)
}

func (r *Replicator) audit(ctx context.Context, tableName string, hi time.Time, copied, purged uint64, dryRun bool) error {
	query := fmt.Sprintf(`INSERT INTO %s.replication_audit
(table_name, watermark, rows_copied, rows_purged, dry_run) VALUES (?, ?, ?, ?, ?)`,
		r.coldDB)
	if err := r.cold.Exec(ctx, query, tableName, hi, copied, purged, dryRun); err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// filters renders the optional exchange/market-type/symbol-prefix
// predicates shared by every query in a run.
func (r *Replicator) filters() (string, []any) {
	var sb strings.Builder
	var args []any
	if r.cfg.Exchange != "" {
		sb.WriteString(" AND exchange = ?")
		args = append(args, r.cfg.Exchange)
	}
	if r.cfg.MarketType != "" {
		sb.WriteString(" AND market_type = ?")
		args = append(args, r.cfg.MarketType)
	}
	if r.cfg.SymbolPrefix != "" {
		sb.WriteString(" AND startsWith(symbol, ?)")
		args = append(args, r.cfg.SymbolPrefix)
	}
	return sb.String(), args
}
