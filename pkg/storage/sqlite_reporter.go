package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/safego"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 30
	defaultSinkTimeout  = 30 * time.Second
)

// Sink receives outcomes forwarded by the Reporter.
type Sink interface {
	WriteOutcome(ctx context.Context, outcome otaharness.TestOutcome) error
}

// ReporterOptions tunes the flush loop. Zero values use the defaults.
type ReporterOptions struct {
	PollInterval time.Duration
	BatchSize    int
	SinkTimeout  time.Duration
}

// Reporter forwards pending rows of a Store to a Sink. Rows that fail are
// marked and retried on the next flush.
type Reporter struct {
	store        *Store
	sink         Sink
	pollInterval time.Duration
	batchSize    int
	sinkTimeout  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	flushMu sync.Mutex
}

func NewReporter(store *Store, sink Sink, opts ReporterOptions) *Reporter {
	r := &Reporter{
		store:        store,
		sink:         sink,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		sinkTimeout:  opts.SinkTimeout,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.sinkTimeout <= 0 {
		r.sinkTimeout = defaultSinkTimeout
	}
	return r
}

// Start launches the background flush loop. It is a no-op when already
// running.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(loopCtx)
	safego.Go(groupCtx, group, "outcome reporter", r.loop)
	r.cancel = cancel
	r.group = group
}

func (r *Reporter) loop(ctx context.Context) error {
	r.FlushOnce(ctx)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.FlushOnce(ctx)
		}
	}
}

// FlushOnce forwards one batch of pending rows and returns how many were
// delivered.
func (r *Reporter) FlushOnce(ctx context.Context) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	timeout := r.sinkTimeout + 5*time.Second
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rows, err := r.fetchPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("outcome reporter fetch pending rows failed")
		return 0
	}
	delivered := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return delivered
		}
		if err := r.dispatchRow(ctx, row); err != nil {
			log.Error().Err(err).Int64("row_id", row.ID).Msg("outcome reporter dispatch row failed")
			if markErr := r.markFailure(row.ID, err); markErr != nil {
				log.Error().Err(markErr).Int64("row_id", row.ID).Msg("outcome reporter mark failure failed")
			}
			continue
		}
		if err := r.markSuccess(row.ID); err != nil {
			log.Error().Err(err).Int64("row_id", row.ID).Msg("outcome reporter mark success failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Reporter) fetchPending(ctx context.Context) ([]Row, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (%d, %d) ORDER BY id ASC LIMIT ?`,
		outcomeSelectColumns, quoteIdent(outcomeTableName), quoteIdent(reportedColumn),
		reportStatusPending, reportStatusFailed)
	rows, err := r.store.db.QueryContext(ctx, query, r.batchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query pending outcome rows failed")
	}
	defer rows.Close()

	results := make([]Row, 0, r.batchSize)
	for rows.Next() {
		var row Row
		if err := scanOutcome(rows, &row); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate pending outcome rows failed")
	}
	return results, nil
}

func (r *Reporter) dispatchRow(ctx context.Context, row Row) error {
	if r.sink == nil {
		return pkgerrors.New("storage: outcome sink nil")
	}
	ctx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
	defer cancel()
	return r.sink.WriteOutcome(ctx, row.Outcome)
}

func (r *Reporter) markSuccess(id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stmt := fmt.Sprintf(`UPDATE %s SET %s=%d, %s=?, %s=NULL WHERE id=?`,
		quoteIdent(outcomeTableName), quoteIdent(reportedColumn), reportStatusSuccess,
		quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn))
	return pkgerrors.Wrap(execWithRetry(ctx, r.store.db, stmt, time.Now().UnixMilli(), id), "storage: mark outcome row reported")
}

func (r *Reporter) markFailure(id int64, err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stmt := fmt.Sprintf(`UPDATE %s SET %s=%d, %s=?, %s=? WHERE id=?`,
		quoteIdent(outcomeTableName), quoteIdent(reportedColumn), reportStatusFailed,
		quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn))
	return pkgerrors.Wrap(execWithRetry(ctx, r.store.db, stmt, time.Now().UnixMilli(), truncateError(err), id), "storage: mark outcome row failed")
}

// Close stops the loop and makes a last flush so outcomes recorded right
// before shutdown are not left pending. The store stays open.
func (r *Reporter) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	r.FlushOnce(context.Background())
	return err
}
