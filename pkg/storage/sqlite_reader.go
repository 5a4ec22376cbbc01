package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	pkgerrors "github.com/pkg/errors"
)

// Row is a stored outcome with its report bookkeeping.
type Row struct {
	ID          int64
	Outcome     otaharness.TestOutcome
	Reported    int
	ReportError string
}

// ReportState names the report status of the row.
func (r Row) ReportState() string {
	switch r.Reported {
	case reportStatusSuccess:
		return "reported"
	case reportStatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Filter narrows List. Zero values match everything; Limit <= 0 means 50.
type Filter struct {
	RunID      string
	Scenario   string
	Device     string
	FailedOnly bool
	Limit      int
}

const outcomeSelectColumns = `id, run_id, scenario, iteration, device, host_id, passed, reason, step,
	retry_count, slot_before, slot_after, started_at, duration_ms`

// List returns the most recent outcomes first.
func (s *Store) List(ctx context.Context, f Filter) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(f.RunID); v != "" {
		where = append(where, "run_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.Scenario); v != "" {
		where = append(where, "scenario = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.Device); v != "" {
		where = append(where, "device = ?")
		args = append(args, v)
	}
	if f.FailedOnly {
		where = append(where, "passed = 0")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s", outcomeSelectColumns,
		quoteIdent(reportedColumn), quoteIdent(reportErrorColumn), quoteIdent(outcomeTableName))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query outcomes failed")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row       Row
			reportErr sql.NullString
		)
		if err := scanOutcome(rows, &row, &row.Reported, &reportErr); err != nil {
			return nil, err
		}
		row.ReportError = reportErr.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate outcomes failed")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanOutcome reads outcomeSelectColumns followed by extra destinations.
func scanOutcome(sc scanner, row *Row, extra ...any) error {
	var (
		device, hostID, reason, step sql.NullString
		slotBefore, slotAfter        sql.NullString
		passed                       int
		startedAt, durationMS        int64
	)
	dest := []any{
		&row.ID,
		&row.Outcome.RunID,
		&row.Outcome.Scenario,
		&row.Outcome.Iteration,
		&device,
		&hostID,
		&passed,
		&reason,
		&step,
		&row.Outcome.RetryCount,
		&slotBefore,
		&slotAfter,
		&startedAt,
		&durationMS,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return pkgerrors.Wrap(err, "storage: scan outcome row failed")
	}
	row.Outcome.Device = device.String
	row.Outcome.HostID = hostID.String
	row.Outcome.Passed = passed != 0
	row.Outcome.Reason = reason.String
	row.Outcome.Step = step.String
	row.Outcome.SlotBefore = parseSlotLabel(slotBefore.String)
	row.Outcome.SlotAfter = parseSlotLabel(slotAfter.String)
	row.Outcome.StartedAt = time.UnixMilli(startedAt)
	row.Outcome.Duration = time.Duration(durationMS) * time.Millisecond
	return nil
}

func parseSlotLabel(label string) otaharness.BootSlot {
	switch strings.TrimSpace(label) {
	case otaharness.SlotA.Label():
		return otaharness.SlotA
	case otaharness.SlotB.Label():
		return otaharness.SlotB
	default:
		return otaharness.SlotUnknown
	}
}
