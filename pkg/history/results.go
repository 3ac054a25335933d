package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

// GroupStat summarises recorded jobs of one group.
type GroupStat struct {
	Group       string  `json:"group"`
	Jobs        int     `json:"jobs"`
	Timed       int     `json:"timed"`
	Timeouts    int     `json:"timeouts"`
	MeanProcess float64 `json:"mean_process_time"`
}

// Ingest upserts every result under runID and returns the number of rows
// written. Ids that do not parse into a group are skipped.
func Ingest(ctx context.Context, db *sql.DB, runID string, results resultstore.Results) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("db is nil")
	}
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_results (
			job_id, group_id, process_time, execution_time, timeout, status,
			slot, exit_code, run_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			group_id = excluded.group_id,
			process_time = excluded.process_time,
			execution_time = excluded.execution_time,
			timeout = excluded.timeout,
			status = excluded.status,
			slot = excluded.slot,
			exit_code = excluded.exit_code,
			run_id = excluded.run_id,
			recorded_at = excluded.recorded_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	n := 0
	for _, id := range results.Keys() {
		ident, err := job.ParseID(id)
		if err != nil {
			continue
		}
		r := results[id]
		timeout := 0
		if r.IsTimedOut() {
			timeout = 1
		}
		if _, err := stmt.ExecContext(ctx,
			id, ident.Group,
			nullFloat(r.ProcessTime), nullFloat(r.ExecutionTime),
			timeout, nullString(r.Status),
			nullInt(r.Slot), nullInt(r.ExitCode),
			runID, now,
		); err != nil {
			return n, fmt.Errorf("upsert %s: %w", id, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("commit ingest: %w", err)
	}
	return n, nil
}

// GroupMeans returns the mean process_time per group over rows that
// recorded one.
func GroupMeans(ctx context.Context, db *sql.DB) (map[string]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT group_id, AVG(process_time)
		FROM job_results
		WHERE process_time IS NOT NULL
		GROUP BY group_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query group means: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var g string
		var mean float64
		if err := rows.Scan(&g, &mean); err != nil {
			return nil, fmt.Errorf("scan group mean: %w", err)
		}
		out[g] = mean
	}
	return out, rows.Err()
}

// Stats returns per-group statistics ordered by group.
func Stats(ctx context.Context, db *sql.DB) ([]GroupStat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT group_id,
			COUNT(*),
			COUNT(process_time),
			COALESCE(SUM(timeout), 0),
			COALESCE(AVG(process_time), 0)
		FROM job_results
		GROUP BY group_id
		ORDER BY group_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query group stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroupStat
	for rows.Next() {
		var s GroupStat
		if err := rows.Scan(&s.Group, &s.Jobs, &s.Timed, &s.Timeouts, &s.MeanProcess); err != nil {
			return nil, fmt.Errorf("scan group stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FromResults computes the GroupMeans statistic directly from a merged
// results map.
func FromResults(results resultstore.Results) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for id, r := range results {
		if r == nil || r.ProcessTime == nil {
			continue
		}
		ident, err := job.ParseID(id)
		if err != nil {
			continue
		}
		sums[ident.Group] += *r.ProcessTime
		counts[ident.Group]++
	}
	out := make(map[string]float64, len(sums))
	for g, s := range sums {
		out[g] = s / float64(counts[g])
	}
	return out
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
