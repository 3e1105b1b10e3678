package db

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy controls archive cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	Deleted    int
}

// Prune deletes archived runs outside the retention policy. A run is kept
// when either rule keeps it. An empty policy keeps everything.
func (a *Archive) Prune(ctx context.Context, policy RetentionPolicy, now time.Time, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = now.UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}

	rows, err := a.db.QueryContext(ctx, `SELECT run_id, created_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list runs: %w", err)
	}
	type runRow struct {
		id        string
		createdAt time.Time
		parseErr  error
	}
	var runs []runRow
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			_ = rows.Close()
			return PruneResult{}, fmt.Errorf("scan run: %w", err)
		}
		parsed, parseErr := time.Parse(time.RFC3339Nano, createdAt)
		runs = append(runs, runRow{id: id, createdAt: parsed, parseErr: parseErr})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return PruneResult{}, fmt.Errorf("iterate runs: %w", err)
	}
	_ = rows.Close()

	res := PruneResult{Considered: len(runs)}
	for idx, row := range runs {
		keep := policy.KeepLast > 0 && idx < policy.KeepLast
		if !keep && policy.KeepDays > 0 {
			keep = row.parseErr != nil || row.createdAt.After(cutoff)
		}
		if keep {
			res.Kept++
			continue
		}
		if !dryRun {
			if _, err := a.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, row.id); err != nil {
				return res, fmt.Errorf("delete run %s: %w", row.id, err)
			}
		}
		res.Deleted++
	}
	return res, nil
}
