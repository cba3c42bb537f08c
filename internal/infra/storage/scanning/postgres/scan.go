// Package postgres implements the scan store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/storage"
)

var _ scanning.ScanRepository = (*scanStore)(nil)

// scanStore implements scanning.ScanRepository using PostgreSQL as the
// backing store. Status changes are conditional updates so that only one
// worker can claim or finish a scan.
type scanStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a new PostgreSQL-backed scan repository with tracing capabilities.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(kv))
	out = append(out, defaultDBAttributes...)
	return append(out, kv...)
}

const scanColumns = `id, repo_url, branch, status::text, started_at, finished_at, coverage_pct, created_at`

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func scanScan(row pgx.Row) (*scanning.Scan, error) {
	var (
		id          pgtype.UUID
		repoURL     string
		branch      string
		status      string
		startedAt   *time.Time
		finishedAt  *time.Time
		coveragePct *float64
		createdAt   time.Time
	)
	if err := row.Scan(&id, &repoURL, &branch, &status, &startedAt, &finishedAt, &coveragePct, &createdAt); err != nil {
		return nil, err
	}

	st, err := scanning.ParseScanStatus(status)
	if err != nil {
		return nil, err
	}

	return scanning.ReconstructScan(
		uuid.UUID(id.Bytes),
		repoURL,
		branch,
		st,
		coveragePct,
		scanning.ReconstructTimeline(createdAt.UTC(), utcPtr(startedAt), utcPtr(finishedAt)),
	), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateScan persists a new queued scan.
func (r *scanStore) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	attrs := dbAttrs(
		attribute.String("scan_id", scan.ID().String()),
		attribute.String("repo_url", scan.RepoURL()),
		attribute.String("branch", scan.Branch()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_scan", attrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO scans (id, repo_url, branch, status, created_at)
			VALUES ($1, $2, $3, $4::scan_status, $5)`,
			pgUUID(scan.ID()), scan.RepoURL(), scan.Branch(), scan.Status().String(), scan.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateScan insert error: %w", err)
		}
		return nil
	})
}

// UpdateScanStatus applies a guarded transition. The row only changes when
// its current status equals upd.From. startedAt and finishedAt are never
// overwritten once set.
func (r *scanStore) UpdateScanStatus(ctx context.Context, upd scanning.StatusUpdate) (*scanning.Scan, error) {
	attrs := dbAttrs(
		attribute.String("scan_id", upd.ScanID.String()),
		attribute.String("from_status", upd.From.String()),
		attribute.String("to_status", upd.To.String()),
	)

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_scan_status", attrs, func(ctx context.Context) error {
		if err := upd.Validate(); err != nil {
			return err
		}

		row := r.db.QueryRow(ctx, `
			UPDATE scans
			SET status = $3::scan_status,
				started_at = COALESCE(started_at, $4),
				finished_at = COALESCE(finished_at, $5),
				coverage_pct = COALESCE($6, coverage_pct)
			WHERE id = $1 AND status = $2::scan_status
			RETURNING `+scanColumns,
			pgUUID(upd.ScanID), upd.From.String(), upd.To.String(), upd.StartedAt, upd.FinishedAt, upd.CoveragePct,
		)

		var err error
		scan, err = scanScan(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("UpdateScanStatus error: %w", err)
		}

		current, err := r.currentStatus(ctx, r.db, upd.ScanID)
		if err != nil {
			return err
		}
		return &scanning.StatusConflictError{ScanID: upd.ScanID, Expected: upd.From, Actual: current}
	})
	if err != nil {
		return nil, err
	}

	return scan, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *scanStore) currentStatus(ctx context.Context, q querier, id uuid.UUID) (scanning.ScanStatus, error) {
	var status string
	err := q.QueryRow(ctx, `SELECT status::text FROM scans WHERE id = $1`, pgUUID(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", scanning.ErrScanNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select scan status error: %w", err)
	}
	return scanning.ParseScanStatus(status)
}

// GetScan retrieves a scan by ID.
func (r *scanStore) GetScan(ctx context.Context, id uuid.UUID) (*scanning.Scan, error) {
	attrs := dbAttrs(attribute.String("scan_id", id.String()))

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan", attrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, pgUUID(id))

		var err error
		scan, err = scanScan(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrScanNotFound
		}
		if err != nil {
			return fmt.Errorf("GetScan query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return scan, nil
}

// ListScans returns up to limit scans, newest first.
func (r *scanStore) ListScans(ctx context.Context, limit int) ([]*scanning.Scan, error) {
	attrs := dbAttrs(attribute.Int("limit", limit))

	var scans []*scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_scans", attrs, func(ctx context.Context) error {
		var err error
		scans, err = r.queryScans(ctx, `
			SELECT `+scanColumns+` FROM scans
			ORDER BY created_at DESC, id
			LIMIT $1`, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	return scans, nil
}

// MarkScanEnqueued stamps enqueued_at unless it is already set.
func (r *scanStore) MarkScanEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error {
	attrs := dbAttrs(attribute.String("scan_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_scan_enqueued", attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scans SET enqueued_at = COALESCE(enqueued_at, $2)
			WHERE id = $1`,
			pgUUID(id), at,
		)
		if err != nil {
			return fmt.Errorf("MarkScanEnqueued update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrScanNotFound
		}
		return nil
	})
}

// RecordEnqueueFailure increments the scan's failed enqueue counter.
func (r *scanStore) RecordEnqueueFailure(ctx context.Context, id uuid.UUID) (int, error) {
	attrs := dbAttrs(attribute.String("scan_id", id.String()))

	var failures int
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.record_enqueue_failure", attrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			UPDATE scans SET enqueue_failures = enqueue_failures + 1
			WHERE id = $1
			RETURNING enqueue_failures`,
			pgUUID(id),
		).Scan(&failures)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrScanNotFound
		}
		if err != nil {
			return fmt.Errorf("RecordEnqueueFailure update error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return failures, nil
}

// ListOrphanedScans returns queued scans created before the cutoff whose job
// was never enqueued, oldest first.
func (r *scanStore) ListOrphanedScans(ctx context.Context, createdBefore time.Time, limit int) ([]*scanning.Scan, error) {
	attrs := dbAttrs(
		attribute.String("created_before", createdBefore.String()),
		attribute.Int("limit", limit),
	)

	var scans []*scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_orphaned_scans", attrs, func(ctx context.Context) error {
		var err error
		scans, err = r.queryScans(ctx, `
			SELECT `+scanColumns+` FROM scans
			WHERE status = 'queued' AND enqueued_at IS NULL AND created_at < $1
			ORDER BY created_at
			LIMIT $2`, createdBefore, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	return scans, nil
}

// ListStaleRunningScans returns running scans started before the cutoff, oldest first.
func (r *scanStore) ListStaleRunningScans(ctx context.Context, startedBefore time.Time, limit int) ([]*scanning.Scan, error) {
	attrs := dbAttrs(
		attribute.String("started_before", startedBefore.String()),
		attribute.Int("limit", limit),
	)

	var scans []*scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_stale_running_scans", attrs, func(ctx context.Context) error {
		var err error
		scans, err = r.queryScans(ctx, `
			SELECT `+scanColumns+` FROM scans
			WHERE status = 'running' AND started_at < $1
			ORDER BY started_at
			LIMIT $2`, startedBefore, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	return scans, nil
}

func (r *scanStore) queryScans(ctx context.Context, sql string, args ...any) ([]*scanning.Scan, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query scans error: %w", err)
	}
	defer rows.Close()

	scans := make([]*scanning.Scan, 0)
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row error: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans error: %w", err)
	}

	return scans, nil
}

// Stats returns aggregate counts across all scans and findings.
func (r *scanStore) Stats(ctx context.Context) (scanning.ScanStats, error) {
	var stats scanning.ScanStats
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.scan_stats", dbAttrs(), func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'completed'),
				COUNT(*) FILTER (WHERE status = 'failed'),
				(SELECT COUNT(*) FROM findings)
			FROM scans`,
		).Scan(&stats.TotalScans, &stats.CompletedScans, &stats.FailedScans, &stats.TotalFindings)
		if err != nil {
			return fmt.Errorf("Stats query error: %w", err)
		}
		return nil
	})
	return stats, err
}
