package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/storage"
)

const findingColumns = `id, scan_id, severity::text, confidence, law_section, law_excerpt,
	file_path, line_start, line_end, rationale, recommendation, created_at`

func scanFinding(row pgx.Row) (scanning.Finding, error) {
	var (
		id, scanID pgtype.UUID
		severity   string
		f          scanning.Finding
		confidence int16
	)
	err := row.Scan(
		&id, &scanID, &severity, &confidence, &f.LawSection, &f.LawExcerpt,
		&f.FilePath, &f.LineStart, &f.LineEnd, &f.Rationale, &f.Recommendation, &f.CreatedAt,
	)
	if err != nil {
		return scanning.Finding{}, err
	}

	sev, err := scanning.ParseSeverity(severity)
	if err != nil {
		return scanning.Finding{}, err
	}

	f.ID = uuid.UUID(id.Bytes)
	f.ScanID = uuid.UUID(scanID.Bytes)
	f.Severity = sev
	f.Confidence = int(confidence)
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

// InsertFindings writes a scan's full finding batch in one transaction. The
// scan row is locked for the duration so a concurrent status change or a
// second batch cannot interleave.
func (r *scanStore) InsertFindings(ctx context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	attrs := dbAttrs(
		attribute.String("scan_id", scanID.String()),
		attribute.Int("finding_count", len(findings)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.insert_findings", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM scans WHERE id = $1 FOR UPDATE`, pgUUID(scanID)).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrScanNotFound
		}
		if err != nil {
			return fmt.Errorf("lock scan error: %w", err)
		}
		if scanning.ScanStatus(status) != scanning.ScanStatusRunning {
			return &scanning.StatusConflictError{
				ScanID:   scanID,
				Expected: scanning.ScanStatusRunning,
				Actual:   scanning.ScanStatus(status),
			}
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM findings WHERE scan_id = $1)`, pgUUID(scanID)).Scan(&exists); err != nil {
			return fmt.Errorf("check existing findings error: %w", err)
		}
		if exists {
			return scanning.ErrFindingsAlreadyPersisted
		}

		batch := &pgx.Batch{}
		for i, f := range findings {
			batch.Queue(`
				INSERT INTO findings (
					id, scan_id, ordinal, severity, confidence, law_section, law_excerpt,
					file_path, line_start, line_end, rationale, recommendation, created_at
				) VALUES ($1, $2, $3, $4::finding_severity, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				pgUUID(f.ID), pgUUID(scanID), i, f.Severity.String(), f.Confidence, f.LawSection, f.LawExcerpt,
				f.FilePath, f.LineStart, f.LineEnd, f.Rationale, f.Recommendation, f.CreatedAt,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range findings {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert finding error: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// ListFindings returns a scan's findings in production order.
func (r *scanStore) ListFindings(ctx context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	attrs := dbAttrs(attribute.String("scan_id", scanID.String()))

	var findings []scanning.Finding
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_findings", attrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT `+findingColumns+` FROM findings
			WHERE scan_id = $1
			ORDER BY ordinal`, pgUUID(scanID))
		if err != nil {
			return fmt.Errorf("ListFindings query error: %w", err)
		}
		defer rows.Close()

		findings = make([]scanning.Finding, 0)
		for rows.Next() {
			f, err := scanFinding(rows)
			if err != nil {
				return fmt.Errorf("scan finding row error: %w", err)
			}
			findings = append(findings, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return findings, nil
}

// GetFinding retrieves a single finding by ID.
func (r *scanStore) GetFinding(ctx context.Context, id uuid.UUID) (*scanning.Finding, error) {
	attrs := dbAttrs(attribute.String("finding_id", id.String()))

	var finding scanning.Finding
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_finding", attrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = $1`, pgUUID(id))

		var err error
		finding, err = scanFinding(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrFindingNotFound
		}
		if err != nil {
			return fmt.Errorf("GetFinding query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &finding, nil
}
