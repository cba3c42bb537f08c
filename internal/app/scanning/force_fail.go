package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// maxForceFailRounds bounds how often forceFail re-reads a scan that changed
// underneath it.
const maxForceFailRounds = 3

// forceFail drives a non-terminal scan to failed through guarded updates.
// A queued scan passes through running first since the lifecycle has no
// direct queued to failed edge. A scan that is, or becomes, terminal is
// returned unchanged.
func forceFail(
	ctx context.Context,
	repo scanning.ScanRepository,
	clock scanning.TimeProvider,
	scanID uuid.UUID,
) (*scanning.Scan, bool, error) {
	for range maxForceFailRounds {
		scan, err := repo.GetScan(ctx, scanID)
		if err != nil {
			return nil, false, err
		}
		if scan.IsTerminal() {
			return scan, false, nil
		}

		if scan.Status() == scanning.ScanStatusQueued {
			upd, err := scan.Start(clock.Now())
			if err != nil {
				return nil, false, err
			}
			if scan, err = repo.UpdateScanStatus(ctx, upd); err != nil {
				if errors.Is(err, scanning.ErrInvalidTransition) {
					continue
				}
				return nil, false, err
			}
		}

		upd, err := scan.Fail(clock.Now())
		if err != nil {
			return nil, false, err
		}
		failed, err := repo.UpdateScanStatus(ctx, upd)
		if err != nil {
			if errors.Is(err, scanning.ErrInvalidTransition) {
				continue
			}
			return nil, false, err
		}
		return failed, true, nil
	}
	return nil, false, fmt.Errorf("scan %s kept changing while being failed: %w", scanID, scanning.ErrInvalidTransition)
}
