// Package scanning provides the domain model of the compliance scan pipeline:
// scans and their lifecycle, findings, the heatmap reduction and the ports the
// pipeline uses to reach storage, the job queue and the analysis capability.
package scanning

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBranch is used when a scan request does not name a branch.
const DefaultBranch = "main"

// ScanRequest is a validated request to scan a repository branch.
type ScanRequest struct {
	RepoURL string
	Branch  string
}

// NewScanRequest validates the inputs of a scan request. The repository URL
// must be absolute with a scheme and host. An empty branch defaults to
// DefaultBranch.
func NewScanRequest(repoURL, branch string) (ScanRequest, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return ScanRequest{}, &ValidationError{Field: "repoUrl", Reason: "is required"}
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ScanRequest{}, &ValidationError{Field: "repoUrl", Reason: "must be a valid URL"}
	}

	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = DefaultBranch
	}
	if strings.ContainsAny(branch, " \t\n") {
		return ScanRequest{}, &ValidationError{Field: "branch", Reason: "must not contain whitespace"}
	}

	return ScanRequest{RepoURL: repoURL, Branch: branch}, nil
}

// Scan is one request to analyze a repository branch, tracked from
// acceptance until it reaches a terminal status.
type Scan struct {
	id          uuid.UUID
	repoURL     string
	branch      string
	status      ScanStatus
	coveragePct *float64
	timeline    *Timeline
}

// NewScan creates a queued scan for req.
func NewScan(req ScanRequest, createdAt time.Time) *Scan {
	return &Scan{
		id:       uuid.New(),
		repoURL:  req.RepoURL,
		branch:   req.Branch,
		status:   ScanStatusQueued,
		timeline: NewTimeline(createdAt),
	}
}

// ReconstructScan creates a Scan instance from persisted data without
// enforcing creation-time rules.
func ReconstructScan(
	id uuid.UUID,
	repoURL, branch string,
	status ScanStatus,
	coveragePct *float64,
	timeline *Timeline,
) *Scan {
	return &Scan{
		id:          id,
		repoURL:     repoURL,
		branch:      branch,
		status:      status,
		coveragePct: coveragePct,
		timeline:    timeline,
	}
}

func (s *Scan) ID() uuid.UUID { return s.id }
func (s *Scan) RepoURL() string { return s.repoURL }
func (s *Scan) Branch() string { return s.branch }
func (s *Scan) Status() ScanStatus { return s.status }
func (s *Scan) CoveragePct() *float64 { return s.coveragePct }
func (s *Scan) CreatedAt() time.Time { return s.timeline.CreatedAt() }
func (s *Scan) StartedAt() *time.Time { return s.timeline.StartedAt() }
func (s *Scan) FinishedAt() *time.Time { return s.timeline.FinishedAt() }
func (s *Scan) Timeline() *Timeline { return s.timeline }
func (s *Scan) IsTerminal() bool { return s.status.IsTerminal() }

// Job returns the queue envelope that triggers processing of this scan.
func (s *Scan) Job() Job {
	return Job{ScanID: s.id, RepoURL: s.repoURL, Branch: s.branch, Attempt: 1}
}

// StatusUpdate is a guarded status transition. Repositories apply it only
// when the stored status still equals From, which is what makes a
// transition safe against concurrent or duplicate processing.
type StatusUpdate struct {
	ScanID      uuid.UUID
	From        ScanStatus
	To          ScanStatus
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CoveragePct *float64
}

// Validate checks the update is a legal transition carrying the fields the
// target status requires.
func (u StatusUpdate) Validate() error {
	if err := u.From.ValidateTransition(u.To); err != nil {
		return err
	}
	switch u.To {
	case ScanStatusRunning:
		if u.StartedAt == nil {
			return fmt.Errorf("transition to %s requires a start time", u.To)
		}
	case ScanStatusCompleted:
		if u.FinishedAt == nil || u.CoveragePct == nil {
			return fmt.Errorf("transition to %s requires finish time and coverage", u.To)
		}
		if *u.CoveragePct < 0 || *u.CoveragePct > 100 {
			return &ValidationError{Field: "coveragePct", Reason: "must be within [0,100]"}
		}
	case ScanStatusFailed:
		if u.FinishedAt == nil {
			return fmt.Errorf("transition to %s requires a finish time", u.To)
		}
	}
	return nil
}

// Start moves a queued scan to running.
func (s *Scan) Start(now time.Time) (StatusUpdate, error) {
	if err := s.status.ValidateTransition(ScanStatusRunning); err != nil {
		return StatusUpdate{}, err
	}
	startedAt := s.timeline.MarkStarted(now)
	upd := StatusUpdate{ScanID: s.id, From: s.status, To: ScanStatusRunning, StartedAt: &startedAt}
	s.status = ScanStatusRunning
	return upd, nil
}

// Complete moves a running scan to completed with the measured coverage.
func (s *Scan) Complete(now time.Time, coveragePct float64) (StatusUpdate, error) {
	if err := s.status.ValidateTransition(ScanStatusCompleted); err != nil {
		return StatusUpdate{}, err
	}
	if coveragePct < 0 || coveragePct > 100 {
		return StatusUpdate{}, &ValidationError{Field: "coveragePct", Reason: "must be within [0,100]"}
	}
	finishedAt := s.timeline.MarkFinished(now)
	upd := StatusUpdate{
		ScanID:      s.id,
		From:        s.status,
		To:          ScanStatusCompleted,
		FinishedAt:  &finishedAt,
		CoveragePct: &coveragePct,
	}
	s.status = ScanStatusCompleted
	s.coveragePct = &coveragePct
	return upd, nil
}

// Fail moves a running scan to failed.
func (s *Scan) Fail(now time.Time) (StatusUpdate, error) {
	if err := s.status.ValidateTransition(ScanStatusFailed); err != nil {
		return StatusUpdate{}, err
	}
	finishedAt := s.timeline.MarkFinished(now)
	upd := StatusUpdate{ScanID: s.id, From: s.status, To: ScanStatusFailed, FinishedAt: &finishedAt}
	s.status = ScanStatusFailed
	return upd, nil
}

// Apply mutates s according to a validated update. Repositories use it so
// the returned Scan reflects the stored row.
func (s *Scan) Apply(u StatusUpdate) {
	s.status = u.To
	if u.StartedAt != nil {
		s.timeline.MarkStarted(*u.StartedAt)
	}
	if u.FinishedAt != nil {
		s.timeline.MarkFinished(*u.FinishedAt)
	}
	if u.CoveragePct != nil {
		c := *u.CoveragePct
		s.coveragePct = &c
	}
}

// Clone returns a deep copy so in-memory stores never share mutable state
// with callers.
func (s *Scan) Clone() *Scan {
	cp := *s
	tl := *s.timeline
	if s.timeline.startedAt != nil {
		v := *s.timeline.startedAt
		tl.startedAt = &v
	}
	if s.timeline.finishedAt != nil {
		v := *s.timeline.finishedAt
		tl.finishedAt = &v
	}
	cp.timeline = &tl
	if s.coveragePct != nil {
		v := *s.coveragePct
		cp.coveragePct = &v
	}
	return &cp
}
