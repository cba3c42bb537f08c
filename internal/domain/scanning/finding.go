package scanning

import (
	"time"

	"github.com/google/uuid"
)

// FindingDraft is a finding as produced by an Analyzer, before the worker
// assigns its identity and owning scan.
type FindingDraft struct {
	Severity       Severity
	Confidence     int
	LawSection     string
	LawExcerpt     string
	FilePath       string
	LineStart      int
	LineEnd        int
	Rationale      string
	Recommendation string
}

// Validate checks the draft carries a known severity, a confidence within
// [0,100], a file path and a sane line range.
func (d FindingDraft) Validate() error {
	if !d.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: "unknown severity " + string(d.Severity)}
	}
	if d.Confidence < 0 || d.Confidence > 100 {
		return &ValidationError{Field: "confidence", Reason: "must be within [0,100]"}
	}
	if d.FilePath == "" {
		return &ValidationError{Field: "filePath", Reason: "is required"}
	}
	if d.LineStart < 0 || d.LineEnd < d.LineStart {
		return &ValidationError{Field: "lineEnd", Reason: "must not precede lineStart"}
	}
	return nil
}

// Finding is one detected compliance issue owned by exactly one scan.
// Findings are immutable once written.
type Finding struct {
	ID             uuid.UUID
	ScanID         uuid.UUID
	Severity       Severity
	Confidence     int
	LawSection     string
	LawExcerpt     string
	FilePath       string
	LineStart      int
	LineEnd        int
	Rationale      string
	Recommendation string
	CreatedAt      time.Time
}

// NewFindings stamps each draft with a fresh ID, the owning scan and the
// creation time. Draft order is preserved. The whole batch is rejected if
// any draft is invalid.
func NewFindings(scanID uuid.UUID, drafts []FindingDraft, createdAt time.Time) ([]Finding, error) {
	findings := make([]Finding, 0, len(drafts))
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			ID:             uuid.New(),
			ScanID:         scanID,
			Severity:       d.Severity,
			Confidence:     d.Confidence,
			LawSection:     d.LawSection,
			LawExcerpt:     d.LawExcerpt,
			FilePath:       d.FilePath,
			LineStart:      d.LineStart,
			LineEnd:        d.LineEnd,
			Rationale:      d.Rationale,
			Recommendation: d.Recommendation,
			CreatedAt:      createdAt,
		})
	}
	return findings, nil
}
