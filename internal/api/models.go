package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

type createScanRequest struct {
	RepoURL string `json:"repoUrl" validate:"required,url"`
	Branch  string `json:"branch" validate:"max=255"`
}

type scanResponse struct {
	ID          uuid.UUID  `json:"id"`
	RepoURL     string     `json:"repoUrl"`
	Branch      string     `json:"branch"`
	Status      string     `json:"status"`
	CoveragePct *float64   `json:"coveragePct"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`
}

func toScanResponse(s *scanning.Scan) scanResponse {
	return scanResponse{
		ID:          s.ID(),
		RepoURL:     s.RepoURL(),
		Branch:      s.Branch(),
		Status:      s.Status().String(),
		CoveragePct: s.CoveragePct(),
		CreatedAt:   s.CreatedAt(),
		StartedAt:   s.StartedAt(),
		FinishedAt:  s.FinishedAt(),
	}
}

type scanDetailResponse struct {
	scanResponse
	Progress *int              `json:"progress"`
	Findings []findingResponse `json:"findings"`
}

type findingResponse struct {
	ID             uuid.UUID `json:"id"`
	ScanID         uuid.UUID `json:"scanId"`
	Severity       string    `json:"severity"`
	Confidence     int       `json:"confidence"`
	LawSection     string    `json:"lawSection"`
	LawExcerpt     string    `json:"lawExcerpt"`
	FilePath       string    `json:"filePath"`
	LineStart      int       `json:"lineStart"`
	LineEnd        int       `json:"lineEnd"`
	Rationale      string    `json:"rationale"`
	Recommendation string    `json:"recommendation"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toFindingResponse(f scanning.Finding) findingResponse {
	return findingResponse{
		ID:             f.ID,
		ScanID:         f.ScanID,
		Severity:       f.Severity.String(),
		Confidence:     f.Confidence,
		LawSection:     f.LawSection,
		LawExcerpt:     f.LawExcerpt,
		FilePath:       f.FilePath,
		LineStart:      f.LineStart,
		LineEnd:        f.LineEnd,
		Rationale:      f.Rationale,
		Recommendation: f.Recommendation,
		CreatedAt:      f.CreatedAt,
	}
}

func toFindingResponses(findings []scanning.Finding) []findingResponse {
	out := make([]findingResponse, len(findings))
	for i, f := range findings {
		out[i] = toFindingResponse(f)
	}
	return out
}

type heatBinResponse struct {
	File         string `json:"file"`
	FindingCount int    `json:"findingCount"`
	Severity     string `json:"severity"`
}

type heatmapResponse struct {
	ScanID uuid.UUID         `json:"scanId"`
	Bins   []heatBinResponse `json:"bins"`
}

func toHeatmapResponse(scanID uuid.UUID, bins []scanning.HeatBin) heatmapResponse {
	out := make([]heatBinResponse, len(bins))
	for i, b := range bins {
		out[i] = heatBinResponse{File: b.File, FindingCount: b.FindingCount, Severity: b.Severity.String()}
	}
	return heatmapResponse{ScanID: scanID, Bins: out}
}

type statsResponse struct {
	TotalScans     int64 `json:"totalScans"`
	CompletedScans int64 `json:"completedScans"`
	FailedScans    int64 `json:"failedScans"`
	TotalFindings  int64 `json:"totalFindings"`
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}
