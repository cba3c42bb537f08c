// Package fixture provides an Analyzer that returns a fixed finding set
// loaded from an embedded YAML document. It stands in for a real compliance
// engine.
package fixture

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

//go:embed findings.yaml
var defaultFixture []byte

var (
	_ scanning.Analyzer          = (*Analyzer)(nil)
	_ scanning.CoverageEstimator = (*Analyzer)(nil)
)

type fixtureFile struct {
	CoveragePct float64         `yaml:"coverage_pct"`
	Manifest    []string        `yaml:"manifest"`
	Findings    []fixtureRecord `yaml:"findings"`
}

type fixtureRecord struct {
	Severity       string `yaml:"severity"`
	Confidence     int    `yaml:"confidence"`
	LawSection     string `yaml:"law_section"`
	LawExcerpt     string `yaml:"law_excerpt"`
	FilePath       string `yaml:"file_path"`
	LineStart      int    `yaml:"line_start"`
	LineEnd        int    `yaml:"line_end"`
	Rationale      string `yaml:"rationale"`
	Recommendation string `yaml:"recommendation"`
}

// Analyzer returns the same findings for every repository. An optional
// latency simulates the time a real analysis takes.
type Analyzer struct {
	drafts   []scanning.FindingDraft
	manifest []string
	coverage float64
	latency  time.Duration
	logger   *logger.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLatency makes each Analyze call wait d before returning.
func WithLatency(d time.Duration) Option { return func(a *Analyzer) { a.latency = d } }

// New creates an Analyzer from the embedded fixture.
func New(log *logger.Logger, opts ...Option) (*Analyzer, error) {
	return NewFromYAML(defaultFixture, log, opts...)
}

// NewFromYAML creates an Analyzer from a fixture document.
func NewFromYAML(doc []byte, log *logger.Logger, opts ...Option) (*Analyzer, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	if f.CoveragePct < 0 || f.CoveragePct > 100 {
		return nil, fmt.Errorf("fixture coverage %.2f out of range", f.CoveragePct)
	}

	drafts := make([]scanning.FindingDraft, 0, len(f.Findings))
	for i, r := range f.Findings {
		sev, err := scanning.ParseSeverity(r.Severity)
		if err != nil {
			return nil, fmt.Errorf("fixture finding %d: %w", i, err)
		}
		d := scanning.FindingDraft{
			Severity:       sev,
			Confidence:     r.Confidence,
			LawSection:     r.LawSection,
			LawExcerpt:     r.LawExcerpt,
			FilePath:       r.FilePath,
			LineStart:      r.LineStart,
			LineEnd:        r.LineEnd,
			Rationale:      r.Rationale,
			Recommendation: r.Recommendation,
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("fixture finding %d: %w", i, err)
		}
		drafts = append(drafts, d)
	}

	a := &Analyzer{
		drafts:   drafts,
		manifest: f.Manifest,
		coverage: f.CoveragePct,
		logger:   log.With("component", "fixture_analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze returns a copy of the fixture findings.
func (a *Analyzer) Analyze(ctx context.Context, repoURL, branch string) ([]scanning.FindingDraft, error) {
	a.logger.Info(ctx, "Analyzing files",
		"repo_url", repoURL,
		"branch", branch,
		"file_count", len(a.manifest),
	)

	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	out := make([]scanning.FindingDraft, len(a.drafts))
	copy(out, a.drafts)
	return out, nil
}

// Coverage returns the fixture coverage percentage.
func (a *Analyzer) Coverage(context.Context, string, string) (float64, error) {
	return a.coverage, nil
}
