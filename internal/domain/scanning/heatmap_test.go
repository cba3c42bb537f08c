package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findingsFor(pairs ...string) []Finding {
	out := make([]Finding, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Finding{FilePath: pairs[i], Severity: Severity(pairs[i+1])})
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     []HeatBin
	}{
		{
			name:     "empty input yields empty output",
			findings: nil,
			want:     []HeatBin{},
		},
		{
			name:     "escalates to the highest severity",
			findings: findingsFor("a.ts", "low", "a.ts", "critical", "a.ts", "medium"),
			want:     []HeatBin{{File: "a.ts", FindingCount: 3, Severity: SeverityCritical}},
		},
		{
			name:     "never de-escalates",
			findings: findingsFor("b.ts", "high", "b.ts", "low"),
			want:     []HeatBin{{File: "b.ts", FindingCount: 2, Severity: SeverityHigh}},
		},
		{
			name:     "equal severity keeps the bin unchanged",
			findings: findingsFor("c.ts", "medium", "c.ts", "medium"),
			want:     []HeatBin{{File: "c.ts", FindingCount: 2, Severity: SeverityMedium}},
		},
		{
			name: "first seen order across files",
			findings: findingsFor(
				"z.ts", "info",
				"a.ts", "critical",
				"z.ts", "high",
				"m.ts", "low",
				"a.ts", "info",
			),
			want: []HeatBin{
				{File: "z.ts", FindingCount: 2, Severity: SeverityHigh},
				{File: "a.ts", FindingCount: 2, Severity: SeverityCritical},
				{File: "m.ts", FindingCount: 1, Severity: SeverityLow},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.findings)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregate_CountsAndMaxima(t *testing.T) {
	severities := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	files := []string{"one.go", "two.go", "three.go", "four.go"}

	var findings []Finding
	wantCount := map[string]int{}
	wantMax := map[string]Severity{}
	for i := range 37 {
		file := files[(i*7)%len(files)]
		sev := severities[(i*3)%len(severities)]
		findings = append(findings, Finding{FilePath: file, Severity: sev})
		wantCount[file]++
		if cur, ok := wantMax[file]; !ok || sev.Rank() > cur.Rank() {
			wantMax[file] = sev
		}
	}

	bins := Aggregate(findings)
	require.Len(t, bins, len(wantCount))
	total := 0
	for _, b := range bins {
		assert.Equal(t, wantCount[b.File], b.FindingCount, b.File)
		assert.Equal(t, wantMax[b.File], b.Severity, b.File)
		total += b.FindingCount
	}
	assert.Equal(t, len(findings), total)
}

func TestAggregate_DoesNotMutateInput(t *testing.T) {
	findings := findingsFor("a.ts", "low", "a.ts", "high")
	before := append([]Finding(nil), findings...)
	_ = Aggregate(findings)
	assert.Equal(t, before, findings)
}
