package scanning

// HeatBin summarizes the findings of a single file: how many there are and
// the worst severity among them.
type HeatBin struct {
	File         string
	FindingCount int
	Severity     Severity
}

// Aggregate reduces findings to one HeatBin per distinct file path, in the
// order each file is first seen. A bin's severity only escalates, and only
// when a later finding ranks strictly higher. Aggregate is pure and never
// returns nil.
func Aggregate(findings []Finding) []HeatBin {
	bins := make([]HeatBin, 0)
	index := make(map[string]int)

	for _, f := range findings {
		i, ok := index[f.FilePath]
		if !ok {
			index[f.FilePath] = len(bins)
			bins = append(bins, HeatBin{File: f.FilePath, FindingCount: 1, Severity: f.Severity})
			continue
		}

		bin := &bins[i]
		bin.FindingCount++
		if f.Severity.Rank() > bin.Severity.Rank() {
			bin.Severity = f.Severity
		}
	}

	return bins
}
