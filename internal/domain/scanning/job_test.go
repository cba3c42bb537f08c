package scanning

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPhase_ProgressIsIncreasing(t *testing.T) {
	phases := []Phase{
		PhaseInitialization,
		PhaseScanStart,
		PhaseAnalysis,
		PhaseFindingsGeneration,
		PhaseFindingsPersisted,
		PhaseFinalize,
	}

	got := make([]int, len(phases))
	for i, p := range phases {
		got[i] = p.Progress()
	}
	assert.Equal(t, []int{10, 30, 60, 80, 95, 100}, got)
	assert.Zero(t, Phase("unknown").Progress())
}

func TestProgressTracker_NeverRegresses(t *testing.T) {
	tr := NewProgressTracker()
	id := uuid.New()

	_, ok := tr.Get(id)
	assert.False(t, ok)

	pct, advanced := tr.Record(id, 30)
	assert.Equal(t, 30, pct)
	assert.True(t, advanced)

	pct, advanced = tr.Record(id, 10)
	assert.Equal(t, 30, pct)
	assert.False(t, advanced)

	pct, advanced = tr.Record(id, 30)
	assert.Equal(t, 30, pct)
	assert.True(t, advanced)

	pct, _ = tr.Record(id, 250)
	assert.Equal(t, 100, pct)

	tr.Forget(id)
	_, ok = tr.Get(id)
	assert.False(t, ok)
}

func TestProgressTracker_Concurrent(t *testing.T) {
	tr := NewProgressTracker()
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(pct int) {
			defer wg.Done()
			tr.Record(id, pct)
		}(i)
	}
	wg.Wait()

	pct, ok := tr.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 100, pct)
}

func TestScan_JobCarriesScanFields(t *testing.T) {
	req, err := NewScanRequest("https://github.com/acme/app", "")
	assert.NoError(t, err)
	s := NewScan(req, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	job := s.Job()
	assert.Equal(t, s.ID(), job.ScanID)
	assert.Equal(t, "https://github.com/acme/app", job.RepoURL)
	assert.Equal(t, DefaultBranch, job.Branch)
	assert.Equal(t, 1, job.Attempt)
}
