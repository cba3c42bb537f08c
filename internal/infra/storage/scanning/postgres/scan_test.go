package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/storage"
	"github.com/ahrav/compliance-armada/internal/infra/storage/scanning/storetest"
)

func TestScanStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	storetest.RunScanRepositoryTests(t, func(t *testing.T) scanning.ScanRepository {
		t.Helper()
		_, err := pool.Exec(context.Background(), `TRUNCATE findings, scans`)
		require.NoError(t, err)
		return NewScanStore(pool, storage.NoOpTracer())
	})
}

func TestScanStore_SchemaEnforcesLifecycleInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name string
		sql  string
	}{
		{
			name: "running without start time",
			sql:  `INSERT INTO scans (id, repo_url, branch, status) VALUES ($1, 'https://x/y', 'main', 'running')`,
		},
		{
			name: "completed without finish time",
			sql: `INSERT INTO scans (id, repo_url, branch, status, started_at)
				VALUES ($1, 'https://x/y', 'main', 'completed', NOW())`,
		},
		{
			name: "coverage out of range",
			sql: `INSERT INTO scans (id, repo_url, branch, status, started_at, finished_at, coverage_pct)
				VALUES ($1, 'https://x/y', 'main', 'completed', NOW(), NOW(), 120)`,
		},
		{
			name: "finish before start",
			sql: `INSERT INTO scans (id, repo_url, branch, status, started_at, finished_at)
				VALUES ($1, 'https://x/y', 'main', 'failed', NOW(), NOW() - INTERVAL '1 hour')`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pool.Exec(ctx, tt.sql, pgUUID(uuid.New()))
			assert.Error(t, err)
		})
	}
}
