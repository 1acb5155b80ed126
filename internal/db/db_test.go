package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/db/driver"
)

func TestOpenInMemory_CreatesTables(t *testing.T) {
	d := NewTestDB(t)

	for _, table := range []string{"workflow_runs", "work_executions", "checkpoints", "work_trees", "workflow_spaces", "reports"} {
		var name string
		err := d.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestOpen_FileIsReopenable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "workrun.db")

	d, err := Open(ctx, driver.DialectSQLite, path)
	require.NoError(t, err)
	_, err = d.ExecContext(ctx, "INSERT INTO workflow_spaces (workflow_run_id, doc) VALUES (?, ?)", "r1", "{}")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(ctx, driver.DialectSQLite, path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	var n int
	require.NoError(t, d.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_spaces").Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, path, d.DSN())
}
