package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/block/mssqlsync/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestAddOrUpdateOverwritesByTableName(t *testing.T) {
	r := NewResult("run-1", Parameters{})
	first := orchestrator.Result{TableName: "dbo.Users", Status: orchestrator.StateRunning}
	r.AddOrUpdate(first)
	require.Len(t, r.Tables, 1)

	second := orchestrator.Result{TableName: "dbo.Users", Status: orchestrator.StateCompleted, Inserted: 5}
	r.AddOrUpdate(second)
	require.Len(t, r.Tables, 1)
	assert.Equal(t, "Completed", r.Tables[0].Status)
	assert.Equal(t, int64(5), r.Tables[0].Inserted)
}

func TestAddOrUpdateAppendsDistinctTables(t *testing.T) {
	r := NewResult("run-1", Parameters{})
	r.AddOrUpdate(orchestrator.Result{TableName: "dbo.Users"})
	r.AddOrUpdate(orchestrator.Result{TableName: "dbo.Orders"})
	assert.Len(t, r.Tables, 2)
}

func TestFinalizeSetsEndTimeAndStatus(t *testing.T) {
	r := NewResult("run-1", Parameters{})
	assert.True(t, r.EndTime.IsZero())
	r.Finalize(RunStatusCompleted)
	assert.False(t, r.EndTime.IsZero())
	assert.Equal(t, RunStatusCompleted, r.Status)
}

func TestPersistWritesValidJSON(t *testing.T) {
	r := NewResult("run-1", Parameters{BatchSize: 1000, Threads: 4})
	r.AddOrUpdate(orchestrator.Result{
		TableName: "dbo.Users", Status: orchestrator.StateCompleted,
		Inserted: 3, Skipped: 1, StartTime: time.Now().UTC(), EndTime: time.Now().UTC(),
	})
	r.Finalize(RunStatusCompleted)

	dir := t.TempDir()
	path := r.PersistPath(dir)
	require.NoError(t, r.Persist(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	require.Len(t, decoded.Tables, 1)
	assert.Equal(t, "dbo.Users", decoded.Tables[0].TableName)
	assert.InDelta(t, 3, decoded.Tables[0].Inserted, 0)
}

func TestPersistPathIsStableWithinOneRun(t *testing.T) {
	r := NewResult("run-1", Parameters{})
	dir := filepath.Join(t.TempDir(), "out")
	p1 := r.PersistPath(dir)
	p2 := r.PersistPath(dir)
	assert.Equal(t, p1, p2)
}

func TestSchemaErrorsOmittedWhenNoDrift(t *testing.T) {
	r := NewResult("run-1", Parameters{})
	r.AddOrUpdate(orchestrator.Result{TableName: "dbo.Users", Status: orchestrator.StateCompleted})
	assert.Nil(t, r.Tables[0].SchemaErrors)
}
