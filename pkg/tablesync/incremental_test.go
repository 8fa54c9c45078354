package tablesync

import (
	"os"
	"testing"

	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestResolveKeyColumnsUsesPKWhenPresent(t *testing.T) {
	pk := schema.PrimaryKey{Columns: []string{"Id"}}
	cols, err := ResolveKeyColumns(pk, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Id"}, cols)
}

func TestResolveKeyColumnsSkipsWithoutAllowNoPK(t *testing.T) {
	_, err := ResolveKeyColumns(schema.PrimaryKey{}, nil, false)
	assert.ErrorIs(t, err, ErrNoPK)
}

func TestResolveKeyColumnsDeepCompareUsesFullProjection(t *testing.T) {
	proj := &reconcile.Projection{
		TargetColumns:  []string{"K", "V"},
		TargetToSource: map[string]string{"K": "k", "V": "v"},
	}
	cols, err := ResolveKeyColumns(schema.PrimaryKey{}, proj, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "v"}, cols)
}

func TestBuildOrderByPrefersPK(t *testing.T) {
	proj := &reconcile.Projection{TargetColumns: []string{"Name"}, TargetToSource: map[string]string{"Name": "Name"}}
	assert.Equal(t, "[Id]", buildOrderBy([]string{"Id"}, proj, true))
}

func TestBuildOrderByFallsBackToFirstProjectionColumn(t *testing.T) {
	proj := &reconcile.Projection{TargetColumns: []string{"UserId", "DisplayName"}, TargetToSource: map[string]string{"UserId": "Id", "DisplayName": "FullName"}}
	assert.Equal(t, "[Id]", buildOrderBy([]string{"Id"}, proj, false))
}

func TestSelectListAliasesSourceToTarget(t *testing.T) {
	proj := &reconcile.Projection{TargetColumns: []string{"UserId", "DisplayName"}, TargetToSource: map[string]string{"UserId": "Id", "DisplayName": "FullName"}}
	assert.Equal(t, "[Id] AS [UserId], [FullName] AS [DisplayName]", selectList(proj))
}

func TestAntiJoinPredicateIsNullSafe(t *testing.T) {
	pred := antiJoinPredicate([]string{"Id"})
	assert.Equal(t, "(t.[Id] = s.[Id] OR (t.[Id] IS NULL AND s.[Id] IS NULL))", pred)
}

func TestAntiJoinPredicateCompositeKey(t *testing.T) {
	pred := antiJoinPredicate([]string{"A", "B"})
	assert.Contains(t, pred, " AND ")
	assert.Contains(t, pred, "t.[A]")
	assert.Contains(t, pred, "t.[B]")
}
