package reconcile

import (
	"os"
	"testing"

	"github.com/block/mssqlsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func tableOf(cols ...string) *schema.TableMetadata {
	tm := &schema.TableMetadata{}
	for i, c := range cols {
		tm.Columns = append(tm.Columns, schema.ColumnDescriptor{Name: c, Ordinal: i + 1})
	}
	return tm
}

// Identical columns, no mapping, no ignore set: projection equals the
// ordered target column list and the target->source map is the identity.
func TestReconcileRoundTripIsIdentity(t *testing.T) {
	target := tableOf("Id", "Name")
	proj, drift, err := Reconcile([]string{"Id", "Name"}, target, nil, nil, []string{"Id"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Name"}, proj.TargetColumns)
	assert.Equal(t, "Id", proj.TargetToSource["Id"])
	assert.Equal(t, "Name", proj.TargetToSource["Name"])
	assert.Empty(t, drift.MissingColumnsInTarget)
	assert.Empty(t, drift.MissingColumnsInSource)
}

// S3 — column mapping + ignore.
func TestReconcileMappingAndIgnore(t *testing.T) {
	target := tableOf("UserId", "DisplayName")
	mapping := ColumnMapping{"Id": "UserId", "FullName": "DisplayName"}
	ignore := IgnoreSet{"Secret": struct{}{}}
	proj, drift, err := Reconcile([]string{"Id", "FullName", "Secret"}, target, mapping, ignore, []string{"Id"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"UserId", "DisplayName"}, proj.TargetColumns)
	assert.Equal(t, "Id", proj.TargetToSource["UserId"])
	assert.Equal(t, "Secret", drift.ExcludedColumns[0])
}

// S6 — schema drift: target lacks a source column.
func TestReconcileMissingColumnInTarget(t *testing.T) {
	target := tableOf("Id", "Name")
	proj, drift, err := Reconcile([]string{"Id", "Name", "Email"}, target, nil, nil, []string{"Id"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Name"}, proj.TargetColumns)
	assert.Equal(t, []string{"Email"}, drift.MissingColumnsInTarget)
}

func TestReconcilePKNotRepresentableFails(t *testing.T) {
	target := tableOf("Name")
	_, _, err := Reconcile([]string{"Id", "Name"}, target, nil, nil, []string{"Id"}, false)
	require.Error(t, err)
	var pkErr *ErrPKNotRepresentable
	assert.ErrorAs(t, err, &pkErr)
	assert.Equal(t, "Id", pkErr.Column)
}

func TestReconcileCaseInsensitiveMapping(t *testing.T) {
	target := tableOf("UserId")
	mapping := ColumnMapping{"ID": "UserId"}
	proj, _, err := Reconcile([]string{"Id"}, target, mapping, nil, []string{"Id"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"UserId"}, proj.TargetColumns)
}
