package orchestrator

import (
	"os"
	"testing"

	"github.com/block/mssqlsync/pkg/reconcile"
	"github.com/block/mssqlsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Pending", StatePending.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Completed", StateCompleted.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "Skipped", StateSkipped.String())
}

func TestSplitScopedKey(t *testing.T) {
	col, scope, ok := splitScopedKey("Secret")
	assert.True(t, ok)
	assert.Equal(t, "Secret", col)
	assert.Equal(t, "", scope)

	col, scope, ok = splitScopedKey("Users.Secret")
	assert.True(t, ok)
	assert.Equal(t, "Secret", col)
	assert.Equal(t, "Users", scope)

	col, scope, ok = splitScopedKey("dbo.Users.Secret")
	assert.True(t, ok)
	assert.Equal(t, "Secret", col)
	assert.Equal(t, "dbo.Users", scope)
}

func TestPerTableIgnoreAppliesGlobalAndScoped(t *testing.T) {
	table := schema.QualifiedName{Schema: "dbo", Name: "Users"}
	global := reconcile.IgnoreSet{
		"Secret":          struct{}{},
		"Users.Internal":  struct{}{},
		"Orders.Internal": struct{}{},
	}
	out := perTableIgnore(global, table)
	_, hasSecret := out["Secret"]
	_, hasInternal := out["Internal"]
	_, hasOrdersInternal := out["Orders.Internal"]
	assert.True(t, hasSecret)
	assert.True(t, hasInternal)
	assert.False(t, hasOrdersInternal)
}

func TestPerTableMappingScoped(t *testing.T) {
	table := schema.QualifiedName{Schema: "dbo", Name: "U"}
	global := reconcile.ColumnMapping{
		"dbo.U.Id":       "UserId",
		"dbo.U.FullName": "DisplayName",
		"dbo.Other.Foo":  "Bar",
	}
	out := perTableMapping(global, table)
	assert.Equal(t, "UserId", out["Id"])
	assert.Equal(t, "DisplayName", out["FullName"])
	_, ok := out["Foo"]
	assert.False(t, ok)
}
