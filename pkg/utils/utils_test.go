package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestHashKey(t *testing.T) {
	key := []any{"1234", "ACDC", "12"}
	assert.Equal(t, "1234-#-ACDC-#-12", HashKey(key))

	key = []any{"1234"}
	assert.Equal(t, "1234", HashKey(key))
}

func TestStripPort(t *testing.T) {
	assert.Equal(t, "hostname.com", StripPort("hostname.com"))
	assert.Equal(t, "hostname.com", StripPort("hostname.com:1433"))
	assert.Equal(t, "127.0.0.1", StripPort("127.0.0.1:1433"))
}

func TestEqualFold(t *testing.T) {
	assert.True(t, EqualFold("dbo.Users", "DBO.USERS"))
	assert.False(t, EqualFold("dbo.Users", "dbo.Orders"))
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "dbo.users", CanonicalName("DBO.Users"))
}
