// Package testutils provides shared helpers for tests that need a live
// SQL Server connection. Such tests are skipped unless the environment
// supplies connection strings, matching how the rest of the corpus gates
// integration tests on an env var rather than skipping silently.
package testutils

import "os"

// SourceDSN returns the source connection string from MSSQLSYNC_SOURCE_DSN,
// or "" if unset.
func SourceDSN() string {
	return os.Getenv("MSSQLSYNC_SOURCE_DSN")
}

// TargetDSN returns the target connection string from MSSQLSYNC_TARGET_DSN,
// or "" if unset.
func TargetDSN() string {
	return os.Getenv("MSSQLSYNC_TARGET_DSN")
}
