// Package utils contains small helpers shared by every other package.
package utils

import (
	"fmt"
	"strings"
)

const (
	// KeySeparator joins the parts of a composite key into one map-safe string.
	KeySeparator = "-#-"
)

// HashKey converts a composite key into a single string so it can be used
// as a map key (e.g. a primary-key tuple read back from a row).
func HashKey(key []interface{}) string {
	parts := make([]string, 0, len(key))
	for _, v := range key {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, KeySeparator)
}

// ErrInErr is a wrapper used to discard an error returned from a cleanup
// call made while already handling a different error. Not checking it
// makes linters unhappy, but there is nothing useful to do with it here.
func ErrInErr(_ error) {
}

// StripPort removes a trailing ":port" from a hostname.
func StripPort(hostname string) string {
	if idx := strings.LastIndex(hostname, ":"); idx != -1 {
		return hostname[:idx]
	}
	return hostname
}

// EqualFold reports whether a and b are equal under case-insensitive,
// identifier-style comparison. Every table/column/schema name comparison
// in this module goes through this function so behavior is uniform.
func EqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// CanonicalName returns the canonical (lowercased) form of an identifier,
// used as a map key wherever names must compare case-insensitively.
func CanonicalName(name string) string {
	return strings.ToLower(name)
}
