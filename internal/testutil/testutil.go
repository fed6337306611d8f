// Package testutil provides test helpers shared across mailstation's tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (AssertValidUTF8, AssertContainsAll)
//   - fs_helpers.go: filesystem operations (WriteFile, ReadFile, MustExist)
//   - security_data.go: path traversal test vectors (PathTraversalCases)
//   - encoding.go: encoding test helpers
package testutil
