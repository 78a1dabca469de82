// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped in via ldflags.
package version

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
