// SPDX-License-Identifier: MIT

// Package version carries build identity injected via ldflags.
package version

import "fmt"

var (
	// Version falls back to dev when not stamped by the build.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identity for --version output.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
