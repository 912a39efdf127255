package version

import "fmt"

var (
	// Version is the semantic version or git describe result.
	Version = "dev"
	// GitCommit is the short git commit hash for this build.
	GitCommit = "unknown"
	// BuildDate is the RFC3339 timestamp when the binary was built.
	BuildDate = "unknown"
)

// Service is the name reported in traces and MCP server info.
const Service = "sextant"

// String returns a human readable version summary.
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Service, Version, GitCommit, BuildDate)
}
