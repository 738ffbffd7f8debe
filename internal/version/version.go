// Package version holds build information populated via -ldflags.
package version

var Version = "dev"
