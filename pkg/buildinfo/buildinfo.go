// Package buildinfo carries identity values stamped at build time.
package buildinfo

// Version is overridden by release builds via
// -ldflags="-X github.com/bmillwood/backups/pkg/buildinfo.Version=v1.2.3".
var Version = "dev"

// Name is the application name used in logs and lock files.
var Name = "backups"
