// Package common holds shared helpers used by every command: logger setup and
// build version information.
package common

// Version is set at build time via -ldflags.
var Version = "dev"

// PackageName tags metrics and logs emitted by this project.
const PackageName = "stack-provisioner"
