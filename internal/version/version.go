// Package version holds build metadata.
package version

// Version is overridden at build time with -ldflags "-X ...version.Version=...".
var Version = "1.0.0"

// Name is the product name used in the User-Agent.
const Name = "devlink"

// UserAgent is sent with every request to the authority.
func UserAgent() string { return Name + "/" + Version }
