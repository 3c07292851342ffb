//go:build linux

package fingerprint

// NewReader returns the hardware reader for this platform.
func NewReader() Reader { return NewSysfsReader() }
