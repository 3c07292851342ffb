//go:build darwin

package fingerprint

// NewReader returns the hardware reader for this platform.
func NewReader() Reader { return &IORegReader{Runner: ExecRunner} }
