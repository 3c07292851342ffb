//go:build !unix && !windows

package fingerprint

func osVersion() string { return "" }
