//go:build darwin

package fingerprint

import "golang.org/x/sys/unix"

func osVersion() string {
	if v, err := unix.Sysctl("kern.osproductversion"); err == nil && v != "" {
		return v
	}
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Release[:])
}
