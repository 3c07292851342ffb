//go:build unix && !darwin

package fingerprint

import "golang.org/x/sys/unix"

func osVersion() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Release[:])
}
