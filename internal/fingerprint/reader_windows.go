//go:build windows

package fingerprint

import "golang.org/x/sys/windows/registry"

// NewReader returns the hardware reader for this platform.
func NewReader() Reader {
	return &WMICReader{Runner: ExecRunner, MachineGUID: machineGUID}
}

func machineGUID() string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Cryptography`, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return ""
	}
	defer k.Close()
	v, _, err := k.GetStringValue("MachineGuid")
	if err != nil {
		return ""
	}
	return v
}
