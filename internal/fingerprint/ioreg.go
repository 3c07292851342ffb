package fingerprint

import "context"

// IORegReader reads hardware attributes on macOS through ioreg and
// system_profiler.
type IORegReader struct {
	Runner Runner
}

func (r *IORegReader) Read(ctx context.Context) Hardware {
	var hw Hardware
	if out, err := r.Runner.Output(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice"); err == nil {
		props := parseIORegistry(out)
		hw.SystemUUID = props["IOPlatformUUID"]
		hw.SystemSerial = props["IOPlatformSerialNumber"]
		hw.BaseboardManufacturer = props["manufacturer"]
		hw.BaseboardModel = props["model"]
		hw.BaseboardSerial = props["IOPlatformSerialNumber"]
		hw.OSSerial = props["IOPlatformUUID"]
	}
	if out, err := r.Runner.Output(ctx, "system_profiler", "SPNVMeDataType", "SPSerialATADataType"); err == nil {
		hw.DiskSerials = parseLabeled(out, "Serial Number")
	}
	return hw
}
