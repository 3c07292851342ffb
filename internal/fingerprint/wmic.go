package fingerprint

import (
	"context"
	"strings"
)

// WMICReader reads hardware attributes on Windows through wmic. The OS
// serial comes from MachineGUID when set.
type WMICReader struct {
	Runner      Runner
	MachineGUID func() string
}

func (r *WMICReader) query(ctx context.Context, class string, fields ...string) []byte {
	out, err := r.Runner.Output(ctx, "wmic", class, "get", strings.Join(fields, ","), "/value")
	if err != nil {
		return nil
	}
	return out
}

func (r *WMICReader) Read(ctx context.Context) Hardware {
	var hw Hardware
	if out := r.query(ctx, "csproduct", "UUID", "IdentifyingNumber"); out != nil {
		hw.SystemUUID = firstWMI(out, "UUID")
		hw.SystemSerial = firstWMI(out, "IdentifyingNumber")
	}
	if out := r.query(ctx, "baseboard", "Manufacturer", "Product", "SerialNumber"); out != nil {
		hw.BaseboardManufacturer = firstWMI(out, "Manufacturer")
		hw.BaseboardModel = firstWMI(out, "Product")
		hw.BaseboardSerial = firstWMI(out, "SerialNumber")
	}
	if out := r.query(ctx, "bios", "SerialNumber"); out != nil {
		hw.BIOSSerial = firstWMI(out, "SerialNumber")
	}
	if out := r.query(ctx, "cpu", "ProcessorId"); out != nil {
		hw.CPUSerial = firstWMI(out, "ProcessorId")
	}
	if out := r.query(ctx, "diskdrive", "Index", "SerialNumber"); out != nil {
		hw.DiskSerials = diskSerialsByIndex(out)
	}
	if r.MachineGUID != nil {
		hw.OSSerial = r.MachineGUID()
	}
	return hw
}
