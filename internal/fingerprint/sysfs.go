package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SysfsReader reads hardware attributes from the Linux sysfs and procfs
// trees. The roots are configurable so tests can point it at a synthetic
// tree.
type SysfsReader struct {
	SysRoot  string
	ProcRoot string
	EtcRoot  string
	RunRoot  string
}

// NewSysfsReader reads from the live system.
func NewSysfsReader() *SysfsReader {
	return &SysfsReader{SysRoot: "/sys", ProcRoot: "/proc", EtcRoot: "/etc", RunRoot: "/run"}
}

func (r *SysfsReader) Read(_ context.Context) Hardware {
	dmi := filepath.Join(r.SysRoot, "class", "dmi", "id")
	hw := Hardware{
		SystemUUID:            readTrimmed(filepath.Join(dmi, "product_uuid")),
		SystemSerial:          readTrimmed(filepath.Join(dmi, "product_serial")),
		BaseboardManufacturer: readTrimmed(filepath.Join(dmi, "board_vendor")),
		BaseboardModel:        readTrimmed(filepath.Join(dmi, "board_name")),
		BaseboardSerial:       readTrimmed(filepath.Join(dmi, "board_serial")),
		DiskSerials:           r.diskSerials(),
		OSSerial:              readTrimmed(filepath.Join(r.EtcRoot, "machine-id")),
	}
	if b, err := os.ReadFile(filepath.Join(r.ProcRoot, "cpuinfo")); err == nil {
		hw.CPUSerial = cpuinfoSerial(b)
	}
	return hw
}

var virtualBlockPrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "md", "nbd", "fd"}

// diskSerials returns the serials of physical block devices, sorted by
// device name so the primary disk (sda, nvme0n1, ...) comes first. A disk
// without a readable serial keeps an empty entry.
func (r *SysfsReader) diskSerials() []string {
	blockDir := filepath.Join(r.SysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if isVirtualBlock(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var serials []string
	for _, name := range names {
		dev := filepath.Join(blockDir, name)
		serial := readTrimmed(filepath.Join(dev, "device", "serial"))
		if serial == "" {
			if majmin := readTrimmed(filepath.Join(dev, "dev")); majmin != "" {
				if b, err := os.ReadFile(filepath.Join(r.RunRoot, "udev", "data", "b"+majmin)); err == nil {
					serial = udevProperty(b, "ID_SERIAL_SHORT")
				}
			}
		}
		serials = append(serials, serial)
	}
	return serials
}

func isVirtualBlock(name string) bool {
	for _, p := range virtualBlockPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
