package fingerprint

import (
	"bufio"
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// parseIORegistry extracts quoted properties from `ioreg -rd1` output.
// Both `"key" = "value"` and `"key" = <"value">` forms are handled.
func parseIORegistry(out []byte) map[string]string {
	props := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "=") {
			continue
		}
		parts := strings.Split(line, "\"")
		if len(parts) >= 4 {
			if _, seen := props[parts[1]]; !seen {
				props[parts[1]] = parts[3]
			}
		}
	}
	return props
}

// parseLabeled returns every value following label in `Label: value` lines,
// in output order. Used for system_profiler.
func parseLabeled(out []byte, label string) []string {
	var vals []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == label {
			vals = append(vals, strings.TrimSpace(v))
		}
	}
	return vals
}

// parseWMIList splits `wmic ... /value` output into records. Records are
// separated by blank lines.
func parseWMIList(out []byte) []map[string]string {
	var recs []map[string]string
	cur := map[string]string{}
	flush := func() {
		if len(cur) > 0 {
			recs = append(recs, cur)
			cur = map[string]string{}
		}
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		str := strings.TrimSpace(string(line))
		if str == "" {
			flush()
			continue
		}
		k, v, ok := strings.Cut(str, "=")
		if !ok {
			continue
		}
		cur[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	flush()
	return recs
}

// firstWMI returns field from the first record that has it.
func firstWMI(out []byte, field string) string {
	for _, r := range parseWMIList(out) {
		if v, ok := r[field]; ok {
			return v
		}
	}
	return ""
}

// diskSerialsByIndex orders Win32_DiskDrive records by their Index.
func diskSerialsByIndex(out []byte) []string {
	recs := parseWMIList(out)
	sort.SliceStable(recs, func(i, j int) bool {
		a, errA := strconv.Atoi(recs[i]["Index"])
		b, errB := strconv.Atoi(recs[j]["Index"])
		if errA != nil || errB != nil {
			return errB != nil && errA == nil
		}
		return a < b
	})
	var serials []string
	for _, r := range recs {
		if s, ok := r["SerialNumber"]; ok {
			serials = append(serials, s)
		}
	}
	return serials
}

// cpuinfoSerial returns the Serial field of /proc/cpuinfo (ARM boards).
func cpuinfoSerial(cpuinfo []byte) string {
	for _, line := range strings.Split(string(cpuinfo), "\n") {
		if strings.HasPrefix(line, "Serial") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// udevProperty returns a property from a /run/udev/data entry.
func udevProperty(data []byte, key string) string {
	prefix := "E:" + key + "="
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}
