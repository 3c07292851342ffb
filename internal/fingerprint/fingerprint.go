// Package fingerprint reads hardware attributes from the host and combines
// the usable ones into an ordered composite fingerprint.
package fingerprint

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/harrylevesque/devlink/internal/store"
)

// Source tags in priority order.
const (
	SourceBoardUUID   = "board_uuid"
	SourceBoardSerial = "board_serial"
	SourceBaseboard   = "baseboard"
	SourceBIOS        = "bios"
	SourceCPU         = "cpu"
	SourceDisk        = "disk"
	SourceOS          = "os"
	SourceRandom      = "random"
)

// Sample is one hardware attribute that passed validation.
type Sample struct {
	Source string
	Value  string
}

func (s Sample) String() string { return s.Source + ":" + s.Value }

// Fingerprint is the ordered list of samples a UID is derived from.
type Fingerprint struct {
	Samples []Sample
}

// String joins the samples with "|".
func (f Fingerprint) String() string {
	parts := make([]string, len(f.Samples))
	for i, s := range f.Samples {
		parts[i] = s.String()
	}
	return strings.Join(parts, "|")
}

// Count is the number of contributing sources.
func (f Fingerprint) Count() int { return len(f.Samples) }

var sentinels = []string{
	"unknown",
	"default string",
	"00000000-0000-0000-0000-000000000000",
	"to be filled by o.e.m.",
	"not specified",
	"not applicable",
	"none",
}

// Valid reports whether v is a real value rather than a firmware placeholder.
func Valid(v string) bool {
	t := strings.TrimSpace(v)
	if t == "" {
		return false
	}
	for _, s := range sentinels {
		if strings.EqualFold(t, s) {
			return false
		}
	}
	return true
}

// Build filters hw into a fingerprint. It returns an empty fingerprint when
// nothing usable was found.
func Build(hw Hardware) Fingerprint {
	var fp Fingerprint
	add := func(src, v string) {
		if Valid(v) {
			fp.Samples = append(fp.Samples, Sample{Source: src, Value: strings.TrimSpace(v)})
		}
	}
	add(SourceBoardUUID, hw.SystemUUID)
	add(SourceBoardSerial, hw.SystemSerial)
	if Valid(hw.BaseboardSerial) {
		fp.Samples = append(fp.Samples, Sample{
			Source: SourceBaseboard,
			Value: strings.TrimSpace(hw.BaseboardManufacturer) + "-" +
				strings.TrimSpace(hw.BaseboardModel) + "-" +
				strings.TrimSpace(hw.BaseboardSerial),
		})
	}
	add(SourceBIOS, hw.BIOSSerial)
	add(SourceCPU, hw.CPUSerial)
	if len(hw.DiskSerials) > 0 {
		add(SourceDisk, hw.DiskSerials[0])
	}
	add(SourceOS, hw.OSSerial)
	return fp
}

// Collector produces the device fingerprint.
type Collector struct {
	reader Reader
	store  store.Store
	log    *log.Logger
}

// NewCollector returns a collector reading hardware through r. The store is
// only written when no hardware attribute is usable.
func NewCollector(r Reader, st store.Store, logger *log.Logger) *Collector {
	if r == nil {
		r = NewReader()
	}
	return &Collector{reader: r, store: st, log: logger}
}

// Collect reads the hardware and builds the fingerprint. Individual probe
// failures only drop the affected attributes. An error is returned when ctx
// ended before any attribute was read, or when the random fallback token
// cannot be persisted.
func (c *Collector) Collect(ctx context.Context) (Fingerprint, error) {
	hw := c.reader.Read(ctx)
	fp := Build(hw)
	for _, s := range fp.Samples {
		c.log.Debug("hardware attribute", "source", s.Source)
	}
	if fp.Count() > 0 {
		return fp, nil
	}
	if err := ctx.Err(); err != nil {
		return Fingerprint{}, fmt.Errorf("read hardware: %w", err)
	}

	c.log.Warn("no usable hardware attributes, using random device id")
	id, err := c.store.GetString(store.KeyRandomDeviceID)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read random device id: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
		if err := c.store.SetString(store.KeyRandomDeviceID, id); err != nil {
			return Fingerprint{}, fmt.Errorf("persist random device id: %w", err)
		}
		c.log.Info("generated random device id")
	}
	return Fingerprint{Samples: []Sample{{Source: SourceRandom, Value: id}}}, nil
}
