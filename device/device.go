// Package device describes storage devices that transfers read from and
// write to.
package device

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type is the class of a storage device.
type Type int

const (
	Unknown Type = iota
	NVMeSSD
	SataSSD
	HDD
	USB3
	USB2
	USB1
	SDCard
	RAMDisk
	Optical
)

var typeNames = map[Type]string{
	Unknown: "unknown",
	NVMeSSD: "nvme",
	SataSSD: "sata-ssd",
	HDD:     "hdd",
	USB3:    "usb3",
	USB2:    "usb2",
	USB1:    "usb1",
	SDCard:  "sdcard",
	RAMDisk: "ramdisk",
	Optical: "optical",
}

// expectedSpeedMbps is used when no live measurement exists.
var expectedSpeedMbps = map[Type]float64{
	NVMeSSD: 3500,
	SataSSD: 550,
	USB3:    400,
	SDCard:  90,
	Optical: 22,
	HDD:     120,
	USB2:    40,
	USB1:    1.5,
	RAMDisk: 6000,
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses the names produced by String.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown device type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ExpectedSpeed returns the table speed for a device type. Unknown types have
// no estimate.
func ExpectedSpeed(t Type) (float64, bool) {
	s, ok := expectedSpeedMbps[t]
	return s, ok
}

// Info is what the engine knows about one device.
type Info struct {
	Path           string
	Name           string
	Type           Type
	MountPoint     string
	Filesystem     string
	BlockSize      uint64
	TotalSpace     uint64
	AvailableSpace uint64
	Removable      bool
	ReadOnly       bool

	// MeasuredMbps overrides the table estimate when non-zero.
	MeasuredMbps float64
}

// NewInfo returns Info for a path whose type is supplied by the caller.
func NewInfo(path string, t Type) Info {
	return Info{
		Path: path,
		Name: NameOf(path),
		Type: t,
	}
}

// EstimatedSpeed returns the live measurement if present, otherwise the table
// speed of the device type.
func (i Info) EstimatedSpeed() (float64, bool) {
	if i.MeasuredMbps > 0 {
		return i.MeasuredMbps, true
	}
	return ExpectedSpeed(i.Type)
}

// NameOf derives a display name from a device path.
func NameOf(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "Unknown"
	}
	return base
}
