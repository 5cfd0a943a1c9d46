// SPDX-License-Identifier: MIT

// Package peripheral resolves stable device paths for USB-attached sensors
// (GPS receivers, I2C-to-USB bridges) that otherwise re-enumerate to a new
// /dev node across reboots or reconnects.
//
// On the embedded boards this daemon targets, devices are scanned by
// physical USB topology (bus/port) rather than by the kernel-assigned
// busnum/devnum pair, which is stable only until the next enumeration.
package peripheral

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// usbPortPathRegex matches a physical USB port path: bus-port or
// bus-port.subport.subport... Examples: "1-1", "1-1.4", "2-3.1.2".
var usbPortPathRegex = regexp.MustCompile(`^[0-9]+-[0-9]+(\.[0-9]+)*$`)

// PortInfo describes a USB peripheral's physical attachment point.
type PortInfo struct {
	PortPath string // Physical USB port, e.g. "1-1.4"
	Product  string // Product name, if exposed by the kernel
	Serial   string // Serial number, if exposed by the kernel
}

// ResolvePhysicalPort finds the physical USB port a device is attached to by
// scanning every USB device directory in sysfs and matching on the
// kernel-assigned (busNum, devNum) pair.
//
// Scanning every directory (rather than guessing a single path) avoids a
// class of bug where a USB hub's own busnum/devnum accidentally matches a
// device's, misattributing the physical port.
//
// Parameters:
//   - sysfsPath: path to /sys/bus/usb/devices (overridable for tests)
//   - busNum, devNum: the USB bus/device numbers to resolve
func ResolvePhysicalPort(sysfsPath string, busNum, devNum int) (PortInfo, error) {
	if busNum < 0 || devNum < 0 {
		return PortInfo{}, fmt.Errorf("invalid bus/dev number: bus=%d dev=%d", busNum, devNum)
	}

	if _, err := os.Stat(sysfsPath); os.IsNotExist(err) {
		return PortInfo{}, fmt.Errorf("sysfs path not found: %s", sysfsPath)
	}

	entries, err := os.ReadDir(sysfsPath)
	if err != nil {
		return PortInfo{}, fmt.Errorf("failed to read sysfs directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !IsValidPortPath(entry.Name()) {
			continue
		}

		devicePath := filepath.Join(sysfsPath, entry.Name())

		deviceBusNum, deviceDevNum, err := readBusDevNum(devicePath)
		if err != nil {
			continue
		}

		if deviceBusNum != busNum || deviceDevNum != devNum {
			continue
		}

		info := PortInfo{PortPath: entry.Name()}
		// #nosec G304 -- reading from /sys/bus/usb, kernel-controlled path
		if b, err := os.ReadFile(filepath.Join(devicePath, "product")); err == nil {
			info.Product = strings.TrimSpace(string(b))
		}
		// #nosec G304 -- reading from /sys/bus/usb, kernel-controlled path
		if b, err := os.ReadFile(filepath.Join(devicePath, "serial")); err == nil {
			info.Serial = strings.TrimSpace(string(b))
		}
		return info, nil
	}

	return PortInfo{}, fmt.Errorf("USB peripheral not found: bus=%d dev=%d", busNum, devNum)
}

// IsValidPortPath reports whether path matches the USB physical port naming
// convention ("1-1", "1-1.4", "2-3.1.2", ...).
func IsValidPortPath(path string) bool {
	return usbPortPathRegex.MatchString(path)
}

// SafeAtoi converts a string to a base-10 non-negative integer, tolerating
// leading zeros (so a sysfs value of "08" parses as 8, not as invalid octal).
func SafeAtoi(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		trimmed = "0"
	}

	val, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative numbers not allowed: %d", val)
	}
	return val, nil
}

func readBusDevNum(devicePath string) (busNum, devNum int, err error) {
	// #nosec G304 -- reading from /sys/bus/usb, kernel-controlled path
	busBytes, err := os.ReadFile(filepath.Join(devicePath, "busnum"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read busnum: %w", err)
	}
	busNum, err = SafeAtoi(string(busBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse busnum: %w", err)
	}

	// #nosec G304 -- reading from /sys/bus/usb, kernel-controlled path
	devBytes, err := os.ReadFile(filepath.Join(devicePath, "devnum"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read devnum: %w", err)
	}
	devNum, err = SafeAtoi(string(devBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse devnum: %w", err)
	}

	return busNum, devNum, nil
}

// SymlinkRule generates a udev rule that creates a symlink for a serial
// or I2C-bridge peripheral under /dev/telemetry/by-port/<portPath>. The
// rule matches the device by busnum/devnum, so it applies only while
// the device keeps those numbers; portPath names the symlink and is not
// matched.
//
// subsystem/kernelMatch select the device class, e.g. ("tty", "ttyUSB[0-9]*")
// for a USB-serial GPS receiver or ("i2c-dev", "i2c-[0-9]*") for a USB-I2C
// bridge.
func SymlinkRule(subsystem, kernelMatch, portPath string, busNum, devNum int) string {
	return fmt.Sprintf(
		`SUBSYSTEM=="%s", KERNEL=="%s", ATTRS{busnum}=="%d", ATTRS{devnum}=="%d", SYMLINK+="telemetry/by-port/%s"`,
		subsystem, kernelMatch, busNum, devNum, portPath,
	)
}
