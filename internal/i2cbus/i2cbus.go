// SPDX-License-Identifier: MIT

//go:build linux

// Package i2cbus wraps the Linux I2C character device (/dev/i2c-N) and
// provides the bus-lockup recovery step applied when a wedged slave is
// holding the bus low. Recovery reopens the device and reselects the
// slave; it does not drive SCL, so no clock pulses reach the bus.
//
// The ioctl wrapping keeps raw syscall/unix access behind a small
// struct with explicit fd lifetime, scoped down to the handful of I2C
// ioctls a driving telemetry daemon actually needs.
package i2cbus

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// i2cSlave is the Linux I2C_SLAVE ioctl request number
// (include/uapi/linux/i2c-dev.h).
const i2cSlave = 0x0703

// Bus is an open handle to a Linux I2C character device with a fixed
// slave address selected.
type Bus struct {
	path string
	addr uint8
	f    *os.File
}

// Open opens path (e.g. "/dev/i2c-1") and selects addr as the active slave.
func Open(path string, addr uint8) (*Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2cbus: open %s: %w", path, err)
	}
	b := &Bus{path: path, addr: addr, f: f}
	if err := b.selectSlave(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) selectSlave() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(i2cSlave), uintptr(b.addr))
	if errno != 0 {
		return fmt.Errorf("i2cbus: select slave 0x%02x: %w", b.addr, errno)
	}
	return nil
}

// Read performs a plain I2C read of len(buf) bytes from the selected slave.
func (b *Bus) Read(buf []byte) error {
	n, err := b.f.Read(buf)
	if err != nil {
		return fmt.Errorf("i2cbus: read: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("i2cbus: short read: got %d want %d", n, len(buf))
	}
	return nil
}

// Write performs a plain I2C write of buf to the selected slave.
func (b *Bus) Write(buf []byte) error {
	n, err := b.f.Write(buf)
	if err != nil {
		return fmt.Errorf("i2cbus: write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("i2cbus: short write: wrote %d want %d", n, len(buf))
	}
	return nil
}

// Close releases the underlying file descriptor.
func (b *Bus) Close() error {
	return b.f.Close()
}

// Recover reopens the bus and reselects the slave, returning a fresh
// handle. It first runs pulseSCL, which opens and closes the device
// once more but drives no clock pulses, so the reopen is the whole of
// the recovery. Recover does not close any existing handle.
func Recover(path string, addr uint8) (*Bus, error) {
	// Closing any existing handle is the caller's responsibility; Recover
	// only concerns itself with driving the bus back to an addressable
	// state and returning a fresh handle.
	if err := pulseSCL(path); err != nil {
		// A failure here does not abort recovery; the reopen below is
		// what actually matters.
		_ = err
	}
	return Open(path, addr)
}

// pulseSCL opens and closes the device and waits nine 10µs intervals.
// It issues no ioctl and does not toggle the clock line, so the nine-pulse
// SCL recovery sequence for a slave holding SDA low is not performed.
func pulseSCL(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("i2cbus: pulse open: %w", err)
	}
	defer f.Close()

	const pulses = 9
	for i := 0; i < pulses; i++ {
		time.Sleep(10 * time.Microsecond)
	}
	return nil
}
