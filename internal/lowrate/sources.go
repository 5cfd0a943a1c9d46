// SPDX-License-Identifier: MIT

package lowrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/telemetryd/telemetryd/internal/gps"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
)

// DefaultPowerSupplySysfsPath is the standard Linux power_supply class
// directory.
const DefaultPowerSupplySysfsPath = "/sys/class/power_supply"

// EnvironmentSource reports CPU temperature. The actual read is
// injected (the same rawIMUReader-style "concrete default, swappable
// by the caller" shape used elsewhere) so this package does not need
// its own sysfs thermal-zone path handling duplicating cmd/telemetryd's.
type EnvironmentSource struct {
	readTemp func(ctx context.Context) (float64, error)
	periodS  int
}

// NewEnvironmentSource creates an EnvironmentSource polling readTemp
// every periodS seconds.
func NewEnvironmentSource(readTemp func(ctx context.Context) (float64, error), periodS int) *EnvironmentSource {
	return &EnvironmentSource{readTemp: readTemp, periodS: periodS}
}

func (e *EnvironmentSource) Name() string          { return "environment" }
func (e *EnvironmentSource) Period() time.Duration { return time.Duration(e.periodS) * time.Second }

func (e *EnvironmentSource) Collect(ctx context.Context) (map[string]float64, bool, error) {
	c, err := e.readTemp(ctx)
	if err != nil {
		return nil, false, err
	}
	return map[string]float64{"cpu_temp_c": c}, true, nil
}

// PowerSource reports battery voltage, remaining capacity, and
// charging state from the kernel's power_supply sysfs class.
type PowerSource struct {
	sysfsPath  string
	supplyName string
	periodS    int
}

// NewPowerSource creates a PowerSource reading supplyName (e.g. "BAT0")
// under sysfsPath.
func NewPowerSource(sysfsPath, supplyName string, periodS int) *PowerSource {
	if sysfsPath == "" {
		sysfsPath = DefaultPowerSupplySysfsPath
	}
	return &PowerSource{sysfsPath: sysfsPath, supplyName: supplyName, periodS: periodS}
}

func (p *PowerSource) Name() string          { return "power" }
func (p *PowerSource) Period() time.Duration { return time.Duration(p.periodS) * time.Second }

func (p *PowerSource) Collect(context.Context) (map[string]float64, bool, error) {
	dir := filepath.Join(p.sysfsPath, p.supplyName)
	values := make(map[string]float64)

	if v, err := readSysfsInt(filepath.Join(dir, "voltage_now")); err == nil {
		values["voltage_v"] = float64(v) / 1e6
	}
	if v, err := readSysfsInt(filepath.Join(dir, "capacity")); err == nil {
		values["capacity_pct"] = float64(v)
	}
	// #nosec G304 -- reading from /sys/class/power_supply, kernel-controlled path
	if status, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
		if strings.TrimSpace(string(status)) == "Charging" {
			values["charging"] = 1
		} else {
			values["charging"] = 0
		}
	}

	if len(values) == 0 {
		return nil, false, fmt.Errorf("power: no readable attributes under %s", dir)
	}
	return values, true, nil
}

func readSysfsInt(path string) (int, error) {
	// #nosec G304 -- reading from /sys/class/power_supply, kernel-controlled path
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// PositionSource reports the latest GPS fix. Unlike EnvironmentSource
// and PowerSource, a read blocks on serial I/O until the receiver
// emits its next sentence, so Collect races the read against ctx
// cancellation rather than calling it inline.
type PositionSource struct {
	reader  gps.Reader
	shared  *sharedstate.Store
	periodS int
}

// NewPositionSource creates a PositionSource over an already-open GPS
// reader. shared may be nil, in which case no snapshot publish occurs.
func NewPositionSource(reader gps.Reader, shared *sharedstate.Store, periodS int) *PositionSource {
	return &PositionSource{reader: reader, shared: shared, periodS: periodS}
}

func (p *PositionSource) Name() string          { return "position" }
func (p *PositionSource) Period() time.Duration { return time.Duration(p.periodS) * time.Second }
func (p *PositionSource) Shared() *sharedstate.Store { return p.shared }

func (p *PositionSource) Collect(ctx context.Context) (map[string]float64, bool, error) {
	type result struct {
		fix gps.Fix
		err error
	}
	ch := make(chan result, 1)
	go func() {
		fix, err := p.reader.Read()
		ch <- result{fix: fix, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, false, res.err
		}
		if p.shared != nil {
			p.shared.PublishFunc(func(snap *sharedstate.Snapshot) {
				snap.LastFix = sharedstate.GPSFix{
					Latitude:  res.fix.Latitude,
					Longitude: res.fix.Longitude,
					Altitude:  res.fix.Altitude,
					Valid:     res.fix.Valid,
					At:        res.fix.At,
				}
			})
		}
		if !res.fix.Valid {
			return nil, false, nil
		}
		return map[string]float64{
			"latitude":  res.fix.Latitude,
			"longitude": res.fix.Longitude,
			"altitude":  res.fix.Altitude,
		}, true, nil
	}
}
