package peripheral

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSysfsDevice(t *testing.T, root, port string, busNum, devNum int, product, serial string) {
	t.Helper()
	dir := filepath.Join(root, port)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "busnum"), []byte(itoa(busNum)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devnum"), []byte(itoa(devNum)), 0o644))
	if product != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "product"), []byte(product), 0o644))
	}
	if serial != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "serial"), []byte(serial), 0o644))
	}
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestResolvePhysicalPort(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "1-1", 1, 2, "", "")
	writeSysfsDevice(t, root, "1-1.4", 1, 5, "u-blox GPS receiver", "GPS001")

	info, err := ResolvePhysicalPort(root, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "1-1.4", info.PortPath)
	assert.Equal(t, "u-blox GPS receiver", info.Product)
	assert.Equal(t, "GPS001", info.Serial)
}

func TestResolvePhysicalPortNotFound(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "1-1", 1, 2, "", "")

	_, err := ResolvePhysicalPort(root, 9, 9)
	assert.Error(t, err)
}

func TestResolvePhysicalPortMissingSysfs(t *testing.T) {
	_, err := ResolvePhysicalPort(filepath.Join(t.TempDir(), "nope"), 1, 1)
	assert.Error(t, err)
}

func TestResolvePhysicalPortInvalidArgs(t *testing.T) {
	_, err := ResolvePhysicalPort(t.TempDir(), -1, 1)
	assert.Error(t, err)
}

func TestIsValidPortPath(t *testing.T) {
	cases := map[string]bool{
		"1-1":     true,
		"1-1.4":   true,
		"2-3.1.2": true,
		"usb1":    false,
		"":        false,
	}
	for in, want := range cases {
		assert.Equal(t, want, IsValidPortPath(in), "input=%q", in)
	}
}

func TestSafeAtoi(t *testing.T) {
	v, err := SafeAtoi("005")
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = SafeAtoi("08")
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	_, err = SafeAtoi("abc")
	assert.Error(t, err)

	_, err = SafeAtoi("-3")
	assert.Error(t, err)
}

func TestSymlinkRule(t *testing.T) {
	rule := SymlinkRule("tty", "ttyUSB[0-9]*", "1-1.4", 1, 5)
	assert.Equal(t,
		`SUBSYSTEM=="tty", KERNEL=="ttyUSB[0-9]*", ATTRS{busnum}=="1", ATTRS{devnum}=="5", SYMLINK+="telemetry/by-port/1-1.4"`,
		rule)
}
