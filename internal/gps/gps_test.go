package gps

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGGAValidFix(t *testing.T) {
	line := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	fix, err := parseGGA(line)
	require.NoError(t, err)
	assert.True(t, fix.Valid)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-3)
	assert.InDelta(t, 11.5167, fix.Longitude, 1e-3)
	assert.InDelta(t, 545.4, fix.Altitude, 1e-6)
}

func TestParseGGANoFixQualityZero(t *testing.T) {
	line := "$GPGGA,123519,4807.038,N,01131.000,E,0,00,99.9,0.0,M,0.0,M,,*4F"
	fix, err := parseGGA(line)
	require.NoError(t, err)
	assert.False(t, fix.Valid)
}

func TestParseGGASouthernWesternHemisphere(t *testing.T) {
	line := "$GPGGA,123519,4807.038,S,01131.000,W,1,08,0.9,545.4,M,46.9,M,,*54"
	fix, err := parseGGA(line)
	require.NoError(t, err)
	assert.Less(t, fix.Latitude, 0.0)
	assert.Less(t, fix.Longitude, 0.0)
}

func TestParseGGAShortSentenceRejected(t *testing.T) {
	_, err := parseGGA("$GPGGA,123519,4807.038,N")
	assert.Error(t, err)
}

func TestSerialReaderSkipsNonGGASentences(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/fake-tty"
	content := "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\n" +
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	fix, err := r.Read()
	require.NoError(t, err)
	assert.True(t, fix.Valid)
}
