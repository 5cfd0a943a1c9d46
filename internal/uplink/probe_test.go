package uplink

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTCPProbeCachesResult(t *testing.T) {
	calls := 0
	p := NewTCPProbe("example:1234", time.Second, time.Minute)
	p.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		calls++
		return nil, errors.New("refused")
	}

	assert.False(t, p.Reachable())
	assert.False(t, p.Reachable())
	assert.Equal(t, 1, calls, "second call within cacheFor should not re-dial")
}

func TestTCPProbeRedialsAfterCacheExpires(t *testing.T) {
	calls := 0
	p := NewTCPProbe("example:1234", time.Second, time.Millisecond)
	p.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		calls++
		return nil, errors.New("refused")
	}

	p.Reachable()
	time.Sleep(5 * time.Millisecond)
	p.Reachable()
	assert.Equal(t, 2, calls)
}
