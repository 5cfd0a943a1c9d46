// SPDX-License-Identifier: MIT

package uplink

import (
	"net"
	"sync"
	"time"
)

// Prober answers "is the remote reachable" without paying a full
// connect cost on every poll tick.
type Prober interface {
	Reachable() bool
}

// TCPProbe caches a short TCP-connect check for cacheFor, so a sync
// loop polling every few seconds doesn't open a fresh socket each tick
// while the link is known-down. Cheap periodic connectivity probe.
type TCPProbe struct {
	addr     string
	timeout  time.Duration
	cacheFor time.Duration
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu       sync.Mutex
	lastAt   time.Time
	lastOK   bool
	haveLast bool
}

// NewTCPProbe creates a probe dialing addr (host:port).
func NewTCPProbe(addr string, timeout, cacheFor time.Duration) *TCPProbe {
	return &TCPProbe{
		addr:     addr,
		timeout:  timeout,
		cacheFor: cacheFor,
		dial:     net.DialTimeout,
	}
}

// Reachable reports whether the last (possibly cached) probe succeeded.
func (p *TCPProbe) Reachable() bool {
	p.mu.Lock()
	if p.haveLast && time.Since(p.lastAt) < p.cacheFor {
		ok := p.lastOK
		p.mu.Unlock()
		return ok
	}
	p.mu.Unlock()

	conn, err := p.dial("tcp", p.addr, p.timeout)
	ok := err == nil
	if ok {
		conn.Close()
	}

	p.mu.Lock()
	p.lastAt = time.Now()
	p.lastOK = ok
	p.haveLast = true
	p.mu.Unlock()

	return ok
}
