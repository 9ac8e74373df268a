package guard

import (
	"fmt"
	"net"
	"time"
)

// JoinPort is the port RKE2 servers and agents join the cluster through.
const JoinPort = 9345

// Prober checks whether a TCP endpoint accepts connections.
type Prober interface {
	Probe(address string) error
}

// TCPProber dials the endpoint with a short timeout.
type TCPProber struct {
	// Timeout is the connection timeout (default: 2 seconds)
	Timeout time.Duration
}

// NewTCPProber creates a prober with the default timeout.
func NewTCPProber() *TCPProber {
	return &TCPProber{Timeout: 2 * time.Second}
}

// Probe attempts a TCP connection to the address.
func (p *TCPProber) Probe(address string) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	conn.Close()
	return nil
}
