//go:build windows

package ipc

import (
	"fmt"
	"net"
	"time"
)

// DefaultEndpoint is the loopback address used on Windows, where Unix
// domain socket support is unreliable across versions.
const DefaultEndpoint = "127.0.0.1:7878"

// Listen binds the agent's loopback TCP port. Binding to 127.0.0.1 keeps
// the endpoint off the network.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to the agent's loopback TCP port.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// Cleanup is a no-op for TCP endpoints.
func Cleanup(addr string) {}
