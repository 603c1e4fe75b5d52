package net

import (
	"fmt"
	"net"
	"strconv"
)

// GetEphemeralTCPPort asks the kernel for a free loopback port. The port is released before returning,
// so another process could take it first.
func GetEphemeralTCPPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralLoopbackAddr returns a "127.0.0.1:port" listen address on a free port.
func EphemeralLoopbackAddr() (string, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}
