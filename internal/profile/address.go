package profile

import (
	"fmt"
	"net"
	"strconv"
)

// ParseServerAddress parses a server address in format: host:port
// Example: 172.18.236.44:8882
// Returns: host, port, error
func ParseServerAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server address, expected host:port: %s", addr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid server address, missing host: %s", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid server port: %s", portStr)
	}

	return host, port, nil
}

// FormatServerAddress formats a server address from components
// Returns: host:port
func FormatServerAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
