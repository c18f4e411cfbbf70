package main

import (
	"net"
	"strings"
)

// listenerURL renders the startup banner URL for the configured listen
// address. Wildcard and empty hosts advertise as localhost so the logged
// URL is always dialable from the machine running the relay.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http://"
	if tlsEnabled {
		scheme = "https://"
	}
	host, port := splitListenAddress(address)
	if port == "" {
		return scheme + host
	}
	return scheme + net.JoinHostPort(host, port)
}

func splitListenAddress(address string) (host, port string) {
	trimmed := strings.TrimSpace(address)
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		host, port = trimmed, ""
	}
	switch host = strings.TrimSpace(host); host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return host, port
}
