// Package netport picks the listening port a backend subprocess will be
// launched with. The preferred port is tried first; when it is taken the
// allocator scans forward through a bounded range so startup never blocks
// hunting for a port.
package netport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// ScanSpan bounds how far past the preferred port the allocator will look.
const ScanSpan = 100

// ErrPortExhausted is returned when no free port exists within the scan range.
var ErrPortExhausted = errors.New("netport: no free port in scan range")

// Selection is the outcome of a port allocation.
type Selection struct {
	Port int
	URL  string
	// NonDefault is true when the preferred port was occupied and a
	// different one had to be chosen; callers use it to update externally
	// visible configuration before anything is spawned.
	NonDefault bool
}

// Select returns a usable port starting at preferred, and a base URL
// consistent with it. configuredURL, when parseable, contributes scheme and
// host; otherwise loopback is assumed.
func Select(preferred int, configuredURL string) (Selection, error) {
	if preferred <= 0 || preferred > 65535 {
		return Selection{}, fmt.Errorf("netport: invalid preferred port %d", preferred)
	}
	limit := preferred + ScanSpan
	if limit > 65535 {
		limit = 65535
	}
	for port := preferred; port <= limit; port++ {
		if !available(port) {
			continue
		}
		return Selection{
			Port:       port,
			URL:        rewriteURL(configuredURL, port),
			NonDefault: port != preferred,
		}, nil
	}
	return Selection{}, fmt.Errorf("%w: %d-%d", ErrPortExhausted, preferred, limit)
}

// available reports whether the port can currently be bound on loopback.
func available(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// rewriteURL keeps the configured scheme/host but forces the chosen port.
func rewriteURL(configured string, port int) string {
	fallback := fmt.Sprintf("http://127.0.0.1:%d", port)
	if configured == "" {
		return fallback
	}
	u, err := url.Parse(configured)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return fallback
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	return u.String()
}
