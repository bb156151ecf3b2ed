package mq

import (
	"fmt"
	"strings"
	"sync"
)

// endpoint is a single (host, port, path) triple parsed from a broker
// string entry.
type endpoint struct {
	host string
	port string
	path string
}

func (e endpoint) String() string {
	s := e.host
	if e.port != "" {
		s += ":" + e.port
	}
	if e.path != "" {
		s += "/" + e.path
	}
	return s
}

func isUnreserved(r byte) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == '~':
		return true
	}
	return false
}

// parseEndpoints parses a comma-separated list of "host[:port][/path]"
// entries. Parsing of the whole list stops at the first empty or
// unparseable entry, per spec §6's broker-string grammar.
func parseEndpoints(spec string, defaultPort string) ([]endpoint, error) {
	var out []endpoint
	for _, raw := range strings.Split(spec, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			break
		}
		ep, ok := parseOneEndpoint(entry, defaultPort)
		if !ok {
			break
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("mq: no valid broker endpoint in %q", spec)
	}
	return out, nil
}

func parseOneEndpoint(entry, defaultPort string) (endpoint, bool) {
	i := 0
	n := len(entry)

	hostStart := i
	for i < n && isUnreserved(entry[i]) {
		i++
	}
	if i == hostStart {
		return endpoint{}, false
	}
	host := entry[hostStart:i]

	port := defaultPort
	if i < n && entry[i] == ':' {
		i++
		portStart := i
		for i < n && entry[i] >= '0' && entry[i] <= '9' {
			i++
		}
		if i == portStart {
			return endpoint{}, false
		}
		port = entry[portStart:i]
	}

	var path string
	if i < n && entry[i] == '/' {
		i++
		pathStart := i
		for i < n && isUnreserved(entry[i]) {
			i++
		}
		path = entry[pathStart:i]
	}

	if i != n {
		return endpoint{}, false
	}

	return endpoint{host: host, port: port, path: path}, true
}

// endpointCursor cycles through a fixed list of endpoints, round-robin,
// advancing on every call regardless of outcome so that repeated failures
// against one broker don't starve the others.
type endpointCursor struct {
	mu   sync.Mutex
	eps  []endpoint
	next int
}

func newEndpointCursor(eps []endpoint) *endpointCursor {
	return &endpointCursor{eps: eps}
}

func (c *endpointCursor) advance() endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.eps[c.next%len(c.eps)]
	c.next++
	return ep
}
