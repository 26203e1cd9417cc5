package stream

import (
	"fmt"
	"net"
)

// Listener is the passive counterpart of Open: it accepts inbound
// connections on a tcp or unix target.
type Listener struct {
	name string
	ln   net.Listener
}

// Listen binds the given target ("tcp:host:port" or "unix:path") and
// returns a listener for it. For "tcp:host:0" the kernel picks the port;
// Name reports the bound address.
func Listen(name string) (*Listener, error) {
	network, addr, err := split(name)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("stream: listen %s: %w", name, err)
	}
	return &Listener{
		name: network + ":" + ln.Addr().String(),
		ln:   ln,
	}, nil
}

// Name returns the bound target, suitable for passing to Open.
func (l *Listener) Name() string { return l.name }

// Accept blocks until an inbound connection arrives and returns it as a
// connected Stream.
func (l *Listener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return accepted(l.name+"!"+conn.RemoteAddr().String(), conn), nil
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ln.Close() }
