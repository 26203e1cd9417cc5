// Package stream abstracts a reliable byte stream with a non-blocking
// send/recv surface, in active (dialed) and passive (listening) forms.
//
// Stream targets are strings of the form "tcp:host:port" or "unix:path".
// Network streams bridge the blocking net.Conn to the non-blocking surface
// through bounded per-direction buffers; tests use Pipe for a fully
// in-memory pair with controllable transfer sizes.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pkarhunen/wireline/internal/poll"
)

// ErrAgain reports that a non-blocking operation cannot make progress right
// now. Callers register interest with the *Wait methods and retry.
var ErrAgain = errors.New("stream: operation would block")

// Stream is a reliable byte stream. All operations are non-blocking and all
// of them must be called from a single cooperative task.
type Stream interface {
	// Name returns the target the stream was opened with.
	Name() string

	// Connect reports nil once the stream is writable, ErrAgain while the
	// connection attempt is still in progress, and a terminal error if the
	// attempt failed.
	Connect() error

	// Recv copies buffered bytes into p. It returns ErrAgain when nothing
	// is available and io.EOF once the peer has closed and the buffer has
	// drained.
	Recv(p []byte) (int, error)

	// Send queues up to len(p) bytes and returns how many were accepted,
	// which may be fewer than len(p). It returns ErrAgain when no buffer
	// space is available.
	Send(p []byte) (int, error)

	// Wait registers interest in any progress on the stream.
	Wait(w *poll.Waiter)

	// RecvWait registers interest in readability.
	RecvWait(w *poll.Waiter)

	// SendWait registers interest in writability.
	SendWait(w *poll.Waiter)

	// Close releases the stream. A network stream discards bytes it has not
	// yet written and any unread input; the peer of a Pipe end can still
	// drain bytes sent before Close, then sees io.EOF.
	Close() error
}

// Open begins connecting to the given target without blocking. Poll Connect
// on the returned stream for completion.
func Open(name string) (Stream, error) {
	network, addr, err := split(name)
	if err != nil {
		return nil, err
	}
	return dialStream(name, network, addr), nil
}

func split(name string) (network, addr string, err error) {
	kind, rest, ok := strings.Cut(name, ":")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("stream: malformed target %q", name)
	}
	switch kind {
	case "tcp":
		return "tcp", rest, nil
	case "unix":
		return "unix", rest, nil
	default:
		return "", "", fmt.Errorf("stream: unknown stream type %q in %q", kind, name)
	}
}
