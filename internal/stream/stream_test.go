package stream_test

import (
	"errors"
	"io"
	"testing"

	"github.com/nalgeon/be"

	"github.com/pkarhunen/wireline/internal/poll"
	"github.com/pkarhunen/wireline/internal/stream"
)

func TestOpenRejectsBadTargets(t *testing.T) {
	for _, name := range []string{"", "tcp", "tcp:", "smtp:host:25", "nocolon"} {
		_, err := stream.Open(name)
		be.Err(t, err)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := stream.Pipe(64, 0)
	defer a.Close()
	defer b.Close()

	be.Err(t, a.Connect(), nil)
	be.Err(t, b.Connect(), nil)

	n, err := a.Send([]byte("hello"))
	be.Err(t, err, nil)
	be.Equal(t, n, 5)

	buf := make([]byte, 16)
	n, err = b.Recv(buf)
	be.Err(t, err, nil)
	be.Equal(t, string(buf[:n]), "hello")

	_, err = b.Recv(buf)
	be.Err(t, err, stream.ErrAgain)
}

func TestPipeQuantumForcesPartialTransfers(t *testing.T) {
	a, b := stream.Pipe(64, 3)
	defer a.Close()
	defer b.Close()

	n, err := a.Send([]byte("abcdefgh"))
	be.Err(t, err, nil)
	be.Equal(t, n, 3)

	buf := make([]byte, 16)
	n, err = b.Recv(buf)
	be.Err(t, err, nil)
	be.Equal(t, string(buf[:n]), "abc")
}

func TestPipeCapacityBackpressure(t *testing.T) {
	a, b := stream.Pipe(4, 0)
	defer a.Close()
	defer b.Close()

	n, err := a.Send([]byte("abcdefgh"))
	be.Err(t, err, nil)
	be.Equal(t, n, 4)

	_, err = a.Send([]byte("more"))
	be.Err(t, err, stream.ErrAgain)

	// Draining the peer frees space again.
	buf := make([]byte, 16)
	_, err = b.Recv(buf)
	be.Err(t, err, nil)
	n, err = a.Send([]byte("more"))
	be.Err(t, err, nil)
	be.Equal(t, n, 4)
}

func TestPipeCloseMeansEOFAfterDrain(t *testing.T) {
	a, b := stream.Pipe(64, 0)
	defer b.Close()

	_, err := a.Send([]byte("bye"))
	be.Err(t, err, nil)
	a.Close()

	buf := make([]byte, 16)
	n, err := b.Recv(buf)
	be.Err(t, err, nil)
	be.Equal(t, string(buf[:n]), "bye")

	_, err = b.Recv(buf)
	be.Err(t, err, io.EOF)

	_, err = b.Send([]byte("x"))
	be.Err(t, err, io.ErrClosedPipe)
}

func TestPipeWaitWakesOnData(t *testing.T) {
	a, b := stream.Pipe(64, 0)
	defer a.Close()
	defer b.Close()

	var w poll.Waiter
	b.RecvWait(&w)
	go func() {
		_, _ = a.Send([]byte("ping"))
	}()
	be.Err(t, w.Block(t.Context()), nil)

	buf := make([]byte, 16)
	n, err := b.Recv(buf)
	be.Err(t, err, nil)
	be.Equal(t, string(buf[:n]), "ping")
}

func TestPipeRecvWaitImmediateWhenReady(t *testing.T) {
	a, b := stream.Pipe(64, 0)
	defer a.Close()
	defer b.Close()

	_, err := a.Send([]byte("x"))
	be.Err(t, err, nil)

	// Data is already buffered: Block must not sleep.
	var w poll.Waiter
	b.RecvWait(&w)
	be.Err(t, w.Block(t.Context()), nil)
}

// connectBlock polls Connect over the readiness layer until it resolves.
func connectBlock(t *testing.T, st stream.Stream) {
	t.Helper()
	var w poll.Waiter
	for {
		err := st.Connect()
		if err == nil {
			return
		}
		if !errors.Is(err, stream.ErrAgain) {
			t.Fatalf("connect: %v", err)
		}
		w.Reset()
		st.Wait(&w)
		be.Err(t, w.Block(t.Context()), nil)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := stream.Listen("tcp:127.0.0.1:0")
	be.Err(t, err, nil)
	defer ln.Close()

	acceptCh := make(chan stream.Stream, 1)
	go func() {
		st, err := ln.Accept()
		if err == nil {
			acceptCh <- st
		}
	}()

	client, err := stream.Open(ln.Name())
	be.Err(t, err, nil)
	defer client.Close()
	connectBlock(t, client)

	server := <-acceptCh
	defer server.Close()

	n, err := client.Send([]byte("over tcp"))
	be.Err(t, err, nil)
	be.Equal(t, n, 8)

	// The bytes cross goroutines and the loopback; wait for them.
	var w poll.Waiter
	buf := make([]byte, 32)
	var got []byte
	for len(got) < 8 {
		n, err := server.Recv(buf)
		if errors.Is(err, stream.ErrAgain) {
			w.Reset()
			server.RecvWait(&w)
			be.Err(t, w.Block(t.Context()), nil)
			continue
		}
		be.Err(t, err, nil)
		got = append(got, buf[:n]...)
	}
	be.Equal(t, string(got), "over tcp")

	// Closing the client surfaces EOF on the server side.
	client.Close()
	for {
		_, err := server.Recv(buf)
		if errors.Is(err, stream.ErrAgain) {
			w.Reset()
			server.RecvWait(&w)
			be.Err(t, w.Block(t.Context()), nil)
			continue
		}
		be.Err(t, err, io.EOF)
		break
	}
}

func TestTCPConnectFailure(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing accepts
	// on; the dial must resolve to an error, not hang.
	ln, err := stream.Listen("tcp:127.0.0.1:0")
	be.Err(t, err, nil)
	name := ln.Name()
	ln.Close()

	st, err := stream.Open(name)
	be.Err(t, err, nil)
	defer st.Close()

	var w poll.Waiter
	for {
		err := st.Connect()
		if errors.Is(err, stream.ErrAgain) {
			w.Reset()
			st.Wait(&w)
			be.Err(t, w.Block(t.Context()), nil)
			continue
		}
		be.Err(t, err)
		break
	}
}
