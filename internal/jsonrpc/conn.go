package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pkarhunen/wireline/internal/poll"
	"github.com/pkarhunen/wireline/internal/stream"
)

// inputChunk is how many bytes one stream read pulls into the input buffer.
const inputChunk = 512

// Conn is a JSON-RPC connection over a single byte stream.
//
// All operations are non-blocking and must be driven from one cooperative
// task; the *Block variants loop over the readiness layer. Errors latch: the
// first terminal failure closes the stream, empties both queues, and every
// later operation reports the same error. A peer close latches as io.EOF.
type Conn struct {
	stream stream.Stream
	name   string

	err error // latched terminal condition; nil while healthy

	in     []byte   // raw bytes pulled from the stream, not yet scanned
	scan   *scanner // in-progress value scan, created lazily
	staged *Message // decoded message awaiting Recv

	out     [][]byte // FIFO of serialized messages; head may be partially sent
	backlog int      // unsent bytes across out

	log     *slog.Logger
	warnLim *rate.Limiter
}

// NewConn takes ownership of st, which must already be connected. A nil
// logger falls back to slog.Default.
func NewConn(st stream.Stream, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		stream:  st,
		name:    st.Name(),
		log:     logger.With(slog.String("conn", st.Name())),
		warnLim: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Name returns the name of the stream the connection runs over.
func (c *Conn) Name() string { return c.name }

// Err returns the latched terminal error, or nil while the connection is
// healthy. Once non-nil it never changes.
func (c *Conn) Err() error { return c.err }

// Backlog returns the number of queued output bytes the stream has not yet
// accepted.
func (c *Conn) Backlog() int { return c.backlog }

// Close releases everything the connection owns. The handle is unusable
// afterwards.
func (c *Conn) Close() error {
	if c.err == nil {
		c.stream.Close()
	}
	c.in = nil
	c.scan = nil
	c.staged = nil
	c.out = nil
	c.backlog = 0
	return nil
}

// warn logs at Warn level, rate limited per connection.
func (c *Conn) warn(msg string, attrs ...any) {
	if c.warnLim.Allow() {
		c.log.Warn(msg, attrs...)
	}
}

// hardError latches err: the stream is closed and every queue dropped, and
// all further operations report err. The first latch wins.
func (c *Conn) hardError(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.stream.Close()
	c.in = nil
	c.scan = nil
	c.staged = nil
	c.out = nil
	c.backlog = 0
}

// Fail forces a latch with the given error, for callers that detect a fatal
// condition out of band. err must be non-nil; a latch already in place wins.
func (c *Conn) Fail(err error) {
	if err == nil {
		panic("jsonrpc: Fail with nil error")
	}
	c.hardError(err)
}

// Send serializes msg, queues it for transmission, and makes one flush
// attempt if the queue was previously empty. The message is consumed. It
// returns nil on success or the latched error; a message that fails
// validation is not queued and its encode error is returned without
// latching.
func (c *Conn) Send(msg *Message) error {
	if c.err != nil {
		return c.err
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.out = append(c.out, buf)
	c.backlog += len(buf)
	if len(c.out) == 1 {
		c.Run()
	}
	return c.err
}

// Run flushes as much queued output as the stream will accept without
// blocking. A stream error other than would-block latches.
func (c *Conn) Run() {
	for c.err == nil && len(c.out) > 0 {
		head := c.out[0]
		n, err := c.stream.Send(head)
		if n > 0 {
			c.backlog -= n
			if n == len(head) {
				c.out = c.out[1:]
			} else {
				c.out[0] = head[n:]
			}
			continue
		}
		if errors.Is(err, stream.ErrAgain) {
			return
		}
		c.warn("send failed", slog.Any("error", err))
		c.hardError(err)
	}
}

// Recv returns the next complete message. It reports stream.ErrAgain when
// no full message has arrived yet; any other error is terminal. Protocol
// violations latch as ErrProtocol, peer closure as io.EOF.
func (c *Conn) Recv() (*Message, error) {
	if c.err != nil {
		return nil, c.err
	}
	for c.staged == nil {
		if len(c.in) == 0 {
			buf := make([]byte, inputChunk)
			n, err := c.stream.Recv(buf)
			if err != nil {
				if errors.Is(err, stream.ErrAgain) {
					return nil, err
				}
				if errors.Is(err, io.EOF) {
					c.hardError(io.EOF)
				} else {
					c.warn("receive failed", slog.Any("error", err))
					c.hardError(err)
				}
				return nil, c.err
			}
			if n == 0 {
				c.hardError(io.EOF)
				return nil, c.err
			}
			c.in = buf[:n]
		}
		if c.scan == nil {
			c.scan = &scanner{}
		}
		used, done := c.scan.feed(c.in)
		c.in = c.in[used:]
		if !done {
			continue
		}
		data, err := c.scan.finish()
		c.scan = nil
		if err != nil {
			c.warn("invalid JSON", slog.String("error", err.Error()))
			c.hardError(fmt.Errorf("%w: %v", ErrProtocol, err))
			return nil, c.err
		}
		msg := new(Message)
		if err := json.Unmarshal(data, msg); err != nil {
			c.warn("invalid JSON-RPC message", slog.String("error", err.Error()))
			c.hardError(fmt.Errorf("%w: %v", ErrProtocol, err))
			return nil, c.err
		}
		c.staged = msg
	}
	msg := c.staged
	c.staged = nil
	return msg, nil
}

// Wait registers readiness interest: stream progress always, writability
// while output is queued.
func (c *Conn) Wait(w *poll.Waiter) {
	if c.err != nil {
		w.Immediate()
		return
	}
	c.stream.Wait(w)
	if len(c.out) > 0 {
		c.stream.SendWait(w)
	}
}

// RecvWait requests an immediate wake when a message is already staged or
// buffered input remains to scan, and otherwise registers readability
// interest.
func (c *Conn) RecvWait(w *poll.Waiter) {
	if c.err != nil || c.staged != nil || len(c.in) > 0 {
		w.Immediate()
		return
	}
	c.stream.RecvWait(w)
}

// SendBlock queues msg, then waits until the stream has accepted every
// queued byte or the connection latches.
func (c *Conn) SendBlock(ctx context.Context, msg *Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	var w poll.Waiter
	for c.backlog > 0 {
		c.Run()
		if c.err != nil {
			return c.err
		}
		if c.backlog == 0 {
			break
		}
		w.Reset()
		c.Wait(&w)
		if err := w.Block(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecvBlock waits for the next message.
func (c *Conn) RecvBlock(ctx context.Context) (*Message, error) {
	var w poll.Waiter
	for {
		msg, err := c.Recv()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, stream.ErrAgain) {
			return nil, err
		}
		c.Run()
		w.Reset()
		c.Wait(&w)
		c.RecvWait(&w)
		if err := w.Block(ctx); err != nil {
			return nil, err
		}
	}
}

// TransactBlock sends req and waits for the Reply or Error carrying its id,
// silently discarding every unrelated message that arrives in between. It
// is therefore only safe on a connection the caller is not otherwise
// multiplexing.
func (c *Conn) TransactBlock(ctx context.Context, req *Message) (*Message, error) {
	id := cloneRaw(req.ID)
	if err := c.SendBlock(ctx, req); err != nil {
		return nil, err
	}
	for {
		msg, err := c.RecvBlock(ctx)
		if err != nil {
			return nil, err
		}
		if (msg.Type == TypeReply || msg.Type == TypeError) && rawEqual(msg.ID, id) {
			return msg, nil
		}
	}
}
