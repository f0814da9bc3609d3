// Package client implements the storage-rpc client.
//
// A Client multiplexes concurrent calls over a single connection. Each request gets
// an id from a per-connection counter, and a background goroutine (recvLoop) reads
// frames and routes each response to the call waiting on that id. Publications
// travel on the same connection and are handed to a local hub, which runs each
// listener on its own goroutine in publication order. A listener may therefore
// make calls through the same client.
//
//	goroutine-1 ──Go(id=1)──┐
//	goroutine-2 ──Go(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Go(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → goroutine-2 wakes up
//	           ←── pubsub(tickStarted) → hub → listeners["tickStarted"], listeners["*"]
package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storage-rpc/logging"
	"storage-rpc/message"
	"storage-rpc/protocol"
)

const (
	// ErrTransport fails calls that were pending when the connection was lost.
	ErrTransport = errors.ConstError("storage connection lost")

	// ErrShutdown fails calls made after the client was closed or lost its connection.
	ErrShutdown = errors.ConstError("client is shut down")
)

// Listener receives publications. Each listener gets its publications one at a
// time, in the order the server sent them, off the receive goroutine.
type Listener func(channel string, data json.RawMessage)

// Call is an RPC in flight. Done receives the call itself once Result or Error is set.
type Call struct {
	ID     uint64
	Method string
	Args   []any
	Result json.RawMessage
	Error  error
	Done   chan *Call
}

func (call *Call) done() {
	// Done is buffered with room for exactly this one send.
	call.Done <- call
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMaxFrameSize bounds incoming frames; 0 disables the limit.
func WithMaxFrameSize(n uint32) Option {
	return func(c *Client) { c.maxFrameSize = n }
}

// Client is the caller side of one connection.
type Client struct {
	conn         io.ReadWriteCloser
	maxFrameSize uint32
	logger       zerolog.Logger

	sending sync.Mutex // serializes id allocation and frame writes
	seq     uint64     // last id handed out, guarded by sending

	mu         sync.Mutex
	pending    map[uint64]*Call
	hub        *pubsub.SimpleHub
	unsubs     []func()
	subscribed map[string]bool // channels a Subscribe message was written for
	closed     bool
	err        error

	done chan struct{}
}

// NewClient wraps a connected stream and starts reading from it.
func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		logger:       log.Logger.With().Str("component", "client").Logger(),
		pending:      make(map[uint64]*Call),
		subscribed:   make(map[string]bool),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: logging.HubLogger{Logger: c.logger}})
	go c.recvLoop()
	return c
}

// Dial connects to a storage server. TCP keep-alive probes take the place of an
// application heartbeat, which the wire format does not have.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing storage at %s", address)
	}
	return NewClient(conn, opts...), nil
}

// Go sends a request and returns immediately. The call's Done channel receives it
// when the matching response arrives or the connection is lost.
func (c *Client) Go(method string, args ...any) *Call {
	call := &Call{Method: method, Args: args, Done: make(chan *Call, 1)}

	rawArgs := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			call.Error = errors.Annotatef(err, "encoding argument %d of %s", i+1, method)
			call.done()
			return call
		}
		rawArgs = append(rawArgs, raw)
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Error = ErrShutdown
		call.done()
		return call
	}
	c.seq++
	call.ID = c.seq
	// Register before writing so a fast response always finds its call.
	c.pending[call.ID] = call
	c.mu.Unlock()

	err := protocol.WriteFrame(c.conn, message.Request{ID: call.ID, Method: method, Args: rawArgs})
	if err != nil {
		if c.forget(call.ID) {
			call.Error = errors.Annotatef(ErrTransport, "sending %s: %v", method, err)
			call.done()
		}
	}
	return call
}

// Call sends a request and waits for its result. If ctx ends first the call is
// forgotten locally; the server is not told, and a late response is dropped.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	call := c.Go(method, args...)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		if !c.forget(call.ID) {
			// Completed while we were giving up.
			<-call.Done
			return call.Result, call.Error
		}
		return nil, errors.Annotatef(ctx.Err(), "waiting for %s", method)
	}
}

// Subscribe registers fn for publications on channel; the wildcard channel receives
// every publication. The server is asked for each distinct channel only once.
func (c *Client) Subscribe(channel string, fn Listener) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.unsubs = append(c.unsubs, c.listen(channel, fn))
	first := !c.subscribed[channel]
	c.subscribed[channel] = true
	c.mu.Unlock()

	if !first {
		return nil
	}
	if err := protocol.WriteFrame(c.conn, message.NewSubscribe(channel)); err != nil {
		c.mu.Lock()
		delete(c.subscribed, channel)
		c.mu.Unlock()
		return errors.Annotatef(ErrTransport, "subscribing to %q: %v", channel, err)
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the connection. Pending calls fail with ErrTransport.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// recvLoop runs in a dedicated goroutine and is the only reader of the connection,
// since frame boundaries can only be recovered by reading the stream sequentially.
func (c *Client) recvLoop() {
	dec := protocol.NewDecoder[message.Message](c.maxFrameSize)
	err := protocol.Pump(c.conn, dec, c.process)
	c.terminate(err)
}

func (c *Client) process(msg message.Message) {
	switch kind := msg.Kind(); kind {
	case message.KindPublish:
		c.publish(*msg.Pubsub)
	case message.KindResponse:
		c.resolve(msg)
	default:
		c.logger.Warn().Stringer("kind", kind).Uint64("id", msg.ID).Msg("dropping unexpected message")
	}
}

func (c *Client) resolve(msg message.Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Uint64("id", msg.ID).Msg("invalid request id")
		return
	}
	if msg.Failed() {
		call.Error = &message.RemoteError{Value: msg.Error}
	} else {
		call.Result = msg.Result
	}
	call.done()
}

// listen subscribes fn on the local hub. Wildcard listeners match every channel,
// so a publication on the wildcard channel itself reaches each listener once.
func (c *Client) listen(channel string, fn Listener) func() {
	handler := func(topic string, data interface{}) {
		raw, _ := data.(json.RawMessage)
		fn(topic, raw)
	}
	if channel == message.Wildcard {
		return c.hub.SubscribeMatch(func(string) bool { return true }, handler)
	}
	return c.hub.Subscribe(channel, handler)
}

// publish queues p for the listeners of its channel and for wildcard listeners.
// It never waits for a listener to run.
func (c *Client) publish(p message.Publication) {
	c.mu.Lock()
	wanted := c.subscribed[p.Channel] || c.subscribed[message.Wildcard]
	c.mu.Unlock()

	if !wanted {
		c.logger.Warn().Str("channel", p.Channel).Msg("publication for unsubscribed channel")
		return
	}
	c.hub.Publish(p.Channel, p.Data)
}

// forget removes a pending call and reports whether it was still pending.
func (c *Client) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// terminate is called once when the connection breaks. Every pending call fails
// with ErrTransport so no caller waits forever.
func (c *Client) terminate(cause error) {
	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) || errors.Is(cause, io.ErrClosedPipe) {
		cause = errors.Annotate(ErrTransport, "connection closed")
	} else {
		cause = errors.Annotatef(ErrTransport, "%v", cause)
	}

	c.mu.Lock()
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[uint64]*Call)
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	c.conn.Close()
	for _, call := range pending {
		call.Error = cause
		call.done()
	}
	if len(pending) > 0 {
		c.logger.Error().Err(cause).Int("pending", len(pending)).Msg("failed pending calls")
	}
	close(c.done)
}
