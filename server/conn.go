package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"storage-rpc/message"
	"storage-rpc/protocol"
)

// conn is the server side of one connection. It owns the connection's
// subscription registry; the registry is torn down when the connection closes.
type conn struct {
	svr    *Server
	rwc    io.ReadWriteCloser
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	writeMu sync.Mutex // one frame at a time; responses and notifications share the stream

	mu     sync.Mutex
	subs   map[string]func() // channel → unsubscribe
	closed bool
}

func newConn(svr *Server, rwc io.ReadWriteCloser) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	logger := svr.logger
	if ra, ok := rwc.(interface{ RemoteAddr() net.Addr }); ok {
		logger = logger.With().Str("remote", ra.RemoteAddr().String()).Logger()
	}
	return &conn{
		svr:    svr,
		rwc:    rwc,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		subs:   make(map[string]func()),
	}
}

// serve reads frames until the stream ends. Frames are handled strictly in arrival
// order on this goroutine.
func (c *conn) serve() error {
	defer c.close()
	dec := protocol.NewDecoder[message.Message](c.svr.maxFrameSize)
	return protocol.Pump(c.rwc, dec, c.process)
}

func (c *conn) process(msg message.Message) {
	switch kind := msg.Kind(); kind {
	case message.KindSubscribe:
		c.subscribe(msg.Channel)
	case message.KindRequest:
		c.dispatch(msg)
	default:
		c.logger.Warn().Stringer("kind", kind).Uint64("id", msg.ID).Msg("dropping unexpected message")
	}
}

// dispatch runs one request through the middleware chain. The response is written
// whenever the handler calls respond; only the first call counts.
func (c *conn) dispatch(msg message.Message) {
	args := msg.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	req := &message.Request{ID: msg.ID, Method: msg.Method, Args: args}

	if !c.svr.admit() {
		c.writeResponse(req.ID, message.Errorf(message.CodeShuttingDown, "server is shutting down"), nil)
		return
	}
	var once sync.Once
	respond := func(err error, result any) {
		once.Do(func() {
			defer c.svr.wg.Done()
			c.writeResponse(req.ID, err, result)
		})
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("method", req.Method).Interface("panic", r).Msg("handler panicked")
			respond(message.Errorf(message.CodeInternal, "panic in %s: %v", req.Method, r), nil)
		}
	}()
	c.svr.chain()(c.ctx, req, respond)
}

func (c *conn) writeResponse(id uint64, err error, result any) {
	resp := message.Response{ID: id}
	if err != nil {
		resp.Error = message.EncodeError(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = message.EncodeError(message.Errorf(message.CodeInternal, "encoding result: %v", merr))
		} else {
			resp.Result = raw
		}
	}
	if werr := c.write(resp); werr != nil {
		c.logger.Debug().Err(werr).Uint64("id", id).Msg("dropping response")
	}
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.rwc, v)
}

// subscribe applies the subscription rules: one subscription per channel, and the
// wildcard replaces every other subscription and locks the registry until the
// connection goes away.
func (c *conn) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.subs[message.Wildcard]; ok {
		return
	}
	if channel == message.Wildcard {
		c.unsubscribeAllLocked()
	}
	if _, ok := c.subs[channel]; ok {
		return
	}

	ps := c.svr.pubSub()
	if ps == nil {
		c.logger.Warn().Str("channel", channel).Msg("subscribe ignored: no pubsub backend")
		return
	}
	c.subs[channel] = ps.Subscribe(channel, func(p message.Publication) {
		if err := c.write(message.Notification{Pubsub: p}); err != nil {
			c.logger.Debug().Err(err).Str("channel", p.Channel).Msg("dropping publication")
		}
	})
	c.logger.Debug().Str("channel", channel).Msg("subscribed")
}

func (c *conn) unsubscribeAllLocked() {
	for channel, unsubscribe := range c.subs {
		unsubscribe()
		delete(c.subs, channel)
	}
}

// subscriptions returns the subscribed channels.
func (c *conn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	return channels
}

// close shuts the stream and releases every subscription. Safe to call twice.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	// Close first so deliveries in flight fail fast instead of blocking on the stream.
	if err := c.rwc.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("closing connection")
	}
	c.unsubscribeAllLocked()
}
