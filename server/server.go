// Package server implements the storage-rpc server: it accepts connections, decodes
// frames, dispatches requests into a method table through a middleware chain, and
// relays publications to subscribed connections.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (one goroutine reads and dispatches frames in order)
//	  → request: middleware chain → businessHandler → method table handler
//	    → handler calls respond (now or later, from any goroutine) → write response
//	  → subscribe: PubSub.Subscribe → publications written as notifications
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storage-rpc/message"
	"storage-rpc/middleware"
	"storage-rpc/protocol"
	"storage-rpc/registry"
)

// Responder delivers a handler's outcome; see middleware.Responder.
type Responder = middleware.Responder

// Handler is one entry of the method table. It receives the request arguments
// exactly as sent and must call respond once, possibly later and from another
// goroutine. Handlers run on the connection's read goroutine, so a slow handler
// should respond asynchronously instead of blocking.
type Handler func(ctx context.Context, args []json.RawMessage, respond Responder)

// PubSub is the publication source behind Subscribe messages. deliver is called for
// every publication on channel (every channel for the wildcard) until the returned
// function is called.
type PubSub interface {
	Subscribe(channel string, deliver func(message.Publication)) (unsubscribe func())
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPubSub sets the subscription backend.
func WithPubSub(ps PubSub) Option {
	return func(s *Server) { s.pubsub = ps }
}

// WithMaxFrameSize bounds incoming frames; 0 disables the limit.
func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

// WithServiceName sets the name the server registers under.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithRegistrationTTL sets the registry lease TTL in seconds.
func WithRegistrationTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// Server is the RPC server that owns the method table and serves connections.
type Server struct {
	mu       sync.RWMutex
	methods  map[string]Handler // method table: "dbEnvGet" → handler
	pubsub   PubSub
	listener net.Listener

	wg          sync.WaitGroup          // in-flight requests, for graceful shutdown
	shutdown    atomic.Bool             // set during shutdown to suppress Accept errors
	draining    bool                    // no new requests are admitted; guarded by mu
	middlewares []middleware.Middleware // applied in order
	chainOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // routable address registered in the registry
	serviceName   string
	ttl           int64
	unregister    context.CancelFunc

	connMu sync.Mutex
	conns  map[*conn]struct{}

	maxFrameSize uint32
	logger       zerolog.Logger
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		methods:      make(map[string]Handler),
		conns:        make(map[*conn]struct{}),
		serviceName:  registry.DefaultService,
		ttl:          10,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		logger:       log.Logger.With().Str("component", "server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle adds method to the method table, replacing any previous handler.
func (svr *Server) Handle(method string, h Handler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.methods[method] = h
}

// Register adds every exported method of rcvr that has a handler-compatible
// signature; see NewService.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for name, mType := range svc.method {
		svr.Handle(name, svc.handler(name, mType))
	}
	svr.logger.Debug().Str("service", svc.name).Int("methods", len(svc.method)).Msg("service registered")
	return nil
}

// SetPubSub replaces the subscription backend. Connections that already subscribed
// keep their existing subscriptions.
func (svr *Server) SetPubSub(ps PubSub) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.pubsub = ps
}

func (svr *Server) pubSub() PubSub {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.pubsub
}

// Use registers a middleware. Middlewares are applied in the order they are added
// and must be registered before the first connection is served.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// chain builds the middleware chain once (not per request).
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (svr *Server) chain() middleware.HandlerFunc {
	svr.chainOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler
}

// Serve listens on the given address and serves until Shutdown.
//
//   - advertiseAddr: the address to register (e.g. "10.0.0.5:21025"). It differs from
//     the listen address because ":21025" is not routable from other hosts.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", address)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted from l, one goroutine per connection.
func (svr *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	svr.chain()

	if reg != nil && advertiseAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		instance := registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}
		if err := reg.Register(ctx, svr.serviceName, instance, svr.ttl); err != nil {
			cancel()
			l.Close()
			return errors.Annotate(err, "registering server")
		}
		svr.mu.Lock()
		svr.registry, svr.advertiseAddr, svr.unregister = reg, advertiseAddr, cancel
		svr.mu.Unlock()
	}

	svr.logger.Info().Str("addr", l.Addr().String()).Msg("storage rpc server listening")
	for {
		c, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Trace(err)
		}
		go func() {
			if err := svr.ServeConn(c); err != nil {
				svr.logger.Warn().Err(err).Str("remote", c.RemoteAddr().String()).Msg("connection closed with error")
			}
		}()
	}
}

// ServeConn serves one connected duplex stream until it is closed or a framing
// error occurs. It returns nil when the peer closes the stream cleanly.
func (svr *Server) ServeConn(rwc io.ReadWriteCloser) error {
	c := newConn(svr, rwc)
	svr.connMu.Lock()
	svr.conns[c] = struct{}{}
	svr.connMu.Unlock()
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, c)
		svr.connMu.Unlock()
	}()

	err := c.serve()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so proxies stop picking this server
//  2. Set the shutdown flag so the Accept error is recognized as intentional
//  3. Close the listener and stop admitting requests on open connections
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections, releasing their subscriptions
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr, unregister, l := svr.registry, svr.advertiseAddr, svr.unregister, svr.listener
	svr.mu.RUnlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, svr.serviceName, addr); err != nil {
			svr.logger.Warn().Err(err).Msg("deregistering server")
		}
		cancel()
		unregister()
	}

	svr.shutdown.Store(true)
	if l != nil {
		l.Close()
	}
	// After this no dispatch calls wg.Add, so Wait below cannot race it.
	svr.mu.Lock()
	svr.draining = true
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	conns := make([]*conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return err
}

// businessHandler is the end of the middleware chain: it looks the method up in the
// method table and hands the request over.
// admit counts a request as in flight unless the server is draining.
func (svr *Server) admit() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.draining {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) businessHandler(ctx context.Context, req *message.Request, respond middleware.Responder) {
	svr.mu.RLock()
	h, ok := svr.methods[req.Method]
	svr.mu.RUnlock()
	if !ok {
		respond(message.Errorf(message.CodeMethodNotFound, "method %q is not registered", req.Method), nil)
		return
	}
	h(ctx, req.Args, middleware.Once(respond))
}
