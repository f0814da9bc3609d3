// Package storage is the caller-side proxy to a storage server.
//
// A Proxy owns one RPC connection at a time. It connects lazily, rebuilds its
// collection wrappers on every new connection, and when the connection is lost it
// waits a fixed delay and connects again:
//
//	DISCONNECTED ──Connect──→ CONNECTING ──ok──→ CONNECTED
//	     ↑                        │                  │
//	     └──── retry timer ←──fail┘←───── lost ──────┘
//
// Requests that are pending when the connection is lost fail with
// client.ErrTransport. They are not retried.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storage-rpc/client"
	"storage-rpc/config"
)

const (
	// ErrNotConnected is returned by operations issued while the proxy has no connection.
	ErrNotConnected = errors.ConstError("storage is not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.ConstError("storage proxy is closed")
)

// retryTimeout bounds a connection attempt started by the retry timer.
const retryTimeout = 10 * time.Second

// State is the connection state of a Proxy.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Dialer opens the byte stream to a storage server.
type Dialer func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

func dialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithClock sets the clock driving the retry timer.
func WithClock(clk clock.Clock) Option {
	return func(p *Proxy) { p.clock = clk }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial Dialer) Option {
	return func(p *Proxy) { p.dial = dial }
}

// WithResolver sets how the server address is found. Without it the proxy dials the
// configured host and port.
func WithResolver(r Resolver) Option {
	return func(p *Proxy) { p.resolver = r }
}

// WithLogger sets the proxy logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// Proxy is the storage connection of one process.
type Proxy struct {
	id       string
	cfg      config.Storage
	clock    clock.Clock
	dial     Dialer
	resolver Resolver
	logger   zerolog.Logger
	closers  []io.Closer

	subMu     sync.Mutex                   // serializes subscribing and replay; taken before mu
	listeners map[string][]client.Listener // subscription channel → listeners, kept across connections

	mu          sync.Mutex
	state       State
	cli         *client.Client
	collections map[string]*Collection
	attempt     chan struct{} // closed when the running connection attempt ends
	attemptErr  error
	retry       clock.Timer
	closed      bool
}

// New creates a disconnected proxy. Without a resolver the configuration must name
// a port; a missing port is reported here, before anything is dialed.
func New(cfg config.Storage, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		id:          uuid.NewString(),
		cfg:         cfg,
		clock:       clock.WallClock,
		dial:        dialTCP,
		listeners:   make(map[string][]client.Listener),
		collections: make(map[string]*Collection),
	}
	p.logger = log.Logger.With().Str("component", "storage").Str("proxy", p.id).Logger()
	for _, opt := range opts {
		opt(p)
	}
	if p.resolver == nil {
		if cfg.Port == 0 {
			return nil, errors.Annotatef(config.ErrConfiguration, "%s environment variable is not set", config.EnvStoragePort)
		}
		p.resolver = StaticResolver(cfg.Addr())
	}
	if p.cfg.RetryDelay <= 0 {
		p.cfg.RetryDelay = time.Second
	}
	return p, nil
}

// ID identifies this proxy. Registry resolvers use it to keep a proxy on the same
// server across reconnects.
func (p *Proxy) ID() string {
	return p.id
}

// State returns the current connection state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connected reports whether the proxy currently has a connection.
func (p *Proxy) Connected() bool {
	return p.State() == Connected
}

// Connect establishes the connection. It returns at once when already connected and
// waits for the running attempt when one is in progress. A failed attempt schedules
// a retry after the configured delay.
func (p *Proxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	switch p.state {
	case Connected:
		p.mu.Unlock()
		return nil
	case Connecting:
		attempt := p.attempt
		p.mu.Unlock()
		select {
		case <-attempt:
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.attemptErr
		case <-ctx.Done():
			return errors.Annotate(ctx.Err(), "waiting for storage connection")
		}
	}
	p.state = Connecting
	p.attempt = make(chan struct{})
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	p.mu.Unlock()

	err := p.establish(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = Disconnected
		if !p.closed {
			p.logger.Error().Err(err).Dur("retry", p.cfg.RetryDelay).Msg("storage connection failed")
			p.scheduleRetryLocked()
		}
	}
	p.attemptErr = err
	close(p.attempt)
	return err
}

func (p *Proxy) establish(ctx context.Context) error {
	addr, err := p.resolver.Resolve(ctx)
	if err != nil {
		return errors.Annotate(err, "resolving storage address")
	}
	p.logger.Info().Str("addr", addr).Msg("connecting to storage")
	rwc, err := p.dial(ctx, addr)
	if err != nil {
		return errors.Annotatef(err, "connecting to storage at %s", addr)
	}
	cli := client.NewClient(rwc, client.WithLogger(p.logger))

	p.subMu.Lock()
	defer p.subMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cli.Close()
		return ErrClosed
	}
	p.cli = cli
	p.collections = make(map[string]*Collection, len(p.cfg.Collections))
	for _, name := range p.cfg.Collections {
		p.collections[name] = &Collection{name: name, cli: cli}
	}
	p.state = Connected
	p.mu.Unlock()

	go p.watch(cli)

	for channel := range p.listeners {
		if err := cli.Subscribe(channel, p.fanout(channel)); err != nil {
			// The watch goroutine sees the broken connection and reconnects.
			p.logger.Warn().Err(err).Str("channel", channel).Msg("replaying subscription")
		}
	}
	p.logger.Info().Str("addr", addr).Int("subscriptions", len(p.listeners)).Msg("connected to storage")
	return nil
}

// watch waits for cli to lose its connection.
func (p *Proxy) watch(cli *client.Client) {
	<-cli.Done()
	p.lost(cli, cli.Err())
}

func (p *Proxy) lost(cli *client.Client, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli != cli {
		return
	}
	p.cli = nil
	p.collections = make(map[string]*Collection)
	p.state = Disconnected
	if p.closed {
		return
	}
	p.logger.Error().Err(cause).Dur("retry", p.cfg.RetryDelay).Msg("storage connection lost")
	p.scheduleRetryLocked()
}

func (p *Proxy) scheduleRetryLocked() {
	if p.retry != nil {
		p.retry.Stop()
	}
	p.retry = p.clock.AfterFunc(p.cfg.RetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		defer cancel()
		// A failure reschedules itself inside Connect.
		p.Connect(ctx)
	})
}

// Close stops reconnecting and closes the connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	cli := p.cli
	p.cli = nil
	p.collections = make(map[string]*Collection)
	p.state = Disconnected
	p.mu.Unlock()

	var err error
	if cli != nil {
		err = cli.Close()
	}
	for _, c := range p.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return errors.Trace(err)
}

// DB returns the wrapper of a configured collection, bound to the current connection.
func (p *Proxy) DB(name string) (*Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli == nil {
		return nil, errors.Annotatef(ErrNotConnected, "collection %q", name)
	}
	c, ok := p.collections[name]
	if !ok {
		return nil, errors.NotFoundf("collection %q", name)
	}
	return c, nil
}

// Collections lists the configured collection names.
func (p *Proxy) Collections() []string {
	return append([]string(nil), p.cfg.Collections...)
}

func (p *Proxy) client() (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.cli == nil {
		return nil, ErrNotConnected
	}
	return p.cli, nil
}

// Call forwards method and args over the current connection. The method name is
// not interpreted; Env, Queue and PubSub cover the well-known ones.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	cli, err := p.client()
	if err != nil {
		return nil, errors.Annotatef(err, "calling %s", method)
	}
	return cli.Call(ctx, method, args...)
}

// ResetAllData asks the server to reset all data and does not wait for the answer.
// It does nothing while disconnected.
func (p *Proxy) ResetAllData() {
	cli, err := p.client()
	if err != nil {
		p.logger.Warn().Err(err).Msg("dbResetAllData not sent")
		return
	}
	cli.Go("dbResetAllData")
}

// subscribe adds a listener that survives reconnects.
func (p *Proxy) subscribe(channel string, fn client.Listener) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	first := len(p.listeners[channel]) == 0
	p.listeners[channel] = append(p.listeners[channel], fn)
	cli := p.cli
	p.mu.Unlock()

	if !first || cli == nil {
		// Replayed when the next connection comes up.
		return nil
	}
	return cli.Subscribe(channel, p.fanout(channel))
}

// fanout returns the client listener for one subscription channel.
func (p *Proxy) fanout(subscription string) client.Listener {
	return func(channel string, data json.RawMessage) {
		p.mu.Lock()
		fns := append([]client.Listener(nil), p.listeners[subscription]...)
		p.mu.Unlock()
		for _, fn := range fns {
			fn(channel, data)
		}
	}
}
