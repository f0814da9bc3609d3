package storage

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"storage-rpc/broker"
	"storage-rpc/client"
	"storage-rpc/config"
	"storage-rpc/loadbalance"
	"storage-rpc/message"
	"storage-rpc/registry"
	"storage-rpc/server"
)

type recorded struct {
	method string
	args   []json.RawMessage
}

// storageServer is an in-memory storage server reached through net.Pipe.
type storageServer struct {
	svr   *server.Server
	calls chan recorded

	dials    atomic.Int32
	failures atomic.Int32 // upcoming dials to refuse
	gate     chan struct{}

	mu   sync.Mutex
	ends []net.Conn
}

func newStorageServer() *storageServer {
	s := &storageServer{
		svr:   server.NewServer(server.WithLogger(zerolog.Nop())),
		calls: make(chan recorded, 64),
	}
	broker.New(zerolog.Nop()).Register(s.svr)

	record := func(method string, result any) {
		s.svr.Handle(method, func(ctx context.Context, args []json.RawMessage, respond server.Responder) {
			s.calls <- recorded{method, args}
			respond(nil, result)
		})
	}
	for _, m := range []string{"dbRequest", "dbUpdate", "dbBulk", "dbFindEx", "queueAddMulti", "dbResetAllData"} {
		record(m, true)
	}
	record("dbEnvGet", "42")
	s.svr.Handle("queueWhenAllDone", func(ctx context.Context, args []json.RawMessage, respond server.Responder) {
		s.calls <- recorded{"queueWhenAllDone", args}
	})
	return s
}

func (s *storageServer) dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	s.dials.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	local, remote := net.Pipe()
	s.mu.Lock()
	s.ends = append(s.ends, remote)
	s.mu.Unlock()
	go s.svr.ServeConn(remote)
	return local, nil
}

// drop closes every connection from the server side.
func (s *storageServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.ends {
		c.Close()
	}
	s.ends = nil
}

func (s *storageServer) next(c *qt.C) recorded {
	select {
	case r := <-s.calls:
		return r
	case <-time.After(2 * time.Second):
		c.Fatal("server received no call")
	}
	return recorded{}
}

func newProxy(c *qt.C, s *storageServer, clk *testclock.Clock) *Proxy {
	p, err := New(config.Storage{
		Port:        21025,
		RetryDelay:  time.Second,
		Collections: []string{"rooms", "users"},
	}, WithClock(clk), WithDialer(s.dial), WithLogger(zerolog.Nop()))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { p.Close() })
	return p
}

func waitFor(c *qt.C, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func args(c *qt.C, raw []json.RawMessage) string {
	b, err := json.Marshal(raw)
	c.Assert(err, qt.IsNil)
	return string(b)
}

func TestMissingPort(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	_, err := New(config.Storage{}, WithDialer(s.dial))
	c.Assert(errors.Is(err, config.ErrConfiguration), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, ".*STORAGE_PORT environment variable is not set.*")
	c.Assert(s.dials.Load(), qt.Equals, int32(0))
}

func TestConnect(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))

	c.Assert(p.Connected(), qt.IsFalse)
	c.Assert(p.Connect(context.Background()), qt.IsNil)
	c.Assert(p.State(), qt.Equals, Connected)

	// Connecting again is a no-op.
	c.Assert(p.Connect(context.Background()), qt.IsNil)
	c.Assert(s.dials.Load(), qt.Equals, int32(1))
}

func TestConcurrentConnect(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	s.gate = make(chan struct{})
	p := newProxy(c, s, testclock.NewClock(time.Now()))

	errs := make(chan error, 2)
	go func() { errs <- p.Connect(context.Background()) }()
	waitFor(c, "first dial", func() bool { return s.dials.Load() == 1 })
	c.Assert(p.State(), qt.Equals, Connecting)
	go func() { errs <- p.Connect(context.Background()) }()

	close(s.gate)
	for i := 0; i < 2; i++ {
		c.Assert(<-errs, qt.IsNil)
	}
	c.Assert(s.dials.Load(), qt.Equals, int32(1))
	c.Assert(p.Connected(), qt.IsTrue)
}

func TestReconnectAfterDelay(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	clk := testclock.NewClock(time.Now())
	p := newProxy(c, s, clk)
	c.Assert(p.Connect(context.Background()), qt.IsNil)

	s.drop()
	waitFor(c, "disconnect", func() bool { return !p.Connected() })

	c.Assert(clk.WaitAdvance(999*time.Millisecond, time.Second, 1), qt.IsNil)
	time.Sleep(20 * time.Millisecond)
	c.Assert(p.Connected(), qt.IsFalse)
	c.Assert(s.dials.Load(), qt.Equals, int32(1))

	clk.Advance(time.Millisecond)
	waitFor(c, "reconnect", p.Connected)
	c.Assert(s.dials.Load(), qt.Equals, int32(2))
}

func TestRetryAfterFailedDial(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	s.failures.Store(2)
	clk := testclock.NewClock(time.Now())
	p := newProxy(c, s, clk)

	c.Assert(p.Connect(context.Background()), qt.ErrorMatches, ".*connection refused.*")
	c.Assert(p.State(), qt.Equals, Disconnected)

	// Each failure schedules exactly one more attempt after the same delay.
	c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(c, "second dial", func() bool { return s.dials.Load() == 2 })
	c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(c, "reconnect", p.Connected)
	c.Assert(s.dials.Load(), qt.Equals, int32(3))
}

func TestPendingRequestsFailOnLoss(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))
	c.Assert(p.Connect(context.Background()), qt.IsNil)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Queue().WhenAllDone(context.Background(), "rooms")
		errs <- err
	}()
	c.Assert(s.next(c).method, qt.Equals, "queueWhenAllDone")

	s.drop()
	select {
	case err := <-errs:
		c.Assert(errors.Is(err, client.ErrTransport), qt.IsTrue, qt.Commentf("%v", err))
	case <-time.After(2 * time.Second):
		c.Fatal("pending request was not rejected")
	}

	waitFor(c, "disconnect", func() bool { return !p.Connected() })
	_, err := p.Env().Get(context.Background(), EnvKeyGameTime)
	c.Assert(errors.Is(err, ErrNotConnected), qt.IsTrue)
}

func TestCollections(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))
	ctx := context.Background()

	_, err := p.DB("rooms")
	c.Assert(errors.Is(err, ErrNotConnected), qt.IsTrue)

	c.Assert(p.Connect(ctx), qt.IsNil)
	rooms, err := p.DB("rooms")
	c.Assert(err, qt.IsNil)
	users, err := p.DB("users")
	c.Assert(err, qt.IsNil)
	_, err = p.DB("rooms.objects")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)

	_, err = rooms.Find(ctx, map[string]string{"_id": "W1N1"})
	c.Assert(err, qt.IsNil)
	r := s.next(c)
	c.Assert(r.method, qt.Equals, "dbRequest")
	c.Assert(args(c, r.args), qt.Equals, `["rooms","find",[{"_id":"W1N1"}]]`)

	_, err = users.Count(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(args(c, s.next(c).args), qt.Equals, `["users","count",[]]`)

	_, err = users.Update(ctx, map[string]int{"money": 1}, map[string]any{"$set": map[string]int{"money": 2}}, nil)
	c.Assert(err, qt.IsNil)
	r = s.next(c)
	c.Assert(r.method, qt.Equals, "dbUpdate")
	c.Assert(args(c, r.args), qt.Equals, `["users",{"money":1},{"$set":{"money":2}},null]`)

	_, err = rooms.Bulk(ctx, []any{})
	c.Assert(err, qt.IsNil)
	r = s.next(c)
	c.Assert(r.method, qt.Equals, "dbBulk")
	c.Assert(args(c, r.args), qt.Equals, `["rooms",[]]`)

	ok, err := Decode[bool](rooms.FindEx(ctx, map[string]any{}, map[string]int{"limit": 10}))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	r = s.next(c)
	c.Assert(r.method, qt.Equals, "dbFindEx")
	c.Assert(args(c, r.args), qt.Equals, `["rooms",{},{"limit":10}]`)
}

func TestCollectionsRebuiltOnReconnect(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	clk := testclock.NewClock(time.Now())
	p := newProxy(c, s, clk)
	c.Assert(p.Connect(context.Background()), qt.IsNil)
	before, err := p.DB("rooms")
	c.Assert(err, qt.IsNil)

	s.drop()
	waitFor(c, "disconnect", func() bool { return !p.Connected() })
	c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(c, "reconnect", p.Connected)

	after, err := p.DB("rooms")
	c.Assert(err, qt.IsNil)
	c.Assert(after, qt.Not(qt.Equals), before)
	_, err = before.Find(context.Background())
	c.Assert(errors.Is(err, client.ErrShutdown), qt.IsTrue)
	_, err = after.Find(context.Background())
	c.Assert(err, qt.IsNil)
}

func TestEnvAndQueue(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))
	ctx := context.Background()
	c.Assert(p.Connect(ctx), qt.IsNil)

	gameTime, err := Decode[string](p.Env().Get(ctx, EnvKeyGameTime))
	c.Assert(err, qt.IsNil)
	c.Assert(gameTime, qt.Equals, "42")
	c.Assert(args(c, s.next(c).args), qt.Equals, `["gameTime"]`)

	_, err = p.Queue().AddMulti(ctx, "rooms", []string{"W1N1", "W2N2"})
	c.Assert(err, qt.IsNil)
	c.Assert(args(c, s.next(c).args), qt.Equals, `["rooms",["W1N1","W2N2"]]`)

	_, err = p.Env().Hget(ctx, EnvKeyMemory+"1", "creeps")
	c.Assert(message.HasCode(err, message.CodeMethodNotFound), qt.IsTrue)
}

func TestSubscriptionsReplayed(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	clk := testclock.NewClock(time.Now())
	p := newProxy(c, s, clk)
	ctx := context.Background()

	got := make(chan string, 8)
	// Subscribed before the first connection.
	c.Assert(p.PubSub().Subscribe(PubSubKeyTickStarted, func(channel string, data json.RawMessage) {
		got <- channel + "=" + string(data)
	}), qt.IsNil)
	c.Assert(p.Connect(ctx), qt.IsNil)

	expect := func(want string) {
		select {
		case v := <-got:
			c.Assert(v, qt.Equals, want)
		case <-time.After(2 * time.Second):
			c.Fatalf("no publication, want %s", want)
		}
	}

	c.Assert(p.PubSub().Publish(ctx, PubSubKeyTickStarted, 1), qt.IsNil)
	expect("tickStarted=1")

	s.drop()
	waitFor(c, "disconnect", func() bool { return !p.Connected() })
	c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(c, "reconnect", p.Connected)

	c.Assert(p.PubSub().Publish(ctx, PubSubKeyTickStarted, 2), qt.IsNil)
	expect("tickStarted=2")
	select {
	case v := <-got:
		c.Fatalf("duplicate delivery %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerCallsStorage(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))
	ctx := context.Background()
	c.Assert(p.Connect(ctx), qt.IsNil)

	got := make(chan string, 1)
	c.Assert(p.PubSub().Subscribe(PubSubKeyTickStarted, func(_ string, data json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		raw, err := p.Env().Get(ctx, EnvKeyGameTime)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(data) + " " + string(raw)
	}), qt.IsNil)

	c.Assert(p.PubSub().Publish(ctx, PubSubKeyTickStarted, 7), qt.IsNil)
	select {
	case v := <-got:
		c.Assert(v, qt.Equals, `7 "42"`)
	case <-time.After(2 * time.Second):
		c.Fatal("listener never finished")
	}
}

func TestResetAllData(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	p := newProxy(c, s, testclock.NewClock(time.Now()))

	p.ResetAllData()
	c.Assert(p.Connect(context.Background()), qt.IsNil)
	p.ResetAllData()
	r := s.next(c)
	c.Assert(r.method, qt.Equals, "dbResetAllData")
	c.Assert(r.args, qt.HasLen, 0)
}

func TestCloseStopsRetry(t *testing.T) {
	c := qt.New(t)
	s := newStorageServer()
	clk := testclock.NewClock(time.Now())
	p := newProxy(c, s, clk)
	c.Assert(p.Connect(context.Background()), qt.IsNil)

	s.drop()
	waitFor(c, "disconnect", func() bool { return !p.Connected() })
	c.Assert(p.Close(), qt.IsNil)

	clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	c.Assert(s.dials.Load(), qt.Equals, int32(1))
	c.Assert(errors.Is(p.Connect(context.Background()), ErrClosed), qt.IsTrue)
	c.Assert(errors.Is(p.PubSub().Subscribe("x", func(string, json.RawMessage) {}), ErrClosed), qt.IsTrue)
}

type fakeRegistry struct {
	instances []registry.ServiceInstance
	updates   chan []registry.ServiceInstance // nil: Watch is unsupported
}

func (r *fakeRegistry) Register(context.Context, string, registry.ServiceInstance, int64) error {
	return nil
}

func (r *fakeRegistry) Deregister(context.Context, string, string) error { return nil }

func (r *fakeRegistry) Discover(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	if name != registry.DefaultService {
		return nil, nil
	}
	return r.instances, nil
}

func (r *fakeRegistry) Watch(context.Context, string) <-chan []registry.ServiceInstance {
	if r.updates == nil {
		return nil
	}
	return r.updates
}

func TestRegistryResolver(t *testing.T) {
	c := qt.New(t)
	reg := &fakeRegistry{instances: []registry.ServiceInstance{
		{Addr: "10.0.0.1:21025"}, {Addr: "10.0.0.2:21025"}, {Addr: "10.0.0.3:21025"},
	}}
	s := newStorageServer()

	var dialed []string
	dial := func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		dialed = append(dialed, addr)
		return s.dial(ctx, addr)
	}
	resolver := &RegistryResolver{Registry: reg, Service: registry.DefaultService}
	clk := testclock.NewClock(time.Now())
	p, err := New(config.Storage{RetryDelay: time.Second}, WithResolver(resolver), WithDialer(dial), WithClock(clk), WithLogger(zerolog.Nop()))
	c.Assert(err, qt.IsNil)
	defer p.Close()
	resolver.Balancer = loadbalance.NewConsistentHashBalancer(p.ID())

	c.Assert(p.Connect(context.Background()), qt.IsNil)
	s.drop()
	waitFor(c, "disconnect", func() bool { return !p.Connected() })
	c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(c, "reconnect", p.Connected)

	c.Assert(dialed, qt.HasLen, 2)
	c.Assert(dialed[1], qt.Equals, dialed[0])

	empty := &RegistryResolver{Registry: reg, Service: "other", Balancer: &loadbalance.RoundRobinBalancer{}}
	_, err = empty.Resolve(context.Background())
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestRegistryResolverWatch(t *testing.T) {
	c := qt.New(t)
	reg := &fakeRegistry{
		instances: []registry.ServiceInstance{{Addr: "10.0.0.9:21025"}},
		updates:   make(chan []registry.ServiceInstance),
	}
	resolver := &RegistryResolver{Registry: reg, Service: registry.DefaultService, Balancer: &loadbalance.RoundRobinBalancer{}}
	ctx := context.Background()

	addr, err := resolver.Resolve(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(addr, qt.Equals, "10.0.0.9:21025")

	resolver.Watch(ctx)
	reg.updates <- []registry.ServiceInstance{{Addr: "10.0.0.1:21025"}}
	waitFor(c, "watched instances", func() bool {
		addr, _ := resolver.Resolve(ctx)
		return addr == "10.0.0.1:21025"
	})

	// Every server gone: nothing to pick, even though Discover would still answer.
	reg.updates <- nil
	waitFor(c, "empty update", func() bool {
		_, err := resolver.Resolve(ctx)
		return errors.Is(err, loadbalance.ErrNoInstances)
	})

	// Once the watch ends, Resolve asks the registry again.
	close(reg.updates)
	waitFor(c, "fallback to discover", func() bool {
		addr, _ := resolver.Resolve(ctx)
		return addr == "10.0.0.9:21025"
	})
}
