package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// The etcd tests need a live cluster; point STORAGE_RPC_TEST_ETCD at it.
func testRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("STORAGE_RPC_TEST_ETCD")
	if endpoints == "" {
		t.Skip("STORAGE_RPC_TEST_ETCD not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := testRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "storage-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "storage-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "storage-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister(ctx, "storage-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "storage-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	// Cleanup
	reg.Deregister(ctx, "storage-test", inst2.Addr)
}

func TestWatch(t *testing.T) {
	reg := testRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates := reg.Watch(ctx, "storage-watch")
	time.Sleep(100 * time.Millisecond)

	inst := ServiceInstance{Addr: "127.0.0.1:8101", Weight: 1}
	if err := reg.Register(ctx, "storage-watch", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "storage-watch", inst.Addr)

	select {
	case instances := <-updates:
		if len(instances) != 1 || instances[0].Addr != inst.Addr {
			t.Fatalf("unexpected watch update: %+v", instances)
		}
	case <-ctx.Done():
		t.Fatal("no watch update received")
	}
}
