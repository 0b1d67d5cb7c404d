package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/sharding-system/pkg/transport"
)

func startEchoServer(t *testing.T) *transport.Server {
	t.Helper()
	srv, err := transport.Listen("127.0.0.1:0", func(ctx context.Context, env transport.Envelope) transport.Reply {
		return transport.Reply{OK: true}
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestAcquireDialsThenReuses(t *testing.T) {
	srv := startEchoServer(t)
	var created int
	pool := New(4, time.Second, Hooks{OnCreate: func(string, *transport.Conn) { created++ }})
	t.Cleanup(pool.FlushAll)

	ctx := context.Background()
	h1, err := pool.Acquire(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h1.Release()

	h2, err := pool.Acquire(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2.Release()

	if created != 1 {
		t.Fatalf("expected exactly one dial across two acquires, got %d", created)
	}
	if pool.Idle(srv.Addr()) != 1 {
		t.Fatalf("expected one idle connection after release, got %d", pool.Idle(srv.Addr()))
	}
}

func TestDiscardDoesNotReturnToPool(t *testing.T) {
	srv := startEchoServer(t)
	pool := New(4, time.Second, Hooks{})
	t.Cleanup(pool.FlushAll)

	h, err := pool.Acquire(context.Background(), srv.Addr())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Discard()

	if pool.Idle(srv.Addr()) != 0 {
		t.Fatalf("expected no idle connections after discard")
	}
}

func TestMaxPerHostCapDestroysExcess(t *testing.T) {
	srv := startEchoServer(t)
	var destroyed int
	pool := New(1, time.Second, Hooks{OnDestroy: func(string, *transport.Conn) { destroyed++ }})
	t.Cleanup(pool.FlushAll)

	ctx := context.Background()
	h1, _ := pool.Acquire(ctx, srv.Addr())
	h2, _ := pool.Acquire(ctx, srv.Addr())
	h1.Release()
	h2.Release()

	if pool.Idle(srv.Addr()) != 1 {
		t.Fatalf("expected pool to cap idle connections at 1, got %d", pool.Idle(srv.Addr()))
	}
	if destroyed != 1 {
		t.Fatalf("expected the excess connection to be destroyed, got %d destroyed", destroyed)
	}
}

func TestFlushClosesIdleConnections(t *testing.T) {
	srv := startEchoServer(t)
	pool := New(4, time.Second, Hooks{})
	t.Cleanup(pool.FlushAll)

	h, _ := pool.Acquire(context.Background(), srv.Addr())
	h.Release()
	pool.Flush(srv.Addr())

	if pool.Idle(srv.Addr()) != 0 {
		t.Fatalf("expected flush to clear the idle stack")
	}
}
