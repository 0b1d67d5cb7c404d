// Package connpool implements a per-host connection pool for the framed
// shard RPC transport. It is deliberately simple: a LIFO stack of idle
// connections per host, a soft per-host cap, and a mutex that guards only
// the bookkeeping around the stack — never the I/O itself. Generalizes a
// double-checked-locking getConnection into a stack-of-handles design
// rather than a single shared *sql.DB per host.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharding-system/pkg/transport"
)

// Hooks let callers observe connection lifecycle events, e.g. to stamp
// metrics or run an auth handshake right after dial.
type Hooks struct {
	OnCreate    func(host string, conn *transport.Conn)
	OnHandedOut func(host string, conn *transport.Conn)
	OnDestroy   func(host string, conn *transport.Conn)
}

// Pool is a per-host pool of transport connections.
type Pool struct {
	mu          sync.Mutex
	stacks      map[string][]*pooledConn
	maxPerHost  int
	dialTimeout time.Duration
	hooks       Hooks
}

type pooledConn struct {
	conn     *transport.Conn
	acquired time.Time
}

// New creates a Pool. maxPerHost is a soft cap: acquiring beyond it does not
// block or error, it simply dials a connection that won't be retained on
// release.
func New(maxPerHost int, dialTimeout time.Duration, hooks Hooks) *Pool {
	return &Pool{
		stacks:      make(map[string][]*pooledConn),
		maxPerHost:  maxPerHost,
		dialTimeout: dialTimeout,
		hooks:       hooks,
	}
}

// Handle is a checked-out connection. Callers must call Release (on success)
// or Discard (on any I/O error) exactly once. A Handle that is dropped
// without either call is never reclaimed: its connection stays open, is not
// returned to the pool and is not counted as destroyed.
type Handle struct {
	pool     *Pool
	host     string
	conn     *transport.Conn
	finished bool
}

// Conn exposes the underlying transport connection for making calls.
func (h *Handle) Conn() *transport.Conn { return h.conn }

// Release returns a healthy connection to its host's pool.
func (h *Handle) Release() {
	if h.finished {
		return
	}
	h.finished = true
	h.pool.release(h.host, h.conn)
}

// Discard closes the connection and does not return it to the pool. Callers
// must use this instead of Release whenever the connection's last call
// failed or the connection was explicitly marked failed.
func (h *Handle) Discard() {
	if h.finished {
		return
	}
	h.finished = true
	h.pool.destroy(h.host, h.conn)
}

// Acquire returns a Handle to host, reusing an idle connection from the
// stack when one is available and healthy, otherwise dialing a new one.
func (p *Pool) Acquire(ctx context.Context, host string) (*Handle, error) {
	p.mu.Lock()
	stack := p.stacks[host]
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p.stacks[host] = stack
		p.mu.Unlock()

		if top.conn.Probe() {
			if p.hooks.OnHandedOut != nil {
				p.hooks.OnHandedOut(host, top.conn)
			}
			return &Handle{pool: p, host: host, conn: top.conn}, nil
		}
		top.conn.Close()
		if p.hooks.OnDestroy != nil {
			p.hooks.OnDestroy(host, top.conn)
		}

		p.mu.Lock()
		stack = p.stacks[host]
	}
	p.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if p.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}
	conn, err := transport.Dial(dialCtx, host)
	if err != nil {
		return nil, fmt.Errorf("connpool: acquire %s: %w", host, err)
	}
	if p.hooks.OnCreate != nil {
		p.hooks.OnCreate(host, conn)
	}
	if p.hooks.OnHandedOut != nil {
		p.hooks.OnHandedOut(host, conn)
	}
	return &Handle{pool: p, host: host, conn: conn}, nil
}

func (p *Pool) release(host string, conn *transport.Conn) {
	if conn.Failed() {
		p.destroy(host, conn)
		return
	}

	p.mu.Lock()
	if len(p.stacks[host]) >= p.maxPerHost {
		p.mu.Unlock()
		p.destroy(host, conn)
		return
	}
	p.stacks[host] = append(p.stacks[host], &pooledConn{conn: conn, acquired: time.Now()})
	p.mu.Unlock()
}

func (p *Pool) destroy(host string, conn *transport.Conn) {
	conn.Close()
	if p.hooks.OnDestroy != nil {
		p.hooks.OnDestroy(host, conn)
	}
}

// Flush closes and discards every idle connection for host. Live checked-out
// handles are unaffected; they close themselves on their next Discard.
func (p *Pool) Flush(host string) {
	p.mu.Lock()
	stack := p.stacks[host]
	delete(p.stacks, host)
	p.mu.Unlock()

	for _, pc := range stack {
		pc.conn.Close()
		if p.hooks.OnDestroy != nil {
			p.hooks.OnDestroy(host, pc.conn)
		}
	}
}

// FlushAll closes every idle connection across all hosts, e.g. on shutdown.
func (p *Pool) FlushAll() {
	p.mu.Lock()
	hosts := make([]string, 0, len(p.stacks))
	for h := range p.stacks {
		hosts = append(hosts, h)
	}
	p.mu.Unlock()

	for _, h := range hosts {
		p.Flush(h)
	}
}

// Idle returns the number of idle pooled connections for host.
func (p *Pool) Idle(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stacks[host])
}
