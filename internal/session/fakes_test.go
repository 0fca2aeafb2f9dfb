package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/upscale"
)

// fakeRemote is a scriptable rpc.Service.
type fakeRemote struct {
	mu        sync.Mutex
	replies   chan rpc.ReplyFunc
	observers map[string]progress.Callback
	added     int
	removed   int
	sendErr   error
	pingErr   error
	pings     int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		replies:   make(chan rpc.ReplyFunc, 8),
		observers: make(map[string]progress.Callback),
	}
}

func (f *fakeRemote) UpscaleImage(_ context.Context, _ upscale.Request, reply rpc.ReplyFunc) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.replies <- reply
	return nil
}

func (f *fakeRemote) AddProgressObserver(_ context.Context, id string, cb progress.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers[id] = cb
	f.added++
	return nil
}

func (f *fakeRemote) RemoveProgressObserver(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.observers, id)
	f.removed++
	return nil
}

func (f *fakeRemote) Ping(_ context.Context, id string) (rpc.PingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pingErr != nil {
		return rpc.PingResult{}, f.pingErr
	}
	_, ok := f.observers[id]
	return rpc.PingResult{WorkerID: "fake", Registered: ok, Observers: len(f.observers)}, nil
}

// emit sends ev to every registered observer.
func (f *fakeRemote) emit(ev progress.Event) {
	f.mu.Lock()
	cbs := make([]progress.Callback, 0, len(f.observers))
	for _, cb := range f.observers {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		_ = cb(ev)
	}
}

func (f *fakeRemote) dropObservers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = make(map[string]progress.Callback)
}

func (f *fakeRemote) counts() (added, removed, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added, f.removed, f.pings
}

// nextReply waits for the reply func of the next submitted request.
func (f *fakeRemote) nextReply(timeout time.Duration) (rpc.ReplyFunc, error) {
	select {
	case r := <-f.replies:
		return r, nil
	case <-time.After(timeout):
		return nil, errors.New("no request submitted")
	}
}

type fakeConn struct {
	handlers  rpc.Handlers
	remote    *fakeRemote
	remoteErr error
	closed    atomic.Bool
}

func (c *fakeConn) Remote() (rpc.Service, error) {
	if c.remoteErr != nil {
		return nil, c.remoteErr
	}
	return c.remote, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) interrupt() {
	c.handlers.OnInterrupted(errors.New("connection reset"))
}

func (c *fakeConn) invalidate() {
	c.handlers.OnInvalidated()
}

// fakeDialer hands out fakeConns sharing one fakeRemote, tracking dial concurrency.
type fakeDialer struct {
	remote *fakeRemote
	delay  time.Duration

	mu        sync.Mutex
	conns     []*fakeConn
	failures  int // number of upcoming dials that fail
	remoteErr error

	active    atomic.Int32
	maxActive atomic.Int32
	dials     atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{remote: newFakeRemote()}
}

func (d *fakeDialer) Dial(h rpc.Handlers) (rpc.Conn, error) {
	d.dials.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{handlers: h, remote: d.remote, remoteErr: d.remoteErr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}
