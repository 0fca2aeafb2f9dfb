package rpc

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService emits three progress events then replies with result.
type fakeService struct {
	reg    *progress.Registry
	result error
	hold   chan struct{} // when set, replies wait for it to close
}

func (f *fakeService) UpscaleImage(_ context.Context, req upscale.Request, reply ReplyFunc) error {
	if err := req.Validate(); err != nil {
		return err
	}
	go func() {
		for _, p := range []float64{10, 50, 100} {
			f.reg.NotifyAll(progress.Event{JobID: "job-1", Percentage: p, RawMessage: "x%", Timestamp: time.Now()})
		}
		if f.hold != nil {
			<-f.hold
		}
		reply(Reply{JobID: "job-1", Err: f.result})
	}()
	return nil
}

func (f *fakeService) AddProgressObserver(_ context.Context, id string, cb progress.Callback) error {
	f.reg.Register(id, cb)
	return nil
}

func (f *fakeService) RemoveProgressObserver(_ context.Context, id string) error {
	f.reg.Unregister(id)
	return nil
}

func (f *fakeService) Ping(_ context.Context, id string) (PingResult, error) {
	return PingResult{WorkerID: "test-worker", Registered: f.reg.Has(id), Observers: f.reg.Len()}, nil
}

type harness struct {
	server *Server
	worker *nats.Conn
	svc    *fakeService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server := NewServer(ServerOptions{Port: RandomPort, Name: "test", Logger: testLogger()})
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	svc := &fakeService{reg: progress.NewRegistry(testLogger())}
	endpoint := NewEndpoint(nc, svc, testLogger())
	require.NoError(t, endpoint.Start(context.Background()))
	t.Cleanup(endpoint.Stop)

	return &harness{server: server, worker: nc, svc: svc}
}

func (h *harness) dial(t *testing.T, clientID string, handlers Handlers) Conn {
	t.Helper()
	d := &NATSDialer{URL: h.server.ClientURL(), ClientID: clientID, Logger: testLogger()}
	conn, err := d.Dial(handlers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type timeline struct {
	mu      sync.Mutex
	entries []string
	done    chan Reply
}

func newTimeline() *timeline {
	return &timeline{done: make(chan Reply, 2)}
}

func (tl *timeline) add(s string) {
	tl.mu.Lock()
	tl.entries = append(tl.entries, s)
	tl.mu.Unlock()
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.entries...)
}

func waitReply(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
		return Reply{}
	}
}

var validRequest = upscale.Request{InputPath: "/in.png", OutputPath: "/out.png", Scale: 2}

func TestProgressArrivesBeforeResult(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "client-a", Handlers{})
	svc, err := conn.Remote()
	require.NoError(t, err)

	tl := newTimeline()
	require.NoError(t, svc.AddProgressObserver(context.Background(), "client-a", func(ev progress.Event) error {
		tl.add("progress")
		return nil
	}))

	require.NoError(t, svc.UpscaleImage(context.Background(), validRequest, func(r Reply) {
		tl.add("result")
		tl.done <- r
	}))

	r := waitReply(t, tl.done)
	require.NoError(t, r.Err)
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, []string{"progress", "progress", "progress", "result"}, tl.snapshot())
}

func TestErrorKindsCrossTheWire(t *testing.T) {
	h := newHarness(t)
	h.svc.result = upscale.NewProcessError(3, "vkQueueSubmit failed")
	conn := h.dial(t, "client-b", Handlers{})
	svc, err := conn.Remote()
	require.NoError(t, err)

	replies := make(chan Reply, 1)
	require.NoError(t, svc.UpscaleImage(context.Background(), validRequest, func(r Reply) { replies <- r }))

	r := waitReply(t, replies)
	var upErr *upscale.Error
	require.ErrorAs(t, r.Err, &upErr)
	assert.Equal(t, upscale.KindProcessFailed, upErr.Kind)
	assert.Equal(t, 3, upErr.ExitCode)
	assert.Equal(t, "vkQueueSubmit failed", upErr.Diagnostic)
}

func TestSynchronousRejectionIsReplied(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "client-c", Handlers{})
	svc, err := conn.Remote()
	require.NoError(t, err)

	replies := make(chan Reply, 1)
	require.NoError(t, svc.UpscaleImage(context.Background(), upscale.Request{InputPath: "/a", OutputPath: "/b", Scale: 7}, func(r Reply) { replies <- r }))

	assert.Equal(t, upscale.KindInvalidRequest, upscale.KindOf(waitReply(t, replies).Err))
}

func TestVersionMismatchRejected(t *testing.T) {
	h := newHarness(t)

	nc, err := nats.Connect(h.server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	data, err := UpscaleMessage{Version: 99, CorrelationID: "c1", ClientID: "raw", Request: validRequest}.Marshal()
	require.NoError(t, err)

	msg, err := nc.Request(SubjectUpscale, data, 2*time.Second)
	require.NoError(t, err)

	reply, err := UnmarshalReply(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "c1", reply.CorrelationID)
	assert.Equal(t, upscale.KindInvalidRequest, upscale.KindOf(reply.Error.Err()))
}

func TestUnknownCorrelationDiscarded(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "client-d", Handlers{})
	svc, err := conn.Remote()
	require.NoError(t, err)

	data, err := ReplyMessage{Version: ProtocolVersion, CorrelationID: "nobody"}.Marshal()
	require.NoError(t, err)
	require.NoError(t, h.worker.Publish(SubjectClientReply("client-d", "nobody"), data))
	require.NoError(t, h.worker.Flush())

	// The connection keeps working afterwards.
	_, err = svc.Ping(context.Background(), "client-d")
	require.NoError(t, err)
}

func TestRemoveObserverStopsDelivery(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "client-e", Handlers{})
	svc, err := conn.Remote()
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	require.NoError(t, svc.AddProgressObserver(context.Background(), "obs", func(progress.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	ping, err := svc.Ping(context.Background(), "obs")
	require.NoError(t, err)
	assert.True(t, ping.Registered)
	assert.Equal(t, "test-worker", ping.WorkerID)

	require.NoError(t, svc.RemoveProgressObserver(context.Background(), "obs"))
	ping, err = svc.Ping(context.Background(), "obs")
	require.NoError(t, err)
	assert.False(t, ping.Registered)

	replies := make(chan Reply, 1)
	require.NoError(t, svc.UpscaleImage(context.Background(), validRequest, func(r Reply) { replies <- r }))
	waitReply(t, replies)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestServerShutdownSignalsAndDropsPending(t *testing.T) {
	h := newHarness(t)
	h.svc.hold = make(chan struct{})
	defer close(h.svc.hold)

	interrupted := make(chan error, 1)
	invalidated := make(chan struct{}, 1)
	conn := h.dial(t, "client-f", Handlers{
		OnInterrupted: func(err error) { interrupted <- err },
		OnInvalidated: func() { invalidated <- struct{}{} },
	})
	svc, err := conn.Remote()
	require.NoError(t, err)

	replies := make(chan Reply, 2)
	require.NoError(t, svc.UpscaleImage(context.Background(), validRequest, func(r Reply) { replies <- r }))

	h.server.Stop()

	select {
	case <-interrupted:
	case <-time.After(3 * time.Second):
		t.Fatal("OnInterrupted not called")
	}
	select {
	case <-invalidated:
	case <-time.After(3 * time.Second):
		t.Fatal("OnInvalidated not called")
	}

	// The caller's request timer owns the outcome of a dropped request.
	select {
	case r := <-replies:
		t.Fatalf("pending reply resolved on connection loss: %v", r.Err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err = conn.Remote()
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestDeliberateCloseIsSilent(t *testing.T) {
	h := newHarness(t)
	h.svc.hold = make(chan struct{})
	defer close(h.svc.hold)

	signalled := make(chan struct{}, 2)
	conn := h.dial(t, "client-g", Handlers{
		OnInterrupted: func(error) { signalled <- struct{}{} },
		OnInvalidated: func() { signalled <- struct{}{} },
	})
	svc, err := conn.Remote()
	require.NoError(t, err)

	replies := make(chan Reply, 2)
	require.NoError(t, svc.UpscaleImage(context.Background(), validRequest, func(r Reply) { replies <- r }))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-signalled:
		t.Fatal("handlers must not fire on Close")
	case r := <-replies:
		t.Fatalf("pending reply resolved on Close: %v", r.Err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = conn.Remote()
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestDialFailures(t *testing.T) {
	tests := map[string]struct {
		dialer *NATSDialer
	}{
		"No server should fail.": {
			dialer: &NATSDialer{URL: "nats://127.0.0.1:1", ClientID: "x", ConnectTimeout: 200 * time.Millisecond},
		},
		"A client id with a dot should be rejected.": {
			dialer: &NATSDialer{URL: "nats://127.0.0.1:1", ClientID: "a.b"},
		},
		"An empty client id should be rejected.": {
			dialer: &NATSDialer{URL: "nats://127.0.0.1:1"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			conn, err := test.dialer.Dial(Handlers{})
			assert.Error(t, err)
			assert.Nil(t, conn)
		})
	}
}

func TestErrorPayloadConversion(t *testing.T) {
	assert.Nil(t, NewErrorPayload(nil))
	assert.NoError(t, (*ErrorPayload)(nil).Err())

	p := NewErrorPayload(io.EOF)
	assert.Equal(t, upscale.KindUnknown, p.Kind)

	p = NewErrorPayload(upscale.NewError(upscale.KindResourceMissing, "upscaler resources unavailable", io.ErrUnexpectedEOF))
	assert.Equal(t, upscale.KindResourceMissing, p.Kind)
	assert.Contains(t, p.Message, "unexpected EOF")
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "upscaler.client.abc.>", SubjectClientAll("abc"))
	assert.Equal(t, "upscaler.client.abc.reply.c1", SubjectClientReply("abc", "c1"))
	assert.Equal(t, "upscaler.client.abc.progress", SubjectClientProgress("abc"))
	assert.True(t, ValidToken("7b0d9c6e-6c1f-4c55-9a55-3f9f1a3e2d10"))
	assert.False(t, ValidToken("a b"))
}

func TestServerTokenAuth(t *testing.T) {
	server := NewServer(ServerOptions{Port: RandomPort, Token: "s3cret", Logger: testLogger()})
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	assert.True(t, server.IsRunning())

	tests := map[string]struct {
		token   string
		wantErr bool
	}{
		"no token":      {wantErr: true},
		"wrong token":   {token: "nope", wantErr: true},
		"correct token": {token: "s3cret"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := &NATSDialer{URL: server.ClientURL(), ClientID: "auth-client", Token: tc.token, Logger: testLogger()}
			conn, err := d.Dial(Handlers{})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, server.NumClients(), 1)
			require.NoError(t, conn.Close())
		})
	}
}
