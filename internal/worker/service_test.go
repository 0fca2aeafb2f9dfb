package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/upscaler/internal/events"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/supervisor"
	"github.com/smazurov/upscaler/internal/upscale"
	"github.com/smazurov/upscaler/internal/waifu2x"
)

const waitFor = 5 * time.Second

const outputArg = `#!/bin/sh
out=""
for a in "$@"; do
  [ "$prev" = "-o" ] && out="$a"
  prev="$a"
done
`

const successScript = outputArg + `
echo "25.00%" >&2
echo "75.00%" >&2
printf 'png' > "$out"
`

// exclusiveScript fails with exit 9 if another copy is running in the same directory.
const exclusiveScript = outputArg + `
mkdir running.lock 2>/dev/null || exit 9
sleep 0.2
rmdir running.lock
printf 'png' > "$out"
`

const sleepScript = `#!/bin/sh
exec sleep 10
`

func newResourceRoot(t *testing.T, script string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, waifu2x.DefaultExecutable), []byte(script), 0o755))
	models := filepath.Join(root, waifu2x.DefaultModelDir)
	require.NoError(t, os.Mkdir(models, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "noise2_scale2.0x_model.bin"), []byte("x"), 0o644))
	return root
}

func newRequest(t *testing.T) upscale.Request {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(in, []byte("png"), 0o644))
	return upscale.Request{InputPath: in, OutputPath: filepath.Join(dir, "out.png"), Scale: 2}
}

func newService(t *testing.T, script string, bus *events.Bus, mutate ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{ID: "worker-test"}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := New(cfg, supervisor.Config{
		ResourceRoot:    newResourceRoot(t, script),
		Options:         waifu2x.DefaultOptions(),
		GracefulTimeout: 100 * time.Millisecond,
	}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func submit(t *testing.T, svc *Service, req upscale.Request) <-chan rpc.Reply {
	t.Helper()
	ch := make(chan rpc.Reply, 1)
	require.NoError(t, svc.UpscaleImage(context.Background(), req, func(r rpc.Reply) { ch <- r }))
	return ch
}

func await(t *testing.T, ch <-chan rpc.Reply) rpc.Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("no reply")
		return rpc.Reply{}
	}
}

func TestUpscaleSuccess(t *testing.T) {
	bus := events.New()
	finished := make(chan events.JobFinishedEvent, 1)
	unsub := bus.Subscribe(func(e events.JobFinishedEvent) { finished <- e })
	defer unsub()

	svc := newService(t, successScript, bus)

	var mu sync.Mutex
	var got []float64
	require.NoError(t, svc.AddProgressObserver(context.Background(), "obs", func(ev progress.Event) error {
		mu.Lock()
		got = append(got, ev.Percentage)
		mu.Unlock()
		return nil
	}))

	reply := await(t, submit(t, svc, newRequest(t)))
	require.NoError(t, reply.Err)
	require.NotEmpty(t, reply.JobID)

	mu.Lock()
	assert.Equal(t, []float64{25, 75}, got)
	mu.Unlock()

	rec, ok := svc.Jobs().Get(reply.JobID)
	require.True(t, ok)
	assert.Equal(t, JobSucceeded, rec.State)
	assert.Equal(t, 0, rec.ExitCode)
	assert.InDelta(t, 100, rec.Progress, 0)
	assert.Equal(t, 0, svc.Jobs().Active())

	select {
	case e := <-finished:
		assert.Equal(t, reply.JobID, e.JobID)
		assert.True(t, e.Success)
	case <-time.After(waitFor):
		t.Fatal("no JobFinishedEvent")
	}
}

func TestUpscaleFailureRecorded(t *testing.T) {
	svc := newService(t, outputArg+"echo 'vkCreateInstance failed' >&2\nexit 3\n", nil)

	reply := await(t, submit(t, svc, newRequest(t)))
	assert.Equal(t, upscale.KindProcessFailed, upscale.KindOf(reply.Err))

	rec, ok := svc.Jobs().Get(reply.JobID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, rec.State)
	assert.Equal(t, string(upscale.KindProcessFailed), rec.ErrorKind)
	assert.Equal(t, 3, rec.ExitCode)
}

func TestConcurrencyLimit(t *testing.T) {
	svc := newService(t, exclusiveScript, nil, func(c *Config) { c.MaxConcurrent = 1 })

	var chans []<-chan rpc.Reply
	for range 3 {
		chans = append(chans, submit(t, svc, newRequest(t)))
	}
	for _, ch := range chans {
		assert.NoError(t, await(t, ch).Err)
	}
	assert.Len(t, svc.Jobs().List(), 3)
}

func TestObserverLease(t *testing.T) {
	svc := newService(t, successScript, nil, func(c *Config) { c.ObserverLease = 150 * time.Millisecond })
	ctx := context.Background()
	noop := func(progress.Event) error { return nil }

	require.NoError(t, svc.AddProgressObserver(ctx, "kept", noop))
	require.NoError(t, svc.AddProgressObserver(ctx, "expired", noop))

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		res, err := svc.Ping(ctx, "kept")
		require.NoError(t, err)
		require.True(t, res.Registered)
		time.Sleep(30 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		res, _ := svc.Ping(ctx, "expired")
		return !res.Registered
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, []string{"kept"}, svc.Observers())
}

func TestRemoveObserver(t *testing.T) {
	svc := newService(t, successScript, nil)
	ctx := context.Background()

	assert.Error(t, svc.AddProgressObserver(ctx, "", func(progress.Event) error { return nil }))
	assert.Error(t, svc.AddProgressObserver(ctx, "a", nil))

	require.NoError(t, svc.AddProgressObserver(ctx, "a", func(progress.Event) error { return nil }))
	res, err := svc.Ping(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Equal(t, 1, res.Observers)
	assert.Equal(t, "worker-test", res.WorkerID)

	require.NoError(t, svc.RemoveProgressObserver(ctx, "a"))
	require.NoError(t, svc.RemoveProgressObserver(ctx, "a"), "removing twice is fine")
	res, err = svc.Ping(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Equal(t, 0, res.Observers)
}

func TestCloseRepliesToEveryJob(t *testing.T) {
	svc := newService(t, sleepScript, nil, func(c *Config) { c.MaxConcurrent = 1 })

	running := submit(t, svc, newRequest(t))
	queued := submit(t, svc, newRequest(t))
	assert.Eventually(t, func() bool {
		for _, rec := range svc.Jobs().List() {
			if rec.State == JobRunning {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	svc.Close()

	assert.Equal(t, upscale.KindProcessFailed, upscale.KindOf(await(t, running).Err))
	assert.Equal(t, upscale.KindTransportUnavailable, upscale.KindOf(await(t, queued).Err))
	assert.Equal(t, 0, svc.Jobs().Active())

	err := svc.UpscaleImage(context.Background(), newRequest(t), func(rpc.Reply) {})
	assert.Equal(t, upscale.KindTransportUnavailable, upscale.KindOf(err))
}
