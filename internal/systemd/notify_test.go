package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func TestNotifierStates(t *testing.T) {
	var got []string
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}

	n.Ready()
	n.Status("%d jobs active", 2)
	n.Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=2 jobs active", daemon.SdNotifyStopping}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierErrorIsNotFatal(t *testing.T) {
	n := NewNotifier(nil)
	n.notify = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	if n.send(daemon.SdNotifyReady) {
		t.Error("send should report false on error")
	}
}

func TestRunWatchdogWithoutSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	n := NewNotifier(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.RunWatchdog(ctx, nil); err != nil {
		t.Fatal(err)
	}
}
