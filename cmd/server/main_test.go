package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.uber.org/goleak"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_DialFails(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "missing.sock"))

	err := notifySystemd()
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("notifySystemd() = %v, want dial failed", err)
	}
}

func TestNotifySystemd_SendsReady(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sock)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	t.Setenv("NOTIFY_SOCKET", sock)
	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 64)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want READY=1", got)
	}
}

func TestStartBackground_StopWaitsForReturn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	var exited bool
	stop := startBackground(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		exited = true
	})
	<-started

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !exited {
		t.Error("stop returned before the background func exited")
	}
}

func TestStartBackground_StopHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	stop := startBackground(context.Background(), func(context.Context) {
		<-release // ignores cancellation
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop = %v, want deadline exceeded", err)
	}
}

func TestStartBackground_ParentCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	stop := startBackground(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background func did not observe parent cancellation")
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop after parent cancel: %v", err)
	}
}

func TestShutdown_RunsEveryStepInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) stopStep {
		return stopStep{name, func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: step context has no deadline", name)
			}
			order = append(order, name)
			return err
		}}
	}

	shutdown(context.Background(), log.Nop(), time.Second, []stopStep{
		step("api", nil),
		step("sweeper", errors.New("stuck")),
		step("ops", nil),
	})

	if got := strings.Join(order, ","); got != "api,sweeper,ops" {
		t.Errorf("order = %s, want api,sweeper,ops", got)
	}
}

func TestShutdown_SplitsBudget(t *testing.T) {
	t.Parallel()

	var budgets []time.Duration
	measure := stopStep{"m", func(ctx context.Context) error {
		dl, _ := ctx.Deadline()
		budgets = append(budgets, time.Until(dl))
		return nil
	}}

	shutdown(context.Background(), log.Nop(), 4*time.Second, []stopStep{measure, measure, measure, measure})

	for i, b := range budgets {
		if b > time.Second || b < 900*time.Millisecond {
			t.Errorf("step %d budget = %v, want about 1s", i, b)
		}
	}
}
