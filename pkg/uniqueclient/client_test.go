package uniqueclient_test

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/uniqued/internal/daemon"
	uniquemetrics "github.com/dantte-lp/uniqued/internal/metrics"
	"github.com/dantte-lp/uniqued/pkg/uniqueclient"
	"github.com/prometheus/client_golang/prometheus"
)

// setupBus launches a real private dbus-daemon session bus and a uniqued
// daemon listening on it, and returns a dialed client plus the daemon's
// in-process handle for stat assertions. The subprocess and connections are
// torn down when the test finishes. Tests are skipped when dbus-daemon is
// not installed.
func setupBus(t *testing.T) (*uniqueclient.Client, *daemon.Daemon) {
	t.Helper()

	busPath, err := exec.LookPath("dbus-daemon")
	if err != nil {
		t.Skip("dbus-daemon not available")
	}

	cmd := exec.Command(busPath, "--session", "--nofork", "--print-address=1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		t.Fatalf("read bus address: %v", scanner.Err())
	}
	addr := strings.TrimSpace(scanner.Text())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.DiscardHandler)
	reg := prometheus.NewRegistry()
	d := daemon.New(uniquemetrics.NewCollector(reg))
	go d.Run(ctx)

	conn, err := daemon.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("daemon connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := daemon.RequestName(conn, "org.freedesktop.portal.Unique", false); err != nil {
		t.Fatalf("request name: %v", err)
	}
	if err := daemon.Export(conn, "/org/freedesktop/portal/unique", "org.freedesktop.portal.Unique", d); err != nil {
		t.Fatalf("export: %v", err)
	}
	go func() { _ = daemon.WatchPeers(ctx, conn, d, logger) }()

	client, err := uniqueclient.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, d
}

func TestSubmitFirstCallIsMiss(t *testing.T) {
	t.Parallel()

	client, d := setupBus(t)
	ctx := context.Background()

	buf := client.Submit(ctx, []byte("hello world"))
	t.Cleanup(func() { _ = buf.Close() })

	if string(buf.Data()) != "hello world" {
		t.Fatalf("Data() = %q, want %q", buf.Data(), "hello world")
	}

	stats := d.Stats()
	if stats.Blobs != 1 {
		t.Fatalf("Blobs = %d, want 1", stats.Blobs)
	}
}

func TestSubmitSecondCallIsHitAndSharesContent(t *testing.T) {
	t.Parallel()

	client, d := setupBus(t)
	ctx := context.Background()

	first := client.Submit(ctx, []byte("duplicate me"))
	t.Cleanup(func() { _ = first.Close() })

	second := client.Submit(ctx, []byte("duplicate me"))
	t.Cleanup(func() { _ = second.Close() })

	if string(second.Data()) != "duplicate me" {
		t.Fatalf("second Data() = %q, want %q", second.Data(), "duplicate me")
	}

	stats := d.Stats()
	if stats.Blobs != 1 {
		t.Fatalf("Blobs = %d, want 1 (deduplicated)", stats.Blobs)
	}
	if stats.ApparentSize <= stats.RealSize {
		t.Fatalf("ApparentSize = %d, want > RealSize = %d after dedup", stats.ApparentSize, stats.RealSize)
	}
}

func TestSubmitZeroLength(t *testing.T) {
	t.Parallel()

	client, _ := setupBus(t)
	ctx := context.Background()

	buf := client.Submit(ctx, []byte{})
	t.Cleanup(func() { _ = buf.Close() })

	if len(buf.Data()) != 0 {
		t.Fatalf("Data() length = %d, want 0", len(buf.Data()))
	}
}

func TestCloseReleasesHandle(t *testing.T) {
	t.Parallel()

	client, d := setupBus(t)
	ctx := context.Background()

	buf := client.Submit(ctx, []byte("transient"))
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Stats().Blobs == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("blob store still has %d blobs after Close", d.Stats().Blobs)
}

func TestSubmitAsyncDestroyedBeforeReplyEndsWithEmptyStore(t *testing.T) {
	t.Parallel()

	client, d := setupBus(t)
	ctx := context.Background()

	buf := client.SubmitAsync(ctx, []byte("async content"))
	if string(buf.Data()) != "async content" {
		t.Fatalf("Data() = %q, want %q", buf.Data(), "async content")
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Stats().Blobs == 0 && d.Stats().ApparentSize == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("store not empty after async buffer destroyed before reply: %+v", d.Stats())
}

func TestSubmitAsyncSecondSubmissionRemapsToCanonical(t *testing.T) {
	t.Parallel()

	client, d := setupBus(t)
	ctx := context.Background()

	first := client.Submit(ctx, []byte("remap target"))
	t.Cleanup(func() { _ = first.Close() })

	second := client.SubmitAsync(ctx, []byte("remap target"))
	t.Cleanup(func() { _ = second.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// The async reply has been handled once the second handle counts
		// toward apparent size.
		if d.Stats().ApparentSize == 2*int64(len("remap target")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if string(second.Data()) != "remap target" {
		t.Fatalf("Data() after remap = %q, want %q", second.Data(), "remap target")
	}
}
