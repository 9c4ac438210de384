package conn_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/pbxsim/internal/conn"
	"github.com/flowpbx/pbxsim/internal/pbx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startService(t *testing.T, reg *pbx.Registry, guard *conn.AcceptGuard) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := conn.NewService(reg, guard, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Serve(ctx, ln)
		close(done)
	}()

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
		<-done
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestServiceRegistersAndDispatches(t *testing.T) {
	reg := pbx.NewRegistry(4, testLogger())
	addr, stop := startService(t, reg, nil)
	defer stop()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	r := bufio.NewReader(c)
	if got := readLine(t, r); got != "ON HOOK 4" {
		t.Fatalf("initial notification = %q, want %q", got, "ON HOOK 4")
	}

	if _, err := c.Write([]byte("pickup\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "DIAL TONE" {
		t.Fatalf("after pickup = %q, want %q", got, "DIAL TONE")
	}

	if reg.Len() != 1 {
		t.Fatalf("registry length = %d, want 1", reg.Len())
	}
}

func TestServiceUnregistersOnDisconnect(t *testing.T) {
	reg := pbx.NewRegistry(4, testLogger())
	addr, stop := startService(t, reg, nil)
	defer stop()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r := bufio.NewReader(c)
	readLine(t, r) // ON HOOK notification

	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry still has %d entries after disconnect", reg.Len())
}

func TestServiceRejectsPastAcceptGuard(t *testing.T) {
	reg := pbx.NewRegistry(4, testLogger())
	guard := conn.NewAcceptGuard(0, 1)
	addr, stop := startService(t, reg, guard)
	defer stop()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	bufio.NewReader(first).ReadString('\n') // ON HOOK notification consumes the allowed slot

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(buf); err != io.EOF {
		t.Fatalf("expected rate-limited connection to be closed immediately, got %v", err)
	}

	if got := reg.Counters().RejectedRateLimited; got != 1 {
		t.Fatalf("RejectedRateLimited = %d, want 1", got)
	}
}

func TestServiceRejectsWhenRegistryFull(t *testing.T) {
	reg := pbx.NewRegistry(1, testLogger())
	addr, stop := startService(t, reg, nil)
	defer stop()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	bufio.NewReader(first).ReadString('\n')

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(buf); err != io.EOF {
		t.Fatalf("expected connection over capacity to be closed immediately, got %v", err)
	}
}
