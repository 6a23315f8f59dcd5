package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	f := newFixture(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer("", f.router)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/servers/srv-1/deployments/dep-1/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "retry:") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.bus.SubscriberCount(testKey) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	began := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown with an open stream: %v", err)
	}
	if elapsed := time.Since(began); elapsed > 2*time.Second {
		t.Fatalf("shutdown waited %s on the open stream", elapsed)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("unexpected serve error %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.bus.SubscriberCount(testKey) == 0 })
}
