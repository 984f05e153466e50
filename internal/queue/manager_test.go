package queue

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// lockedBuffer collects monitor log output; the monitor writes from its
// own goroutine.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not observed within %s", what, timeout)
}

func TestParseOptionsRejectsMalformedEndpoint(t *testing.T) {
	if _, err := parseOptions(Options{Endpoint: "http://localhost:6379"}); err == nil {
		t.Fatalf("expected error for non-redis scheme")
	}
	if _, err := parseOptions(Options{Endpoint: "://"}); err == nil {
		t.Fatalf("expected error for malformed URL")
	}
}

func TestParseOptionsPlainEndpoint(t *testing.T) {
	ropt, err := parseOptions(Options{Endpoint: "redis://127.0.0.1:6379/0", AutoBatchWrites: true})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ropt.TLSConfig != nil {
		t.Fatalf("redis scheme must not enable TLS")
	}
	if ropt.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected addr %s", ropt.Addr)
	}
	if ropt.PoolSize == 1 {
		t.Fatalf("auto-batch writes should keep the multiplexed pool")
	}
	if !ropt.ContextTimeoutEnabled {
		t.Fatalf("caller context must govern request deadlines")
	}
}

func TestParseOptionsTLSEndpoint(t *testing.T) {
	ropt, err := parseOptions(Options{Endpoint: "rediss://queue.example.com:6380"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ropt.TLSConfig == nil {
		t.Fatalf("rediss scheme must require TLS")
	}
	if ropt.TLSConfig.InsecureSkipVerify {
		t.Fatalf("peer hostname verification must never be disabled")
	}
	if ropt.TLSConfig.ServerName != "queue.example.com" {
		t.Fatalf("expected server name queue.example.com, got %q", ropt.TLSConfig.ServerName)
	}
	if ropt.PoolSize != 1 {
		t.Fatalf("expected serialized writes without auto-batching")
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 600 * time.Millisecond},
		{10, 2 * time.Second},
		{1000, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
	// monotonic up to the ceiling
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		prev = d
	}
}

func TestConnectAndCloseWithoutBackend(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	m, err := Connect(Options{Endpoint: "redis://127.0.0.1:1", Logger: logger, KeepAliveInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("connect must not dial eagerly: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// second close is a no-op
	if err := m.Close(); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
}

func TestMonitorObservesLossAndRecovery(t *testing.T) {
	mr := miniredis.RunT(t)
	buf := &lockedBuffer{}
	m, err := Connect(Options{
		Endpoint:          "redis://" + mr.Addr(),
		KeepAliveInterval: 20 * time.Millisecond,
		Logger:            log.New(buf, "", 0),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Close()
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("ping with backend up: %v", err)
	}

	mr.Close()
	waitFor(t, 10*time.Second, "connection loss log", func() bool {
		return strings.Contains(buf.String(), "connection error")
	})

	mr.Restart()
	waitFor(t, 10*time.Second, "recovery log", func() bool {
		return strings.Contains(buf.String(), "connection restored")
	})
}

func TestConnectRejectsMalformedEndpoint(t *testing.T) {
	if _, err := Connect(Options{Endpoint: "not a url", Logger: log.New(io.Discard, "", 0)}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
