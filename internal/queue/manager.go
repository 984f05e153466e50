package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reconnectStep    = 200 * time.Millisecond
	reconnectCeiling = 2 * time.Second
	defaultKeepAlive = 10 * time.Second
	pingTimeout      = 3 * time.Second
)

// Options configure the process-wide queue connection.
type Options struct {
	// Endpoint is a redis:// or rediss:// URL. A rediss scheme requires
	// TLS with the peer hostname verified against the certificate.
	Endpoint string
	// ForceIPv4 dials tcp4 only, avoiding dual-stack negative-ACK failures.
	ForceIPv4 bool
	// KeepAliveInterval sets the TCP keep-alive period and the cadence of
	// the background health ping.
	KeepAliveInterval time.Duration
	// AutoBatchWrites keeps the multiplexed connection pool; when false
	// all writes are serialized through a single connection.
	AutoBatchWrites bool
	Logger          *log.Logger
}

// Manager owns the one logical connection to the queue backend for the
// process's lifetime. Producers, the inspector, and the worker all
// multiplex over it; the manager alone makes reconnect decisions.
type Manager struct {
	rdb    *redis.Client
	logger *log.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Connect builds the shared connection from the endpoint URL. It fails
// only on a malformed endpoint; the backend being down is not an error
// here since dialing is lazy and retried per request.
func Connect(opts Options) (*Manager, error) {
	ropt, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	// One interval drives both the TCP keep-alive and the health monitor.
	keepAlive := opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	// The custom dialer owns both the IPv4 restriction and, when the
	// scheme demands it, the TLS handshake.
	tlsCfg := ropt.TLSConfig
	ropt.TLSConfig = nil
	netDialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: keepAlive}
	forceIPv4 := opts.ForceIPv4
	ropt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if forceIPv4 {
			network = "tcp4"
		}
		conn, err := netDialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			return conn, nil
		}
		tconn := tls.Client(conn, tlsCfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tconn, nil
	}
	ropt.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		logger.Printf("queue: connection established to %s", ropt.Addr)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rdb:    redis.NewClient(ropt),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.monitor(ctx, keepAlive)
	return m, nil
}

// parseOptions maps the manager options onto the redis client. Only a
// malformed endpoint is an error.
func parseOptions(opts Options) (*redis.Options, error) {
	ropt, err := redis.ParseURL(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse queue endpoint: %w", err)
	}

	// A rediss endpoint always verifies the peer hostname. ParseURL sets
	// ServerName from the URL host; unauthenticated TLS is never allowed.
	if ropt.TLSConfig != nil {
		ropt.TLSConfig.InsecureSkipVerify = false
		if ropt.TLSConfig.ServerName == "" {
			host, _, splitErr := net.SplitHostPort(ropt.Addr)
			if splitErr != nil {
				host = ropt.Addr
			}
			ropt.TLSConfig.ServerName = host
		}
	}

	// Per-request retries follow the same backoff curve as the reconnect
	// monitor. The caller's context deadline, not a transport-internal
	// budget, decides when a request is abandoned.
	ropt.MaxRetries = 10
	ropt.MinRetryBackoff = reconnectStep
	ropt.MaxRetryBackoff = reconnectCeiling
	ropt.ContextTimeoutEnabled = true

	if !opts.AutoBatchWrites {
		ropt.PoolSize = 1
	}
	return ropt, nil
}

// backoffDelay is the reconnect schedule: monotonically increasing,
// capped at the ceiling.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * reconnectStep
	if d > reconnectCeiling {
		return reconnectCeiling
	}
	return d
}

// monitor pings the backend and logs connection loss and recovery. It is
// advisory only: requests keep flowing (or failing) on their own, and the
// monitor never gives up.
func (m *Manager) monitor(ctx context.Context, interval time.Duration) {
	defer close(m.done)
	attempt := 0
	for {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.rdb.Ping(pingCtx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			m.logger.Printf("queue: connection error: %v (reconnect attempt %d in %s)", err, attempt, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		if attempt > 0 {
			m.logger.Printf("queue: connection restored after %d attempts", attempt)
			attempt = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Client exposes the shared connection for the producer, inspector, and
// worker server.
func (m *Manager) Client() redis.UniversalClient {
	return m.rdb
}

// Ping checks backend reachability.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close stops the monitor and releases the connection and any pending
// writes. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.closeErr = m.rdb.Close()
		m.logger.Printf("queue: connection closed")
	})
	return m.closeErr
}
