// Package tap relays TCP connections to an upstream node and dissects the
// traffic passing through.
package tap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/health"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/recovery"
)

const defaultDialTimeout = 10 * time.Second

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds tap configuration.
type Config struct {
	// Listen is the local address accepting initiators.
	Listen string

	// Upstream is the node every accepted connection is relayed to.
	Upstream string

	DialTimeout time.Duration

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// AcceptRate limits new connections per second (0 = unlimited).
	// AcceptBurst is the number accepted back to back before the rate applies.
	AcceptRate  float64
	AcceptBurst int

	// Render logs the rendered field tree of every packet at debug level.
	Render bool

	PowTarget         *crypto.PowTarget
	MaxUnpairedChunks int

	// Identity decrypts connections it is an endpoint of. May be nil.
	Identity *identity.Identity

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener accepts connections, relays them upstream and dissects both directions.
type Listener struct {
	cfg      Config
	dialer   Dialer
	listener net.Listener
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	total        atomic.Uint64
	unrecognized atomic.Uint64
	bytes        atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a tap listener.
func NewListener(cfg Config) *Listener {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), max(cfg.AcceptBurst, 1))
	}

	return &Listener{
		cfg:         cfg,
		dialer:      dialer,
		limiter:     limiter,
		logger:      logging.OrNop(cfg.Logger).With(logging.KeyComponent, "tap"),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts accepting connections.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}
	if l.cfg.Upstream == "" {
		return fmt.Errorf("upstream address is required")
	}

	listener, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Listen, err)
	}

	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("tap listener started",
		"address", l.listener.Addr().String(),
		logging.KeyUpstream, l.cfg.Upstream)

	return nil
}

// Stop closes the listener and every relayed connection.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Info("tap listener stopped")
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

// IsRunning implements health.StatsProvider.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// Stats implements health.StatsProvider.
func (l *Listener) Stats() health.Stats {
	return health.Stats{
		ActiveConnections: int(l.connCount.Load()),
		TotalConnections:  l.total.Load(),
		Unrecognized:      l.unrecognized.Load(),
		BytesObserved:     l.bytes.Load(),
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tap.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				"limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.logger.Debug("accept rate exceeded",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		l.track(conn)
		l.connCount.Add(1)
		l.total.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.connections[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.connections, conn)
	l.mu.Unlock()
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tap.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.untrack(conn)
		l.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()
	logger := l.logger.With(logging.KeyRemoteAddr, remoteAddr)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	upstream, err := l.dialer.DialContext(ctx, "tcp", l.cfg.Upstream)
	if err != nil {
		logger.Debug("dial upstream failed",
			logging.KeyUpstream, l.cfg.Upstream,
			logging.KeyError, err)
		return
	}
	l.track(upstream)
	defer func() {
		upstream.Close()
		l.untrack(upstream)
	}()

	select {
	case <-l.stopCh:
		return
	default:
	}

	s := newSession(sessionConfig{
		identity:          l.cfg.Identity,
		powTarget:         l.cfg.PowTarget,
		maxUnpairedChunks: l.cfg.MaxUnpairedChunks,
		render:            l.cfg.Render,
		logger:            logger,
		metrics:           l.cfg.Metrics,
	})

	logger.Debug("tapping connection", logging.KeyUpstream, l.cfg.Upstream)
	s.relay(conn, upstream)

	summary := s.close()
	l.bytes.Add(uint64(summary.bytes[0] + summary.bytes[1]))
	if summary.state == "unrecognized" {
		l.unrecognized.Add(1)
	}
}
