package tap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/wiretap/internal/connection"
	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/protocol"
	"github.com/postalsys/wiretap/internal/recovery"
	"github.com/postalsys/wiretap/internal/tree"
)

const readBufferSize = 32 * 1024

type sessionConfig struct {
	identity          *identity.Identity
	powTarget         *crypto.PowTarget
	maxUnpairedChunks int
	render            bool
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// session dissects one relayed connection. Reads from both directions are
// fed to the connection context one at a time, in the order they complete.
type session struct {
	cfg    sessionConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *connection.Context
	packet    uint64
	announced [2]bool
}

type summary struct {
	state   string
	packets uint64
	bytes   [2]int
}

func newSession(cfg sessionConfig) *session {
	return &session{
		cfg:    cfg,
		logger: logging.OrNop(cfg.logger),
		conn: connection.New(connection.Options{
			PowTarget:         cfg.powTarget,
			MaxUnpairedChunks: cfg.maxUnpairedChunks,
			Logger:            cfg.logger,
			Metrics:           cfg.metrics,
		}),
	}
}

// observe feeds one read into the connection and returns the packet number.
func (s *session) observe(dir protocol.Direction, payload []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packet++
	if !s.conn.Add(s.cfg.identity, payload, dir, s.packet) {
		return s.packet
	}
	s.announce(dir)

	if s.cfg.render && s.logger.Enabled(context.Background(), slog.LevelDebug) {
		root := tree.NewRoot("packet")
		s.conn.Visualize(s.packet, root)
		s.logger.Debug("packet",
			logging.KeyPacket, s.packet,
			logging.KeyDirection, dir.String(),
			logging.KeyBytes, len(payload),
			"tree", root.String())
	}
	return s.packet
}

// announce logs the handshake of dir once it has been framed.
func (s *session) announce(dir protocol.Direction) {
	if s.announced[dir.Index()] {
		return
	}
	msg, err := s.conn.Handshake(dir)
	if errors.Is(err, protocol.ErrNotEnoughData) {
		return
	}
	s.announced[dir.Index()] = true
	if err != nil {
		s.logger.Debug("unparsable handshake",
			logging.KeyDirection, dir.String(),
			logging.KeyError, err)
		return
	}

	versions := make([]string, 0, len(msg.Versions))
	for _, v := range msg.Versions {
		versions = append(versions, v.ChainName)
	}
	s.logger.Info("handshake",
		logging.KeyDirection, dir.String(),
		logging.KeyPeerID, identity.FormatPeerID(crypto.PeerIDFromPublicKey(msg.PublicKey[:])),
		"port", msg.Port,
		"versions", versions)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies both directions until each side finishes, observing every read.
func (s *session) relay(initiator, responder net.Conn) {
	// a panicking direction closes both sides so the other one unblocks
	abort := func(any) {
		initiator.Close()
		responder.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "tap.session.initiator", abort)
		s.pipe(responder, initiator, protocol.Initiator)
	}()

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "tap.session.responder", abort)
		s.pipe(initiator, responder, protocol.Responder)
	}()

	wg.Wait()
}

func (s *session) pipe(dst, src net.Conn, dir protocol.Direction) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.observe(dir, buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("read error",
					logging.KeyDirection, dir.String(),
					logging.KeyError, err)
			}
			break
		}
	}
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
}

// close records the final state and logs a summary.
func (s *session) close() summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := summary{
		state:   s.conn.Close(),
		packets: s.packet,
		bytes: [2]int{
			s.conn.Bytes(protocol.Initiator),
			s.conn.Bytes(protocol.Responder),
		},
	}

	attrs := []any{
		logging.KeyState, sum.state,
		logging.KeyCount, sum.packets,
		"initiator_bytes", humanize.Bytes(uint64(sum.bytes[0])),
		"responder_bytes", humanize.Bytes(uint64(sum.bytes[1])),
	}
	if err := s.conn.Unrecognized(); err != nil {
		attrs = append(attrs, logging.KeyError, err)
	}
	s.logger.Info("connection closed", attrs...)
	return sum
}
