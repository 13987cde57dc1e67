// Package replay dissects a recorded connection trace offline.
package replay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/wiretap/internal/connection"
	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/protocol"
	"github.com/postalsys/wiretap/internal/tree"
)

// Packet is one captured TCP payload.
type Packet struct {
	Src  string `yaml:"src"`
	Dst  string `yaml:"dst"`
	Data string `yaml:"data"` // hex, whitespace ignored

	src, dst netip.AddrPort
	payload  []byte
}

// Trace is a capture of a single connection, in capture order.
type Trace struct {
	Packets []Packet `yaml:"packets"`
}

// Load reads a trace file.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML trace and validates every packet.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}

	var errs []error
	for i := range t.Packets {
		if err := t.Packets[i].parse(); err != nil {
			errs = append(errs, fmt.Errorf("packet %d: %w", i+1, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Packet) parse() error {
	var err error
	if p.src, err = netip.ParseAddrPort(p.Src); err != nil {
		return fmt.Errorf("src: %w", err)
	}
	if p.dst, err = netip.ParseAddrPort(p.Dst); err != nil {
		return fmt.Errorf("dst: %w", err)
	}
	if p.payload, err = hex.DecodeString(strings.Join(strings.Fields(p.Data), "")); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

// Options configures a replay.
type Options struct {
	PowTarget         *crypto.PowTarget
	MaxUnpairedChunks int
	Identity          *identity.Identity
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Result summarizes a replayed trace.
type Result struct {
	Packets   int
	Displayed int
	Foreign   int
	Bytes     [2]int

	Initiator netip.AddrPort
	Responder netip.AddrPort

	// State is the connection label: empty, unrecognized or a decryption state.
	State string
	// Unrecognized is set when the connection was rejected.
	Unrecognized error
}

// Run feeds every packet of t into one connection and writes the tree of each
// displayable packet to w. Packets not between the first packet's endpoints
// are skipped.
func Run(t *Trace, opts Options, w io.Writer) (*Result, error) {
	logger := logging.OrNop(opts.Logger).With(logging.KeyComponent, "replay")

	var roster connection.AddressRoster
	conn := connection.New(connection.Options{
		PowTarget:         opts.PowTarget,
		MaxUnpairedChunks: opts.MaxUnpairedChunks,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	})

	res := &Result{Packets: len(t.Packets)}
	for i, p := range t.Packets {
		number := uint64(i + 1)

		dir, err := roster.Classify(p.src, p.dst)
		if err != nil {
			logger.Warn("skipping packet", logging.KeyPacket, number, logging.KeyError, err)
			res.Foreign++
			continue
		}

		if !conn.Add(opts.Identity, p.payload, dir, number) {
			logger.Debug("packet not displayable", logging.KeyPacket, number)
			continue
		}
		res.Displayed++

		root := tree.NewRoot("packet")
		conn.Visualize(number, root)
		if _, err := fmt.Fprintf(w, "#%d %s %s -> %s (%d bytes)\n%s\n",
			number, dir, p.src, p.dst, len(p.payload), root); err != nil {
			return nil, fmt.Errorf("write packet %d: %w", number, err)
		}
	}

	res.Initiator, res.Responder, _ = roster.Endpoints()
	res.Bytes = [2]int{conn.Bytes(protocol.Initiator), conn.Bytes(protocol.Responder)}
	res.Unrecognized = conn.Unrecognized()
	res.State = conn.Close()
	return res, nil
}
