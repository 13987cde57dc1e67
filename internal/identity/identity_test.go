package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/wiretap/internal/crypto"
)

func generate(t *testing.T, bits float64) *Identity {
	t.Helper()
	target, err := crypto.NewPowTarget(bits)
	if err != nil {
		t.Fatalf("NewPowTarget() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := Generate(ctx, target)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return id
}

func TestGenerate(t *testing.T) {
	id := generate(t, 8)

	if id.PeerID != crypto.PeerIDFromPublicKey(id.PublicKey[:]) {
		t.Error("peer id does not hash from public key")
	}

	target, _ := crypto.NewPowTarget(8)
	if !id.CheckProofOfWork(target) {
		t.Error("generated stamp does not satisfy its target")
	}
}

func TestPeerID_RoundTrip(t *testing.T) {
	id := generate(t, 0)

	s := FormatPeerID(id.PeerID)
	if !strings.HasPrefix(s, "id") {
		t.Errorf("FormatPeerID() = %s, want id prefix", s)
	}

	parsed, err := ParsePeerID(s)
	if err != nil {
		t.Fatalf("ParsePeerID(%s) error = %v", s, err)
	}
	if parsed != id.PeerID {
		t.Errorf("ParsePeerID() = %x, want %x", parsed, id.PeerID)
	}

	fromHex, err := ParsePeerID(hex.EncodeToString(id.PeerID[:]))
	if err != nil {
		t.Fatalf("ParsePeerID(hex) error = %v", err)
	}
	if fromHex != id.PeerID {
		t.Errorf("ParsePeerID(hex) = %x, want %x", fromHex, id.PeerID)
	}
}

func TestParsePeerID_Invalid(t *testing.T) {
	id := generate(t, 0)
	valid := FormatPeerID(id.PeerID)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not-a-peer-id"},
		{"bad checksum", valid[:len(valid)-1] + flipChar(valid[len(valid)-1])},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePeerID(tc.input); !errors.Is(err, ErrInvalidPeerID) {
				t.Errorf("ParsePeerID(%q) error = %v, want ErrInvalidPeerID", tc.input, err)
			}
		})
	}
}

func TestStoreLoad(t *testing.T) {
	id := generate(t, 4)
	path := filepath.Join(t.TempDir(), "nested", "identity.json")

	if err := id.Store(path); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PeerID != id.PeerID || loaded.PublicKey != id.PublicKey ||
		loaded.SecretKey != id.SecretKey || loaded.Stamp != id.Stamp {
		t.Error("loaded identity differs from stored identity")
	}
	if loaded.Path != path {
		t.Errorf("Path = %s, want %s", loaded.Path, path)
	}
}

func TestParse_Errors(t *testing.T) {
	id := generate(t, 0)
	other := generate(t, 0)

	good, err := id.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name:    "peer id of another key",
			data:    strings.Replace(string(good), FormatPeerID(id.PeerID), FormatPeerID(other.PeerID), 1),
			wantErr: ErrPeerIDMismatch,
		},
		{
			name:    "short secret key",
			data:    strings.Replace(string(good), hex.EncodeToString(id.SecretKey[:]), "abcd", 1),
			wantErr: ErrInvalidKeyLength,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); !errors.Is(err, tc.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := Parse([]byte("{")); err == nil {
		t.Error("Parse() of truncated JSON should fail")
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func flipChar(c byte) string {
	if c == '1' {
		return "2"
	}
	return "1"
}
