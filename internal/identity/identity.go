package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	PeerIDSize    = 32
	SignatureSize = ed25519.SignatureSize
	seedSize      = ed25519.SeedSize
)

var (
	ErrMalformedBackup = errors.New("malformed backup string")
	ErrBadKeySize      = errors.New("bad key size")
)

// PeerID is the Ed25519 public verification key of a participant.
type PeerID [PeerIDSize]byte

func (id PeerID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) String() string {
	return id.Hex()
}

func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("peer id hex: %w", err)
	}
	if len(raw) != PeerIDSize {
		return PeerID{}, ErrBadKeySize
	}
	copy(id[:], raw)
	return id, nil
}

func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return PeerID{}, ErrBadKeySize
	}
	copy(id[:], b)
	return id, nil
}

func LessPeerID(a, b PeerID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

type Keypair struct {
	id        PeerID
	priv      ed25519.PrivateKey
	seed      []byte
	destroyed bool
}

func (k *Keypair) String() string {
	return "Keypair{REDACTED}"
}

func (k *Keypair) GoString() string {
	return "identity.Keypair{REDACTED}"
}

func (k *Keypair) PeerID() PeerID {
	return k.id
}

// Destroy wipes the private key material. The keypair is unusable afterwards.
func (k *Keypair) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	zeroBytes(k.priv)
	zeroBytes(k.seed)
	k.priv = nil
	k.seed = nil
	k.destroyed = true
}

func (k *Keypair) Destroyed() bool {
	return k == nil || k.destroyed
}

const (
	deriveContext      = "konnekt:identity:v1"
	fingerprintContext = "konnekt:fp:v1"
)

// Derive produces the deterministic keypair for a (name, password) pair.
// Identical inputs always yield the identical keypair.
func Derive(name, password string) (*Keypair, error) {
	if name == "" {
		return nil, errors.New("empty name")
	}
	h, err := blake2b.New256([]byte(deriveContext))
	if err != nil {
		return nil, err
	}
	h.Write([]byte(name))
	h.Write([]byte{0x00})
	h.Write([]byte(password))
	seed := h.Sum(nil)
	return fromSeed(seed)
}

func fromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != seedSize {
		return nil, ErrBadKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	id, err := PeerIDFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{id: id, priv: priv, seed: seed}, nil
}

func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	if k.Destroyed() {
		return nil, errors.New("keypair destroyed")
	}
	return ed25519.Sign(k.priv, msg), nil
}

func Verify(id PeerID, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

// Fingerprint is a short stable digest of a public key, kept by a host for
// the reclaim handshake.
func Fingerprint(id PeerID) string {
	buf := make([]byte, 0, len(fingerprintContext)+PeerIDSize)
	buf = append(buf, []byte(fingerprintContext)...)
	buf = append(buf, id[:]...)
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:16])
}

const backupPrefix = "ksb1"

var backupEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ExportBackup renders the seed as a printable versioned string:
// "ksb1" followed by unpadded lowercase base32 of seed || 4-byte checksum.
func (k *Keypair) ExportBackup() (string, error) {
	if k.Destroyed() {
		return "", errors.New("keypair destroyed")
	}
	payload := make([]byte, 0, seedSize+4)
	payload = append(payload, k.seed...)
	payload = append(payload, backupChecksum(k.seed)...)
	return backupPrefix + lower(backupEncoding.EncodeToString(payload)), nil
}

func ImportBackup(s string) (*Keypair, error) {
	if len(s) < len(backupPrefix) || s[:len(backupPrefix)] != backupPrefix {
		return nil, ErrMalformedBackup
	}
	raw, err := backupEncoding.DecodeString(upper(s[len(backupPrefix):]))
	if err != nil {
		return nil, ErrMalformedBackup
	}
	if len(raw) != seedSize+4 {
		return nil, ErrMalformedBackup
	}
	seed := raw[:seedSize]
	if !bytes.Equal(raw[seedSize:], backupChecksum(seed)) {
		return nil, ErrMalformedBackup
	}
	seedCopy := make([]byte, seedSize)
	copy(seedCopy, seed)
	return fromSeed(seedCopy)
}

func backupChecksum(seed []byte) []byte {
	sum := blake2b.Sum256(seed)
	return sum[:4]
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
