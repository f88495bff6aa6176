package proto

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"konnektsession/internal/identity"
)

const (
	ProtoVersion = "konnekt/1"
	Suite        = "ed25519-blake2b"

	MaxPayloadSize = 256 << 10
)

const envSigContext = "konnekt:env:v1"

var (
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the only shape on the wire: a signed, sequenced, timestamped
// message from one peer.
type Envelope struct {
	SenderID    identity.PeerID
	Seq         uint64
	TimestampMs int64
	Payload     []byte
	Sig         []byte
}

// SigningBytes is the canonical byte string covered by the signature.
func (e Envelope) SigningBytes() []byte {
	buf := make([]byte, 0, len(envSigContext)+identity.PeerIDSize+16+len(e.Payload))
	buf = append(buf, []byte(envSigContext)...)
	buf = append(buf, e.SenderID[:]...)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, e.Seq)
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, uint64(e.TimestampMs))
	buf = append(buf, tmp...)
	buf = append(buf, e.Payload...)
	return buf
}

// Seal signs the envelope fields with the sender keypair.
func Seal(kp *identity.Keypair, seq uint64, timestampMs int64, payload []byte) (Envelope, error) {
	if len(payload) == 0 {
		return Envelope{}, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxPayloadSize {
		return Envelope{}, fmt.Errorf("payload too large")
	}
	env := Envelope{
		SenderID:    kp.PeerID(),
		Seq:         seq,
		TimestampMs: timestampMs,
		Payload:     payload,
	}
	sig, err := kp.Sign(env.SigningBytes())
	if err != nil {
		return Envelope{}, err
	}
	env.Sig = sig
	return env, nil
}

// VerifySig checks the envelope signature against the embedded sender id.
func (e Envelope) VerifySig() error {
	if !identity.Verify(e.SenderID, e.SigningBytes(), e.Sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// Encoding selects which of the two accepted wire encodings is emitted.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingBinary
)

const MsgTypeEnvelope = "envelope"

type envelopeJSON struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	SenderID     string `json:"sender_id"`
	Seq          uint64 `json:"seq"`
	TimestampMs  int64  `json:"ts_ms"`
	Payload      string `json:"payload"`
	Sig          string `json:"sig"`
}

// Encode serializes the envelope with the requested encoding.
func Encode(e Envelope, enc Encoding) ([]byte, error) {
	if enc == EncodingBinary {
		return encodeBinary(e), nil
	}
	m := envelopeJSON{
		Type:         MsgTypeEnvelope,
		ProtoVersion: ProtoVersion,
		Suite:        Suite,
		SenderID:     e.SenderID.Hex(),
		Seq:          e.Seq,
		TimestampMs:  e.TimestampMs,
		Payload:      base64.StdEncoding.EncodeToString(e.Payload),
		Sig:          hex.EncodeToString(e.Sig),
	}
	return json.Marshal(m)
}

// Decode accepts either wire encoding. JSON is sniffed by the leading brace.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrMalformedEnvelope
	}
	if data[0] == '{' {
		return decodeJSON(data)
	}
	return decodeBinary(data)
}

func decodeJSON(data []byte) (Envelope, error) {
	var m envelopeJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if m.Type != "" && m.Type != MsgTypeEnvelope {
		return Envelope{}, fmt.Errorf("%w: unexpected msg type %s", ErrMalformedEnvelope, m.Type)
	}
	if m.ProtoVersion != "" && m.ProtoVersion != ProtoVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported proto version %s", ErrMalformedEnvelope, m.ProtoVersion)
	}
	sender, err := identity.PeerIDFromHex(m.SenderID)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: sender id", ErrMalformedEnvelope)
	}
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil || len(payload) == 0 || len(payload) > MaxPayloadSize {
		return Envelope{}, fmt.Errorf("%w: payload", ErrMalformedEnvelope)
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) != identity.SignatureSize {
		return Envelope{}, fmt.Errorf("%w: sig", ErrMalformedEnvelope)
	}
	return Envelope{
		SenderID:    sender,
		Seq:         m.Seq,
		TimestampMs: m.TimestampMs,
		Payload:     payload,
		Sig:         sig,
	}, nil
}

// Binary layout: magic(1), version(1), sender(32), seq(8 BE), ts_ms(8 BE),
// payload_len(4 BE), payload, sig(64).
const (
	binMagic   = 0x4b
	binVersion = 1
	binHeader  = 1 + 1 + identity.PeerIDSize + 8 + 8 + 4
)

func encodeBinary(e Envelope) []byte {
	out := make([]byte, 0, binHeader+len(e.Payload)+identity.SignatureSize)
	out = append(out, binMagic, binVersion)
	out = append(out, e.SenderID[:]...)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, e.Seq)
	out = append(out, tmp...)
	binary.BigEndian.PutUint64(tmp, uint64(e.TimestampMs))
	out = append(out, tmp...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Payload...)
	out = append(out, e.Sig...)
	return out
}

func decodeBinary(data []byte) (Envelope, error) {
	if len(data) < binHeader+1+identity.SignatureSize {
		return Envelope{}, ErrMalformedEnvelope
	}
	if data[0] != binMagic || data[1] != binVersion {
		return Envelope{}, ErrMalformedEnvelope
	}
	off := 2
	sender, err := identity.PeerIDFromBytes(data[off : off+identity.PeerIDSize])
	if err != nil {
		return Envelope{}, ErrMalformedEnvelope
	}
	off += identity.PeerIDSize
	seq := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	ts := int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	n := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if n == 0 || n > MaxPayloadSize {
		return Envelope{}, ErrMalformedEnvelope
	}
	if len(data) != off+int(n)+identity.SignatureSize {
		return Envelope{}, ErrMalformedEnvelope
	}
	payload := make([]byte, int(n))
	copy(payload, data[off:off+int(n)])
	off += int(n)
	sig := make([]byte, identity.SignatureSize)
	copy(sig, data[off:])
	return Envelope{
		SenderID:    sender,
		Seq:         seq,
		TimestampMs: ts,
		Payload:     payload,
		Sig:         sig,
	}, nil
}
