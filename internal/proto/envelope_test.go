package proto

import (
	"bytes"
	"testing"

	"konnektsession/internal/identity"
)

func testKeypair(t *testing.T, name string) *identity.Keypair {
	t.Helper()
	kp, err := identity.Derive(name, "test-password")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return kp
}

func TestSealVerify(t *testing.T) {
	kp := testKeypair(t, "sender")
	env, err := Seal(kp, 7, 1700000000123, []byte(`{"kind":"heartbeat"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := env.VerifySig(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsAlteration(t *testing.T) {
	kp := testKeypair(t, "sender")
	env, _ := Seal(kp, 7, 1700000000123, []byte(`{"kind":"heartbeat"}`))

	cases := map[string]func(Envelope) Envelope{
		"seq": func(e Envelope) Envelope {
			e.Seq++
			return e
		},
		"timestamp": func(e Envelope) Envelope {
			e.TimestampMs++
			return e
		},
		"payload": func(e Envelope) Envelope {
			p := make([]byte, len(e.Payload))
			copy(p, e.Payload)
			p[0] ^= 0x01
			e.Payload = p
			return e
		},
		"sender": func(e Envelope) Envelope {
			e.SenderID[0] ^= 0x01
			return e
		},
		"sig": func(e Envelope) Envelope {
			s := make([]byte, len(e.Sig))
			copy(s, e.Sig)
			s[0] ^= 0x01
			e.Sig = s
			return e
		},
	}
	for name, mutate := range cases {
		if err := mutate(env).VerifySig(); err == nil {
			t.Fatalf("expected altered %s to fail verification", name)
		}
	}
}

func TestRoundTripBothEncodings(t *testing.T) {
	kp := testKeypair(t, "codec")
	env, _ := Seal(kp, 42, -5, []byte("opaque payload bytes"))
	for _, enc := range []Encoding{EncodingJSON, EncodingBinary} {
		data, err := Encode(env, enc)
		if err != nil {
			t.Fatalf("encode(%d): %v", enc, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode(%d): %v", enc, err)
		}
		if got.SenderID != env.SenderID || got.Seq != env.Seq || got.TimestampMs != env.TimestampMs {
			t.Fatalf("header fields not preserved for encoding %d", enc)
		}
		if !bytes.Equal(got.Payload, env.Payload) || !bytes.Equal(got.Sig, env.Sig) {
			t.Fatalf("payload or sig not bit-exact for encoding %d", enc)
		}
		if err := got.VerifySig(); err != nil {
			t.Fatalf("decoded envelope failed verification: %v", err)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("not an envelope"),
		[]byte(`{"type":"something_else"}`),
		[]byte(`{"type":"envelope","sender_id":"zz"}`),
		{binMagic, 99, 0, 0},
		{binMagic, binVersion},
	}
	for i, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Fatalf("case %d: expected decode error", i)
		}
	}
}

func TestSealRejectsEmptyPayload(t *testing.T) {
	kp := testKeypair(t, "sender")
	if _, err := Seal(kp, 0, 0, nil); err == nil {
		t.Fatalf("expected empty payload to fail")
	}
}

func TestEventRoundTrip(t *testing.T) {
	data, err := MarshalEvent(KindGuestJoined, GuestJoinedBody{
		LobbyID:    "l1",
		PeerID:     "aa",
		Name:       "Alice",
		JoinedAtMs: 123,
		Mode:       "active",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != KindGuestJoined {
		t.Fatalf("kind = %q", ev.Kind)
	}
	var body GuestJoinedBody
	if err := ev.DecodeBody(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Name != "Alice" || body.JoinedAtMs != 123 {
		t.Fatalf("body not preserved: %+v", body)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("framed")
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch")
	}
}
