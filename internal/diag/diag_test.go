package diag

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"konnektsession/internal/metrics"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false, nil, nil); err == nil {
		t.Fatalf("expected public bind to be refused")
	}
}

func TestMetricsEndpointServesSnapshot(t *testing.T) {
	m := metrics.New()
	m.IncDropStale()
	m.IncDropStale()
	m.IncCommandsApplied()

	s, err := Start("127.0.0.1:0", false, m, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/debug/konnekt/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Guard.DropStale != 2 || snap.Session.CommandsApplied != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCloseNilServer(t *testing.T) {
	var s *Server
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
