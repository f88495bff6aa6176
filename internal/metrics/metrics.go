package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Guard       GuardMetrics   `json:"guard"`
	Session     SessionMetrics `json:"session"`
}

type GuardMetrics struct {
	Delivered        uint64 `json:"delivered"`
	DropSignature    uint64 `json:"drop_signature"`
	DropStale        uint64 `json:"drop_stale"`
	DropDuplicate    uint64 `json:"drop_duplicate"`
	DropMalformed    uint64 `json:"drop_malformed"`
	DropUnknownKind  uint64 `json:"drop_unknown_kind"`
	DropUnauthorized uint64 `json:"drop_unauthorized"`
	GapQueued        uint64 `json:"gap_queued"`
	GapRequests      uint64 `json:"gap_requests"`
}

type SessionMetrics struct {
	CommandsApplied  uint64 `json:"commands_applied"`
	CommandsRejected uint64 `json:"commands_rejected"`
	HeartbeatsSent   uint64 `json:"heartbeats_sent"`
}

type Metrics struct {
	delivered        atomic.Uint64
	dropSignature    atomic.Uint64
	dropStale        atomic.Uint64
	dropDuplicate    atomic.Uint64
	dropMalformed    atomic.Uint64
	dropUnknownKind  atomic.Uint64
	dropUnauthorized atomic.Uint64
	gapQueued        atomic.Uint64
	gapRequests      atomic.Uint64
	commandsApplied  atomic.Uint64
	commandsRejected atomic.Uint64
	heartbeatsSent   atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDelivered()        { m.delivered.Add(1) }
func (m *Metrics) IncDropSignature()    { m.dropSignature.Add(1) }
func (m *Metrics) IncDropStale()        { m.dropStale.Add(1) }
func (m *Metrics) IncDropDuplicate()    { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropMalformed()    { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropUnknownKind()  { m.dropUnknownKind.Add(1) }
func (m *Metrics) IncDropUnauthorized() { m.dropUnauthorized.Add(1) }
func (m *Metrics) IncGapQueued()        { m.gapQueued.Add(1) }
func (m *Metrics) IncGapRequests()      { m.gapRequests.Add(1) }
func (m *Metrics) IncCommandsApplied()  { m.commandsApplied.Add(1) }
func (m *Metrics) IncCommandsRejected() { m.commandsRejected.Add(1) }
func (m *Metrics) IncHeartbeatsSent()   { m.heartbeatsSent.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Guard: GuardMetrics{
			Delivered:        m.delivered.Load(),
			DropSignature:    m.dropSignature.Load(),
			DropStale:        m.dropStale.Load(),
			DropDuplicate:    m.dropDuplicate.Load(),
			DropMalformed:    m.dropMalformed.Load(),
			DropUnknownKind:  m.dropUnknownKind.Load(),
			DropUnauthorized: m.dropUnauthorized.Load(),
			GapQueued:        m.gapQueued.Load(),
			GapRequests:      m.gapRequests.Load(),
		},
		Session: SessionMetrics{
			CommandsApplied:  m.commandsApplied.Load(),
			CommandsRejected: m.commandsRejected.Load(),
			HeartbeatsSent:   m.heartbeatsSent.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
