package chain

import (
	"log/slog"
	"time"

	"github.com/FollowMyVote/assistant/internal/models"
)

// DefaultHighLatency is the round-trip time above which a node is slow.
const DefaultHighLatency = 2000 * time.Millisecond

// Mode says whether the user is choosing a node or reconnecting to a known one.
type Mode int

const (
	ModeFirstRun Mode = iota
	ModeReturning
)

func (m Mode) String() string {
	if m == ModeReturning {
		return "returning"
	}
	return "firstRun"
}

// Health is the connection classification shown to the user.
type Health struct {
	OutOfSync   bool
	HighLatency bool
}

// Classify derives connection health from a connected node's status and
// round-trip time.
func Classify(status models.SyncStatus, latency, threshold time.Duration) Health {
	return Health{
		OutOfSync:   status.IsStale(),
		HighLatency: latency > threshold,
	}
}

// Node is the part of NodeClient the monitor needs.
type Node interface {
	SetNodeURL(nodeURL string)
	Disconnect()
	SyncStatus() models.SyncStatus
	Latency() time.Duration
	NodeURL() string
}

// Reporter receives the monitor's conclusions.
type Reporter interface {
	// Connected reports a classified connection and returns true once the
	// classification has been acted on, which ends the watch.
	Connected(mode Mode, health Health) bool
	NodeError(mode Mode, code int)
	NodeNonsense(mode Mode)
}

// Monitor classifies node status changes while a watch is active. It
// implements NodeListener.
type Monitor struct {
	node      Node
	mode      Mode
	threshold time.Duration
	reporter  Reporter
	watching  bool
}

// NewMonitor creates a monitor for node in the given mode.
func NewMonitor(node Node, mode Mode, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultHighLatency
	}
	return &Monitor{node: node, mode: mode, threshold: threshold}
}

// SetReporter sets the receiver of classified connections and errors.
func (m *Monitor) SetReporter(r Reporter) {
	m.reporter = r
}

// Mode returns the startup mode passed to every report.
func (m *Monitor) Mode() Mode {
	return m.mode
}

// Watch starts reporting classified connections. Watching twice is one watch.
func (m *Monitor) Watch() {
	m.watching = true
}

// Unwatch stops reporting classified connections.
func (m *Monitor) Unwatch() {
	m.watching = false
}

// Watching reports whether a watch is active.
func (m *Monitor) Watching() bool {
	return m.watching
}

// Probe watches and points the node client at nodeURL.
func (m *Monitor) Probe(nodeURL string) {
	m.Watch()
	m.node.SetNodeURL(nodeURL)
}

// StatusChanged implements NodeListener.
func (m *Monitor) StatusChanged(status models.SyncStatus) {
	if !m.watching || !status.IsConnected() || m.reporter == nil {
		return
	}
	health := Classify(status, m.node.Latency(), m.threshold)
	slog.Info("Monitor classified connection", "mode", m.mode, "status", status, "latency", m.node.Latency(),
		"out_of_sync", health.OutOfSync, "high_latency", health.HighLatency)
	if m.reporter.Connected(m.mode, health) {
		m.watching = false
	}
}

// NodeError implements NodeListener.
func (m *Monitor) NodeError(code int) {
	if m.reporter != nil {
		m.reporter.NodeError(m.mode, code)
	}
}

// NodeResponseNonsense implements NodeListener.
func (m *Monitor) NodeResponseNonsense() {
	if m.reporter != nil {
		m.reporter.NodeNonsense(m.mode)
	}
}
