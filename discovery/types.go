// Package discovery implements the UDP presence/broadcast protocol used to
// find other engines on the local broadcast domain, with an active TCP
// subnet sweep fallback when UDP discovery yields nothing.
package discovery

import (
	"time"

	"github.com/google/uuid"
)

// DefaultUDPPort is the discovery socket port (injectable for tests).
const DefaultUDPPort = 9000

// DefaultTransferPort is the port probed by the active sweep fallback.
const DefaultTransferPort = 9001

// DefaultBroadcastInterval is how often a presence frame is emitted.
const DefaultBroadcastInterval = 1000 * time.Millisecond

// DefaultSweepDelay is how long the service waits after start before
// launching an active sweep if the peer table is still empty.
const DefaultSweepDelay = 5 * time.Second

// DefaultSweepTimeout bounds each TCP probe during the active sweep.
const DefaultSweepTimeout = 800 * time.Millisecond

// DefaultSweepConcurrency caps parallel probes during the active sweep.
const DefaultSweepConcurrency = 15

// EventType identifies the kind of Event delivered on Service.Events().
type EventType string

const (
	EventPeerDiscovered  EventType = "peer-discovered"
	EventPeerUpdated     EventType = "peer-updated"
	EventPeersCleared    EventType = "peers-cleared"
	EventDiscoveryStatus EventType = "discovery-status"
)

// DiscoveryStatus is the payload carried by EventDiscoveryStatus.
type DiscoveryStatus string

const (
	StatusAdvancedScanning DiscoveryStatus = "advanced-scanning"
	StatusIdle             DiscoveryStatus = "idle"
)

// Peer is a remote host discovered on the broadcast domain.
type Peer struct {
	Address   string
	Name      string
	OS        string
	LastSeen  time.Time
	Synthetic bool
	SessionID string
}

// Event is delivered on the Service's event channel.
type Event struct {
	Type   EventType
	Peer   Peer
	Status DiscoveryStatus
}

// presenceFrame is the wire format of the UDP discovery datagram.
type presenceFrame struct {
	Type string `json:"type"`
	Name string `json:"name"`
	OS   string `json:"os"`
}

// Config controls a discovery Service. All fields are optional.
type Config struct {
	// UDPPort overrides DefaultUDPPort; injectable so tests can bind
	// ephemeral, collision-free sockets.
	UDPPort int
	// TransferPort overrides DefaultTransferPort for sweep probing.
	TransferPort int
	// Hostname is announced in presence frames; defaults to os.Hostname().
	Hostname string
	// Platform is announced as the "os" field; defaults to runtime.GOOS.
	Platform string
	// BroadcastInterval overrides DefaultBroadcastInterval.
	BroadcastInterval time.Duration
	// SweepDelay overrides DefaultSweepDelay.
	SweepDelay time.Duration
	// SweepTimeout overrides DefaultSweepTimeout.
	SweepTimeout time.Duration
	// SweepConcurrency overrides DefaultSweepConcurrency.
	SweepConcurrency int
	// interfacesFn supplies local IPv4 addresses/masks for broadcast
	// targeting and sweep enumeration; defaults to systemLocalInterfaces.
	interfacesFn func() ([]localInterface, error)
	// dialFn is an injectable seam over net.DialTimeout for sweep tests.
	dialFn func(network, address string, timeout time.Duration) (closer, error)
}

func (c Config) withDefaults() Config {
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.TransferPort == 0 {
		c.TransferPort = DefaultTransferPort
	}
	if c.Hostname == "" {
		c.Hostname = systemHostname()
	}
	if c.Platform == "" {
		c.Platform = systemPlatform()
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.SweepDelay <= 0 {
		c.SweepDelay = DefaultSweepDelay
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = DefaultSweepTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = DefaultSweepConcurrency
	}
	if c.interfacesFn == nil {
		c.interfacesFn = systemLocalInterfaces
	}
	if c.dialFn == nil {
		c.dialFn = dialTimeout
	}
	return c
}

func newSessionID() string {
	return uuid.NewString()
}
