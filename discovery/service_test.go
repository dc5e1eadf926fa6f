package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestDirectedBroadcast(t *testing.T) {
	ip := net.ParseIP("192.168.1.42").To4()
	mask := net.CIDRMask(24, 32)
	got := directedBroadcast(ip, mask)
	if got.String() != "192.168.1.255" {
		t.Fatalf("directedBroadcast = %s, want 192.168.1.255", got)
	}
}

func TestNaiveBroadcast(t *testing.T) {
	ip := net.ParseIP("10.0.5.17")
	got := naiveBroadcast(ip)
	if got.String() != "10.0.5.255" {
		t.Fatalf("naiveBroadcast = %s, want 10.0.5.255", got)
	}
}

func TestHostRangeExcludesNetworkAndBroadcast(t *testing.T) {
	ip := net.ParseIP("192.168.1.5").To4()
	mask := net.CIDRMask(30, 32) // 4-address subnet: .4 network, .5-.6 hosts, .7 broadcast
	hosts := hostRange(ip, mask)
	if len(hosts) != 2 {
		t.Fatalf("expected 2 usable hosts, got %d: %v", len(hosts), hosts)
	}
	if hosts[0].String() != "192.168.1.5" || hosts[1].String() != "192.168.1.6" {
		t.Fatalf("unexpected host range: %v", hosts)
	}
}

func TestPeerTableFirstSightingThenReDiscoveryAfterClear(t *testing.T) {
	table := newPeerTable()

	_, result := table.upsert("192.168.1.9", "peer-x", "linux", false, "sess-1")
	if result != sightingNew {
		t.Fatal("first sighting should be new")
	}

	_, result = table.upsert("192.168.1.9", "peer-x", "linux", false, "sess-1")
	if result != sightingKnown {
		t.Fatal("second sighting in the same session should not be new")
	}

	table.clear()

	_, result = table.upsert("192.168.1.9", "peer-x", "linux", false, "sess-2")
	if result != sightingNew {
		t.Fatal("sighting after clear (restart) should be new again")
	}
}

func TestListenerHandleLoopbackSuppression(t *testing.T) {
	table := newPeerTable()
	events := make(chan Event, 4)
	cfg := Config{
		interfacesFn: func() ([]localInterface, error) {
			return []localInterface{{IP: net.ParseIP("192.168.1.10").To4(), Mask: net.CIDRMask(24, 32)}}, nil
		},
	}.withDefaults()

	l := &listener{cfg: cfg, table: table, sess: "sess-1", events: events}

	frame, _ := json.Marshal(presenceFrame{Type: "discovery", Name: "self", OS: "linux"})
	l.handle(frame, &net.UDPAddr{IP: net.ParseIP("192.168.1.10")})

	select {
	case evt := <-events:
		t.Fatalf("expected no event for loopback source, got %+v", evt)
	default:
	}

	if table.len() != 0 {
		t.Fatalf("expected empty peer table, got %d entries", table.len())
	}
}

func TestListenerHandleEmitsPeerDiscoveredOnceForNewPeer(t *testing.T) {
	table := newPeerTable()
	events := make(chan Event, 4)
	cfg := Config{
		interfacesFn: func() ([]localInterface, error) {
			return []localInterface{{IP: net.ParseIP("192.168.1.10").To4(), Mask: net.CIDRMask(24, 32)}}, nil
		},
	}.withDefaults()

	l := &listener{cfg: cfg, table: table, sess: "sess-1", events: events}

	frame, _ := json.Marshal(presenceFrame{Type: "discovery", Name: "peer-b", OS: "darwin"})
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.20")}

	l.handle(frame, src)
	l.handle(frame, src)

	select {
	case evt := <-events:
		if evt.Type != EventPeerDiscovered || evt.Peer.Address != "192.168.1.20" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected one peer-discovered event")
	}

	select {
	case evt := <-events:
		t.Fatalf("expected peer-discovered exactly once, got second event %+v", evt)
	default:
	}
}

func TestListenerHandleEmitsPeerUpdatedOnNameChangeNotRediscovered(t *testing.T) {
	table := newPeerTable()
	events := make(chan Event, 4)
	cfg := Config{
		interfacesFn: func() ([]localInterface, error) {
			return []localInterface{{IP: net.ParseIP("192.168.1.10").To4(), Mask: net.CIDRMask(24, 32)}}, nil
		},
	}.withDefaults()

	l := &listener{cfg: cfg, table: table, sess: "sess-1", events: events}
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.20")}

	first, _ := json.Marshal(presenceFrame{Type: "discovery", Name: "peer-b", OS: "darwin"})
	l.handle(first, src)
	<-events // discard peer-discovered

	renamed, _ := json.Marshal(presenceFrame{Type: "discovery", Name: "peer-b-renamed", OS: "darwin"})
	l.handle(renamed, src)

	select {
	case evt := <-events:
		if evt.Type != EventPeerUpdated || evt.Peer.Name != "peer-b-renamed" {
			t.Fatalf("expected peer-updated with new name, got %+v", evt)
		}
	default:
		t.Fatal("expected a peer-updated event for the renamed peer")
	}

	select {
	case evt := <-events:
		t.Fatalf("rename must not also emit peer-discovered, got %+v", evt)
	default:
	}
}

func TestListenerHandleIgnoresMalformedPayloads(t *testing.T) {
	table := newPeerTable()
	events := make(chan Event, 4)
	cfg := Config{
		interfacesFn: func() ([]localInterface, error) { return nil, nil },
	}.withDefaults()

	l := &listener{cfg: cfg, table: table, sess: "sess-1", events: events}
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.30")}

	l.handle([]byte("not json"), src)
	l.handle([]byte(`{"type":"not-discovery"}`), src)

	if table.len() != 0 {
		t.Fatalf("malformed/unknown-type payloads must not populate the peer table, got %d", table.len())
	}
}

func TestBindDiscoverySocketAllowsRebindOnSamePortWhileFirstIsOpen(t *testing.T) {
	first, err := bindDiscoverySocket(19341)
	if err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	defer first.Close()

	// SO_REUSEADDR must be in effect on the socket before bind() runs;
	// if it were applied only after ListenUDP returned (as on a raw
	// net.ListenUDP followed by a post-hoc setsockopt), this second bind
	// on the exact same port would fail with "address already in use"
	// while the first listener is still open.
	second, err := bindDiscoverySocket(19341)
	if err != nil {
		t.Fatalf("expected SO_REUSEADDR to allow rebinding port 19341 while still open, got: %v", err)
	}
	defer second.Close()
}

func TestServiceStartEmitsPeersClearedImmediately(t *testing.T) {
	svc, err := Start(Config{UDPPort: 19321, TransferPort: 19322, SweepDelay: time.Hour})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	select {
	case evt := <-svc.Events():
		if evt.Type != EventPeersCleared {
			t.Fatalf("expected peers-cleared as first event, got %v", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peers-cleared")
	}
}

func TestServiceCheckPeerReportsUnreachableHost(t *testing.T) {
	svc, err := Start(Config{UDPPort: 19331, TransferPort: 19332, SweepDelay: time.Hour})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	if svc.CheckPeer("203.0.113.1") {
		t.Fatal("expected CheckPeer against a non-routable test address to fail")
	}
}
