package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// broadcaster periodically announces this host's presence on every
// non-internal IPv4 interface, targeting the global broadcast, the
// interface's directed broadcast, and the naive "x.y.z.255" form.
type broadcaster struct {
	cfg  Config
	conn *net.UDPConn
}

func startBroadcaster(cfg Config, conn *net.UDPConn) *broadcaster {
	return &broadcaster{cfg: cfg, conn: conn}
}

func (b *broadcaster) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(b.cfg.BroadcastInterval)
	defer ticker.Stop()

	b.broadcastOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcastOnce()
		}
	}
}

func (b *broadcaster) broadcastOnce() {
	locals, err := b.cfg.interfacesFn()
	if err != nil {
		return
	}

	frame := presenceFrame{Type: "discovery", Name: b.cfg.Hostname, OS: b.cfg.Platform}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	for _, iface := range locals {
		destinations := []net.IP{
			net.IPv4bcast,
			directedBroadcast(iface.IP, iface.Mask),
			naiveBroadcast(iface.IP),
		}
		for _, dest := range destinations {
			if dest == nil {
				continue
			}
			addr := &net.UDPAddr{IP: dest, Port: b.cfg.UDPPort}
			_, _ = b.conn.WriteToUDP(payload, addr)
		}
	}
}

// listener receives presence frames and updates the peer table.
type listener struct {
	cfg    Config
	conn   *net.UDPConn
	table  *peerTable
	sess   string
	events chan<- Event
}

func startListener(cfg Config, conn *net.UDPConn, table *peerTable, sessionID string, events chan<- Event) *listener {
	return &listener{cfg: cfg, conn: conn, table: table, sess: sessionID, events: events}
}

func (l *listener) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		l.handle(buf[:n], src)
	}
}

func (l *listener) handle(payload []byte, src *net.UDPAddr) {
	locals, err := l.cfg.interfacesFn()
	if err != nil {
		return
	}
	if isLocalAddress(src.IP, locals) {
		return
	}

	var frame presenceFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Type != "discovery" {
		return
	}

	addr := src.IP.String()
	peer, result := l.table.upsert(addr, frame.Name, frame.OS, false, l.sess)

	switch result {
	case sightingNew:
		l.emit(Event{Type: EventPeerDiscovered, Peer: peer})
	case sightingUpdated:
		l.emit(Event{Type: EventPeerUpdated, Peer: peer})
	}
}

func (l *listener) emit(evt Event) {
	select {
	case l.events <- evt:
	default:
	}
}

func bindDiscoverySocket(port int) (*net.UDPConn, error) {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	lc := net.ListenConfig{Control: setSocketOptionsControl}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp discovery socket on port %d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("bind udp discovery socket on port %d: unexpected packet conn type %T", port, pc)
	}
	return conn, nil
}
