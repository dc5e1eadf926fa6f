package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// Service composes the presence broadcaster, listener, and active sweep
// fallback behind a single Start/Stop lifecycle, following the same
// Config-with-defaults / Start-returns-running-handle shape used
// throughout this codebase's other long-lived components.
type Service struct {
	cfg   Config
	conn  *net.UDPConn
	table *peerTable

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Start binds the discovery socket, clears the peer table, and begins
// broadcasting, listening, and (after SweepDelay, if still peerless)
// sweeping. Restarting discovery always clears the peer table and emits
// peers-cleared so that consumers who dropped their local peer list
// re-receive peer-discovered for every still-reachable peer.
func Start(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()

	conn, err := bindDiscoverySocket(cfg.UDPPort)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		cfg:    cfg,
		conn:   conn,
		table:  newPeerTable(),
		events: make(chan Event, 64),
		cancel: cancel,
	}

	svc.emit(Event{Type: EventPeersCleared})

	sessionID := newSessionID()

	b := startBroadcaster(cfg, conn)
	svc.wg.Add(1)
	go b.run(ctx, &svc.wg)

	l := startListener(cfg, conn, svc.table, sessionID, svc.events)
	svc.wg.Add(1)
	go l.run(ctx, &svc.wg)

	svc.wg.Add(1)
	go svc.armSweep(ctx, sessionID)

	return svc, nil
}

func (s *Service) armSweep(ctx context.Context, sessionID string) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.SweepDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if s.table.len() > 0 {
		return
	}

	sw := newSweeper(s.cfg, s.table, sessionID, s.events)
	sw.run(ctx)
}

// Events returns the channel on which discovery events are delivered.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Peers returns a snapshot of the current peer table.
func (s *Service) Peers() []Peer {
	return s.table.snapshot()
}

// CheckPeer attempts a single TCP probe of address:TransferPort, returning
// whether the connect succeeded. It does not modify the peer table.
func (s *Service) CheckPeer(address string) bool {
	dialAddr := net.JoinHostPort(address, strconv.Itoa(s.cfg.TransferPort))
	conn, err := s.cfg.dialFn("tcp", dialAddr, s.cfg.SweepTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Stop halts broadcasting, listening, and any in-flight sweep, and
// releases the UDP socket. The TCP transfer listener is unaffected.
func (s *Service) Stop() {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		s.wg.Wait()
		close(s.events)
	})
}

func (s *Service) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
}

