package discovery

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sweeper performs the active TCP subnet sweep fallback: for every local
// /24-or-smaller interface, it probes every host address on the transfer
// port with bounded concurrency, stopping as soon as a peer is found.
type sweeper struct {
	cfg    Config
	table  *peerTable
	sess   string
	events chan<- Event
}

func newSweeper(cfg Config, table *peerTable, sessionID string, events chan<- Event) *sweeper {
	return &sweeper{cfg: cfg, table: table, sess: sessionID, events: events}
}

// run enumerates targets and probes them with cfg.SweepConcurrency parallel
// workers, stopping early once the peer table becomes non-empty.
func (s *sweeper) run(ctx context.Context) {
	targets := s.targets()
	if len(targets) == 0 {
		return
	}

	s.emit(Event{Type: EventDiscoveryStatus, Status: StatusAdvancedScanning})
	defer s.emit(Event{Type: EventDiscoveryStatus, Status: StatusIdle})

	sem := semaphore.NewWeighted(int64(s.cfg.SweepConcurrency))
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
sweepLoop:
	for _, addr := range targets {
		if s.table.len() > 0 {
			break sweepLoop
		}
		select {
		case <-sweepCtx.Done():
			break sweepLoop
		default:
		}

		if err := sem.Acquire(sweepCtx, 1); err != nil {
			break sweepLoop
		}

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer sem.Release(1)

			if s.table.len() > 0 {
				return
			}
			if s.probe(addr) {
				cancel()
			}
		}(addr)
	}

	wg.Wait()
}

func (s *sweeper) probe(addr string) bool {
	dialAddr := fmt.Sprintf("%s:%d", addr, s.cfg.TransferPort)
	conn, err := s.cfg.dialFn("tcp", dialAddr, s.cfg.SweepTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()

	displayName := fmt.Sprintf("Discovered Device (%s)", addr)
	peer, result := s.table.upsert(addr, displayName, "", true, s.sess)
	switch result {
	case sightingNew:
		s.emit(Event{Type: EventPeerDiscovered, Peer: peer})
	case sightingUpdated:
		s.emit(Event{Type: EventPeerUpdated, Peer: peer})
	}
	return true
}

func (s *sweeper) targets() []string {
	locals, err := s.cfg.interfacesFn()
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range locals {
		if size := maskSize(iface.Mask); size < 24 {
			continue
		}
		for _, ip := range hostRange(iface.IP, iface.Mask) {
			if ip.Equal(iface.IP) {
				continue
			}
			addr := ip.String()
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (s *sweeper) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
}
