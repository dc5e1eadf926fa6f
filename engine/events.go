package engine

import (
	"time"

	"etherlink/discovery"
	"etherlink/history"
	"etherlink/interfaces"
	"etherlink/transfer"
)

// EventKind identifies the kind of Event on the façade's single typed
// event bus, replacing the source's per-instance listener-map pattern.
type EventKind string

const (
	EventInterfacesChanged EventKind = "interfaces-changed"
	EventPeersCleared      EventKind = "peers-cleared"
	EventPeerDiscovered    EventKind = "peer-discovered"
	EventPeerUpdated       EventKind = "peer-updated"
	EventDiscoveryStatus   EventKind = "discovery-status"
	EventTransferProgress  EventKind = "transfer-progress"
	EventTransferComplete  EventKind = "transfer-complete"
	EventTransferError     EventKind = "transfer-error"
)

// Event is the tagged variant delivered on Engine.Events(). Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Interfaces []interfaces.Interface

	Peer   discovery.Peer
	Status discovery.DiscoveryStatus

	TransferID string
	TStatus    transfer.ProgressStatus
	Filename   string
	Progress   int
	Bytes      int64
	Total      int64
	SpeedMBps  float64
	Path       string
	Error      string
}

func (e *Engine) pumpInterfaceEvents() {
	defer e.fanInWG.Done()
	events := e.ifaceMon.Events()
	for {
		select {
		case <-e.fanInDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.emit(Event{Kind: EventInterfacesChanged, Interfaces: evt.Interfaces})
		}
	}
}

func (e *Engine) pumpDiscoveryEvents(svc *discovery.Service) {
	defer e.fanInWG.Done()
	events := svc.Events()
	for {
		select {
		case <-e.fanInDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.translateDiscoveryEvent(svc, evt)
		}
	}
}

func (e *Engine) translateDiscoveryEvent(svc *discovery.Service, evt discovery.Event) {
	switch evt.Type {
	case discovery.EventPeersCleared:
		e.emit(Event{Kind: EventPeersCleared})
		e.metrics.PeersKnown.Set(0)
	case discovery.EventPeerDiscovered:
		e.emit(Event{Kind: EventPeerDiscovered, Peer: evt.Peer})
		e.metrics.PeersKnown.Set(float64(len(svc.Peers())))
	case discovery.EventPeerUpdated:
		e.emit(Event{Kind: EventPeerUpdated, Peer: evt.Peer})
	case discovery.EventDiscoveryStatus:
		e.emit(Event{Kind: EventDiscoveryStatus, Status: evt.Status})
	}
}

// onTransferEvent is passed as the emit callback to both the transfer
// listener and every sender; it translates transfer package events onto
// the façade's bus, keeps the metrics registry current, and records
// terminal transfers into transfer history.
func (e *Engine) onTransferEvent(evt transfer.Event) {
	switch evt.Kind {
	case transfer.EventProgress:
		e.emit(Event{
			Kind:       EventTransferProgress,
			TransferID: evt.TransferID,
			TStatus:    evt.Status,
			Filename:   evt.Filename,
			Progress:   evt.Progress,
			Bytes:      evt.Bytes,
			Total:      evt.Total,
			SpeedMBps:  evt.SpeedMBps,
		})

		direction, _, _, _, _ := e.registry.Info(evt.TransferID)
		label := metricsDirectionLabel(direction)
		if evt.Status == transfer.ProgressConnecting {
			e.metrics.TransfersActive.WithLabelValues(label).Inc()
		}
		e.addTransferBytes(label, evt.TransferID, evt.Bytes)

	case transfer.EventComplete:
		e.emit(Event{
			Kind:       EventTransferComplete,
			TransferID: evt.TransferID,
			Filename:   evt.Filename,
			Path:       evt.Path,
		})

		direction, _, _, _, _ := e.registry.Info(evt.TransferID)
		e.metrics.TransfersActive.WithLabelValues(metricsDirectionLabel(direction)).Dec()
		e.clearTransferBytes(evt.TransferID)
		e.recordHistory(evt.TransferID, evt.Filename, evt.Path, string(transfer.StatusCompleted))

	case transfer.EventError:
		e.emit(Event{
			Kind:       EventTransferError,
			TransferID: evt.TransferID,
			Error:      evt.ErrorMessage,
		})

		direction, _, _, _, _ := e.registry.Info(evt.TransferID)
		e.metrics.TransfersActive.WithLabelValues(metricsDirectionLabel(direction)).Dec()
		e.clearTransferBytes(evt.TransferID)

		// The registry entry is still present at this point (Remove is
		// deferred until the sender/listener goroutine returns, which
		// happens after this callback), so its status reflects whether
		// the transfer was genuinely cancelled or actually failed —
		// transfer.Event itself carries no lifecycle status to tell the
		// two apart.
		status, ok := e.registry.Status(evt.TransferID)
		if !ok || status == "" {
			status = transfer.StatusFailed
		}
		if status == transfer.StatusFailed {
			e.metrics.TransferFailures.Inc()
		}
		e.recordHistory(evt.TransferID, evt.Filename, "", string(status))
	}
}

func metricsDirectionLabel(d transfer.Direction) string {
	if d == "" {
		return "unknown"
	}
	return string(d)
}

// addTransferBytes turns evt.Bytes — the cumulative total reported so far
// for one transfer — into the delta the counter metric expects, so a
// progress event firing repeatedly for the same transfer doesn't
// re-count bytes already added.
func (e *Engine) addTransferBytes(label, transferID string, cumulative int64) {
	e.bytesMu.Lock()
	prev := e.bytesReported[transferID]
	delta := cumulative - prev
	if delta > 0 {
		e.bytesReported[transferID] = cumulative
	}
	e.bytesMu.Unlock()
	if delta > 0 {
		e.metrics.TransferBytes.WithLabelValues(label).Add(float64(delta))
	}
}

func (e *Engine) clearTransferBytes(transferID string) {
	e.bytesMu.Lock()
	delete(e.bytesReported, transferID)
	e.bytesMu.Unlock()
}

func (e *Engine) recordHistory(transferID, filename, path, status string) {
	if e.history == nil {
		return
	}
	direction, peer, storedFilename, total, _ := e.registry.Info(transferID)
	if filename == "" {
		filename = storedFilename
	}
	if direction == "" {
		direction = transfer.DirectionReceive
	}
	now := time.Now().Unix()
	err := e.history.RecordTransfer(history.Record{
		ID:          transferID,
		Direction:   string(direction),
		PeerAddress: peer,
		Filename:    filename,
		StoredPath:  path,
		SizeBytes:   total,
		Status:      status,
		FinishedAt:  now,
	})
	if err != nil {
		e.reportError(err)
	}
}
