package transfer

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned by Registry.Register when id is in use.
var ErrAlreadyRegistered = errors.New("transfer: id already registered")

// ErrUnknownTransfer is returned when an operation targets an id the
// registry has no entry for.
var ErrUnknownTransfer = errors.New("transfer: unknown transfer id")

// ErrBatchActive is returned by Registry.BeginBatch when another batch is
// already in progress.
var ErrBatchActive = errors.New("transfer: a batch is already active")

// handle is what the registry stores per transfer: enough to cancel and
// flow-control the underlying stream from outside the goroutine driving it.
type handle struct {
	id        string
	direction Direction
	peer      string

	cancel func()
	flow   *flowControl

	mu       sync.Mutex
	filename string
	total    int64
	status   Status
}

// Registry tracks active transfers by id, routes pause/resume/cancel
// commands to their handles, and enforces one-batch-at-a-time via a
// process-wide flag. A single mutex guards the whole domain, matching
// this codebase's low-contention shared-state convention elsewhere.
type Registry struct {
	mu          sync.Mutex
	transfers   map[string]*handle
	batchActive bool
}

// NewRegistry constructs an empty transfer registry.
func NewRegistry() *Registry {
	return &Registry{transfers: make(map[string]*handle)}
}

// Register adds a new in-flight transfer. It fails if id is already known.
func (r *Registry) Register(id string, direction Direction, peer, filename string, total int64, cancel func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transfers[id]; exists {
		return ErrAlreadyRegistered
	}

	r.transfers[id] = &handle{
		id:        id,
		direction: direction,
		peer:      peer,
		filename:  filename,
		total:     total,
		cancel:    cancel,
		flow:      newFlowControl(),
		status:    StatusConnecting,
	}
	return nil
}

// SetStatus records a transfer's current lifecycle status.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// Status returns a transfer's current status, if known.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, true
}

// Cancel invokes id's cancel closure exactly once. It is idempotent and a
// safe no-op for unknown or already-terminal ids.
//
// Status is set to cancelled before the cancel closure runs, not after:
// the closure destroys the underlying stream, which unblocks a listener
// or sender goroutine blocked on it and races it into its own failure
// path. That path checks Status to tell a genuine I/O error from a
// cancellation; if it ran first it would see the pre-cancel status and
// mark the transfer failed instead, permanently losing the distinction.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	if isTerminal(h.status) {
		h.mu.Unlock()
		return
	}
	h.status = StatusCancelled
	h.mu.Unlock()

	h.flow.release()
	h.cancel()
}

// Pause stops progress for id by blocking its stream's read/write path
// until Resume is called.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return ErrUnknownTransfer
	}
	h.flow.pause()
	r.SetStatus(id, StatusPaused)
	return nil
}

// Resume continues id from its exact current byte offset.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return ErrUnknownTransfer
	}
	h.flow.resume()
	r.SetStatus(id, StatusTransferring)
	return nil
}

// Remove deletes id's entry, exactly once, once it has reached a terminal
// status. Safe to call more than once.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, id)
}

// Rekey moves the handle registered under oldID so it is looked up under
// newID instead. The receive side registers a transfer under a
// provisional id before it has read the sender's metadata line; once the
// metadata's own transferId is known, Rekey lets Pause/Resume/Cancel
// against that id (the one actually surfaced in events) reach the same
// handle. A no-op if the two ids are already equal.
func (r *Registry) Rekey(oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.transfers[oldID]
	if !ok {
		return ErrUnknownTransfer
	}
	if _, exists := r.transfers[newID]; exists {
		return ErrAlreadyRegistered
	}

	delete(r.transfers, oldID)
	h.id = newID
	r.transfers[newID] = h
	return nil
}

// SetMeta records the filename and declared size once they become known.
// The receive side registers before it has read the sender's metadata
// line, so its handle starts with an empty filename and a zero size;
// SetMeta fills these in afterward so Info and history recording report
// the real values instead of the registration-time placeholders.
func (r *Registry) SetMeta(id, filename string, total int64) {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	h.filename = filename
	h.total = total
	h.mu.Unlock()
}

// Info returns the static registration details for id: direction, remote
// peer, filename, and declared size. Callers that record history off a
// terminal event use this to look up details the event itself doesn't
// carry, before the handle's deferred Remove clears it.
func (r *Registry) Info(id string) (direction Direction, peer, filename string, total int64, ok bool) {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return "", "", "", 0, false
	}
	h.mu.Lock()
	filename, total = h.filename, h.total
	h.mu.Unlock()
	return h.direction, h.peer, filename, total, true
}

// flowControl returns the flow-control gate for id, or nil if unknown.
// Used internally by the listener/sender to wire pause/resume without
// exposing the handle type outside the package.
func (r *Registry) flowControl(id string) *flowControl {
	r.mu.Lock()
	h := r.transfers[id]
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.flow
}

// Len reports how many transfers currently have registry entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// BeginBatch atomically claims the batch-active flag, or fails if another
// batch is already running. Callers MUST call the returned release func
// (typically via defer) exactly once, regardless of outcome.
func (r *Registry) BeginBatch() (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.batchActive {
		return nil, ErrBatchActive
	}
	r.batchActive = true

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.batchActive = false
			r.mu.Unlock()
		})
	}, nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}
