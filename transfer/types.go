// Package transfer implements the TCP file-streaming protocol (listener
// and sender), the transfer lifecycle state machine, and the registry
// that tracks in-flight transfers and enforces one-batch-at-a-time.
package transfer

import "time"

// DefaultPort is the TCP port the listener binds and the sender dials.
const DefaultPort = 9001

// DefaultConnectTimeout bounds how long the sender waits to establish a
// connection before failing the transfer.
const DefaultConnectTimeout = 5 * time.Second

// DefaultIdleTimeout bounds how long the sender will block on a single
// write to a stalled peer before the transfer fails. Reset before every
// write, so it only fires against a peer that has stopped reading, not
// against the overall transfer duration.
const DefaultIdleTimeout = 5 * time.Second

// DefaultProgressInterval is the minimum spacing between progress events
// for a single transfer.
const DefaultProgressInterval = 500 * time.Millisecond

// DefaultInterFileDelay is the pause observed between sequential files
// sent to the same peer within a batch.
const DefaultInterFileDelay = 100 * time.Millisecond

// MaxMetadataBytes bounds how many bytes may be buffered while looking
// for the metadata line's terminating newline before failing the
// connection with a protocol error.
const MaxMetadataBytes = 65536

// Direction identifies which side of a transfer this handle represents.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status is a transfer's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
)

// EventKind identifies the kind of Event delivered by this package.
type EventKind string

const (
	EventProgress EventKind = "transfer-progress"
	EventComplete EventKind = "transfer-complete"
	EventError    EventKind = "transfer-error"
)

// ProgressStatus is the narrower status vocabulary carried by progress
// events, distinguishing the connecting/sending/receiving phases.
type ProgressStatus string

const (
	ProgressConnecting ProgressStatus = "connecting"
	ProgressSending    ProgressStatus = "sending"
	ProgressReceiving  ProgressStatus = "receiving"
)

// Event is the single tagged event type this package emits; the façade
// forwards these verbatim on its own event bus.
type Event struct {
	Kind         EventKind
	TransferID   string
	Status       ProgressStatus
	Filename     string
	Progress     int // 0-100
	Bytes        int64
	Total        int64
	SpeedMBps    float64
	Path         string // set on EventComplete
	ErrorMessage string // set on EventError
}

// metadataLine is the JSON header exchanged before file bytes.
type metadataLine struct {
	TransferID string `json:"transferId,omitempty"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
}
