package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FileRequest is one (peer, file) pair within a batch.
type FileRequest struct {
	PeerAddress string
	FilePath    string
}

// PreparedBatch holds the result of a batch's synchronous admission
// checks: batch exclusivity and upfront source-file existence. Run then
// drives the actual transfers asynchronously. Splitting admission from
// execution lets a caller that starts Run on a goroutine still surface
// ErrBatchActive and missing-file failures synchronously, with no
// partial effect on the registry.
type PreparedBatch struct {
	batchID string
	byPeer  map[string][]string
	order   []string
	release func()
}

// PrepareBatch validates a batch synchronously: it claims exclusive
// batch access and stats every source file before any network activity
// begins. On error, the registry is left exactly as it was.
func PrepareBatch(registry *Registry, batchID string, requests []FileRequest) (*PreparedBatch, error) {
	release, err := registry.BeginBatch()
	if err != nil {
		return nil, err
	}

	if batchID == "" {
		batchID = uuid.NewString()
	}

	byPeer := make(map[string][]string)
	order := make([]string, 0)
	for _, req := range requests {
		if _, ok := byPeer[req.PeerAddress]; !ok {
			order = append(order, req.PeerAddress)
		}
		byPeer[req.PeerAddress] = append(byPeer[req.PeerAddress], req.FilePath)
	}

	for _, peer := range order {
		for _, path := range byPeer[peer] {
			if _, err := os.Stat(path); err != nil {
				release()
				return nil, fmt.Errorf("source file %q: %w", path, err)
			}
		}
	}

	return &PreparedBatch{batchID: batchID, byPeer: byPeer, order: order, release: release}, nil
}

// BatchID returns the id this prepared batch will run under.
func (p *PreparedBatch) BatchID() string { return p.batchID }

// Run drives one or more independent sender instances sharing the
// prepared batch id: files to the same peer are sent serially with a
// short inter-file pause, and distinct peers are sent to in parallel.
// It always releases the registry's batch-exclusivity claim on return.
func (p *PreparedBatch) Run(ctx context.Context, registry *Registry, port int, emit func(Event)) error {
	defer p.release()

	g, gctx := errgroup.WithContext(ctx)
	order, byPeer := p.order, p.byPeer
	for _, peer := range order {
		peer := peer
		paths := byPeer[peer]
		g.Go(func() error {
			for i, path := range paths {
				if i > 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(DefaultInterFileDelay):
					}
				}
				transferID := uuid.NewString()
				if err := Send(gctx, registry, port, transferID, peer, path, emit); err != nil {
					// Errors are reported per-transfer via transfer-error
					// events; the batch continues with remaining files.
					continue
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// SendBatch prepares and runs a batch in one synchronous call: useful for
// callers that are already on a background goroutine and don't need to
// separate admission from execution. Engine callers that must surface
// ErrBatchActive or a missing-file error synchronously should call
// PrepareBatch directly instead.
func SendBatch(ctx context.Context, registry *Registry, port int, batchID string, requests []FileRequest, emit func(Event)) error {
	prepared, err := PrepareBatch(registry, batchID, requests)
	if err != nil {
		return err
	}
	return prepared.Run(ctx, registry, port, emit)
}

// deadlineWriter resets conn's write deadline before every write, giving
// the sender a rolling idle timeout instead of one fixed to the whole
// transfer: a peer that keeps reading, however slowly, never trips it,
// while one that stops reading surfaces a write error within timeout.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineWriter) Write(buf []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Write(buf)
}

// Send opens an outbound connection to peerAddress:port, writes the
// metadata line, waits for it to be flushed, then streams filePath's
// bytes. It registers/unregisters transferID in registry for the
// duration and reports throttled sending progress via emit.
func Send(ctx context.Context, registry *Registry, port int, transferID, peerAddress, filePath string, emit func(Event)) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	basename := filepath.Base(filePath)
	total := info.Size()

	dialCtx, cancelDial := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancelDial()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(peerAddress, strconv.Itoa(port)))
	if err != nil {
		emit(Event{Kind: EventError, TransferID: transferID, ErrorMessage: err.Error()})
		return fmt.Errorf("connect to %s: %w", peerAddress, err)
	}

	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}

	if err := registry.Register(transferID, DirectionSend, peerAddress, basename, total, closeConn); err != nil {
		closeConn()
		return err
	}
	defer registry.Remove(transferID)
	defer closeConn()

	emit(Event{Kind: EventProgress, TransferID: transferID, Status: ProgressConnecting, Filename: basename, Total: total})

	// A cancel arriving before the metadata flush must abort without
	// producing a parseable header on the peer: check once more right
	// before writing.
	select {
	case <-ctx.Done():
		registry.SetStatus(transferID, StatusCancelled)
		return ctx.Err()
	default:
	}

	meta := metadataLine{TransferID: transferID, Name: basename, Size: total}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode transfer metadata: %w", err)
	}
	payload = append(payload, '\n')

	if err := conn.SetWriteDeadline(time.Now().Add(DefaultIdleTimeout)); err != nil {
		fail(registry, emit, transferID, err)
		return err
	}
	writer := bufio.NewWriter(conn)
	if _, err := writer.Write(payload); err != nil {
		fail(registry, emit, transferID, err)
		return err
	}
	if err := writer.Flush(); err != nil {
		fail(registry, emit, transferID, err)
		return err
	}

	file, err := os.Open(filePath)
	if err != nil {
		fail(registry, emit, transferID, err)
		return err
	}
	defer file.Close()

	registry.SetStatus(transferID, StatusTransferring)
	tracker := newProgressTracker(transferID, basename, total, ProgressSending, emit)
	tracker.reportInitial()

	fc := registry.flowControl(transferID)
	var dst io.Writer = &deadlineWriter{conn: conn, timeout: DefaultIdleTimeout}
	if fc != nil {
		dst = &pausableWriter{w: dst, fc: fc}
	}
	cw := &countingWriter{w: dst, onWrite: func(n int64) { tracker.report(n, false) }}

	written, err := io.Copy(cw, file)
	if err != nil {
		fail(registry, emit, transferID, err)
		return err
	}

	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
	}

	tracker.report(written, true)
	registry.SetStatus(transferID, StatusCompleted)
	emit(Event{Kind: EventComplete, TransferID: transferID, Filename: basename, Path: filePath})
	return nil
}

func fail(registry *Registry, emit func(Event), transferID string, err error) {
	status, known := registry.Status(transferID)
	if known && status == StatusCancelled {
		emit(Event{Kind: EventError, TransferID: transferID, ErrorMessage: "cancelled"})
		return
	}
	registry.SetStatus(transferID, StatusFailed)
	emit(Event{Kind: EventError, TransferID: transferID, ErrorMessage: err.Error()})
}
