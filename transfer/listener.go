package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Listener accepts inbound transfer connections on TCP port 9001 for the
// engine's entire lifetime, independent of discovery state.
type Listener struct {
	ln       net.Listener
	registry *Registry
	emit     func(Event)

	downloadsDirMu sync.RWMutex
	downloadsDir   string

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// ListenAndServe binds addr (host:port, typically ":9001") and begins
// accepting connections in the background.
func ListenAndServe(addr string, registry *Registry, downloadsDir string, emit func(Event)) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind transfer listener on %s: %w", addr, err)
	}

	l := &Listener{
		ln:           ln,
		registry:     registry,
		emit:         emit,
		downloadsDir: downloadsDir,
		done:         make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// SetDownloadsDir updates the destination directory for future receives,
// creating it if absent.
func (l *Listener) SetDownloadsDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create downloads directory %q: %w", path, err)
	}
	l.downloadsDirMu.Lock()
	l.downloadsDir = path
	l.downloadsDirMu.Unlock()
	return nil
}

// DownloadsDir returns the current destination directory.
func (l *Listener) DownloadsDir() string {
	l.downloadsDirMu.RLock()
	defer l.downloadsDirMu.RUnlock()
	return l.downloadsDir
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections. In-flight transfers are not
// forcibly cancelled; each cleans up via its own deferred release path.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(conn)
		}()
	}
}

func (l *Listener) serve(conn net.Conn) {
	transferID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}
	defer closeConn()

	if err := l.registry.Register(transferID, DirectionReceive, conn.RemoteAddr().String(), "", 0, closeConn); err != nil {
		return
	}
	defer func() { l.registry.Remove(transferID) }()

	l.emit(Event{Kind: EventProgress, TransferID: transferID, Status: ProgressConnecting})

	reader := bufio.NewReaderSize(conn, MaxMetadataBytes)
	line, err := readMetadataLine(reader)
	if err != nil {
		l.fail(transferID, err)
		return
	}

	var meta metadataLine
	if err := json.Unmarshal(line, &meta); err != nil {
		l.fail(transferID, fmt.Errorf("parse transfer metadata: %w", err))
		return
	}
	if meta.TransferID != "" && meta.TransferID != transferID {
		switch err := l.registry.Rekey(transferID, meta.TransferID); {
		case err == nil:
			transferID = meta.TransferID
		case errors.Is(err, ErrAlreadyRegistered):
			// The sender's id already names an active entry in this same
			// registry — only possible when this process is both ends of
			// the transfer (sending to itself). Keep our own provisional
			// id rather than fail a transfer that is otherwise healthy.
		default:
			l.fail(transferID, fmt.Errorf("rekey transfer id: %w", err))
			return
		}
	}
	basename := sanitizeBasename(meta.Name)
	if basename == "" {
		l.fail(transferID, fmt.Errorf("transfer metadata has no usable filename"))
		return
	}
	l.registry.SetMeta(transferID, basename, meta.Size)

	destDir := l.DownloadsDir()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		l.fail(transferID, fmt.Errorf("prepare downloads directory: %w", err))
		return
	}
	destPath := filepath.Join(destDir, basename)

	out, err := os.Create(destPath)
	if err != nil {
		l.fail(transferID, fmt.Errorf("create destination file: %w", err))
		return
	}
	defer out.Close()

	tracker := newProgressTracker(transferID, basename, meta.Size, ProgressReceiving, l.emit)
	tracker.reportInitial()

	l.registry.SetStatus(transferID, StatusTransferring)

	written, err := l.copyWithFlowControl(ctx, transferID, out, reader, meta.Size, tracker)
	if err != nil {
		l.fail(transferID, err)
		return
	}
	if meta.Size > 0 && written != meta.Size {
		l.fail(transferID, fmt.Errorf("size mismatch: declared %d bytes, received %d", meta.Size, written))
		return
	}

	tracker.report(written, true)
	l.registry.SetStatus(transferID, StatusCompleted)
	l.emit(Event{Kind: EventComplete, TransferID: transferID, Filename: basename, Path: destPath})
}

func (l *Listener) copyWithFlowControl(ctx context.Context, transferID string, dst io.Writer, src io.Reader, total int64, tracker *progressTracker) (int64, error) {
	cw := &countingWriter{w: dst, onWrite: func(n int64) { tracker.report(n, false) }}

	fw := l.flowControlFor(transferID)
	var pr io.Reader = src
	if fw != nil {
		pr = &pausableReader{r: src, fc: fw}
	}

	if total > 0 {
		return io.CopyN(cw, pr, total)
	}
	return io.Copy(cw, pr)
}

func (l *Listener) flowControlFor(transferID string) *flowControl {
	return l.registry.flowControl(transferID)
}

// fail reports err as a transfer-error, unless the transfer has already
// been cancelled — it delegates to the package-level fail in sender.go,
// so both sides share one policy and a cancel is never downgraded to a
// permanent failure.
func (l *Listener) fail(transferID string, err error) {
	fail(l.registry, l.emit, transferID, err)
}

// readMetadataLine reads bytes up to and including the first '\n', failing
// if MaxMetadataBytes is exceeded first (r is sized to MaxMetadataBytes,
// so ReadSlice reports bufio.ErrBufferFull at that point). Because
// bufio.Reader buffers past the delimiter, ReadSlice leaves any post-'\n'
// bytes available for the subsequent Read calls on the same reader — this
// is the race-free handover the wire format requires, achieved by never
// discarding the buffered reader between the header and payload phases.
func readMetadataLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) || len(line) >= MaxMetadataBytes {
			return nil, fmt.Errorf("transfer metadata exceeded %d bytes without a newline", MaxMetadataBytes)
		}
		if err == io.EOF && len(line) > 0 {
			return nil, fmt.Errorf("connection closed before metadata line terminated")
		}
		if err == io.EOF {
			return nil, fmt.Errorf("connection closed before sending metadata")
		}
		return nil, fmt.Errorf("read transfer metadata: %w", err)
	}
	return append([]byte(nil), line[:len(line)-1]...), nil
}

func sanitizeBasename(name string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == ".." {
		return ""
	}
	return base
}
