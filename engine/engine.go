// Package engine is the thin event/command façade: it wires the
// interface monitor, discovery service, transfer listener, and transfer
// registry behind a single typed event bus and a small command surface,
// so external collaborators (GUI, CLI, history display, ...) never touch
// the internal components directly.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"etherlink/discovery"
	"etherlink/history"
	"etherlink/interfaces"
	"etherlink/metrics"
	"etherlink/transfer"
)

// Options configures a new Engine. All fields are optional.
type Options struct {
	// DiscoveryUDPPort and TransferTCPPort are injectable so tests can
	// bind ephemeral, collision-free ports; defaults are 9000/9001.
	DiscoveryUDPPort int
	TransferTCPPort  int
	DownloadsDir     string
	HistoryDBPath    string
	Logger           *logrus.Logger
	Metrics          *metrics.Registry
}

func (o Options) withDefaults() (Options, error) {
	if o.DiscoveryUDPPort == 0 {
		o.DiscoveryUDPPort = discovery.DefaultUDPPort
	}
	if o.TransferTCPPort == 0 {
		o.TransferTCPPort = transfer.DefaultPort
	}
	if o.DownloadsDir == "" {
		dir, err := defaultDownloadsDir()
		if err != nil {
			return o, err
		}
		o.DownloadsDir = dir
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewRegistry()
	}
	return o, nil
}

func defaultDownloadsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home directory: %w", err)
	}
	return filepath.Join(home, "Downloads", "EtherLink"), nil
}

// Engine is the process-wide network engine. It is safe for concurrent
// use: every exported method may be called from multiple goroutines.
type Engine struct {
	opts Options
	log  *logrus.Entry

	registry *transfer.Registry
	listener *transfer.Listener
	history  *history.Store
	metrics  *metrics.Registry

	bytesMu       sync.Mutex
	bytesReported map[string]int64

	mu        sync.Mutex
	discovery *discovery.Service
	ifaceMon  *interfaces.Monitor

	events chan Event
	errs   chan error

	fanInWG   sync.WaitGroup
	fanInDone chan struct{}
}

// New constructs and starts an Engine: the transfer listener binds
// immediately and stays bound for the engine's lifetime, independent of
// discovery state. Discovery itself is not started until StartDiscovery
// is called.
func New(opts Options) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DownloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads directory: %w", err)
	}

	store, err := history.Open(opts.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("open transfer history store: %w", err)
	}

	e := &Engine{
		opts:          opts,
		log:           opts.Logger.WithField("component", "engine"),
		registry:      transfer.NewRegistry(),
		history:       store,
		metrics:       opts.Metrics,
		bytesReported: make(map[string]int64),
		events:        make(chan Event, 256),
		errs:          make(chan error, 32),
		fanInDone:     make(chan struct{}),
	}

	l, err := transfer.ListenAndServe(fmt.Sprintf(":%d", opts.TransferTCPPort), e.registry, opts.DownloadsDir, e.onTransferEvent)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e.listener = l

	e.ifaceMon = interfaces.Start(interfaces.Config{})
	e.fanInWG.Add(1)
	go e.pumpInterfaceEvents()

	e.log.Info("engine started")
	return e, nil
}

// Events returns the single typed event bus external collaborators
// subscribe to.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Errors returns non-data-plane errors (bind failures, history writes)
// that are logged as well as surfaced here.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// StartDiscovery starts peer discovery, clearing the peer table.
func (e *Engine) StartDiscovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.discovery != nil {
		e.discovery.Stop()
		e.discovery = nil
	}

	svc, err := discovery.Start(discovery.Config{
		UDPPort:      e.opts.DiscoveryUDPPort,
		TransferPort: e.opts.TransferTCPPort,
	})
	if err != nil {
		e.reportError(fmt.Errorf("start discovery: %w", err))
		return err
	}
	e.discovery = svc

	e.fanInWG.Add(1)
	go e.pumpDiscoveryEvents(svc)

	return nil
}

// Stop halts discovery (releasing the UDP socket); the TCP transfer
// listener remains bound.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discovery != nil {
		e.discovery.Stop()
		e.discovery = nil
	}
}

// CheckPeer attempts a single TCP probe of address:TransferTCPPort.
func (e *Engine) CheckPeer(address string) bool {
	e.mu.Lock()
	svc := e.discovery
	e.mu.Unlock()
	if svc != nil {
		return svc.CheckPeer(address)
	}

	probe := discovery.Config{TransferPort: e.opts.TransferTCPPort}
	tmp, err := discovery.Start(probe)
	if err != nil {
		return false
	}
	defer tmp.Stop()
	return tmp.CheckPeer(address)
}

// SendBatch starts one sender per (peer, file) pair. It fails
// synchronously if a batch is already active or any source file is
// missing.
func (e *Engine) SendBatch(batchID string, peerAddresses []string, filePaths []string) (string, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}

	var requests []transfer.FileRequest
	for _, peer := range peerAddresses {
		for _, path := range filePaths {
			requests = append(requests, transfer.FileRequest{PeerAddress: peer, FilePath: path})
		}
	}

	prepared, err := transfer.PrepareBatch(e.registry, batchID, requests)
	if err != nil {
		return "", err
	}

	go func() {
		if err := prepared.Run(context.Background(), e.registry, e.opts.TransferTCPPort, e.onTransferEvent); err != nil {
			e.reportError(fmt.Errorf("batch %s: %w", prepared.BatchID(), err))
		}
	}()

	return prepared.BatchID(), nil
}

// CancelTransfer cancels id if known; a no-op otherwise.
func (e *Engine) CancelTransfer(id string) {
	e.registry.Cancel(id)
}

// PauseTransfer flow-controls the underlying stream for id.
func (e *Engine) PauseTransfer(id string) error {
	return e.registry.Pause(id)
}

// ResumeTransfer continues id from its exact current byte offset.
func (e *Engine) ResumeTransfer(id string) error {
	return e.registry.Resume(id)
}

// SetDownloadsDir updates the destination directory, creating it if absent.
func (e *Engine) SetDownloadsDir(path string) error {
	return e.listener.SetDownloadsDir(path)
}

// GetDownloadsDir returns the current destination directory.
func (e *Engine) GetDownloadsDir() string {
	return e.listener.DownloadsDir()
}

// GetTransferHistory looks up one terminal transfer by id.
func (e *Engine) GetTransferHistory(id string) (*history.Record, error) {
	return e.history.GetTransfer(id)
}

// ListRecentTransfers returns up to limit terminal transfers, most
// recently finished first.
func (e *Engine) ListRecentTransfers(limit int) ([]history.Record, error) {
	return e.history.ListRecent(limit)
}

// Close shuts down every component: discovery, the transfer listener,
// interface polling, and the history store.
func (e *Engine) Close() error {
	e.Stop()
	_ = e.listener.Close()
	e.ifaceMon.Stop()

	close(e.fanInDone)
	e.fanInWG.Wait()

	err := e.history.Close()
	close(e.events)
	close(e.errs)
	return err
}

func (e *Engine) reportError(err error) {
	e.log.WithError(err).Warn("engine error")
	select {
	case e.errs <- err:
	default:
	}
}

func (e *Engine) emit(evt Event) {
	select {
	case e.events <- evt:
	default:
		e.log.Warn("event bus full, dropping event")
	}
}
