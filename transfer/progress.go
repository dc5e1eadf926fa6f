package transfer

import (
	"io"
	"sync"
	"time"
)

// progressTracker throttles transfer-progress events to at most one per
// DefaultProgressInterval per transfer, while always emitting boundary
// events at 0% and 100%/terminal, and keeping bytes monotonically
// non-decreasing across emitted events.
type progressTracker struct {
	mu         sync.Mutex
	transferID string
	filename   string
	total      int64
	status     ProgressStatus
	emit       func(Event)

	start       time.Time
	lastEmitAt  time.Time
	lastEmitted int64
	interval    time.Duration
}

func newProgressTracker(transferID, filename string, total int64, status ProgressStatus, emit func(Event)) *progressTracker {
	return &progressTracker{
		transferID: transferID,
		filename:   filename,
		total:      total,
		status:     status,
		emit:       emit,
		start:      time.Now(),
		interval:   DefaultProgressInterval,
	}
}

// reportInitial emits the guaranteed 0%/0-bytes boundary event.
func (p *progressTracker) reportInitial() {
	p.mu.Lock()
	p.lastEmitAt = time.Now()
	p.lastEmitted = 0
	p.mu.Unlock()
	p.send(0)
}

// report is called as bytes accumulate; it emits at most once per
// interval unless force is set (used for the terminal report).
func (p *progressTracker) report(bytes int64, force bool) {
	p.mu.Lock()
	due := force || time.Since(p.lastEmitAt) >= p.interval
	if !due {
		p.mu.Unlock()
		return
	}
	p.lastEmitAt = time.Now()
	if bytes > p.lastEmitted {
		p.lastEmitted = bytes
	}
	emitted := p.lastEmitted
	p.mu.Unlock()

	p.send(emitted)
}

func (p *progressTracker) send(bytes int64) {
	elapsed := time.Since(p.start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) / elapsed / (1024 * 1024)
	}

	percent := 0
	if p.total > 0 {
		percent = int(bytes * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
	}

	p.emit(Event{
		Kind:       EventProgress,
		TransferID: p.transferID,
		Status:     p.status,
		Filename:   p.filename,
		Progress:   percent,
		Bytes:      bytes,
		Total:      p.total,
		SpeedMBps:  speed,
	})
}

// countingWriter wraps an io.Writer, invoking onWrite with the total
// bytes written so far after each successful Write.
type countingWriter struct {
	w       io.Writer
	total   int64
	onWrite func(int64)
}

func (c *countingWriter) Write(buf []byte) (int, error) {
	n, err := c.w.Write(buf)
	if n > 0 {
		c.total += int64(n)
		if c.onWrite != nil {
			c.onWrite(c.total)
		}
	}
	return n, err
}
