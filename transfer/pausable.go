package transfer

import (
	"io"
	"sync"
)

// flowControl implements pause/resume as socket-level backpressure: a
// paused reader/writer blocks before each I/O call until resumed, rather
// than the protocol carrying a pause message. This preserves wire
// compatibility with any simple peer, per the design notes this protocol
// follows.
type flowControl struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	done   bool
}

func newFlowControl() *flowControl {
	fc := &flowControl{}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *flowControl) pause() {
	fc.mu.Lock()
	fc.paused = true
	fc.mu.Unlock()
}

func (fc *flowControl) resume() {
	fc.mu.Lock()
	fc.paused = false
	fc.mu.Unlock()
	fc.cond.Broadcast()
}

// release unblocks any waiter permanently, used on cancellation so a
// paused transfer doesn't hang forever after its stream is destroyed.
func (fc *flowControl) release() {
	fc.mu.Lock()
	fc.done = true
	fc.paused = false
	fc.mu.Unlock()
	fc.cond.Broadcast()
}

func (fc *flowControl) waitWhilePaused() {
	fc.mu.Lock()
	for fc.paused && !fc.done {
		fc.cond.Wait()
	}
	fc.mu.Unlock()
}

// pausableReader blocks on Read while paused.
type pausableReader struct {
	r  io.Reader
	fc *flowControl
}

func (p *pausableReader) Read(buf []byte) (int, error) {
	p.fc.waitWhilePaused()
	return p.r.Read(buf)
}

// pausableWriter blocks on Write while paused.
type pausableWriter struct {
	w  io.Writer
	fc *flowControl
}

func (p *pausableWriter) Write(buf []byte) (int, error) {
	p.fc.waitWhilePaused()
	return p.w.Write(buf)
}
