package transport

import (
	"bytes"
	"errors"
	"sync"
)

// FakePort implements Porter in memory with the blocking-read behaviour
// of a real serial device: Read waits until data arrives or the port is
// closed. It exists for tests of anything that talks to a controller.
type FakePort struct {
	mu       sync.Mutex
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readErr  error
	writeErr error
	closed   bool
	cond     *sync.Cond
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available, an injected error fires, or the
// port is closed.
func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.readErr != nil {
			err := p.readErr
			p.readErr = nil
			return 0, err
		}
		if p.closed {
			return 0, errors.New("serial port closed")
		}
		if p.readBuf.Len() > 0 {
			return p.readBuf.Read(b)
		}
		p.cond.Wait()
	}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

// Close unblocks any waiting reader.
func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
	return nil
}

// FeedRead queues data for subsequent Read calls and wakes a blocked
// reader.
func (p *FakePort) FeedRead(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readBuf.Write(data)
	p.cond.Broadcast()
}

// FailNextRead injects an error returned by the next Read.
func (p *FakePort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readErr = err
	p.cond.Broadcast()
}

// FailNextWrite injects an error returned by the next Write.
func (p *FakePort) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeErr = err
}

// Written returns everything written to the port so far.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]byte(nil), p.writeBuf.Bytes()...)
}
