// Package transport connects the session to a controller over a serial
// port. A reader goroutine turns the byte stream into whole lines
// delivered in order on a single channel; debug taps can additionally
// watch the raw traffic without ever blocking the reader.
package transport

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

var ErrWriteFailed = errors.New("short write to serial port")

// Porter is the minimal surface the transport needs from a serial port.
// Real ports from go.bug.st/serial satisfy it, as does FakePort.
type Porter interface {
	io.ReadWriter
	io.Closer
}

const lineBuffer = 64

// Serial is a line transport over a serial port. Lines() carries every
// received line in arrival order; Run must be started for lines to
// flow.
type Serial struct {
	port  Porter
	lines chan []byte

	writeMu sync.Mutex

	tapMu sync.Mutex
	taps  map[string]chan string

	closingMu sync.Mutex
	closing   bool
}

// NewSerial wraps an already-open port.
func NewSerial(port Porter) *Serial {
	return &Serial{
		port:  port,
		lines: make(chan []byte, lineBuffer),
		taps:  make(map[string]chan string),
	}
}

// Open opens the serial port at path with the given options and wraps
// it in a Serial.
func Open(path string, opts PortOptions) (*Serial, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerial(port), nil
}

// Send writes one line to the port, appending the newline if the caller
// left it off. Concurrent senders are serialized so lines never
// interleave on the wire.
func (s *Serial) Send(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(append([]byte(nil), line...), '\n')
	}
	n, err := s.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Lines returns the received-line channel. It closes when Run returns,
// which the session reads as the transport being lost.
func (s *Serial) Lines() <-chan []byte {
	return s.lines
}

// Run reads the port until the context is cancelled, the port is
// closed, or a read error occurs. Each line goes to Lines() in order;
// taps get a copy on a best-effort basis.
func (s *Serial) Run(ctx context.Context) error {
	defer close(s.lines)

	scan := bufio.NewScanner(s.port)
	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan lives in its own goroutine so the outer
	// loop can still observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil && !s.isClosing() {
					return err
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			select {
			case s.lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.publishToTaps(line)
		}
	}
}

// Tap registers a raw-line observer for debugging. A tap that stops
// reading loses lines rather than slowing the session down.
func (s *Serial) Tap() (string, chan string) {
	id := randomID()
	ch := make(chan string, lineBuffer)
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.taps[id] = ch
	return id, ch
}

// Untap removes a tap and closes its channel.
func (s *Serial) Untap(id string) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if ch, ok := s.taps[id]; ok {
		close(ch)
		delete(s.taps, id)
	}
}

func (s *Serial) publishToTaps(line []byte) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	for _, ch := range s.taps {
		select {
		case ch <- string(line):
		default:
		}
	}
}

// Close shuts the port down and drops all taps. Run returns nil rather
// than surfacing the read error a deliberate close provokes.
func (s *Serial) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.tapMu.Lock()
	for id, ch := range s.taps {
		close(ch)
		delete(s.taps, id)
	}
	s.tapMu.Unlock()

	return s.port.Close()
}

func (s *Serial) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// randomID generates an 8-byte random hex tap identifier.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}
