package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// startSerial runs s until the test ends and returns a channel carrying
// Run's result.
func startSerial(t *testing.T, s *Serial) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return errCh
}

func readLine(t *testing.T, s *Serial) []byte {
	t.Helper()
	select {
	case line, ok := <-s.Lines():
		if !ok {
			t.Fatal("lines channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return nil
	}
}

func TestSendAppendsNewline(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)

	if err := s.Send([]byte(`{"cmd":"STOP"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Send([]byte(`{"cmd":"STATUS"}` + "\n")); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := string(port.Written())
	want := `{"cmd":"STOP"}` + "\n" + `{"cmd":"STATUS"}` + "\n"
	if got != want {
		t.Errorf("written %q, want %q", got, want)
	}
}

func TestSendReportsWriteFailure(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)

	injected := errors.New("device unplugged")
	port.FailNextWrite(injected)

	if err := s.Send([]byte("x")); !errors.Is(err, injected) {
		t.Errorf("got %v, want the injected write error", err)
	}
	if err := s.Send([]byte("y")); err != nil {
		t.Errorf("send after recovery: %v", err)
	}
}

func TestRunDeliversLinesInOrder(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)
	startSerial(t, s)

	port.FeedRead([]byte("alpha\nbeta\n"))
	if got := string(readLine(t, s)); got != "alpha" {
		t.Errorf("first line %q, want alpha", got)
	}
	if got := string(readLine(t, s)); got != "beta" {
		t.Errorf("second line %q, want beta", got)
	}

	// A partial line is held until its newline arrives.
	port.FeedRead([]byte("gam"))
	select {
	case line := <-s.Lines():
		t.Fatalf("got %q before the line was complete", line)
	case <-time.After(50 * time.Millisecond):
	}
	port.FeedRead([]byte("ma\n"))
	if got := string(readLine(t, s)); got != "gamma" {
		t.Errorf("reassembled line %q, want gamma", got)
	}
}

func TestReadErrorClosesLines(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)
	errCh := startSerial(t, s)

	injected := errors.New("cable pulled")
	port.FailNextRead(injected)

	select {
	case err := <-errCh:
		if !errors.Is(err, injected) {
			t.Errorf("run returned %v, want the injected read error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after the read error")
	}

	if _, ok := <-s.Lines(); ok {
		t.Error("lines channel should be closed after a read error")
	}
}

func TestCloseShutsDownCleanly(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)
	errCh := startSerial(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run returned %v after a deliberate close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestTapObservesTraffic(t *testing.T) {
	port := NewFakePort()
	s := NewSerial(port)
	startSerial(t, s)

	id, tap := s.Tap()

	port.FeedRead([]byte("hello\n"))
	if got := string(readLine(t, s)); got != "hello" {
		t.Fatalf("line %q, want hello", got)
	}

	select {
	case got := <-tap:
		if got != "hello" {
			t.Errorf("tap saw %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tap never received the line")
	}

	s.Untap(id)
	if _, ok := <-tap; ok {
		t.Error("tap channel should close on untap")
	}
}

func TestPortOptionsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr string
	}{
		{
			name: "defaults",
			in:   PortOptions{},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "explicit values kept",
			in:   PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			want: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"},
		},
		{
			name: "odd parity word",
			in:   PortOptions{Parity: "ODD"},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "O"},
		},
		{
			name:    "bad data bits",
			in:      PortOptions{DataBits: 9},
			wantErr: "invalid data bits",
		},
		{
			name:    "bad stop bits",
			in:      PortOptions{StopBits: 3},
			wantErr: "invalid stop bits",
		},
		{
			name:    "bad parity",
			in:      PortOptions{Parity: "X"},
			wantErr: "unsupported parity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got err %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSerialModeMapsParity(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, Parity: "E"}.SerialMode()
	if err != nil {
		t.Fatalf("serial mode: %v", err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 {
		t.Errorf("mode = %+v, want 9600 baud 8 data bits", mode)
	}

	if _, err := (PortOptions{Parity: "Q"}).SerialMode(); err == nil {
		t.Error("expected an error for unsupported parity")
	}
}
