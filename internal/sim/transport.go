package sim

import (
	"context"
	"errors"
)

// Transport runs a Controller in-process and exposes it through the
// session's transport contract: Send delivers command lines, Lines
// carries the controller's output and closes when the controller is
// torn down.
type Transport struct {
	ctrl   *Controller
	cancel context.CancelFunc
}

// NewTransport starts a controller with the given config and returns
// the transport wired to it.
func NewTransport(cfg Config) *Transport {
	ctrl := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	return &Transport{ctrl: ctrl, cancel: cancel}
}

// Send delivers one command line to the controller.
func (t *Transport) Send(line []byte) error {
	buf := append([]byte(nil), line...)
	select {
	case t.ctrl.In() <- buf:
		return nil
	default:
		return errors.New("sim: controller input buffer full")
	}
}

// Lines returns the controller's output channel.
func (t *Transport) Lines() <-chan []byte {
	return t.ctrl.Out()
}

// Close tears the controller down; Lines closes shortly after.
func (t *Transport) Close() error {
	t.cancel()
	return nil
}
