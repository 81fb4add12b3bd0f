package http2

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/http2"

	hpackwrapper "github.com/ozontech/duplex/utils/hpack_wrapper"
)

var errSenderStopped = errors.New("http2: connection writer stopped")

type writeFunc func(fr *http2.Framer, enc *hpackwrapper.Wrapper) error

type writeCmd struct {
	write writeFunc
	done  chan error // nil for control frames
}

// sender owns the write half of the connection. Control frames (acks,
// window updates, resets) go through the priority lane and overtake
// queued stream frames.
type sender struct {
	conn         net.Conn
	bw           *bufio.Writer
	framer       *http2.Framer
	enc          *hpackwrapper.Wrapper
	writeTimeout time.Duration

	priorityCmdChan chan writeCmd
	cmdChan         chan writeCmd
	stopped         chan struct{}
}

func newSender(conn net.Conn, bw *bufio.Writer, framer *http2.Framer, enc *hpackwrapper.Wrapper, writeTimeout time.Duration) *sender {
	return &sender{
		conn:         conn,
		bw:           bw,
		framer:       framer,
		enc:          enc,
		writeTimeout: writeTimeout,

		priorityCmdChan: make(chan writeCmd, 64),
		cmdChan:         make(chan writeCmd),
		stopped:         make(chan struct{}),
	}
}

// Run writes frames until ctx is done or a write fails.
func (s *sender) Run(ctx context.Context) error {
	defer close(s.stopped)

	for {
		var cmd writeCmd
		select {
		case cmd = <-s.priorityCmdChan:
		default:
			select {
			case cmd = <-s.priorityCmdChan:
			case cmd = <-s.cmdChan:
			case <-ctx.Done():
				return s.drain()
			}
		}

		err := s.exec(cmd)
		if err != nil {
			return err
		}
	}
}

func (s *sender) exec(cmd writeCmd) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	err := cmd.write(s.framer, s.enc)
	if err == nil && len(s.priorityCmdChan) == 0 {
		err = s.bw.Flush()
	}
	if cmd.done != nil {
		cmd.done <- err
	}
	return err
}

// drain writes control frames queued before the stop, a GOAWAY among them.
func (s *sender) drain() error {
	for {
		select {
		case cmd := <-s.priorityCmdChan:
			if err := s.exec(cmd); err != nil {
				return err
			}
		default:
			return s.bw.Flush()
		}
	}
}

// Send queues a stream frame and waits until it is written. The frame payload
// may be released once Send returns.
func (s *sender) Send(ctx context.Context, write writeFunc) error {
	cmd := writeCmd{write: write, done: make(chan error, 1)}
	select {
	case s.cmdChan <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return errSenderStopped
	}
	// a received command is always executed
	return <-cmd.done
}

// Control queues a control frame without waiting for the write.
func (s *sender) Control(write writeFunc) {
	select {
	case s.priorityCmdChan <- writeCmd{write: write}:
	case <-s.stopped:
	}
}
