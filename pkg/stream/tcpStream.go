package stream

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/peer"
	"github.com/smallnest/goframe"
)

const TCPTransportCaller = "TCPTransportCaller"

var (
	encoderConfig = goframe.EncoderConfig{
		ByteOrder:                       binary.BigEndian,
		LengthFieldLength:               4,
		LengthAdjustment:                0,
		LengthIncludesLengthFieldLength: false,
	}

	decoderConfig = goframe.DecoderConfig{
		ByteOrder:           binary.BigEndian,
		LengthFieldOffset:   0,
		LengthFieldLength:   4,
		LengthAdjustment:    0,
		InitialBytesToStrip: 4,
	}
)

// NewFrameConn wraps conn with the 4-byte big-endian length prefix used by
// both ends of the TCP transport.
func NewFrameConn(conn net.Conn) goframe.FrameConn {
	return goframe.NewLengthFieldBasedFrameConn(encoderConfig, decoderConfig, conn)
}

// countingConn counts the bytes handed to the frame decoder, so a read that
// timed out can tell whether it left a frame half consumed.
type countingConn struct {
	net.Conn
	read int
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read += n
	return n, err
}

// TCPStream frames each message on a TCP connection. A read that fails, or
// times out in the middle of a frame, leaves the framing state unknown, so
// the connection is dropped and re-dialled on the next Write. A read that
// times out before any byte arrived keeps the connection.
type TCPStream struct {
	mu          sync.Mutex
	dialTimeout time.Duration
	target      peer.Peer
	conn        net.Conn
	counter     *countingConn
	frameConn   goframe.FrameConn
}

func NewTCPDialer(dialTimeout time.Duration) Dialer {
	return func() Stream {
		return &TCPStream{dialTimeout: dialTimeout}
	}
}

func (t *TCPStream) Dial(target peer.Peer) errors.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = target
	return t.dialLocked()
}

func (t *TCPStream) dialLocked() errors.Error {
	t.dropLocked()
	conn, err := net.DialTimeout("tcp", t.target.TCPAddr().String(), t.dialTimeout)
	if err != nil {
		return errors.NonFatalError(errors.CodeTransport, err.Error(), TCPTransportCaller)
	}
	t.conn = conn
	t.counter = &countingConn{Conn: conn}
	t.frameConn = NewFrameConn(t.counter)
	return nil
}

func (t *TCPStream) dropLocked() {
	if t.frameConn != nil {
		t.frameConn.Close()
	}
	t.conn = nil
	t.counter = nil
	t.frameConn = nil
}

func (t *TCPStream) Write(msgBytes []byte) (int, error) {
	t.mu.Lock()
	if t.frameConn == nil {
		if t.target == nil {
			t.mu.Unlock()
			return 0, net.ErrClosed
		}
		if err := t.dialLocked(); err != nil {
			t.mu.Unlock()
			return 0, err
		}
	}
	fc := t.frameConn
	t.mu.Unlock()

	if err := fc.WriteFrame(msgBytes); err != nil {
		t.poison(fc)
		return 0, err
	}
	return len(msgBytes), nil
}

func (t *TCPStream) Read(msgBytes []byte) (int, error) {
	t.mu.Lock()
	fc, counter := t.frameConn, t.counter
	t.mu.Unlock()
	if fc == nil {
		return 0, net.ErrClosed
	}

	counter.read = 0
	frame, err := fc.ReadFrame()
	if err != nil {
		if IsTimeout(err) && counter.read == 0 {
			return 0, err
		}
		t.poison(fc)
		return 0, err
	}
	return copy(msgBytes, frame), nil
}

func (t *TCPStream) poison(fc goframe.FrameConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frameConn == fc {
		t.dropLocked()
	}
}

func (t *TCPStream) SetReadTimeout(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.SetReadDeadline(time.Now().Add(duration))
	}
}

func (t *TCPStream) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *TCPStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	t.target = nil
	return nil
}
