package stream

import (
	"net"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/peer"
)

const UDPTransportCaller = "UDPTransportCaller"

type UDPStream struct {
	mu         sync.Mutex
	targetAddr *net.UDPAddr
	packetConn *net.UDPConn
}

func NewUDPDialer() Dialer {
	return func() Stream {
		return &UDPStream{}
	}
}

func (t *UDPStream) Dial(target peer.Peer) errors.Error {
	addr := target.UDPAddr()
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return errors.NonFatalError(errors.CodeTransport, err.Error(), UDPTransportCaller)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packetConn != nil {
		t.packetConn.Close()
	}
	t.targetAddr = addr
	t.packetConn = conn
	return nil
}

func (t *UDPStream) conn() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packetConn == nil {
		return nil, net.ErrClosed
	}
	return t.packetConn, nil
}

func (t *UDPStream) Write(msgBytes []byte) (int, error) {
	conn, err := t.conn()
	if err != nil {
		return 0, err
	}
	return conn.Write(msgBytes)
}

func (t *UDPStream) Read(msgBytes []byte) (int, error) {
	conn, err := t.conn()
	if err != nil {
		return 0, err
	}
	return conn.Read(msgBytes)
}

func (t *UDPStream) SetReadTimeout(duration time.Duration) {
	conn, err := t.conn()
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Now().Add(duration))
}

func (t *UDPStream) LocalAddr() net.Addr {
	conn, err := t.conn()
	if err != nil {
		return nil
	}
	return conn.LocalAddr()
}

func (t *UDPStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packetConn == nil {
		return nil
	}
	err := t.packetConn.Close()
	t.packetConn = nil
	return err
}
