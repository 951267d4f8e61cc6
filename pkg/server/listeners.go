package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// listeners owns every socket of a session. The watchdog tears it down and
// binds it again on each recovery; sockets are replaced, never reused.
type listeners struct {
	s *Server

	mu      sync.Mutex
	udpConn *ipv4.PacketConn
	udpAddr *net.UDPAddr
	tcp     net.Listener
	http    *http.Server
	httpLn  net.Listener

	// ports chosen by ephemeral binds, reused on the next bind
	udpPort  uint16
	tcpPort  uint16
	httpPort uint16

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func newListeners(s *Server) *listeners {
	return &listeners{s: s, conns: make(map[net.Conn]struct{})}
}

// bindPort binds the configured port, or the port a previous ephemeral bind
// picked. If that port was taken meanwhile a new ephemeral port is used.
func bindPort(configured uint16, last *uint16, bind func(port int) (int, error)) error {
	port := configured
	if port == 0 {
		port = *last
	}
	chosen, err := bind(int(port))
	if err != nil && configured == 0 && port != 0 {
		chosen, err = bind(0)
	}
	if err != nil {
		return err
	}
	*last = uint16(chosen)
	return nil
}

func (l *listeners) Bind(_ context.Context, local net.IP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	conf := l.s.conf

	err := bindPort(conf.Port, &l.udpPort, func(port int) (int, error) {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: local, Port: port})
		if err != nil {
			return 0, err
		}
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
			l.s.logger.Debugf("Destination addresses unavailable: %v", err)
		}
		l.udpConn = pc
		l.udpAddr = conn.LocalAddr().(*net.UDPAddr)
		return l.udpAddr.Port, nil
	})
	if err != nil {
		return err
	}

	if conf.TCP {
		err = bindPort(conf.TCPPort, &l.tcpPort, func(port int) (int, error) {
			ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: local, Port: port})
			if err != nil {
				return 0, err
			}
			l.tcp = ln
			return ln.Addr().(*net.TCPAddr).Port, nil
		})
		if err != nil {
			l.teardownLocked()
			return err
		}
		go l.acceptLoop(l.tcp)
	}

	if conf.HTTP {
		err = bindPort(conf.HTTPPort, &l.httpPort, func(port int) (int, error) {
			ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: local, Port: port})
			if err != nil {
				return 0, err
			}
			l.httpLn = ln
			return ln.Addr().(*net.TCPAddr).Port, nil
		})
		if err != nil {
			l.teardownLocked()
			return err
		}
		l.http = &http.Server{Handler: l.s.httpHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				l.s.logger.Warnf("HTTP server stopped: %v", err)
			}
		}(l.http, l.httpLn)
	}
	return nil
}

func (l *listeners) Teardown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.teardownLocked()
}

func (l *listeners) teardownLocked() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.udpConn != nil {
		keep(l.udpConn.Close())
		l.udpConn = nil
		l.udpAddr = nil
	}
	if l.tcp != nil {
		keep(l.tcp.Close())
		l.tcp = nil
	}
	if l.http != nil {
		keep(l.http.Close())
		l.http = nil
		l.httpLn = nil
	}
	l.connsMu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.connsMu.Unlock()
	return firstErr
}

func (l *listeners) currentUDP() *ipv4.PacketConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.udpConn
}

// receive waits at most timeout for one datagram. Cancelling ctx cuts the
// wait short.
func (l *listeners) receive(ctx context.Context, buf []byte, timeout time.Duration) (int, net.Addr, error) {
	pc := l.currentUDP()
	if pc == nil {
		return 0, nil, net.ErrClosed
	}
	if err := pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		pc.SetReadDeadline(time.Now())
	})
	defer stop()

	n, cm, src, err := pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, err
	}
	if cm != nil {
		l.s.logger.Debugf("Datagram from %s to %s", src, cm.Dst)
	} else {
		l.s.logger.Debugf("Datagram from %s", src)
	}
	return n, src, nil
}

func (l *listeners) reply(payload []byte, dst net.Addr) error {
	pc := l.currentUDP()
	if pc == nil {
		return net.ErrClosed
	}
	_, err := pc.WriteTo(payload, nil, dst)
	return err
}

func (l *listeners) UDPAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.udpAddr
}

func (l *listeners) TCPAddr() *net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Addr().(*net.TCPAddr)
}

func (l *listeners) HTTPAddr() *net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.httpLn == nil {
		return nil
	}
	return l.httpLn.Addr().(*net.TCPAddr)
}

func (l *listeners) track(conn net.Conn) {
	l.connsMu.Lock()
	l.conns[conn] = struct{}{}
	l.connsMu.Unlock()
}

func (l *listeners) untrack(conn net.Conn) {
	l.connsMu.Lock()
	delete(l.conns, conn)
	l.connsMu.Unlock()
}
