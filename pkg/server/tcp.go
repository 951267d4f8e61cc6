package server

import (
	stderrors "errors"
	"io"
	"net"
	"time"

	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/stream"
)

func (l *listeners) acceptLoop(ln net.Listener) {
	logger := l.s.logger
	logger.Infof("Accepting framed connections on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("Accept failed: %v", err)
			continue
		}
		l.track(conn)
		if err := l.s.pool.Submit(func() { l.handleConn(conn) }); err != nil {
			logger.Warnf("Rejecting %s: %v", conn.RemoteAddr(), err)
			l.untrack(conn)
			conn.Close()
		}
	}
}

// handleConn answers framed requests on one connection until the peer goes
// away, idles out, or sends something that does not decode.
func (l *listeners) handleConn(conn net.Conn) {
	s := l.s
	defer func() {
		l.untrack(conn)
		conn.Close()
	}()
	fc := stream.NewFrameConn(conn)
	for {
		if s.conf.ConnIdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.conf.ConnIdleTimeout))
		}
		frame, err := fc.ReadFrame()
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				s.logger.Debugf("Connection %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		req, decodeErr := message.DeserializeRequest(frame)
		if decodeErr != nil {
			s.stats.decodeErrors.Add(1)
			s.logger.Warnf("Dropping connection %s: %s", conn.RemoteAddr(), decodeErr.Reason())
			return
		}
		switch req.Kind {
		case message.KindReset:
			s.logger.Infof("Reset requested by %s", conn.RemoteAddr())
			s.requestReset()
			return
		case message.KindRequestData:
			resp := message.Response{ID: req.ID, Reading: s.Reading()}
			if err := fc.WriteFrame(resp.Serialize()); err != nil {
				s.logger.Warnf("Replying to %s: %v", conn.RemoteAddr(), err)
				return
			}
			s.stats.served.Add(1)
			s.watchdog.MarkServing()
			s.requestRefresh()
		}
	}
}
