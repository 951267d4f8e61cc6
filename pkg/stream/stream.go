package stream

import (
	stderrors "errors"
	"net"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/peer"
)

// Stream carries one message per Read/Write between the display and the
// sensor. Implementations are owned by a single goroutine; only
// SetReadTimeout may be called concurrently to interrupt a pending Read.
type Stream interface {
	Dial(target peer.Peer) errors.Error
	Read(buf []byte) (int, error)
	Write(msgBytes []byte) (int, error)
	// SetReadTimeout bounds the next Read; zero makes a pending Read return now.
	SetReadTimeout(duration time.Duration)
	LocalAddr() net.Addr
	Close() error
}

type Dialer func() Stream

// IsTimeout reports whether err is a deadline expiry rather than a socket failure.
func IsTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
