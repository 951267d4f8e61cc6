package client

import (
	"fmt"
	"time"

	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/request"
)

type Status int

const (
	OK Status = iota
	TimedOut
	Mismatched
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case TimedOut:
		return "timed out"
	case Mismatched:
		return "mismatched"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one exchange. Reading is only meaningful when
// Status is OK; GotID is the stray ID of a Mismatched exchange.
type Result struct {
	Status    Status
	Reading   message.Reading
	ID        request.ID
	GotID     request.ID
	Failures  int
	ResetSent bool
	Latency   time.Duration
	Err       error
}

func (r Result) OK() bool {
	return r.Status == OK
}
