package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/analytics"
	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/peer"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/request"
	"github.com/nm-morais/waterme/pkg/stream"
	"github.com/nm-morais/waterme/pkg/watchdog"
	"github.com/sirupsen/logrus"
)

const clientCaller = "TelemetryClient"

type Conf struct {
	Host                 string
	Port                 uint16
	Timeout              time.Duration
	ResetThreshold       int
	SocketResetThreshold int
	SessionWindow        time.Duration
}

func DefaultConf() Conf {
	return Conf{
		Host:                 "127.0.0.1",
		Port:                 5000,
		Timeout:              100 * time.Millisecond,
		ResetThreshold:       20,
		SocketResetThreshold: 100,
	}
}

// socket is the client's half of the watchdog: binding dials a fresh
// stream, teardown closes it.
type socket struct {
	dial   stream.Dialer
	target peer.Peer
	st     stream.Stream
}

func (s *socket) Bind(context.Context, net.IP) error {
	st := s.dial()
	if err := st.Dial(s.target); err != nil {
		return err
	}
	s.st = st
	return nil
}

func (s *socket) Teardown() error {
	if s.st == nil {
		return nil
	}
	err := s.st.Close()
	s.st = nil
	return err
}

// Client fetches readings with at most one outstanding request. Every call
// returns within twice the configured timeout, plus one more dial when it
// crosses SocketResetThreshold.
type Client struct {
	mu       sync.Mutex
	conf     Conf
	sock     *socket
	watchdog *watchdog.Watchdog
	ids      *request.Generator
	failures int
	latency  *analytics.LatencyCalculator
	logger   *logrus.Logger
}

func New(conf Conf, dial stream.Dialer) (*Client, error) {
	if conf.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", conf.Timeout)
	}
	target, err := peer.Parse(net.JoinHostPort(conf.Host, strconv.Itoa(int(conf.Port))))
	if err != nil {
		return nil, err
	}
	sock := &socket{dial: dial, target: target}
	return &Client{
		conf: conf,
		sock: sock,
		watchdog: watchdog.New(watchdog.Conf{
			SessionWindow: conf.SessionWindow,
		}, radio.Static{}, radio.Credentials{}, sock),
		ids:     request.NewGenerator(),
		latency: analytics.NewLatencyCalculator(0.2, 0.8),
		logger:  logs.NewLogger(clientCaller),
	}, nil
}

// GetValues sends one request_data and waits for the matching response,
// granting a single extra receive after a timeout or a stray response. The
// whole call, dialling included, fits in twice the configured timeout.
func (c *Client) GetValues(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := time.Now().Add(2 * c.conf.Timeout)
	if err := c.ensureBoundLocked(ctx); err != nil {
		return c.failLocked(ctx, Result{Status: Failed, Err: err})
	}
	st := c.sock.st
	id := c.ids.Next()
	start := time.Now()
	if _, err := st.Write(message.NewDataRequest(id).Serialize()); err != nil {
		return c.failLocked(ctx, Result{Status: Failed, ID: id, Err: err})
	}

	res := c.await(ctx, st, id, budget)
	if !res.OK() {
		return c.failLocked(ctx, res)
	}
	res.Latency = time.Since(start)
	c.latency.AddMeasurement(res.Latency)
	c.failures = 0
	c.watchdog.MarkServing()
	c.logger.Debugf("Exchange %d: %s in %s", id, res.Reading, res.Latency)
	return res
}

func (c *Client) ensureBoundLocked(ctx context.Context) error {
	switch {
	case c.sock.st == nil:
		return c.watchdog.RecoverOnce(ctx, watchdog.TriggerStartup)
	case c.watchdog.SessionExpired():
		return c.watchdog.RecoverOnce(ctx, watchdog.TriggerSession)
	default:
		return nil
	}
}

func (c *Client) await(ctx context.Context, st stream.Stream, id request.ID, budget time.Time) Result {
	stop := context.AfterFunc(ctx, func() {
		st.SetReadTimeout(0)
	})
	defer stop()

	buf := make([]byte, message.MaxDatagramSize+1)
	timedOut := Result{Status: TimedOut, ID: id, Err: errors.TemporaryError(errors.CodeTimeout, "no response", clientCaller)}
	res := timedOut
	for attempt := 0; attempt < 2; attempt++ {
		wait := min(c.conf.Timeout, time.Until(budget))
		if wait <= 0 {
			break
		}
		st.SetReadTimeout(wait)
		// a cancel that landed before the deadline above was overwritten
		if err := ctx.Err(); err != nil {
			return Result{Status: Failed, ID: id, Err: err}
		}
		n, err := st.Read(buf)
		if err != nil {
			if stream.IsTimeout(err) {
				res = timedOut
				continue
			}
			return Result{Status: Failed, ID: id, Err: err}
		}
		resp, decodeErr := message.DeserializeResponse(buf[:n])
		if decodeErr != nil {
			res = Result{Status: Failed, ID: id, Err: decodeErr}
			continue
		}
		if resp.ID != id {
			c.logger.Debugf("Discarding response %d while waiting for %d", resp.ID, id)
			res = Result{
				Status: Mismatched,
				ID:     id,
				GotID:  resp.ID,
				Err:    errors.TemporaryError(errors.CodeMismatch, fmt.Sprintf("got response %d, want %d", resp.ID, id), clientCaller),
			}
			continue
		}
		return Result{Status: OK, ID: id, Reading: resp.Reading}
	}
	return res
}

// failLocked counts a failed exchange. Every ResetThreshold failures the
// server is asked to reconnect; every SocketResetThreshold failures the
// local socket is replaced.
func (c *Client) failLocked(ctx context.Context, res Result) Result {
	c.failures++
	res.Failures = c.failures
	c.logger.Debugf("Exchange %d %s (%d in a row): %v", res.ID, res.Status, c.failures, res.Err)

	if c.conf.ResetThreshold > 0 && c.failures%c.conf.ResetThreshold == 0 {
		c.logger.Warnf("%d failed exchanges, asking sensor to reset", c.failures)
		if err := c.sendResetLocked(ctx); err != nil {
			c.logger.Warnf("Sending reset: %v", err)
		} else {
			res.ResetSent = true
		}
	}
	if c.conf.SocketResetThreshold > 0 && c.failures%c.conf.SocketResetThreshold == 0 {
		c.logger.Warnf("%d failed exchanges, recreating socket", c.failures)
		if err := c.watchdog.RecoverOnce(ctx, watchdog.TriggerFailures); err != nil {
			c.logger.Warnf("Recreating socket: %v", err)
		}
	}
	return res
}

// SendReset asks the sensor to cycle its radio. Nothing answers a reset.
func (c *Client) SendReset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendResetLocked(ctx)
}

func (c *Client) sendResetLocked(ctx context.Context) error {
	if err := c.ensureBoundLocked(ctx); err != nil {
		return err
	}
	_, err := c.sock.st.Write(message.NewResetRequest().Serialize())
	return err
}

func (c *Client) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Latency is the smoothed round-trip time of successful exchanges.
func (c *Client) Latency() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency.CurrValue()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Teardown()
}
