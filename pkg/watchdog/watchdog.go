package watchdog

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/timer"
	"github.com/sirupsen/logrus"
)

const watchdogCaller = "Watchdog"

type State int32

const (
	Disconnected State = iota
	Connecting
	Bound
	Serving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Bound:
		return "Bound"
	case Serving:
		return "Serving"
	default:
		return "Unknown"
	}
}

type Trigger int

const (
	TriggerStartup Trigger = iota
	TriggerReset
	TriggerSession
	TriggerRadioLost
	TriggerTransport
	TriggerDecode
	TriggerFailures
)

func (t Trigger) String() string {
	switch t {
	case TriggerStartup:
		return "startup"
	case TriggerReset:
		return "reset requested"
	case TriggerSession:
		return "session window elapsed"
	case TriggerRadioLost:
		return "radio lost"
	case TriggerTransport:
		return "transport error"
	case TriggerDecode:
		return "decode error"
	case TriggerFailures:
		return "consecutive failures"
	default:
		return "unknown"
	}
}

// Binder owns the sockets that a recovery replaces.
type Binder interface {
	Bind(ctx context.Context, local net.IP) error
	Teardown() error
}

type Conf struct {
	SessionWindow   time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Watchdog runs the reconnect sequence shared by both ends: disable radio,
// close sockets, reconnect with stored credentials, rebind, restart the
// session window. The sequence is idempotent and has no terminal failure.
type Watchdog struct {
	conf       Conf
	radio      radio.Controller
	creds      radio.Credentials
	binder     Binder
	window     *timer.Window
	state      atomic.Int32
	recoveries atomic.Int64
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *logrus.Logger
}

func New(conf Conf, r radio.Controller, creds radio.Credentials, binder Binder) *Watchdog {
	if conf.RetryBackoff <= 0 {
		conf.RetryBackoff = time.Second
	}
	if conf.MaxRetryBackoff < conf.RetryBackoff {
		conf.MaxRetryBackoff = conf.RetryBackoff
	}
	return &Watchdog{
		conf:   conf,
		radio:  r,
		creds:  creds,
		binder: binder,
		window: timer.NewWindow(conf.SessionWindow),
		sleep:  sleepCtx,
		logger: logs.NewLogger(watchdogCaller),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Watchdog) State() State {
	return State(w.state.Load())
}

func (w *Watchdog) setState(s State) {
	if prev := State(w.state.Swap(int32(s))); prev != s {
		w.logger.Debugf("%s -> %s", prev, s)
	}
}

// MarkServing records that the bound sockets answered traffic.
func (w *Watchdog) MarkServing() {
	w.state.CompareAndSwap(int32(Bound), int32(Serving))
}

func (w *Watchdog) SessionExpired() bool {
	return w.window.Expired()
}

// Healthy reports whether the current session can keep serving.
func (w *Watchdog) Healthy() bool {
	st := w.State()
	return (st == Bound || st == Serving) && w.radio.IsConnected() && !w.window.Expired()
}

func (w *Watchdog) Recoveries() int64 {
	return w.recoveries.Load()
}

// RecoverOnce runs the reconnect sequence a single time.
func (w *Watchdog) RecoverOnce(ctx context.Context, trigger Trigger) error {
	if trigger == TriggerSession {
		w.logger.Infof("Scheduled refresh after %s", w.window.Duration())
	} else {
		w.logger.Infof("Recovering connectivity (%s)", trigger)
	}

	w.setState(Disconnected)
	if err := w.radio.Disconnect(); err != nil {
		w.logger.Warnf("Disabling radio: %v", err)
	}
	if err := w.binder.Teardown(); err != nil {
		w.logger.Warnf("Closing sockets: %v", err)
	}

	w.setState(Connecting)
	if err := w.radio.Connect(ctx, w.creds); err != nil {
		w.setState(Disconnected)
		return err
	}
	if err := w.binder.Bind(ctx, w.radio.LocalAddress()); err != nil {
		w.setState(Disconnected)
		return err
	}

	w.window.Reset()
	w.setState(Bound)
	w.recoveries.Add(1)
	return nil
}

// Recover retries the reconnect sequence with exponential backoff until it
// succeeds or ctx is done.
func (w *Watchdog) Recover(ctx context.Context, trigger Trigger) error {
	backoff := w.conf.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := w.RecoverOnce(ctx, trigger)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warnf("Recovery attempt %d failed: %v, retrying in %s", attempt, err, backoff)
		if err := w.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, w.conf.MaxRetryBackoff)
	}
}
