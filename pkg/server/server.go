package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/sensor"
	"github.com/nm-morais/waterme/pkg/stream"
	"github.com/nm-morais/waterme/pkg/watchdog"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

const serverCaller = "TelemetryServer"

type Conf struct {
	Port              uint16
	ReceiveTimeout    time.Duration
	IdleRefresh       time.Duration
	SessionWindow     time.Duration
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	MaxSensorFailures int

	TCP             bool
	TCPPort         uint16
	WorkerPoolSize  int
	ConnIdleTimeout time.Duration

	HTTP     bool
	HTTPPort uint16
}

func DefaultConf() Conf {
	return Conf{
		Port:              5000,
		ReceiveTimeout:    100 * time.Millisecond,
		IdleRefresh:       time.Second,
		SessionWindow:     30 * time.Minute,
		RetryBackoff:      time.Second,
		MaxRetryBackoff:   30 * time.Second,
		MaxSensorFailures: 10,
		TCPPort:           5001,
		WorkerPoolSize:    8,
		ConnIdleTimeout:   30 * time.Second,
		HTTPPort:          8080,
	}
}

type Stats struct {
	Served         int64
	Resets         int64
	DecodeErrors   int64
	Refreshes      int64
	SensorFailures int64
	Recoveries     int64
	State          watchdog.State
	Healthy        bool
}

type counters struct {
	served       atomic.Int64
	resets       atomic.Int64
	decodeErrors atomic.Int64
	refreshes    atomic.Int64
}

// Server answers telemetry requests from a cached reading that it refreshes
// after every reply and whenever the socket is idle. Only the serving loop
// touches the sensor; TCP and HTTP handlers read the cache and signal the
// loop through single-slot channels.
type Server struct {
	conf      Conf
	reader    sensor.Reader
	radio     radio.Controller
	watchdog  *watchdog.Watchdog
	listeners *listeners
	pool      *ants.Pool

	readingMu   sync.RWMutex
	reading     message.Reading
	refreshedAt time.Time

	sensorFailures atomic.Int64
	resetCh        chan struct{}
	refreshCh      chan struct{}
	stats          counters
	logger         *logrus.Logger
}

func New(conf Conf, reader sensor.Reader, r radio.Controller, creds radio.Credentials) (*Server, error) {
	if conf.ReceiveTimeout <= 0 {
		return nil, fmt.Errorf("receive timeout must be positive, got %s", conf.ReceiveTimeout)
	}
	if conf.WorkerPoolSize <= 0 {
		conf.WorkerPoolSize = 1
	}
	logger := logs.NewLogger(serverCaller)
	pool, err := ants.NewPool(
		conf.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("Connection handler panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conf:      conf,
		reader:    reader,
		radio:     r,
		pool:      pool,
		resetCh:   make(chan struct{}, 1),
		refreshCh: make(chan struct{}, 1),
		logger:    logger,
	}
	s.listeners = newListeners(s)
	s.watchdog = watchdog.New(watchdog.Conf{
		SessionWindow:   conf.SessionWindow,
		RetryBackoff:    conf.RetryBackoff,
		MaxRetryBackoff: conf.MaxRetryBackoff,
	}, r, creds, s.listeners)
	return s, nil
}

// ServeForever primes the cached reading, brings the radio up and serves
// until ctx is done. Network faults always route back through the watchdog;
// the only error returned is a Fatal sensor error.
func (s *Server) ServeForever(ctx context.Context) error {
	defer s.pool.Release()
	defer s.listeners.Teardown()

	if err := s.prime(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	buf := make([]byte, message.MaxDatagramSize+1)
	trigger := watchdog.TriggerStartup
	for {
		if err := s.watchdog.Recover(ctx, trigger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.logger.Infof("Serving on %s", s.listeners.UDPAddr())

		var err error
		trigger, err = s.serve(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Shutting down")
				return nil
			}
			return err
		}
	}
}

// serve runs one session and returns what ended it.
func (s *Server) serve(ctx context.Context, buf []byte) (watchdog.Trigger, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if s.watchdog.SessionExpired() {
			return watchdog.TriggerSession, nil
		}
		if !s.radio.IsConnected() {
			s.logger.Warn("Radio lost")
			return watchdog.TriggerRadioLost, nil
		}
		select {
		case <-s.resetCh:
			s.stats.resets.Add(1)
			s.logger.Info("Reset requested")
			return watchdog.TriggerReset, nil
		case <-s.refreshCh:
			if err := s.refresh(ctx); err != nil {
				return 0, err
			}
		default:
		}

		n, src, err := s.listeners.receive(ctx, buf, s.conf.ReceiveTimeout)
		if err != nil {
			if stream.IsTimeout(err) {
				if s.sinceRefresh() >= s.conf.IdleRefresh {
					if err := s.refresh(ctx); err != nil {
						return 0, err
					}
				}
				continue
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warnf("Receive failed: %v", err)
			return watchdog.TriggerTransport, nil
		}

		req, decodeErr := message.DeserializeRequest(buf[:n])
		if decodeErr != nil {
			s.stats.decodeErrors.Add(1)
			s.logger.Warnf("Dropping datagram from %s: %s", src, decodeErr.Reason())
			return watchdog.TriggerDecode, nil
		}
		switch req.Kind {
		case message.KindReset:
			s.stats.resets.Add(1)
			s.logger.Infof("Reset requested by %s", src)
			return watchdog.TriggerReset, nil
		case message.KindRequestData:
			resp := message.Response{ID: req.ID, Reading: s.Reading()}
			if err := s.listeners.reply(resp.Serialize(), src); err != nil {
				s.logger.Warnf("Replying to %s: %v", src, err)
				return watchdog.TriggerTransport, nil
			}
			s.stats.served.Add(1)
			s.watchdog.MarkServing()
			s.logger.Debugf("Answered %d with %s", req.ID, resp.Reading)
			if err := s.refresh(ctx); err != nil {
				return 0, err
			}
		}
	}
}

// prime blocks until the cache holds a real reading, so no reply is ever
// built from the zero value. It gives up under the same failure budget as
// refresh.
func (s *Server) prime(ctx context.Context) error {
	for {
		if err := s.refresh(ctx); err != nil {
			return err
		}
		if s.hasReading() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.conf.RetryBackoff):
		}
	}
}

func (s *Server) hasReading() bool {
	s.readingMu.RLock()
	defer s.readingMu.RUnlock()
	return !s.refreshedAt.IsZero()
}

// refresh reads the sensor into the cache. A failed read keeps the previous
// value; only a run of MaxSensorFailures failures is returned, as Fatal.
func (s *Server) refresh(ctx context.Context) error {
	sample, err := s.reader.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		failures := s.sensorFailures.Add(1)
		s.logger.Warnf("Sensor read failed (%d in a row): %v", failures, err)
		if s.conf.MaxSensorFailures > 0 && failures >= int64(s.conf.MaxSensorFailures) {
			s.logger.Errorf("Giving up on sensor after %d failures", failures)
			return errors.FatalError(errors.CodeSensor, fmt.Sprintf("%d consecutive sensor failures: %v", failures, err), serverCaller)
		}
		return nil
	}
	s.sensorFailures.Store(0)
	reading := sensor.ToReading(sample)
	s.readingMu.Lock()
	s.reading = reading
	s.refreshedAt = time.Now()
	s.readingMu.Unlock()
	s.stats.refreshes.Add(1)
	return nil
}

func (s *Server) sinceRefresh() time.Duration {
	s.readingMu.RLock()
	defer s.readingMu.RUnlock()
	return time.Since(s.refreshedAt)
}

// Reading returns the cached reading.
func (s *Server) Reading() message.Reading {
	s.readingMu.RLock()
	defer s.readingMu.RUnlock()
	return s.reading
}

func (s *Server) requestReset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

func (s *Server) requestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Server) State() watchdog.State {
	return s.watchdog.State()
}

func (s *Server) UDPAddr() *net.UDPAddr {
	return s.listeners.UDPAddr()
}

func (s *Server) TCPAddr() *net.TCPAddr {
	return s.listeners.TCPAddr()
}

func (s *Server) HTTPAddr() *net.TCPAddr {
	return s.listeners.HTTPAddr()
}

func (s *Server) Stats() Stats {
	return Stats{
		Served:         s.stats.served.Load(),
		Resets:         s.stats.resets.Load(),
		DecodeErrors:   s.stats.decodeErrors.Load(),
		Refreshes:      s.stats.refreshes.Load(),
		SensorFailures: s.sensorFailures.Load(),
		Recoveries:     s.watchdog.Recoveries(),
		State:          s.watchdog.State(),
		Healthy:        s.watchdog.Healthy(),
	}
}
