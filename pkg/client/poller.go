package client

import (
	"context"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/status"
	"github.com/sirupsen/logrus"
)

const pollerCaller = "Poller"

// Source is anything that can fetch one reading.
type Source interface {
	GetValues(ctx context.Context) Result
}

type PollerConf struct {
	Interval      time.Duration
	ResetCooldown time.Duration
}

func DefaultPollerConf() PollerConf {
	return PollerConf{
		Interval:      100 * time.Millisecond,
		ResetCooldown: 5 * time.Second,
	}
}

// Snapshot is what a render loop draws. Reading is the last good value;
// Failures counts exchanges that failed since it was taken.
type Snapshot struct {
	Reading   message.Reading
	Valid     bool
	UpdatedAt time.Time
	Failures  int
	Advisory  string
}

// Poller owns the Source on a single goroutine and publishes snapshots so
// readers never wait on the network.
type Poller struct {
	src     Source
	conf    PollerConf
	mu      sync.RWMutex
	latest  Snapshot
	updates chan Snapshot
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logrus.Logger
}

func NewPoller(src Source, conf PollerConf) *Poller {
	return &Poller{
		src:     src,
		conf:    conf,
		updates: make(chan Snapshot, 1),
		sleep:   sleepCtx,
		logger:  logs.NewLogger(pollerCaller),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Infof("Polling every %s", p.conf.Interval)
	for {
		wait := p.conf.Interval
		if res := p.poll(ctx); res.ResetSent {
			p.logger.Infof("Reset sent, pausing %s", p.conf.ResetCooldown)
			wait = p.conf.ResetCooldown
		}
		if err := p.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) Result {
	res := p.src.GetValues(ctx)
	if ctx.Err() != nil {
		return res
	}

	p.mu.Lock()
	snap := p.latest
	if res.OK() {
		snap.Reading = res.Reading
		snap.Valid = true
		snap.UpdatedAt = time.Now()
		snap.Failures = 0
	} else {
		snap.Failures = res.Failures
	}
	snap.Advisory = status.Advisory(snap.Failures)
	p.latest = snap
	p.mu.Unlock()

	p.publish(snap)
	return res
}

// publish replaces any snapshot the consumer has not picked up yet.
func (p *Poller) publish(snap Snapshot) {
	select {
	case <-p.updates:
	default:
	}
	select {
	case p.updates <- snap:
	default:
	}
}

func (p *Poller) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Poller) Updates() <-chan Snapshot {
	return p.updates
}
