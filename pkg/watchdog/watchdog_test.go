package watchdog

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nm-morais/waterme/pkg/radio"
)

type fakeRadio struct {
	mu          sync.Mutex
	connected   bool
	failConnect int
	events      []string
}

func (r *fakeRadio) Connect(_ context.Context, creds radio.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connect:"+creds.SSID)
	if r.failConnect > 0 {
		r.failConnect--
		return fmt.Errorf("association failed")
	}
	r.connected = true
	return nil
}

func (r *fakeRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "disconnect")
	r.connected = false
	return nil
}

func (r *fakeRadio) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRadio) LocalAddress() net.IP { return net.IPv4(127, 0, 0, 1) }

type fakeBinder struct {
	r      *fakeRadio
	bound  bool
	binds  int
	closes int
}

func (b *fakeBinder) Bind(_ context.Context, local net.IP) error {
	b.binds++
	b.bound = true
	b.r.mu.Lock()
	b.r.events = append(b.r.events, "bind:"+local.String())
	b.r.mu.Unlock()
	return nil
}

func (b *fakeBinder) Teardown() error {
	b.closes++
	b.bound = false
	b.r.mu.Lock()
	b.r.events = append(b.r.events, "teardown")
	b.r.mu.Unlock()
	return nil
}

func TestRecoverSequence(t *testing.T) {
	r := &fakeRadio{}
	b := &fakeBinder{r: r}
	w := New(Conf{SessionWindow: time.Hour}, r, radio.Credentials{SSID: "home"}, b)

	if w.State() != Disconnected {
		t.Fatalf("initial state = %s", w.State())
	}
	if err := w.Recover(context.Background(), TriggerStartup); err != nil {
		t.Fatal(err)
	}
	want := []string{"disconnect", "teardown", "connect:home", "bind:127.0.0.1"}
	if fmt.Sprint(r.events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", r.events, want)
	}
	if w.State() != Bound {
		t.Errorf("state = %s, want Bound", w.State())
	}
	w.MarkServing()
	if w.State() != Serving || !w.Healthy() {
		t.Errorf("expected healthy Serving, got %s", w.State())
	}
	if w.Recoveries() != 1 {
		t.Errorf("recoveries = %d", w.Recoveries())
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	r := &fakeRadio{}
	b := &fakeBinder{r: r}
	w := New(Conf{}, r, radio.Credentials{}, b)
	for i := 0; i < 3; i++ {
		if err := w.RecoverOnce(context.Background(), TriggerReset); err != nil {
			t.Fatal(err)
		}
	}
	if b.binds != 3 || !b.bound || !r.IsConnected() {
		t.Errorf("binds=%d bound=%v connected=%v", b.binds, b.bound, r.IsConnected())
	}
}

func TestRecoverRetriesWithBackoff(t *testing.T) {
	r := &fakeRadio{failConnect: 3}
	b := &fakeBinder{r: r}
	w := New(Conf{RetryBackoff: time.Second, MaxRetryBackoff: 3 * time.Second}, r, radio.Credentials{}, b)
	var waits []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	if err := w.Recover(context.Background(), TriggerRadioLost); err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v", waits, want)
	}
	if w.State() != Bound {
		t.Errorf("state = %s", w.State())
	}
}

func TestRecoverStopsOnCancel(t *testing.T) {
	r := &fakeRadio{failConnect: 1 << 30}
	w := New(Conf{RetryBackoff: time.Millisecond}, r, radio.Credentials{}, &fakeBinder{r: r})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Recover(ctx, TriggerTransport); err == nil {
		t.Fatal("expected context error")
	}
	if w.State() != Disconnected {
		t.Errorf("state = %s", w.State())
	}
}

func TestSessionExpiry(t *testing.T) {
	r := &fakeRadio{}
	w := New(Conf{SessionWindow: 10 * time.Millisecond}, r, radio.Credentials{}, &fakeBinder{r: r})
	if err := w.RecoverOnce(context.Background(), TriggerStartup); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if !w.SessionExpired() || w.Healthy() {
		t.Fatal("expected expired session")
	}
	if err := w.RecoverOnce(context.Background(), TriggerSession); err != nil {
		t.Fatal(err)
	}
	if w.SessionExpired() {
		t.Fatal("recovery must restart the session window")
	}
}
