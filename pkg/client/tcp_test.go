package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/stream"
	"golang.org/x/net/nettest"
)

// framedServer answers each framed request after delay, or never when
// delay is negative.
func framedServer(t *testing.T, delay time.Duration) Conf {
	t.Helper()
	l, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				fc := stream.NewFrameConn(conn)
				defer fc.Close()
				for {
					frame, err := fc.ReadFrame()
					if err != nil {
						return
					}
					id, kind, _ := strings.Cut(string(frame), ":")
					if kind != "request_data" || delay < 0 {
						continue
					}
					time.Sleep(delay)
					fc.WriteFrame([]byte(id + ":55,68"))
				}
			}(conn)
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	conf := DefaultConf()
	conf.Host = addr.IP.String()
	conf.Port = uint16(addr.Port)
	conf.Timeout = 50 * time.Millisecond
	return conf
}

func newTCPClient(t *testing.T, conf Conf) *Client {
	t.Helper()
	c, err := New(conf, stream.NewTCPDialer(conf.Timeout))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTCPDelayedReplyCaughtBySecondWait(t *testing.T) {
	conf := framedServer(t, 75*time.Millisecond)
	c := newTCPClient(t, conf)

	res := c.GetValues(context.Background())
	if !res.OK() {
		t.Fatalf("status = %s: %v", res.Status, res.Err)
	}
	if res.Reading != (message.Reading{Moisture: 55, Temperature: 68}) {
		t.Errorf("reading = %s", res.Reading)
	}
	if c.watchdog.Recoveries() != 1 {
		t.Errorf("connection was replaced, recoveries = %d", c.watchdog.Recoveries())
	}
}

func TestTCPSilentServerTimesOutWithinTwoWaits(t *testing.T) {
	conf := framedServer(t, -1)
	c := newTCPClient(t, conf)

	for i := 0; i < 2; i++ {
		start := time.Now()
		res := c.GetValues(context.Background())
		if res.Status != TimedOut {
			t.Fatalf("call %d: status = %s: %v", i, res.Status, res.Err)
		}
		if elapsed := time.Since(start); elapsed > 2*conf.Timeout+40*time.Millisecond {
			t.Errorf("call %d took %s", i, elapsed)
		}
	}
}

func TestTCPUnreachableServerRespectsTimeout(t *testing.T) {
	l, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	conf := DefaultConf()
	conf.Host = addr.IP.String()
	conf.Port = uint16(addr.Port)
	conf.Timeout = 50 * time.Millisecond
	c := newTCPClient(t, conf)

	start := time.Now()
	if res := c.GetValues(context.Background()); res.Status != Failed {
		t.Fatalf("status = %s", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*conf.Timeout+40*time.Millisecond {
		t.Errorf("call took %s", elapsed)
	}
}
