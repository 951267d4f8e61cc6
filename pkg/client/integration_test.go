package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/sensor"
	"github.com/nm-morais/waterme/pkg/server"
	"github.com/nm-morais/waterme/pkg/stream"
)

func runServer(t *testing.T, tcp bool) *server.Server {
	t.Helper()
	conf := server.DefaultConf()
	conf.Port = 0
	conf.TCP = tcp
	conf.TCPPort = 0
	conf.ReceiveTimeout = 20 * time.Millisecond
	conf.RetryBackoff = 10 * time.Millisecond
	reader := sensor.ReaderFunc(func(context.Context) (sensor.Sample, error) {
		return sensor.Sample{MoistureRaw: 550, TemperatureC: 20}, nil
	})
	s, err := server.New(conf, reader, radio.Static{Addr: net.IPv4(127, 0, 0, 1)}, radio.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeForever(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for s.UDPAddr() == nil || (tcp && s.TCPAddr() == nil) {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s
}

func eventually(t *testing.T, c *Client) Result {
	t.Helper()
	var res Result
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res = c.GetValues(context.Background()); res.OK() {
			return res
		}
	}
	t.Fatalf("no successful exchange, last: %+v", res)
	return res
}

func TestAgainstServerOverUDP(t *testing.T) {
	s := runServer(t, false)
	conf := DefaultConf()
	conf.Host = "127.0.0.1"
	conf.Port = uint16(s.UDPAddr().Port)
	c := newClient(t, conf)

	if res := eventually(t, c); res.Reading != (message.Reading{Moisture: 55, Temperature: 68}) {
		t.Fatalf("reading = %v", res.Reading)
	}

	if err := c.SendReset(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Resets == 0 || s.Stats().Recoveries < 2 {
		if time.Now().After(deadline) {
			t.Fatal("server did not recover after reset")
		}
		time.Sleep(5 * time.Millisecond)
	}
	eventually(t, c)
}

func TestAgainstServerOverTCP(t *testing.T) {
	s := runServer(t, true)
	conf := DefaultConf()
	conf.Host = "127.0.0.1"
	conf.Port = uint16(s.TCPAddr().Port)
	c, err := New(conf, stream.NewTCPDialer(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	res := eventually(t, c)
	if res.Reading.Temperature != 68 {
		t.Fatalf("reading = %v", res.Reading)
	}
}
