package stream

import (
	"net"
	"testing"
	"time"

	"github.com/nm-morais/waterme/pkg/peer"
	"golang.org/x/net/nettest"
)

func peerOf(t *testing.T, addr net.Addr) peer.Peer {
	t.Helper()
	p, err := peer.Parse(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUDPStreamExchange(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, 1024)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo(append([]byte("echo:"), buf[:n]...), from)
	}()

	s := NewUDPDialer()()
	if err := s.Dial(peerOf(t, pc.LocalAddr())); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(time.Second)
	buf := make([]byte, 1024)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "echo:ping" {
		t.Errorf("got %q", got)
	}
}

func TestUDPStreamReadTimesOut(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	s := NewUDPDialer()()
	if err := s.Dial(peerOf(t, pc.LocalAddr())); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.SetReadTimeout(20 * time.Millisecond)
	_, err = s.Read(make([]byte, 16))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestUDPStreamClosedRead(t *testing.T) {
	s := NewUDPDialer()()
	if _, err := s.Read(make([]byte, 4)); err == nil {
		t.Fatal("expected error reading an undialled stream")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("closing an undialled stream: %v", err)
	}
}

func TestTCPStreamFramesAndRedials(t *testing.T) {
	l, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func(conn net.Conn) {
				fc := NewFrameConn(conn)
				defer fc.Close()
				for {
					frame, err := fc.ReadFrame()
					if err != nil {
						return
					}
					switch string(frame) {
					case "silent":
						continue
					case "close":
						return
					case "slow":
						time.Sleep(60 * time.Millisecond)
					}
					fc.WriteFrame(append([]byte("echo:"), frame...))
				}
			}(conn)
		}
	}()

	s := NewTCPDialer(time.Second)()
	if err := s.Dial(peerOf(t, l.Addr())); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(time.Second)
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "echo:a" {
		t.Errorf("got %q", got)
	}

	// a read that times out with nothing on the wire keeps the connection
	if _, err := s.Write([]byte("silent")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(20 * time.Millisecond)
	if _, err := s.Read(buf); !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// a delayed frame is still picked up by the next read
	if _, err := s.Write([]byte("slow")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(20 * time.Millisecond)
	if _, err := s.Read(buf); !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	s.SetReadTimeout(time.Second)
	n, err = s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "echo:slow" {
		t.Errorf("got %q", got)
	}

	// a peer that hangs up poisons the connection; the next write dials again
	if _, err := s.Write([]byte("close")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(time.Second)
	if _, err := s.Read(buf); err == nil || IsTimeout(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := s.Write([]byte("b")); err != nil {
		t.Fatal(err)
	}
	s.SetReadTimeout(time.Second)
	n, err = s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "echo:b" {
		t.Errorf("got %q", got)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(time.Second):
			t.Fatalf("expected 2 connections, saw %d", i)
		}
	}
}
