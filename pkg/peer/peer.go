package peer

import (
	"fmt"
	"net"
	"strconv"
)

type Peer interface {
	IP() net.IP
	Port() uint16
	UDPAddr() *net.UDPAddr
	TCPAddr() *net.TCPAddr
	ToString() string
}

type peer struct {
	ip   net.IP
	port uint16
}

func NewPeer(ip net.IP, port uint16) Peer {
	return &peer{
		ip:   ip,
		port: port,
	}
}

// Parse resolves "host:port" into a Peer.
func Parse(hostPort string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no address for host %q", host)
		}
		ip = addrs[0]
	}
	return NewPeer(ip, uint16(port)), nil
}

func (p *peer) IP() net.IP {
	return p.ip
}

func (p *peer) Port() uint16 {
	return p.port
}

func (p *peer) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.ip, Port: int(p.port)}
}

func (p *peer) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.ip, Port: int(p.port)}
}

func (p *peer) ToString() string {

	if p == nil {
		return "<nil>"
	}

	return net.JoinHostPort(p.ip.String(), strconv.Itoa(int(p.port)))
}
