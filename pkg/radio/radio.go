package radio

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/sirupsen/logrus"
)

const hostRadioCaller = "HostRadio"

type Credentials struct {
	SSID     string
	Password string
}

// Controller is the Wi-Fi control surface of a device. Disconnect on a
// disconnected radio is a no-op.
type Controller interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect() error
	IsConnected() bool
	LocalAddress() net.IP
}

type HostConf struct {
	// Interface is the wireless interface; empty means loopback.
	Interface string
	// NetworkManager drives nmcli to toggle the radio and join the SSID.
	NetworkManager bool
	// AddressWait bounds how long Connect waits for an IPv4 address.
	AddressWait time.Duration
}

// Host is a Controller backed by a network interface of this machine.
type Host struct {
	conf    HostConf
	mu      sync.Mutex
	enabled bool
	addr    net.IP
	run     func(ctx context.Context, name string, args ...string) error
	logger  *logrus.Logger
}

func NewHost(conf HostConf) *Host {
	if conf.AddressWait <= 0 {
		conf.AddressWait = 15 * time.Second
	}
	return &Host{
		conf:   conf,
		run:    runCommand,
		logger: logs.NewLogger(hostRadioCaller),
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

func (h *Host) Connect(ctx context.Context, creds Credentials) error {
	h.logger.Infof("Connecting to %q...", creds.SSID)
	if h.conf.NetworkManager && h.conf.Interface != "" {
		if err := h.run(ctx, "nmcli", "radio", "wifi", "on"); err != nil {
			return errors.NonFatalError(errors.CodeTransport, err.Error(), hostRadioCaller)
		}
		if err := h.run(ctx, "nmcli", "device", "wifi", "connect", creds.SSID,
			"password", creds.Password, "ifname", h.conf.Interface); err != nil {
			return errors.NonFatalError(errors.CodeTransport, err.Error(), hostRadioCaller)
		}
	}

	addr, err := h.waitForAddress(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.enabled = true
	h.addr = addr
	h.mu.Unlock()
	h.logger.Infof("Connected, my IP address is %s", addr)
	return nil
}

func (h *Host) waitForAddress(ctx context.Context) (net.IP, error) {
	if h.conf.Interface == "" {
		return net.IPv4(127, 0, 0, 1), nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.conf.AddressWait)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ip := interfaceIPv4(h.conf.Interface); ip != nil {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.NonFatalError(errors.CodeTransport,
				fmt.Sprintf("no IPv4 address on %s: %v", h.conf.Interface, ctx.Err()), hostRadioCaller)
		case <-ticker.C:
		}
	}
}

func interfaceIPv4(name string) net.IP {
	iface, err := net.InterfaceByName(name)
	if err != nil || iface.Flags&net.FlagUp == 0 {
		return nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4
			}
		}
	}
	return nil
}

func (h *Host) Disconnect() error {
	h.mu.Lock()
	wasEnabled := h.enabled
	h.enabled = false
	h.mu.Unlock()
	if !wasEnabled {
		return nil
	}
	h.logger.Info("Radio disabled")
	if h.conf.NetworkManager && h.conf.Interface != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.run(ctx, "nmcli", "radio", "wifi", "off"); err != nil {
			return errors.NonFatalError(errors.CodeTransport, err.Error(), hostRadioCaller)
		}
	}
	return nil
}

func (h *Host) IsConnected() bool {
	h.mu.Lock()
	enabled := h.enabled
	h.mu.Unlock()
	if !enabled {
		return false
	}
	if h.conf.Interface == "" {
		return true
	}
	return interfaceIPv4(h.conf.Interface) != nil
}

func (h *Host) LocalAddress() net.IP {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Static is a Controller for hosts whose network is managed elsewhere, such
// as the display side.
type Static struct {
	Addr net.IP
}

func (Static) Connect(context.Context, Credentials) error { return nil }
func (Static) Disconnect() error                          { return nil }
func (Static) IsConnected() bool                          { return true }
func (s Static) LocalAddress() net.IP                     { return s.Addr }
