package wireguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// deviceClient is the part of *wgctrl.Client the registrar needs.
type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// DeviceRegistrar configures the interface over netlink (or the userspace
// socket) through wgctrl instead of running the wg binary.
type DeviceRegistrar struct {
	client deviceClient
	iface  string
}

func NewDeviceRegistrar(iface string) (*DeviceRegistrar, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &DeviceRegistrar{client: c, iface: iface}, nil
}

func (d *DeviceRegistrar) Close() error {
	return d.client.Close()
}

func (d *DeviceRegistrar) Register(ctx context.Context, publicKey string, address netip.Addr) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrRegistration, ErrInvalidKey, err)
	}
	if !address.IsValid() {
		return fmt.Errorf("%w: invalid peer address", ErrRegistration)
	}
	if err := ctx.Err(); err != nil {
		return daemonError("add peer", err)
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs: []net.IPNet{{
				IP:   address.AsSlice(),
				Mask: net.CIDRMask(address.BitLen(), address.BitLen()),
			}},
		}},
	}
	if err := d.client.ConfigureDevice(d.iface, cfg); err != nil {
		return daemonError("add peer", err)
	}
	return nil
}

func (d *DeviceRegistrar) Revoke(ctx context.Context, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrRegistration, ErrInvalidKey, err)
	}
	if err := ctx.Err(); err != nil {
		return daemonError("remove peer", err)
	}

	dev, err := d.client.Device(d.iface)
	if err != nil {
		return daemonError("read device", err)
	}
	found := false
	for _, p := range dev.Peers {
		if p.PublicKey == key {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	}
	if err := d.client.ConfigureDevice(d.iface, cfg); err != nil {
		return daemonError("remove peer", err)
	}
	return nil
}
