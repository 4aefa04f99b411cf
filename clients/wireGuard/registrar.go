package wireguard

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Registrar adds and removes peers on the running daemon.
type Registrar interface {
	Register(ctx context.Context, publicKey string, address netip.Addr) error
	// Revoke must succeed when the peer is already gone.
	Revoke(ctx context.Context, publicKey string) error
}

const DefaultDaemonTimeout = 10 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultDaemonTimeout
	}
	return context.WithTimeout(ctx, d)
}

func hostRoute(addr netip.Addr) string {
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}

// CommandRegistrar drives the daemon through `wg set`.
type CommandRegistrar struct {
	runner  Runner
	iface   string
	timeout time.Duration
}

func NewCommandRegistrar(r Runner, iface string, timeout time.Duration) *CommandRegistrar {
	if r == nil {
		r = execRunner{}
	}
	return &CommandRegistrar{runner: r, iface: iface, timeout: timeout}
}

func (c *CommandRegistrar) Register(ctx context.Context, publicKey string, address netip.Addr) error {
	if err := ValidateKey(publicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if !address.IsValid() {
		return fmt.Errorf("%w: invalid peer address", ErrRegistration)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.runner.Run(ctx, nil, "wg", "set", c.iface,
		"peer", publicKey,
		"allowed-ips", hostRoute(address)); err != nil {
		return daemonError("add peer", err)
	}
	return nil
}

func (c *CommandRegistrar) Revoke(ctx context.Context, publicKey string) error {
	if err := ValidateKey(publicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.runner.Run(ctx, nil, "wg", "set", c.iface, "peer", publicKey, "remove")
	if err != nil {
		if peerAbsent(err) {
			return nil
		}
		return daemonError("remove peer", err)
	}
	return nil
}

func peerAbsent(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such peer") || strings.Contains(msg, "peer not found")
}
