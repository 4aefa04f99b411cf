package wireguard

import (
	"context"
	"fmt"
	"os/exec"
)

type preflightDeps struct {
	lookPath func(string) (string, error)
	runner   Runner
}

// Preflight checks that the wg binary exists and the interface is up
// before the bot starts taking orders.
func Preflight(ctx context.Context, r Runner, iface string) error {
	if r == nil {
		r = execRunner{}
	}
	return runPreflight(ctx, iface, preflightDeps{lookPath: exec.LookPath, runner: r})
}

func runPreflight(ctx context.Context, iface string, deps preflightDeps) error {
	if iface == "" {
		return fmt.Errorf("wg interface is required")
	}
	if _, err := deps.lookPath("wg"); err != nil {
		return fmt.Errorf("wg binary not found: %w", err)
	}
	ctx, cancel := withTimeout(ctx, 0)
	defer cancel()
	if _, err := deps.runner.Run(ctx, nil, "wg", "show", iface, "public-key"); err != nil {
		return fmt.Errorf("wg interface %s unavailable: %w", iface, err)
	}
	return nil
}
