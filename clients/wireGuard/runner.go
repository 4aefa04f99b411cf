package wireguard

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one external command. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// CommandError carries the combined output of a failed command.
type CommandError struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s failed: %v (%s)", e.Name, strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return nil, &CommandError{Name: name, Args: args, Output: out, Err: err}
	}
	return stdout.Bytes(), nil
}

// NewExecRunner returns the Runner backed by os/exec.
func NewExecRunner() Runner {
	return execRunner{}
}

// sudoRunner prefixes every command with sudo, like the original
// `sudo wg set ...` calls.
type sudoRunner struct {
	next Runner
}

func (r sudoRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	return r.next.Run(ctx, stdin, "sudo", append([]string{"-n", name}, args...)...)
}

func WithSudo(r Runner) Runner {
	return sudoRunner{next: r}
}
