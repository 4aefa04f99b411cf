package wireguard

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

type KeyGenerator interface {
	Generate(ctx context.Context) (KeyPair, error)
}

// ValidateKey checks that s is a base64 encoded 32 byte key.
func ValidateKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// NativeKeyGenerator derives keys in-process with curve25519.
type NativeKeyGenerator struct {
	rand io.Reader
}

func NewNativeKeyGenerator() *NativeKeyGenerator {
	return &NativeKeyGenerator{rand: rand.Reader}
}

func (g *NativeKeyGenerator) Generate(_ context.Context) (KeyPair, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(g.rand, priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("%w: read random bytes: %v", ErrKeyGeneration, err)
	}
	// clamp, see https://cr.yp.to/ecdh.html
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: derive public key: %v", ErrKeyGeneration, err)
	}
	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// CommandKeyGenerator shells out to `wg genkey` and `wg pubkey`. Both
// commands share one timeout.
type CommandKeyGenerator struct {
	runner  Runner
	timeout time.Duration
}

func NewCommandKeyGenerator(r Runner, timeout time.Duration) *CommandKeyGenerator {
	if r == nil {
		r = execRunner{}
	}
	return &CommandKeyGenerator{runner: r, timeout: timeout}
}

func (g *CommandKeyGenerator) Generate(ctx context.Context) (KeyPair, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.runner.Run(ctx, nil, "wg", "genkey")
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	priv := strings.TrimSpace(string(out))
	if err := ValidateKey(priv); err != nil {
		return KeyPair{}, fmt.Errorf("%w: wg genkey output: %v", ErrKeyGeneration, err)
	}

	out, err = g.runner.Run(ctx, []byte(priv+"\n"), "wg", "pubkey")
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	pub := strings.TrimSpace(string(out))
	if err := ValidateKey(pub); err != nil {
		return KeyPair{}, fmt.Errorf("%w: wg pubkey output: %v", ErrKeyGeneration, err)
	}
	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}
