package addresspool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
)

var (
	ErrExhausted    = errors.New("address pool exhausted")
	ErrOutOfRange   = errors.New("address outside pool subnet")
	ErrInvalidRange = errors.New("unsupported pool subnet")
)

const (
	minPrefixBits = 16
	maxPrefixBits = 30
)

// Pool hands out host addresses of one IPv4 subnet. The zero value is not
// usable, create pools with New.
type Pool struct {
	prefix netip.Prefix
	first  netip.Addr
	size   int

	mu   sync.Mutex
	used map[netip.Addr]struct{}
	rnd  func(n int) int
}

// New builds a pool over the usable hosts of cidr (network and broadcast
// addresses excluded). reserved addresses start out in use.
func New(cidr string, reserved ...netip.Addr) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidRange, cidr)
	}
	if prefix.Bits() < minPrefixBits || prefix.Bits() > maxPrefixBits {
		return nil, fmt.Errorf("%w: /%d (allowed /%d../%d)", ErrInvalidRange, prefix.Bits(), minPrefixBits, maxPrefixBits)
	}

	p := &Pool{
		prefix: prefix,
		first:  prefix.Addr().Next(),
		size:   1<<(32-prefix.Bits()) - 2,
		used:   make(map[netip.Addr]struct{}),
		rnd:    rand.IntN,
	}
	for _, addr := range reserved {
		if err := p.MarkUsed(addr); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Size is the number of usable hosts, reserved ones included.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - len(p.used)
}

func (p *Pool) contains(addr netip.Addr) bool {
	if !addr.Is4() || !p.prefix.Contains(addr) {
		return false
	}
	// network and broadcast
	return addr != p.prefix.Addr() && p.prefix.Contains(addr.Next())
}

// Allocate picks a free host uniformly at random and marks it used.
func (p *Pool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.size - len(p.used)
	if free <= 0 {
		return netip.Addr{}, ErrExhausted
	}

	skip := p.rnd(free)
	for addr := p.first; p.contains(addr); addr = addr.Next() {
		if _, taken := p.used[addr]; taken {
			continue
		}
		if skip == 0 {
			p.used[addr] = struct{}{}
			return addr, nil
		}
		skip--
	}
	// unreachable while len(used) only holds in-range addresses
	return netip.Addr{}, ErrExhausted
}

// MarkUsed records an address that is already taken, e.g. by a stored
// profile or the server itself. Marking an address twice is fine.
func (p *Pool) MarkUsed(addr netip.Addr) error {
	if !p.contains(addr) {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfRange, addr, p.prefix)
	}
	p.mu.Lock()
	p.used[addr] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Release returns addr to the free set. Unknown addresses are ignored.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	delete(p.used, addr)
	p.mu.Unlock()
}

func (p *Pool) InUse(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.used[addr]
	return ok
}
