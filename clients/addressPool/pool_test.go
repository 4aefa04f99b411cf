package addresspool

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
)

func TestNewRejectsUnsupportedSubnets(t *testing.T) {
	for _, cidr := range []string{"fd00::/64", "10.0.0.0/8", "10.0.0.1/31", "garbage"} {
		if _, err := New(cidr); err == nil {
			t.Fatalf("expected error for %s", cidr)
		}
	}
}

func TestSizeExcludesNetworkAndBroadcast(t *testing.T) {
	p, err := New("10.0.0.0/24")
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if p.Size() != 254 {
		t.Fatalf("expected 254 hosts, got %d", p.Size())
	}
	if err := p.MarkUsed(netip.MustParseAddr("10.0.0.0")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected network address to be rejected, got %v", err)
	}
	if err := p.MarkUsed(netip.MustParseAddr("10.0.0.255")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected broadcast address to be rejected, got %v", err)
	}
	if err := p.MarkUsed(netip.MustParseAddr("10.0.1.1")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected foreign address to be rejected, got %v", err)
	}
}

func TestAllocateSkipsReserved(t *testing.T) {
	reserved := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	p, err := New("10.0.0.0/29", reserved...)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	// /29 has 6 hosts, 2 reserved
	got := map[netip.Addr]bool{}
	for i := 0; i < 4; i++ {
		addr, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		for _, r := range reserved {
			if addr == r {
				t.Fatalf("allocated reserved address %s", addr)
			}
		}
		if got[addr] {
			t.Fatalf("address %s handed out twice", addr)
		}
		got[addr] = true
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAllocatePicksByRandomIndex(t *testing.T) {
	p, err := New("10.0.0.0/29", netip.MustParseAddr("10.0.0.2"))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.rnd = func(n int) int { return n - 1 }
	addr, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if want := netip.MustParseAddr("10.0.0.6"); addr != want {
		t.Fatalf("expected last free host %s, got %s", want, addr)
	}

	p.rnd = func(int) int { return 1 }
	addr, err = p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// free set is .1 .3 .4 .5, index 1 skips the reserved .2
	if want := netip.MustParseAddr("10.0.0.3"); addr != want {
		t.Fatalf("expected %s, got %s", want, addr)
	}
}

func TestReleaseMakesAddressAvailable(t *testing.T) {
	p, err := New("10.0.0.0/30")
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	if _, err := p.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	p.Release(a)
	if p.InUse(a) {
		t.Fatalf("released address still in use")
	}
	c, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if c != a || c == b {
		t.Fatalf("expected released address %s back, got %s", a, c)
	}
}

func TestConcurrentAllocateNeverDuplicates(t *testing.T) {
	p, err := New("10.0.0.0/26", netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	n := p.Available()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = map[netip.Addr]int{}
		exhausted int
	)
	for i := 0; i < n+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := p.Allocate()
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrExhausted) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			seen[addr]++
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct addresses, got %d", n, len(seen))
	}
	for addr, count := range seen {
		if count != 1 {
			t.Fatalf("address %s returned %d times", addr, count)
		}
	}
	if exhausted != 1 {
		t.Fatalf("expected exactly one exhausted request, got %d", exhausted)
	}
}
