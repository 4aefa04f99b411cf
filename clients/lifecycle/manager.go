package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strconv"
	"time"

	addresspool "github.com/Asort97/wgVpnBot/clients/addressPool"
	colorfulprint "github.com/Asort97/wgVpnBot/clients/colorfulPrint"
	lockmap "github.com/Asort97/wgVpnBot/clients/lockMap"
	"github.com/Asort97/wgVpnBot/clients/metrics"
	"github.com/Asort97/wgVpnBot/clients/models"
	wireguard "github.com/Asort97/wgVpnBot/clients/wireGuard"
)

var (
	ErrNoAddressAvailable = errors.New("no address available")
	ErrNoPeer             = errors.New("client has no peer")
	ErrInvalidPeriod      = errors.New("renewal period must be at least one month")
)

type Allocator interface {
	Allocate() (netip.Addr, error)
	Release(addr netip.Addr)
	MarkUsed(addr netip.Addr) error
	Available() int
}

type ConfigStore interface {
	Exists(clientID int64) bool
	Read(clientID int64) (models.PeerProfile, error)
	Write(p models.PeerProfile) error
	Delete(clientID int64) error
	List() ([]models.PeerProfile, error)
}

type SubscriptionStore interface {
	Get(ctx context.Context, clientID int64) (models.Subscription, error)
	Save(ctx context.Context, sub models.Subscription) error
}

// Server is copied into every new profile.
type Server struct {
	PublicKey string
	Host      string
	Port      int
	DNS       string
}

func (s Server) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Deps struct {
	Pool          Allocator
	Keys          wireguard.KeyGenerator
	Registrar     wireguard.Registrar
	Configs       ConfigStore
	Subscriptions SubscriptionStore
	Locks         *lockmap.Map
	Server        Server
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Manager provisions and revokes peers. Every per-client operation holds
// that client's lock, the same one the expiry sweep takes.
type Manager struct {
	pool     Allocator
	keys     wireguard.KeyGenerator
	registry wireguard.Registrar
	configs  ConfigStore
	subs     SubscriptionStore
	locks    *lockmap.Map
	server   Server
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(d Deps) *Manager {
	if d.Locks == nil {
		d.Locks = lockmap.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		pool:     d.Pool,
		keys:     d.Keys,
		registry: d.Registrar,
		configs:  d.Configs,
		subs:     d.Subscriptions,
		locks:    d.Locks,
		server:   d.Server,
		metrics:  d.Metrics,
		now:      d.Now,
	}
}

// Provision returns the client's profile, creating it on first use. An
// existing profile is returned as stored, without touching the daemon.
func (m *Manager) Provision(ctx context.Context, clientID int64) (models.PeerProfile, error) {
	unlock := m.locks.Lock(clientID)
	defer unlock()

	if m.configs.Exists(clientID) {
		p, err := m.configs.Read(clientID)
		m.metrics.Provision(true, err)
		return p, err
	}

	p, err := m.create(ctx, clientID)
	m.metrics.Provision(false, err)
	m.metrics.PoolFree(m.pool.Available())
	return p, err
}

func (m *Manager) create(ctx context.Context, clientID int64) (models.PeerProfile, error) {
	addr, err := m.pool.Allocate()
	if err != nil {
		if errors.Is(err, addresspool.ErrExhausted) {
			return models.PeerProfile{}, fmt.Errorf("%w: %w", ErrNoAddressAvailable, err)
		}
		return models.PeerProfile{}, err
	}

	kp, err := m.keys.Generate(ctx)
	if err != nil {
		m.pool.Release(addr)
		return models.PeerProfile{}, err
	}

	if err := m.registry.Register(ctx, kp.PublicKey, addr); err != nil {
		m.pool.Release(addr)
		return models.PeerProfile{}, err
	}

	p := models.PeerProfile{
		ClientID:        clientID,
		Address:         addr,
		PrivateKey:      kp.PrivateKey,
		PublicKey:       kp.PublicKey,
		ServerPublicKey: m.server.PublicKey,
		ServerEndpoint:  m.server.Endpoint(),
		DNS:             m.server.DNS,
	}
	if err := m.configs.Write(p); err != nil {
		m.rollback(ctx, p, false)
		return models.PeerProfile{}, fmt.Errorf("store config: %w", err)
	}

	sub, err := m.subscription(ctx, clientID)
	if err == nil {
		sub.PublicKey = kp.PublicKey
		sub.PrivateIP = addr.String()
		err = m.subs.Save(ctx, sub)
	}
	if err != nil {
		m.rollback(ctx, p, true)
		return models.PeerProfile{}, fmt.Errorf("store subscription: %w", err)
	}

	log.Printf("[lifecycle] client %d provisioned at %s", clientID, addr)
	return p, nil
}

// rollback undoes a half-finished provisioning in reverse order.
func (m *Manager) rollback(ctx context.Context, p models.PeerProfile, written bool) {
	if err := m.registry.Revoke(ctx, p.PublicKey); err != nil {
		colorfulprint.PrintError(fmt.Sprintf("[lifecycle] rollback revoke for client %d", p.ClientID), err)
	}
	if written {
		if err := m.configs.Delete(p.ClientID); err != nil {
			colorfulprint.PrintError(fmt.Sprintf("[lifecycle] rollback config for client %d", p.ClientID), err)
		}
	}
	m.pool.Release(p.Address)
}

func (m *Manager) subscription(ctx context.Context, clientID int64) (models.Subscription, error) {
	sub, err := m.subs.Get(ctx, clientID)
	if errors.Is(err, models.ErrSubscriptionNotFound) {
		return models.Subscription{ClientID: clientID}, nil
	}
	return sub, err
}

// Revoke removes the client's peer from the daemon and ends the
// subscription. The config file and the address stay with the client.
func (m *Manager) Revoke(ctx context.Context, clientID int64) error {
	unlock := m.locks.Lock(clientID)
	defer unlock()

	err := m.revoke(ctx, clientID)
	m.metrics.Revoke(err)
	return err
}

func (m *Manager) revoke(ctx context.Context, clientID int64) error {
	sub, err := m.subs.Get(ctx, clientID)
	if errors.Is(err, models.ErrSubscriptionNotFound) {
		return fmt.Errorf("%w: client %d", ErrNoPeer, clientID)
	}
	if err != nil {
		return err
	}
	if sub.PublicKey == "" {
		return fmt.Errorf("%w: client %d", ErrNoPeer, clientID)
	}
	if err := m.registry.Revoke(ctx, sub.PublicKey); err != nil {
		return err
	}
	sub.DueDate = nil
	if err := m.subs.Save(ctx, sub); err != nil {
		return fmt.Errorf("clear due date: %w", err)
	}
	log.Printf("[lifecycle] client %d revoked", clientID)
	return nil
}

// Renew extends the subscription by months calendar months, counted from
// the current due date or from today when that is already past. A stored
// peer is registered again so access comes back after an expiry.
func (m *Manager) Renew(ctx context.Context, clientID int64, months int) (time.Time, error) {
	if months < 1 {
		return time.Time{}, ErrInvalidPeriod
	}
	unlock := m.locks.Lock(clientID)
	defer unlock()

	sub, err := m.subscription(ctx, clientID)
	if err != nil {
		return time.Time{}, err
	}
	base := models.Day(m.now())
	if sub.DueDate != nil && sub.DueDate.After(base) {
		base = models.Day(*sub.DueDate)
	}
	due := base.AddDate(0, months, 0)
	sub.DueDate = &due

	var profile *models.PeerProfile
	if m.configs.Exists(clientID) {
		p, err := m.configs.Read(clientID)
		if err != nil {
			return time.Time{}, err
		}
		profile = &p
		sub.PublicKey = p.PublicKey
		sub.PrivateIP = p.Address.String()
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return time.Time{}, fmt.Errorf("save due date: %w", err)
	}

	if profile != nil {
		if err := m.registry.Register(ctx, profile.PublicKey, profile.Address); err != nil {
			return due, err
		}
	}
	log.Printf("[lifecycle] client %d renewed until %s", clientID, due.Format(models.DateLayout))
	return due, nil
}

// UpdateSubscription applies edit to a fresh read of the record under the
// client lock, so it never overwrites a renewal or an expiry. A missing
// record is passed to edit as a new one with created set. The record is
// saved only when edit reports a change.
func (m *Manager) UpdateSubscription(ctx context.Context, clientID int64, edit func(sub *models.Subscription, created bool) bool) (models.Subscription, error) {
	unlock := m.locks.Lock(clientID)
	defer unlock()

	sub, err := m.subs.Get(ctx, clientID)
	created := errors.Is(err, models.ErrSubscriptionNotFound)
	if err != nil && !created {
		return models.Subscription{}, err
	}
	if created {
		sub = models.Subscription{ClientID: clientID}
	}
	if !edit(&sub, created) && !created {
		return sub, nil
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return models.Subscription{}, fmt.Errorf("save client %d: %w", clientID, err)
	}
	return m.subs.Get(ctx, clientID)
}

func (m *Manager) Profile(_ context.Context, clientID int64) (models.PeerProfile, error) {
	return m.configs.Read(clientID)
}

// Purge destroys the client's peer: daemon entry, config file and address.
// The subscription record survives without key and address.
func (m *Manager) Purge(ctx context.Context, clientID int64) error {
	unlock := m.locks.Lock(clientID)
	defer unlock()

	sub, err := m.subs.Get(ctx, clientID)
	hasSub := err == nil
	if err != nil && !errors.Is(err, models.ErrSubscriptionNotFound) {
		return err
	}

	exists := m.configs.Exists(clientID)
	var p models.PeerProfile
	if exists {
		if p, err = m.configs.Read(clientID); err != nil {
			colorfulprint.PrintWarn(fmt.Sprintf("[lifecycle] client %d has an unreadable config: %v", clientID, err))
		}
	}
	key := p.PublicKey
	if key == "" {
		key = sub.PublicKey
	}
	if !exists && key == "" {
		return fmt.Errorf("%w: client %d", ErrNoPeer, clientID)
	}

	if key != "" {
		if err := m.registry.Revoke(ctx, key); err != nil {
			return err
		}
	}
	if err := m.configs.Delete(clientID); err != nil {
		return err
	}

	if p.Address.IsValid() {
		m.pool.Release(p.Address)
	}
	if addr, err := netip.ParseAddr(sub.PrivateIP); err == nil {
		m.pool.Release(addr)
	}
	m.metrics.PoolFree(m.pool.Available())

	if hasSub {
		sub.PublicKey = ""
		sub.PrivateIP = ""
		if err := m.subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("clear peer fields: %w", err)
		}
	}
	log.Printf("[lifecycle] client %d purged", clientID)
	return nil
}

// Seed marks the addresses of all stored profiles as used. Unreadable files
// are reported but do not stop seeding.
func (m *Manager) Seed(_ context.Context) (int, error) {
	profiles, listErr := m.configs.List()
	n := 0
	var errs []error
	for _, p := range profiles {
		if err := m.pool.MarkUsed(p.Address); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", p.ClientID, err))
			continue
		}
		n++
	}
	m.metrics.PoolFree(m.pool.Available())
	return n, errors.Join(append([]error{listErr}, errs...)...)
}
