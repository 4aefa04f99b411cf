package expiry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	colorfulprint "github.com/Asort97/wgVpnBot/clients/colorfulPrint"
	lockmap "github.com/Asort97/wgVpnBot/clients/lockMap"
	"github.com/Asort97/wgVpnBot/clients/metrics"
	"github.com/Asort97/wgVpnBot/clients/models"
	wireguard "github.com/Asort97/wgVpnBot/clients/wireGuard"
)

// ErrSweepInProgress means another run holds the sweep, here or on another
// replica. The run is skipped, not queued.
var ErrSweepInProgress = errors.New("expiry sweep already running")

const DefaultInterval = 24 * time.Hour

type Store interface {
	ListWithDueDateAndKey(ctx context.Context) ([]models.Subscription, error)
	Get(ctx context.Context, clientID int64) (models.Subscription, error)
	Save(ctx context.Context, sub models.Subscription) error
}

// Lease is an optional cross-process guard, see redislock.Lease.
type Lease interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

type (
	ExpiringSoonFunc func(ctx context.Context, sub models.Subscription, daysLeft int) error
	ExpiredFunc      func(ctx context.Context, sub models.Subscription) error
)

type Options struct {
	Store          Store
	Registrar      wireguard.Registrar
	Locks          *lockmap.Map
	OnExpiringSoon ExpiringSoonFunc
	OnExpired      ExpiredFunc
	Interval       time.Duration
	Now            func() time.Time
	Lease          Lease
	Metrics        *metrics.Metrics
}

// Report is what one run found. Expired holds the records as saved, with
// the due date already cleared.
type Report struct {
	ThreeDay  []models.Subscription
	OneDay    []models.Subscription
	Expired   []models.Subscription
	StartedAt time.Time
	Duration  time.Duration
}

type Sweeper struct {
	store     Store
	registrar wireguard.Registrar
	locks     *lockmap.Map
	soon      ExpiringSoonFunc
	expired   ExpiredFunc
	interval  time.Duration
	now       func() time.Time
	lease     Lease
	metrics   *metrics.Metrics

	running sync.Mutex
}

func New(opts Options) *Sweeper {
	if opts.Locks == nil {
		opts.Locks = lockmap.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnExpiringSoon == nil {
		opts.OnExpiringSoon = func(context.Context, models.Subscription, int) error { return nil }
	}
	if opts.OnExpired == nil {
		opts.OnExpired = func(context.Context, models.Subscription) error { return nil }
	}
	return &Sweeper{
		store:     opts.Store,
		registrar: opts.Registrar,
		locks:     opts.Locks,
		soon:      opts.OnExpiringSoon,
		expired:   opts.OnExpired,
		interval:  opts.Interval,
		now:       opts.Now,
		lease:     opts.Lease,
		metrics:   opts.Metrics,
	}
}

// Start sweeps once right away and then again interval after each run
// finishes, until ctx is done. It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	for {
		report, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			colorfulprint.PrintWarn("[sweep] skipped, another run holds the sweep")
		case err != nil:
			colorfulprint.PrintError("[sweep] run failed", err)
		default:
			colorfulprint.PrintState(fmt.Sprintf("[sweep] done in %s: %d three-day, %d one-day, %d expired",
				report.Duration.Round(time.Millisecond), len(report.ThreeDay), len(report.OneDay), len(report.Expired)))
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs one sweep. It never waits for a running one.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		s.metrics.SweepRun(true, nil)
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	if s.lease != nil {
		release, ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			s.metrics.SweepRun(false, err)
			return Report{}, fmt.Errorf("sweep lease: %w", err)
		}
		if !ok {
			s.metrics.SweepRun(true, nil)
			return Report{}, ErrSweepInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				colorfulprint.PrintWarn(fmt.Sprintf("[sweep] release lease: %v", err))
			}
		}()
	}

	report, err := s.sweep(ctx)
	s.metrics.SweepRun(false, err)
	if err == nil {
		s.metrics.SweepBuckets(len(report.ThreeDay), len(report.OneDay), len(report.Expired))
	}
	return report, err
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	start := s.now()
	report := Report{StartedAt: start}
	today := models.Day(start)

	subs, err := s.store.ListWithDueDateAndKey(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !sub.Eligible() {
			continue
		}
		switch days := sub.DaysLeft(today); {
		case days == 3 || days == 2:
			report.ThreeDay = append(report.ThreeDay, sub)
		case days == 1:
			report.OneDay = append(report.OneDay, sub)
		case days <= 0:
			if cleared, ok := s.expire(ctx, sub.ClientID, today); ok {
				report.Expired = append(report.Expired, cleared)
			}
		}
	}

	// Notices carry the exact days left, a 2-day subscriber in the 3-day
	// bucket is told 2.
	for _, sub := range report.ThreeDay {
		s.notify("3d", sub, func() error { return s.soon(ctx, sub, sub.DaysLeft(today)) })
	}
	for _, sub := range report.OneDay {
		s.notify("1d", sub, func() error { return s.soon(ctx, sub, 1) })
	}
	for _, sub := range report.Expired {
		s.notify("expired", sub, func() error { return s.expired(ctx, sub) })
	}

	report.Duration = s.now().Sub(start)
	return report, nil
}

// expire revokes and clears one subscriber under its lock. The record is
// read again first so a payment that landed after the listing wins.
func (s *Sweeper) expire(ctx context.Context, clientID int64, today time.Time) (models.Subscription, bool) {
	unlock := s.locks.Lock(clientID)
	defer unlock()

	sub, err := s.store.Get(ctx, clientID)
	if err != nil {
		colorfulprint.PrintError(fmt.Sprintf("[sweep] reload client %d", clientID), err)
		return sub, false
	}
	if !sub.Eligible() || sub.DaysLeft(today) > 0 {
		log.Printf("[sweep] client %d changed since listing, skipped", clientID)
		return sub, false
	}

	if err := s.registrar.Revoke(ctx, sub.PublicKey); err != nil {
		s.metrics.Revoke(err)
		colorfulprint.PrintError(fmt.Sprintf("[sweep] revoke client %d, retry next run", clientID), err)
		return sub, false
	}
	s.metrics.Revoke(nil)

	sub.DueDate = nil
	if err := s.store.Save(ctx, sub); err != nil {
		colorfulprint.PrintError(fmt.Sprintf("[sweep] clear due date of client %d, retry next run", clientID), err)
		return sub, false
	}
	log.Printf("[sweep] client %d expired, peer revoked", clientID)
	return sub, true
}

func (s *Sweeper) notify(kind string, sub models.Subscription, send func() error) {
	err := send()
	s.metrics.Notification(kind, err)
	if err != nil {
		colorfulprint.PrintWarn(fmt.Sprintf("[sweep] %s notice to client %d not delivered: %v", kind, sub.ClientID, err))
	}
}
