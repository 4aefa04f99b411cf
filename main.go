package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	adminapi "github.com/Asort97/wgVpnBot/clients/adminAPI"
	addresspool "github.com/Asort97/wgVpnBot/clients/addressPool"
	boltdb "github.com/Asort97/wgVpnBot/clients/boltDB"
	colorfulprint "github.com/Asort97/wgVpnBot/clients/colorfulPrint"
	"github.com/Asort97/wgVpnBot/clients/config"
	"github.com/Asort97/wgVpnBot/clients/expiry"
	instruct "github.com/Asort97/wgVpnBot/clients/instruction"
	"github.com/Asort97/wgVpnBot/clients/lifecycle"
	lockmap "github.com/Asort97/wgVpnBot/clients/lockMap"
	"github.com/Asort97/wgVpnBot/clients/metrics"
	"github.com/Asort97/wgVpnBot/clients/models"
	peerconfig "github.com/Asort97/wgVpnBot/clients/peerConfig"
	redislock "github.com/Asort97/wgVpnBot/clients/redisLock"
	sqlite "github.com/Asort97/wgVpnBot/clients/sqLite"
	"github.com/Asort97/wgVpnBot/clients/telegram"
	wireguard "github.com/Asort97/wgVpnBot/clients/wireGuard"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const sweepLeaseKey = "vpnbot:expiry-sweep"

// subscriptionStore is implemented by both sqlite.Store and boltdb.Store.
type subscriptionStore interface {
	Get(ctx context.Context, clientID int64) (models.Subscription, error)
	Save(ctx context.Context, sub models.Subscription) error
	ListWithDueDateAndKey(ctx context.Context) ([]models.Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (subscriptionStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	switch cfg.DBDriver {
	case config.DriverBolt:
		return boltdb.New(cfg.DBPath)
	default:
		return sqlite.New(ctx, cfg.DBPath)
	}
}

// newDaemon picks the key generator and registrar backends. close releases
// the netlink socket when one was opened.
func newDaemon(ctx context.Context, cfg *config.Config) (wireguard.KeyGenerator, wireguard.Registrar, func() error, error) {
	runner := wireguard.NewExecRunner()
	if cfg.UseSudo {
		runner = wireguard.WithSudo(runner)
	}

	var keys wireguard.KeyGenerator = wireguard.NewNativeKeyGenerator()
	if cfg.Keygen == config.KeygenCommand {
		keys = wireguard.NewCommandKeyGenerator(runner, cfg.DaemonTimeout)
	}

	if cfg.Backend == config.BackendNetlink {
		reg, err := wireguard.NewDeviceRegistrar(cfg.Interface)
		if err != nil {
			return nil, nil, nil, err
		}
		return keys, reg, reg.Close, nil
	}

	if err := wireguard.Preflight(ctx, runner, cfg.Interface); err != nil {
		return nil, nil, nil, err
	}
	return keys, wireguard.NewCommandRegistrar(runner, cfg.Interface, cfg.DaemonTimeout), func() error { return nil }, nil
}

func main() {
	issueToken := flag.String("issue-token", "", "print an admin API token for `subject` and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *issueToken != "" {
		if cfg.AdminJWTSecret == "" {
			log.Fatal("ADMIN_JWT_SECRET is not set")
		}
		token, err := adminapi.IssueToken(cfg.AdminJWTSecret, *issueToken, 30*24*time.Hour)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.DBDriver, err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("%s store unreachable: %v", cfg.DBDriver, err)
	}

	configs, err := peerconfig.NewStore(cfg.ConfigsDir)
	if err != nil {
		log.Fatalf("configs dir: %v", err)
	}

	pool, err := addresspool.New(cfg.Subnet, cfg.Reserved...)
	if err != nil {
		log.Fatalf("address pool: %v", err)
	}

	keys, registrar, closeDaemon, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("wireguard: %v", err)
	}
	defer closeDaemon()

	serverKey, err := cfg.ServerPublicKey()
	if err != nil {
		log.Fatalf("wireguard: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	locks := lockmap.New()
	manager := lifecycle.New(lifecycle.Deps{
		Pool:          pool,
		Keys:          keys,
		Registrar:     registrar,
		Configs:       configs,
		Subscriptions: store,
		Locks:         locks,
		Server: lifecycle.Server{
			PublicKey: serverKey,
			Host:      cfg.ServerHost,
			Port:      cfg.ServerPort,
			DNS:       cfg.DNS,
		},
		Metrics: m,
	})

	seeded, err := manager.Seed(ctx)
	if err != nil {
		colorfulprint.PrintWarn(fmt.Sprintf("[startup] some peer configs could not be loaded: %v", err))
	}
	colorfulprint.PrintState(fmt.Sprintf("[startup] %d peers loaded, %d of %d addresses free in %s",
		seeded, pool.Available(), pool.Size(), pool.Prefix()))

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Panic(err)
	}
	colorfulprint.PrintInfo(fmt.Sprintf("[startup] authorized as @%s", bot.Self.UserName))

	notifier := telegram.NewNotifier(bot)

	var lease expiry.Lease
	if cfg.RedisAddr != "" {
		client, err := redislock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		lease = redislock.New(client, sweepLeaseKey, redislock.DefaultTTL)
	}

	sweeper := expiry.New(expiry.Options{
		Store:          store,
		Registrar:      registrar,
		Locks:          locks,
		OnExpiringSoon: notifier.DaysRemaining,
		OnExpired:      notifier.SubscriptionExpired,
		Interval:       cfg.SweepInterval,
		Lease:          lease,
		Metrics:        m,
	})
	go sweeper.Start(ctx)

	if cfg.AdminAddr != "" {
		api := adminapi.New(manager, configs, sweeper, reg, cfg.AdminJWTSecret)
		srv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			colorfulprint.PrintState(fmt.Sprintf("[admin] listening on %s", cfg.AdminAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				colorfulprint.PrintError("[admin] server stopped", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	a := &app{
		bot:      bot,
		cfg:      cfg,
		subs:     manager,
		peers:    manager,
		configs:  configs,
		notifier: notifier,
		guides:   instruct.NewTracker(),
		now:      time.Now,
	}
	a.startWorkers(ctx, cfg.Workers)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			colorfulprint.PrintState("[shutdown] stopping")
			bot.StopReceivingUpdates()
			a.stopWorkers()
			return
		case update, ok := <-updates:
			if !ok {
				a.stopWorkers()
				return
			}
			a.handleUpdate(ctx, update)
		}
	}
}
