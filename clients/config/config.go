package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendCommand = "command"
	BackendNetlink = "netlink"

	KeygenNative  = "native"
	KeygenCommand = "command"

	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

type Config struct {
	BotToken             string
	PaymentProviderToken string
	AdminChatID          int64
	PricePerMonth        int

	Interface     string
	Backend       string
	Keygen        string
	UseSudo       bool
	Subnet        string
	Reserved      []netip.Addr
	ServerHost    string
	ServerPort    int
	ServerKeyPath string
	DNS           string
	ConfigsDir    string

	DBDriver string
	DBPath   string

	SweepInterval time.Duration
	DaemonTimeout time.Duration
	Workers       int

	RedisAddr     string
	RedisPassword string

	AdminAddr      string
	AdminJWTSecret string
}

// Load reads an optional .env file and then the environment. Values already
// set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

type envReader struct {
	errs []error
}

func (r *envReader) get(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *envReader) getInt(key string, def int) int {
	v := r.get(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *envReader) getInt64(key string) int64 {
	v := r.get(key, "")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (r *envReader) getBool(key string, def bool) bool {
	v := r.get(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *envReader) getDuration(key string, def time.Duration) time.Duration {
	v := r.get(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *envReader) getAddrs(key, def string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(r.get(key, def), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := netip.ParseAddr(part)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		out = append(out, a)
	}
	return out
}

// FromEnv builds a Config from environment variables and validates it.
func FromEnv() (*Config, error) {
	r := &envReader{}
	c := &Config{
		BotToken:             r.get("TG_BOT_TOKEN", ""),
		PaymentProviderToken: r.get("PAYMENT_PROVIDER_TOKEN", ""),
		AdminChatID:          r.getInt64("ADMIN_CHAT_ID"),
		PricePerMonth:        r.getInt("PRICE_PER_MONTH", 8000),

		Interface:     r.get("WG_INTERFACE", "wg0"),
		Backend:       r.get("WG_BACKEND", BackendCommand),
		Keygen:        r.get("WG_KEYGEN", KeygenNative),
		UseSudo:       r.getBool("WG_USE_SUDO", true),
		Subnet:        r.get("WG_SUBNET", "10.0.0.0/24"),
		Reserved:      r.getAddrs("WG_RESERVED_IPS", "10.0.0.1,10.0.0.2"),
		ServerHost:    r.get("WG_SERVER_HOST", ""),
		ServerPort:    r.getInt("WG_SERVER_PORT", 51820),
		ServerKeyPath: r.get("WG_SERVER_PUBLIC_KEY_PATH", "/etc/wireguard/server/server.key.pub"),
		DNS:           r.get("WG_DNS", "8.8.8.8"),
		ConfigsDir:    r.get("WG_CONFIGS_DIR", "/etc/wireguard/clients"),

		DBDriver: r.get("DB_DRIVER", DriverSQLite),
		DBPath:   r.get("DB_PATH", "database/bot.db"),

		SweepInterval: r.getDuration("SWEEP_INTERVAL", 24*time.Hour),
		DaemonTimeout: r.getDuration("DAEMON_TIMEOUT", 10*time.Second),
		Workers:       r.getInt("WORKERS", 5),

		RedisAddr:     r.get("REDIS_ADDR", ""),
		RedisPassword: r.get("REDIS_PASSWORD", ""),

		AdminAddr:      r.get("ADMIN_ADDR", ""),
		AdminJWTSecret: r.get("ADMIN_JWT_SECRET", ""),
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("TG_BOT_TOKEN is required"))
	}
	if c.ServerHost == "" {
		errs = append(errs, errors.New("WG_SERVER_HOST is required"))
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("WG_SERVER_PORT %d out of range", c.ServerPort))
	}
	if c.Backend != BackendCommand && c.Backend != BackendNetlink {
		errs = append(errs, fmt.Errorf("WG_BACKEND must be %q or %q", BackendCommand, BackendNetlink))
	}
	if c.Keygen != KeygenNative && c.Keygen != KeygenCommand {
		errs = append(errs, fmt.Errorf("WG_KEYGEN must be %q or %q", KeygenNative, KeygenCommand))
	}
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverBolt {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q", DriverSQLite, DriverBolt))
	}
	if _, err := netip.ParsePrefix(c.Subnet); err != nil {
		errs = append(errs, fmt.Errorf("WG_SUBNET: %w", err))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.SweepInterval < time.Minute {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be at least 1m"))
	}
	if c.PricePerMonth < 1 {
		errs = append(errs, errors.New("PRICE_PER_MONTH must be positive"))
	}
	if c.AdminAddr != "" && c.AdminJWTSecret == "" {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET is required when ADMIN_ADDR is set"))
	}
	return errors.Join(errs...)
}

// ServerPublicKey reads the server key file written by `wg pubkey`.
func (c *Config) ServerPublicKey() (string, error) {
	data, err := os.ReadFile(c.ServerKeyPath)
	if err != nil {
		return "", fmt.Errorf("read server public key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("server public key file %s is empty", c.ServerKeyPath)
	}
	return key, nil
}
