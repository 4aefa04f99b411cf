package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Asort97/wgVpnBot/clients/models"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = models.ErrSubscriptionNotFound

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// dsn enables WAL and waits on a busy database instead of failing, the bot
// writes from the update workers and the sweeper at the same time.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
}

func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &Store{db: db, now: time.Now}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT UNIQUE,
		sub_due_date TEXT,
		private_ip TEXT UNIQUE,
		public_key TEXT,
		lang TEXT NOT NULL DEFAULT 'ru',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_due ON users(sub_due_date);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectUser = `SELECT id, username, sub_due_date, private_ip, public_key, lang, created_at, updated_at FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (models.Subscription, error) {
	var (
		sub                    models.Subscription
		username, due, ip, key sql.NullString
	)
	if err := r.Scan(&sub.ClientID, &username, &due, &ip, &key, &sub.Lang, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return sub, err
	}
	sub.Username = username.String
	sub.PrivateIP = ip.String
	sub.PublicKey = key.String
	if due.Valid && due.String != "" {
		d, err := models.ParseDate(due.String)
		if err != nil {
			return sub, fmt.Errorf("user %d: bad sub_due_date %q: %w", sub.ClientID, due.String, err)
		}
		sub.DueDate = &d
	}
	return sub, nil
}

func (s *Store) Get(ctx context.Context, clientID int64) (models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, clientID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("%w: user %d", ErrNotFound, clientID)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get user %d: %w", clientID, err)
	}
	return sub, nil
}

// Save inserts or replaces the record. Empty strings are stored as NULL so
// the UNIQUE columns only constrain real values. Telegram hands released
// usernames to new accounts, so a username held by another user is taken
// from that user.
func (s *Store) Save(ctx context.Context, sub models.Subscription) error {
	now := s.now().UTC()
	if sub.Lang == "" {
		sub.Lang = "ru"
	}
	var due sql.NullString
	if sub.DueDate != nil {
		due = sql.NullString{String: sub.DueDate.Format(models.DateLayout), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save user %d: %w", sub.ClientID, err)
	}
	defer tx.Rollback()

	if sub.Username != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET username = NULL, updated_at = ? WHERE username = ? AND id != ?`,
			now, sub.Username, sub.ClientID); err != nil {
			return fmt.Errorf("release username %q: %w", sub.Username, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO users (id, username, sub_due_date, private_ip, public_key, lang, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		sub_due_date = excluded.sub_due_date,
		private_ip = excluded.private_ip,
		public_key = excluded.public_key,
		lang = excluded.lang,
		updated_at = excluded.updated_at`,
		sub.ClientID, nullable(sub.Username), due, nullable(sub.PrivateIP), nullable(sub.PublicKey), sub.Lang, now, now)
	if err != nil {
		return fmt.Errorf("save user %d: %w", sub.ClientID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save user %d: %w", sub.ClientID, err)
	}
	return nil
}

// ListWithDueDateAndKey returns the records the expiry sweep works on.
func (s *Store) ListWithDueDateAndKey(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+`
	WHERE sub_due_date IS NOT NULL AND public_key IS NOT NULL
	ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
