// Package sqlite persists subscription records and the payment ledger in
// a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/veselovd/marzbot/clients/subscription"
)

var _ subscription.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	telegram_id      INTEGER PRIMARY KEY,
	username         TEXT NOT NULL DEFAULT '',
	first_name       TEXT NOT NULL DEFAULT '',
	marzban_username TEXT NOT NULL DEFAULT '',
	subscription_url TEXT NOT NULL DEFAULT '',
	is_active        INTEGER NOT NULL DEFAULT 0,
	data_limit       INTEGER NOT NULL DEFAULT 0,
	expire_date      INTEGER NOT NULL DEFAULT 0,
	used_traffic     INTEGER NOT NULL DEFAULT 0,
	trial_used       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	order_id    TEXT PRIMARY KEY,
	telegram_id INTEGER NOT NULL,
	amount      REAL NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_telegram_id ON transactions(telegram_id);
`

type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New opens (or creates) the database at dsn and bootstraps the schema.
// Use ":memory:" in tests.
func New(dsn string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- users ----

const userColumns = `telegram_id, username, first_name, marzban_username, subscription_url,
	is_active, data_limit, expire_date, used_traffic, trial_used`

func scanRecord(row interface{ Scan(...any) error }) (*subscription.Record, error) {
	var rec subscription.Record
	var expire int64
	err := row.Scan(
		&rec.TelegramID, &rec.Username, &rec.FirstName, &rec.MarzbanUsername,
		&rec.SubscriptionURL, &rec.IsActive, &rec.DataLimit, &expire,
		&rec.UsedTraffic, &rec.TrialUsed,
	)
	if err != nil {
		return nil, err
	}
	if expire > 0 {
		rec.ExpireDate = time.Unix(expire, 0).UTC()
	}
	return &rec, nil
}

func (s *Store) GetByTelegramID(ctx context.Context, telegramID int64) (*subscription.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user %d: %w", telegramID, err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec *subscription.Record) error {
	var expire int64
	if !rec.ExpireDate.IsZero() {
		expire = rec.ExpireDate.UTC().Unix()
	}
	nowUnix := s.now().UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TelegramID, rec.Username, rec.FirstName, rec.MarzbanUsername,
		rec.SubscriptionURL, rec.IsActive, rec.DataLimit, expire,
		rec.UsedTraffic, rec.TrialUsed, nowUnix, nowUnix,
	)
	if err != nil {
		return fmt.Errorf("insert user %d: %w", rec.TelegramID, err)
	}
	return nil
}

// UpdateByTelegramID applies the non-nil fields of upd. It reports
// whether a row was touched; an update with no fields set is an error.
func (s *Store) UpdateByTelegramID(ctx context.Context, telegramID int64, upd subscription.RecordUpdate) (bool, error) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.MarzbanUsername != nil {
		add("marzban_username", *upd.MarzbanUsername)
	}
	if upd.SubscriptionURL != nil {
		add("subscription_url", *upd.SubscriptionURL)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.DataLimit != nil {
		add("data_limit", *upd.DataLimit)
	}
	if upd.ExpireDate != nil {
		add("expire_date", upd.ExpireDate.UTC().Unix())
	}
	if upd.UsedTraffic != nil {
		add("used_traffic", *upd.UsedTraffic)
	}
	if upd.TrialUsed != nil {
		add("trial_used", *upd.TrialUsed)
	}
	if len(sets) == 0 {
		return false, errors.New("sqlite: empty update")
	}

	add("updated_at", s.now().UTC().Unix())
	args = append(args, telegramID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE telegram_id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("update user %d: %w", telegramID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user %d: %w", telegramID, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteByTelegramID(ctx context.Context, telegramID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE telegram_id = ?`, telegramID)
	if err != nil {
		return false, fmt.Errorf("delete user %d: %w", telegramID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user %d: %w", telegramID, err)
	}
	return n > 0, nil
}

func (s *Store) ListAll(ctx context.Context, activeOnly bool) ([]subscription.Record, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY telegram_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []subscription.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) CountAll(ctx context.Context, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM users`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ---- payment ledger ----

const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

type Transaction struct {
	OrderID     string
	TelegramID  int64
	Amount      float64
	Description string
	Status      string
	CreatedAt   time.Time
}

// CreateTransaction opens a pending ledger entry and returns its
// generated order id.
func (s *Store) CreateTransaction(ctx context.Context, telegramID int64, amount float64, description string) (*Transaction, error) {
	id := uuid.New()
	orderID := "order_" + hex.EncodeToString(id[:])[:10]
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (order_id, telegram_id, amount, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orderID, telegramID, amount, description, TxPending, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction for user %d: %w", telegramID, err)
	}
	return &Transaction{
		OrderID:     orderID,
		TelegramID:  telegramID,
		Amount:      amount,
		Description: description,
		Status:      TxPending,
		CreatedAt:   now,
	}, nil
}

func (s *Store) TransactionByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT order_id, telegram_id, amount, description, status, created_at
		 FROM transactions WHERE order_id = ?`, orderID)

	var tx Transaction
	var created int64
	err := row.Scan(&tx.OrderID, &tx.TelegramID, &tx.Amount, &tx.Description, &tx.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction %s: %w", orderID, err)
	}
	tx.CreatedAt = time.Unix(created, 0).UTC()
	return &tx, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, orderID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, updated_at = ? WHERE order_id = ?`,
		status, s.now().UTC().Unix(), orderID)
	if err != nil {
		return false, fmt.Errorf("update transaction %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update transaction %s: %w", orderID, err)
	}
	return n > 0, nil
}
