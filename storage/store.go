// Package storage persists the ledger state in sqlite: accounts, the
// hash-chained transaction log, merchant limit configuration, daily anchors,
// guard alerts, and key/value settings.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"boroledger/core/types"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage: database path must be configured")

// Store wraps the sqlite persistence layer.
type Store struct {
	db *sql.DB
}

// FileDSN converts an on-disk database path into a sqlite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	return "file:" + trimmed, nil
}

// Open initialises the backing store using a sqlite-compatible DSN and applies
// the schema.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    display_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    balance INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    ts TEXT NOT NULL,
    ttype TEXT NOT NULL,
    user_id TEXT,
    merchant_id TEXT,
    amount INTEGER NOT NULL,
    prev_hash TEXT,
    thash TEXT NOT NULL,
    note TEXT
);
CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(ts);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant_ts ON transactions(merchant_id, ts);
CREATE INDEX IF NOT EXISTS idx_transactions_user_type_ts ON transactions(user_id, ttype, ts);
CREATE TABLE IF NOT EXISTS merchants (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    rate_limit_per_minute INTEGER DEFAULT 60,
    daily_earn_cap INTEGER DEFAULT 100000,
    daily_redeem_cap INTEGER DEFAULT 100000
);
CREATE TABLE IF NOT EXISTS anchors (
    ymd TEXT PRIMARY KEY,
    merkle_root TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    atype TEXT NOT NULL,
    merchant_id TEXT,
    user_id TEXT,
    detail TEXT
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetAccount returns the account row for id.
func (s *Store) GetAccount(ctx context.Context, id string) (types.Account, error) {
	var acct types.Account
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, balance FROM accounts WHERE id = ?`, id)
	var kind string
	if err := row.Scan(&acct.ID, &kind, &acct.Balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acct, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return acct, fmt.Errorf("query account: %w", err)
	}
	acct.Kind = types.AccountKind(kind)
	return acct, nil
}

// CreateAccount provisions an account row with a zero balance.
func (s *Store) CreateAccount(ctx context.Context, id string, kind types.AccountKind) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts(id, kind, balance) VALUES(?, ?, 0)`, id, string(kind))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func scanTransaction(scan func(dest ...any) error) (types.Transaction, error) {
	var (
		tx       types.Transaction
		ts       string
		kind     string
		userID   sql.NullString
		merchant sql.NullString
		prevHash sql.NullString
		note     sql.NullString
	)
	if err := scan(&tx.ID, &ts, &kind, &userID, &merchant, &tx.Amount, &prevHash, &tx.Hash, &note); err != nil {
		return tx, err
	}
	parsed, err := types.ParseTimestamp(ts)
	if err != nil {
		return tx, fmt.Errorf("parse tx timestamp: %w", err)
	}
	tx.Timestamp = parsed
	tx.Kind = types.TxKind(kind)
	tx.UserID = userID.String
	tx.MerchantID = merchant.String
	tx.PrevHash = prevHash.String
	tx.Note = note.String
	return tx, nil
}

const txColumns = `id, ts, ttype, user_id, merchant_id, amount, prev_hash, thash, note`

// ListTransactions returns up to limit transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+txColumns+` FROM transactions
        ORDER BY ts DESC, rowid DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var txs []types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ChainAscending returns the full transaction chain in commit order, oldest
// first. Used for chain verification and reporting.
func (s *Store) ChainAscending(ctx context.Context) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+txColumns+` FROM transactions
        ORDER BY ts ASC, rowid ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()
	var txs []types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// DayHashes returns the hashes of every transaction on the given UTC day,
// ordered by timestamp ascending with insertion order as tiebreak.
func (s *Store) DayHashes(ctx context.Context, day string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT thash FROM transactions
        WHERE substr(ts, 1, 10) = ?
        ORDER BY ts ASC, rowid ASC
    `, day)
	if err != nil {
		return nil, fmt.Errorf("query day hashes: %w", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// UpsertAnchor stores the Merkle checkpoint for a day, replacing any prior
// root for the same day.
func (s *Store) UpsertAnchor(ctx context.Context, a types.Anchor) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO anchors(ymd, merkle_root, created_at) VALUES(?, ?, ?)
    `, a.Day, a.MerkleRoot, types.FormatTimestamp(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert anchor: %w", err)
	}
	return nil
}

// GetAnchor returns the stored checkpoint for a day.
func (s *Store) GetAnchor(ctx context.Context, day string) (types.Anchor, error) {
	var (
		a       types.Anchor
		created string
	)
	row := s.db.QueryRowContext(ctx, `SELECT ymd, merkle_root, created_at FROM anchors WHERE ymd = ?`, day)
	if err := row.Scan(&a.Day, &a.MerkleRoot, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, fmt.Errorf("anchor %s: %w", day, ErrNotFound)
		}
		return a, fmt.Errorf("query anchor: %w", err)
	}
	parsed, err := types.ParseTimestamp(created)
	if err != nil {
		return a, fmt.Errorf("parse anchor timestamp: %w", err)
	}
	a.CreatedAt = parsed
	return a, nil
}

// ListAlerts returns up to limit alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT ts, atype, merchant_id, user_id, detail FROM alerts
        ORDER BY ts DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var alerts []types.Alert
	for rows.Next() {
		var (
			a        types.Alert
			ts       string
			kind     string
			merchant sql.NullString
			user     sql.NullString
			detail   sql.NullString
		)
		if err := rows.Scan(&ts, &kind, &merchant, &user, &detail); err != nil {
			return nil, err
		}
		parsed, err := types.ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("parse alert timestamp: %w", err)
		}
		a.Timestamp = parsed
		a.Kind = types.AlertKind(kind)
		a.MerchantID = merchant.String
		a.UserID = user.String
		a.Detail = detail.String
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AppendAlert persists an advisory alert outside of any ledger transaction.
func (s *Store) AppendAlert(ctx context.Context, a types.Alert) error {
	return insertAlert(ctx, s.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAlert(ctx context.Context, db execer, a types.Alert) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO alerts(ts, atype, merchant_id, user_id, detail) VALUES(?, ?, ?, ?, ?)
    `, types.FormatTimestamp(a.Timestamp), string(a.Kind), nullString(a.MerchantID), nullString(a.UserID), a.Detail)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Setting returns the value stored under key.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts one settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settings(key, value) VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, key, value)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// Settings returns the full settings table.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// MerchantLimits returns the abuse-control configuration for a merchant,
// falling back to defaults when the row or a column is missing.
func (s *Store) MerchantLimits(ctx context.Context, merchantID string) (types.MerchantLimits, error) {
	return merchantLimits(ctx, s.db, merchantID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func merchantLimits(ctx context.Context, db rowQuerier, merchantID string) (types.MerchantLimits, error) {
	lim := types.MerchantLimits{
		MerchantID:     merchantID,
		RatePerMinute:  types.DefaultRatePerMinute,
		DailyEarnCap:   types.DefaultDailyEarnCap,
		DailyRedeemCap: types.DefaultDailyRedeemCap,
	}
	row := db.QueryRowContext(ctx, `
        SELECT rate_limit_per_minute, daily_earn_cap, daily_redeem_cap
        FROM merchants WHERE id = ?
    `, merchantID)
	var rate, earn, redeem sql.NullInt64
	if err := row.Scan(&rate, &earn, &redeem); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lim, nil
		}
		return lim, fmt.Errorf("query merchant limits: %w", err)
	}
	if rate.Valid && rate.Int64 > 0 {
		lim.RatePerMinute = rate.Int64
	}
	if earn.Valid && earn.Int64 > 0 {
		lim.DailyEarnCap = earn.Int64
	}
	if redeem.Valid && redeem.Int64 > 0 {
		lim.DailyRedeemCap = redeem.Int64
	}
	return lim, nil
}

// SetMerchantLimits updates the limits triple for an existing merchant.
func (s *Store) SetMerchantLimits(ctx context.Context, lim types.MerchantLimits) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE merchants SET rate_limit_per_minute = ?, daily_earn_cap = ?, daily_redeem_cap = ?
        WHERE id = ?
    `, lim.RatePerMinute, lim.DailyEarnCap, lim.DailyRedeemCap, lim.MerchantID)
	if err != nil {
		return fmt.Errorf("update merchant limits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update merchant limits: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("merchant %s: %w", lim.MerchantID, ErrNotFound)
	}
	return nil
}

// UserAccountIDs lists the ids of every user-kind account.
func (s *Store) UserAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts WHERE kind = 'user' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query user accounts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TimedAmount is a (timestamp, amount) pair in a user's credit or debit
// history, ordered oldest first by the queries that produce it.
type TimedAmount struct {
	At     time.Time
	Amount int64
}

// UserHistory returns a user's point credits (EARN and ISSUE) and point debits
// (REDEEM and EXPIRE), each ordered oldest first. The expiry engine replays
// these to simulate FIFO lot consumption.
func (s *Store) UserHistory(ctx context.Context, userID string) (credits, debits []TimedAmount, err error) {
	credits, err = s.timedAmounts(ctx, `
        SELECT ts, amount FROM transactions
        WHERE user_id = ? AND ttype IN ('EARN', 'ISSUE')
        ORDER BY ts ASC, rowid ASC
    `, userID)
	if err != nil {
		return nil, nil, err
	}
	debits, err = s.timedAmounts(ctx, `
        SELECT ts, amount FROM transactions
        WHERE user_id = ? AND ttype IN ('REDEEM', 'EXPIRE')
        ORDER BY ts ASC, rowid ASC
    `, userID)
	if err != nil {
		return nil, nil, err
	}
	return credits, debits, nil
}

func (s *Store) timedAmounts(ctx context.Context, query, userID string) ([]TimedAmount, error) {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user history: %w", err)
	}
	defer rows.Close()
	var out []TimedAmount
	for rows.Next() {
		var (
			ts     string
			amount int64
		)
		if err := rows.Scan(&ts, &amount); err != nil {
			return nil, err
		}
		at, err := types.ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		out = append(out, TimedAmount{At: at, Amount: amount})
	}
	return out, rows.Err()
}

// Identity resolves a login identity to its role and display name, checking
// users first and then merchants.
func (s *Store) Identity(ctx context.Context, id string) (role, name string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT role, display_name FROM users WHERE id = ?`, id)
	if err := row.Scan(&role, &name); err == nil {
		return role, name, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("query user identity: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT display_name FROM merchants WHERE id = ?`, id)
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("identity %s: %w", id, ErrNotFound)
		}
		return "", "", fmt.Errorf("query merchant identity: %w", err)
	}
	return "merchant", name, nil
}
