package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"boroledger/core/types"
)

// Tx is a serializable unit of work for the ledger's apply critical section.
// All reads that gate a mutation (tail hash, balances, guard window counts)
// run on the same Tx as the mutation itself.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a transaction for one ledger apply.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit finalises the unit of work.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback abandons the unit of work. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// AccountBalance returns the balance of an account of the given kind, or
// ErrNotFound when no such account exists.
func (t *Tx) AccountBalance(ctx context.Context, id string, kind types.AccountKind) (int64, error) {
	var balance int64
	row := t.tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ? AND kind = ?`, id, string(kind))
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %s (%s): %w", id, kind, ErrNotFound)
		}
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// AddBalance applies a signed delta to an account balance.
func (t *Tx) AddBalance(ctx context.Context, id string, delta int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// TailHash returns the hash of the most recently appended transaction,
// ordered by timestamp with insertion order as tiebreak, or the empty genesis
// value when the chain is empty.
func (t *Tx) TailHash(ctx context.Context) (string, error) {
	var hash string
	row := t.tx.QueryRowContext(ctx, `
        SELECT thash FROM transactions ORDER BY ts DESC, rowid DESC LIMIT 1
    `)
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query tail hash: %w", err)
	}
	return hash, nil
}

// InsertTransaction appends one transaction record to the chain.
func (t *Tx) InsertTransaction(ctx context.Context, tx types.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO transactions(id, ts, ttype, user_id, merchant_id, amount, prev_hash, thash, note)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, tx.ID, types.FormatTimestamp(tx.Timestamp), string(tx.Kind), nullString(tx.UserID),
		nullString(tx.MerchantID), tx.Amount, tx.PrevHash, tx.Hash, nullString(tx.Note))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// MerchantLimits returns the merchant's limit triple inside the critical
// section, with defaults for missing rows or columns.
func (t *Tx) MerchantLimits(ctx context.Context, merchantID string) (types.MerchantLimits, error) {
	return merchantLimits(ctx, t.tx, merchantID)
}

// CountMerchantSince counts transactions for the merchant with timestamps at
// or after since.
func (t *Tx) CountMerchantSince(ctx context.Context, merchantID string, since time.Time) (int64, error) {
	var count int64
	row := t.tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions WHERE merchant_id = ? AND ts >= ?
    `, merchantID, types.FormatTimestamp(since))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count merchant txs: %w", err)
	}
	return count, nil
}

// SumMerchantKindOnDay sums amounts of the given kind for the merchant on one
// UTC calendar day.
func (t *Tx) SumMerchantKindOnDay(ctx context.Context, merchantID string, kind types.TxKind, day string) (int64, error) {
	var sum int64
	row := t.tx.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE merchant_id = ? AND ttype = ? AND substr(ts, 1, 10) = ?
    `, merchantID, string(kind), day)
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum merchant day: %w", err)
	}
	return sum, nil
}

// CountPairRedeemsSince counts REDEEM transactions by the same (user,
// merchant) pair with timestamps at or after since.
func (t *Tx) CountPairRedeemsSince(ctx context.Context, userID, merchantID string, since time.Time) (int64, error) {
	var count int64
	row := t.tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions
        WHERE ttype = 'REDEEM' AND user_id = ? AND merchant_id = ? AND ts >= ?
    `, userID, merchantID, types.FormatTimestamp(since))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count pair redeems: %w", err)
	}
	return count, nil
}

// AppendAlert records an advisory alert within the critical section.
func (t *Tx) AppendAlert(ctx context.Context, a types.Alert) error {
	return insertAlert(ctx, t.tx, a)
}
