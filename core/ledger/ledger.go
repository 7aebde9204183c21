// Package ledger implements the append-only, hash-chained transaction log and
// its apply protocol. The ledger is the sole authority for balance mutation:
// every accepted transaction moves balances and appends one chain record in a
// single serialized unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boroledger/core/guard"
	"boroledger/core/types"
	"boroledger/storage"
)

// Receipt reports the outcome of one Apply call.
type Receipt struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	// NoOp is set when an EXPIRE clamps to zero and nothing was appended.
	NoOp bool `json:"noop,omitempty"`
}

// Ledger owns the apply critical section over the backing store.
type Ledger struct {
	store *storage.Store
	guard *guard.Guard
	log   *slog.Logger
	now   func() time.Time

	// mu serializes the read-modify-write of the chain tail and of touched
	// balances. Guard window queries run under the same lock so two
	// concurrent proposals cannot both pass a cap check.
	mu sync.Mutex
}

// Option customises ledger construction.
type Option func(*Ledger)

// WithClock overrides the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger }
}

// New constructs a ledger over the store, gated by g.
func New(store *storage.Store, g *guard.Guard, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		guard: g,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func requiresUser(kind types.TxKind) bool {
	switch kind {
	case types.TxEarn, types.TxIssue, types.TxRedeem, types.TxExpire:
		return true
	default:
		return false
	}
}

// Apply validates, gates, and commits one transaction. Either every effect
// lands (balance mutations, chain append, fraud alert) or none do; a guard
// rejection persists its alert but nothing else.
func (l *Ledger) Apply(ctx context.Context, kind types.TxKind, userID, merchantID string, amount int64, note string) (Receipt, error) {
	if !kind.Valid() {
		return Receipt{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	if requiresUser(kind) && userID == "" {
		return Receipt{}, fmt.Errorf("%w: user account required for %s", ErrUnknownAccount, kind)
	}
	if kind == types.TxRedeem && merchantID == "" {
		return Receipt{}, fmt.Errorf("%w: merchant account required for %s", ErrUnknownAccount, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer tx.Rollback()

	now := l.now().UTC().Truncate(time.Microsecond)

	var userBalance int64
	if userID != "" {
		userBalance, err = tx.AccountBalance(ctx, userID, types.AccountUser)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Receipt{}, fmt.Errorf("%w: user %s", ErrUnknownAccount, userID)
			}
			return Receipt{}, err
		}
	}
	if merchantID != "" {
		if _, err := tx.AccountBalance(ctx, merchantID, types.AccountMerchant); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Receipt{}, fmt.Errorf("%w: merchant %s", ErrUnknownAccount, merchantID)
			}
			return Receipt{}, err
		}
	}

	proposal := guard.Proposal{
		MerchantID: merchantID,
		UserID:     userID,
		Kind:       kind,
		Amount:     amount,
		Now:        now,
	}
	if err := l.guard.Check(ctx, tx, proposal); err != nil {
		if errors.Is(err, guard.ErrLimitExceeded) {
			// Nothing has been mutated yet; committing persists only the
			// guard's alert.
			if commitErr := tx.Commit(); commitErr != nil {
				return Receipt{}, commitErr
			}
			l.log.Warn("transaction rejected by guard",
				"kind", string(kind), "merchant", merchantID, "amount", amount)
		}
		return Receipt{}, err
	}

	switch kind {
	case types.TxEarn, types.TxIssue:
		if err := tx.AddBalance(ctx, userID, amount); err != nil {
			return Receipt{}, err
		}
	case types.TxRedeem:
		if userBalance < amount {
			return Receipt{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, userBalance, amount)
		}
		if err := tx.AddBalance(ctx, userID, -amount); err != nil {
			return Receipt{}, err
		}
		if err := tx.AddBalance(ctx, merchantID, amount); err != nil {
			return Receipt{}, err
		}
	case types.TxExpire:
		if userBalance < amount {
			amount = userBalance
		}
		if amount == 0 {
			return Receipt{NoOp: true}, nil
		}
		if err := tx.AddBalance(ctx, userID, -amount); err != nil {
			return Receipt{}, err
		}
	case types.TxAdjust:
		// Audit record only, no balance effect.
	}

	prev, err := tx.TailHash(ctx)
	if err != nil {
		return Receipt{}, err
	}
	// The payload carries the final (possibly clamped) amount so the stored
	// record always reproduces its own hash.
	payload := payloadMap(now, kind, userID, merchantID, amount, note)
	hash, err := hashTx(payload, prev)
	if err != nil {
		return Receipt{}, err
	}
	record := types.Transaction{
		ID:         hash[:txIDLength],
		Timestamp:  now,
		Kind:       kind,
		UserID:     userID,
		MerchantID: merchantID,
		Amount:     amount,
		PrevHash:   prev,
		Hash:       hash,
		Note:       note,
	}
	if err := tx.InsertTransaction(ctx, record); err != nil {
		return Receipt{}, err
	}

	if err := l.guard.FraudCheck(ctx, tx, proposal); err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, err
	}
	l.log.Info("transaction applied",
		"id", record.ID, "kind", string(kind), "user", userID, "merchant", merchantID, "amount", amount)
	return Receipt{ID: record.ID, Hash: record.Hash}, nil
}

// GetBalance returns the current balance for any account.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// ListTransactions returns up to limit chain records, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	return l.store.ListTransactions(ctx, limit)
}

// Verify replays the whole chain and recomputes every hash, reporting the
// first tampered or broken link.
func (l *Ledger) Verify(ctx context.Context) error {
	chain, err := l.store.ChainAscending(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(chain)
}
