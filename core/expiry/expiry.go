// Package expiry computes FIFO-aged point balances and posts EXPIRE
// transactions for points older than the configured horizon.
//
// A user's EARN and ISSUE credits form discrete lots consumed oldest-first by
// every debit (REDEEM and prior EXPIRE alike), so the expirable amount is
// always bounded by the user's true balance and re-running the batch is
// idempotent per user.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"boroledger/core/ledger"
	"boroledger/core/types"
	"boroledger/storage"
)

// Lot is one EARN or ISSUE credit with its unconsumed remainder.
type Lot struct {
	At        time.Time
	Remaining int64
}

// SimulateFIFO replays the debit stream against the credit lots, consuming
// the oldest lot with remaining balance first. Both slices must be ordered
// oldest first. The returned lots carry the post-simulation remainders.
func SimulateFIFO(credits, debits []storage.TimedAmount) []Lot {
	lots := make([]Lot, 0, len(credits))
	for _, c := range credits {
		lots = append(lots, Lot{At: c.At, Remaining: c.Amount})
	}
	for _, d := range debits {
		need := d.Amount
		for i := range lots {
			if need == 0 {
				break
			}
			take := lots[i].Remaining
			if take > need {
				take = need
			}
			lots[i].Remaining -= take
			need -= take
		}
	}
	return lots
}

// ExpirableAmount sums the remainders of every lot at or before the cutoff.
func ExpirableAmount(lots []Lot, cutoff time.Time) int64 {
	var total int64
	for _, lot := range lots {
		if !lot.At.After(cutoff) && lot.Remaining > 0 {
			total += lot.Remaining
		}
	}
	return total
}

// Result summarises one expiry batch.
type Result struct {
	Enabled bool             `json:"enabled"`
	Cutoff  time.Time        `json:"cutoff,omitempty"`
	Expired map[string]int64 `json:"expired"`
}

// Engine drives the expiry batch: it reads the configured horizon, simulates
// FIFO consumption per user, and posts one EXPIRE per user with an aged
// remainder. Each EXPIRE is its own atomic ledger apply, so a batch that
// fails partway is resumable at user granularity.
type Engine struct {
	store  *storage.Store
	ledger *ledger.Ledger
	log    *slog.Logger
	now    func() time.Time
}

// Option customises engine construction.
type Option func(*Engine)

// WithClock overrides the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// NewEngine constructs the expiry engine.
func NewEngine(store *storage.Store, led *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{store: store, ledger: led, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// horizonDays reads the expiry_days setting; a missing, zero, or negative
// value disables the engine.
func (e *Engine) horizonDays(ctx context.Context) (int, error) {
	raw, err := e.store.Setting(ctx, types.SettingExpiryDays)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("expiry: parse %s=%q: %w", types.SettingExpiryDays, raw, err)
	}
	return days, nil
}

// Run executes one expiry batch over every user account. The analytical FIFO
// pass reads committed history; each resulting EXPIRE goes through the
// ledger's serialized apply path.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	days, err := e.horizonDays(ctx)
	if err != nil {
		return Result{}, err
	}
	if days <= 0 {
		return Result{Expired: map[string]int64{}}, nil
	}
	cutoff := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	users, err := e.store.UserAccountIDs(ctx)
	if err != nil {
		return Result{}, err
	}
	expired := make(map[string]int64)
	for _, uid := range users {
		credits, debits, err := e.store.UserHistory(ctx, uid)
		if err != nil {
			return Result{}, err
		}
		amount := ExpirableAmount(SimulateFIFO(credits, debits), cutoff)
		if amount <= 0 {
			continue
		}
		note := fmt.Sprintf("expiry>%dd", days)
		receipt, err := e.ledger.Apply(ctx, types.TxExpire, uid, "", amount, note)
		if err != nil {
			return Result{}, fmt.Errorf("expiry: post for %s: %w", uid, err)
		}
		if receipt.NoOp {
			continue
		}
		expired[uid] = amount
		e.log.Info("points expired", "user", uid, "amount", amount, "cutoff", cutoff)
	}
	return Result{Enabled: true, Cutoff: cutoff, Expired: expired}, nil
}
