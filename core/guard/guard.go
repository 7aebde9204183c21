// Package guard evaluates rate, cap, and fraud rules against proposed ledger
// transactions. Guard rules run inside the same critical section as the
// mutation they gate; fraud checks run after the record is appended and only
// ever flag, never reject.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boroledger/core/types"
)

// ErrLimitExceeded is returned when a guard rule rejects a proposal.
var ErrLimitExceeded = errors.New("guard: limit exceeded")

// State describes the windowed queries the guard needs from the store. The
// implementation must observe the same snapshot as the mutation being gated.
type State interface {
	MerchantLimits(ctx context.Context, merchantID string) (types.MerchantLimits, error)
	CountMerchantSince(ctx context.Context, merchantID string, since time.Time) (int64, error)
	SumMerchantKindOnDay(ctx context.Context, merchantID string, kind types.TxKind, day string) (int64, error)
	CountPairRedeemsSince(ctx context.Context, userID, merchantID string, since time.Time) (int64, error)
	AppendAlert(ctx context.Context, alert types.Alert) error
}

// Proposal is one transaction awaiting guard evaluation.
type Proposal struct {
	MerchantID string
	UserID     string
	Kind       types.TxKind
	Amount     int64
	Now        time.Time
}

// rateWindow is the trailing window for the per-merchant rate rule and the
// rapid-redeem fraud check.
const rateWindow = 60 * time.Second

// rapidRedeemThreshold is the REDEEM count per (user, merchant) pair within
// rateWindow that triggers a RAPID_REDEEMS alert.
const rapidRedeemThreshold = 5

// rule evaluates one check against the proposal. A non-nil alert means the
// proposal violates the rule.
type rule func(ctx context.Context, st State, p Proposal) (*types.Alert, error)

// Guard is the ordered rule list applied before any merchant-linked mutation
// commits.
type Guard struct {
	rules []rule
	hooks []func(types.Alert)
}

// Option customises guard construction.
type Option func(*Guard)

// WithAlertHook registers a callback invoked after an alert is persisted,
// e.g. to feed metrics. Hooks must not block.
func WithAlertHook(hook func(types.Alert)) Option {
	return func(g *Guard) { g.hooks = append(g.hooks, hook) }
}

// New builds the guard with the standard rule order: rate limit, then daily
// redeem cap, then daily earn cap.
func New(opts ...Option) *Guard {
	g := &Guard{rules: []rule{rateLimitRule, redeemCapRule, earnCapRule}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) notify(alert types.Alert) {
	for _, hook := range g.hooks {
		hook(alert)
	}
}

// Check evaluates the rules in order. The first violation is recorded as an
// alert and rejected with ErrLimitExceeded. Proposals without a merchant are
// always allowed.
func (g *Guard) Check(ctx context.Context, st State, p Proposal) error {
	if p.MerchantID == "" {
		return nil
	}
	for _, r := range g.rules {
		alert, err := r(ctx, st, p)
		if err != nil {
			return err
		}
		if alert == nil {
			continue
		}
		alert.Timestamp = p.Now
		if err := st.AppendAlert(ctx, *alert); err != nil {
			return err
		}
		g.notify(*alert)
		return fmt.Errorf("%w: %s", ErrLimitExceeded, alert.Detail)
	}
	return nil
}

func rateLimitRule(ctx context.Context, st State, p Proposal) (*types.Alert, error) {
	lim, err := st.MerchantLimits(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}
	count, err := st.CountMerchantSince(ctx, p.MerchantID, p.Now.Add(-rateWindow))
	if err != nil {
		return nil, err
	}
	if count < lim.RatePerMinute {
		return nil, nil
	}
	return &types.Alert{
		Kind:       types.AlertRateLimit,
		MerchantID: p.MerchantID,
		Detail:     fmt.Sprintf(">= %d tx/min", lim.RatePerMinute),
	}, nil
}

func redeemCapRule(ctx context.Context, st State, p Proposal) (*types.Alert, error) {
	if p.Kind != types.TxRedeem {
		return nil, nil
	}
	lim, err := st.MerchantLimits(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}
	sum, err := st.SumMerchantKindOnDay(ctx, p.MerchantID, types.TxRedeem, p.Now.UTC().Format(types.DayLayout))
	if err != nil {
		return nil, err
	}
	if sum+p.Amount <= lim.DailyRedeemCap {
		return nil, nil
	}
	return &types.Alert{
		Kind:       types.AlertRedeemCap,
		MerchantID: p.MerchantID,
		Detail:     fmt.Sprintf("cap %d", lim.DailyRedeemCap),
	}, nil
}

func earnCapRule(ctx context.Context, st State, p Proposal) (*types.Alert, error) {
	if p.Kind != types.TxEarn {
		return nil, nil
	}
	lim, err := st.MerchantLimits(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}
	sum, err := st.SumMerchantKindOnDay(ctx, p.MerchantID, types.TxEarn, p.Now.UTC().Format(types.DayLayout))
	if err != nil {
		return nil, err
	}
	if sum+p.Amount <= lim.DailyEarnCap {
		return nil, nil
	}
	return &types.Alert{
		Kind:       types.AlertEarnCap,
		MerchantID: p.MerchantID,
		Detail:     fmt.Sprintf("cap %d", lim.DailyEarnCap),
	}, nil
}

// FraudCheck flags rapid redemption bursts by the same (user, merchant) pair.
// Invoked after the transaction record is appended; the count therefore
// includes the transaction being committed. An error is returned only on
// storage failure so the surrounding apply can abort atomically.
func (g *Guard) FraudCheck(ctx context.Context, st State, p Proposal) error {
	if p.Kind != types.TxRedeem || p.UserID == "" || p.MerchantID == "" {
		return nil
	}
	count, err := st.CountPairRedeemsSince(ctx, p.UserID, p.MerchantID, p.Now.Add(-rateWindow))
	if err != nil {
		return err
	}
	if count < rapidRedeemThreshold {
		return nil
	}
	alert := types.Alert{
		Timestamp:  p.Now,
		Kind:       types.AlertRapidRedeems,
		MerchantID: p.MerchantID,
		UserID:     p.UserID,
		Detail:     fmt.Sprintf("%d in 60s", count),
	}
	if err := st.AppendAlert(ctx, alert); err != nil {
		return err
	}
	g.notify(alert)
	return nil
}
