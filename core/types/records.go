package types

import "time"

// MerchantLimits is the mutable abuse-control configuration for one merchant.
// The guard reads the triple on every mutating call that names the merchant.
type MerchantLimits struct {
	MerchantID     string `json:"merchant_id"`
	RatePerMinute  int64  `json:"rate_limit_per_minute"`
	DailyEarnCap   int64  `json:"daily_earn_cap"`
	DailyRedeemCap int64  `json:"daily_redeem_cap"`
}

// Default limit values applied when a merchant row carries no explicit
// configuration.
const (
	DefaultRatePerMinute  int64 = 60
	DefaultDailyEarnCap   int64 = 100000
	DefaultDailyRedeemCap int64 = 100000
)

// Anchor is the persisted Merkle checkpoint for one UTC calendar day. One row
// per day; re-anchoring the same day replaces the prior root.
type Anchor struct {
	Day        string    `json:"day"`
	MerkleRoot string    `json:"merkle_root"`
	CreatedAt  time.Time `json:"created_at"`
}

// AlertKind enumerates guard and fraud advisory alert types.
type AlertKind string

const (
	AlertRateLimit    AlertKind = "RATE_LIMIT"
	AlertEarnCap      AlertKind = "EARN_CAP"
	AlertRedeemCap    AlertKind = "REDEEM_CAP"
	AlertRapidRedeems AlertKind = "RAPID_REDEEMS"
)

// Alert is an append-only advisory record raised by the guard or the
// post-commit fraud checks. Alerts never block or roll back a transaction on
// their own.
type Alert struct {
	Timestamp  time.Time `json:"ts"`
	Kind       AlertKind `json:"type"`
	MerchantID string    `json:"merchant_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Detail     string    `json:"detail"`
}

// Settings keys consumed by the core.
const (
	// SettingExpiryDays holds the FIFO expiry horizon in days; zero or
	// negative disables the expiry engine.
	SettingExpiryDays = "expiry_days"
)
