package types

import "time"

// TxKind enumerates the supported ledger transaction kinds.
type TxKind string

const (
	TxEarn   TxKind = "EARN"
	TxRedeem TxKind = "REDEEM"
	TxIssue  TxKind = "ISSUE"
	TxAdjust TxKind = "ADJUST"
	TxExpire TxKind = "EXPIRE"
)

// Valid reports whether the kind is one of the supported transaction kinds.
func (k TxKind) Valid() bool {
	switch k {
	case TxEarn, TxRedeem, TxIssue, TxAdjust, TxExpire:
		return true
	default:
		return false
	}
}

// TimestampLayout is the canonical wire format for ledger timestamps. It is
// fixed-width (microsecond precision, UTC, no zone suffix) so that stored
// timestamps sort lexicographically and hash payloads reproduce byte-for-byte.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// DayLayout keys anchors and daily cap meters by UTC calendar day.
const DayLayout = "2006-01-02"

// FormatTimestamp renders t in the canonical ledger timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a canonical ledger timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

// Transaction is one immutable entry in the hash-chained ledger. UserID,
// MerchantID, and Note are optional; the empty string means absent and is
// serialized as null in the canonical hash payload.
type Transaction struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Kind       TxKind    `json:"ttype"`
	UserID     string    `json:"user_id,omitempty"`
	MerchantID string    `json:"merchant_id,omitempty"`
	Amount     int64     `json:"amount"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
	Note       string    `json:"note,omitempty"`
}

// Day returns the UTC calendar day key for the transaction.
func (tx *Transaction) Day() string {
	return tx.Timestamp.UTC().Format(DayLayout)
}
