package types

// AccountKind distinguishes the three classes of ledger accounts.
type AccountKind string

const (
	AccountUser     AccountKind = "user"
	AccountMerchant AccountKind = "merchant"
	AccountSystem   AccountKind = "system"
)

// Account tracks the current point balance for a user, merchant, or system
// account. Balances never go negative and are mutated only by the ledger as a
// side effect of an accepted transaction.
type Account struct {
	ID      string      `json:"id"`
	Kind    AccountKind `json:"kind"`
	Balance int64       `json:"balance"`
}
