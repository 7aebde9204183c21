package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"boroledger/core/canonical"
	"boroledger/core/types"
)

// txIDLength is the number of leading hex characters of the transaction hash
// used as its primary key.
const txIDLength = 16

// payloadMap assembles the hashable payload for a transaction. Optional fields
// are present as nulls rather than omitted so every payload carries the same
// key set.
func payloadMap(ts time.Time, kind types.TxKind, userID, merchantID string, amount int64, note string) map[string]any {
	return map[string]any{
		"ts":          types.FormatTimestamp(ts),
		"ttype":       string(kind),
		"user_id":     nullable(userID),
		"merchant_id": nullable(merchantID),
		"amount":      amount,
		"note":        nullable(note),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// hashTx computes the chained transaction hash: the SHA-256 digest of the
// canonical encoding of the payload together with the previous transaction's
// hash (empty string at genesis). Returned as lowercase hex.
func hashTx(payload map[string]any, prevHash string) (string, error) {
	body := map[string]any{
		"payload":   payload,
		"prev_hash": prevHash,
	}
	encoded, err := canonical.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode tx payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every hash in the given chain segment (oldest first)
// and reports the first mismatch. The first transaction's PrevHash must be the
// empty genesis value when the segment starts at the beginning of the chain.
func VerifyChain(txs []types.Transaction) error {
	for i := range txs {
		tx := &txs[i]
		payload := payloadMap(tx.Timestamp, tx.Kind, tx.UserID, tx.MerchantID, tx.Amount, tx.Note)
		want, err := hashTx(payload, tx.PrevHash)
		if err != nil {
			return err
		}
		if want != tx.Hash {
			return fmt.Errorf("ledger: hash mismatch at %s: stored %s computed %s", tx.ID, tx.Hash, want)
		}
		if i > 0 && tx.PrevHash != txs[i-1].Hash {
			return fmt.Errorf("ledger: broken link at %s: prev %s does not match prior hash %s", tx.ID, tx.PrevHash, txs[i-1].Hash)
		}
	}
	return nil
}
