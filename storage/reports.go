package storage

import (
	"context"
	"fmt"
)

// SettlementRow aggregates redemption activity for one merchant over a date
// range.
type SettlementRow struct {
	MerchantID    string
	MerchantName  string
	RedeemedTotal int64
	RedeemCount   int64
}

// Settlement returns per-merchant REDEEM totals for UTC days in
// [fromDay, toDay], highest totals first. Merchants with no activity appear
// with zero rows so the export covers the whole program.
func (s *Store) Settlement(ctx context.Context, fromDay, toDay string) ([]SettlementRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT m.id, m.display_name,
               COALESCE(SUM(CASE WHEN t.ttype = 'REDEEM' THEN t.amount ELSE 0 END), 0) AS redeemed_total,
               COUNT(CASE WHEN t.ttype = 'REDEEM' THEN 1 END) AS redeem_count
        FROM merchants m
        LEFT JOIN transactions t
          ON m.id = t.merchant_id AND substr(t.ts, 1, 10) BETWEEN ? AND ?
        GROUP BY m.id, m.display_name
        ORDER BY redeemed_total DESC
    `, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query settlement: %w", err)
	}
	defer rows.Close()
	var out []SettlementRow
	for rows.Next() {
		var row SettlementRow
		if err := rows.Scan(&row.MerchantID, &row.MerchantName, &row.RedeemedTotal, &row.RedeemCount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
