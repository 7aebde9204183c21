package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boroledger/core/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestTx(t *testing.T, store *Store, tx types.Transaction) {
	t.Helper()
	stx, err := store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, stx.InsertTransaction(context.Background(), tx))
	require.NoError(t, stx.Commit())
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("rewards.db")
	require.NoError(t, err)
	require.Equal(t, "file:rewards.db", dsn)

	_, err = FileDSN("   ")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, "user1", types.AccountUser))
	// Re-creating is a no-op, not an error.
	require.NoError(t, store.CreateAccount(ctx, "user1", types.AccountUser))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	require.Equal(t, types.AccountUser, acct.Kind)
	require.Zero(t, acct.Balance)

	_, err = store.GetAccount(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionOrderingAndNullColumns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	insertTestTx(t, store, types.Transaction{
		ID: "aaaa", Timestamp: base, Kind: types.TxIssue,
		UserID: "user1", Amount: 100, Hash: "h1",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "bbbb", Timestamp: base.Add(time.Second), Kind: types.TxRedeem,
		UserID: "user1", MerchantID: "cafe", Amount: 40,
		PrevHash: "h1", Hash: "h2", Note: "lunch",
	})

	newest, err := store.ListTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	require.Equal(t, "bbbb", newest[0].ID)
	// Absent merchant and note columns come back as empty strings.
	require.Empty(t, newest[1].MerchantID)
	require.Empty(t, newest[1].Note)
	require.Empty(t, newest[1].PrevHash)

	oldest, err := store.ChainAscending(ctx)
	require.NoError(t, err)
	require.Equal(t, "aaaa", oldest[0].ID)
	require.Equal(t, base, oldest[0].Timestamp)
	require.Equal(t, "cafe", oldest[1].MerchantID)
	require.Equal(t, "lunch", oldest[1].Note)
}

func TestListTransactionsInsertionOrderTiebreak(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		insertTestTx(t, store, types.Transaction{
			ID: fmt.Sprintf("tx%d", i), Timestamp: at, Kind: types.TxEarn,
			UserID: "user1", Amount: 1, Hash: fmt.Sprintf("h%d", i),
		})
	}

	newest, err := store.ListTransactions(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"tx2", "tx1", "tx0"},
		[]string{newest[0].ID, newest[1].ID, newest[2].ID})
}

func TestDayHashesFiltersByCalendarDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	insertTestTx(t, store, types.Transaction{
		ID: "a", Timestamp: time.Date(2024, time.March, 10, 23, 59, 59, 0, time.UTC),
		Kind: types.TxEarn, UserID: "user1", Amount: 1, Hash: "h-a",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "b", Timestamp: time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
		Kind: types.TxEarn, UserID: "user1", Amount: 1, Hash: "h-b",
	})

	hashes, err := store.DayHashes(ctx, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, []string{"h-a"}, hashes)

	hashes, err = store.DayHashes(ctx, "2024-03-12")
	require.NoError(t, err)
	require.Empty(t, hashes)
}

func TestAnchorUpsertReplacesSameDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertAnchor(ctx, types.Anchor{Day: "2024-03-10", MerkleRoot: "r1", CreatedAt: at}))
	require.NoError(t, store.UpsertAnchor(ctx, types.Anchor{Day: "2024-03-10", MerkleRoot: "r2", CreatedAt: at.Add(time.Hour)}))

	a, err := store.GetAnchor(ctx, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, "r2", a.MerkleRoot)

	_, err = store.GetAnchor(ctx, "2024-03-11")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAlertsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendAlert(ctx, types.Alert{
		Timestamp: at, Kind: types.AlertRateLimit, MerchantID: "cafe", Detail: "first",
	}))
	require.NoError(t, store.AppendAlert(ctx, types.Alert{
		Timestamp: at.Add(time.Minute), Kind: types.AlertRapidRedeems, MerchantID: "cafe", UserID: "user1", Detail: "second",
	}))

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, "second", alerts[0].Detail)
	require.Equal(t, types.AlertRapidRedeems, alerts[0].Kind)
	require.Equal(t, "user1", alerts[0].UserID)

	alerts, err = store.ListAlerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestSettingsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Setting(ctx, "expiry_days")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetSetting(ctx, "expiry_days", "30"))
	require.NoError(t, store.SetSetting(ctx, "expiry_days", "45"))

	v, err := store.Setting(ctx, "expiry_days")
	require.NoError(t, err)
	require.Equal(t, "45", v)

	all, err := store.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"expiry_days": "45"}, all)
}

func TestMerchantLimitsDefaults(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Unknown merchant falls back to defaults rather than failing: guard
	// checks must not break on unconfigured merchants.
	lim, err := store.MerchantLimits(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, types.DefaultRatePerMinute, lim.RatePerMinute)
	require.Equal(t, types.DefaultDailyEarnCap, lim.DailyEarnCap)
	require.Equal(t, types.DefaultDailyRedeemCap, lim.DailyRedeemCap)

	require.NoError(t, store.CreateMerchant(ctx, "cafe", "Sunny Cafe"))
	require.NoError(t, store.SetMerchantLimits(ctx, types.MerchantLimits{
		MerchantID:     "cafe",
		RatePerMinute:  5,
		DailyEarnCap:   500,
		DailyRedeemCap: 300,
	}))

	lim, err = store.MerchantLimits(ctx, "cafe")
	require.NoError(t, err)
	require.Equal(t, int64(5), lim.RatePerMinute)
	require.Equal(t, int64(500), lim.DailyEarnCap)
	require.Equal(t, int64(300), lim.DailyRedeemCap)

	err = store.SetMerchantLimits(ctx, types.MerchantLimits{MerchantID: "ghost", RatePerMinute: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTxGuardWindowQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	insertTestTx(t, store, types.Transaction{
		ID: "r1", Timestamp: base, Kind: types.TxRedeem,
		UserID: "user1", MerchantID: "cafe", Amount: 10, Hash: "h1",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "r2", Timestamp: base.Add(30 * time.Second), Kind: types.TxRedeem,
		UserID: "user1", MerchantID: "cafe", Amount: 20, PrevHash: "h1", Hash: "h2",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "e1", Timestamp: base.Add(40 * time.Second), Kind: types.TxEarn,
		UserID: "user2", MerchantID: "cafe", Amount: 7, PrevHash: "h2", Hash: "h3",
	})

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	count, err := tx.CountMerchantSince(ctx, "cafe", base.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	count, err = tx.CountMerchantSince(ctx, "cafe", base.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	sum, err := tx.SumMerchantKindOnDay(ctx, "cafe", types.TxRedeem, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, int64(30), sum)

	sum, err = tx.SumMerchantKindOnDay(ctx, "cafe", types.TxEarn, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, int64(7), sum)

	pairCount, err := tx.CountPairRedeemsSince(ctx, "user1", "cafe", base.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), pairCount)

	tail, err := tx.TailHash(ctx)
	require.NoError(t, err)
	require.Equal(t, "h3", tail)
}

func TestTxTailHashEmptyChain(t *testing.T) {
	store := openTestStore(t)
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	tail, err := tx.TailHash(context.Background())
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestTxAccountBalanceKindFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "user1", types.AccountUser))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	bal, err := tx.AccountBalance(ctx, "user1", types.AccountUser)
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = tx.AccountBalance(ctx, "user1", types.AccountMerchant)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.AddBalance(ctx, "user1", 42))
	bal, err = tx.AccountBalance(ctx, "user1", types.AccountUser)
	require.NoError(t, err)
	require.Equal(t, int64(42), bal)
}

func TestUserHistorySplitsCreditsAndDebits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	kinds := []types.TxKind{types.TxEarn, types.TxIssue, types.TxRedeem, types.TxExpire, types.TxAdjust}
	for i, kind := range kinds {
		insertTestTx(t, store, types.Transaction{
			ID: fmt.Sprintf("t%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind: kind, UserID: "user1", Amount: int64(10 * (i + 1)), Hash: fmt.Sprintf("h%d", i),
		})
	}

	credits, debits, err := store.UserHistory(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, credits, 2)
	require.Equal(t, int64(10), credits[0].Amount)
	require.Equal(t, int64(20), credits[1].Amount)
	require.Len(t, debits, 2)
	require.Equal(t, int64(30), debits[0].Amount)
	require.Equal(t, int64(40), debits[1].Amount)
}

func TestIdentityResolution(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureSeed(ctx))

	role, name, err := store.Identity(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, "admin", role)
	require.NotEmpty(t, name)

	role, name, err = store.Identity(ctx, "merchant1")
	require.NoError(t, err)
	require.Equal(t, "merchant", role)
	require.Equal(t, "Sunny Cafe", name)

	_, _, err = store.Identity(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureSeedIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureSeed(ctx))
	require.NoError(t, store.EnsureSeed(ctx))

	ids, err := store.UserAccountIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"user1", "user2"}, ids)

	acct, err := store.GetAccount(ctx, "system")
	require.NoError(t, err)
	require.Equal(t, types.AccountSystem, acct.Kind)
}

func TestEnsureDefaultsSeedsExpirySetting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureDefaults(ctx))
	v, err := store.Setting(ctx, types.SettingExpiryDays)
	require.NoError(t, err)
	require.Equal(t, "0", v)

	// An operator-chosen value survives a restart.
	require.NoError(t, store.SetSetting(ctx, types.SettingExpiryDays, "90"))
	require.NoError(t, store.EnsureDefaults(ctx))
	v, err = store.Setting(ctx, types.SettingExpiryDays)
	require.NoError(t, err)
	require.Equal(t, "90", v)
}

func TestSettlementAggregatesRedeemsPerMerchant(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateMerchant(ctx, "cafe", "Sunny Cafe"))
	require.NoError(t, store.CreateMerchant(ctx, "books", "Hillsborough Books"))
	base := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

	insertTestTx(t, store, types.Transaction{
		ID: "s1", Timestamp: base, Kind: types.TxRedeem,
		UserID: "user1", MerchantID: "cafe", Amount: 30, Hash: "h1",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "s2", Timestamp: base.Add(time.Minute), Kind: types.TxRedeem,
		UserID: "user2", MerchantID: "cafe", Amount: 20, PrevHash: "h1", Hash: "h2",
	})
	insertTestTx(t, store, types.Transaction{
		ID: "s3", Timestamp: base.Add(2 * time.Minute), Kind: types.TxEarn,
		UserID: "user1", MerchantID: "cafe", Amount: 999, PrevHash: "h2", Hash: "h3",
	})
	// Out of range.
	insertTestTx(t, store, types.Transaction{
		ID: "s4", Timestamp: base.AddDate(0, 0, 5), Kind: types.TxRedeem,
		UserID: "user1", MerchantID: "books", Amount: 70, PrevHash: "h3", Hash: "h4",
	})

	rows, err := store.Settlement(ctx, "2024-03-10", "2024-03-11")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "cafe", rows[0].MerchantID)
	require.Equal(t, int64(50), rows[0].RedeemedTotal)
	require.Equal(t, int64(2), rows[0].RedeemCount)
	require.Equal(t, "books", rows[1].MerchantID)
	require.Zero(t, rows[1].RedeemedTotal)
}
