package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boroledger/core/guard"
	"boroledger/core/ledger"
	"boroledger/core/types"
	"boroledger/storage"
)

func leaf(b byte) string {
	sum := sha256.Sum256([]byte{b})
	return hex.EncodeToString(sum[:])
}

func pairHash(a, b string) string {
	rawA, _ := hex.DecodeString(a)
	rawB, _ := hex.DecodeString(b)
	sum := sha256.Sum256(append(rawA, rawB...))
	return hex.EncodeToString(sum[:])
}

func TestMerkleRootEmpty(t *testing.T) {
	root, err := MerkleRoot(nil)
	require.NoError(t, err)
	require.Empty(t, root)
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	l := leaf(1)
	root, err := MerkleRoot([]string{l})
	require.NoError(t, err)
	require.Equal(t, l, root)
}

func TestMerkleRootPairsAdjacentLeaves(t *testing.T) {
	a, b := leaf(1), leaf(2)
	root, err := MerkleRoot([]string{a, b})
	require.NoError(t, err)
	require.Equal(t, pairHash(a, b), root)
}

func TestMerkleRootDuplicatesOddLeaf(t *testing.T) {
	a, b, c := leaf(1), leaf(2), leaf(3)
	root, err := MerkleRoot([]string{a, b, c})
	require.NoError(t, err)
	require.Equal(t, pairHash(pairHash(a, b), pairHash(c, c)), root)
}

func TestMerkleRootIsOrderSensitive(t *testing.T) {
	a, b := leaf(1), leaf(2)
	fwd, err := MerkleRoot([]string{a, b})
	require.NoError(t, err)
	rev, err := MerkleRoot([]string{b, a})
	require.NoError(t, err)
	require.NotEqual(t, fwd, rev)
}

func TestMerkleRootRejectsNonHexLeaf(t *testing.T) {
	_, err := MerkleRoot([]string{"not-hex"})
	require.Error(t, err)
}

func newAnchorFixture(t *testing.T) (*Service, *ledger.Ledger, *storage.Store) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "user1", types.AccountUser))
	require.NoError(t, store.CreateMerchant(ctx, "cafe", "Sunny Cafe"))
	require.NoError(t, store.CreateAccount(ctx, "cafe", types.AccountMerchant))

	at := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	led := ledger.New(store, guard.New(), ledger.WithClock(clock))
	return NewService(store, WithClock(clock)), led, store
}

func TestAnchorDayRootMatchesDayHashes(t *testing.T) {
	svc, led, store := newAnchorFixture(t)
	ctx := context.Background()

	r1, err := led.Apply(ctx, types.TxEarn, "user1", "cafe", 10, "")
	require.NoError(t, err)
	r2, err := led.Apply(ctx, types.TxEarn, "user1", "cafe", 20, "")
	require.NoError(t, err)

	res, err := svc.AnchorDay(ctx, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, 2, res.TxCount)
	require.Equal(t, pairHash(r1.Hash, r2.Hash), res.MerkleRoot)

	stored, err := store.GetAnchor(ctx, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, res.MerkleRoot, stored.MerkleRoot)
}

func TestAnchorDayEmptyDay(t *testing.T) {
	svc, _, store := newAnchorFixture(t)
	ctx := context.Background()

	res, err := svc.AnchorDay(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Empty(t, res.MerkleRoot)
	require.Zero(t, res.TxCount)

	stored, err := store.GetAnchor(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Empty(t, stored.MerkleRoot)
}

func TestAnchorDayReplacesRootOnReRun(t *testing.T) {
	svc, led, store := newAnchorFixture(t)
	ctx := context.Background()

	_, err := led.Apply(ctx, types.TxEarn, "user1", "cafe", 10, "")
	require.NoError(t, err)
	first, err := svc.AnchorDay(ctx, "2024-03-10")
	require.NoError(t, err)

	_, err = led.Apply(ctx, types.TxEarn, "user1", "cafe", 20, "")
	require.NoError(t, err)
	second, err := svc.AnchorDay(ctx, "2024-03-10")
	require.NoError(t, err)
	require.NotEqual(t, first.MerkleRoot, second.MerkleRoot)

	stored, err := store.GetAnchor(ctx, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, second.MerkleRoot, stored.MerkleRoot)
}

func TestAnchorDayDefaultsToCurrentDay(t *testing.T) {
	svc, led, _ := newAnchorFixture(t)
	ctx := context.Background()

	_, err := led.Apply(ctx, types.TxEarn, "user1", "cafe", 10, "")
	require.NoError(t, err)

	res, err := svc.AnchorDay(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "2024-03-10", res.Day)
	require.Equal(t, 1, res.TxCount)
}

func TestAnchorDayRejectsMalformedDay(t *testing.T) {
	svc, _, _ := newAnchorFixture(t)
	_, err := svc.AnchorDay(context.Background(), "10-03-2024")
	require.Error(t, err)
}
