package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// WALLETS
// =============================================================================

func TestWallets_EnsureIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)
	second, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Zero(t, second.Balance)
}

func TestWallets_TryDecrementGuardsBalance(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	wallet, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)
	require.NoError(t, store.Wallets().Increment(ctx, wallet.ID, 100))

	won, err := store.Wallets().TryDecrement(ctx, wallet.ID, 60)
	require.NoError(t, err)
	assert.True(t, won)

	// 40 left, another 60 must lose without going negative.
	won, err = store.Wallets().TryDecrement(ctx, wallet.ID, 60)
	require.NoError(t, err)
	assert.False(t, won)

	fresh, err := store.Wallets().Get(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), fresh.Balance)
}

// =============================================================================
// HOLDS
// =============================================================================

func pendingHold(id, orderID string) *loyalty.Hold {
	return &loyalty.Hold{
		ID:         id,
		MerchantID: "m1",
		CustomerID: "c1",
		Mode:       loyalty.ModeEarn,
		OrderID:    orderID,
		Total:      10000,
		Status:     loyalty.HoldPending,
		CreatedAt:  testNow,
	}
}

func TestHolds_ClaimOnlyOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Holds().Create(ctx, pendingHold("h1", "")))

	won, err := store.Holds().Claim(ctx, "h1", "order-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Holds().Claim(ctx, "h1", "order-1")
	require.NoError(t, err)
	assert.False(t, won)

	hold, err := store.Holds().Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.HoldCommitted, hold.Status)
	assert.Equal(t, "order-1", hold.OrderID)
}

func TestHolds_ClaimRejectsForeignOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Holds().Create(ctx, pendingHold("h1", "order-1")))

	won, err := store.Holds().Claim(ctx, "h1", "order-2")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestHolds_QrJtiUnique(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := pendingHold("h1", "")
	first.QrJti = "jti-1"
	require.NoError(t, store.Holds().Create(ctx, first))

	second := pendingHold("h2", "")
	second.QrJti = "jti-1"
	err := store.Holds().Create(ctx, second)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateKey)
}

// =============================================================================
// RECEIPTS
// =============================================================================

func TestReceipts_OrderUnique(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	receipt := &loyalty.Receipt{
		ID: "r1", MerchantID: "m1", CustomerID: "c1",
		OrderID: "order-1", Total: 10000, CreatedAt: testNow,
	}
	require.NoError(t, store.Receipts().Create(ctx, receipt))

	dupe := &loyalty.Receipt{
		ID: "r2", MerchantID: "m1", CustomerID: "c1",
		OrderID: "order-1", Total: 10000, CreatedAt: testNow,
	}
	err := store.Receipts().Create(ctx, dupe)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateKey)

	// Same order under another merchant is fine.
	other := &loyalty.Receipt{
		ID: "r3", MerchantID: "m2", CustomerID: "c1",
		OrderID: "order-1", Total: 10000, CreatedAt: testNow,
	}
	assert.NoError(t, store.Receipts().Create(ctx, other))
}

func TestReceipts_ClaimCancelOnlyOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	receipt := &loyalty.Receipt{
		ID: "r1", MerchantID: "m1", CustomerID: "c1",
		OrderID: "order-1", Total: 10000, CreatedAt: testNow,
	}
	require.NoError(t, store.Receipts().Create(ctx, receipt))

	won, err := store.Receipts().ClaimCancel(ctx, "r1", testNow)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Receipts().ClaimCancel(ctx, "r1", testNow)
	require.NoError(t, err)
	assert.False(t, won)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTransactions_ExistsByOrderFiltersType(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Transactions().Create(ctx, &loyalty.Transaction{
		ID: "t1", MerchantID: "m1", CustomerID: "c1",
		Type: loyalty.TxnEarn, Amount: 100, OrderID: "order-1", CreatedAt: testNow,
	}))

	exists, err := store.Transactions().ExistsByOrder(ctx, "m1", "order-1", loyalty.TxnEarn)
	require.NoError(t, err)
	assert.True(t, exists)

	// The same order under another type or merchant does not count.
	exists, err = store.Transactions().ExistsByOrder(ctx, "m1", "order-1", loyalty.TxnReferral)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Transactions().ExistsByOrder(ctx, "m2", "order-1", loyalty.TxnEarn)
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// QR NONCES
// =============================================================================

func TestNonces_MarkUsedOnlyOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	won, err := store.QrNonces().MarkUsed(ctx, "jti-1", "m1", "c1", testNow)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.QrNonces().MarkUsed(ctx, "jti-1", "m1", "c1", testNow)
	require.NoError(t, err)
	assert.False(t, won)

	// Release re-arms the nonce.
	require.NoError(t, store.QrNonces().Release(ctx, "jti-1"))
	won, err = store.QrNonces().MarkUsed(ctx, "jti-1", "m1", "c1", testNow)
	require.NoError(t, err)
	assert.True(t, won)
}

// =============================================================================
// EARN LOTS
// =============================================================================

func TestLots_ListExpiredSkipsConsumed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	stale := testNow.Add(-time.Hour)
	fresh := testNow.Add(time.Hour)
	mk := func(id string, expiresAt *time.Time, consumed int64) *loyalty.EarnLot {
		return &loyalty.EarnLot{
			ID: id, MerchantID: "m1", CustomerID: "c1",
			Points: 100, ConsumedPoints: consumed, EarnedAt: testNow,
			ExpiresAt: expiresAt, Status: loyalty.LotActive, CreatedAt: testNow,
		}
	}
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-due", &stale, 40)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-spent", &stale, 100)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-fresh", &fresh, 0)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-no-ttl", nil, 0)))

	lots, err := store.EarnLots().ListExpired(ctx, testNow, 0)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "lot-due", lots[0].ID)
	assert.Equal(t, int64(60), lots[0].Remaining())
}

func TestLots_ListMaturedOldestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	due := testNow.Add(-time.Hour)
	later := testNow.Add(time.Hour)
	mk := func(id string, maturesAt *time.Time, status loyalty.LotStatus) *loyalty.EarnLot {
		return &loyalty.EarnLot{
			ID: id, MerchantID: "m1", CustomerID: "c1",
			Points: 10, EarnedAt: testNow, MaturesAt: maturesAt,
			Status: status, CreatedAt: testNow,
		}
	}
	earlier := testNow.Add(-2 * time.Hour)
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-due", &due, loyalty.LotPending)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-earlier", &earlier, loyalty.LotPending)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-later", &later, loyalty.LotPending)))
	require.NoError(t, store.EarnLots().Create(ctx, mk("lot-active", &due, loyalty.LotActive)))

	lots, err := store.EarnLots().ListMatured(ctx, testNow, 0)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "lot-earlier", lots[0].ID)
	assert.Equal(t, "lot-due", lots[1].ID)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCommit_ConcurrentRedeemsNeverOverdraw(t *testing.T) {
	// GIVEN: a wallet holding 80 points and two PENDING redeem holds of
	//        80 each
	// WHEN: both commits race on separate goroutines
	// THEN: exactly 80 points leave the wallet and the balance never
	//       goes negative; the loser either settles nothing or reports
	//       insufficient points
	store := newStore(t)
	ctx := context.Background()

	wallet, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)
	require.NoError(t, store.Wallets().Increment(ctx, wallet.ID, 80))

	for _, id := range []string{"h1", "h2"} {
		hold := pendingHold(id, "")
		hold.Mode = loyalty.ModeRedeem
		hold.RedeemAmount = 80
		require.NoError(t, store.Holds().Create(ctx, hold))
	}

	clock := loyalty.FixedClock{At: testNow}
	engine := &loyalty.CommitEngine{
		UoW:        store,
		Resolver:   &loyalty.PositionResolver{Clock: clock, Context: loyalty.NopCustomerContextService{}},
		Tiers:      loyalty.NopTierResolver{},
		PromoCodes: loyalty.NopPromoCodeService{},
		Context:    loyalty.NopCustomerContextService{},
		Motivation: loyalty.NopStaffMotivationService{},
		Referrals:  &loyalty.ReferralEngine{Clock: clock},
		Lots:       &loyalty.LotLedger{Clock: clock},
		Clock:      clock,
	}

	holds := []string{"h1", "h2"}
	results := make([]*loyalty.CommitResult, len(holds))
	errs := make([]error, len(holds))
	var wg sync.WaitGroup
	for i := range holds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Commit(ctx, loyalty.CommitRequest{
				HoldID:  holds[i],
				OrderID: fmt.Sprintf("order-%d", i+1),
			})
		}(i)
	}
	wg.Wait()

	var redeemed int64
	for i := range holds {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], loyalty.ErrInsufficientFunds)
			continue
		}
		redeemed += results[i].RedeemApplied
	}
	assert.Equal(t, int64(80), redeemed)

	fresh, err := store.Wallets().Get(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fresh.Balance, int64(0))
	assert.Zero(t, fresh.Balance)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestWithin_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	wallet, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Within(ctx, func(s loyalty.Stores) error {
		if err := s.Wallets().Increment(ctx, wallet.ID, 100); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	fresh, err := store.Wallets().Get(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.Zero(t, fresh.Balance)
}

func TestWithin_CommitsOnNil(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	wallet, err := store.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)

	err = store.Within(ctx, func(s loyalty.Stores) error {
		return s.Wallets().Increment(ctx, wallet.ID, 100)
	})
	require.NoError(t, err)

	fresh, err := store.Wallets().Get(ctx, "m1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), fresh.Balance)
}
