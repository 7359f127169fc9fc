package loyalty_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// EARN SETTLEMENT
// =============================================================================

func TestCommit_Earn_CreditsWallet(t *testing.T) {
	// GIVEN: an EARN hold for 300 points
	// WHEN: committing it against order-1
	// THEN: the wallet gains 300, a receipt and an EARN transaction exist
	f := newFixture(t)
	f.seedSettings(nil)
	ctx := context.Background()

	quote := f.earnQuote(t, "order-1", 10000)
	res := f.commitHold(t, quote.HoldID, "order-1")

	assert.True(t, res.OK)
	assert.False(t, res.AlreadyCommitted)
	assert.Equal(t, int64(300), res.EarnApplied)
	assert.Equal(t, int64(300), f.balance(t))

	receipt, err := f.mem.Receipts().GetByOrder(ctx, testMerchant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), receipt.EarnApplied)
	assert.Equal(t, int64(10000), receipt.Total)

	txns, err := f.mem.Transactions().ListByOrder(ctx, testMerchant, "order-1", loyalty.TxnEarn)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(300), txns[0].Amount)

	// An ACTIVE earn lot backs the credit.
	lots, err := f.mem.EarnLots().ListActive(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(300), lots[0].Points)
	assert.Equal(t, receipt.ID, lots[0].ReceiptID)
}

func TestCommit_IdempotentByOrder(t *testing.T) {
	// GIVEN: a committed order
	// WHEN: committing the same hold and order again
	// THEN: the same receipt comes back and the wallet moved only once
	f := newFixture(t)
	f.seedSettings(nil)

	quote := f.earnQuote(t, "order-1", 10000)
	first := f.commitHold(t, quote.HoldID, "order-1")
	second := f.commitHold(t, quote.HoldID, "order-1")

	assert.True(t, second.AlreadyCommitted)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.Equal(t, first.EarnApplied, second.EarnApplied)
	assert.Equal(t, int64(300), f.balance(t))
}

func TestCommit_Earn_ManualOverride(t *testing.T) {
	// GIVEN: an EARN hold quoted at 300 points
	// WHEN: the cashier overrides the earn to 50
	// THEN: exactly 50 points settle
	f := newFixture(t)
	f.seedSettings(nil)

	quote := f.earnQuote(t, "order-1", 10000)
	res, err := f.commit.Commit(context.Background(), loyalty.CommitRequest{
		HoldID:           quote.HoldID,
		OrderID:          "order-1",
		ManualEarnPoints: int64Ptr(50),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(50), res.EarnApplied)
	assert.Equal(t, int64(50), f.balance(t))
}

func TestCommit_Earn_DelayedIntoPendingLot(t *testing.T) {
	// GIVEN: earnDelayDays = 7
	// WHEN: committing an EARN hold
	// THEN: the wallet is untouched, a PENDING lot holds the points and
	//       a scheduling event is emitted
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnDelayDays = 7 })
	ctx := context.Background()

	quote := f.earnQuote(t, "order-1", 10000)
	res := f.commitHold(t, quote.HoldID, "order-1")

	assert.Equal(t, int64(300), res.EarnApplied)
	assert.Zero(t, f.balance(t))

	pending, err := f.mem.EarnLots().ListPendingByOrder(ctx, testMerchant, testCustomer, "order-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(300), pending[0].Points)
	require.NotNil(t, pending[0].MaturesAt)
	assert.Equal(t, testNow.AddDate(0, 0, 7), *pending[0].MaturesAt)

	var scheduled bool
	for _, evt := range f.mem.OutboxEvents() {
		if evt.EventType == loyalty.EventEarnScheduled {
			scheduled = true
		}
	}
	assert.True(t, scheduled)
}

// =============================================================================
// REDEEM SETTLEMENT
// =============================================================================

func TestCommit_Redeem_DebitsWallet(t *testing.T) {
	// GIVEN: balance 100 and a REDEEM hold for 30 on a 100 total
	// WHEN: committing
	// THEN: the balance drops to 70 and the receipt records 30 redeemed
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.RedeemLimitBps = 10000 })
	f.fundWallet(t, 100)
	ctx := context.Background()

	quote := f.redeemQuote(t, "order-1", 100, int64Ptr(30))
	require.Equal(t, int64(30), quote.DiscountToApply)

	res := f.commitHold(t, quote.HoldID, "order-1")

	assert.Equal(t, int64(30), res.RedeemApplied)
	assert.Equal(t, int64(70), f.balance(t))

	receipt, err := f.mem.Receipts().GetByOrder(ctx, testMerchant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), receipt.RedeemApplied)

	txns, err := f.mem.Transactions().ListByOrder(ctx, testMerchant, "order-1", loyalty.TxnRedeem)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-30), txns[0].Amount)
}

func TestCommit_Redeem_ClampedToFreshBalance(t *testing.T) {
	// GIVEN: a REDEEM hold for 400 quoted when the balance was 400,
	//        but 300 points were spent elsewhere before the commit
	// WHEN: committing
	// THEN: only the remaining 100 settle; the balance never goes negative
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 400)
	ctx := context.Background()

	quote := f.redeemQuote(t, "order-1", 10000, nil)
	require.Equal(t, int64(400), quote.DiscountToApply)

	wallet, err := f.mem.Wallets().Get(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	won, err := f.mem.Wallets().TryDecrement(ctx, wallet.ID, 300)
	require.NoError(t, err)
	require.True(t, won)

	res := f.commitHold(t, quote.HoldID, "order-1")

	assert.Equal(t, int64(100), res.RedeemApplied)
	assert.Zero(t, f.balance(t))
}

func TestCommit_Redeem_ConsumesLotsFifo(t *testing.T) {
	// GIVEN: two earn lots (100 then 200, by creation order) and a
	//        redeem of 150
	// WHEN: the redeem commits
	// THEN: the oldest lot is fully consumed, the second partially
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) {
		s.EarnBps = 100
		s.RedeemLimitBps = 10000
	})
	ctx := context.Background()

	f.earnAndCommit(t, "earn-1", 10000, 100)
	f.earnAndCommit(t, "earn-2", 20000, 200)
	require.Equal(t, int64(300), f.balance(t))

	quote := f.redeemQuote(t, "order-3", 10000, int64Ptr(150))
	f.commitHold(t, quote.HoldID, "order-3")

	lots, err := f.mem.EarnLots().ListActive(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, int64(100), lots[0].ConsumedPoints)
	assert.Equal(t, int64(50), lots[1].ConsumedPoints)
}

// =============================================================================
// HOLD STATE GUARDS
// =============================================================================

func TestCommit_HoldBoundToAnotherOrder(t *testing.T) {
	// GIVEN: a hold quoted for order A
	// WHEN: committing it against order B
	// THEN: conflict
	f := newFixture(t)
	f.seedSettings(nil)

	quote := f.earnQuote(t, "order-A", 10000)
	_, err := f.commit.Commit(context.Background(), loyalty.CommitRequest{
		HoldID:  quote.HoldID,
		OrderID: "order-B",
	})
	assert.ErrorIs(t, err, loyalty.ErrHoldBoundElsewhere)
}

func TestCommit_CanceledHoldRejected(t *testing.T) {
	// GIVEN: a canceled hold
	// WHEN: committing it
	// THEN: conflict
	f := newFixture(t)
	f.seedSettings(nil)

	quote := f.earnQuote(t, "order-1", 10000)
	require.NoError(t, f.refund.Cancel(context.Background(), testMerchant, quote.HoldID))

	_, err := f.commit.Commit(context.Background(), loyalty.CommitRequest{
		HoldID:  quote.HoldID,
		OrderID: "order-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrHoldFinished)
}

func TestCommit_MerchantMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedSettings(nil)

	quote := f.earnQuote(t, "order-1", 10000)
	_, err := f.commit.Commit(context.Background(), loyalty.CommitRequest{
		HoldID:             quote.HoldID,
		OrderID:            "order-1",
		ExpectedMerchantID: "someone-else",
	})
	assert.ErrorIs(t, err, loyalty.ErrMerchantMismatch)
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestCommit_LedgerMirrorsWalletMoves(t *testing.T) {
	// GIVEN: an earn of 300 then a redeem of 100
	// WHEN: both settle
	// THEN: every wallet move has a matching double-entry row
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.RedeemLimitBps = 10000 })

	f.earnAndCommit(t, "order-1", 10000, 300)
	quote := f.redeemQuote(t, "order-2", 10000, int64Ptr(100))
	f.commitHold(t, quote.HoldID, "order-2")

	var credited, debited int64
	for _, entry := range f.mem.LedgerEntries() {
		switch entry.Credit {
		case loyalty.AccountCustomerBalance:
			credited += entry.Amount
		case loyalty.AccountMerchantLiability:
			debited += entry.Amount
		}
	}
	assert.Equal(t, int64(300), credited)
	assert.Equal(t, int64(100), debited)
	assert.Equal(t, credited-debited, f.balance(t))
}

// earnAndCommit settles an EARN purchase and asserts the quoted points.
func (f *fixture) earnAndCommit(t *testing.T, orderID string, total, wantPoints int64) {
	t.Helper()
	quote := f.earnQuote(t, orderID, total)
	require.Equal(t, wantPoints, quote.PointsToEarn)
	f.commitHold(t, quote.HoldID, orderID)
}
