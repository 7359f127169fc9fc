package loyalty_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// REWARD CHAIN
// =============================================================================

func seedFirstPurchaseProgram(f *fixture, reward int64) {
	f.mem.SeedReferralProgram(loyalty.ReferralProgram{
		ID:                  "prog-1",
		MerchantID:          testMerchant,
		Status:              loyalty.ProgramActive,
		RewardTrigger:       loyalty.TriggerFirstPurchase,
		ReferrerRewardType:  loyalty.RewardFixed,
		ReferrerRewardValue: decimal.NewFromInt(reward),
		CreatedAt:           testNow,
	})
	f.mem.SeedReferral(loyalty.Referral{
		ID:         "ref-1",
		MerchantID: testMerchant,
		ReferrerID: "referrer",
		RefereeID:  testCustomer,
		Status:     loyalty.ReferralActivated,
		CreatedAt:  testNow,
	})
}

func TestReferral_FirstPurchase_RewardsReferrer(t *testing.T) {
	// GIVEN: an active first-purchase program paying 50 fixed points
	// WHEN: the referee settles their first purchase
	// THEN: the referrer gains 50 and the link completes
	f := newFixture(t)
	f.seedSettings(nil)
	seedFirstPurchaseProgram(f, 50)
	ctx := context.Background()

	f.earnAndCommit(t, "order-1", 10000, 300)

	assert.Equal(t, int64(50), f.balanceOf(t, "referrer"))

	link, err := f.mem.Referrals().FindByReferee(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ReferralCompleted, link.Status)
	require.NotNil(t, link.CompletedAt)

	receipt, err := f.mem.Receipts().GetByOrder(ctx, testMerchant, "order-1")
	require.NoError(t, err)
	tag := fmt.Sprintf("referral_reward_%s_L1", receipt.ID)
	txns, err := f.mem.Transactions().ListByOrder(ctx, testMerchant, tag, loyalty.TxnReferral)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(50), txns[0].Amount)
	assert.Equal(t, "referrer", txns[0].CustomerID)
}

func TestReferral_FirstPurchase_SecondPurchaseDoesNotPay(t *testing.T) {
	// GIVEN: a first-purchase program already completed
	// WHEN: the referee settles a second purchase
	// THEN: no further reward
	f := newFixture(t)
	f.seedSettings(nil)
	seedFirstPurchaseProgram(f, 50)

	f.earnAndCommit(t, "order-1", 10000, 300)
	f.earnAndCommit(t, "order-2", 10000, 300)

	assert.Equal(t, int64(50), f.balanceOf(t, "referrer"))
}

func TestReferral_MinPurchaseGate(t *testing.T) {
	// GIVEN: a program requiring at least 50000 eligible spend
	// WHEN: the referee settles a 10000 purchase
	// THEN: no reward and the link stays open
	f := newFixture(t)
	f.seedSettings(nil)
	f.mem.SeedReferralProgram(loyalty.ReferralProgram{
		ID:                  "prog-1",
		MerchantID:          testMerchant,
		Status:              loyalty.ProgramActive,
		RewardTrigger:       loyalty.TriggerFirstPurchase,
		MinPurchaseAmount:   50000,
		ReferrerRewardType:  loyalty.RewardFixed,
		ReferrerRewardValue: decimal.NewFromInt(50),
		CreatedAt:           testNow,
	})
	f.mem.SeedReferral(loyalty.Referral{
		ID:         "ref-1",
		MerchantID: testMerchant,
		ReferrerID: "referrer",
		RefereeID:  testCustomer,
		Status:     loyalty.ReferralActivated,
		CreatedAt:  testNow,
	})
	ctx := context.Background()

	f.earnAndCommit(t, "order-1", 10000, 300)

	_, err := f.mem.Wallets().Get(ctx, testMerchant, "referrer")
	assert.ErrorIs(t, err, loyalty.ErrNotFound)

	link, err := f.mem.Referrals().FindByReferee(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ReferralActivated, link.Status)
}

func TestReferral_PercentReward(t *testing.T) {
	// GIVEN: a 2.5 percent reward on a 10000 purchase
	// WHEN: the referee settles
	// THEN: floor(10000 * 2.5 / 100) = 250 points
	f := newFixture(t)
	f.seedSettings(nil)
	f.mem.SeedReferralProgram(loyalty.ReferralProgram{
		ID:                  "prog-1",
		MerchantID:          testMerchant,
		Status:              loyalty.ProgramActive,
		RewardTrigger:       loyalty.TriggerFirstPurchase,
		ReferrerRewardType:  loyalty.RewardPercent,
		ReferrerRewardValue: decimal.RequireFromString("2.5"),
		CreatedAt:           testNow,
	})
	f.mem.SeedReferral(loyalty.Referral{
		ID:         "ref-1",
		MerchantID: testMerchant,
		ReferrerID: "referrer",
		RefereeID:  testCustomer,
		Status:     loyalty.ReferralActivated,
		CreatedAt:  testNow,
	})

	f.earnAndCommit(t, "order-1", 10000, 300)

	assert.Equal(t, int64(250), f.balanceOf(t, "referrer"))
}

func TestReferral_MultiLevelChain(t *testing.T) {
	// GIVEN: a multi-level program (L1 fixed 50, L2 fixed 20) and a
	//        chain grandreferrer -> referrer -> customer
	// WHEN: the customer settles
	// THEN: both levels are paid
	f := newFixture(t)
	f.seedSettings(nil)
	f.mem.SeedReferralProgram(loyalty.ReferralProgram{
		ID:            "prog-1",
		MerchantID:    testMerchant,
		Status:        loyalty.ProgramActive,
		RewardTrigger: loyalty.TriggerFirstPurchase,
		MultiLevel:    true,
		LevelRewards: []loyalty.ReferralLevelReward{
			{Level: 1, RewardType: loyalty.RewardFixed, RewardValue: decimal.NewFromInt(50), Enabled: true},
			{Level: 2, RewardType: loyalty.RewardFixed, RewardValue: decimal.NewFromInt(20), Enabled: true},
		},
		CreatedAt: testNow,
	})
	f.mem.SeedReferral(loyalty.Referral{
		ID: "ref-1", MerchantID: testMerchant,
		ReferrerID: "referrer", RefereeID: testCustomer,
		Status: loyalty.ReferralActivated, CreatedAt: testNow,
	})
	f.mem.SeedReferral(loyalty.Referral{
		ID: "ref-2", MerchantID: testMerchant,
		ReferrerID: "grandreferrer", RefereeID: "referrer",
		Status: loyalty.ReferralActivated, CreatedAt: testNow,
	})

	f.earnAndCommit(t, "order-1", 10000, 300)

	assert.Equal(t, int64(50), f.balanceOf(t, "referrer"))
	assert.Equal(t, int64(20), f.balanceOf(t, "grandreferrer"))
}

// =============================================================================
// ROLLBACK ON REFUND
// =============================================================================

func TestReferral_RefundRollsBackRewardAndReopensLink(t *testing.T) {
	// GIVEN: a paid first-purchase reward
	// WHEN: the triggering purchase is refunded
	// THEN: the reward is clawed back and the link reopens
	f := newFixture(t)
	f.seedSettings(nil)
	seedFirstPurchaseProgram(f, 50)
	ctx := context.Background()

	f.earnAndCommit(t, "order-1", 10000, 300)
	require.Equal(t, int64(50), f.balanceOf(t, "referrer"))

	_, err := f.refund.Refund(ctx, loyalty.RefundRequest{MerchantID: testMerchant, OrderID: "order-1"})
	require.NoError(t, err)

	assert.Zero(t, f.balanceOf(t, "referrer"))

	link, err := f.mem.Referrals().FindByReferee(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ReferralActivated, link.Status)
	assert.Nil(t, link.CompletedAt)

	// The rollback is tagged and idempotent.
	receipt, err := f.mem.Receipts().GetByOrder(ctx, testMerchant, "order-1")
	require.NoError(t, err)
	rollbacks, err := f.mem.Transactions().ListByOrderPrefix(ctx, testMerchant, loyalty.TxnReferral, "referral_rollback_"+receipt.ID)
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, int64(-50), rollbacks[0].Amount)
	assert.Equal(t, "REFERRAL_ROLLBACK", rollbacks[0].Metadata["source"])
}

func TestReferral_RollbackSkippedWhenOtherPurchaseExists(t *testing.T) {
	// GIVEN: a reward paid on the first purchase, plus a second
	//        qualifying purchase
	// WHEN: only the first purchase is refunded
	// THEN: the reward stands on the second purchase
	f := newFixture(t)
	f.seedSettings(nil)
	seedFirstPurchaseProgram(f, 50)
	ctx := context.Background()

	f.earnAndCommit(t, "order-1", 10000, 300)
	f.earnAndCommit(t, "order-2", 10000, 300)

	_, err := f.refund.Refund(ctx, loyalty.RefundRequest{MerchantID: testMerchant, OrderID: "order-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(50), f.balanceOf(t, "referrer"))

	link, err := f.mem.Referrals().FindByReferee(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ReferralCompleted, link.Status)
}
