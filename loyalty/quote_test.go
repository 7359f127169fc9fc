package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// EARN QUOTES
// =============================================================================

func TestQuote_Earn_DefaultRate(t *testing.T) {
	// GIVEN: default settings (300 bps)
	// WHEN: quoting EARN for a 10000 total
	// THEN: 300 points are proposed and pinned in a PENDING hold
	f := newFixture(t)
	f.seedSettings(nil)

	res := f.earnQuote(t, "order-1", 10000)

	assert.True(t, res.CanEarn)
	assert.Equal(t, int64(300), res.PointsToEarn)
	require.NotEmpty(t, res.HoldID)

	hold, err := f.mem.Holds().Get(context.Background(), res.HoldID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.HoldPending, hold.Status)
	assert.Equal(t, int64(300), hold.EarnPoints)
	assert.Equal(t, int64(10000), hold.Total)
}

func TestQuote_Earn_TooSmall(t *testing.T) {
	// GIVEN: a total too small to yield a single point
	// WHEN: quoting EARN for 10 (10 * 300 / 10000 = 0)
	// THEN: the quote refuses with a message but still returns a hold
	f := newFixture(t)
	f.seedSettings(nil)

	res := f.earnQuote(t, "order-1", 10)

	assert.False(t, res.CanEarn)
	assert.Zero(t, res.PointsToEarn)
	assert.Equal(t, "Amount is too small to earn points.", res.Message)
}

func TestQuote_Earn_DailyCapReached(t *testing.T) {
	// GIVEN: an earn daily cap of 100 already exhausted in the window
	// WHEN: quoting EARN again
	// THEN: the quote refuses without a hold
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnDailyCap = 100 })
	ctx := context.Background()

	require.NoError(t, f.mem.Transactions().Create(ctx, &loyalty.Transaction{
		ID:         uuid.NewString(),
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Type:       loyalty.TxnEarn,
		Amount:     100,
		OrderID:    "earlier-order",
		CreatedAt:  testNow.Add(-2 * time.Hour),
	}))

	res := f.earnQuote(t, "order-2", 10000)

	assert.False(t, res.CanEarn)
	assert.Empty(t, res.HoldID)
	assert.Equal(t, "Daily earn limit reached.", res.Message)
}

func TestQuote_Earn_OrderlessGrantsDoNotTriggerCooldown(t *testing.T) {
	// GIVEN: an earn cooldown and a recent orderless EARN grant
	//        (registration bonus), which the gate must ignore
	// WHEN: quoting EARN
	// THEN: the quote succeeds
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnCooldownSec = 3600 })
	ctx := context.Background()

	require.NoError(t, f.mem.Transactions().Create(ctx, &loyalty.Transaction{
		ID:         uuid.NewString(),
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Type:       loyalty.TxnEarn,
		Amount:     500,
		CreatedAt:  testNow.Add(-time.Minute),
	}))

	res := f.earnQuote(t, "order-1", 10000)

	assert.True(t, res.CanEarn)
	assert.Equal(t, int64(300), res.PointsToEarn)
}

// =============================================================================
// REDEEM QUOTES
// =============================================================================

func TestQuote_Redeem_CappedByBalanceAndLimit(t *testing.T) {
	// GIVEN: balance 400, total 10000, redeem limit 5000 bps
	// WHEN: quoting REDEEM
	// THEN: the full balance of 400 is proposed (below the 5000 limit)
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 400)

	res := f.redeemQuote(t, "order-1", 10000, nil)

	assert.True(t, res.CanRedeem)
	assert.Equal(t, int64(400), res.DiscountToApply)
	assert.Equal(t, int64(400), res.PointsToBurn)
	assert.Equal(t, int64(9600), res.FinalPayable)
	require.NotEmpty(t, res.HoldID)
}

func TestQuote_Redeem_ManualCap(t *testing.T) {
	// GIVEN: balance 400 and a cashier-entered cap of 100
	// WHEN: quoting REDEEM
	// THEN: only 100 points are proposed
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 400)

	res := f.redeemQuote(t, "order-1", 10000, int64Ptr(100))

	assert.Equal(t, int64(100), res.DiscountToApply)
	assert.Equal(t, int64(9900), res.FinalPayable)
}

func TestQuote_Redeem_LimitBpsCapsDiscount(t *testing.T) {
	// GIVEN: a huge balance and a 5000 bps redeem limit on total 1000
	// WHEN: quoting REDEEM
	// THEN: the discount stops at 500
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 100000)

	res := f.redeemQuote(t, "order-1", 1000, nil)

	assert.Equal(t, int64(500), res.DiscountToApply)
	assert.Equal(t, int64(500), res.FinalPayable)
}

func TestQuote_Redeem_EmptyWallet(t *testing.T) {
	// GIVEN: no points at all
	// WHEN: quoting REDEEM
	// THEN: the quote refuses with a message, no error
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 0)

	res := f.redeemQuote(t, "order-1", 10000, nil)

	assert.False(t, res.CanRedeem)
	assert.Zero(t, res.DiscountToApply)
	assert.Equal(t, int64(10000), res.FinalPayable)
	assert.Equal(t, "Not enough points to redeem.", res.Message)
}

func TestQuote_Redeem_Cooldown(t *testing.T) {
	// GIVEN: a redeem 30 seconds ago and a 60 second cooldown
	// WHEN: quoting REDEEM
	// THEN: the quote refuses and names the remaining wait
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.RedeemCooldownSec = 60 })
	f.fundWallet(t, 400)
	ctx := context.Background()

	require.NoError(t, f.mem.Transactions().Create(ctx, &loyalty.Transaction{
		ID:         uuid.NewString(),
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Type:       loyalty.TxnRedeem,
		Amount:     -50,
		OrderID:    "earlier-order",
		CreatedAt:  testNow.Add(-30 * time.Second),
	}))

	res := f.redeemQuote(t, "order-1", 10000, nil)

	assert.False(t, res.CanRedeem)
	assert.Equal(t, "Redeem cooldown: wait 30 sec.", res.Message)
}

func TestQuote_Redeem_DryRunCreatesNoHold(t *testing.T) {
	// GIVEN: a funded wallet
	// WHEN: quoting REDEEM with DryRun
	// THEN: the proposal is computed but nothing is persisted
	f := newFixture(t)
	f.seedSettings(nil)
	f.fundWallet(t, 400)

	res, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeRedeem,
		Total:      10000,
		DryRun:     true,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(400), res.DiscountToApply)
	assert.Empty(t, res.HoldID)
}

func TestQuote_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
	}, nil)
	assert.True(t, loyalty.IsValidation(err))

	_, err = f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       "BOGUS",
	}, nil)
	assert.True(t, loyalty.IsValidation(err))

	_, err = f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      -5,
	}, nil)
	assert.True(t, loyalty.IsValidation(err))
}

// =============================================================================
// QR ANTI-REPLAY
// =============================================================================

func qrMeta(jti string) *loyalty.QrMeta {
	return &loyalty.QrMeta{
		Jti:       jti,
		Kind:      loyalty.QrKindJwt,
		IssuedAt:  testNow,
		ExpiresAt: testNow.Add(5 * time.Minute),
	}
}

func TestQuote_QrReplay_PendingHoldIsIdempotent(t *testing.T) {
	// GIVEN: a quote anchored to a QR token
	// WHEN: the same token is scanned again while the hold is PENDING
	// THEN: the identical quote (same hold) is returned
	f := newFixture(t)
	f.seedSettings(nil)
	qr := qrMeta("jti-1")

	first, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, qr)
	require.NoError(t, err)
	require.NotEmpty(t, first.HoldID)

	second, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, qr)
	require.NoError(t, err)

	assert.Equal(t, first.HoldID, second.HoldID)
	assert.Equal(t, first.PointsToEarn, second.PointsToEarn)
}

func TestQuote_QrReplay_AfterCommitRejected(t *testing.T) {
	// GIVEN: a QR-anchored hold that was committed
	// WHEN: the token is scanned again
	// THEN: the quote fails with "QR already used"
	f := newFixture(t)
	f.seedSettings(nil)
	qr := qrMeta("jti-2")

	first, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, qr)
	require.NoError(t, err)
	f.commitHold(t, first.HoldID, "order-1")

	_, err = f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, qr)
	assert.ErrorIs(t, err, loyalty.ErrQrUsed)
}

func TestQuote_QrShortCode_RequiresKnownNonce(t *testing.T) {
	// GIVEN: a short numeric code that was never issued
	// WHEN: quoting with it
	// THEN: validation failure
	f := newFixture(t)
	f.seedSettings(nil)

	_, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, &loyalty.QrMeta{Jti: "123456", Kind: loyalty.QrKindShort, ExpiresAt: testNow.Add(time.Minute)})
	assert.True(t, loyalty.IsValidation(err))
}

func TestQuote_QrShortCode_Expired(t *testing.T) {
	// GIVEN: a short code whose nonce window has passed
	// WHEN: quoting with it
	// THEN: expiry error and the nonce is removed
	f := newFixture(t)
	f.seedSettings(nil)
	expired := testNow.Add(-time.Minute)
	f.mem.SeedNonce(loyalty.QrNonce{
		Jti:        "654321",
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		IssuedAt:   testNow.Add(-10 * time.Minute),
		ExpiresAt:  &expired,
	})

	_, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		Total:      10000,
	}, &loyalty.QrMeta{Jti: "654321", Kind: loyalty.QrKindShort, ExpiresAt: testNow.Add(time.Minute)})
	assert.ErrorIs(t, err, loyalty.ErrQrExpired)

	_, err = f.mem.QrNonces().Get(context.Background(), "654321")
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
}
