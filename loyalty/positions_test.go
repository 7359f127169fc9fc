package loyalty_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SANITIZE + TOTALS
// =============================================================================

func TestSanitizePositions_DropsUnusableLines(t *testing.T) {
	items := []loyalty.Position{
		{ProductID: "p1", Qty: dec("1"), Price: dec("100")},
		{ProductID: "p2", Qty: dec("0"), Price: dec("100")},  // zero qty
		{ProductID: "p3", Qty: dec("1"), Price: dec("-5")},   // negative price
		{Qty: dec("1"), Price: dec("100")},                   // anonymous
		{ProductID: "  p4  ", Qty: dec("2"), Price: dec("50")},
	}

	out := loyalty.SanitizePositions(items)

	require.Len(t, out, 2)
	assert.Equal(t, "p1", out[0].ProductID)
	assert.Equal(t, "p4", out[1].ProductID)
}

func TestComputeTotals_EligibleExcludesNonAccruing(t *testing.T) {
	positions := []*loyalty.ResolvedPosition{
		{Amount: 6000, AccruePoints: true},
		{Amount: 4000, AccruePoints: false},
	}

	total, eligible := loyalty.ComputeTotals(0, positions)

	assert.Equal(t, int64(10000), total)
	assert.Equal(t, int64(6000), eligible)
}

func TestComputeTotals_FallbackWithoutPositions(t *testing.T) {
	total, eligible := loyalty.ComputeTotals(2500, nil)
	assert.Equal(t, int64(2500), total)
	assert.Equal(t, int64(2500), eligible)
}

// =============================================================================
// EARN/REDEEM APPLICATION
// =============================================================================

func applyItem(amount int64, redeemPercent int64, accrue bool) *loyalty.ResolvedPosition {
	return &loyalty.ResolvedPosition{
		Qty:             dec("1"),
		Price:           decimal.NewFromInt(amount),
		BasePrice:       decimal.NewFromInt(amount),
		Amount:          amount,
		AccruePoints:    accrue,
		AllowEarnAndPay: true,
		RedeemPercent:   redeemPercent,
	}
}

func TestApplyEarnAndRedeem_RedeemCappedPerItem(t *testing.T) {
	// GIVEN: an item redeemable up to 50% and one not redeemable at all
	// WHEN: applying a 10000 discount
	// THEN: only the capped 3000 lands, on the redeemable item
	items := []*loyalty.ResolvedPosition{
		applyItem(6000, 50, true),
		applyItem(4000, 0, true),
	}

	loyalty.ApplyEarnAndRedeemToItems(items, 0, 10000, false)

	assert.Equal(t, int64(3000), items[0].RedeemAmount)
	assert.Zero(t, items[1].RedeemAmount)
}

func TestApplyEarnAndRedeem_EarnOnResidual(t *testing.T) {
	// GIVEN: one item of 10000 with a 2000 redeem
	// WHEN: earning at 300 bps
	// THEN: floor(8000 * 300 / 10000) = 240 points
	items := []*loyalty.ResolvedPosition{applyItem(10000, 100, true)}

	total := loyalty.ApplyEarnAndRedeemToItems(items, 300, 2000, true)

	assert.Equal(t, int64(240), total)
	assert.Equal(t, int64(2000), items[0].RedeemAmount)
	assert.Equal(t, int64(240), items[0].EarnPoints)
}

func TestApplyEarnAndRedeem_BestPointPromotionWins(t *testing.T) {
	// GIVEN: two point promotion candidates, x2 multiplier vs 10 percent
	//        of the residual, on a 10000 item at 300 bps
	// THEN: percent gives 1000 > multiplier 600, percent wins
	multiplier := &loyalty.Promotion{
		ID: "x2", Kind: loyalty.PromoPointsMultiplier,
		PointsRuleType: loyalty.PointsRuleMultiplier, PointsValue: dec("2"),
	}
	percent := &loyalty.Promotion{
		ID: "pct10", Kind: loyalty.PromoPointsMultiplier,
		PointsRuleType: loyalty.PointsRulePercent, PointsValue: dec("10"),
	}
	item := applyItem(10000, 100, true)
	item.PointPromotions = []*loyalty.Promotion{multiplier, percent}

	total := loyalty.ApplyEarnAndRedeemToItems([]*loyalty.ResolvedPosition{item}, 300, 0, true)

	assert.Equal(t, int64(1000), total)
	assert.Equal(t, "pct10", item.PointPromotionID)
	assert.Equal(t, int64(700), item.PromotionPointsBonus)
}

func TestApplyEarnAndRedeem_NonAccruingEarnsNothing(t *testing.T) {
	items := []*loyalty.ResolvedPosition{applyItem(10000, 100, false)}

	total := loyalty.ApplyEarnAndRedeemToItems(items, 300, 0, true)

	assert.Zero(t, total)
	assert.Zero(t, items[0].EarnPoints)
}

// =============================================================================
// RESOLUTION AGAINST THE CATALOG
// =============================================================================

func TestResolve_CatalogFlagsAndExternalIDs(t *testing.T) {
	// GIVEN: a catalog product reachable by external id that neither
	//        accrues nor redeems
	// WHEN: resolving a line referencing it by external id
	// THEN: the flags come from the catalog
	f := newFixture(t)
	f.mem.SeedProduct(testMerchant, loyalty.Product{
		ID: "p1", ExternalID: "sku-1", Name: "Coffee",
		AccruePoints: false, AllowRedeem: false, RedeemPercent: 0,
	})
	resolver := &loyalty.PositionResolver{Clock: f.clock, Context: loyalty.NopCustomerContextService{}}

	resolved, err := resolver.Resolve(context.Background(), f.mem, testMerchant, testCustomer, []loyalty.Position{
		{ExternalID: "sku-1", Qty: dec("2"), Price: dec("150")},
	}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	assert.Equal(t, "p1", resolved[0].ProductID)
	assert.Equal(t, "Coffee", resolved[0].Name)
	assert.Equal(t, int64(300), resolved[0].Amount)
	assert.False(t, resolved[0].AccruePoints)
	assert.False(t, resolved[0].AllowEarnAndPay)
}

func TestResolve_UnknownProductDefaultsToEligible(t *testing.T) {
	f := newFixture(t)
	resolver := &loyalty.PositionResolver{Clock: f.clock, Context: loyalty.NopCustomerContextService{}}

	resolved, err := resolver.Resolve(context.Background(), f.mem, testMerchant, testCustomer, []loyalty.Position{
		{Name: "Ad-hoc item", Qty: dec("1"), Price: dec("500")},
	}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	assert.True(t, resolved[0].AccruePoints)
	assert.True(t, resolved[0].AllowEarnAndPay)
	assert.Equal(t, int64(100), resolved[0].RedeemPercent)
}

func TestResolve_PointPromotionCandidatesAttached(t *testing.T) {
	// GIVEN: a points promotion targeting product p1 only
	// WHEN: resolving p1 and p2
	// THEN: only p1 carries the candidate
	f := newFixture(t)
	f.mem.SeedProduct(testMerchant, loyalty.Product{ID: "p1", AccruePoints: true, AllowRedeem: true, RedeemPercent: 100})
	f.mem.SeedProduct(testMerchant, loyalty.Product{ID: "p2", AccruePoints: true, AllowRedeem: true, RedeemPercent: 100})
	f.mem.SeedPromotion(testMerchant, loyalty.Promotion{
		ID: "x2", Kind: loyalty.PromoPointsMultiplier,
		PointsRuleType: loyalty.PointsRuleMultiplier, PointsValue: dec("2"),
		ProductIDs: map[string]bool{"p1": true},
	})
	resolver := &loyalty.PositionResolver{Clock: f.clock, Context: loyalty.NopCustomerContextService{}}

	resolved, err := resolver.Resolve(context.Background(), f.mem, testMerchant, testCustomer, []loyalty.Position{
		{ProductID: "p1", Qty: dec("1"), Price: dec("100")},
		{ProductID: "p2", Qty: dec("1"), Price: dec("100")},
	}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	require.Len(t, resolved[0].PointPromotions, 1)
	assert.Empty(t, resolved[1].PointPromotions)
}

// =============================================================================
// PRECALCULATE
// =============================================================================

func TestPrecalculate_NthFreeSplitsLine(t *testing.T) {
	// GIVEN: buy 2 get 1 free on a 3-unit line
	// WHEN: precalculating
	// THEN: one free row (qty 1, price 0) and one paid row (qty 2)
	f := newFixture(t)
	f.mem.SeedProduct(testMerchant, loyalty.Product{ID: "p1", Name: "Tea", AccruePoints: true, AllowRedeem: true, RedeemPercent: 100})
	f.mem.SeedPromotion(testMerchant, loyalty.Promotion{
		ID: "b2g1", Name: "Buy 2 get 1", Kind: loyalty.PromoNthFree,
		BuyQty: 2, FreeQty: 1,
		ProductIDs: map[string]bool{"p1": true},
	})
	resolver := &loyalty.PositionResolver{Clock: f.clock, Context: loyalty.NopCustomerContextService{}}

	lines, info, err := resolver.Precalculate(context.Background(), f.mem, testMerchant, testCustomer, []loyalty.Position{
		{ProductID: "p1", Qty: dec("3"), Price: dec("100")},
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.True(t, lines[0].Price.IsZero())
	assert.Equal(t, int64(1), lines[0].Qty.IntPart())
	assert.Equal(t, int64(2), lines[1].Qty.IntPart())
	assert.True(t, lines[1].Price.Equal(dec("100")))
	assert.NotEmpty(t, info)
}

func TestPrecalculate_FixedPriceReprices(t *testing.T) {
	f := newFixture(t)
	f.mem.SeedProduct(testMerchant, loyalty.Product{ID: "p1", Name: "Cake", AccruePoints: true, AllowRedeem: true, RedeemPercent: 100})
	f.mem.SeedPromotion(testMerchant, loyalty.Promotion{
		ID: "fp", Name: "Cake deal", Kind: loyalty.PromoFixedPrice,
		FixedPrice: dec("80"),
		ProductIDs: map[string]bool{"p1": true},
	})
	resolver := &loyalty.PositionResolver{Clock: f.clock, Context: loyalty.NopCustomerContextService{}}

	lines, _, err := resolver.Precalculate(context.Background(), f.mem, testMerchant, testCustomer, []loyalty.Position{
		{ProductID: "p1", Qty: dec("1"), Price: dec("100")},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	assert.True(t, lines[0].Price.Equal(dec("80")))
	require.NotNil(t, lines[0].BasePrice)
	assert.True(t, lines[0].BasePrice.Equal(dec("100")))
}
