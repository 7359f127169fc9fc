package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/loopline/loyalty-engine/loyalty"
	"github.com/loopline/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testMerchant = "m1"
	testCustomer = "c1"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// fixture wires the three engines over one in-memory store with a
// pinned clock.
type fixture struct {
	mem    *store.Memory
	clock  loyalty.FixedClock
	quote  *loyalty.QuoteEngine
	commit *loyalty.CommitEngine
	refund *loyalty.RefundEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := loyalty.FixedClock{At: testNow}
	resolver := &loyalty.PositionResolver{Clock: clock, Context: loyalty.NopCustomerContextService{}}
	lots := &loyalty.LotLedger{Clock: clock}
	referrals := &loyalty.ReferralEngine{LedgerEnabled: true, Clock: clock}

	return &fixture{
		mem:   mem,
		clock: clock,
		quote: &loyalty.QuoteEngine{
			UoW:      mem,
			Resolver: resolver,
			Tiers:    loyalty.NopTierResolver{},
			Context:  loyalty.NopCustomerContextService{},
			Clock:    clock,
		},
		commit: &loyalty.CommitEngine{
			UoW:             mem,
			Resolver:        resolver,
			Tiers:           loyalty.NopTierResolver{},
			PromoCodes:      loyalty.NopPromoCodeService{},
			Context:         loyalty.NopCustomerContextService{},
			Motivation:      loyalty.NopStaffMotivationService{},
			Referrals:       referrals,
			Lots:            lots,
			EarnLotsEnabled: true,
			LedgerEnabled:   true,
			Clock:           clock,
		},
		refund: &loyalty.RefundEngine{
			UoW:             mem,
			Referrals:       referrals,
			Motivation:      loyalty.NopStaffMotivationService{},
			Tiers:           loyalty.NopTierResolver{},
			Lots:            lots,
			EarnLotsEnabled: true,
			LedgerEnabled:   true,
			Clock:           clock,
		},
	}
}

func (f *fixture) seedSettings(mutate func(*loyalty.MerchantSettings)) {
	settings := loyalty.DefaultSettings(testMerchant)
	if mutate != nil {
		mutate(&settings)
	}
	f.mem.SeedSettings(settings)
}

// fundWallet creates the customer's wallet with the given balance.
func (f *fixture) fundWallet(t *testing.T, balance int64) {
	t.Helper()
	ctx := context.Background()
	wallet, err := f.mem.Wallets().Ensure(ctx, testMerchant, testCustomer)
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if balance > 0 {
		if err := f.mem.Wallets().Increment(ctx, wallet.ID, balance); err != nil {
			t.Fatalf("fund wallet: %v", err)
		}
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	wallet, err := f.mem.Wallets().Get(context.Background(), testMerchant, testCustomer)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return wallet.Balance
}

func (f *fixture) balanceOf(t *testing.T, customerID string) int64 {
	t.Helper()
	wallet, err := f.mem.Wallets().Get(context.Background(), testMerchant, customerID)
	if err != nil {
		t.Fatalf("get wallet %s: %v", customerID, err)
	}
	return wallet.Balance
}

// earnQuote runs a plain EARN quote for the given total.
func (f *fixture) earnQuote(t *testing.T, orderID string, total int64) *loyalty.QuoteResult {
	t.Helper()
	res, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: testMerchant,
		CustomerID: testCustomer,
		Mode:       loyalty.ModeEarn,
		OrderID:    orderID,
		Total:      total,
	}, nil)
	if err != nil {
		t.Fatalf("earn quote: %v", err)
	}
	return res
}

// redeemQuote runs a plain REDEEM quote with an optional manual cap.
func (f *fixture) redeemQuote(t *testing.T, orderID string, total int64, manual *int64) *loyalty.QuoteResult {
	t.Helper()
	res, err := f.quote.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID:   testMerchant,
		CustomerID:   testCustomer,
		Mode:         loyalty.ModeRedeem,
		OrderID:      orderID,
		Total:        total,
		RedeemAmount: manual,
	}, nil)
	if err != nil {
		t.Fatalf("redeem quote: %v", err)
	}
	return res
}

func (f *fixture) commitHold(t *testing.T, holdID, orderID string) *loyalty.CommitResult {
	t.Helper()
	res, err := f.commit.Commit(context.Background(), loyalty.CommitRequest{
		HoldID:  holdID,
		OrderID: orderID,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func int64Ptr(v int64) *int64 { return &v }
