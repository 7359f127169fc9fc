package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
	"github.com/loopline/loyalty-engine/loyalty/store"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// testServer wires the full router over an in-memory store with a
// pinned clock.
type testServer struct {
	mem    *store.Memory
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	mem.SeedSettings(loyalty.DefaultSettings("m1"))

	clock := loyalty.FixedClock{At: testNow}
	resolver := &loyalty.PositionResolver{Clock: clock, Context: loyalty.NopCustomerContextService{}}
	lots := &loyalty.LotLedger{Clock: clock}
	referrals := &loyalty.ReferralEngine{Clock: clock}

	h := &Handler{
		Quote: &loyalty.QuoteEngine{
			UoW:      mem,
			Resolver: resolver,
			Tiers:    loyalty.NopTierResolver{},
			Context:  loyalty.NopCustomerContextService{},
			Clock:    clock,
		},
		Commit: &loyalty.CommitEngine{
			UoW:             mem,
			Resolver:        resolver,
			Tiers:           loyalty.NopTierResolver{},
			PromoCodes:      loyalty.NopPromoCodeService{},
			Context:         loyalty.NopCustomerContextService{},
			Motivation:      loyalty.NopStaffMotivationService{},
			Referrals:       referrals,
			Lots:            lots,
			EarnLotsEnabled: true,
			Clock:           clock,
		},
		Refund: &loyalty.RefundEngine{
			UoW:             mem,
			Referrals:       referrals,
			Motivation:      loyalty.NopStaffMotivationService{},
			Tiers:           loyalty.NopTierResolver{},
			Lots:            lots,
			EarnLotsEnabled: true,
			Clock:           clock,
		},
		Store:    mem,
		Resolver: resolver,
		Clock:    clock,
	}

	return &testServer{mem: mem, router: NewRouter(h, nil)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (ts *testServer) fundWallet(t *testing.T, balance int64) {
	t.Helper()
	ctx := context.Background()
	wallet, err := ts.mem.Wallets().Ensure(ctx, "m1", "c1")
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, ts.mem.Wallets().Increment(ctx, wallet.ID, balance))
	}
}

// =============================================================================
// SETTLEMENT FLOW
// =============================================================================

func TestAPI_QuoteCommitBalance(t *testing.T) {
	// GIVEN: a fresh customer
	// WHEN: quoting an earn of 10000 and committing the hold
	// THEN: 300 points settle and show up on the balance endpoint
	ts := newTestServer(t)
	ts.fundWallet(t, 0)

	rec := ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
		MerchantID: "m1", CustomerID: "c1", Mode: "EARN", OrderID: "order-1", Total: 10000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	quote := decode[QuoteDTO](t, rec)
	assert.True(t, quote.CanEarn)
	assert.Equal(t, int64(300), quote.PointsToEarn)
	require.NotEmpty(t, quote.HoldID)

	rec = ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		MerchantID: "m1", HoldID: quote.HoldID, OrderID: "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	commit := decode[CommitDTO](t, rec)
	assert.True(t, commit.OK)
	assert.Equal(t, int64(300), commit.EarnApplied)
	assert.False(t, commit.AlreadyCommitted)

	rec = ts.do(t, http.MethodGet, "/api/loyalty/balance/m1/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, int64(300), balance.Balance)
}

func TestAPI_CommitIdempotentByOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.fundWallet(t, 0)

	quote := decode[QuoteDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
		MerchantID: "m1", CustomerID: "c1", Mode: "EARN", OrderID: "order-1", Total: 10000,
	}))
	first := decode[CommitDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		HoldID: quote.HoldID, OrderID: "order-1",
	}))

	rec := ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		HoldID: quote.HoldID, OrderID: "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[CommitDTO](t, rec)
	assert.True(t, second.AlreadyCommitted)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)

	balance := decode[BalanceDTO](t, ts.do(t, http.MethodGet, "/api/loyalty/balance/m1/c1", nil))
	assert.Equal(t, int64(300), balance.Balance)
}

func TestAPI_RefundRestoresBalance(t *testing.T) {
	// GIVEN: a committed redeem of 30 against a balance of 100
	// WHEN: refunding the order
	// THEN: the balance returns to 100
	ts := newTestServer(t)
	ts.fundWallet(t, 100)

	manual := int64(30)
	quote := decode[QuoteDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
		MerchantID: "m1", CustomerID: "c1", Mode: "REDEEM", OrderID: "order-1",
		Total: 100, RedeemAmount: &manual,
	}))
	require.True(t, quote.CanRedeem)

	commit := decode[CommitDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		HoldID: quote.HoldID, OrderID: "order-1",
	}))
	assert.Equal(t, int64(30), commit.RedeemApplied)

	rec := ts.do(t, http.MethodPost, "/api/loyalty/refund", RefundRequest{
		MerchantID: "m1", OrderID: "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	refund := decode[RefundDTO](t, rec)
	assert.Equal(t, int64(30), refund.RestoredRedeem)

	balance := decode[BalanceDTO](t, ts.do(t, http.MethodGet, "/api/loyalty/balance/m1/c1", nil))
	assert.Equal(t, int64(100), balance.Balance)
}

func TestAPI_CancelFreesHold(t *testing.T) {
	ts := newTestServer(t)
	ts.fundWallet(t, 0)

	quote := decode[QuoteDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
		MerchantID: "m1", CustomerID: "c1", Mode: "EARN", OrderID: "order-1", Total: 10000,
	}))

	rec := ts.do(t, http.MethodPost, "/api/loyalty/cancel", CancelRequest{
		MerchantID: "m1", HoldID: quote.HoldID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The canceled hold can no longer settle.
	rec = ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		HoldID: quote.HoldID, OrderID: "order-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ValidationErrorsAre400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
		MerchantID: "m1", CustomerID: "c1", Mode: "SOMETHING", Total: 100,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decode[ErrorResponse](t, rec).Code)
}

func TestAPI_UnknownHoldIs400(t *testing.T) {
	// Commit reports a missing hold as a validation problem, not 404:
	// the id came from the caller's own quote response.
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
		HoldID: "no-such-hold", OrderID: "order-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownReceiptIs404(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/loyalty/refund", RefundRequest{
		MerchantID: "m1", OrderID: "never-committed",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_BadBodyIs400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/loyalty/quote", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestAPI_BalanceOfUnknownWalletIsZero(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/loyalty/balance/m1/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Zero(t, balance.Balance)
	assert.Equal(t, "nobody", balance.CustomerID)
}

func TestAPI_TransactionsNewestFirst(t *testing.T) {
	ts := newTestServer(t)
	ts.fundWallet(t, 0)

	for _, orderID := range []string{"order-1", "order-2"} {
		quote := decode[QuoteDTO](t, ts.do(t, http.MethodPost, "/api/loyalty/quote", QuoteRequest{
			MerchantID: "m1", CustomerID: "c1", Mode: "EARN", OrderID: orderID, Total: 10000,
		}))
		ts.do(t, http.MethodPost, "/api/loyalty/commit", CommitRequest{
			HoldID: quote.HoldID, OrderID: orderID,
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/loyalty/transactions/m1/c1?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txns := decode[[]TransactionDTO](t, rec)
	require.Len(t, txns, 1)
	assert.Equal(t, "EARN", txns[0].Type)
}

func TestAPI_TransactionsBadLimit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/loyalty/transactions/m1/c1?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PRECALC
// =============================================================================

func TestAPI_PrecalcRepricesFixedPrice(t *testing.T) {
	// GIVEN: a fixed-price promotion on p1
	// WHEN: precalculating a cart with p1 at 100
	// THEN: the line comes back at 80 with the base price preserved
	ts := newTestServer(t)
	ts.mem.SeedProduct("m1", loyalty.Product{
		ID: "p1", Name: "Cake", AccruePoints: true, AllowRedeem: true, RedeemPercent: 100,
	})
	ts.mem.SeedPromotion("m1", loyalty.Promotion{
		ID: "fp", Name: "Cake deal", Kind: loyalty.PromoFixedPrice,
		FixedPrice: decimal.RequireFromString("80"),
		ProductIDs: map[string]bool{"p1": true},
	})

	rec := ts.do(t, http.MethodPost, "/api/loyalty/precalc", PrecalcRequest{
		MerchantID: "m1", CustomerID: "c1",
		Positions: []PositionDTO{{ProductID: "p1", Qty: "1", Price: "100"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	precalc := decode[PrecalcDTO](t, rec)
	require.Len(t, precalc.Lines, 1)
	assert.Equal(t, "80", precalc.Lines[0].Price)
	require.NotNil(t, precalc.Lines[0].BasePrice)
	assert.Equal(t, "100", *precalc.Lines[0].BasePrice)
}

func TestAPI_Healthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
