/*
commit.go - The commit engine: PENDING hold -> COMMITTED receipt

PURPOSE:
  Commit is the authoritative settlement. Inside one unit of work it
  claims the hold, mutates the wallet, writes the Receipt (unique per
  merchant+order), the Transactions, the per-item allocation, the earn
  lots and the ledger mirror. Calling commit twice for the same order
  returns the same receipt; the wallet moves exactly once.

PIPELINE:
  probe -> claim -> resolveItems -> settleRedeem -> settleEarn ->
  allocate -> persistReceipt -> promotionMetrics -> (after commit)
  sideEffects

  Stages before persistReceipt run inside the transaction. Side effects
  (staff motivation, referral rewards, tier recompute) are best-effort:
  each runs as a named thunk after the settlement committed; a failure
  lands in the result's Warnings and the log, never in a rollback.

RACE RECOVERY:
  The (merchantId, orderId) unique index may fire under a concurrent
  commit, aborting the transaction. The engine then re-probes for the
  winner's receipt outside the transaction and reports it as
  AlreadyCommitted instead of surfacing the collision.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommitRequest finalizes one hold against one order.
type CommitRequest struct {
	HoldID        string
	OrderID       string
	ReceiptNumber string
	RequestID     string

	// ExpectedMerchantID guards against a hold id leaking across
	// tenants; empty skips the check.
	ExpectedMerchantID string

	// PromoCodeID applies a promo code in the same settlement. Ignored
	// when a manual earn override is present.
	PromoCodeID string
	PromoCode   string

	// Manual overrides entered by the cashier. Nil means "use the
	// hold's quoted amounts".
	ManualEarnPoints   *int64
	ManualRedeemAmount *int64

	// Positions replaces the item snapshot, honored only when the hold
	// carries none (legacy POS that quotes without positions).
	Positions []Position
}

// CommitResult reports the settlement. Warnings carries the names and
// errors of failed best-effort side effects.
type CommitResult struct {
	OK               bool
	CustomerID       string
	AlreadyCommitted bool
	ReceiptID        string
	RedeemApplied    int64
	EarnApplied      int64
	Warnings         []string
}

// CommitEngine performs the atomic settlement.
type CommitEngine struct {
	UoW        UnitOfWork
	Resolver   *PositionResolver
	Tiers      TierResolver
	PromoCodes PromoCodeService
	Context    CustomerContextService
	Motivation StaffMotivationService
	Referrals  *ReferralEngine
	Lots       *LotLedger

	// EarnLotsEnabled gates lot creation/consumption; when false the
	// wiring also injects NopEarnLotStore so lot calls are no-ops.
	EarnLotsEnabled bool
	LedgerEnabled   bool

	Clock   Clock
	Log     *slog.Logger
	Metrics *Metrics
}

func (e *CommitEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *CommitEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// commitState threads the settlement through the pipeline stages.
type commitState struct {
	req  CommitRequest
	now  time.Time
	hold *Hold

	items    []*ResolvedPosition
	override bool

	settings MerchantSettings
	blocked  CustomerContext

	total    int64
	eligible int64

	wallet *Wallet

	appliedRedeem int64
	baseEarn      int64
	promoBonus    int64
	extraEarn     int64
	appliedEarn   int64
	promoResult   *PromoCodeResult

	redeemTxID    string
	earnTxID      string
	createdLotIDs []string

	receipt      *Receipt
	receiptItems []*ReceiptItem
	redeemShares []int64
	earnShares   []int64
}

// Commit settles the hold against the order.
func (e *CommitEngine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.HoldID == "" {
		return nil, &ValidationError{Field: "holdId", Message: "required"}
	}
	if req.OrderID == "" {
		return nil, &ValidationError{Field: "orderId", Message: "required"}
	}

	st := &commitState{req: req, now: e.now()}

	hold, err := e.UoW.Holds().Get(ctx, req.HoldID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Validationf("hold not found")
		}
		return nil, err
	}
	st.hold = hold

	if req.ExpectedMerchantID != "" && hold.MerchantID != req.ExpectedMerchantID {
		return nil, ErrMerchantMismatch
	}
	if hold.Expired(st.now) {
		return nil, ErrQrExpired
	}

	cctx, err := e.Context.EnsureContext(ctx, hold.MerchantID, hold.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("ensure customer context: %w", err)
	}
	st.blocked = cctx

	if hold.Status != HoldPending {
		if res := e.probeReceipt(ctx, e.UoW, st); res != nil {
			return res, nil
		}
		return nil, ErrHoldFinished
	}
	if hold.OrderID != "" && hold.OrderID != req.OrderID {
		return nil, ErrHoldBoundElsewhere
	}

	if cctx.AccrualsBlocked && (hold.Mode == ModeEarn || positiveOverride(req.ManualEarnPoints)) {
		return nil, ErrAccrualsBlocked
	}
	if cctx.RedemptionsBlocked && (hold.Mode == ModeRedeem || positiveOverride(req.ManualRedeemAmount)) {
		return nil, ErrRedemptionsBlocked
	}

	st.settings = e.loadSettings(ctx, hold.MerchantID)

	if err := e.resolveItems(ctx, st); err != nil {
		return nil, err
	}

	wallet, err := e.UoW.Wallets().Get(ctx, hold.MerchantID, hold.CustomerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Validationf("wallet not found")
		}
		return nil, err
	}
	st.wallet = wallet

	var already *CommitResult
	err = e.UoW.Within(ctx, func(s Stores) error {
		if res := e.probeReceipt(ctx, s, st); res != nil {
			already = res
			return nil
		}
		if res, cerr := e.claimHold(ctx, s, st); cerr != nil {
			return cerr
		} else if res != nil {
			already = res
			return nil
		}
		if cerr := e.applyPromoCode(ctx, s, st); cerr != nil {
			return cerr
		}
		if st.override {
			if cerr := s.Holds().ReplaceItems(ctx, st.hold.ID, holdItemsFromPositions(st.hold.MerchantID, st.hold.ID, st.items)); cerr != nil {
				return cerr
			}
		}
		if cerr := e.settleRedeem(ctx, s, st); cerr != nil {
			return cerr
		}
		if cerr := e.settleEarn(ctx, s, st); cerr != nil {
			return cerr
		}
		if cerr := s.Holds().UpdateTotals(ctx, st.hold.ID, st.total, st.eligible); cerr != nil {
			return cerr
		}
		e.allocate(st)
		if cerr := e.persistReceipt(ctx, s, st); cerr != nil {
			return cerr
		}
		if cerr := e.promotionMetrics(ctx, s, st); cerr != nil {
			return cerr
		}
		return e.appendCommitEvents(ctx, s, st)
	})
	if err != nil {
		// The unique index on (merchantId, orderId) may have fired for
		// a concurrent winner; re-probe before surfacing the error.
		if res := e.probeReceipt(ctx, e.UoW, st); res != nil {
			return res, nil
		}
		return nil, err
	}
	if already != nil {
		return already, nil
	}

	e.Metrics.Commit()
	result := &CommitResult{
		OK:            true,
		CustomerID:    st.hold.CustomerID,
		ReceiptID:     st.receipt.ID,
		RedeemApplied: st.appliedRedeem,
		EarnApplied:   st.appliedEarn,
	}
	e.runSideEffects(ctx, st, result)
	return result, nil
}

func (e *CommitEngine) loadSettings(ctx context.Context, merchantID string) MerchantSettings {
	stored, err := e.UoW.Settings().Get(ctx, merchantID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log().Warn("commit: load settings failed, using defaults",
				"merchantId", merchantID, "error", err)
		}
		return DefaultSettings(merchantID)
	}
	return *stored
}

// =============================================================================
// STAGE: probe
// =============================================================================

// probeReceipt returns the idempotent "already committed" result when a
// receipt exists for the order, nil otherwise.
func (e *CommitEngine) probeReceipt(ctx context.Context, s Stores, st *commitState) *CommitResult {
	receipt, err := s.Receipts().GetByOrder(ctx, st.hold.MerchantID, st.req.OrderID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log().Debug("commit: receipt probe failed",
				"orderId", st.req.OrderID, "error", err)
		}
		return nil
	}
	return &CommitResult{
		OK:               true,
		CustomerID:       st.hold.CustomerID,
		AlreadyCommitted: true,
		ReceiptID:        receipt.ID,
		RedeemApplied:    receipt.RedeemApplied,
		EarnApplied:      receipt.EarnApplied,
	}
}

// =============================================================================
// STAGE: claim
// =============================================================================

// claimHold transitions the hold PENDING -> COMMITTED. A lost claim is
// resolved against the current hold state: a receipt from the winner,
// a foreign order binding, or a plain conflict.
func (e *CommitEngine) claimHold(ctx context.Context, s Stores, st *commitState) (*CommitResult, error) {
	won, err := s.Holds().Claim(ctx, st.hold.ID, st.req.OrderID)
	if err != nil {
		return nil, err
	}
	if won {
		return nil, nil
	}
	current, err := s.Holds().Get(ctx, st.hold.ID)
	if err != nil {
		return nil, err
	}
	if current.OrderID != "" && current.OrderID != st.req.OrderID {
		return nil, ErrHoldBoundElsewhere
	}
	if current.Status != HoldPending {
		if res := e.probeReceipt(ctx, s, st); res != nil {
			return res, nil
		}
		return nil, ErrHoldFinished
	}
	return nil, nil
}

// =============================================================================
// STAGE: resolveItems
// =============================================================================

// resolveItems decides the settlement's line items: the hold snapshot
// when one exists, else a fresh resolution of the override positions.
func (e *CommitEngine) resolveItems(ctx context.Context, st *commitState) error {
	saved, err := e.UoW.Holds().ListItems(ctx, st.hold.ID)
	if err != nil {
		return err
	}

	overrideInput := SanitizePositions(st.req.Positions)
	var overrideResolved []*ResolvedPosition
	if len(overrideInput) > 0 {
		overrideResolved, err = e.Resolver.Resolve(ctx, e.UoW, st.hold.MerchantID, st.hold.CustomerID, overrideInput, true)
		if err != nil {
			return err
		}
	}

	fallbackTotal := clampNonNegative(st.hold.Total)
	st.total = fallbackTotal
	st.eligible = clampNonNegative(st.hold.EligibleTotal)
	if st.eligible == 0 && st.hold.EligibleTotal == 0 {
		st.eligible = fallbackTotal
	}

	if len(overrideResolved) > 0 {
		st.total, st.eligible = ComputeTotals(fallbackTotal, overrideResolved)
	} else if st.total > 0 && st.eligible > st.total {
		st.eligible = st.total
	}

	if len(saved) > 0 {
		st.items = resolvedFromHoldItems(saved)
		return nil
	}
	if len(overrideResolved) > 0 {
		st.items = overrideResolved
		st.override = true
	}
	return nil
}

// resolvedFromHoldItems rebuilds resolver output from the persisted
// hold snapshot, unscaling the 10000x multiplier.
func resolvedFromHoldItems(items []*HoldItem) []*ResolvedPosition {
	out := make([]*ResolvedPosition, 0, len(items))
	for _, item := range items {
		mult := decimal.NewFromInt(1)
		if item.PromotionMultiplier > 0 {
			mult = decimal.NewFromInt(item.PromotionMultiplier).Div(decimal.NewFromInt(10000))
		}
		out = append(out, &ResolvedPosition{
			ProductID:            item.ProductID,
			CategoryID:           item.CategoryID,
			ExternalID:           item.ExternalID,
			Name:                 item.Name,
			Qty:                  item.Qty,
			Price:                item.Price,
			BasePrice:            item.BasePrice,
			Amount:               clampNonNegative(item.Amount),
			AccruePoints:         item.AccruePoints,
			AllowEarnAndPay:      true,
			RedeemPercent:        100,
			AppliedPromotionIDs:  append([]string(nil), item.AppliedPromotionIDs...),
			PointPromotionID:     item.PointPromotionID,
			PromotionMultiplier:  mult,
			PromotionPointsBonus: clampNonNegative(item.PromotionPointsBonus),
			EarnPoints:           clampNonNegative(item.EarnPoints),
			RedeemAmount:         clampNonNegative(item.RedeemAmount),
		})
	}
	return out
}

// =============================================================================
// STAGE: promo code
// =============================================================================

func (e *CommitEngine) applyPromoCode(ctx context.Context, s Stores, st *commitState) error {
	if st.req.PromoCodeID == "" || st.req.ManualEarnPoints != nil {
		return nil
	}
	if st.blocked.AccrualsBlocked {
		return ErrAccrualsBlocked
	}
	result, err := e.PromoCodes.Apply(ctx, s, PromoCodeApply{
		PromoCodeID: st.req.PromoCodeID,
		MerchantID:  st.hold.MerchantID,
		CustomerID:  st.hold.CustomerID,
		OrderID:     st.req.OrderID,
		OutletID:    st.hold.OutletID,
		StaffID:     st.hold.StaffID,
	})
	if err != nil {
		return err
	}
	if result == nil {
		return Validationf("promo code unavailable")
	}
	st.promoResult = result
	return nil
}

// =============================================================================
// STAGE: settleRedeem
// =============================================================================

// settleRedeem debits the wallet by min(balance, target) with a
// conditional decrement retried once on a fresh balance read.
func (e *CommitEngine) settleRedeem(ctx context.Context, s Stores, st *commitState) error {
	target := st.hold.RedeemAmount
	if st.req.ManualRedeemAmount != nil {
		target = clampNonNegative(*st.req.ManualRedeemAmount)
	}
	if st.hold.Mode != ModeRedeem || target <= 0 {
		return nil
	}

	fresh, err := s.Wallets().Get(ctx, st.hold.MerchantID, st.hold.CustomerID)
	if err != nil {
		return err
	}
	amount := minInt64(fresh.Balance, target)
	if amount > 0 {
		won, derr := s.Wallets().TryDecrement(ctx, st.wallet.ID, amount)
		if derr != nil {
			return derr
		}
		if !won {
			// A concurrent debit moved the balance; retry once from a
			// fresh read.
			retry, rerr := s.Wallets().Get(ctx, st.hold.MerchantID, st.hold.CustomerID)
			if rerr != nil {
				return rerr
			}
			amount = minInt64(retry.Balance, target)
			won = false
			if amount > 0 {
				won, derr = s.Wallets().TryDecrement(ctx, st.wallet.ID, amount)
				if derr != nil {
					return derr
				}
			}
			if !won {
				return &InsufficientFundsError{
					MerchantID: st.hold.MerchantID,
					CustomerID: st.hold.CustomerID,
					Available:  retry.Balance,
					Requested:  target,
				}
			}
		}
	}
	st.appliedRedeem = amount

	txn := &Transaction{
		ID:         uuid.NewString(),
		MerchantID: st.hold.MerchantID,
		CustomerID: st.hold.CustomerID,
		Type:       TxnRedeem,
		Amount:     -amount,
		OrderID:    st.req.OrderID,
		OutletID:   st.hold.OutletID,
		StaffID:    st.hold.StaffID,
		DeviceID:   st.hold.DeviceID,
		CreatedAt:  st.now,
	}
	if err := s.Transactions().Create(ctx, txn); err != nil {
		return err
	}
	st.redeemTxID = txn.ID

	if e.EarnLotsEnabled && amount > 0 {
		if err := e.Lots.Consume(ctx, s, st.hold.MerchantID, st.hold.CustomerID, amount, LotContext{OrderID: st.req.OrderID}); err != nil {
			return err
		}
	}
	if e.LedgerEnabled && amount > 0 {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: st.hold.MerchantID,
			CustomerID: st.hold.CustomerID,
			Debit:      AccountCustomerBalance,
			Credit:     AccountMerchantLiability,
			Amount:     amount,
			OrderID:    st.req.OrderID,
			OutletID:   st.hold.OutletID,
			StaffID:    st.hold.StaffID,
			DeviceID:   st.hold.DeviceID,
			Meta:       map[string]string{"mode": "REDEEM"},
			CreatedAt:  st.now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("redeem", amount)
	}
	return nil
}

// =============================================================================
// STAGE: settleEarn
// =============================================================================

// settleEarn credits base + promo bonus + same-receipt extra earn. An
// earn delay defers the whole credit into PENDING lots and an outbox
// event; the wallet is untouched until maturation.
func (e *CommitEngine) settleEarn(ctx context.Context, s Stores, st *commitState) error {
	if !st.blocked.AccrualsBlocked {
		if st.req.ManualEarnPoints != nil {
			st.baseEarn = clampNonNegative(*st.req.ManualEarnPoints)
		} else {
			st.baseEarn = clampNonNegative(st.hold.EarnPoints)
			if st.promoResult != nil {
				st.promoBonus = clampNonNegative(st.promoResult.PointsIssued)
			}
		}
		if err := e.computeExtraEarn(ctx, s, st); err != nil {
			return err
		}
	}
	total := st.baseEarn + st.promoBonus + st.extraEarn
	if total <= 0 {
		return nil
	}
	st.appliedEarn = total

	delayDays := st.settings.EarnDelayDays
	ttlDays := st.settings.PointsTTLDays
	var promoExpireDays int64
	if st.promoResult != nil {
		promoExpireDays = st.promoResult.PointsExpireInDays
	}

	if delayDays > 0 {
		maturesAt := st.now.AddDate(0, 0, int(delayDays))
		if e.EarnLotsEnabled {
			if err := e.createPendingLots(ctx, s, st, maturesAt, ttlDays, promoExpireDays); err != nil {
				return err
			}
		}
		payload := map[string]any{
			"holdId":     st.hold.ID,
			"orderId":    st.req.OrderID,
			"customerId": st.hold.CustomerID,
			"merchantId": st.hold.MerchantID,
			"points":     st.appliedEarn,
			"maturesAt":  maturesAt.Format(time.RFC3339),
			"outletId":   st.hold.OutletID,
			"staffId":    st.hold.StaffID,
		}
		if st.promoResult != nil && st.req.PromoCodeID != "" {
			payload["promoCode"] = map[string]any{
				"promoCodeId":   st.req.PromoCodeID,
				"code":          st.req.PromoCode,
				"points":        st.promoBonus,
				"expiresInDays": promoExpireDays,
			}
		}
		return s.Outbox().Append(ctx, st.hold.MerchantID, EventEarnScheduled, payload)
	}

	if err := s.Wallets().Increment(ctx, st.wallet.ID, st.appliedEarn); err != nil {
		return err
	}
	txn := &Transaction{
		ID:         uuid.NewString(),
		MerchantID: st.hold.MerchantID,
		CustomerID: st.hold.CustomerID,
		Type:       TxnEarn,
		Amount:     st.appliedEarn,
		OrderID:    st.req.OrderID,
		OutletID:   st.hold.OutletID,
		StaffID:    st.hold.StaffID,
		DeviceID:   st.hold.DeviceID,
		CreatedAt:  st.now,
	}
	if err := s.Transactions().Create(ctx, txn); err != nil {
		return err
	}
	st.earnTxID = txn.ID

	if e.LedgerEnabled {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: st.hold.MerchantID,
			CustomerID: st.hold.CustomerID,
			Debit:      AccountMerchantLiability,
			Credit:     AccountCustomerBalance,
			Amount:     st.appliedEarn,
			OrderID:    st.req.OrderID,
			OutletID:   st.hold.OutletID,
			StaffID:    st.hold.StaffID,
			DeviceID:   st.hold.DeviceID,
			Meta:       map[string]string{"mode": "EARN"},
			CreatedAt:  st.now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("earn", st.appliedEarn)
	}
	if e.EarnLotsEnabled {
		return e.createActiveLots(ctx, s, st, ttlDays, promoExpireDays)
	}
	return nil
}

// computeExtraEarn grants the same-receipt earn on the redeem residual:
// REDEEM mode, feature enabled, no quoted earn, no manual override.
func (e *CommitEngine) computeExtraEarn(ctx context.Context, s Stores, st *commitState) error {
	if st.req.ManualEarnPoints != nil || st.hold.Mode != ModeRedeem ||
		!st.settings.AllowEarnRedeemSameReceipt || st.baseEarn != 0 {
		return nil
	}
	rates, err := e.Tiers.ResolveRates(ctx, st.hold.MerchantID, st.hold.CustomerID)
	if err != nil {
		e.log().Debug("commit: resolve tier rates for extra earn failed", "error", err)
		return nil
	}
	earnBps := rates.EarnBps
	if earnBps <= 0 {
		earnBps = st.settings.EarnBps
	}
	payable := clampNonNegative(st.total - st.appliedRedeem)
	earnBase := minInt64(payable, st.eligible)
	if earnBase <= 0 || (rates.TierMinPayment > 0 && payable < rates.TierMinPayment) {
		return nil
	}
	points := earnBase * earnBps / 10000
	if points > 0 && st.settings.EarnDailyCap > 0 {
		since := st.now.Add(-24 * time.Hour)
		used, serr := s.Transactions().SumSince(ctx, st.hold.MerchantID, st.hold.CustomerID, TxnEarn, since, true)
		if serr != nil {
			return serr
		}
		points = minInt64(points, clampNonNegative(st.settings.EarnDailyCap-used))
	}
	st.extraEarn = clampNonNegative(points)
	return nil
}

func (e *CommitEngine) createPendingLots(ctx context.Context, s Stores, st *commitState, maturesAt time.Time, ttlDays, promoExpireDays int64) error {
	expireAfter := func(days int64) *time.Time {
		if days <= 0 {
			return nil
		}
		t := maturesAt.AddDate(0, 0, int(days))
		return &t
	}
	parts := []struct {
		points  int64
		expires *time.Time
	}{
		{st.baseEarn, expireAfter(ttlDays)},
		{st.promoBonus, expireAfter(promoExpireDays)},
		{st.extraEarn, expireAfter(ttlDays)},
	}
	for _, part := range parts {
		if part.points <= 0 {
			continue
		}
		if err := e.createLot(ctx, s, st, part.points, maturesAt, &maturesAt, part.expires, st.req.OrderID, LotPending); err != nil {
			return err
		}
	}
	return nil
}

func (e *CommitEngine) createActiveLots(ctx context.Context, s Stores, st *commitState, ttlDays, promoExpireDays int64) error {
	expireAfter := func(days int64) *time.Time {
		if days <= 0 {
			return nil
		}
		t := st.now.AddDate(0, 0, int(days))
		return &t
	}
	if st.baseEarn > 0 {
		if err := e.createLot(ctx, s, st, st.baseEarn, st.now, nil, expireAfter(ttlDays), st.req.OrderID, LotActive); err != nil {
			return err
		}
	}
	// Promo-code points are not tied to the order: a refund of the
	// purchase must not claw them back.
	if st.promoBonus > 0 {
		if err := e.createLot(ctx, s, st, st.promoBonus, st.now, nil, expireAfter(promoExpireDays), "", LotActive); err != nil {
			return err
		}
	}
	if st.extraEarn > 0 {
		if err := e.createLot(ctx, s, st, st.extraEarn, st.now, nil, expireAfter(ttlDays), st.req.OrderID, LotActive); err != nil {
			return err
		}
	}
	return nil
}

func (e *CommitEngine) createLot(ctx context.Context, s Stores, st *commitState, points int64, earnedAt time.Time, maturesAt, expiresAt *time.Time, orderID string, status LotStatus) error {
	lot := &EarnLot{
		ID:         uuid.NewString(),
		MerchantID: st.hold.MerchantID,
		CustomerID: st.hold.CustomerID,
		Points:     points,
		EarnedAt:   earnedAt,
		MaturesAt:  maturesAt,
		ExpiresAt:  expiresAt,
		OrderID:    orderID,
		OutletID:   st.hold.OutletID,
		StaffID:    st.hold.StaffID,
		DeviceID:   st.hold.DeviceID,
		Status:     status,
		CreatedAt:  st.now,
	}
	if err := s.EarnLots().Create(ctx, lot); err != nil {
		return err
	}
	st.createdLotIDs = append(st.createdLotIDs, lot.ID)
	return nil
}

// =============================================================================
// STAGE: allocate
// =============================================================================

// allocate splits the applied totals across the line items: redeem
// pro-rata over the quoted per-item redeem plan (falling back to item
// amounts), earn by weight (explicit per-item earn, falling back to
// residual times multiplier).
func (e *CommitEngine) allocate(st *commitState) {
	if len(st.items) == 0 {
		return
	}
	planned := make([]int64, len(st.items))
	amounts := make([]int64, len(st.items))
	var plannedTotal int64
	for i, item := range st.items {
		planned[i] = clampNonNegative(item.RedeemAmount)
		amounts[i] = clampNonNegative(item.Amount)
		plannedTotal += planned[i]
	}
	target := st.appliedRedeem
	if plannedTotal > 0 {
		target = minInt64(target, plannedTotal)
		st.redeemShares = AllocateProRata(planned, target)
	} else {
		st.redeemShares = AllocateProRata(amounts, target)
	}

	weights := make([]int64, len(st.items))
	for i, item := range st.items {
		if item.EarnPoints > 0 {
			weights[i] = item.EarnPoints
			continue
		}
		residual := clampNonNegative(item.Amount - st.redeemShares[i])
		weights[i] = decimal.NewFromInt(residual).Mul(maxMultiplier(item)).Floor().IntPart()
	}
	st.earnShares = AllocateByWeight(weights, st.appliedEarn)
}

// =============================================================================
// STAGE: persistReceipt
// =============================================================================

func (e *CommitEngine) persistReceipt(ctx context.Context, s Stores, st *commitState) error {
	receipt := &Receipt{
		ID:            uuid.NewString(),
		MerchantID:    st.hold.MerchantID,
		CustomerID:    st.hold.CustomerID,
		OrderID:       st.req.OrderID,
		ReceiptNumber: st.req.ReceiptNumber,
		Total:         st.total,
		EligibleTotal: st.eligible,
		RedeemApplied: st.appliedRedeem,
		EarnApplied:   st.appliedEarn,
		OutletID:      st.hold.OutletID,
		StaffID:       st.hold.StaffID,
		DeviceID:      st.hold.DeviceID,
		CreatedAt:     st.now,
	}
	if err := s.Receipts().Create(ctx, receipt); err != nil {
		return err
	}
	st.receipt = receipt

	if len(st.createdLotIDs) > 0 {
		if err := s.EarnLots().AttachReceipt(ctx, st.createdLotIDs, receipt.ID); err != nil {
			return err
		}
	}

	var redeemItems, earnItems []*TransactionItem
	for i, item := range st.items {
		receiptItem := &ReceiptItem{
			ID:                   uuid.NewString(),
			ReceiptID:            receipt.ID,
			MerchantID:           st.hold.MerchantID,
			ProductID:            item.ProductID,
			CategoryID:           item.CategoryID,
			ExternalID:           item.ExternalID,
			Name:                 item.Name,
			Qty:                  item.Qty,
			Price:                item.Price,
			Amount:               item.Amount,
			EarnApplied:          st.earnShares[i],
			RedeemApplied:        st.redeemShares[i],
			PromotionID:          item.PointPromotionID,
			AppliedPromotionIDs:  append([]string(nil), item.AppliedPromotionIDs...),
			PointPromotionID:     item.PointPromotionID,
			PromotionMultiplier:  scaleMultiplier(item.PromotionMultiplier),
			PromotionPointsBonus: item.PromotionPointsBonus,
			BasePrice:            item.BasePrice,
		}
		st.receiptItems = append(st.receiptItems, receiptItem)

		if st.redeemTxID != "" && st.appliedRedeem > 0 {
			share := st.redeemShares[i]
			redeemItems = append(redeemItems, transactionItem(st.redeemTxID, receiptItem, item, nil, &share))
		}
		if st.earnTxID != "" && st.appliedEarn > 0 {
			share := st.earnShares[i]
			earnItems = append(earnItems, transactionItem(st.earnTxID, receiptItem, item, &share, nil))
		}
	}
	if len(st.receiptItems) > 0 {
		if err := s.Receipts().CreateItems(ctx, st.receiptItems); err != nil {
			return err
		}
	}
	if len(redeemItems) > 0 {
		if err := s.Transactions().CreateItems(ctx, redeemItems); err != nil {
			return err
		}
	}
	if len(earnItems) > 0 {
		if err := s.Transactions().CreateItems(ctx, earnItems); err != nil {
			return err
		}
	}
	if err := s.Holds().SetReceipt(ctx, st.hold.ID, receipt.ID); err != nil {
		e.log().Debug("commit: attach receipt to hold failed",
			"holdId", st.hold.ID, "error", err)
	}
	return nil
}

func transactionItem(txnID string, rec *ReceiptItem, item *ResolvedPosition, earn, redeem *int64) *TransactionItem {
	return &TransactionItem{
		ID:                  uuid.NewString(),
		TransactionID:       txnID,
		ReceiptItemID:       rec.ID,
		MerchantID:          rec.MerchantID,
		ProductID:           item.ProductID,
		CategoryID:          item.CategoryID,
		ExternalID:          item.ExternalID,
		Name:                item.Name,
		Qty:                 item.Qty,
		Price:               item.Price,
		Amount:              item.Amount,
		EarnAmount:          earn,
		RedeemAmount:        redeem,
		PromotionID:         item.PointPromotionID,
		PromotionMultiplier: scaleMultiplier(item.PromotionMultiplier),
	}
}

// =============================================================================
// STAGE: promotionMetrics
// =============================================================================

// promotionMetrics increments per-promotion counters and participant
// rows for every promotion actually applied to an item. A point
// promotion that was a losing candidate is skipped.
func (e *CommitEngine) promotionMetrics(ctx context.Context, s Stores, st *commitState) error {
	ids := map[string]bool{}
	for _, item := range st.items {
		if len(item.AppliedPromotionIDs) > 0 {
			for _, id := range item.AppliedPromotionIDs {
				ids[id] = true
			}
		} else if item.PointPromotionID != "" {
			ids[item.PointPromotionID] = true
		}
	}
	if len(ids) == 0 {
		return nil
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	promos, err := s.Promotions().FindByIDs(ctx, st.hold.MerchantID, idList)
	if err != nil {
		return err
	}

	deltas := map[string]*PromotionMetricDelta{}
	for _, item := range st.items {
		if item.Qty.Sign() <= 0 {
			continue
		}
		baseAmount := itemAmount(item.BasePrice, item.Qty)
		paidAmount := clampNonNegative(item.Amount)
		discount := clampNonNegative(baseAmount - paidAmount)

		appliedIDs := item.AppliedPromotionIDs
		if len(appliedIDs) == 0 && item.PointPromotionID != "" {
			appliedIDs = []string{item.PointPromotionID}
		}
		for _, promoID := range appliedIDs {
			promo := promos[promoID]
			if promo == nil {
				continue
			}
			// Only the winning point promotion gets credited.
			if promo.Kind == PromoPointsMultiplier && item.PointPromotionID != "" && promoID != item.PointPromotionID {
				continue
			}
			delta := deltas[promoID]
			if delta == nil {
				delta = &PromotionMetricDelta{Purchases: 1}
				deltas[promoID] = delta
			}
			delta.Revenue += paidAmount
			delta.TotalSpent += paidAmount
			if promo.Kind == PromoPointsMultiplier {
				delta.PointsIssued += clampNonNegative(item.PromotionPointsBonus)
			} else {
				delta.PointsRedeemed += discount
			}
		}
	}
	for promoID, delta := range deltas {
		if err := s.Promotions().IncrementMetrics(ctx, st.hold.MerchantID, promoID, *delta); err != nil {
			return err
		}
		if err := s.Promotions().RecordParticipation(ctx, st.hold.MerchantID, promoID, st.hold.CustomerID, st.now, *delta); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// STAGE: events + side effects
// =============================================================================

func (e *CommitEngine) appendCommitEvents(ctx context.Context, s Stores, st *commitState) error {
	if err := s.Outbox().Append(ctx, st.hold.MerchantID, EventCommit, map[string]any{
		"schemaVersion": 1,
		"holdId":        st.hold.ID,
		"orderId":       st.req.OrderID,
		"customerId":    st.hold.CustomerID,
		"merchantId":    st.hold.MerchantID,
		"redeemApplied": st.appliedRedeem,
		"earnApplied":   st.appliedEarn,
		"receiptId":     st.receipt.ID,
		"createdAt":     st.now.Format(time.RFC3339),
		"outletId":      st.hold.OutletID,
		"staffId":       st.hold.StaffID,
		"requestId":     st.req.RequestID,
	}); err != nil {
		return err
	}
	return s.Outbox().Append(ctx, st.hold.MerchantID, EventStaffNotify, map[string]any{
		"kind":      "ORDER",
		"receiptId": st.receipt.ID,
		"at":        st.now.Format(time.RFC3339),
	})
}

// runSideEffects executes the best-effort followups after the
// settlement committed. Failures become warnings, never errors.
func (e *CommitEngine) runSideEffects(ctx context.Context, st *commitState, result *CommitResult) {
	effects := []struct {
		name string
		run  func() error
	}{
		{"staff-motivation", func() error {
			if st.hold.StaffID == "" {
				return nil
			}
			return e.Motivation.RecordPurchase(ctx, st.hold.MerchantID, st.hold.StaffID, st.receipt.ID, st.appliedEarn, st.appliedRedeem)
		}},
		{"referral-rewards", func() error {
			return e.UoW.Within(ctx, func(s Stores) error {
				return e.Referrals.ApplyRewards(ctx, s, ReferralPurchase{
					MerchantID:     st.hold.MerchantID,
					BuyerID:        st.hold.CustomerID,
					PurchaseAmount: st.eligible,
					ReceiptID:      st.receipt.ID,
					OrderID:        st.req.OrderID,
					OutletID:       st.hold.OutletID,
					StaffID:        st.hold.StaffID,
					DeviceID:       st.hold.DeviceID,
				})
			})
		}},
		{"tier-recompute", func() error {
			return e.Tiers.RecomputeProgress(ctx, st.hold.MerchantID, st.hold.CustomerID)
		}},
	}
	for _, effect := range effects {
		if err := effect.run(); err != nil {
			e.log().Warn("commit: side effect failed",
				"effect", effect.name, "receiptId", st.receipt.ID, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", effect.name, err))
		}
	}
}

func positiveOverride(v *int64) bool { return v != nil && *v > 0 }
