/*
quote.go - The quote engine: computes a proposal and persists it as a Hold

PURPOSE:
  A quote answers "how many points would this order earn/burn" and pins
  the answer as a PENDING hold the commit can later claim. Quotes are
  advisory: antifraud gates and conflicts produce a refusal with an
  explanatory message, not an error, because the POS simply shows the
  message and proceeds without loyalty.

QR ANTI-REPLAY:
  A QR token (jti) anchors at most one hold, enforced by the unique
  index on Hold.QrJti plus a used-mark on the nonce written OUTSIDE the
  hold transaction (a rolled-back quote must not resurrect the token).
  Replaying the same QR while its hold is PENDING returns the identical
  quote; replaying after commit/cancel fails with "QR already used".

HARD FAILURES (errors, not refusals):
  - validation (missing ids, bad mode)
  - expired or unknown QR token
  - QR already used
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QrKind distinguishes app-issued JWT tokens from short numeric codes.
type QrKind string

const (
	QrKindJwt   QrKind = "jwt"
	QrKindShort QrKind = "short"
)

// QrMeta is the verified QR token the quote is anchored to.
type QrMeta struct {
	Jti       string
	Kind      QrKind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// QuoteRequest is one quote invocation.
type QuoteRequest struct {
	MerchantID string
	CustomerID string
	Mode       HoldMode
	OrderID    string
	Total      int64
	Positions  []Position

	// RedeemAmount caps the redeem below the computed maximum when the
	// cashier enters an explicit amount. Nil means no manual cap.
	RedeemAmount *int64

	OutletID string
	StaffID  string
	DeviceID string

	// DryRun computes the quote without persisting a hold or touching
	// the QR nonce.
	DryRun bool
}

// QuoteResult is the proposal returned to the POS. Exactly one of the
// CanRedeem/CanEarn groups is meaningful depending on Mode.
type QuoteResult struct {
	Mode HoldMode

	CanRedeem       bool
	DiscountToApply int64
	PointsToBurn    int64
	FinalPayable    int64

	CanEarn      bool
	PointsToEarn int64

	HoldID  string
	Message string
}

// QuoteEngine computes and persists holds.
type QuoteEngine struct {
	UoW      UnitOfWork
	Resolver *PositionResolver
	Tiers    TierResolver
	Context  CustomerContextService
	Clock    Clock
	Log      *slog.Logger
	Metrics  *Metrics
}

func (e *QuoteEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *QuoteEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Quote runs the full quote flow. qr may be nil for plain quotes.
func (e *QuoteEngine) Quote(ctx context.Context, req QuoteRequest, qr *QrMeta) (*QuoteResult, error) {
	res, err := e.quote(ctx, req, qr)
	if err == nil {
		e.Metrics.Quote(req.Mode)
	}
	return res, err
}

func (e *QuoteEngine) quote(ctx context.Context, req QuoteRequest, qr *QrMeta) (*QuoteResult, error) {
	if req.MerchantID == "" {
		return nil, &ValidationError{Field: "merchantId", Message: "required"}
	}
	if req.CustomerID == "" {
		return nil, &ValidationError{Field: "customerId", Message: "required"}
	}
	if req.Mode != ModeEarn && req.Mode != ModeRedeem {
		return nil, &ValidationError{Field: "mode", Message: "must be EARN or REDEEM"}
	}
	if req.Total < 0 {
		return nil, &ValidationError{Field: "total", Message: "must be non-negative"}
	}

	cctx, err := e.Context.EnsureContext(ctx, req.MerchantID, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("ensure customer context: %w", err)
	}

	settings := e.loadSettings(ctx, req.MerchantID)
	allowSameReceipt := settings.AllowEarnRedeemSameReceipt && !cctx.AccrualsBlocked

	positions, err := e.Resolver.Resolve(ctx, e.UoW, req.MerchantID, req.CustomerID, req.Positions, true)
	if err != nil {
		return nil, err
	}
	total, eligible := ComputeTotals(req.Total, positions)

	rates, err := e.Tiers.ResolveRates(ctx, req.MerchantID, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier rates: %w", err)
	}
	earnBps := rates.EarnBps
	if earnBps <= 0 {
		earnBps = settings.EarnBps
	}
	redeemLimitBps := rates.RedeemLimitBps
	if redeemLimitBps <= 0 {
		redeemLimitBps = settings.RedeemLimitBps
	}

	if req.Mode == ModeRedeem && cctx.RedemptionsBlocked {
		return e.refuse(req.Mode, total, "Redemptions are blocked by the administrator"), nil
	}
	if req.Mode == ModeEarn && cctx.AccrualsBlocked {
		return e.refuse(req.Mode, total, "Accruals are blocked by the administrator"), nil
	}

	if qr != nil && !req.DryRun {
		replay, err := e.claimQr(ctx, req, qr)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
	}

	if req.Mode == ModeRedeem {
		return e.quoteRedeem(ctx, req, qr, positions, total, eligible, earnBps, redeemLimitBps, rates.TierMinPayment, settings, allowSameReceipt)
	}
	return e.quoteEarn(ctx, req, qr, positions, total, eligible, earnBps, rates.TierMinPayment, settings, allowSameReceipt)
}

func (e *QuoteEngine) loadSettings(ctx context.Context, merchantID string) MerchantSettings {
	stored, err := e.UoW.Settings().Get(ctx, merchantID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log().Warn("quote: load settings failed, using defaults",
				"merchantId", merchantID, "error", err)
		}
		return DefaultSettings(merchantID)
	}
	return *stored
}

// refuse builds the advisory "cannot do it" result for a mode.
func (e *QuoteEngine) refuse(mode HoldMode, total int64, message string) *QuoteResult {
	res := &QuoteResult{Mode: mode, Message: message}
	if mode == ModeRedeem {
		res.FinalPayable = total
	}
	return res
}

// replayFromHold rebuilds the original quote from a PENDING hold so QR
// replays are idempotent.
func (e *QuoteEngine) replayFromHold(mode HoldMode, hold *Hold) *QuoteResult {
	if mode == ModeRedeem {
		discount := clampNonNegative(hold.RedeemAmount)
		payable := clampNonNegative(hold.Total - discount)
		msg := "Not enough points to redeem."
		if discount > 0 {
			msg = fmt.Sprintf("Redeeming %d points, %d payable", discount, payable)
		}
		return &QuoteResult{
			Mode:            ModeRedeem,
			CanRedeem:       discount > 0,
			DiscountToApply: discount,
			PointsToBurn:    discount,
			FinalPayable:    payable,
			HoldID:          hold.ID,
			Message:         msg,
		}
	}
	points := clampNonNegative(hold.EarnPoints)
	msg := "Amount is too small to earn points."
	if points > 0 {
		msg = fmt.Sprintf("Will earn %d points after payment.", points)
	}
	return &QuoteResult{
		Mode:         ModeEarn,
		CanEarn:      points > 0,
		PointsToEarn: points,
		HoldID:       hold.ID,
		Message:      msg,
	}
}

// claimQr enforces single-use semantics for the QR token. Returns a
// non-nil result when an existing PENDING hold answers the quote
// (idempotent replay), nil when the caller owns the token and may
// create a new hold.
func (e *QuoteEngine) claimQr(ctx context.Context, req QuoteRequest, qr *QrMeta) (*QuoteResult, error) {
	existing, err := e.UoW.Holds().GetByQrJti(ctx, req.MerchantID, qr.Jti)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return e.replayOrReject(ctx, req, existing)
	}

	now := e.now()
	if qr.Kind == QrKindShort {
		nonce, err := e.UoW.QrNonces().Get(ctx, qr.Jti)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, Validationf("bad QR token")
			}
			return nil, err
		}
		if nonce.ExpiresAt != nil && !nonce.ExpiresAt.After(now) {
			if derr := e.UoW.QrNonces().Delete(ctx, qr.Jti); derr != nil {
				e.log().Debug("quote: cleanup expired qr nonce failed", "jti", qr.Jti, "error", derr)
			}
			return nil, ErrQrExpired
		}
	}

	// Mark used outside the hold transaction so the mark survives a
	// rolled-back quote.
	won, err := e.UoW.QrNonces().MarkUsed(ctx, qr.Jti, req.MerchantID, req.CustomerID, now)
	if err != nil {
		return nil, err
	}
	if won {
		return nil, nil
	}

	// Lost the race: the winner may have created the hold already.
	again, err := e.UoW.Holds().GetByQrJti(ctx, req.MerchantID, qr.Jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrQrUsed
		}
		return nil, err
	}
	return e.replayOrReject(ctx, req, again)
}

func (e *QuoteEngine) replayOrReject(ctx context.Context, req QuoteRequest, hold *Hold) (*QuoteResult, error) {
	if hold.Status != HoldPending {
		return nil, ErrQrUsed
	}
	if req.OutletID != "" && hold.OutletID != req.OutletID {
		if err := e.UoW.Holds().SetOutlet(ctx, hold.ID, req.OutletID); err != nil {
			e.log().Debug("quote: late outlet correction failed",
				"holdId", hold.ID, "error", err)
		} else {
			hold.OutletID = req.OutletID
		}
	}
	return e.replayFromHold(req.Mode, hold), nil
}

// sameReceiptConflict checks whether the opposite mode already touched
// this order (pending hold or settled receipt).
func (e *QuoteEngine) sameReceiptConflict(ctx context.Context, req QuoteRequest) (bool, error) {
	if req.OrderID == "" {
		return false, nil
	}
	receipt, err := e.UoW.Receipts().GetByOrder(ctx, req.MerchantID, req.OrderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if req.Mode == ModeRedeem {
		if receipt != nil && receipt.EarnApplied > 0 {
			return true, nil
		}
	} else {
		if receipt != nil && receipt.RedeemApplied > 0 {
			return true, nil
		}
	}
	opposite := ModeEarn
	if req.Mode == ModeEarn {
		opposite = ModeRedeem
	}
	hold, err := e.findPendingHold(ctx, req.MerchantID, req.CustomerID, req.OrderID, opposite)
	if err != nil {
		return false, err
	}
	return hold != nil, nil
}

func (e *QuoteEngine) findPendingHold(ctx context.Context, merchantID, customerID, orderID string, mode HoldMode) (*Hold, error) {
	hold, err := e.UoW.Holds().FindPendingByOrder(ctx, merchantID, customerID, orderID, mode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return hold, nil
}

// cooldownLeft returns how many seconds of the cooldown remain, zero
// when clear.
func (e *QuoteEngine) cooldownLeft(ctx context.Context, req QuoteRequest, typ TxnType, cooldownSec int64, requireOrder bool) (int64, error) {
	if cooldownSec <= 0 {
		return 0, nil
	}
	last, err := e.UoW.Transactions().LastAt(ctx, req.MerchantID, req.CustomerID, typ, requireOrder)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	elapsed := int64(e.now().Sub(*last) / time.Second)
	if elapsed >= cooldownSec {
		return 0, nil
	}
	return cooldownSec - elapsed, nil
}

// dailyCapLeft returns the remaining daily allowance, or math.MaxInt64
// when the cap is disabled.
func (e *QuoteEngine) dailyCapLeft(ctx context.Context, req QuoteRequest, typ TxnType, cap int64, requireOrder bool) (int64, error) {
	if cap <= 0 {
		return math.MaxInt64, nil
	}
	since := e.now().Add(-24 * time.Hour)
	used, err := e.UoW.Transactions().SumSince(ctx, req.MerchantID, req.CustomerID, typ, since, requireOrder)
	if err != nil {
		return 0, err
	}
	return clampNonNegative(cap - used), nil
}

// =============================================================================
// REDEEM QUOTE
// =============================================================================

func (e *QuoteEngine) quoteRedeem(ctx context.Context, req QuoteRequest, qr *QrMeta, positions []*ResolvedPosition, total, eligible, earnBps, redeemLimitBps, tierMinPayment int64, settings MerchantSettings, allowSameReceipt bool) (*QuoteResult, error) {
	if !settings.AllowEarnRedeemSameReceipt {
		conflict, err := e.sameReceiptConflict(ctx, req)
		if err != nil {
			return nil, err
		}
		if conflict {
			return e.refuse(ModeRedeem, total, "Cannot earn and redeem points on the same receipt."), nil
		}
	}

	wait, err := e.cooldownLeft(ctx, req, TxnRedeem, settings.RedeemCooldownSec, false)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		return e.refuse(ModeRedeem, total, fmt.Sprintf("Redeem cooldown: wait %d sec.", wait)), nil
	}

	dailyLeft, err := e.dailyCapLeft(ctx, req, TxnRedeem, settings.RedeemDailyCap, false)
	if err != nil {
		return nil, err
	}
	if dailyLeft <= 0 {
		return e.refuse(ModeRedeem, total, "Daily redeem limit reached."), nil
	}

	var priorApplied int64
	if req.OrderID != "" {
		receipt, err := e.UoW.Receipts().GetByOrder(ctx, req.MerchantID, req.OrderID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if receipt != nil {
			priorApplied = clampNonNegative(receipt.RedeemApplied)
		}
	}

	limit := total * redeemLimitBps / 10000
	remainingByOrder := clampNonNegative(limit - priorApplied)
	if req.OrderID != "" && remainingByOrder <= 0 {
		return e.refuse(ModeRedeem, total, "Maximum points already redeemed for this order."), nil
	}

	allowedByMinPayment := int64(math.MaxInt64)
	if tierMinPayment > 0 {
		allowedByMinPayment = clampNonNegative(total - tierMinPayment - priorApplied)
	}
	manualCap := int64(math.MaxInt64)
	if req.RedeemAmount != nil && *req.RedeemAmount > 0 {
		manualCap = *req.RedeemAmount
	}

	compute := func(walletBalance int64) (*QuoteResult, []*ResolvedPosition) {
		discount := minInt64(walletBalance, remainingByOrder, dailyLeft, allowedByMinPayment, manualCap)
		items := copyPositions(positions)
		applied := clampNonNegative(discount)
		var postEarnPoints int64
		if len(items) > 0 {
			bps := int64(0)
			if allowSameReceipt {
				bps = earnBps
			}
			postEarnPoints = ApplyEarnAndRedeemToItems(items, bps, discount, allowSameReceipt)
			applied = 0
			for _, item := range items {
				applied += clampNonNegative(item.RedeemAmount)
			}
		} else if allowSameReceipt {
			payable := clampNonNegative(total - applied)
			earnBase := minInt64(payable, eligible)
			if (tierMinPayment <= 0 || payable >= tierMinPayment) && earnBase > 0 {
				postEarnPoints = earnBase * earnBps / 10000
			}
		}
		payable := clampNonNegative(total - applied)
		msg := "Not enough points to redeem."
		if applied > 0 {
			msg = fmt.Sprintf("Redeeming %d points, %d payable", applied, payable)
		}
		return &QuoteResult{
			Mode:            ModeRedeem,
			CanRedeem:       applied > 0,
			DiscountToApply: applied,
			PointsToBurn:    applied,
			FinalPayable:    payable,
			PointsToEarn:    postEarnPoints,
			Message:         msg,
		}, items
	}

	if req.DryRun {
		var balance int64
		wallet, err := e.UoW.Wallets().Get(ctx, req.MerchantID, req.CustomerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if wallet != nil {
			balance = wallet.Balance
		}
		res, _ := compute(balance)
		return res, nil
	}

	var result *QuoteResult
	err = e.UoW.Within(ctx, func(s Stores) error {
		wallet, werr := s.Wallets().Ensure(ctx, req.MerchantID, req.CustomerID)
		if werr != nil {
			return werr
		}
		res, items := compute(wallet.Balance)
		hold := e.newHold(req, qr, ModeRedeem, total, eligible)
		hold.RedeemAmount = res.DiscountToApply
		hold.EarnPoints = res.PointsToEarn
		if herr := s.Holds().Create(ctx, hold); herr != nil {
			return herr
		}
		holdItems := items
		if len(holdItems) == 0 {
			holdItems = positions
		}
		if herr := s.Holds().ReplaceItems(ctx, hold.ID, holdItemsFromPositions(req.MerchantID, hold.ID, holdItems)); herr != nil {
			return herr
		}
		res.HoldID = hold.ID
		result = res
		return nil
	})
	if err != nil {
		return e.recoverHoldRace(ctx, req, qr, err)
	}
	return result, nil
}

// =============================================================================
// EARN QUOTE
// =============================================================================

func (e *QuoteEngine) quoteEarn(ctx context.Context, req QuoteRequest, qr *QrMeta, positions []*ResolvedPosition, total, eligible, earnBps, tierMinPayment int64, settings MerchantSettings, allowSameReceipt bool) (*QuoteResult, error) {
	if !settings.AllowEarnRedeemSameReceipt {
		conflict, err := e.sameReceiptConflict(ctx, req)
		if err != nil {
			return nil, err
		}
		if conflict {
			return e.refuse(ModeEarn, total, "Cannot earn and redeem points on the same receipt."), nil
		}
	}

	wait, err := e.cooldownLeft(ctx, req, TxnEarn, settings.EarnCooldownSec, true)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		return e.refuse(ModeEarn, total, fmt.Sprintf("Earn cooldown: wait %d sec.", wait)), nil
	}

	dailyLeft, err := e.dailyCapLeft(ctx, req, TxnEarn, settings.EarnDailyCap, true)
	if err != nil {
		return nil, err
	}
	if dailyLeft <= 0 {
		return e.refuse(ModeEarn, total, "Daily earn limit reached."), nil
	}

	belowMinPayment := tierMinPayment > 0 && total < tierMinPayment
	points := eligible * earnBps / 10000
	itemsForHold := positions
	if len(positions) > 0 {
		items := copyPositions(positions)
		bps := earnBps
		if belowMinPayment {
			bps = 0
		}
		fromItems := ApplyEarnAndRedeemToItems(items, bps, 0, !belowMinPayment)
		if belowMinPayment {
			fromItems = 0
		}
		capped := minInt64(fromItems, dailyLeft)
		if capped != fromItems {
			// Redistribute the capped total across items by weight:
			// the already-computed earn, falling back to amount times
			// multiplier, never below 1 so every item stays in play.
			weights := make([]int64, len(items))
			for i, item := range items {
				w := item.EarnPoints
				if w <= 0 {
					w = decimal.NewFromInt(item.Amount).Mul(maxMultiplier(item)).Floor().IntPart()
				}
				if w < 1 {
					w = 1
				}
				weights[i] = w
			}
			redistributed := AllocateByWeight(weights, capped)
			for i := range items {
				items[i].EarnPoints = redistributed[i]
			}
			fromItems = capped
		}
		points = fromItems
		itemsForHold = items
	} else {
		if belowMinPayment {
			points = 0
		}
		points = minInt64(points, dailyLeft)
	}
	points = clampNonNegative(points)

	msg := "Amount is too small to earn points."
	if points > 0 {
		msg = fmt.Sprintf("Will earn %d points after payment.", points)
	}
	if req.DryRun {
		return &QuoteResult{Mode: ModeEarn, CanEarn: points > 0, PointsToEarn: points, Message: msg}, nil
	}

	var result *QuoteResult
	err = e.UoW.Within(ctx, func(s Stores) error {
		if _, werr := s.Wallets().Ensure(ctx, req.MerchantID, req.CustomerID); werr != nil {
			return werr
		}
		hold := e.newHold(req, qr, ModeEarn, total, eligible)
		hold.EarnPoints = points
		if herr := s.Holds().Create(ctx, hold); herr != nil {
			return herr
		}
		if herr := s.Holds().ReplaceItems(ctx, hold.ID, holdItemsFromPositions(req.MerchantID, hold.ID, itemsForHold)); herr != nil {
			return herr
		}
		result = &QuoteResult{Mode: ModeEarn, CanEarn: points > 0, PointsToEarn: points, HoldID: hold.ID, Message: msg}
		return nil
	})
	if err != nil {
		return e.recoverHoldRace(ctx, req, qr, err)
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *QuoteEngine) newHold(req QuoteRequest, qr *QrMeta, mode HoldMode, total, eligible int64) *Hold {
	hold := &Hold{
		ID:            uuid.NewString(),
		MerchantID:    req.MerchantID,
		CustomerID:    req.CustomerID,
		Mode:          mode,
		OrderID:       req.OrderID,
		Total:         total,
		EligibleTotal: eligible,
		Status:        HoldPending,
		OutletID:      req.OutletID,
		StaffID:       req.StaffID,
		DeviceID:      req.DeviceID,
		CreatedAt:     e.now(),
	}
	if qr != nil {
		hold.QrJti = qr.Jti
		if !qr.ExpiresAt.IsZero() {
			expires := qr.ExpiresAt
			hold.ExpiresAt = &expires
		}
	}
	return hold
}

// recoverHoldRace handles the unique-index loser on hold creation: a
// concurrent quote for the same QR created the hold first, so replay it
// when it is still PENDING.
func (e *QuoteEngine) recoverHoldRace(ctx context.Context, req QuoteRequest, qr *QrMeta, cause error) (*QuoteResult, error) {
	if qr == nil || !errors.Is(cause, ErrDuplicateKey) {
		return nil, cause
	}
	again, err := e.UoW.Holds().GetByQrJti(ctx, req.MerchantID, qr.Jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrQrUsed
		}
		return nil, err
	}
	return e.replayOrReject(ctx, req, again)
}

// maxMultiplier returns the item's point multiplier, floored at 1.
func maxMultiplier(item *ResolvedPosition) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if item.PromotionMultiplier.GreaterThan(one) {
		return item.PromotionMultiplier
	}
	return one
}

// scaleMultiplier persists a multiplier as round(m*10000); values at or
// below zero read back as 1x, stored as 0.
func scaleMultiplier(m decimal.Decimal) int64 {
	if m.Sign() <= 0 {
		return 0
	}
	return m.Mul(decimal.NewFromInt(10000)).Round(0).IntPart()
}

func copyPositions(positions []*ResolvedPosition) []*ResolvedPosition {
	out := make([]*ResolvedPosition, len(positions))
	for i, pos := range positions {
		dup := *pos
		dup.EarnPoints = 0
		dup.RedeemAmount = 0
		out[i] = &dup
	}
	return out
}

// holdItemsFromPositions snapshots resolved positions as hold items,
// scaling the promotion multiplier by 10000 for integral storage.
func holdItemsFromPositions(merchantID, holdID string, positions []*ResolvedPosition) []*HoldItem {
	items := make([]*HoldItem, 0, len(positions))
	for _, pos := range positions {
		items = append(items, &HoldItem{
			ID:                   uuid.NewString(),
			HoldID:               holdID,
			MerchantID:           merchantID,
			ProductID:            pos.ProductID,
			CategoryID:           pos.CategoryID,
			ExternalID:           pos.ExternalID,
			Name:                 pos.Name,
			Qty:                  pos.Qty,
			Price:                pos.Price,
			Amount:               pos.Amount,
			EarnPoints:           pos.EarnPoints,
			RedeemAmount:         pos.RedeemAmount,
			PromotionID:          pos.PointPromotionID,
			AppliedPromotionIDs:  append([]string(nil), pos.AppliedPromotionIDs...),
			PointPromotionID:     pos.PointPromotionID,
			PromotionMultiplier:  scaleMultiplier(pos.PromotionMultiplier),
			PromotionPointsBonus: pos.PromotionPointsBonus,
			BasePrice:            pos.BasePrice,
			AccruePoints:         pos.AccruePoints,
		})
	}
	return items
}

func minInt64(values ...int64) int64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
