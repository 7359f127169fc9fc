/*
refund.go - Full compensation of a committed receipt, plus hold cancel

PURPOSE:
  A refund never edits the original receipt or transactions. It claims
  the receipt's canceledAt as a lock, then writes compensating REFUND
  transactions: the redeemed points flow back into the wallet, the
  earned points flow out. Scheduled (PENDING) earn lots that have not
  matured are neutralized in place instead of debited.

IDEMPOTENCY:
  ClaimCancel is a conditional update on canceledAt IS NULL. The loser
  of the claim rebuilds the result from the already-written REFUND
  transactions and reports AlreadyRefunded.

SIDE EFFECTS (best-effort, after the transaction commits):
  referral reward rollback, staff motivation reversal, tier recompute.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RefundRequest targets a receipt by id or by its order id.
type RefundRequest struct {
	MerchantID string
	ReceiptID  string
	OrderID    string
	StaffID    string
	RequestID  string
}

type RefundResult struct {
	OK              bool
	ReceiptID       string
	CustomerID      string
	RestoredRedeem  int64
	RevokedEarn     int64
	AlreadyRefunded bool
	Warnings        []string
}

type RefundEngine struct {
	UoW        UnitOfWork
	Referrals  *ReferralEngine
	Motivation StaffMotivationService
	Tiers      TierResolver
	Lots       *LotLedger

	EarnLotsEnabled bool
	LedgerEnabled   bool

	Clock   Clock
	Log     *slog.Logger
	Metrics *Metrics
}

func (e *RefundEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *RefundEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Refund compensates the receipt in full.
func (e *RefundEngine) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.MerchantID == "" {
		return nil, &ValidationError{Field: "merchantId", Message: "required"}
	}
	if req.ReceiptID == "" && req.OrderID == "" {
		return nil, Validationf("receiptId or orderId required")
	}

	receipt, err := e.findReceipt(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	result := &RefundResult{ReceiptID: receipt.ID, CustomerID: receipt.CustomerID}

	err = e.UoW.Within(ctx, func(s Stores) error {
		won, cerr := s.Receipts().ClaimCancel(ctx, receipt.ID, now)
		if cerr != nil {
			return cerr
		}
		if !won {
			already, aerr := e.replayRefund(ctx, s, receipt)
			if aerr != nil {
				return aerr
			}
			*result = *already
			return nil
		}

		if rerr := e.restoreRedeem(ctx, s, receipt, result, now); rerr != nil {
			return rerr
		}
		if rerr := e.revokeEarn(ctx, s, receipt, result, now); rerr != nil {
			return rerr
		}
		return s.Outbox().Append(ctx, receipt.MerchantID, EventRefund, map[string]any{
			"schemaVersion":  1,
			"receiptId":      receipt.ID,
			"orderId":        receipt.OrderID,
			"customerId":     receipt.CustomerID,
			"merchantId":     receipt.MerchantID,
			"restoredRedeem": result.RestoredRedeem,
			"revokedEarn":    result.RevokedEarn,
			"refundedAt":     now.Format(time.RFC3339),
			"staffId":        req.StaffID,
			"requestId":      req.RequestID,
		})
	})
	if err != nil {
		return nil, err
	}
	result.OK = true
	if result.AlreadyRefunded {
		return result, nil
	}

	e.Metrics.Refund()
	e.runSideEffects(ctx, receipt, req, result)
	return result, nil
}

func (e *RefundEngine) findReceipt(ctx context.Context, req RefundRequest) (*Receipt, error) {
	if req.ReceiptID != "" {
		receipt, err := e.UoW.Receipts().Get(ctx, req.MerchantID, req.ReceiptID)
		if err != nil {
			return nil, err
		}
		return receipt, nil
	}
	return e.UoW.Receipts().GetByOrder(ctx, req.MerchantID, req.OrderID)
}

// replayRefund rebuilds the result of an earlier refund from its
// compensating transactions.
func (e *RefundEngine) replayRefund(ctx context.Context, s Stores, receipt *Receipt) (*RefundResult, error) {
	txns, err := s.Transactions().ListByOrder(ctx, receipt.MerchantID, receipt.OrderID, TxnRefund)
	if err != nil {
		return nil, err
	}
	result := &RefundResult{
		ReceiptID:       receipt.ID,
		CustomerID:      receipt.CustomerID,
		AlreadyRefunded: true,
	}
	for _, txn := range txns {
		if txn.Metadata["receiptId"] != receipt.ID {
			continue
		}
		if txn.Amount > 0 {
			result.RestoredRedeem += txn.Amount
		} else {
			result.RevokedEarn += -txn.Amount
		}
	}
	return result, nil
}

// restoreRedeem credits the redeemed points back to the wallet.
func (e *RefundEngine) restoreRedeem(ctx context.Context, s Stores, receipt *Receipt, result *RefundResult, now time.Time) error {
	amount := receipt.RedeemApplied
	if amount <= 0 {
		return nil
	}
	wallet, err := s.Wallets().Ensure(ctx, receipt.MerchantID, receipt.CustomerID)
	if err != nil {
		return err
	}
	if err := s.Wallets().Increment(ctx, wallet.ID, amount); err != nil {
		return err
	}
	if err := s.Transactions().Create(ctx, &Transaction{
		ID:         uuid.NewString(),
		MerchantID: receipt.MerchantID,
		CustomerID: receipt.CustomerID,
		Type:       TxnRefund,
		Amount:     amount,
		OrderID:    receipt.OrderID,
		OutletID:   receipt.OutletID,
		StaffID:    receipt.StaffID,
		DeviceID:   receipt.DeviceID,
		Metadata: map[string]string{
			"source":    "REFUND",
			"receiptId": receipt.ID,
			"direction": "RESTORE_REDEEM",
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}
	result.RestoredRedeem = amount

	if e.EarnLotsEnabled {
		if err := e.Lots.Unconsume(ctx, s, receipt.MerchantID, receipt.CustomerID, amount, LotContext{OrderID: receipt.OrderID, ReceiptID: receipt.ID}); err != nil {
			return err
		}
	}
	if e.LedgerEnabled {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: receipt.MerchantID,
			CustomerID: receipt.CustomerID,
			Debit:      AccountMerchantLiability,
			Credit:     AccountCustomerBalance,
			Amount:     amount,
			OrderID:    receipt.OrderID,
			OutletID:   receipt.OutletID,
			StaffID:    receipt.StaffID,
			DeviceID:   receipt.DeviceID,
			Meta:       map[string]string{"mode": "REFUND_RESTORE"},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("refund_restore", amount)
	}
	return nil
}

// revokeEarn claws back the points earned on the receipt. Matured
// points come out of the wallet; scheduled PENDING lots are activated
// as fully consumed so maturation yields nothing.
func (e *RefundEngine) revokeEarn(ctx context.Context, s Stores, receipt *Receipt, result *RefundResult, now time.Time) error {
	if e.EarnLotsEnabled {
		pending, err := s.EarnLots().ListPendingByOrder(ctx, receipt.MerchantID, receipt.CustomerID, receipt.OrderID)
		if err != nil {
			return err
		}
		for _, lot := range pending {
			if err := s.EarnLots().Activate(ctx, lot.ID, lot.Points, now); err != nil {
				return err
			}
		}
	}

	earnTxns, err := s.Transactions().ListByOrder(ctx, receipt.MerchantID, receipt.OrderID, TxnEarn)
	if err != nil {
		return err
	}
	var earned int64
	for _, txn := range earnTxns {
		if txn.Amount > 0 && txn.CanceledAt == nil {
			earned += txn.Amount
		}
	}
	if earned <= 0 {
		return nil
	}

	wallet, err := s.Wallets().Ensure(ctx, receipt.MerchantID, receipt.CustomerID)
	if err != nil {
		return err
	}
	// The customer may already have spent part of the earn; claw back
	// what is still in the wallet.
	amount := minInt64(wallet.Balance, earned)
	if amount > 0 {
		won, derr := s.Wallets().TryDecrement(ctx, wallet.ID, amount)
		if derr != nil {
			return derr
		}
		if !won {
			fresh, rerr := s.Wallets().Get(ctx, receipt.MerchantID, receipt.CustomerID)
			if rerr != nil {
				return rerr
			}
			amount = minInt64(fresh.Balance, earned)
			if amount > 0 {
				if won, derr = s.Wallets().TryDecrement(ctx, wallet.ID, amount); derr != nil {
					return derr
				} else if !won {
					amount = 0
				}
			}
		}
	}

	if err := s.Transactions().Create(ctx, &Transaction{
		ID:         uuid.NewString(),
		MerchantID: receipt.MerchantID,
		CustomerID: receipt.CustomerID,
		Type:       TxnRefund,
		Amount:     -amount,
		OrderID:    receipt.OrderID,
		OutletID:   receipt.OutletID,
		StaffID:    receipt.StaffID,
		DeviceID:   receipt.DeviceID,
		Metadata: map[string]string{
			"source":    "REFUND",
			"receiptId": receipt.ID,
			"direction": "REVOKE_EARN",
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}
	result.RevokedEarn = amount

	if e.EarnLotsEnabled && amount > 0 {
		if err := e.Lots.Revoke(ctx, s, receipt.MerchantID, receipt.CustomerID, amount, LotContext{OrderID: receipt.OrderID, ReceiptID: receipt.ID}); err != nil {
			return err
		}
	}
	if e.LedgerEnabled && amount > 0 {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: receipt.MerchantID,
			CustomerID: receipt.CustomerID,
			Debit:      AccountCustomerBalance,
			Credit:     AccountMerchantLiability,
			Amount:     amount,
			OrderID:    receipt.OrderID,
			OutletID:   receipt.OutletID,
			StaffID:    receipt.StaffID,
			DeviceID:   receipt.DeviceID,
			Meta:       map[string]string{"mode": "REFUND_REVOKE"},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("refund_revoke", amount)
	}
	return nil
}

func (e *RefundEngine) runSideEffects(ctx context.Context, receipt *Receipt, req RefundRequest, result *RefundResult) {
	effects := []struct {
		name string
		run  func() error
	}{
		{"referral-rollback", func() error {
			return e.UoW.Within(ctx, func(s Stores) error {
				return e.Referrals.RollbackRewards(ctx, s, receipt.MerchantID, receipt.CustomerID, receipt.ID)
			})
		}},
		{"staff-motivation", func() error {
			if receipt.StaffID == "" {
				return nil
			}
			return e.Motivation.RecordRefund(ctx, receipt.MerchantID, receipt.StaffID, receipt.ID)
		}},
		{"tier-recompute", func() error {
			return e.Tiers.RecomputeProgress(ctx, receipt.MerchantID, receipt.CustomerID)
		}},
	}
	for _, effect := range effects {
		if err := effect.run(); err != nil {
			e.log().Warn("refund: side effect failed",
				"effect", effect.name, "receiptId", receipt.ID, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", effect.name, err))
		}
	}
}

// =============================================================================
// HOLD CANCEL
// =============================================================================

// Cancel voids a PENDING hold and frees its QR token for reuse. A hold
// that is already canceled is a no-op; a committed hold is a conflict.
func (e *RefundEngine) Cancel(ctx context.Context, merchantID, holdID string) error {
	hold, err := e.UoW.Holds().Get(ctx, holdID)
	if err != nil {
		return err
	}
	if merchantID != "" && hold.MerchantID != merchantID {
		return ErrMerchantMismatch
	}
	if hold.Status == HoldCanceled {
		return nil
	}
	if hold.Status != HoldPending {
		return ErrHoldFinished
	}

	won, err := e.UoW.Holds().Cancel(ctx, holdID)
	if err != nil {
		return err
	}
	if !won {
		fresh, gerr := e.UoW.Holds().Get(ctx, holdID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status == HoldCanceled {
			return nil
		}
		return ErrHoldFinished
	}

	if hold.QrJti != "" {
		if rerr := e.UoW.QrNonces().Release(ctx, hold.QrJti); rerr != nil && !errors.Is(rerr, ErrNotFound) {
			e.log().Debug("cancel: release QR nonce failed",
				"holdId", holdID, "jti", hold.QrJti, "error", rerr)
		}
	}
	return nil
}
