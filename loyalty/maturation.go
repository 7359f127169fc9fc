/*
maturation.go - The maturation sweep: PENDING earn lot -> wallet credit

PURPOSE:
  Merchants with an earn delay defer credits into PENDING lots at
  commit time; the wallet stays untouched until the delay elapses. The
  sweep finds lots whose MaturesAt has passed and, one lot per unit of
  work, flips the lot ACTIVE, credits the wallet, writes the EARN
  transaction and the ledger mirror, and emits the matured event.

IDEMPOTENCY:
  Activation removes the lot from ListMatured's scope, so a crash
  between lots resumes cleanly on the next run. A lot neutralized by a
  refund while still PENDING keeps no remainder and is activated
  without a credit.
*/
package loyalty

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MaturationEngine activates matured PENDING earn lots. RunOnce is
// driven by a ticker in the server wiring; each lot settles in its own
// unit of work so one poisoned row cannot roll back the whole sweep.
type MaturationEngine struct {
	UoW UnitOfWork

	// BatchSize caps one run; zero lets the store choose.
	BatchSize     int
	LedgerEnabled bool

	Clock   Clock
	Log     *slog.Logger
	Metrics *Metrics
}

func (e *MaturationEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *MaturationEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// RunOnce activates one batch of matured lots and reports how many
// were activated. On a per-lot failure it stops and returns the count
// so far; the next run picks up where this one stopped.
func (e *MaturationEngine) RunOnce(ctx context.Context) (int, error) {
	now := e.now()
	lots, err := e.UoW.EarnLots().ListMatured(ctx, now, e.BatchSize)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, lot := range lots {
		if err := e.activate(ctx, lot, now); err != nil {
			e.log().Warn("maturation: activate lot failed",
				"lotId", lot.ID, "merchantId", lot.MerchantID, "error", err)
			return activated, err
		}
		activated++
		e.Metrics.LotMatured()
	}
	if activated > 0 {
		e.log().Info("maturation: lots activated", "count", activated)
	}
	return activated, nil
}

func (e *MaturationEngine) activate(ctx context.Context, lot *EarnLot, now time.Time) error {
	credit := lot.Remaining()
	return e.UoW.Within(ctx, func(s Stores) error {
		if err := s.EarnLots().Activate(ctx, lot.ID, lot.ConsumedPoints, now); err != nil {
			return err
		}
		if credit <= 0 {
			return nil
		}

		wallet, err := s.Wallets().Ensure(ctx, lot.MerchantID, lot.CustomerID)
		if err != nil {
			return err
		}
		if err := s.Wallets().Increment(ctx, wallet.ID, credit); err != nil {
			return err
		}
		if err := s.Transactions().Create(ctx, &Transaction{
			ID:         uuid.NewString(),
			MerchantID: lot.MerchantID,
			CustomerID: lot.CustomerID,
			Type:       TxnEarn,
			Amount:     credit,
			OrderID:    lot.OrderID,
			OutletID:   lot.OutletID,
			StaffID:    lot.StaffID,
			DeviceID:   lot.DeviceID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		if e.LedgerEnabled {
			if err := s.Ledger().Append(ctx, &LedgerEntry{
				ID:         uuid.NewString(),
				MerchantID: lot.MerchantID,
				CustomerID: lot.CustomerID,
				Debit:      AccountMerchantLiability,
				Credit:     AccountCustomerBalance,
				Amount:     credit,
				OrderID:    lot.OrderID,
				OutletID:   lot.OutletID,
				StaffID:    lot.StaffID,
				DeviceID:   lot.DeviceID,
				Meta:       map[string]string{"mode": "EARN", "lotId": lot.ID},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			e.Metrics.Ledger("earn", credit)
		}

		return s.Outbox().Append(ctx, lot.MerchantID, EventLotMatured, map[string]any{
			"lotId":      lot.ID,
			"orderId":    lot.OrderID,
			"customerId": lot.CustomerID,
			"merchantId": lot.MerchantID,
			"points":     credit,
			"maturedAt":  now.Format(time.RFC3339),
		})
	})
}
