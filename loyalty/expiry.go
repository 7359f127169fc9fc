/*
expiry.go - The expiry sweep: stale ACTIVE earn lot -> burned remainder

PURPOSE:
  Lots carry an optional ExpiresAt (merchant TTL or a promo code's own
  window). Once it passes, the unconsumed remainder must leave the
  wallet: the sweep fully consumes the lot, debits the wallet by what
  is still there, writes the EXPIRE transaction and the ledger mirror,
  and emits the expired event.

IDEMPOTENCY:
  Marking the lot fully consumed removes it from ListExpired's scope,
  so a crash between lots resumes cleanly on the next run. The wallet
  debit is clamped to the current balance: points already spent
  elsewhere are not burned twice.
*/
package loyalty

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ExpiryEngine burns the remainders of expired ACTIVE earn lots.
// RunOnce is driven by the same ticker as the maturation sweep; each
// lot settles in its own unit of work.
type ExpiryEngine struct {
	UoW UnitOfWork

	// BatchSize caps one run; zero lets the store choose.
	BatchSize     int
	LedgerEnabled bool

	Clock   Clock
	Log     *slog.Logger
	Metrics *Metrics
}

func (e *ExpiryEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *ExpiryEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// RunOnce burns one batch of expired lots and reports how many were
// processed. On a per-lot failure it stops and returns the count so
// far; the next run picks up where this one stopped.
func (e *ExpiryEngine) RunOnce(ctx context.Context) (int, error) {
	now := e.now()
	lots, err := e.UoW.EarnLots().ListExpired(ctx, now, e.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lot := range lots {
		if err := e.expire(ctx, lot, now); err != nil {
			e.log().Warn("expiry: burn lot failed",
				"lotId", lot.ID, "merchantId", lot.MerchantID, "error", err)
			return expired, err
		}
		expired++
		e.Metrics.LotExpired()
	}
	if expired > 0 {
		e.log().Info("expiry: lots burned", "count", expired)
	}
	return expired, nil
}

func (e *ExpiryEngine) expire(ctx context.Context, lot *EarnLot, now time.Time) error {
	remainder := lot.Remaining()
	return e.UoW.Within(ctx, func(s Stores) error {
		if err := s.EarnLots().AddConsumed(ctx, lot.ID, remainder); err != nil {
			return err
		}
		if remainder <= 0 {
			return nil
		}

		wallet, err := s.Wallets().Ensure(ctx, lot.MerchantID, lot.CustomerID)
		if err != nil {
			return err
		}
		// The customer may already have spent part of the lot's points;
		// burn only what is still in the wallet.
		burn := minInt64(wallet.Balance, remainder)
		if burn > 0 {
			won, derr := s.Wallets().TryDecrement(ctx, wallet.ID, burn)
			if derr != nil {
				return derr
			}
			if !won {
				fresh, rerr := s.Wallets().Get(ctx, lot.MerchantID, lot.CustomerID)
				if rerr != nil {
					return rerr
				}
				burn = minInt64(fresh.Balance, remainder)
				if burn > 0 {
					if won, derr = s.Wallets().TryDecrement(ctx, wallet.ID, burn); derr != nil {
						return derr
					} else if !won {
						burn = 0
					}
				}
			}
		}
		if burn <= 0 {
			return s.Outbox().Append(ctx, lot.MerchantID, EventLotExpired, e.payload(lot, 0, now))
		}

		if err := s.Transactions().Create(ctx, &Transaction{
			ID:         uuid.NewString(),
			MerchantID: lot.MerchantID,
			CustomerID: lot.CustomerID,
			Type:       TxnExpire,
			Amount:     burn,
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
				Debit:      AccountCustomerBalance,
				Credit:     AccountMerchantLiability,
				Amount:     burn,
				OrderID:    lot.OrderID,
				OutletID:   lot.OutletID,
				StaffID:    lot.StaffID,
				DeviceID:   lot.DeviceID,
				Meta:       map[string]string{"mode": "EXPIRE", "lotId": lot.ID},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			e.Metrics.Ledger("expire", burn)
		}

		return s.Outbox().Append(ctx, lot.MerchantID, EventLotExpired, e.payload(lot, burn, now))
	})
}

func (e *ExpiryEngine) payload(lot *EarnLot, burned int64, now time.Time) map[string]any {
	return map[string]any{
		"lotId":      lot.ID,
		"orderId":    lot.OrderID,
		"customerId": lot.CustomerID,
		"merchantId": lot.MerchantID,
		"points":     burned,
		"expiredAt":  now.Format(time.RFC3339),
	}
}
