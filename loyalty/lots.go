/*
lots.go - FIFO earn-lot planning and ledger service

PURPOSE:
  Earn lots are time-boxed batches of points with independent maturation
  and expiry. Whenever points are redeemed, lots are consumed
  oldest-first (FIFO by EarnedAt) so the oldest points burn before they
  expire. Refunds reverse the bookkeeping: "unconsume" reopens the
  newest consumed lots, "revoke" claws back earned points by marking
  lots consumed up to their full size.

STRUCTURE:
  PlanConsume / PlanUnconsume / PlanRevoke are pure planners over lot
  snapshots - trivially testable, no I/O. LotLedger applies a plan
  inside the caller's unit of work and appends the matching outbox
  events. When the earn-lots feature is disabled the engines inject a
  NopEarnLotStore and every method becomes a no-op.
*/
package loyalty

import (
	"context"
	"sort"
	"time"
)

// LotUpdate is one planned mutation: add DeltaConsumed to the lot's
// ConsumedPoints. Negative deltas reopen previously consumed points.
type LotUpdate struct {
	ID            string
	DeltaConsumed int64
}

// lotSnapshot is the minimal view the planners need.
type lotSnapshot struct {
	ID             string
	Points         int64
	ConsumedPoints int64
	EarnedAt       time.Time
}

func snapshotLots(lots []*EarnLot) []lotSnapshot {
	out := make([]lotSnapshot, 0, len(lots))
	for _, lot := range lots {
		out = append(out, lotSnapshot{
			ID:             lot.ID,
			Points:         clampNonNegative(lot.Points),
			ConsumedPoints: clampNonNegative(lot.ConsumedPoints),
			EarnedAt:       lot.EarnedAt,
		})
	}
	return out
}

// PlanConsume walks lots oldest-first and consumes up to amount,
// decrementing each lot's remaining (Points - ConsumedPoints) in turn.
func PlanConsume(lots []*EarnLot, amount int64) []LotUpdate {
	snaps := snapshotLots(lots)
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].EarnedAt.Before(snaps[j].EarnedAt)
	})
	remaining := clampNonNegative(amount)
	var updates []LotUpdate
	for _, lot := range snaps {
		if remaining <= 0 {
			break
		}
		avail := lot.Points - lot.ConsumedPoints
		if avail <= 0 {
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		updates = append(updates, LotUpdate{ID: lot.ID, DeltaConsumed: take})
		remaining -= take
	}
	return updates
}

// PlanUnconsume reopens consumed points newest-first, producing
// negative deltas bounded below by each lot's ConsumedPoints.
func PlanUnconsume(lots []*EarnLot, amount int64) []LotUpdate {
	snaps := snapshotLots(lots)
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].EarnedAt.After(snaps[j].EarnedAt)
	})
	remaining := clampNonNegative(amount)
	var updates []LotUpdate
	for _, lot := range snaps {
		if remaining <= 0 {
			break
		}
		if lot.ConsumedPoints <= 0 {
			continue
		}
		give := lot.ConsumedPoints
		if give > remaining {
			give = remaining
		}
		updates = append(updates, LotUpdate{ID: lot.ID, DeltaConsumed: -give})
		remaining -= give
	}
	return updates
}

// PlanRevoke claws back earned points newest-first by marking lots
// consumed, each bounded by its Points cap.
func PlanRevoke(lots []*EarnLot, amount int64) []LotUpdate {
	snaps := snapshotLots(lots)
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].EarnedAt.After(snaps[j].EarnedAt)
	})
	remaining := clampNonNegative(amount)
	var updates []LotUpdate
	for _, lot := range snaps {
		if remaining <= 0 {
			break
		}
		room := lot.Points - lot.ConsumedPoints
		if room <= 0 {
			continue
		}
		take := room
		if take > remaining {
			take = remaining
		}
		updates = append(updates, LotUpdate{ID: lot.ID, DeltaConsumed: take})
		remaining -= take
	}
	return updates
}

// =============================================================================
// LOT LEDGER - Applies plans inside a unit of work, mirrors outbox events
// =============================================================================

// LotContext carries the order/receipt scope for lot mutations.
type LotContext struct {
	OrderID   string
	ReceiptID string
}

// LotLedger applies lot plans through the store bundle of the enclosing
// transaction. All methods must run inside the same unit of work as the
// wallet change they account for.
type LotLedger struct {
	Clock Clock
}

// Consume burns amount points FIFO across the customer's ACTIVE lots.
// Lots whose ExpiresAt has passed are skipped: their remainder belongs
// to the expiry sweep, not to a redeem.
func (ll *LotLedger) Consume(ctx context.Context, s Stores, merchantID, customerID string, amount int64, lc LotContext) error {
	if amount <= 0 {
		return nil
	}
	lots, err := s.EarnLots().ListActive(ctx, merchantID, customerID)
	if err != nil {
		return err
	}
	now := ll.now()
	live := lots[:0]
	for _, lot := range lots {
		if lot.ExpiresAt != nil && !lot.ExpiresAt.After(now) {
			continue
		}
		live = append(live, lot)
	}
	return ll.apply(ctx, s, merchantID, customerID, PlanConsume(live, amount), EventLotConsumed, "consumed", lc)
}

// Unconsume reopens amount previously consumed points, newest-first.
func (ll *LotLedger) Unconsume(ctx context.Context, s Stores, merchantID, customerID string, amount int64, lc LotContext) error {
	if amount <= 0 {
		return nil
	}
	lots, err := s.EarnLots().ListConsumed(ctx, merchantID, customerID)
	if err != nil {
		return err
	}
	return ll.apply(ctx, s, merchantID, customerID, PlanUnconsume(lots, amount), EventLotUnconsumed, "unconsumed", lc)
}

// Revoke claws back amount earned points, newest-first, scoped to the
// receipt (or order) being refunded when one is given.
func (ll *LotLedger) Revoke(ctx context.Context, s Stores, merchantID, customerID string, amount int64, lc LotContext) error {
	if amount <= 0 {
		return nil
	}
	lots, err := s.EarnLots().ListForRevoke(ctx, merchantID, customerID, lc.ReceiptID, lc.OrderID)
	if err != nil {
		return err
	}
	return ll.apply(ctx, s, merchantID, customerID, PlanRevoke(lots, amount), EventLotRevoked, "revoked", lc)
}

func (ll *LotLedger) apply(ctx context.Context, s Stores, merchantID, customerID string, updates []LotUpdate, eventType, field string, lc LotContext) error {
	now := ll.now()
	for _, up := range updates {
		if err := s.EarnLots().AddConsumed(ctx, up.ID, up.DeltaConsumed); err != nil {
			return err
		}
		delta := up.DeltaConsumed
		if delta < 0 {
			delta = -delta
		}
		payload := map[string]any{
			"merchantId": merchantID,
			"customerId": customerID,
			"lotId":      up.ID,
			field:        delta,
			"at":         now.Format(time.RFC3339),
		}
		if lc.OrderID != "" {
			payload["orderId"] = lc.OrderID
		}
		if err := s.Outbox().Append(ctx, merchantID, eventType, payload); err != nil {
			return err
		}
	}
	return nil
}

func (ll *LotLedger) now() time.Time {
	if ll.Clock != nil {
		return ll.Clock.Now()
	}
	return time.Now()
}
