/*
promotions.go - Promotion read model, matching and per-customer filtering

PURPOSE:
  The engines consume promotions as already-normalized rules: a kind,
  its numeric parameters, target product/category sets, an optional
  segment gate and a usage limit. Authoring and normalization of raw
  promotion records live outside the engine; stores return only valid
  rules.

KINDS (priority order, low applies first):
  FIXED_PRICE (1)       - unit price replaced by a fixed price
  NTH_FREE (2)          - buy N get M free, splits the line item
  POINTS_MULTIPLIER (3) - candidate point boost, winner picked at
                          earn-computation time by highest points
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROMOTION RULE
// =============================================================================

type PromotionKind string

const (
	PromoFixedPrice       PromotionKind = "FIXED_PRICE"
	PromoNthFree          PromotionKind = "NTH_FREE"
	PromoPointsMultiplier PromotionKind = "POINTS_MULTIPLIER"
)

// Priority returns the application order; lower applies first.
func (k PromotionKind) Priority() int {
	switch k {
	case PromoFixedPrice:
		return 1
	case PromoNthFree:
		return 2
	case PromoPointsMultiplier:
		return 3
	default:
		return 10
	}
}

// PointsRuleType selects how a POINTS_MULTIPLIER promotion computes
// its boost from the item's earn base.
type PointsRuleType string

const (
	PointsRuleMultiplier PointsRuleType = "multiplier" // floor(basePoints * value)
	PointsRulePercent    PointsRuleType = "percent"    // floor(earnBase * value / 100)
	PointsRuleFixed      PointsRuleType = "fixed"      // floor(value * qty)
)

// UsageLimit caps how often one customer benefits from a promotion.
type UsageLimit string

const (
	UsageUnlimited    UsageLimit = "unlimited"
	UsageOncePerDay   UsageLimit = "once_per_day"
	UsageOncePerWeek  UsageLimit = "once_per_week"
	UsageOncePerMonth UsageLimit = "once_per_month"
	UsageOncePerever  UsageLimit = "once_per_client"
)

// Promotion is one normalized, currently-valid promotion rule.
// Empty ProductIDs and CategoryIDs means "applies to everything".
type Promotion struct {
	ID   string
	Name string
	Kind PromotionKind

	// POINTS_MULTIPLIER parameters.
	PointsRuleType PointsRuleType
	PointsValue    decimal.Decimal

	// NTH_FREE parameters.
	BuyQty  int64
	FreeQty int64

	// FIXED_PRICE parameter (unit price).
	FixedPrice decimal.Decimal

	SegmentID  string
	UsageLimit UsageLimit

	ProductIDs  map[string]bool
	CategoryIDs map[string]bool
}

// Matches reports whether the rule targets the given product or
// category. Untargeted rules match every item.
func (p *Promotion) Matches(productID, categoryID string) bool {
	if productID != "" && len(p.ProductIDs) > 0 && p.ProductIDs[productID] {
		return true
	}
	if categoryID != "" && len(p.CategoryIDs) > 0 && p.CategoryIDs[categoryID] {
		return true
	}
	return len(p.ProductIDs) == 0 && len(p.CategoryIDs) == 0
}

// NthFreeStep is buyQty+freeQty clamped to at least 1; every full step
// of quantity yields freeQty free units.
func (p *Promotion) NthFreeStep() int64 {
	step := p.BuyQty + p.FreeQty
	if step < 1 {
		return 1
	}
	return step
}

// FreeUnits returns how many units of qty the NTH_FREE rule gives away.
func (p *Promotion) FreeUnits(qty decimal.Decimal) int64 {
	step := decimal.NewFromInt(p.NthFreeStep())
	groups := qty.Div(step).IntPart()
	if groups <= 0 {
		return 0
	}
	free := p.FreeQty
	if free < 1 {
		free = 1
	}
	return groups * free
}

// PromotionUsage is the per-customer usage history a usage limit is
// checked against.
type PromotionUsage struct {
	PurchasesCount int64
	LastPurchaseAt *time.Time
}

// PromotionMetricDelta is one additive update to a promotion's
// counters. Point promotions account their cost in PointsIssued,
// discount promotions in PointsRedeemed (discount value).
type PromotionMetricDelta struct {
	Purchases      int64
	Revenue        int64
	TotalSpent     int64
	PointsIssued   int64
	PointsRedeemed int64
}

// =============================================================================
// PER-CUSTOMER FILTERING - Segment membership and usage limits
// =============================================================================

// FilterPromotionsForCustomer drops promotions the customer cannot use:
// segment-gated rules the customer is not a member of, and rules whose
// usage limit is exhausted for the current day/week/month. With no
// customer id only ungated, unlimited rules survive.
func FilterPromotionsForCustomer(ctx context.Context, s Stores, merchantID, customerID string, promos []*Promotion, now time.Time) ([]*Promotion, error) {
	if len(promos) == 0 {
		return promos, nil
	}
	if customerID == "" {
		out := make([]*Promotion, 0, len(promos))
		for _, p := range promos {
			if p.SegmentID == "" && (p.UsageLimit == "" || p.UsageLimit == UsageUnlimited) {
				out = append(out, p)
			}
		}
		return out, nil
	}

	var usage map[string]*PromotionUsage
	for _, p := range promos {
		if p.UsageLimit != "" && p.UsageLimit != UsageUnlimited {
			stats, err := s.Promotions().ParticipantStats(ctx, merchantID, customerID)
			if err != nil {
				return nil, err
			}
			usage = stats
			break
		}
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	// Week starts on Monday.
	weekday := (int(startOfDay.Weekday()) + 6) % 7
	startOfWeek := startOfDay.AddDate(0, 0, -weekday)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	out := make([]*Promotion, 0, len(promos))
	for _, p := range promos {
		if p.SegmentID != "" {
			member, err := s.Promotions().InSegment(ctx, merchantID, p.SegmentID, customerID)
			if err != nil {
				return nil, err
			}
			if !member {
				continue
			}
		}
		if p.UsageLimit != "" && p.UsageLimit != UsageUnlimited {
			if blocked := usageExhausted(p.UsageLimit, usage[p.ID], startOfDay, startOfWeek, startOfMonth); blocked {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func usageExhausted(limit UsageLimit, stats *PromotionUsage, startOfDay, startOfWeek, startOfMonth time.Time) bool {
	if stats == nil {
		return false
	}
	hasPurchases := stats.PurchasesCount > 0
	last := stats.LastPurchaseAt
	if limit == UsageOncePerever {
		return hasPurchases || last != nil
	}
	if last == nil {
		// Counted purchases without a timestamp cannot be windowed;
		// treat as exhausted.
		return hasPurchases
	}
	switch limit {
	case UsageOncePerDay:
		return !last.Before(startOfDay)
	case UsageOncePerWeek:
		return !last.Before(startOfWeek)
	case UsageOncePerMonth:
		return !last.Before(startOfMonth)
	}
	return false
}

// =============================================================================
// PRODUCT READ MODEL
// =============================================================================

// Product is the catalog view the resolver needs. RedeemPercent caps
// how much of an item's amount may be paid with points (0..100).
type Product struct {
	ID            string
	CategoryID    string
	ExternalID    string
	Name          string
	AccruePoints  bool
	AllowRedeem   bool
	RedeemPercent int64
}
