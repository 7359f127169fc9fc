/*
positions.go - Raw order line items to priced, promotion-annotated positions

PURPOSE:
  Turns the POS payload (product/external ids, qty, price) into the
  resolved snapshot the engines settle against: catalog lookup by id or
  external-id mapping, eligibility flags, candidate promotions in
  priority order, integral per-item amounts.

PIPELINE:
  SanitizePositions -> Resolve -> (quote/commit) ApplyEarnAndRedeemToItems

  Point promotions attached by Resolve are candidates only; the winner
  (highest resulting points) is picked by ApplyEarnAndRedeemToItems once
  the redeem split is known. Precalculate is the separate POS-facing
  path that applies the pricing kinds (FIXED_PRICE, NTH_FREE row split).
*/
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one raw order line as submitted by the POS.
type Position struct {
	ProductID  string
	ExternalID string
	Name       string

	Qty   decimal.Decimal
	Price decimal.Decimal

	// BasePrice is the pre-promotion unit price when the POS already
	// applied a discount. Nil means "same as Price".
	BasePrice *decimal.Decimal

	// AccruePoints overrides the catalog flag when set.
	AccruePoints *bool

	// ActionIDs / ActionNames restrict promotion matching to the
	// promotions the POS explicitly requested.
	ActionIDs   []string
	ActionNames []string
}

// ResolvedPosition is the settled view of one line item. EarnPoints and
// RedeemAmount start at zero and are filled by ApplyEarnAndRedeemToItems.
type ResolvedPosition struct {
	ProductID  string
	CategoryID string
	ExternalID string
	Name       string

	Qty       decimal.Decimal
	Price     decimal.Decimal
	BasePrice decimal.Decimal
	Amount    int64

	AccruePoints    bool
	AllowEarnAndPay bool
	RedeemPercent   int64

	// PointPromotions are the POINTS_MULTIPLIER candidates for this
	// item; AppliedPromotionIDs are the non-point promotions that
	// matched (recorded for metrics, pricing already reflected).
	PointPromotions     []*Promotion
	AppliedPromotionIDs []string

	// Winner bookkeeping, filled by ApplyEarnAndRedeemToItems.
	PointPromotionID     string
	PromotionMultiplier  decimal.Decimal
	PromotionPointsBonus int64

	EarnPoints   int64
	RedeemAmount int64
}

// PositionResolver resolves raw positions against the catalog and the
// active promotion set.
type PositionResolver struct {
	Clock   Clock
	Context CustomerContextService
}

func (r *PositionResolver) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now().UTC()
}

// SanitizePositions drops unusable lines (qty <= 0, negative price) and
// trims identifiers. Order is preserved.
func SanitizePositions(items []Position) []Position {
	out := make([]Position, 0, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.ExternalID = strings.TrimSpace(item.ExternalID)
		item.Name = strings.TrimSpace(item.Name)
		if item.Qty.Sign() <= 0 || item.Price.Sign() < 0 {
			continue
		}
		if item.ProductID == "" && item.ExternalID == "" && item.Name == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// itemAmount is round(price * qty), clamped non-negative.
func itemAmount(price, qty decimal.Decimal) int64 {
	amount := price.Mul(qty).Round(0).IntPart()
	return clampNonNegative(amount)
}

// Resolve looks up products, loads and filters promotions, and builds
// the resolved snapshot. allowAutoPromotions=false keeps promotion
// matching to the explicitly requested action ids/names only.
func (r *PositionResolver) Resolve(ctx context.Context, s Stores, merchantID, customerID string, items []Position, allowAutoPromotions bool) ([]*ResolvedPosition, error) {
	normalized := SanitizePositions(items)
	if len(normalized) == 0 {
		return nil, nil
	}

	productIDs := make([]string, 0, len(normalized))
	externalIDs := make([]string, 0, len(normalized))
	seenProduct := map[string]bool{}
	seenExternal := map[string]bool{}
	for _, item := range normalized {
		if item.ProductID != "" && !seenProduct[item.ProductID] {
			seenProduct[item.ProductID] = true
			productIDs = append(productIDs, item.ProductID)
		}
		if item.ExternalID != "" && !seenExternal[item.ExternalID] {
			seenExternal[item.ExternalID] = true
			externalIDs = append(externalIDs, item.ExternalID)
		}
	}

	byID := map[string]*Product{}
	if len(productIDs) > 0 {
		found, err := s.Products().FindByIDs(ctx, merchantID, productIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve products: %w", err)
		}
		byID = found
	}
	byExternal := map[string]*Product{}
	if len(externalIDs) > 0 {
		found, err := s.Products().FindByExternalIDs(ctx, merchantID, externalIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve external products: %w", err)
		}
		byExternal = found
	}

	now := r.now()
	promos, err := s.Promotions().ListActive(ctx, merchantID, now)
	if err != nil {
		return nil, fmt.Errorf("load promotions: %w", err)
	}
	if customerID != "" && r.Context != nil {
		if _, err := r.Context.EnsureContext(ctx, merchantID, customerID); err != nil {
			return nil, err
		}
	}
	promos, err = FilterPromotionsForCustomer(ctx, s, merchantID, customerID, promos, now)
	if err != nil {
		return nil, err
	}

	var pointPromos []*Promotion
	for _, p := range promos {
		if p.Kind == PromoPointsMultiplier {
			pointPromos = append(pointPromos, p)
		}
	}

	resolved := make([]*ResolvedPosition, 0, len(normalized))
	for _, item := range normalized {
		amount := itemAmount(item.Price, item.Qty)
		if amount <= 0 {
			continue
		}
		product := byID[item.ProductID]
		if product == nil && item.ExternalID != "" {
			product = byExternal[item.ExternalID]
		}

		requestedIDs := trimmedSet(item.ActionIDs, false)
		requestedNames := trimmedSet(item.ActionNames, true)
		hasRequested := len(requestedIDs) > 0 || len(requestedNames) > 0
		shouldApply := hasRequested || allowAutoPromotions

		isRequested := func(p *Promotion) bool {
			if requestedIDs[p.ID] {
				return true
			}
			return p.Name != "" && requestedNames[strings.ToLower(strings.TrimSpace(p.Name))]
		}

		pos := &ResolvedPosition{
			ExternalID:          item.ExternalID,
			Name:                item.Name,
			Qty:                 item.Qty,
			Price:               item.Price,
			BasePrice:           item.Price,
			Amount:              amount,
			AccruePoints:        true,
			AllowEarnAndPay:     true,
			RedeemPercent:       100,
			PromotionMultiplier: decimal.NewFromInt(1),
		}
		if item.BasePrice != nil && item.BasePrice.Sign() >= 0 {
			pos.BasePrice = *item.BasePrice
		}
		if product != nil {
			pos.ProductID = product.ID
			pos.CategoryID = product.CategoryID
			pos.AccruePoints = product.AccruePoints
			pos.AllowEarnAndPay = product.AllowRedeem
			pos.RedeemPercent = normalizePercent(product.RedeemPercent)
			if pos.Name == "" {
				pos.Name = product.Name
			}
		}
		if item.AccruePoints != nil {
			pos.AccruePoints = *item.AccruePoints
		}

		if shouldApply {
			for _, p := range sortedByPriority(promos) {
				if !p.Matches(pos.ProductID, pos.CategoryID) {
					continue
				}
				if hasRequested && !isRequested(p) {
					continue
				}
				switch p.Kind {
				case PromoNthFree:
					if p.FreeUnits(item.Qty) <= 0 {
						continue
					}
				case PromoPointsMultiplier, PromoFixedPrice:
				default:
					continue
				}
				pos.AppliedPromotionIDs = append(pos.AppliedPromotionIDs, p.ID)
			}
			for _, p := range pointPromos {
				if !p.Matches(pos.ProductID, pos.CategoryID) {
					continue
				}
				if hasRequested && !isRequested(p) {
					continue
				}
				pos.PointPromotions = append(pos.PointPromotions, p)
			}
		}
		resolved = append(resolved, pos)
	}
	return resolved, nil
}

func trimmedSet(values []string, lower bool) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		set[v] = true
	}
	return set
}

func sortedByPriority(promos []*Promotion) []*Promotion {
	out := make([]*Promotion, len(promos))
	copy(out, promos)
	// Stable insertion sort; promotion lists are small and store order
	// is the tie-breaker.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Kind.Priority() < out[j-1].Kind.Priority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func normalizePercent(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// =============================================================================
// TOTALS
// =============================================================================

// ComputeTotals derives (total, eligible) from the resolved positions,
// falling back to the request total when no positions resolved.
// Eligible sums accruing items only and never exceeds the total.
func ComputeTotals(fallbackTotal int64, positions []*ResolvedPosition) (total, eligible int64) {
	base := clampNonNegative(fallbackTotal)
	if len(positions) == 0 {
		return base, base
	}
	var itemsTotal, accruing int64
	for _, pos := range positions {
		amount := clampNonNegative(pos.Amount)
		itemsTotal += amount
		if pos.AccruePoints {
			accruing += amount
		}
	}
	total = itemsTotal
	if total <= 0 {
		total = base
	}
	eligible = accruing
	if eligible > total {
		eligible = total
	}
	return total, eligible
}

// =============================================================================
// REDEEM CAPS + EARN/REDEEM APPLICATION
// =============================================================================

// ComputeRedeemCaps returns the per-item redeem ceiling: zero for items
// that cannot be part-paid with points, else floor(amount*percent/100).
func ComputeRedeemCaps(items []*ResolvedPosition) []int64 {
	caps := make([]int64, len(items))
	for i, item := range items {
		if !item.AllowEarnAndPay {
			continue
		}
		amount := clampNonNegative(item.Amount)
		if amount <= 0 {
			continue
		}
		caps[i] = amount * normalizePercent(item.RedeemPercent) / 100
	}
	return caps
}

// ApplyEarnAndRedeemToItems splits the redeem discount across items
// under their caps, then computes per-item earn on the post-redeem
// residual: floor(residual*earnBps/10000) boosted by the best point
// promotion (multiplier / percent-of-residual / fixed-per-unit).
// Mutates the items in place and returns the total earn.
func ApplyEarnAndRedeemToItems(items []*ResolvedPosition, earnBps, discount int64, allowEarn bool) int64 {
	if len(items) == 0 {
		return 0
	}
	amounts := make([]int64, len(items))
	for i, item := range items {
		amounts[i] = clampNonNegative(item.Amount)
	}
	caps := ComputeRedeemCaps(items)
	var capsTotal int64
	for _, c := range caps {
		capsTotal += c
	}
	redeemTarget := clampNonNegative(discount)
	if redeemTarget > capsTotal {
		redeemTarget = capsTotal
	}
	shares := AllocateProRataWithCaps(amounts, caps, redeemTarget)

	var totalEarn int64
	for i, item := range items {
		redeemShare := shares[i]
		item.RedeemAmount = redeemShare

		itemAllowsEarn := allowEarn && item.AccruePoints
		if !itemAllowsEarn {
			item.EarnPoints = 0
			item.PromotionPointsBonus = 0
			continue
		}
		earnBase := clampNonNegative(item.Amount - redeemShare)
		basePoints := earnBase * earnBps / 10000

		itemEarn := basePoints
		var winner *Promotion
		if len(item.PointPromotions) > 0 {
			var best int64
			for _, p := range item.PointPromotions {
				if p.Kind != PromoPointsMultiplier {
					continue
				}
				points := promoPoints(p, basePoints, earnBase, item.Qty)
				if points > best {
					best = points
					winner = p
				}
			}
			itemEarn = clampNonNegative(best)
		} else if item.PromotionMultiplier.Sign() > 0 {
			itemEarn = decimal.NewFromInt(basePoints).Mul(item.PromotionMultiplier).Floor().IntPart()
		}

		if winner != nil {
			item.PointPromotionID = winner.ID
			if winner.PointsRuleType == PointsRuleMultiplier && winner.PointsValue.Sign() > 0 {
				item.PromotionMultiplier = winner.PointsValue
			} else {
				item.PromotionMultiplier = decimal.NewFromInt(1)
			}
		} else if item.PromotionMultiplier.Sign() <= 0 {
			item.PromotionMultiplier = decimal.NewFromInt(1)
		}
		item.PromotionPointsBonus = clampNonNegative(itemEarn - basePoints)
		item.EarnPoints = itemEarn
		totalEarn += itemEarn
	}
	return totalEarn
}

// promoPoints evaluates one POINTS_MULTIPLIER candidate.
func promoPoints(p *Promotion, basePoints, earnBase int64, qty decimal.Decimal) int64 {
	switch p.PointsRuleType {
	case PointsRulePercent:
		if p.PointsValue.Sign() > 0 {
			return decimal.NewFromInt(earnBase).Mul(p.PointsValue).Div(decimal.NewFromInt(100)).Floor().IntPart()
		}
	case PointsRuleFixed:
		if p.PointsValue.Sign() > 0 {
			return p.PointsValue.Mul(qty).Floor().IntPart()
		}
	default: // multiplier
		if p.PointsValue.Sign() > 0 {
			return decimal.NewFromInt(basePoints).Mul(p.PointsValue).Floor().IntPart()
		}
	}
	return basePoints
}

// =============================================================================
// PRECALCULATE - POS-facing pricing preview (FIXED_PRICE, NTH_FREE split)
// =============================================================================

// PrecalcLine is one output row of the pricing preview. NTH_FREE rules
// split a line into a zero-priced free row and a paid row.
type PrecalcLine struct {
	ProductID    string
	Name         string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	BasePrice    *decimal.Decimal
	PromotionIDs []string
}

// Precalculate applies the pricing promotion kinds to the positions and
// returns the adjusted rows plus human-readable info messages. It never
// persists anything; the POS uses it to render the cart before quoting.
func (r *PositionResolver) Precalculate(ctx context.Context, s Stores, merchantID, customerID string, items []Position) ([]PrecalcLine, []string, error) {
	resolved, err := r.Resolve(ctx, s, merchantID, customerID, items, true)
	if err != nil {
		return nil, nil, err
	}
	now := r.now()
	promos, err := s.Promotions().ListActive(ctx, merchantID, now)
	if err != nil {
		return nil, nil, err
	}
	promos, err = FilterPromotionsForCustomer(ctx, s, merchantID, customerID, promos, now)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*Promotion, len(promos))
	for _, p := range promos {
		byID[p.ID] = p
	}

	var lines []PrecalcLine
	var info []string
	seenInfo := map[string]bool{}
	addInfo := func(msg string) {
		if !seenInfo[msg] {
			seenInfo[msg] = true
			info = append(info, msg)
		}
	}

	for _, pos := range resolved {
		label := pos.Name
		if label == "" {
			label = pos.ProductID
		}
		unitPrice := pos.Price
		var freebies int64
		allIDs := make([]string, 0, len(pos.AppliedPromotionIDs))
		paidIDs := make([]string, 0, len(pos.AppliedPromotionIDs))
		for _, id := range pos.AppliedPromotionIDs {
			p := byID[id]
			if p == nil {
				continue
			}
			switch p.Kind {
			case PromoFixedPrice:
				unitPrice = p.FixedPrice
				allIDs = append(allIDs, id)
				paidIDs = append(paidIDs, id)
				addInfo(fmt.Sprintf("promotion %q: fixed price %s for %q", p.Name, p.FixedPrice.String(), label))
			case PromoNthFree:
				free := p.FreeUnits(pos.Qty)
				if free <= 0 {
					continue
				}
				if qtyInt := pos.Qty.IntPart(); free > qtyInt {
					free = qtyInt
				}
				freebies = free
				allIDs = append(allIDs, id)
				addInfo(fmt.Sprintf("promotion %q: %d free of %q", p.Name, free, label))
			case PromoPointsMultiplier:
				allIDs = append(allIDs, id)
				paidIDs = append(paidIDs, id)
				addInfo(fmt.Sprintf("promotion %q applies to %q", p.Name, label))
			}
		}

		base := basePriceIfChanged(pos.BasePrice, unitPrice, len(allIDs) > 0)
		qtyInt := pos.Qty.IntPart()
		if freebies > 0 && freebies < qtyInt {
			lines = append(lines,
				PrecalcLine{
					ProductID:    pos.ProductID,
					Name:         pos.Name,
					Qty:          decimal.NewFromInt(freebies),
					Price:        decimal.Zero,
					BasePrice:    basePriceIfChanged(pos.BasePrice, decimal.Zero, true),
					PromotionIDs: allIDs,
				},
				PrecalcLine{
					ProductID:    pos.ProductID,
					Name:         pos.Name,
					Qty:          decimal.NewFromInt(qtyInt - freebies),
					Price:        unitPrice,
					BasePrice:    base,
					PromotionIDs: paidIDs,
				})
			continue
		}
		if freebies > 0 {
			lines = append(lines, PrecalcLine{
				ProductID:    pos.ProductID,
				Name:         pos.Name,
				Qty:          pos.Qty,
				Price:        decimal.Zero,
				BasePrice:    basePriceIfChanged(pos.BasePrice, decimal.Zero, true),
				PromotionIDs: allIDs,
			})
			continue
		}
		lines = append(lines, PrecalcLine{
			ProductID:    pos.ProductID,
			Name:         pos.Name,
			Qty:          pos.Qty,
			Price:        unitPrice,
			BasePrice:    base,
			PromotionIDs: allIDs,
		})
	}
	return lines, info, nil
}

func basePriceIfChanged(original, current decimal.Decimal, anyApplied bool) *decimal.Decimal {
	if anyApplied && !current.Equal(original) {
		return &original
	}
	return nil
}
