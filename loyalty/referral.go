/*
referral.go - Referral reward chains and their refund compensation

PURPOSE:
  When a referred customer settles a qualifying purchase, the referral
  engine walks the referrer chain upward and credits each eligible level
  with a reward. Rewards are ordinary REFERRAL transactions tagged with
  a deterministic order id, which makes both idempotency probes and the
  refund-time rollback a prefix scan instead of extra bookkeeping.

ORDER TAGS:
  reward   referral_reward_<receiptId>_L<level>
  rollback referral_rollback_<receiptId>_L<level>

TRIGGER SEMANTICS:
  "first": only the referee's first qualifying purchase pays out; the
  link is completed afterwards. A refund of that purchase reopens the
  link unless another qualifying purchase exists by then.
  "all": every qualifying purchase pays out and the link stays open.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// READ MODEL
// =============================================================================

type ReferralProgramStatus string

const (
	ProgramActive   ReferralProgramStatus = "ACTIVE"
	ProgramInactive ReferralProgramStatus = "INACTIVE"
)

type ReferralStatus string

const (
	ReferralActivated ReferralStatus = "ACTIVATED"
	ReferralCompleted ReferralStatus = "COMPLETED"
)

type ReferralRewardType string

const (
	RewardFixed   ReferralRewardType = "FIXED"
	RewardPercent ReferralRewardType = "PERCENT"
)

type ReferralTrigger string

const (
	TriggerFirstPurchase ReferralTrigger = "first"
	TriggerAllPurchases  ReferralTrigger = "all"
)

// maxReferralDepth bounds the chain walk regardless of configuration.
const maxReferralDepth = 5

// ReferralLevelReward configures one level of a multi-level program.
type ReferralLevelReward struct {
	Level       int
	RewardType  ReferralRewardType
	RewardValue decimal.Decimal
	Enabled     bool
}

type ReferralProgram struct {
	ID         string
	MerchantID string
	Status     ReferralProgramStatus

	RewardTrigger     ReferralTrigger
	MinPurchaseAmount int64

	// Level 1 default, used when LevelRewards has no entry for it.
	ReferrerRewardType  ReferralRewardType
	ReferrerRewardValue decimal.Decimal

	MultiLevel   bool
	LevelRewards []ReferralLevelReward

	CreatedAt time.Time
}

// levelReward returns the reward configuration for a chain level, or
// nil when the level pays nothing. Level 1 is always enabled; deeper
// levels require MultiLevel and an enabled entry.
func (p *ReferralProgram) levelReward(level int) *ReferralLevelReward {
	var cfg *ReferralLevelReward
	for i := range p.LevelRewards {
		if p.LevelRewards[i].Level == level {
			cfg = &p.LevelRewards[i]
			break
		}
	}
	if level == 1 {
		if cfg != nil && cfg.Enabled {
			return cfg
		}
		if p.ReferrerRewardValue.Sign() > 0 {
			return &ReferralLevelReward{
				Level:       1,
				RewardType:  p.ReferrerRewardType,
				RewardValue: p.ReferrerRewardValue,
				Enabled:     true,
			}
		}
		return cfg
	}
	if !p.MultiLevel || cfg == nil || !cfg.Enabled {
		return nil
	}
	return cfg
}

// Referral links a referee to the referrer who invited them.
type Referral struct {
	ID         string
	MerchantID string
	ReferrerID string
	RefereeID  string
	Status     ReferralStatus

	CompletedAt    *time.Time
	PurchaseAmount int64

	CreatedAt time.Time
}

// =============================================================================
// ENGINE
// =============================================================================

// ReferralPurchase describes the settled purchase the rewards derive
// from. PurchaseAmount is the accrual-eligible total of the receipt.
type ReferralPurchase struct {
	MerchantID     string
	BuyerID        string
	PurchaseAmount int64
	ReceiptID      string
	OrderID        string
	OutletID       string
	StaffID        string
	DeviceID       string
}

type ReferralEngine struct {
	LedgerEnabled bool
	Clock         Clock
	Log           *slog.Logger
	Metrics       *Metrics
}

func (e *ReferralEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *ReferralEngine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func rewardOrderTag(receiptID string, level int) string {
	return fmt.Sprintf("referral_reward_%s_L%d", receiptID, level)
}

// rewardPoints converts a level configuration into points for the
// given purchase amount.
func rewardPoints(cfg *ReferralLevelReward, purchaseAmount int64) int64 {
	switch cfg.RewardType {
	case RewardPercent:
		return decimal.NewFromInt(purchaseAmount).
			Mul(cfg.RewardValue).
			Div(decimal.NewFromInt(100)).
			Floor().IntPart()
	default:
		return cfg.RewardValue.Floor().IntPart()
	}
}

// ApplyRewards walks the referrer chain of the buyer and credits every
// eligible level. Must run inside the caller's unit of work.
func (e *ReferralEngine) ApplyRewards(ctx context.Context, s Stores, purchase ReferralPurchase) error {
	program, err := s.Referrals().ActiveProgram(ctx, purchase.MerchantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if program.Status != ProgramActive {
		return nil
	}
	if purchase.PurchaseAmount <= 0 || purchase.PurchaseAmount < program.MinPurchaseAmount {
		return nil
	}

	direct, err := s.Referrals().FindByReferee(ctx, purchase.MerchantID, purchase.BuyerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if program.RewardTrigger != TriggerAllPurchases && direct.Status != ReferralActivated {
		return nil
	}

	now := e.now()
	link := direct
	for level := 1; level <= maxReferralDepth && link != nil; level++ {
		cfg := program.levelReward(level)
		if cfg != nil {
			points := rewardPoints(cfg, purchase.PurchaseAmount)
			if points > 0 {
				if err := e.creditReferrer(ctx, s, purchase, link.ReferrerID, level, points, now); err != nil {
					return err
				}
			}
		}
		next, ferr := s.Referrals().FindByReferee(ctx, purchase.MerchantID, link.ReferrerID)
		if ferr != nil {
			if errors.Is(ferr, ErrNotFound) {
				break
			}
			return ferr
		}
		link = next
	}

	if program.RewardTrigger != TriggerAllPurchases {
		if err := s.Referrals().Complete(ctx, direct.ID, now, purchase.PurchaseAmount); err != nil {
			return err
		}
	}
	return nil
}

func (e *ReferralEngine) creditReferrer(ctx context.Context, s Stores, purchase ReferralPurchase, referrerID string, level int, points int64, now time.Time) error {
	orderTag := rewardOrderTag(purchase.ReceiptID, level)
	exists, err := s.Transactions().ExistsByOrder(ctx, purchase.MerchantID, orderTag, TxnReferral)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	wallet, err := s.Wallets().Ensure(ctx, purchase.MerchantID, referrerID)
	if err != nil {
		return err
	}
	if err := s.Wallets().Increment(ctx, wallet.ID, points); err != nil {
		return err
	}
	if err := s.Transactions().Create(ctx, &Transaction{
		ID:         uuid.NewString(),
		MerchantID: purchase.MerchantID,
		CustomerID: referrerID,
		Type:       TxnReferral,
		Amount:     points,
		OrderID:    orderTag,
		OutletID:   purchase.OutletID,
		StaffID:    purchase.StaffID,
		DeviceID:   purchase.DeviceID,
		Metadata: map[string]string{
			"source":    "REFERRAL_REWARD",
			"receiptId": purchase.ReceiptID,
			"buyerId":   purchase.BuyerID,
			"level":     strconv.Itoa(level),
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if e.LedgerEnabled {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: purchase.MerchantID,
			CustomerID: referrerID,
			Debit:      AccountMerchantLiability,
			Credit:     AccountCustomerBalance,
			Amount:     points,
			OrderID:    orderTag,
			OutletID:   purchase.OutletID,
			StaffID:    purchase.StaffID,
			DeviceID:   purchase.DeviceID,
			Meta:       map[string]string{"mode": "REFERRAL"},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("referral", points)
	}
	e.log().Info("referral reward credited",
		"merchantId", purchase.MerchantID,
		"referrerId", referrerID,
		"level", level,
		"points", points,
		"receiptId", purchase.ReceiptID)
	return nil
}

// =============================================================================
// ROLLBACK - Compensation after a refund of the triggering purchase
// =============================================================================

// RollbackRewards claws back the rewards paid for a refunded receipt.
// Each reward gets a mirroring negative REFERRAL transaction; the
// rollback tag makes repeated rollbacks no-ops. With a "first" trigger
// the rollback is skipped entirely when the buyer still has another
// qualifying purchase. Must run inside the caller's unit of work.
func (e *ReferralEngine) RollbackRewards(ctx context.Context, s Stores, merchantID, buyerID, receiptID string) error {
	rewards, err := e.loadRewards(ctx, s, merchantID, receiptID)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		return nil
	}

	program, err := s.Referrals().ActiveProgram(ctx, merchantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if program != nil && program.RewardTrigger != TriggerAllPurchases {
		other, herr := s.Receipts().HasOtherActivePurchase(ctx, merchantID, buyerID, receiptID, program.MinPurchaseAmount)
		if herr != nil {
			return herr
		}
		if other {
			// The reward stands on the other purchase.
			return nil
		}
	}

	now := e.now()
	for _, reward := range rewards {
		if reward.Amount <= 0 || reward.CanceledAt != nil {
			continue
		}
		if err := e.rollbackReward(ctx, s, reward, receiptID, buyerID, now); err != nil {
			return err
		}
	}

	return e.reopenAfterRefund(ctx, s, merchantID, buyerID, program)
}

// loadRewards finds the REFERRAL transactions credited for the receipt,
// scanning by tag prefix and falling back to per-level lookups.
func (e *ReferralEngine) loadRewards(ctx context.Context, s Stores, merchantID, receiptID string) ([]*Transaction, error) {
	rewards, err := s.Transactions().ListByOrderPrefix(ctx, merchantID, TxnReferral, "referral_reward_"+receiptID)
	if err != nil {
		return nil, err
	}
	if len(rewards) > 0 {
		return rewards, nil
	}
	for level := 1; level <= maxReferralDepth; level++ {
		byTag, lerr := s.Transactions().ListByOrder(ctx, merchantID, rewardOrderTag(receiptID, level), TxnReferral)
		if lerr != nil {
			return nil, lerr
		}
		rewards = append(rewards, byTag...)
	}
	return rewards, nil
}

func (e *ReferralEngine) rollbackReward(ctx context.Context, s Stores, reward *Transaction, receiptID, buyerID string, now time.Time) error {
	rollbackTag := strings.Replace(reward.OrderID, "referral_reward_", "referral_rollback_", 1)
	exists, err := s.Transactions().ExistsByOrder(ctx, reward.MerchantID, rollbackTag, TxnReferral)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	wallet, err := s.Wallets().Ensure(ctx, reward.MerchantID, reward.CustomerID)
	if err != nil {
		return err
	}
	// Never push the referrer negative; claw back what is still there.
	amount := minInt64(wallet.Balance, reward.Amount)
	if amount > 0 {
		won, derr := s.Wallets().TryDecrement(ctx, wallet.ID, amount)
		if derr != nil {
			return derr
		}
		if !won {
			fresh, rerr := s.Wallets().Get(ctx, reward.MerchantID, reward.CustomerID)
			if rerr != nil {
				return rerr
			}
			amount = minInt64(fresh.Balance, reward.Amount)
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
		MerchantID: reward.MerchantID,
		CustomerID: reward.CustomerID,
		Type:       TxnReferral,
		Amount:     -amount,
		OrderID:    rollbackTag,
		OutletID:   reward.OutletID,
		StaffID:    reward.StaffID,
		DeviceID:   reward.DeviceID,
		Metadata: map[string]string{
			"source":                "REFERRAL_ROLLBACK",
			"originalOrderId":       reward.OrderID,
			"originalTransactionId": reward.ID,
			"receiptId":             receiptID,
			"buyerId":               buyerID,
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if e.LedgerEnabled && amount > 0 {
		if err := s.Ledger().Append(ctx, &LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: reward.MerchantID,
			CustomerID: reward.CustomerID,
			Debit:      AccountCustomerBalance,
			Credit:     AccountMerchantLiability,
			Amount:     amount,
			OrderID:    rollbackTag,
			OutletID:   reward.OutletID,
			StaffID:    reward.StaffID,
			DeviceID:   reward.DeviceID,
			Meta:       map[string]string{"mode": "REFERRAL_ROLLBACK"},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		e.Metrics.Ledger("referral_rollback", amount)
	}
	e.log().Info("referral reward rolled back",
		"merchantId", reward.MerchantID,
		"referrerId", reward.CustomerID,
		"points", amount,
		"receiptId", receiptID)
	return nil
}

// reopenAfterRefund flips the buyer's completed link back to ACTIVATED
// so a later purchase can trigger the reward again.
func (e *ReferralEngine) reopenAfterRefund(ctx context.Context, s Stores, merchantID, buyerID string, program *ReferralProgram) error {
	if program != nil && program.RewardTrigger == TriggerAllPurchases {
		return nil
	}
	link, err := s.Referrals().FindByReferee(ctx, merchantID, buyerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if link.Status != ReferralCompleted {
		return nil
	}
	return s.Referrals().Reopen(ctx, link.ID)
}
