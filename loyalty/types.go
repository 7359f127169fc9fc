/*
Package loyalty provides the core points-ledger transaction engine.

PURPOSE:
  This package contains the domain types and algorithms for a retail
  loyalty program: quoting, holding, committing and refunding point
  accrual ("earn") and redemption ("burn") against a customer's wallet,
  multi-tenant by merchant.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet:      The single balance per (merchant, customer, POINTS)
  - Hold:        An immutable proposal for one order (quote output)
  - Receipt:     The durable settlement record, unique per (merchant, order)
  - Transaction: An immutable ledger-adjacent event (EARN/REDEEM/REFUND)
  - EarnLot:     A batch of points with independent maturation/expiry
  - LedgerEntry: Optional double-entry mirror for reconciliation

DESIGN PRINCIPLES:
  1. Integer money: all monetary/point amounts are non-negative int64
     minor units; rates are basis points (1/10000)
  2. Immutability: receipts and transactions are never edited, only
     compensated (refund transactions, canceledAt soft-cancel)
  3. Merchant scoping: every entity carries MerchantID and every store
     query is merchant-scoped
  4. Precision: item qty/price snapshots use decimal.Decimal to avoid
     floating-point drift; aggregates stay integral

SEE ALSO:
  - store.go: Persistence interfaces and the UnitOfWork capability
  - quote.go / commit.go / refund.go: The three engine entry points
  - allocation.go: Pro-rata and weighted distribution algorithms
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// HoldMode says whether a hold proposes to burn or to accrue points.
type HoldMode string

const (
	ModeEarn   HoldMode = "EARN"
	ModeRedeem HoldMode = "REDEEM"
)

// HoldStatus transitions PENDING -> {COMMITTED, CANCELED}, never back.
type HoldStatus string

const (
	HoldPending   HoldStatus = "PENDING"
	HoldCommitted HoldStatus = "COMMITTED"
	HoldCanceled  HoldStatus = "CANCELED"
)

type TxnType string

const (
	TxnEarn     TxnType = "EARN"
	TxnRedeem   TxnType = "REDEEM"
	TxnRefund   TxnType = "REFUND"
	TxnReferral TxnType = "REFERRAL"
	TxnExpire   TxnType = "EXPIRE"
)

type WalletType string

const WalletPoints WalletType = "POINTS"

type LotStatus string

const (
	// LotPending holds deferred points that have not matured into the
	// wallet yet (earnDelayDays > 0 at commit time).
	LotPending LotStatus = "PENDING"
	LotActive  LotStatus = "ACTIVE"
)

// LedgerAccount names the two sides of the double-entry mirror.
type LedgerAccount string

const (
	AccountCustomerBalance   LedgerAccount = "CUSTOMER_BALANCE"
	AccountMerchantLiability LedgerAccount = "MERCHANT_LIABILITY"
)

// =============================================================================
// WALLET - One balance per (merchant, customer, type)
// =============================================================================

type Wallet struct {
	ID         string
	MerchantID string
	CustomerID string
	Type       WalletType
	Balance    int64
	CreatedAt  time.Time
}

// =============================================================================
// HOLD - Proposal for one order, anchored to an optional QR token
// =============================================================================

type Hold struct {
	ID           string
	MerchantID   string
	CustomerID   string
	Mode         HoldMode
	RedeemAmount int64
	EarnPoints   int64
	OrderID      string
	Total        int64
	EligibleTotal int64

	// QrJti is the single-use QR token id the hold is anchored to.
	// Unique when present; this is the anti-replay handle.
	QrJti     string
	ExpiresAt *time.Time

	Status    HoldStatus
	OutletID  string
	StaffID   string
	DeviceID  string
	ReceiptID string
	CreatedAt time.Time
}

// Expired reports whether the hold's QR-derived deadline has passed.
// Expiry is checked lazily on access, never swept.
func (h *Hold) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && h.ExpiresAt.Before(now)
}

// HoldItem is the resolved line-item snapshot attached to a hold.
// Hold items are replaced wholesale on every hold mutation.
type HoldItem struct {
	ID         string
	HoldID     string
	MerchantID string

	ProductID  string
	CategoryID string
	ExternalID string
	Name       string

	Qty    decimal.Decimal
	Price  decimal.Decimal
	Amount int64

	EarnPoints   int64
	RedeemAmount int64

	// Promotion metadata. PromotionMultiplier is persisted scaled by
	// 10000 (round(m*10000)); 0 means "not set" and reads back as 1x.
	PromotionID          string
	AppliedPromotionIDs  []string
	PointPromotionID     string
	PromotionMultiplier  int64
	PromotionPointsBonus int64
	BasePrice            decimal.Decimal

	AccruePoints bool
}

// =============================================================================
// RECEIPT - Durable settlement record, unique per (merchant, order)
// =============================================================================

type Receipt struct {
	ID            string
	MerchantID    string
	CustomerID    string
	OrderID       string
	ReceiptNumber string
	Total         int64
	EligibleTotal int64
	RedeemApplied int64
	EarnApplied   int64
	OutletID      string
	StaffID       string
	DeviceID      string
	CanceledAt    *time.Time
	CreatedAt     time.Time
}

// ReceiptItem is the per-line breakdown of applied redeem/earn, derived
// by the allocation algorithms at commit time.
type ReceiptItem struct {
	ID         string
	ReceiptID  string
	MerchantID string

	ProductID  string
	CategoryID string
	ExternalID string
	Name       string

	Qty    decimal.Decimal
	Price  decimal.Decimal
	Amount int64

	EarnApplied   int64
	RedeemApplied int64

	PromotionID          string
	AppliedPromotionIDs  []string
	PointPromotionID     string
	PromotionMultiplier  int64
	PromotionPointsBonus int64
	BasePrice            decimal.Decimal
}

// =============================================================================
// TRANSACTION - Immutable ledger-adjacent event
// =============================================================================

// Transaction amounts are signed: EARN and restore-REFUND are positive,
// REDEEM and revoke-REFUND are negative. Time-windowed sums over
// transactions drive the cooldown and daily-cap antifraud gates.
type Transaction struct {
	ID         string
	MerchantID string
	CustomerID string
	Type       TxnType
	Amount     int64
	OrderID    string
	OutletID   string
	StaffID    string
	DeviceID   string
	Metadata   map[string]string
	CanceledAt *time.Time
	CreatedAt  time.Time
}

// TransactionItem mirrors a receipt item under a specific transaction.
type TransactionItem struct {
	ID            string
	TransactionID string
	ReceiptItemID string
	MerchantID    string

	ProductID  string
	CategoryID string
	ExternalID string
	Name       string

	Qty    decimal.Decimal
	Price  decimal.Decimal
	Amount int64

	EarnAmount   *int64
	RedeemAmount *int64

	PromotionID         string
	PromotionMultiplier int64
}

// =============================================================================
// EARN LOT - Batch of points with independent maturation/expiry
// =============================================================================

// EarnLot invariant: 0 <= ConsumedPoints <= Points, always. Lots are
// consumed oldest-first by EarnedAt whenever points are redeemed.
type EarnLot struct {
	ID             string
	MerchantID     string
	CustomerID     string
	Points         int64
	ConsumedPoints int64
	EarnedAt       time.Time
	MaturesAt      *time.Time
	ExpiresAt      *time.Time
	OrderID        string
	ReceiptID      string
	OutletID       string
	StaffID        string
	DeviceID       string
	Status         LotStatus
	CreatedAt      time.Time
}

// Remaining returns the unconsumed points in the lot.
func (l *EarnLot) Remaining() int64 {
	if l.ConsumedPoints >= l.Points {
		return 0
	}
	return l.Points - l.ConsumedPoints
}

// =============================================================================
// LEDGER ENTRY - Double-entry mirror, purely additive
// =============================================================================

type LedgerEntry struct {
	ID         string
	MerchantID string
	CustomerID string
	Debit      LedgerAccount
	Credit     LedgerAccount
	Amount     int64
	OrderID    string
	OutletID   string
	StaffID    string
	DeviceID   string
	Meta       map[string]string
	CreatedAt  time.Time
}

// =============================================================================
// QR NONCE - Anti-replay mark for quote tokens
// =============================================================================

// QrNonce marks a QR token as used. The mark is written outside the
// hold transaction so it survives a rollback of the quote itself.
type QrNonce struct {
	Jti        string
	MerchantID string
	CustomerID string
	IssuedAt   time.Time
	ExpiresAt  *time.Time
	UsedAt     *time.Time
}

// =============================================================================
// OUTBOX EVENT - Fire-and-forget event emission
// =============================================================================

type OutboxEvent struct {
	ID         string
	MerchantID string
	EventType  string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Outbox event types emitted by the engines.
const (
	EventCommit        = "loyalty.commit"
	EventRefund        = "loyalty.refund"
	EventEarnScheduled = "loyalty.earn.scheduled"
	EventLotMatured    = "loyalty.earnlot.matured"
	EventLotExpired    = "loyalty.earnlot.expired"
	EventLotConsumed   = "loyalty.earnlot.consumed"
	EventLotUnconsumed = "loyalty.earnlot.unconsumed"
	EventLotRevoked    = "loyalty.earnlot.revoked"
	EventStaffNotify   = "notify.staff"
)

// =============================================================================
// MERCHANT SETTINGS
// =============================================================================

// MerchantSettings carries the per-merchant program configuration the
// engines consult. Zero-valued caps/cooldowns mean "disabled".
type MerchantSettings struct {
	MerchantID        string
	EarnBps           int64
	RedeemLimitBps    int64
	RedeemCooldownSec int64
	EarnCooldownSec   int64
	RedeemDailyCap    int64
	EarnDailyCap      int64
	EarnDelayDays     int64
	PointsTTLDays     int64

	// AllowEarnRedeemSameReceipt enables the post-redeem "extra earn"
	// on the residual payable within a single receipt.
	AllowEarnRedeemSameReceipt bool

	UpdatedAt time.Time
}

// DefaultSettings is applied when a merchant has no stored settings row.
func DefaultSettings(merchantID string) MerchantSettings {
	return MerchantSettings{
		MerchantID:     merchantID,
		EarnBps:        300,
		RedeemLimitBps: 5000,
	}
}
