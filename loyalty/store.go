/*
store.go - Persistence interfaces and the unit-of-work capability

PURPOSE:
  Defines the boundary between the engines and the database. Each
  entity gets a narrow store interface; Stores bundles them so an
  engine can reach every table through one handle; UnitOfWork is the
  atomicity capability that runs a closure over a transactional Stores
  view.

KEY INTERFACES:
  Stores:     Bundle of per-entity stores (wallets, holds, receipts...)
  UnitOfWork: Stores + Within(ctx, fn) for atomic multi-table writes
  Clock:      Injectable time source (engines never call time.Now)

CONDITIONAL UPDATES AS LOCKS:
  The contended mutations are expressed as conditional updates that
  report whether they won:
  - WalletStore.TryDecrement: balance >= amount guard
  - HoldStore.Claim:          status = PENDING guard
  - ReceiptStore.ClaimCancel: canceledAt IS NULL guard
  - QrNonceStore.MarkUsed:    usedAt IS NULL guard
  Engines treat a lost conditional update as "someone else got here
  first" and resolve it with an idempotent re-probe, never a blind
  retry loop.

IMMUTABILITY:
  Receipts and transactions are never edited in place. The only
  mutations are the soft-cancel claims above and the additive
  EarnLot.ConsumedPoints counter. Corrections are compensating
  transactions.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go:  Production SQLite

SEE ALSO:
  - quote.go / commit.go / refund.go: The engines driving these stores
  - lots.go: LotLedger, the only writer of EarnLot.ConsumedPoints
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts the time source so tests can pin "now".
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall-clock Clock used in production wiring.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// PER-ENTITY STORES
// =============================================================================

// WalletStore manages the single POINTS balance per (merchant, customer).
type WalletStore interface {
	// Get returns the wallet or ErrNotFound.
	Get(ctx context.Context, merchantID, customerID string) (*Wallet, error)

	// Ensure returns the wallet, creating it with a zero balance first
	// if the customer has none yet.
	Ensure(ctx context.Context, merchantID, customerID string) (*Wallet, error)

	// Increment adds amount to the balance unconditionally.
	Increment(ctx context.Context, walletID string, amount int64) error

	// TryDecrement subtracts amount only when balance >= amount and
	// reports whether the guard held. The balance never goes negative.
	TryDecrement(ctx context.Context, walletID string, amount int64) (bool, error)
}

// HoldStore manages quote holds and their line-item snapshots.
type HoldStore interface {
	// Create persists a new PENDING hold. Returns ErrDuplicateKey when
	// the hold's QrJti is already taken (anti-replay unique index).
	Create(ctx context.Context, hold *Hold) error

	Get(ctx context.Context, id string) (*Hold, error)

	// GetByQrJti finds the hold anchored to a QR token, or ErrNotFound.
	GetByQrJti(ctx context.Context, merchantID, jti string) (*Hold, error)

	// FindPendingByOrder finds the customer's PENDING hold of the given
	// mode bound to an order, or ErrNotFound.
	FindPendingByOrder(ctx context.Context, merchantID, customerID, orderID string, mode HoldMode) (*Hold, error)

	// Claim transitions PENDING -> COMMITTED when the hold is still
	// PENDING and its order id is unset or equals orderID. Reports
	// whether this caller won the claim.
	Claim(ctx context.Context, id, orderID string) (bool, error)

	// Cancel transitions PENDING -> CANCELED. Reports whether this
	// caller won; an already-finished hold loses.
	Cancel(ctx context.Context, id string) (bool, error)

	// SetOutlet corrects the outlet on a still-PENDING hold.
	SetOutlet(ctx context.Context, id, outletID string) error

	// SetReceipt back-fills the receipt id after commit.
	SetReceipt(ctx context.Context, id, receiptID string) error

	// UpdateTotals rewrites the hold's totals when a commit-time
	// positions override changed them.
	UpdateTotals(ctx context.Context, id string, total, eligible int64) error

	// ReplaceItems swaps the hold's item snapshot wholesale.
	ReplaceItems(ctx context.Context, holdID string, items []*HoldItem) error

	ListItems(ctx context.Context, holdID string) ([]*HoldItem, error)
}

// ReceiptStore manages settlement records. The (MerchantID, OrderID)
// unique index is the commit idempotency anchor.
type ReceiptStore interface {
	// Create persists a receipt. Returns ErrDuplicateKey when the
	// (merchant, order) pair already has one.
	Create(ctx context.Context, receipt *Receipt) error

	Get(ctx context.Context, merchantID, id string) (*Receipt, error)

	// GetByOrder returns the receipt for an order or ErrNotFound.
	GetByOrder(ctx context.Context, merchantID, orderID string) (*Receipt, error)

	// ClaimCancel sets CanceledAt when it is still null. Reports
	// whether this caller won the refund claim.
	ClaimCancel(ctx context.Context, id string, at time.Time) (bool, error)

	// HasOtherActivePurchase reports whether the customer has another
	// non-canceled, non-refunded receipt with total >= minTotal,
	// excluding the given receipt. Drives referral rollback skipping.
	HasOtherActivePurchase(ctx context.Context, merchantID, customerID, excludeReceiptID string, minTotal int64) (bool, error)

	CreateItems(ctx context.Context, items []*ReceiptItem) error

	ListItems(ctx context.Context, receiptID string) ([]*ReceiptItem, error)
}

// TransactionStore manages the immutable event records. Time-windowed
// sums over transactions drive the cooldown and daily-cap gates.
type TransactionStore interface {
	Create(ctx context.Context, txn *Transaction) error

	CreateItems(ctx context.Context, items []*TransactionItem) error

	// LastAt returns the creation time of the newest non-canceled
	// transaction of the given type, or nil when there is none.
	// requireOrder restricts the scan to order-tagged transactions,
	// excluding registration bonuses and similar orderless grants.
	LastAt(ctx context.Context, merchantID, customerID string, typ TxnType, requireOrder bool) (*time.Time, error)

	// SumSince returns the sum of absolute amounts of non-canceled
	// transactions of the given type created at or after since.
	SumSince(ctx context.Context, merchantID, customerID string, typ TxnType, since time.Time, requireOrder bool) (int64, error)

	// ListByOrder returns non-canceled transactions for an order,
	// optionally filtered to one type (empty typ means all).
	ListByOrder(ctx context.Context, merchantID, orderID string, typ TxnType) ([]*Transaction, error)

	// ListByOrderPrefix returns non-canceled transactions of the given
	// type whose order id starts with prefix. Referral rollback scans
	// reward transactions this way.
	ListByOrderPrefix(ctx context.Context, merchantID string, typ TxnType, prefix string) ([]*Transaction, error)

	// ExistsByOrder reports whether any transaction of the given type
	// carries exactly this order id. Used as the rollback idempotency
	// probe.
	ExistsByOrder(ctx context.Context, merchantID, orderID string, typ TxnType) (bool, error)

	// ListByCustomer returns the customer's transactions newest-first,
	// capped at limit (0 means a store-chosen default).
	ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*Transaction, error)

	// MarkCanceled soft-cancels a transaction.
	MarkCanceled(ctx context.Context, id string, at time.Time) error
}

// EarnLotStore manages time-boxed point batches. The only mutation is
// the additive ConsumedPoints counter plus the PENDING->ACTIVE flip.
type EarnLotStore interface {
	Create(ctx context.Context, lot *EarnLot) error

	// ListActive returns ACTIVE lots ordered by EarnedAt ascending.
	ListActive(ctx context.Context, merchantID, customerID string) ([]*EarnLot, error)

	// ListConsumed returns ACTIVE lots with ConsumedPoints > 0.
	ListConsumed(ctx context.Context, merchantID, customerID string) ([]*EarnLot, error)

	// ListForRevoke returns ACTIVE lots scoped to the receipt or order
	// being refunded; when both ids are empty, all ACTIVE lots.
	ListForRevoke(ctx context.Context, merchantID, customerID, receiptID, orderID string) ([]*EarnLot, error)

	// ListPendingByOrder returns PENDING (not yet matured) lots tied
	// to an order.
	ListPendingByOrder(ctx context.Context, merchantID, customerID, orderID string) ([]*EarnLot, error)

	// ListMatured returns up to limit PENDING lots across all merchants
	// whose MaturesAt has passed, oldest first. The maturation sweep
	// activates these into wallet balance.
	ListMatured(ctx context.Context, now time.Time, limit int) ([]*EarnLot, error)

	// ListExpired returns up to limit ACTIVE lots across all merchants
	// whose ExpiresAt has passed and that still hold unconsumed points,
	// oldest expiry first. The expiry sweep burns these remainders.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*EarnLot, error)

	// AddConsumed adds delta (may be negative) to ConsumedPoints.
	AddConsumed(ctx context.Context, id string, delta int64) error

	// Activate flips a PENDING lot to ACTIVE with the given consumed
	// count. Refund uses it to neutralize scheduled earns.
	Activate(ctx context.Context, id string, consumedPoints int64, at time.Time) error

	// AttachReceipt back-fills the receipt id on freshly created lots.
	AttachReceipt(ctx context.Context, lotIDs []string, receiptID string) error
}

// LedgerStore appends double-entry mirror rows. Append-only.
type LedgerStore interface {
	Append(ctx context.Context, entry *LedgerEntry) error
}

// OutboxStore appends fire-and-forget events. Append-only.
type OutboxStore interface {
	Append(ctx context.Context, merchantID, eventType string, payload map[string]any) error
}

// QrNonceStore tracks single-use QR tokens. The used mark is written
// outside the hold transaction so it survives a quote rollback.
type QrNonceStore interface {
	Get(ctx context.Context, jti string) (*QrNonce, error)

	// MarkUsed stamps UsedAt when it is still null, creating the nonce
	// row if it does not exist yet. Reports whether this caller won;
	// the unique-collision loser gets false with a nil error.
	MarkUsed(ctx context.Context, jti, merchantID, customerID string, at time.Time) (bool, error)

	// Release clears UsedAt so a short numeric code can be scanned
	// again after its hold is canceled.
	Release(ctx context.Context, jti string) error

	// Delete removes the nonce entirely (single-shot JWT tokens).
	Delete(ctx context.Context, jti string) error
}

// PromotionStore is the read/metrics side of the promotion catalog.
// Authoring lives outside the engine.
type PromotionStore interface {
	// ListActive returns ACTIVE, non-archived promotions whose date
	// window contains now, in creation order. Creation order is the
	// tie-breaker when point totals tie.
	ListActive(ctx context.Context, merchantID string, now time.Time) ([]*Promotion, error)

	// InSegment reports whether the customer belongs to the segment.
	// Segments flagged "all" match every customer.
	InSegment(ctx context.Context, merchantID, segmentID, customerID string) (bool, error)

	// FindByIDs returns promotions keyed by id, regardless of their
	// current active window. Commit-time metrics need the kind of
	// promotions that were applied at quote time.
	FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*Promotion, error)

	// ParticipantStats returns per-promotion usage for the customer,
	// keyed by promotion id. Missing keys mean never used.
	ParticipantStats(ctx context.Context, merchantID, customerID string) (map[string]*PromotionUsage, error)

	// IncrementMetrics adds the delta to the promotion's additive
	// counters.
	IncrementMetrics(ctx context.Context, merchantID, promotionID string, delta PromotionMetricDelta) error

	// RecordParticipation upserts the customer's participant row,
	// bumping purchasesCount/lastPurchaseAt and the spend counters.
	RecordParticipation(ctx context.Context, merchantID, promotionID, customerID string, at time.Time, delta PromotionMetricDelta) error
}

// ProductStore is the read side of the product catalog.
type ProductStore interface {
	// FindByIDs returns products keyed by id. Missing ids are absent.
	FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*Product, error)

	// FindByExternalIDs maps POS external ids to products.
	FindByExternalIDs(ctx context.Context, merchantID string, externalIDs []string) (map[string]*Product, error)
}

// SettingsStore returns per-merchant program settings.
type SettingsStore interface {
	// Get returns the merchant's settings or ErrNotFound; callers fall
	// back to DefaultSettings.
	Get(ctx context.Context, merchantID string) (*MerchantSettings, error)
}

// ReferralStore manages referral programs and links.
type ReferralStore interface {
	// ActiveProgram returns the merchant's newest program, or
	// ErrNotFound when referrals are not configured.
	ActiveProgram(ctx context.Context, merchantID string) (*ReferralProgram, error)

	// FindByReferee returns the newest referral link where the given
	// customer is the referee, or ErrNotFound. Walking these links
	// upward yields the multi-level reward chain.
	FindByReferee(ctx context.Context, merchantID, refereeID string) (*Referral, error)

	// Complete marks a link COMPLETED with the triggering purchase.
	Complete(ctx context.Context, id string, at time.Time, purchaseAmount int64) error

	// Reopen flips a COMPLETED link back to ACTIVATED after the
	// triggering purchase was refunded.
	Reopen(ctx context.Context, id string) error
}

// =============================================================================
// STORES BUNDLE + UNIT OF WORK
// =============================================================================

// Stores bundles every per-entity store behind one handle. Inside
// UnitOfWork.Within the bundle is backed by a single transaction.
type Stores interface {
	Wallets() WalletStore
	Holds() HoldStore
	Receipts() ReceiptStore
	Transactions() TransactionStore
	EarnLots() EarnLotStore
	Ledger() LedgerStore
	Outbox() OutboxStore
	QrNonces() QrNonceStore
	Promotions() PromotionStore
	Products() ProductStore
	Settings() SettingsStore
	Referrals() ReferralStore
}

// UnitOfWork is the atomicity capability. Within executes fn over a
// transactional Stores view; fn returning an error rolls everything
// back, nil commits. Engines never hold a global database client.
type UnitOfWork interface {
	Stores

	Within(ctx context.Context, fn func(Stores) error) error
}

// =============================================================================
// COLLABORATOR CONTRACTS - External services the engines call
// =============================================================================

// TierRates is the per-customer rate override resolved from the tier
// program. Zero values mean "no override, use merchant settings".
type TierRates struct {
	EarnBps        int64
	RedeemLimitBps int64
	TierMinPayment int64
}

// TierResolver resolves tier rates and recomputes progress after
// settlements. Recompute is best-effort.
type TierResolver interface {
	ResolveRates(ctx context.Context, merchantID, customerID string) (TierRates, error)
	RecomputeProgress(ctx context.Context, merchantID, customerID string) error
}

// NopTierResolver is injected when no tier program is configured.
type NopTierResolver struct{}

func (NopTierResolver) ResolveRates(ctx context.Context, merchantID, customerID string) (TierRates, error) {
	return TierRates{}, nil
}
func (NopTierResolver) RecomputeProgress(ctx context.Context, merchantID, customerID string) error {
	return nil
}

// PromoCodeApply is the request to redeem a promo code at commit time.
type PromoCodeApply struct {
	PromoCodeID string
	MerchantID  string
	CustomerID  string
	OrderID     string
	OutletID    string
	StaffID     string
}

// PromoCodeResult is what a successfully applied code grants.
type PromoCodeResult struct {
	PointsIssued       int64
	PointsExpireInDays int64
	AssignedTierID     string
}

// PromoCodeService applies a promo code inside the commit's unit of
// work. A nil result with a nil error means the code granted nothing.
type PromoCodeService interface {
	Apply(ctx context.Context, s Stores, req PromoCodeApply) (*PromoCodeResult, error)
}

// NopPromoCodeService is injected when promo codes are not configured.
type NopPromoCodeService struct{}

func (NopPromoCodeService) Apply(ctx context.Context, s Stores, req PromoCodeApply) (*PromoCodeResult, error) {
	return nil, nil
}

// CustomerContext carries the administrative block flags consulted by
// the antifraud gates.
type CustomerContext struct {
	CustomerID         string
	AccrualsBlocked    bool
	RedemptionsBlocked bool
}

// CustomerContextService resolves (and lazily provisions) the
// customer's context for a merchant.
type CustomerContextService interface {
	EnsureContext(ctx context.Context, merchantID, customerID string) (CustomerContext, error)
}

// NopCustomerContextService never blocks anyone.
type NopCustomerContextService struct{}

func (NopCustomerContextService) EnsureContext(ctx context.Context, merchantID, customerID string) (CustomerContext, error) {
	return CustomerContext{CustomerID: customerID}, nil
}

// StaffMotivationService records staff attribution for settlements.
// Both calls are best-effort side effects.
type StaffMotivationService interface {
	RecordPurchase(ctx context.Context, merchantID, staffID, receiptID string, earned, redeemed int64) error
	RecordRefund(ctx context.Context, merchantID, staffID, receiptID string) error
}

// NopStaffMotivationService is injected when motivation is disabled.
type NopStaffMotivationService struct{}

func (NopStaffMotivationService) RecordPurchase(ctx context.Context, merchantID, staffID, receiptID string, earned, redeemed int64) error {
	return nil
}
func (NopStaffMotivationService) RecordRefund(ctx context.Context, merchantID, staffID, receiptID string) error {
	return nil
}

// =============================================================================
// NULL-OBJECT EARN LOT STORE - Injected when earn lots are disabled
// =============================================================================

// NopEarnLotStore satisfies EarnLotStore with no-ops so the engines
// run the same code path whether or not the lot feature is enabled.
type NopEarnLotStore struct{}

func (NopEarnLotStore) Create(ctx context.Context, lot *EarnLot) error { return nil }
func (NopEarnLotStore) ListActive(ctx context.Context, merchantID, customerID string) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) ListConsumed(ctx context.Context, merchantID, customerID string) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) ListForRevoke(ctx context.Context, merchantID, customerID, receiptID, orderID string) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) ListPendingByOrder(ctx context.Context, merchantID, customerID, orderID string) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*EarnLot, error) {
	return nil, nil
}
func (NopEarnLotStore) AddConsumed(ctx context.Context, id string, delta int64) error { return nil }
func (NopEarnLotStore) Activate(ctx context.Context, id string, consumedPoints int64, at time.Time) error {
	return nil
}
func (NopEarnLotStore) AttachReceipt(ctx context.Context, lotIDs []string, receiptID string) error {
	return nil
}
