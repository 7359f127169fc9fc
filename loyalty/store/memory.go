// Package store provides in-memory Stores implementations for tests
// and development.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loyalty.UnitOfWork over plain maps guarded by one
// mutex. Within snapshots the whole state before running the closure
// and restores it when the closure errors, matching the rollback
// semantics of the SQL implementation.
type Memory struct {
	mu sync.Mutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// do runs an operation under the store mutex.
func (m *Memory) do(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// Within runs fn atomically: all-or-nothing against the state.
func (m *Memory) Within(ctx context.Context, fn func(loyalty.Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.st.clone()
	tx := bundle{do: func(op func(*state) error) error { return op(m.st) }}
	if err := fn(tx); err != nil {
		m.st = snap
		return err
	}
	return nil
}

func (m *Memory) Wallets() loyalty.WalletStore           { return m.view().Wallets() }
func (m *Memory) Holds() loyalty.HoldStore               { return m.view().Holds() }
func (m *Memory) Receipts() loyalty.ReceiptStore         { return m.view().Receipts() }
func (m *Memory) Transactions() loyalty.TransactionStore { return m.view().Transactions() }
func (m *Memory) EarnLots() loyalty.EarnLotStore         { return m.view().EarnLots() }
func (m *Memory) Ledger() loyalty.LedgerStore            { return m.view().Ledger() }
func (m *Memory) Outbox() loyalty.OutboxStore            { return m.view().Outbox() }
func (m *Memory) QrNonces() loyalty.QrNonceStore         { return m.view().QrNonces() }
func (m *Memory) Promotions() loyalty.PromotionStore     { return m.view().Promotions() }
func (m *Memory) Products() loyalty.ProductStore         { return m.view().Products() }
func (m *Memory) Settings() loyalty.SettingsStore        { return m.view().Settings() }
func (m *Memory) Referrals() loyalty.ReferralStore       { return m.view().Referrals() }

func (m *Memory) view() bundle { return bundle{do: m.do} }

// =============================================================================
// SEEDING - Catalog/config rows the engines only read
// =============================================================================

func (m *Memory) SeedSettings(s loyalty.MerchantSettings) {
	_ = m.do(func(st *state) error {
		st.settings[s.MerchantID] = s
		return nil
	})
}

func (m *Memory) SeedProduct(merchantID string, p loyalty.Product) {
	_ = m.do(func(st *state) error {
		st.products[scopedKey{merchantID, p.ID}] = p
		if p.ExternalID != "" {
			st.productsByExt[scopedKey{merchantID, p.ExternalID}] = p.ID
		}
		return nil
	})
}

func (m *Memory) SeedPromotion(merchantID string, p loyalty.Promotion) {
	_ = m.do(func(st *state) error {
		st.promotions[scopedKey{merchantID, p.ID}] = p
		st.promotionOrder[merchantID] = append(st.promotionOrder[merchantID], p.ID)
		return nil
	})
}

func (m *Memory) SeedSegmentMember(merchantID, segmentID, customerID string) {
	_ = m.do(func(st *state) error {
		st.segmentMembers[segmentKey{merchantID, segmentID, customerID}] = true
		return nil
	})
}

func (m *Memory) SeedNonce(n loyalty.QrNonce) {
	_ = m.do(func(st *state) error {
		st.nonces[n.Jti] = n
		return nil
	})
}

func (m *Memory) SeedReferralProgram(p loyalty.ReferralProgram) {
	_ = m.do(func(st *state) error {
		st.referralPrograms[p.MerchantID] = append(st.referralPrograms[p.MerchantID], p)
		return nil
	})
}

func (m *Memory) SeedReferral(r loyalty.Referral) {
	_ = m.do(func(st *state) error {
		st.referrals[r.ID] = r
		st.referralOrder = append(st.referralOrder, r.ID)
		return nil
	})
}

// =============================================================================
// STATE
// =============================================================================

type scopedKey struct{ MerchantID, ID string }

type segmentKey struct{ MerchantID, SegmentID, CustomerID string }

type participantKey struct{ MerchantID, PromotionID, CustomerID string }

type participantRow struct {
	PurchasesCount int64
	LastPurchaseAt *time.Time
	TotalSpent     int64
}

type state struct {
	wallets       map[string]loyalty.Wallet
	walletByOwner map[scopedKey]string

	holds      map[string]loyalty.Hold
	holdByJti  map[scopedKey]string
	holdItems  map[string][]loyalty.HoldItem
	holdOrder  []string

	receipts       map[string]loyalty.Receipt
	receiptByOrder map[scopedKey]string
	receiptItems   map[string][]loyalty.ReceiptItem
	receiptOrder   []string

	transactions     map[string]loyalty.Transaction
	transactionOrder []string
	transactionItems map[string][]loyalty.TransactionItem

	lots     map[string]loyalty.EarnLot
	lotOrder []string

	ledger []loyalty.LedgerEntry
	outbox []loyalty.OutboxEvent

	nonces map[string]loyalty.QrNonce

	promotions       map[scopedKey]loyalty.Promotion
	promotionOrder   map[string][]string
	promotionMetrics map[scopedKey]loyalty.PromotionMetricDelta
	participants     map[participantKey]participantRow
	segmentMembers   map[segmentKey]bool

	products      map[scopedKey]loyalty.Product
	productsByExt map[scopedKey]string

	settings map[string]loyalty.MerchantSettings

	referralPrograms map[string][]loyalty.ReferralProgram
	referrals        map[string]loyalty.Referral
	referralOrder    []string
}

func newState() *state {
	return &state{
		wallets:          map[string]loyalty.Wallet{},
		walletByOwner:    map[scopedKey]string{},
		holds:            map[string]loyalty.Hold{},
		holdByJti:        map[scopedKey]string{},
		holdItems:        map[string][]loyalty.HoldItem{},
		receipts:         map[string]loyalty.Receipt{},
		receiptByOrder:   map[scopedKey]string{},
		receiptItems:     map[string][]loyalty.ReceiptItem{},
		transactions:     map[string]loyalty.Transaction{},
		transactionItems: map[string][]loyalty.TransactionItem{},
		lots:             map[string]loyalty.EarnLot{},
		nonces:           map[string]loyalty.QrNonce{},
		promotions:       map[scopedKey]loyalty.Promotion{},
		promotionOrder:   map[string][]string{},
		promotionMetrics: map[scopedKey]loyalty.PromotionMetricDelta{},
		participants:     map[participantKey]participantRow{},
		segmentMembers:   map[segmentKey]bool{},
		products:         map[scopedKey]loyalty.Product{},
		productsByExt:    map[scopedKey]string{},
		settings:         map[string]loyalty.MerchantSettings{},
		referralPrograms: map[string][]loyalty.ReferralProgram{},
		referrals:        map[string]loyalty.Referral{},
	}
}

// clone copies every map and ordering slice. Record values are copied
// by assignment; nested slices/maps inside records are never mutated
// after creation, so sharing them is safe.
func (st *state) clone() *state {
	out := newState()
	copyMap(out.wallets, st.wallets)
	copyMap(out.walletByOwner, st.walletByOwner)
	copyMap(out.holds, st.holds)
	copyMap(out.holdByJti, st.holdByJti)
	copySliceMap(out.holdItems, st.holdItems)
	out.holdOrder = append([]string(nil), st.holdOrder...)
	copyMap(out.receipts, st.receipts)
	copyMap(out.receiptByOrder, st.receiptByOrder)
	copySliceMap(out.receiptItems, st.receiptItems)
	out.receiptOrder = append([]string(nil), st.receiptOrder...)
	copyMap(out.transactions, st.transactions)
	out.transactionOrder = append([]string(nil), st.transactionOrder...)
	copySliceMap(out.transactionItems, st.transactionItems)
	copyMap(out.lots, st.lots)
	out.lotOrder = append([]string(nil), st.lotOrder...)
	out.ledger = append([]loyalty.LedgerEntry(nil), st.ledger...)
	out.outbox = append([]loyalty.OutboxEvent(nil), st.outbox...)
	copyMap(out.nonces, st.nonces)
	copyMap(out.promotions, st.promotions)
	copySliceMap(out.promotionOrder, st.promotionOrder)
	copyMap(out.promotionMetrics, st.promotionMetrics)
	copyMap(out.participants, st.participants)
	copyMap(out.segmentMembers, st.segmentMembers)
	copyMap(out.products, st.products)
	copyMap(out.productsByExt, st.productsByExt)
	copyMap(out.settings, st.settings)
	copySliceMap(out.referralPrograms, st.referralPrograms)
	copyMap(out.referrals, st.referrals)
	out.referralOrder = append([]string(nil), st.referralOrder...)
	return out
}

func copyMap[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

func copySliceMap[K comparable, V any](dst, src map[K][]V) {
	for k, v := range src {
		dst[k] = append([]V(nil), v...)
	}
}

// =============================================================================
// BUNDLE - One implementation, two locking modes
// =============================================================================

// bundle implements loyalty.Stores. The do hook either takes the store
// mutex (direct access) or runs bare (inside Within, which already
// holds it).
type bundle struct {
	do func(func(*state) error) error
}

func (b bundle) Wallets() loyalty.WalletStore           { return walletStore{b} }
func (b bundle) Holds() loyalty.HoldStore               { return holdStore{b} }
func (b bundle) Receipts() loyalty.ReceiptStore         { return receiptStore{b} }
func (b bundle) Transactions() loyalty.TransactionStore { return transactionStore{b} }
func (b bundle) EarnLots() loyalty.EarnLotStore         { return lotStore{b} }
func (b bundle) Ledger() loyalty.LedgerStore            { return ledgerStore{b} }
func (b bundle) Outbox() loyalty.OutboxStore            { return outboxStore{b} }
func (b bundle) QrNonces() loyalty.QrNonceStore         { return nonceStore{b} }
func (b bundle) Promotions() loyalty.PromotionStore     { return promotionStore{b} }
func (b bundle) Products() loyalty.ProductStore         { return productStore{b} }
func (b bundle) Settings() loyalty.SettingsStore        { return settingsStore{b} }
func (b bundle) Referrals() loyalty.ReferralStore       { return referralStore{b} }

// =============================================================================
// WALLETS
// =============================================================================

type walletStore struct{ bundle }

func (w walletStore) Get(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	var out *loyalty.Wallet
	err := w.do(func(st *state) error {
		id, ok := st.walletByOwner[scopedKey{merchantID, customerID}]
		if !ok {
			return loyalty.ErrNotFound
		}
		wallet := st.wallets[id]
		out = &wallet
		return nil
	})
	return out, err
}

func (w walletStore) Ensure(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	var out *loyalty.Wallet
	err := w.do(func(st *state) error {
		key := scopedKey{merchantID, customerID}
		if id, ok := st.walletByOwner[key]; ok {
			wallet := st.wallets[id]
			out = &wallet
			return nil
		}
		wallet := loyalty.Wallet{
			ID:         uuid.NewString(),
			MerchantID: merchantID,
			CustomerID: customerID,
			Type:       loyalty.WalletPoints,
			CreatedAt:  time.Now().UTC(),
		}
		st.wallets[wallet.ID] = wallet
		st.walletByOwner[key] = wallet.ID
		out = &wallet
		return nil
	})
	return out, err
}

func (w walletStore) Increment(ctx context.Context, walletID string, amount int64) error {
	return w.do(func(st *state) error {
		wallet, ok := st.wallets[walletID]
		if !ok {
			return loyalty.ErrNotFound
		}
		wallet.Balance += amount
		st.wallets[walletID] = wallet
		return nil
	})
}

func (w walletStore) TryDecrement(ctx context.Context, walletID string, amount int64) (bool, error) {
	var won bool
	err := w.do(func(st *state) error {
		wallet, ok := st.wallets[walletID]
		if !ok {
			return loyalty.ErrNotFound
		}
		if wallet.Balance < amount {
			return nil
		}
		wallet.Balance -= amount
		st.wallets[walletID] = wallet
		won = true
		return nil
	})
	return won, err
}

// =============================================================================
// HOLDS
// =============================================================================

type holdStore struct{ bundle }

func (h holdStore) Create(ctx context.Context, hold *loyalty.Hold) error {
	return h.do(func(st *state) error {
		if hold.QrJti != "" {
			key := scopedKey{hold.MerchantID, hold.QrJti}
			if _, taken := st.holdByJti[key]; taken {
				return loyalty.ErrDuplicateKey
			}
			st.holdByJti[key] = hold.ID
		}
		st.holds[hold.ID] = *hold
		st.holdOrder = append(st.holdOrder, hold.ID)
		return nil
	})
}

func (h holdStore) Get(ctx context.Context, id string) (*loyalty.Hold, error) {
	var out *loyalty.Hold
	err := h.do(func(st *state) error {
		hold, ok := st.holds[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		out = &hold
		return nil
	})
	return out, err
}

func (h holdStore) GetByQrJti(ctx context.Context, merchantID, jti string) (*loyalty.Hold, error) {
	var out *loyalty.Hold
	err := h.do(func(st *state) error {
		id, ok := st.holdByJti[scopedKey{merchantID, jti}]
		if !ok {
			return loyalty.ErrNotFound
		}
		hold := st.holds[id]
		out = &hold
		return nil
	})
	return out, err
}

func (h holdStore) FindPendingByOrder(ctx context.Context, merchantID, customerID, orderID string, mode loyalty.HoldMode) (*loyalty.Hold, error) {
	var out *loyalty.Hold
	err := h.do(func(st *state) error {
		for i := len(st.holdOrder) - 1; i >= 0; i-- {
			hold := st.holds[st.holdOrder[i]]
			if hold.MerchantID == merchantID && hold.CustomerID == customerID &&
				hold.OrderID == orderID && hold.Mode == mode && hold.Status == loyalty.HoldPending {
				out = &hold
				return nil
			}
		}
		return loyalty.ErrNotFound
	})
	return out, err
}

func (h holdStore) Claim(ctx context.Context, id, orderID string) (bool, error) {
	var won bool
	err := h.do(func(st *state) error {
		hold, ok := st.holds[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		if hold.Status != loyalty.HoldPending {
			return nil
		}
		if hold.OrderID != "" && hold.OrderID != orderID {
			return nil
		}
		hold.Status = loyalty.HoldCommitted
		hold.OrderID = orderID
		st.holds[id] = hold
		won = true
		return nil
	})
	return won, err
}

func (h holdStore) Cancel(ctx context.Context, id string) (bool, error) {
	var won bool
	err := h.do(func(st *state) error {
		hold, ok := st.holds[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		if hold.Status != loyalty.HoldPending {
			return nil
		}
		hold.Status = loyalty.HoldCanceled
		st.holds[id] = hold
		won = true
		return nil
	})
	return won, err
}

func (h holdStore) SetOutlet(ctx context.Context, id, outletID string) error {
	return h.update(id, func(hold *loyalty.Hold) { hold.OutletID = outletID })
}

func (h holdStore) SetReceipt(ctx context.Context, id, receiptID string) error {
	return h.update(id, func(hold *loyalty.Hold) { hold.ReceiptID = receiptID })
}

func (h holdStore) UpdateTotals(ctx context.Context, id string, total, eligible int64) error {
	return h.update(id, func(hold *loyalty.Hold) {
		hold.Total = total
		hold.EligibleTotal = eligible
	})
}

func (h holdStore) update(id string, fn func(*loyalty.Hold)) error {
	return h.do(func(st *state) error {
		hold, ok := st.holds[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		fn(&hold)
		st.holds[id] = hold
		return nil
	})
}

func (h holdStore) ReplaceItems(ctx context.Context, holdID string, items []*loyalty.HoldItem) error {
	return h.do(func(st *state) error {
		rows := make([]loyalty.HoldItem, 0, len(items))
		for _, item := range items {
			rows = append(rows, *item)
		}
		st.holdItems[holdID] = rows
		return nil
	})
}

func (h holdStore) ListItems(ctx context.Context, holdID string) ([]*loyalty.HoldItem, error) {
	var out []*loyalty.HoldItem
	err := h.do(func(st *state) error {
		for _, item := range st.holdItems[holdID] {
			row := item
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// RECEIPTS
// =============================================================================

type receiptStore struct{ bundle }

func (r receiptStore) Create(ctx context.Context, receipt *loyalty.Receipt) error {
	return r.do(func(st *state) error {
		key := scopedKey{receipt.MerchantID, receipt.OrderID}
		if _, taken := st.receiptByOrder[key]; taken {
			return loyalty.ErrDuplicateKey
		}
		st.receipts[receipt.ID] = *receipt
		st.receiptByOrder[key] = receipt.ID
		st.receiptOrder = append(st.receiptOrder, receipt.ID)
		return nil
	})
}

func (r receiptStore) Get(ctx context.Context, merchantID, id string) (*loyalty.Receipt, error) {
	var out *loyalty.Receipt
	err := r.do(func(st *state) error {
		receipt, ok := st.receipts[id]
		if !ok || receipt.MerchantID != merchantID {
			return loyalty.ErrNotFound
		}
		out = &receipt
		return nil
	})
	return out, err
}

func (r receiptStore) GetByOrder(ctx context.Context, merchantID, orderID string) (*loyalty.Receipt, error) {
	var out *loyalty.Receipt
	err := r.do(func(st *state) error {
		id, ok := st.receiptByOrder[scopedKey{merchantID, orderID}]
		if !ok {
			return loyalty.ErrNotFound
		}
		receipt := st.receipts[id]
		out = &receipt
		return nil
	})
	return out, err
}

func (r receiptStore) ClaimCancel(ctx context.Context, id string, at time.Time) (bool, error) {
	var won bool
	err := r.do(func(st *state) error {
		receipt, ok := st.receipts[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		if receipt.CanceledAt != nil {
			return nil
		}
		stamp := at
		receipt.CanceledAt = &stamp
		st.receipts[id] = receipt
		won = true
		return nil
	})
	return won, err
}

func (r receiptStore) HasOtherActivePurchase(ctx context.Context, merchantID, customerID, excludeReceiptID string, minTotal int64) (bool, error) {
	var found bool
	err := r.do(func(st *state) error {
		for _, id := range st.receiptOrder {
			receipt := st.receipts[id]
			if receipt.MerchantID != merchantID || receipt.CustomerID != customerID {
				continue
			}
			if receipt.ID == excludeReceiptID || receipt.CanceledAt != nil {
				continue
			}
			if receipt.Total > 0 && receipt.Total >= minTotal {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (r receiptStore) CreateItems(ctx context.Context, items []*loyalty.ReceiptItem) error {
	return r.do(func(st *state) error {
		for _, item := range items {
			st.receiptItems[item.ReceiptID] = append(st.receiptItems[item.ReceiptID], *item)
		}
		return nil
	})
}

func (r receiptStore) ListItems(ctx context.Context, receiptID string) ([]*loyalty.ReceiptItem, error) {
	var out []*loyalty.ReceiptItem
	err := r.do(func(st *state) error {
		for _, item := range st.receiptItems[receiptID] {
			row := item
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type transactionStore struct{ bundle }

func (t transactionStore) Create(ctx context.Context, txn *loyalty.Transaction) error {
	return t.do(func(st *state) error {
		st.transactions[txn.ID] = *txn
		st.transactionOrder = append(st.transactionOrder, txn.ID)
		return nil
	})
}

func (t transactionStore) CreateItems(ctx context.Context, items []*loyalty.TransactionItem) error {
	return t.do(func(st *state) error {
		for _, item := range items {
			st.transactionItems[item.TransactionID] = append(st.transactionItems[item.TransactionID], *item)
		}
		return nil
	})
}

func (t transactionStore) LastAt(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType, requireOrder bool) (*time.Time, error) {
	var out *time.Time
	err := t.do(func(st *state) error {
		for _, id := range st.transactionOrder {
			txn := st.transactions[id]
			if !matchesGate(txn, merchantID, customerID, typ, requireOrder) {
				continue
			}
			if out == nil || txn.CreatedAt.After(*out) {
				at := txn.CreatedAt
				out = &at
			}
		}
		return nil
	})
	return out, err
}

func (t transactionStore) SumSince(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType, since time.Time, requireOrder bool) (int64, error) {
	var sum int64
	err := t.do(func(st *state) error {
		for _, id := range st.transactionOrder {
			txn := st.transactions[id]
			if !matchesGate(txn, merchantID, customerID, typ, requireOrder) {
				continue
			}
			if txn.CreatedAt.Before(since) {
				continue
			}
			amount := txn.Amount
			if amount < 0 {
				amount = -amount
			}
			sum += amount
		}
		return nil
	})
	return sum, err
}

func matchesGate(txn loyalty.Transaction, merchantID, customerID string, typ loyalty.TxnType, requireOrder bool) bool {
	if txn.MerchantID != merchantID || txn.CustomerID != customerID || txn.Type != typ {
		return false
	}
	if txn.CanceledAt != nil {
		return false
	}
	if requireOrder && txn.OrderID == "" {
		return false
	}
	return true
}

func (t transactionStore) ListByOrder(ctx context.Context, merchantID, orderID string, typ loyalty.TxnType) ([]*loyalty.Transaction, error) {
	var out []*loyalty.Transaction
	err := t.do(func(st *state) error {
		for _, id := range st.transactionOrder {
			txn := st.transactions[id]
			if txn.MerchantID != merchantID || txn.OrderID != orderID || txn.CanceledAt != nil {
				continue
			}
			if typ != "" && txn.Type != typ {
				continue
			}
			row := txn
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

func (t transactionStore) ListByOrderPrefix(ctx context.Context, merchantID string, typ loyalty.TxnType, prefix string) ([]*loyalty.Transaction, error) {
	var out []*loyalty.Transaction
	err := t.do(func(st *state) error {
		for _, id := range st.transactionOrder {
			txn := st.transactions[id]
			if txn.MerchantID != merchantID || txn.Type != typ || txn.CanceledAt != nil {
				continue
			}
			if !strings.HasPrefix(txn.OrderID, prefix) {
				continue
			}
			row := txn
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

func (t transactionStore) ExistsByOrder(ctx context.Context, merchantID, orderID string, typ loyalty.TxnType) (bool, error) {
	var found bool
	err := t.do(func(st *state) error {
		for _, id := range st.transactionOrder {
			txn := st.transactions[id]
			if txn.MerchantID == merchantID && txn.OrderID == orderID && txn.Type == typ {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (t transactionStore) ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*loyalty.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*loyalty.Transaction
	err := t.do(func(st *state) error {
		for i := len(st.transactionOrder) - 1; i >= 0 && len(out) < limit; i-- {
			txn := st.transactions[st.transactionOrder[i]]
			if txn.MerchantID != merchantID || txn.CustomerID != customerID {
				continue
			}
			row := txn
			out = append(out, &row)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		return nil
	})
	return out, err
}

func (t transactionStore) MarkCanceled(ctx context.Context, id string, at time.Time) error {
	return t.do(func(st *state) error {
		txn, ok := st.transactions[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		stamp := at
		txn.CanceledAt = &stamp
		st.transactions[id] = txn
		return nil
	})
}

// =============================================================================
// EARN LOTS
// =============================================================================

type lotStore struct{ bundle }

func (l lotStore) Create(ctx context.Context, lot *loyalty.EarnLot) error {
	return l.do(func(st *state) error {
		st.lots[lot.ID] = *lot
		st.lotOrder = append(st.lotOrder, lot.ID)
		return nil
	})
}

func (l lotStore) list(filter func(loyalty.EarnLot) bool) ([]*loyalty.EarnLot, error) {
	var out []*loyalty.EarnLot
	err := l.do(func(st *state) error {
		for _, id := range st.lotOrder {
			lot := st.lots[id]
			if filter(lot) {
				row := lot
				out = append(out, &row)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EarnedAt.Before(out[j].EarnedAt)
		})
		return nil
	})
	return out, err
}

func (l lotStore) ListActive(ctx context.Context, merchantID, customerID string) ([]*loyalty.EarnLot, error) {
	return l.list(func(lot loyalty.EarnLot) bool {
		return lot.MerchantID == merchantID && lot.CustomerID == customerID &&
			lot.Status == loyalty.LotActive
	})
}

func (l lotStore) ListConsumed(ctx context.Context, merchantID, customerID string) ([]*loyalty.EarnLot, error) {
	return l.list(func(lot loyalty.EarnLot) bool {
		return lot.MerchantID == merchantID && lot.CustomerID == customerID &&
			lot.Status == loyalty.LotActive && lot.ConsumedPoints > 0
	})
}

func (l lotStore) ListForRevoke(ctx context.Context, merchantID, customerID, receiptID, orderID string) ([]*loyalty.EarnLot, error) {
	return l.list(func(lot loyalty.EarnLot) bool {
		if lot.MerchantID != merchantID || lot.CustomerID != customerID || lot.Status != loyalty.LotActive {
			return false
		}
		if receiptID == "" && orderID == "" {
			return true
		}
		return (receiptID != "" && lot.ReceiptID == receiptID) ||
			(orderID != "" && lot.OrderID == orderID)
	})
}

func (l lotStore) ListPendingByOrder(ctx context.Context, merchantID, customerID, orderID string) ([]*loyalty.EarnLot, error) {
	return l.list(func(lot loyalty.EarnLot) bool {
		return lot.MerchantID == merchantID && lot.CustomerID == customerID &&
			lot.Status == loyalty.LotPending && lot.OrderID == orderID
	})
}

func (l lotStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*loyalty.EarnLot, error) {
	lots, err := l.list(func(lot loyalty.EarnLot) bool {
		return lot.Status == loyalty.LotPending &&
			lot.MaturesAt != nil && !lot.MaturesAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lots, func(i, j int) bool {
		return lots[i].MaturesAt.Before(*lots[j].MaturesAt)
	})
	if limit > 0 && len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (l lotStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*loyalty.EarnLot, error) {
	lots, err := l.list(func(lot loyalty.EarnLot) bool {
		return lot.Status == loyalty.LotActive &&
			lot.ExpiresAt != nil && !lot.ExpiresAt.After(now) &&
			lot.ConsumedPoints < lot.Points
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lots, func(i, j int) bool {
		return lots[i].ExpiresAt.Before(*lots[j].ExpiresAt)
	})
	if limit > 0 && len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (l lotStore) AddConsumed(ctx context.Context, id string, delta int64) error {
	return l.do(func(st *state) error {
		lot, ok := st.lots[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		lot.ConsumedPoints += delta
		st.lots[id] = lot
		return nil
	})
}

func (l lotStore) Activate(ctx context.Context, id string, consumedPoints int64, at time.Time) error {
	return l.do(func(st *state) error {
		lot, ok := st.lots[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		lot.Status = loyalty.LotActive
		lot.ConsumedPoints = consumedPoints
		st.lots[id] = lot
		return nil
	})
}

func (l lotStore) AttachReceipt(ctx context.Context, lotIDs []string, receiptID string) error {
	return l.do(func(st *state) error {
		for _, id := range lotIDs {
			lot, ok := st.lots[id]
			if !ok {
				return loyalty.ErrNotFound
			}
			lot.ReceiptID = receiptID
			st.lots[id] = lot
		}
		return nil
	})
}

// =============================================================================
// LEDGER + OUTBOX
// =============================================================================

type ledgerStore struct{ bundle }

func (l ledgerStore) Append(ctx context.Context, entry *loyalty.LedgerEntry) error {
	return l.do(func(st *state) error {
		st.ledger = append(st.ledger, *entry)
		return nil
	})
}

type outboxStore struct{ bundle }

func (o outboxStore) Append(ctx context.Context, merchantID, eventType string, payload map[string]any) error {
	return o.do(func(st *state) error {
		st.outbox = append(st.outbox, loyalty.OutboxEvent{
			ID:         uuid.NewString(),
			MerchantID: merchantID,
			EventType:  eventType,
			Payload:    payload,
			CreatedAt:  time.Now().UTC(),
		})
		return nil
	})
}

// LedgerEntries returns a copy of the appended ledger rows. Test hook.
func (m *Memory) LedgerEntries() []loyalty.LedgerEntry {
	var out []loyalty.LedgerEntry
	_ = m.do(func(st *state) error {
		out = append(out, st.ledger...)
		return nil
	})
	return out
}

// OutboxEvents returns a copy of the appended events. Test hook.
func (m *Memory) OutboxEvents() []loyalty.OutboxEvent {
	var out []loyalty.OutboxEvent
	_ = m.do(func(st *state) error {
		out = append(out, st.outbox...)
		return nil
	})
	return out
}

// =============================================================================
// QR NONCES
// =============================================================================

type nonceStore struct{ bundle }

func (n nonceStore) Get(ctx context.Context, jti string) (*loyalty.QrNonce, error) {
	var out *loyalty.QrNonce
	err := n.do(func(st *state) error {
		nonce, ok := st.nonces[jti]
		if !ok {
			return loyalty.ErrNotFound
		}
		out = &nonce
		return nil
	})
	return out, err
}

func (n nonceStore) MarkUsed(ctx context.Context, jti, merchantID, customerID string, at time.Time) (bool, error) {
	var won bool
	err := n.do(func(st *state) error {
		nonce, ok := st.nonces[jti]
		if !ok {
			stamp := at
			st.nonces[jti] = loyalty.QrNonce{
				Jti:        jti,
				MerchantID: merchantID,
				CustomerID: customerID,
				IssuedAt:   at,
				UsedAt:     &stamp,
			}
			won = true
			return nil
		}
		if nonce.UsedAt != nil {
			return nil
		}
		stamp := at
		nonce.UsedAt = &stamp
		st.nonces[jti] = nonce
		won = true
		return nil
	})
	return won, err
}

func (n nonceStore) Release(ctx context.Context, jti string) error {
	return n.do(func(st *state) error {
		nonce, ok := st.nonces[jti]
		if !ok {
			return loyalty.ErrNotFound
		}
		nonce.UsedAt = nil
		st.nonces[jti] = nonce
		return nil
	})
}

func (n nonceStore) Delete(ctx context.Context, jti string) error {
	return n.do(func(st *state) error {
		delete(st.nonces, jti)
		return nil
	})
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type promotionStore struct{ bundle }

func (p promotionStore) ListActive(ctx context.Context, merchantID string, now time.Time) ([]*loyalty.Promotion, error) {
	var out []*loyalty.Promotion
	err := p.do(func(st *state) error {
		for _, id := range st.promotionOrder[merchantID] {
			promo := st.promotions[scopedKey{merchantID, id}]
			row := promo
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

func (p promotionStore) InSegment(ctx context.Context, merchantID, segmentID, customerID string) (bool, error) {
	var member bool
	err := p.do(func(st *state) error {
		member = st.segmentMembers[segmentKey{merchantID, segmentID, customerID}]
		return nil
	})
	return member, err
}

func (p promotionStore) FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*loyalty.Promotion, error) {
	out := map[string]*loyalty.Promotion{}
	err := p.do(func(st *state) error {
		for _, id := range ids {
			if promo, ok := st.promotions[scopedKey{merchantID, id}]; ok {
				row := promo
				out[id] = &row
			}
		}
		return nil
	})
	return out, err
}

func (p promotionStore) ParticipantStats(ctx context.Context, merchantID, customerID string) (map[string]*loyalty.PromotionUsage, error) {
	out := map[string]*loyalty.PromotionUsage{}
	err := p.do(func(st *state) error {
		for key, row := range st.participants {
			if key.MerchantID != merchantID || key.CustomerID != customerID {
				continue
			}
			out[key.PromotionID] = &loyalty.PromotionUsage{
				PurchasesCount: row.PurchasesCount,
				LastPurchaseAt: row.LastPurchaseAt,
			}
		}
		return nil
	})
	return out, err
}

func (p promotionStore) IncrementMetrics(ctx context.Context, merchantID, promotionID string, delta loyalty.PromotionMetricDelta) error {
	return p.do(func(st *state) error {
		key := scopedKey{merchantID, promotionID}
		total := st.promotionMetrics[key]
		total.Purchases += delta.Purchases
		total.Revenue += delta.Revenue
		total.TotalSpent += delta.TotalSpent
		total.PointsIssued += delta.PointsIssued
		total.PointsRedeemed += delta.PointsRedeemed
		st.promotionMetrics[key] = total
		return nil
	})
}

func (p promotionStore) RecordParticipation(ctx context.Context, merchantID, promotionID, customerID string, at time.Time, delta loyalty.PromotionMetricDelta) error {
	return p.do(func(st *state) error {
		key := participantKey{merchantID, promotionID, customerID}
		row := st.participants[key]
		row.PurchasesCount += delta.Purchases
		row.TotalSpent += delta.TotalSpent
		stamp := at
		row.LastPurchaseAt = &stamp
		st.participants[key] = row
		return nil
	})
}

// PromotionMetrics returns the accumulated counters. Test hook.
func (m *Memory) PromotionMetrics(merchantID, promotionID string) loyalty.PromotionMetricDelta {
	var out loyalty.PromotionMetricDelta
	_ = m.do(func(st *state) error {
		out = st.promotionMetrics[scopedKey{merchantID, promotionID}]
		return nil
	})
	return out
}

// =============================================================================
// PRODUCTS + SETTINGS
// =============================================================================

type productStore struct{ bundle }

func (p productStore) FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*loyalty.Product, error) {
	out := map[string]*loyalty.Product{}
	err := p.do(func(st *state) error {
		for _, id := range ids {
			if product, ok := st.products[scopedKey{merchantID, id}]; ok {
				row := product
				out[id] = &row
			}
		}
		return nil
	})
	return out, err
}

func (p productStore) FindByExternalIDs(ctx context.Context, merchantID string, externalIDs []string) (map[string]*loyalty.Product, error) {
	out := map[string]*loyalty.Product{}
	err := p.do(func(st *state) error {
		for _, ext := range externalIDs {
			id, ok := st.productsByExt[scopedKey{merchantID, ext}]
			if !ok {
				continue
			}
			if product, found := st.products[scopedKey{merchantID, id}]; found {
				row := product
				out[ext] = &row
			}
		}
		return nil
	})
	return out, err
}

type settingsStore struct{ bundle }

func (s settingsStore) Get(ctx context.Context, merchantID string) (*loyalty.MerchantSettings, error) {
	var out *loyalty.MerchantSettings
	err := s.do(func(st *state) error {
		settings, ok := st.settings[merchantID]
		if !ok {
			return loyalty.ErrNotFound
		}
		out = &settings
		return nil
	})
	return out, err
}

// =============================================================================
// REFERRALS
// =============================================================================

type referralStore struct{ bundle }

func (r referralStore) ActiveProgram(ctx context.Context, merchantID string) (*loyalty.ReferralProgram, error) {
	var out *loyalty.ReferralProgram
	err := r.do(func(st *state) error {
		programs := st.referralPrograms[merchantID]
		for i := len(programs) - 1; i >= 0; i-- {
			if programs[i].Status == loyalty.ProgramActive {
				program := programs[i]
				out = &program
				return nil
			}
		}
		return loyalty.ErrNotFound
	})
	return out, err
}

func (r referralStore) FindByReferee(ctx context.Context, merchantID, refereeID string) (*loyalty.Referral, error) {
	var out *loyalty.Referral
	err := r.do(func(st *state) error {
		for i := len(st.referralOrder) - 1; i >= 0; i-- {
			link := st.referrals[st.referralOrder[i]]
			if link.MerchantID == merchantID && link.RefereeID == refereeID {
				out = &link
				return nil
			}
		}
		return loyalty.ErrNotFound
	})
	return out, err
}

func (r referralStore) Complete(ctx context.Context, id string, at time.Time, purchaseAmount int64) error {
	return r.do(func(st *state) error {
		link, ok := st.referrals[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		stamp := at
		link.Status = loyalty.ReferralCompleted
		link.CompletedAt = &stamp
		link.PurchaseAmount = purchaseAmount
		st.referrals[id] = link
		return nil
	})
}

func (r referralStore) Reopen(ctx context.Context, id string) error {
	return r.do(func(st *state) error {
		link, ok := st.referrals[id]
		if !ok {
			return loyalty.ErrNotFound
		}
		link.Status = loyalty.ReferralActivated
		link.CompletedAt = nil
		link.PurchaseAmount = 0
		st.referrals[id] = link
		return nil
	})
}
