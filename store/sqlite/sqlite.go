/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements loyalty.Stores and loyalty.UnitOfWork using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  loyalty.Stores:     All twelve per-entity stores
  loyalty.UnitOfWork: Within() backed by a real database transaction

CONDITIONAL UPDATES AS LOCKS:
  The contended mutations are single UPDATE statements whose WHERE
  clause carries the guard; RowsAffected tells the caller whether it
  won the race:
  - wallets:    balance = balance - ? WHERE balance >= ?
  - holds:      status = 'COMMITTED' WHERE status = 'PENDING' ...
  - receipts:   canceled_at = ? WHERE canceled_at IS NULL
  - qr_nonces:  used_at = ? WHERE used_at IS NULL

UNIQUE INDEXES:
  idx_receipts_order (merchant_id, order_id):  commit idempotency anchor
  idx_holds_jti (merchant_id, qr_jti):         QR anti-replay
  Violations surface as loyalty.ErrDuplicateKey; the engines resolve
  them with an idempotent re-probe.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better
  concurrency, plus a busy timeout so writers queue instead of failing.
  Transactions begin IMMEDIATE to take the write lock up front.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/loopline/loyalty-engine/loyalty"
)

// querier is the common subset of *sql.DB and *sql.Tx the stores need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// view implements loyalty.Stores over either the bare connection or an
// open transaction.
type view struct {
	q querier
}

func (v view) Wallets() loyalty.WalletStore           { return walletStore{v.q} }
func (v view) Holds() loyalty.HoldStore               { return holdStore{v.q} }
func (v view) Receipts() loyalty.ReceiptStore         { return receiptStore{v.q} }
func (v view) Transactions() loyalty.TransactionStore { return transactionStore{v.q} }
func (v view) EarnLots() loyalty.EarnLotStore         { return lotStore{v.q} }
func (v view) Ledger() loyalty.LedgerStore            { return ledgerStore{v.q} }
func (v view) Outbox() loyalty.OutboxStore            { return outboxStore{v.q} }
func (v view) QrNonces() loyalty.QrNonceStore         { return nonceStore{v.q} }
func (v view) Promotions() loyalty.PromotionStore     { return promotionStore{v.q} }
func (v view) Products() loyalty.ProductStore         { return productStore{v.q} }
func (v view) Settings() loyalty.SettingsStore        { return settingsStore{v.q} }
func (v view) Referrals() loyalty.ReferralStore       { return referralStore{v.q} }

// Store implements loyalty.UnitOfWork using SQLite.
type Store struct {
	db *sql.DB
	view
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, view: view{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Within executes fn inside a database transaction. fn returning an
// error rolls everything back.
func (s *Store) Within(ctx context.Context, fn func(loyalty.Stores) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(view{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets: one POINTS balance per (merchant, customer)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'POINTS',
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner
		ON wallets(merchant_id, customer_id, type);

	-- Holds: quote proposals, PENDING -> {COMMITTED, CANCELED}
	CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		redeem_amount INTEGER NOT NULL DEFAULT 0,
		earn_points INTEGER NOT NULL DEFAULT 0,
		order_id TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		eligible_total INTEGER NOT NULL DEFAULT 0,
		qr_jti TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		outlet_id TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		receipt_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	-- CRITICAL: QR anti-replay. One hold per token, ever.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_holds_jti
		ON holds(merchant_id, qr_jti) WHERE qr_jti != '';
	CREATE INDEX IF NOT EXISTS idx_holds_order
		ON holds(merchant_id, customer_id, order_id, status);

	CREATE TABLE IF NOT EXISTS hold_items (
		id TEXT PRIMARY KEY,
		hold_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		earn_points INTEGER NOT NULL DEFAULT 0,
		redeem_amount INTEGER NOT NULL DEFAULT 0,
		promotion_id TEXT NOT NULL DEFAULT '',
		applied_promotion_ids TEXT,
		point_promotion_id TEXT NOT NULL DEFAULT '',
		promotion_multiplier INTEGER NOT NULL DEFAULT 0,
		promotion_points_bonus INTEGER NOT NULL DEFAULT 0,
		base_price TEXT NOT NULL DEFAULT '0',
		accrue_points BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX IF NOT EXISTS idx_hold_items_hold ON hold_items(hold_id);

	-- Receipts: durable settlement records
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		receipt_number TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		eligible_total INTEGER NOT NULL DEFAULT 0,
		redeem_applied INTEGER NOT NULL DEFAULT 0,
		earn_applied INTEGER NOT NULL DEFAULT 0,
		outlet_id TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		canceled_at TEXT,
		created_at TEXT NOT NULL
	);
	-- CRITICAL: commit idempotency anchor. One receipt per order.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_order
		ON receipts(merchant_id, order_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_customer
		ON receipts(merchant_id, customer_id);

	CREATE TABLE IF NOT EXISTS receipt_items (
		id TEXT PRIMARY KEY,
		receipt_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		earn_applied INTEGER NOT NULL DEFAULT 0,
		redeem_applied INTEGER NOT NULL DEFAULT 0,
		promotion_id TEXT NOT NULL DEFAULT '',
		applied_promotion_ids TEXT,
		point_promotion_id TEXT NOT NULL DEFAULT '',
		promotion_multiplier INTEGER NOT NULL DEFAULT 0,
		promotion_points_bonus INTEGER NOT NULL DEFAULT 0,
		base_price TEXT NOT NULL DEFAULT '0'
	);
	CREATE INDEX IF NOT EXISTS idx_receipt_items_receipt
		ON receipt_items(receipt_id);

	-- Transactions: immutable ledger-adjacent events
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		outlet_id TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		canceled_at TEXT,
		created_at TEXT NOT NULL
	);
	-- Composite index for cooldown/daily-cap window scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_gate
		ON transactions(merchant_id, customer_id, type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_order
		ON transactions(merchant_id, order_id);

	CREATE TABLE IF NOT EXISTS transaction_items (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		receipt_item_id TEXT NOT NULL DEFAULT '',
		merchant_id TEXT NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		earn_amount INTEGER,
		redeem_amount INTEGER,
		promotion_id TEXT NOT NULL DEFAULT '',
		promotion_multiplier INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_transaction_items_txn
		ON transaction_items(transaction_id);

	-- Earn lots: time-boxed point batches, consumed oldest-first
	CREATE TABLE IF NOT EXISTS earn_lots (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		consumed_points INTEGER NOT NULL DEFAULT 0,
		earned_at TEXT NOT NULL,
		matures_at TEXT,
		expires_at TEXT,
		order_id TEXT NOT NULL DEFAULT '',
		receipt_id TEXT NOT NULL DEFAULT '',
		outlet_id TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_earn_lots_customer
		ON earn_lots(merchant_id, customer_id, status, earned_at);

	-- Double-entry mirror, append-only
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		amount INTEGER NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		outlet_id TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		meta_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_customer
		ON ledger_entries(merchant_id, customer_id);

	-- Outbox events, append-only
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_merchant
		ON outbox_events(merchant_id, created_at);

	-- QR nonces: single-use token marks
	CREATE TABLE IF NOT EXISTS qr_nonces (
		jti TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL,
		expires_at TEXT,
		used_at TEXT
	);

	-- Promotion catalog (read side) + additive metrics
	CREATE TABLE IF NOT EXISTS promotions (
		id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		points_rule_type TEXT NOT NULL DEFAULT '',
		points_value TEXT NOT NULL DEFAULT '0',
		buy_qty INTEGER NOT NULL DEFAULT 0,
		free_qty INTEGER NOT NULL DEFAULT 0,
		fixed_price TEXT NOT NULL DEFAULT '0',
		segment_id TEXT NOT NULL DEFAULT '',
		usage_limit TEXT NOT NULL DEFAULT '',
		product_ids_json TEXT,
		category_ids_json TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		starts_at TEXT,
		ends_at TEXT,
		archived_at TEXT,
		purchases_count INTEGER NOT NULL DEFAULT 0,
		revenue INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		points_issued INTEGER NOT NULL DEFAULT 0,
		points_redeemed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (merchant_id, id)
	);

	CREATE TABLE IF NOT EXISTS promotion_participants (
		merchant_id TEXT NOT NULL,
		promotion_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		purchases_count INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		last_purchase_at TEXT,
		PRIMARY KEY (merchant_id, promotion_id, customer_id)
	);

	-- Segments: match_all segments match every customer
	CREATE TABLE IF NOT EXISTS segments (
		merchant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		match_all BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (merchant_id, id)
	);
	CREATE TABLE IF NOT EXISTS segment_members (
		merchant_id TEXT NOT NULL,
		segment_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		PRIMARY KEY (merchant_id, segment_id, customer_id)
	);

	-- Product catalog (read side)
	CREATE TABLE IF NOT EXISTS products (
		id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		category_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		accrue_points BOOLEAN NOT NULL DEFAULT TRUE,
		allow_redeem BOOLEAN NOT NULL DEFAULT TRUE,
		redeem_percent INTEGER NOT NULL DEFAULT 100,
		PRIMARY KEY (merchant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_products_external
		ON products(merchant_id, external_id) WHERE external_id != '';

	-- Per-merchant program settings
	CREATE TABLE IF NOT EXISTS merchant_settings (
		merchant_id TEXT PRIMARY KEY,
		earn_bps INTEGER NOT NULL DEFAULT 0,
		redeem_limit_bps INTEGER NOT NULL DEFAULT 0,
		redeem_cooldown_sec INTEGER NOT NULL DEFAULT 0,
		earn_cooldown_sec INTEGER NOT NULL DEFAULT 0,
		redeem_daily_cap INTEGER NOT NULL DEFAULT 0,
		earn_daily_cap INTEGER NOT NULL DEFAULT 0,
		earn_delay_days INTEGER NOT NULL DEFAULT 0,
		points_ttl_days INTEGER NOT NULL DEFAULT 0,
		allow_earn_redeem_same_receipt BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	-- Referral programs and links
	CREATE TABLE IF NOT EXISTS referral_programs (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reward_trigger TEXT NOT NULL DEFAULT 'first',
		min_purchase_amount INTEGER NOT NULL DEFAULT 0,
		referrer_reward_type TEXT NOT NULL DEFAULT 'FIXED',
		referrer_reward_value TEXT NOT NULL DEFAULT '0',
		multi_level BOOLEAN NOT NULL DEFAULT FALSE,
		level_rewards_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_referral_programs_merchant
		ON referral_programs(merchant_id, created_at);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		referee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		completed_at TEXT,
		purchase_amount INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_referrals_referee
		ON referrals(merchant_id, referee_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

type walletStore struct{ q querier }

const walletColumns = "id, merchant_id, customer_id, type, balance, created_at"

func (w walletStore) Get(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	row := w.q.QueryRowContext(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE merchant_id = ? AND customer_id = ? AND type = ?",
		merchantID, customerID, string(loyalty.WalletPoints),
	)
	return scanWallet(row)
}

func (w walletStore) Ensure(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	wallet, err := w.Get(ctx, merchantID, customerID)
	if err == nil {
		return wallet, nil
	}
	if !loyalty.IsNotFound(err) {
		return nil, err
	}

	created := &loyalty.Wallet{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		CustomerID: customerID,
		Type:       loyalty.WalletPoints,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = w.q.ExecContext(ctx,
		"INSERT INTO wallets (id, merchant_id, customer_id, type, balance, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		created.ID, merchantID, customerID, string(loyalty.WalletPoints), fmtTime(created.CreatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			// Lost the creation race; the winner's row is the wallet.
			return w.Get(ctx, merchantID, customerID)
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return created, nil
}

func (w walletStore) Increment(ctx context.Context, walletID string, amount int64) error {
	res, err := w.q.ExecContext(ctx,
		"UPDATE wallets SET balance = balance + ? WHERE id = ?", amount, walletID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (w walletStore) TryDecrement(ctx context.Context, walletID string, amount int64) (bool, error) {
	res, err := w.q.ExecContext(ctx,
		"UPDATE wallets SET balance = balance - ? WHERE id = ? AND balance >= ?",
		amount, walletID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanWallet(row *sql.Row) (*loyalty.Wallet, error) {
	var w loyalty.Wallet
	var typ, createdAt string
	err := row.Scan(&w.ID, &w.MerchantID, &w.CustomerID, &typ, &w.Balance, &createdAt)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Type = loyalty.WalletType(typ)
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

// =============================================================================
// HOLDS
// =============================================================================

type holdStore struct{ q querier }

const holdColumns = `id, merchant_id, customer_id, mode, redeem_amount, earn_points,
	order_id, total, eligible_total, qr_jti, expires_at, status,
	outlet_id, staff_id, device_id, receipt_id, created_at`

func (h holdStore) Create(ctx context.Context, hold *loyalty.Hold) error {
	_, err := h.q.ExecContext(ctx, `
		INSERT INTO holds
		(id, merchant_id, customer_id, mode, redeem_amount, earn_points,
		 order_id, total, eligible_total, qr_jti, expires_at, status,
		 outlet_id, staff_id, device_id, receipt_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hold.ID, hold.MerchantID, hold.CustomerID, string(hold.Mode),
		hold.RedeemAmount, hold.EarnPoints, hold.OrderID, hold.Total,
		hold.EligibleTotal, hold.QrJti, fmtTimePtr(hold.ExpiresAt),
		string(hold.Status), hold.OutletID, hold.StaffID, hold.DeviceID,
		hold.ReceiptID, fmtTime(hold.CreatedAt),
	)
	if isUniqueErr(err) {
		return loyalty.ErrDuplicateKey
	}
	return err
}

func (h holdStore) Get(ctx context.Context, id string) (*loyalty.Hold, error) {
	return h.one(ctx, "SELECT "+holdColumns+" FROM holds WHERE id = ?", id)
}

func (h holdStore) GetByQrJti(ctx context.Context, merchantID, jti string) (*loyalty.Hold, error) {
	return h.one(ctx,
		"SELECT "+holdColumns+" FROM holds WHERE merchant_id = ? AND qr_jti = ?",
		merchantID, jti)
}

func (h holdStore) FindPendingByOrder(ctx context.Context, merchantID, customerID, orderID string, mode loyalty.HoldMode) (*loyalty.Hold, error) {
	return h.one(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE merchant_id = ? AND customer_id = ? AND order_id = ?
		  AND mode = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		merchantID, customerID, orderID, string(mode), string(loyalty.HoldPending))
}

func (h holdStore) Claim(ctx context.Context, id, orderID string) (bool, error) {
	res, err := h.q.ExecContext(ctx, `
		UPDATE holds SET status = ?, order_id = ?
		WHERE id = ? AND status = ? AND (order_id = '' OR order_id = ?)`,
		string(loyalty.HoldCommitted), orderID, id, string(loyalty.HoldPending), orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (h holdStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := h.q.ExecContext(ctx,
		"UPDATE holds SET status = ? WHERE id = ? AND status = ?",
		string(loyalty.HoldCanceled), id, string(loyalty.HoldPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (h holdStore) SetOutlet(ctx context.Context, id, outletID string) error {
	_, err := h.q.ExecContext(ctx,
		"UPDATE holds SET outlet_id = ? WHERE id = ? AND status = ?",
		outletID, id, string(loyalty.HoldPending))
	return err
}

func (h holdStore) SetReceipt(ctx context.Context, id, receiptID string) error {
	_, err := h.q.ExecContext(ctx,
		"UPDATE holds SET receipt_id = ? WHERE id = ?", receiptID, id)
	return err
}

func (h holdStore) UpdateTotals(ctx context.Context, id string, total, eligible int64) error {
	_, err := h.q.ExecContext(ctx,
		"UPDATE holds SET total = ?, eligible_total = ? WHERE id = ?",
		total, eligible, id)
	return err
}

func (h holdStore) ReplaceItems(ctx context.Context, holdID string, items []*loyalty.HoldItem) error {
	if _, err := h.q.ExecContext(ctx, "DELETE FROM hold_items WHERE hold_id = ?", holdID); err != nil {
		return err
	}
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := h.q.ExecContext(ctx, `
			INSERT INTO hold_items
			(id, hold_id, merchant_id, product_id, category_id, external_id, name,
			 qty, price, amount, earn_points, redeem_amount, promotion_id,
			 applied_promotion_ids, point_promotion_id, promotion_multiplier,
			 promotion_points_bonus, base_price, accrue_points)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, holdID, it.MerchantID, it.ProductID, it.CategoryID,
			it.ExternalID, it.Name, it.Qty.String(), it.Price.String(),
			it.Amount, it.EarnPoints, it.RedeemAmount, it.PromotionID,
			jsonStrings(it.AppliedPromotionIDs), it.PointPromotionID,
			it.PromotionMultiplier, it.PromotionPointsBonus,
			it.BasePrice.String(), it.AccruePoints,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h holdStore) ListItems(ctx context.Context, holdID string) ([]*loyalty.HoldItem, error) {
	rows, err := h.q.QueryContext(ctx, `
		SELECT id, hold_id, merchant_id, product_id, category_id, external_id, name,
		       qty, price, amount, earn_points, redeem_amount, promotion_id,
		       applied_promotion_ids, point_promotion_id, promotion_multiplier,
		       promotion_points_bonus, base_price, accrue_points
		FROM hold_items WHERE hold_id = ? ORDER BY rowid ASC`, holdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*loyalty.HoldItem
	for rows.Next() {
		var it loyalty.HoldItem
		var qty, price, basePrice string
		var applied sql.NullString
		if err := rows.Scan(
			&it.ID, &it.HoldID, &it.MerchantID, &it.ProductID, &it.CategoryID,
			&it.ExternalID, &it.Name, &qty, &price, &it.Amount, &it.EarnPoints,
			&it.RedeemAmount, &it.PromotionID, &applied, &it.PointPromotionID,
			&it.PromotionMultiplier, &it.PromotionPointsBonus, &basePrice,
			&it.AccruePoints,
		); err != nil {
			return nil, err
		}
		it.Qty = parseDec(qty)
		it.Price = parseDec(price)
		it.BasePrice = parseDec(basePrice)
		it.AppliedPromotionIDs = parseStrings(applied)
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (h holdStore) one(ctx context.Context, query string, args ...any) (*loyalty.Hold, error) {
	var hold loyalty.Hold
	var mode, status, createdAt string
	var expiresAt sql.NullString
	err := h.q.QueryRowContext(ctx, query, args...).Scan(
		&hold.ID, &hold.MerchantID, &hold.CustomerID, &mode, &hold.RedeemAmount,
		&hold.EarnPoints, &hold.OrderID, &hold.Total, &hold.EligibleTotal,
		&hold.QrJti, &expiresAt, &status, &hold.OutletID, &hold.StaffID,
		&hold.DeviceID, &hold.ReceiptID, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hold.Mode = loyalty.HoldMode(mode)
	hold.Status = loyalty.HoldStatus(status)
	hold.ExpiresAt = parseTimePtr(expiresAt)
	hold.CreatedAt = parseTime(createdAt)
	return &hold, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

type receiptStore struct{ q querier }

const receiptColumns = `id, merchant_id, customer_id, order_id, receipt_number, total,
	eligible_total, redeem_applied, earn_applied, outlet_id, staff_id,
	device_id, canceled_at, created_at`

func (r receiptStore) Create(ctx context.Context, receipt *loyalty.Receipt) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO receipts
		(id, merchant_id, customer_id, order_id, receipt_number, total,
		 eligible_total, redeem_applied, earn_applied, outlet_id, staff_id,
		 device_id, canceled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.ID, receipt.MerchantID, receipt.CustomerID, receipt.OrderID,
		receipt.ReceiptNumber, receipt.Total, receipt.EligibleTotal,
		receipt.RedeemApplied, receipt.EarnApplied, receipt.OutletID,
		receipt.StaffID, receipt.DeviceID, fmtTimePtr(receipt.CanceledAt),
		fmtTime(receipt.CreatedAt),
	)
	if isUniqueErr(err) {
		return loyalty.ErrDuplicateKey
	}
	return err
}

func (r receiptStore) Get(ctx context.Context, merchantID, id string) (*loyalty.Receipt, error) {
	return r.one(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE merchant_id = ? AND id = ?",
		merchantID, id)
}

func (r receiptStore) GetByOrder(ctx context.Context, merchantID, orderID string) (*loyalty.Receipt, error) {
	return r.one(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE merchant_id = ? AND order_id = ?",
		merchantID, orderID)
}

func (r receiptStore) ClaimCancel(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE receipts SET canceled_at = ? WHERE id = ? AND canceled_at IS NULL",
		fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r receiptStore) HasOtherActivePurchase(ctx context.Context, merchantID, customerID, excludeReceiptID string, minTotal int64) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM receipts
		WHERE merchant_id = ? AND customer_id = ? AND id != ?
		  AND canceled_at IS NULL AND eligible_total >= ?`,
		merchantID, customerID, excludeReceiptID, minTotal,
	).Scan(&count)
	return count > 0, err
}

func (r receiptStore) CreateItems(ctx context.Context, items []*loyalty.ReceiptItem) error {
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO receipt_items
			(id, receipt_id, merchant_id, product_id, category_id, external_id,
			 name, qty, price, amount, earn_applied, redeem_applied, promotion_id,
			 applied_promotion_ids, point_promotion_id, promotion_multiplier,
			 promotion_points_bonus, base_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, it.ReceiptID, it.MerchantID, it.ProductID, it.CategoryID,
			it.ExternalID, it.Name, it.Qty.String(), it.Price.String(),
			it.Amount, it.EarnApplied, it.RedeemApplied, it.PromotionID,
			jsonStrings(it.AppliedPromotionIDs), it.PointPromotionID,
			it.PromotionMultiplier, it.PromotionPointsBonus, it.BasePrice.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r receiptStore) ListItems(ctx context.Context, receiptID string) ([]*loyalty.ReceiptItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, receipt_id, merchant_id, product_id, category_id, external_id,
		       name, qty, price, amount, earn_applied, redeem_applied, promotion_id,
		       applied_promotion_ids, point_promotion_id, promotion_multiplier,
		       promotion_points_bonus, base_price
		FROM receipt_items WHERE receipt_id = ? ORDER BY rowid ASC`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*loyalty.ReceiptItem
	for rows.Next() {
		var it loyalty.ReceiptItem
		var qty, price, basePrice string
		var applied sql.NullString
		if err := rows.Scan(
			&it.ID, &it.ReceiptID, &it.MerchantID, &it.ProductID, &it.CategoryID,
			&it.ExternalID, &it.Name, &qty, &price, &it.Amount, &it.EarnApplied,
			&it.RedeemApplied, &it.PromotionID, &applied, &it.PointPromotionID,
			&it.PromotionMultiplier, &it.PromotionPointsBonus, &basePrice,
		); err != nil {
			return nil, err
		}
		it.Qty = parseDec(qty)
		it.Price = parseDec(price)
		it.BasePrice = parseDec(basePrice)
		it.AppliedPromotionIDs = parseStrings(applied)
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r receiptStore) one(ctx context.Context, query string, args ...any) (*loyalty.Receipt, error) {
	var rec loyalty.Receipt
	var canceledAt sql.NullString
	var createdAt string
	err := r.q.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.MerchantID, &rec.CustomerID, &rec.OrderID,
		&rec.ReceiptNumber, &rec.Total, &rec.EligibleTotal, &rec.RedeemApplied,
		&rec.EarnApplied, &rec.OutletID, &rec.StaffID, &rec.DeviceID,
		&canceledAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CanceledAt = parseTimePtr(canceledAt)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type transactionStore struct{ q querier }

const txnColumns = `id, merchant_id, customer_id, type, amount, order_id, outlet_id,
	staff_id, device_id, metadata_json, canceled_at, created_at`

func (t transactionStore) Create(ctx context.Context, txn *loyalty.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, merchant_id, customer_id, type, amount, order_id, outlet_id,
		 staff_id, device_id, metadata_json, canceled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.MerchantID, txn.CustomerID, string(txn.Type), txn.Amount,
		txn.OrderID, txn.OutletID, txn.StaffID, txn.DeviceID,
		jsonStringMap(txn.Metadata), fmtTimePtr(txn.CanceledAt),
		fmtTime(txn.CreatedAt),
	)
	return err
}

func (t transactionStore) CreateItems(ctx context.Context, items []*loyalty.TransactionItem) error {
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO transaction_items
			(id, transaction_id, receipt_item_id, merchant_id, product_id,
			 category_id, external_id, name, qty, price, amount, earn_amount,
			 redeem_amount, promotion_id, promotion_multiplier)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, it.TransactionID, it.ReceiptItemID, it.MerchantID, it.ProductID,
			it.CategoryID, it.ExternalID, it.Name, it.Qty.String(),
			it.Price.String(), it.Amount, it.EarnAmount, it.RedeemAmount,
			it.PromotionID, it.PromotionMultiplier,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t transactionStore) LastAt(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType, requireOrder bool) (*time.Time, error) {
	query := `
		SELECT created_at FROM transactions
		WHERE merchant_id = ? AND customer_id = ? AND type = ?
		  AND canceled_at IS NULL`
	if requireOrder {
		query += " AND order_id != ''"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT 1"

	var createdAt string
	err := t.q.QueryRowContext(ctx, query, merchantID, customerID, string(typ)).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at := parseTime(createdAt)
	return &at, nil
}

func (t transactionStore) SumSince(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType, since time.Time, requireOrder bool) (int64, error) {
	query := `
		SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions
		WHERE merchant_id = ? AND customer_id = ? AND type = ?
		  AND canceled_at IS NULL AND created_at >= ?`
	if requireOrder {
		query += " AND order_id != ''"
	}

	var sum int64
	err := t.q.QueryRowContext(ctx, query, merchantID, customerID, string(typ), fmtTime(since)).Scan(&sum)
	return sum, err
}

func (t transactionStore) ListByOrder(ctx context.Context, merchantID, orderID string, typ loyalty.TxnType) ([]*loyalty.Transaction, error) {
	query := `
		SELECT ` + txnColumns + ` FROM transactions
		WHERE merchant_id = ? AND order_id = ? AND canceled_at IS NULL`
	args := []any{merchantID, orderID}
	if typ != "" {
		query += " AND type = ?"
		args = append(args, string(typ))
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	return t.list(ctx, query, args...)
}

func (t transactionStore) ListByOrderPrefix(ctx context.Context, merchantID string, typ loyalty.TxnType, prefix string) ([]*loyalty.Transaction, error) {
	// substr comparison instead of LIKE: reward tags contain '_' which
	// LIKE would treat as a wildcard.
	return t.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE merchant_id = ? AND type = ? AND canceled_at IS NULL
		  AND substr(order_id, 1, length(?)) = ?
		ORDER BY created_at ASC, rowid ASC`,
		merchantID, string(typ), prefix, prefix)
}

func (t transactionStore) ExistsByOrder(ctx context.Context, merchantID, orderID string, typ loyalty.TxnType) (bool, error) {
	var count int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE merchant_id = ? AND order_id = ? AND type = ?",
		merchantID, orderID, string(typ),
	).Scan(&count)
	return count > 0, err
}

func (t transactionStore) ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*loyalty.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE merchant_id = ? AND customer_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		merchantID, customerID, limit)
}

func (t transactionStore) MarkCanceled(ctx context.Context, id string, at time.Time) error {
	_, err := t.q.ExecContext(ctx,
		"UPDATE transactions SET canceled_at = ? WHERE id = ?", fmtTime(at), id)
	return err
}

func (t transactionStore) list(ctx context.Context, query string, args ...any) ([]*loyalty.Transaction, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*loyalty.Transaction
	for rows.Next() {
		var txn loyalty.Transaction
		var typ, createdAt string
		var metadata, canceledAt sql.NullString
		if err := rows.Scan(
			&txn.ID, &txn.MerchantID, &txn.CustomerID, &typ, &txn.Amount,
			&txn.OrderID, &txn.OutletID, &txn.StaffID, &txn.DeviceID,
			&metadata, &canceledAt, &createdAt,
		); err != nil {
			return nil, err
		}
		txn.Type = loyalty.TxnType(typ)
		txn.Metadata = parseStringMap(metadata)
		txn.CanceledAt = parseTimePtr(canceledAt)
		txn.CreatedAt = parseTime(createdAt)
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// =============================================================================
// EARN LOTS
// =============================================================================

type lotStore struct{ q querier }

const lotColumns = `id, merchant_id, customer_id, points, consumed_points, earned_at,
	matures_at, expires_at, order_id, receipt_id, outlet_id, staff_id,
	device_id, status, created_at`

func (l lotStore) Create(ctx context.Context, lot *loyalty.EarnLot) error {
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO earn_lots
		(id, merchant_id, customer_id, points, consumed_points, earned_at,
		 matures_at, expires_at, order_id, receipt_id, outlet_id, staff_id,
		 device_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.MerchantID, lot.CustomerID, lot.Points, lot.ConsumedPoints,
		fmtTime(lot.EarnedAt), fmtTimePtr(lot.MaturesAt), fmtTimePtr(lot.ExpiresAt),
		lot.OrderID, lot.ReceiptID, lot.OutletID, lot.StaffID, lot.DeviceID,
		string(lot.Status), fmtTime(lot.CreatedAt),
	)
	return err
}

func (l lotStore) ListActive(ctx context.Context, merchantID, customerID string) ([]*loyalty.EarnLot, error) {
	return l.list(ctx, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ? AND status = ?
		ORDER BY earned_at ASC, rowid ASC`,
		merchantID, customerID, string(loyalty.LotActive))
}

func (l lotStore) ListConsumed(ctx context.Context, merchantID, customerID string) ([]*loyalty.EarnLot, error) {
	return l.list(ctx, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ? AND status = ?
		  AND consumed_points > 0
		ORDER BY earned_at ASC, rowid ASC`,
		merchantID, customerID, string(loyalty.LotActive))
}

func (l lotStore) ListForRevoke(ctx context.Context, merchantID, customerID, receiptID, orderID string) ([]*loyalty.EarnLot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ? AND status = ?`
	args := []any{merchantID, customerID, string(loyalty.LotActive)}
	if receiptID != "" || orderID != "" {
		query += " AND ((? != '' AND receipt_id = ?) OR (? != '' AND order_id = ?))"
		args = append(args, receiptID, receiptID, orderID, orderID)
	}
	query += " ORDER BY earned_at ASC, rowid ASC"
	return l.list(ctx, query, args...)
}

func (l lotStore) ListPendingByOrder(ctx context.Context, merchantID, customerID, orderID string) ([]*loyalty.EarnLot, error) {
	return l.list(ctx, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ? AND status = ?
		  AND order_id = ?
		ORDER BY earned_at ASC, rowid ASC`,
		merchantID, customerID, string(loyalty.LotPending), orderID)
}

func (l lotStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*loyalty.EarnLot, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.list(ctx, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE status = ? AND matures_at IS NOT NULL AND matures_at <= ?
		ORDER BY matures_at ASC, rowid ASC LIMIT ?`,
		string(loyalty.LotPending), fmtTime(now), limit)
}

func (l lotStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*loyalty.EarnLot, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.list(ctx, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		  AND consumed_points < points
		ORDER BY expires_at ASC, rowid ASC LIMIT ?`,
		string(loyalty.LotActive), fmtTime(now), limit)
}

func (l lotStore) AddConsumed(ctx context.Context, id string, delta int64) error {
	res, err := l.q.ExecContext(ctx,
		"UPDATE earn_lots SET consumed_points = consumed_points + ? WHERE id = ?",
		delta, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (l lotStore) Activate(ctx context.Context, id string, consumedPoints int64, at time.Time) error {
	res, err := l.q.ExecContext(ctx,
		"UPDATE earn_lots SET status = ?, consumed_points = ? WHERE id = ?",
		string(loyalty.LotActive), consumedPoints, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (l lotStore) AttachReceipt(ctx context.Context, lotIDs []string, receiptID string) error {
	for _, id := range lotIDs {
		res, err := l.q.ExecContext(ctx,
			"UPDATE earn_lots SET receipt_id = ? WHERE id = ?", receiptID, id)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}
	return nil
}

func (l lotStore) list(ctx context.Context, query string, args ...any) ([]*loyalty.EarnLot, error) {
	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*loyalty.EarnLot
	for rows.Next() {
		var lot loyalty.EarnLot
		var earnedAt, status, createdAt string
		var maturesAt, expiresAt sql.NullString
		if err := rows.Scan(
			&lot.ID, &lot.MerchantID, &lot.CustomerID, &lot.Points,
			&lot.ConsumedPoints, &earnedAt, &maturesAt, &expiresAt,
			&lot.OrderID, &lot.ReceiptID, &lot.OutletID, &lot.StaffID,
			&lot.DeviceID, &status, &createdAt,
		); err != nil {
			return nil, err
		}
		lot.EarnedAt = parseTime(earnedAt)
		lot.MaturesAt = parseTimePtr(maturesAt)
		lot.ExpiresAt = parseTimePtr(expiresAt)
		lot.Status = loyalty.LotStatus(status)
		lot.CreatedAt = parseTime(createdAt)
		lots = append(lots, &lot)
	}
	return lots, rows.Err()
}

// =============================================================================
// LEDGER + OUTBOX
// =============================================================================

type ledgerStore struct{ q querier }

func (l ledgerStore) Append(ctx context.Context, entry *loyalty.LedgerEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, merchant_id, customer_id, debit, credit, amount, order_id,
		 outlet_id, staff_id, device_id, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.MerchantID, entry.CustomerID, string(entry.Debit),
		string(entry.Credit), entry.Amount, entry.OrderID, entry.OutletID,
		entry.StaffID, entry.DeviceID, jsonStringMap(entry.Meta),
		fmtTime(createdAt),
	)
	return err
}

type outboxStore struct{ q querier }

func (o outboxStore) Append(ctx context.Context, merchantID, eventType string, payload map[string]any) error {
	payloadJSON, _ := json.Marshal(payload)
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, merchant_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), merchantID, eventType, string(payloadJSON),
		fmtTime(time.Now().UTC()),
	)
	return err
}

// =============================================================================
// QR NONCES
// =============================================================================

type nonceStore struct{ q querier }

func (n nonceStore) Get(ctx context.Context, jti string) (*loyalty.QrNonce, error) {
	var nonce loyalty.QrNonce
	var issuedAt string
	var expiresAt, usedAt sql.NullString
	err := n.q.QueryRowContext(ctx,
		"SELECT jti, merchant_id, customer_id, issued_at, expires_at, used_at FROM qr_nonces WHERE jti = ?",
		jti,
	).Scan(&nonce.Jti, &nonce.MerchantID, &nonce.CustomerID, &issuedAt, &expiresAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	nonce.IssuedAt = parseTime(issuedAt)
	nonce.ExpiresAt = parseTimePtr(expiresAt)
	nonce.UsedAt = parseTimePtr(usedAt)
	return &nonce, nil
}

func (n nonceStore) MarkUsed(ctx context.Context, jti, merchantID, customerID string, at time.Time) (bool, error) {
	res, err := n.q.ExecContext(ctx,
		"UPDATE qr_nonces SET used_at = ? WHERE jti = ? AND used_at IS NULL",
		fmtTime(at), jti)
	if err != nil {
		return false, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, err
	} else if affected > 0 {
		return true, nil
	}

	// Either already used or never seen. Insert claims first use; the
	// unique-collision loser was beaten to it.
	_, err = n.q.ExecContext(ctx, `
		INSERT INTO qr_nonces (jti, merchant_id, customer_id, issued_at, used_at)
		VALUES (?, ?, ?, ?, ?)`,
		jti, merchantID, customerID, fmtTime(at), fmtTime(at))
	if err != nil {
		if isUniqueErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n nonceStore) Release(ctx context.Context, jti string) error {
	res, err := n.q.ExecContext(ctx,
		"UPDATE qr_nonces SET used_at = NULL WHERE jti = ?", jti)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (n nonceStore) Delete(ctx context.Context, jti string) error {
	_, err := n.q.ExecContext(ctx, "DELETE FROM qr_nonces WHERE jti = ?", jti)
	return err
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type promotionStore struct{ q querier }

const promoColumns = `id, name, kind, points_rule_type, points_value, buy_qty, free_qty,
	fixed_price, segment_id, usage_limit, product_ids_json, category_ids_json`

func (p promotionStore) ListActive(ctx context.Context, merchantID string, now time.Time) ([]*loyalty.Promotion, error) {
	stamp := fmtTime(now)
	return p.list(ctx, `
		SELECT `+promoColumns+` FROM promotions
		WHERE merchant_id = ? AND status = 'ACTIVE' AND archived_at IS NULL
		  AND (starts_at IS NULL OR starts_at <= ?)
		  AND (ends_at IS NULL OR ends_at >= ?)
		ORDER BY created_at ASC, rowid ASC`,
		merchantID, stamp, stamp)
}

func (p promotionStore) InSegment(ctx context.Context, merchantID, segmentID, customerID string) (bool, error) {
	var count int
	err := p.q.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM segments
		    WHERE merchant_id = ? AND id = ? AND match_all)
		+ (SELECT COUNT(*) FROM segment_members
		    WHERE merchant_id = ? AND segment_id = ? AND customer_id = ?)`,
		merchantID, segmentID, merchantID, segmentID, customerID,
	).Scan(&count)
	return count > 0, err
}

func (p promotionStore) FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*loyalty.Promotion, error) {
	out := map[string]*loyalty.Promotion{}
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{merchantID}
	for _, id := range ids {
		args = append(args, id)
	}
	promos, err := p.list(ctx, `
		SELECT `+promoColumns+` FROM promotions
		WHERE merchant_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	for _, promo := range promos {
		out[promo.ID] = promo
	}
	return out, nil
}

func (p promotionStore) ParticipantStats(ctx context.Context, merchantID, customerID string) (map[string]*loyalty.PromotionUsage, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT promotion_id, purchases_count, last_purchase_at
		FROM promotion_participants
		WHERE merchant_id = ? AND customer_id = ?`,
		merchantID, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*loyalty.PromotionUsage{}
	for rows.Next() {
		var promoID string
		var usage loyalty.PromotionUsage
		var lastAt sql.NullString
		if err := rows.Scan(&promoID, &usage.PurchasesCount, &lastAt); err != nil {
			return nil, err
		}
		usage.LastPurchaseAt = parseTimePtr(lastAt)
		out[promoID] = &usage
	}
	return out, rows.Err()
}

func (p promotionStore) IncrementMetrics(ctx context.Context, merchantID, promotionID string, delta loyalty.PromotionMetricDelta) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE promotions SET
			purchases_count = purchases_count + ?,
			revenue = revenue + ?,
			total_spent = total_spent + ?,
			points_issued = points_issued + ?,
			points_redeemed = points_redeemed + ?
		WHERE merchant_id = ? AND id = ?`,
		delta.Purchases, delta.Revenue, delta.TotalSpent, delta.PointsIssued,
		delta.PointsRedeemed, merchantID, promotionID)
	return err
}

func (p promotionStore) RecordParticipation(ctx context.Context, merchantID, promotionID, customerID string, at time.Time, delta loyalty.PromotionMetricDelta) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO promotion_participants
		(merchant_id, promotion_id, customer_id, purchases_count, total_spent, last_purchase_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(merchant_id, promotion_id, customer_id) DO UPDATE SET
			purchases_count = purchases_count + excluded.purchases_count,
			total_spent = total_spent + excluded.total_spent,
			last_purchase_at = excluded.last_purchase_at`,
		merchantID, promotionID, customerID, delta.Purchases, delta.TotalSpent,
		fmtTime(at))
	return err
}

func (p promotionStore) list(ctx context.Context, query string, args ...any) ([]*loyalty.Promotion, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var promos []*loyalty.Promotion
	for rows.Next() {
		var promo loyalty.Promotion
		var kind, ruleType, usageLimit, pointsValue, fixedPrice string
		var productIDs, categoryIDs sql.NullString
		if err := rows.Scan(
			&promo.ID, &promo.Name, &kind, &ruleType, &pointsValue,
			&promo.BuyQty, &promo.FreeQty, &fixedPrice, &promo.SegmentID,
			&usageLimit, &productIDs, &categoryIDs,
		); err != nil {
			return nil, err
		}
		promo.Kind = loyalty.PromotionKind(kind)
		promo.PointsRuleType = loyalty.PointsRuleType(ruleType)
		promo.PointsValue = parseDec(pointsValue)
		promo.FixedPrice = parseDec(fixedPrice)
		promo.UsageLimit = loyalty.UsageLimit(usageLimit)
		promo.ProductIDs = parseStringSet(productIDs)
		promo.CategoryIDs = parseStringSet(categoryIDs)
		promos = append(promos, &promo)
	}
	return promos, rows.Err()
}

// =============================================================================
// PRODUCTS
// =============================================================================

type productStore struct{ q querier }

func (p productStore) FindByIDs(ctx context.Context, merchantID string, ids []string) (map[string]*loyalty.Product, error) {
	return p.find(ctx, merchantID, "id", ids, func(prod *loyalty.Product) string {
		return prod.ID
	})
}

func (p productStore) FindByExternalIDs(ctx context.Context, merchantID string, externalIDs []string) (map[string]*loyalty.Product, error) {
	return p.find(ctx, merchantID, "external_id", externalIDs, func(prod *loyalty.Product) string {
		return prod.ExternalID
	})
}

func (p productStore) find(ctx context.Context, merchantID, column string, ids []string, keyOf func(*loyalty.Product) string) (map[string]*loyalty.Product, error) {
	out := map[string]*loyalty.Product{}
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{merchantID}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, category_id, external_id, name, accrue_points, allow_redeem, redeem_percent
		FROM products
		WHERE merchant_id = ? AND `+column+` IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var prod loyalty.Product
		if err := rows.Scan(
			&prod.ID, &prod.CategoryID, &prod.ExternalID, &prod.Name,
			&prod.AccruePoints, &prod.AllowRedeem, &prod.RedeemPercent,
		); err != nil {
			return nil, err
		}
		row := prod
		out[keyOf(&row)] = &row
	}
	return out, rows.Err()
}

// =============================================================================
// SETTINGS
// =============================================================================

type settingsStore struct{ q querier }

func (s settingsStore) Get(ctx context.Context, merchantID string) (*loyalty.MerchantSettings, error) {
	var cfg loyalty.MerchantSettings
	var updatedAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT merchant_id, earn_bps, redeem_limit_bps, redeem_cooldown_sec,
		       earn_cooldown_sec, redeem_daily_cap, earn_daily_cap,
		       earn_delay_days, points_ttl_days, allow_earn_redeem_same_receipt,
		       updated_at
		FROM merchant_settings WHERE merchant_id = ?`,
		merchantID,
	).Scan(
		&cfg.MerchantID, &cfg.EarnBps, &cfg.RedeemLimitBps,
		&cfg.RedeemCooldownSec, &cfg.EarnCooldownSec, &cfg.RedeemDailyCap,
		&cfg.EarnDailyCap, &cfg.EarnDelayDays, &cfg.PointsTTLDays,
		&cfg.AllowEarnRedeemSameReceipt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

type referralStore struct{ q querier }

func (r referralStore) ActiveProgram(ctx context.Context, merchantID string) (*loyalty.ReferralProgram, error) {
	var program loyalty.ReferralProgram
	var status, trigger, rewardType, rewardValue, createdAt string
	var levelRewards sql.NullString
	err := r.q.QueryRowContext(ctx, `
		SELECT id, merchant_id, status, reward_trigger, min_purchase_amount,
		       referrer_reward_type, referrer_reward_value, multi_level,
		       level_rewards_json, created_at
		FROM referral_programs
		WHERE merchant_id = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		merchantID, string(loyalty.ProgramActive),
	).Scan(
		&program.ID, &program.MerchantID, &status, &trigger,
		&program.MinPurchaseAmount, &rewardType, &rewardValue,
		&program.MultiLevel, &levelRewards, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	program.Status = loyalty.ReferralProgramStatus(status)
	program.RewardTrigger = loyalty.ReferralTrigger(trigger)
	program.ReferrerRewardType = loyalty.ReferralRewardType(rewardType)
	program.ReferrerRewardValue = parseDec(rewardValue)
	program.LevelRewards = parseLevelRewards(levelRewards)
	program.CreatedAt = parseTime(createdAt)
	return &program, nil
}

func (r referralStore) FindByReferee(ctx context.Context, merchantID, refereeID string) (*loyalty.Referral, error) {
	var link loyalty.Referral
	var status, createdAt string
	var completedAt sql.NullString
	err := r.q.QueryRowContext(ctx, `
		SELECT id, merchant_id, referrer_id, referee_id, status, completed_at,
		       purchase_amount, created_at
		FROM referrals
		WHERE merchant_id = ? AND referee_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		merchantID, refereeID,
	).Scan(
		&link.ID, &link.MerchantID, &link.ReferrerID, &link.RefereeID,
		&status, &completedAt, &link.PurchaseAmount, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	link.Status = loyalty.ReferralStatus(status)
	link.CompletedAt = parseTimePtr(completedAt)
	link.CreatedAt = parseTime(createdAt)
	return &link, nil
}

func (r referralStore) Complete(ctx context.Context, id string, at time.Time, purchaseAmount int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE referrals SET status = ?, completed_at = ?, purchase_amount = ?
		WHERE id = ?`,
		string(loyalty.ReferralCompleted), fmtTime(at), purchaseAmount, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r referralStore) Reopen(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE referrals SET status = ?, completed_at = NULL, purchase_amount = 0
		WHERE id = ?`,
		string(loyalty.ReferralActivated), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// levelRewardRow is the JSON shape level rewards are persisted in.
type levelRewardRow struct {
	Level       int    `json:"level"`
	RewardType  string `json:"rewardType"`
	RewardValue string `json:"rewardValue"`
	Enabled     bool   `json:"enabled"`
}

func parseLevelRewards(raw sql.NullString) []loyalty.ReferralLevelReward {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var rows []levelRewardRow
	if err := json.Unmarshal([]byte(raw.String), &rows); err != nil {
		return nil
	}
	out := make([]loyalty.ReferralLevelReward, 0, len(rows))
	for _, row := range rows {
		out = append(out, loyalty.ReferralLevelReward{
			Level:       row.Level,
			RewardType:  loyalty.ReferralRewardType(row.RewardType),
			RewardValue: parseDec(row.RewardValue),
			Enabled:     row.Enabled,
		})
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func jsonStrings(ss []string) any {
	if len(ss) == 0 {
		return nil
	}
	raw, _ := json.Marshal(ss)
	return string(raw)
}

func parseStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	json.Unmarshal([]byte(raw.String), &out)
	return out
}

func jsonStringMap(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	raw, _ := json.Marshal(m)
	return string(raw)
}

func parseStringMap(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]string
	json.Unmarshal([]byte(raw.String), &out)
	return out
}

func parseStringSet(raw sql.NullString) map[string]bool {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]bool
	json.Unmarshal([]byte(raw.String), &out)
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrNotFound
	}
	return nil
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
