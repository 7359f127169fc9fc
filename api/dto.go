/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND QUANTITIES:
  Amounts and points travel as integer minor units. Line quantities and
  unit prices travel as decimal strings so fractional quantities
  (weighed goods) survive the wire without float drift.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/quote.go, commit.go, refund.go: The engine types behind them
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PositionDTO is one cart line as the POS sends it.
type PositionDTO struct {
	ProductID    string   `json:"product_id,omitempty"`
	ExternalID   string   `json:"external_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Qty          string   `json:"qty"`
	Price        string   `json:"price"`
	BasePrice    *string  `json:"base_price,omitempty"`
	AccruePoints *bool    `json:"accrue_points,omitempty"`
	ActionIDs    []string `json:"action_ids,omitempty"`
	ActionNames  []string `json:"action_names,omitempty"`
}

// QrDTO carries the scanned QR token alongside a quote.
type QrDTO struct {
	Jti       string `json:"jti"`
	Kind      string `json:"kind"` // "jwt" or "short"
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

// QuoteRequest is the request to compute a quote and open a hold.
type QuoteRequest struct {
	MerchantID   string        `json:"merchant_id"`
	CustomerID   string        `json:"customer_id"`
	Mode         string        `json:"mode"` // EARN or REDEEM
	OrderID      string        `json:"order_id,omitempty"`
	Total        int64         `json:"total"`
	Positions    []PositionDTO `json:"positions,omitempty"`
	RedeemAmount *int64        `json:"redeem_amount,omitempty"`
	OutletID     string        `json:"outlet_id,omitempty"`
	StaffID      string        `json:"staff_id,omitempty"`
	DeviceID     string        `json:"device_id,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Qr           *QrDTO        `json:"qr,omitempty"`
}

// QuoteDTO is the quote returned to the POS.
type QuoteDTO struct {
	Mode            string `json:"mode"`
	CanRedeem       bool   `json:"can_redeem"`
	DiscountToApply int64  `json:"discount_to_apply"`
	PointsToBurn    int64  `json:"points_to_burn"`
	FinalPayable    int64  `json:"final_payable"`
	CanEarn         bool   `json:"can_earn"`
	PointsToEarn    int64  `json:"points_to_earn"`
	HoldID          string `json:"hold_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// CommitRequest is the request to settle a hold against an order.
type CommitRequest struct {
	MerchantID         string        `json:"merchant_id,omitempty"`
	HoldID             string        `json:"hold_id"`
	OrderID            string        `json:"order_id"`
	ReceiptNumber      string        `json:"receipt_number,omitempty"`
	RequestID          string        `json:"request_id,omitempty"`
	PromoCodeID        string        `json:"promo_code_id,omitempty"`
	PromoCode          string        `json:"promo_code,omitempty"`
	ManualEarnPoints   *int64        `json:"manual_earn_points,omitempty"`
	ManualRedeemAmount *int64        `json:"manual_redeem_amount,omitempty"`
	Positions          []PositionDTO `json:"positions,omitempty"`
}

// CommitDTO reports the settlement.
type CommitDTO struct {
	OK               bool     `json:"ok"`
	CustomerID       string   `json:"customer_id"`
	AlreadyCommitted bool     `json:"already_committed"`
	ReceiptID        string   `json:"receipt_id"`
	RedeemApplied    int64    `json:"redeem_applied"`
	EarnApplied      int64    `json:"earn_applied"`
	Warnings         []string `json:"warnings,omitempty"`
}

// RefundRequest is the request to compensate a committed receipt.
type RefundRequest struct {
	MerchantID string `json:"merchant_id"`
	ReceiptID  string `json:"receipt_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	StaffID    string `json:"staff_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// RefundDTO reports the compensation.
type RefundDTO struct {
	OK              bool     `json:"ok"`
	ReceiptID       string   `json:"receipt_id"`
	CustomerID      string   `json:"customer_id"`
	RestoredRedeem  int64    `json:"restored_redeem"`
	RevokedEarn     int64    `json:"revoked_earn"`
	AlreadyRefunded bool     `json:"already_refunded"`
	Warnings        []string `json:"warnings,omitempty"`
}

// CancelRequest is the request to void a PENDING hold.
type CancelRequest struct {
	MerchantID string `json:"merchant_id,omitempty"`
	HoldID     string `json:"hold_id"`
}

// BalanceDTO is the customer's point balance at a merchant.
type BalanceDTO struct {
	MerchantID string `json:"merchant_id"`
	CustomerID string `json:"customer_id"`
	Balance    int64  `json:"balance"`
	AsOf       string `json:"as_of"`
}

// TransactionDTO is one ledger event in the customer's history.
type TransactionDTO struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Amount     int64   `json:"amount"`
	OrderID    string  `json:"order_id,omitempty"`
	OutletID   string  `json:"outlet_id,omitempty"`
	StaffID    string  `json:"staff_id,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	CanceledAt *string `json:"canceled_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// PrecalcRequest is the request to apply pricing promotions to a cart.
type PrecalcRequest struct {
	MerchantID string        `json:"merchant_id"`
	CustomerID string        `json:"customer_id"`
	Positions  []PositionDTO `json:"positions"`
}

// PrecalcLineDTO is one repriced cart row.
type PrecalcLineDTO struct {
	ProductID    string   `json:"product_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Qty          string   `json:"qty"`
	Price        string   `json:"price"`
	BasePrice    *string  `json:"base_price,omitempty"`
	PromotionIDs []string `json:"promotion_ids,omitempty"`
}

// PrecalcDTO is the repriced cart plus human-readable promotion notes.
type PrecalcDTO struct {
	Lines    []PrecalcLineDTO `json:"lines"`
	Messages []string         `json:"messages,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPositions(dtos []PositionDTO) ([]loyalty.Position, error) {
	positions := make([]loyalty.Position, 0, len(dtos))
	for _, dto := range dtos {
		qty, err := decimal.NewFromString(dto.Qty)
		if err != nil {
			return nil, loyalty.Validationf("invalid qty %q", dto.Qty)
		}
		price, err := decimal.NewFromString(dto.Price)
		if err != nil {
			return nil, loyalty.Validationf("invalid price %q", dto.Price)
		}
		pos := loyalty.Position{
			ProductID:    dto.ProductID,
			ExternalID:   dto.ExternalID,
			Name:         dto.Name,
			Qty:          qty,
			Price:        price,
			AccruePoints: dto.AccruePoints,
			ActionIDs:    dto.ActionIDs,
			ActionNames:  dto.ActionNames,
		}
		if dto.BasePrice != nil {
			base, err := decimal.NewFromString(*dto.BasePrice)
			if err != nil {
				return nil, loyalty.Validationf("invalid base_price %q", *dto.BasePrice)
			}
			pos.BasePrice = &base
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func toQrMeta(dto *QrDTO) (*loyalty.QrMeta, error) {
	if dto == nil {
		return nil, nil
	}
	if dto.Jti == "" {
		return nil, loyalty.Validationf("qr.jti required")
	}
	kind := loyalty.QrKind(dto.Kind)
	if kind != loyalty.QrKindJwt && kind != loyalty.QrKindShort {
		return nil, loyalty.Validationf("qr.kind must be jwt or short")
	}
	issued, err := time.Parse(time.RFC3339, dto.IssuedAt)
	if err != nil {
		return nil, loyalty.Validationf("invalid qr.issued_at %q", dto.IssuedAt)
	}
	expires, err := time.Parse(time.RFC3339, dto.ExpiresAt)
	if err != nil {
		return nil, loyalty.Validationf("invalid qr.expires_at %q", dto.ExpiresAt)
	}
	return &loyalty.QrMeta{Jti: dto.Jti, Kind: kind, IssuedAt: issued, ExpiresAt: expires}, nil
}

func toQuoteDTO(res *loyalty.QuoteResult) QuoteDTO {
	return QuoteDTO{
		Mode:            string(res.Mode),
		CanRedeem:       res.CanRedeem,
		DiscountToApply: res.DiscountToApply,
		PointsToBurn:    res.PointsToBurn,
		FinalPayable:    res.FinalPayable,
		CanEarn:         res.CanEarn,
		PointsToEarn:    res.PointsToEarn,
		HoldID:          res.HoldID,
		Message:         res.Message,
	}
}

func toCommitDTO(res *loyalty.CommitResult) CommitDTO {
	return CommitDTO{
		OK:               res.OK,
		CustomerID:       res.CustomerID,
		AlreadyCommitted: res.AlreadyCommitted,
		ReceiptID:        res.ReceiptID,
		RedeemApplied:    res.RedeemApplied,
		EarnApplied:      res.EarnApplied,
		Warnings:         res.Warnings,
	}
}

func toRefundDTO(res *loyalty.RefundResult) RefundDTO {
	return RefundDTO{
		OK:              res.OK,
		ReceiptID:       res.ReceiptID,
		CustomerID:      res.CustomerID,
		RestoredRedeem:  res.RestoredRedeem,
		RevokedEarn:     res.RevokedEarn,
		AlreadyRefunded: res.AlreadyRefunded,
		Warnings:        res.Warnings,
	}
}

func toTransactionDTO(txn *loyalty.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:        txn.ID,
		Type:      string(txn.Type),
		Amount:    txn.Amount,
		OrderID:   txn.OrderID,
		OutletID:  txn.OutletID,
		StaffID:   txn.StaffID,
		DeviceID:  txn.DeviceID,
		CreatedAt: txn.CreatedAt.Format(time.RFC3339),
	}
	if txn.CanceledAt != nil {
		at := txn.CanceledAt.Format(time.RFC3339)
		dto.CanceledAt = &at
	}
	return dto
}

func toTransactionDTOs(txns []*loyalty.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txns))
	for i, txn := range txns {
		dtos[i] = toTransactionDTO(txn)
	}
	return dtos
}

func toPrecalcLineDTOs(lines []loyalty.PrecalcLine) []PrecalcLineDTO {
	dtos := make([]PrecalcLineDTO, len(lines))
	for i, line := range lines {
		dto := PrecalcLineDTO{
			ProductID:    line.ProductID,
			Name:         line.Name,
			Qty:          line.Qty.String(),
			Price:        line.Price.String(),
			PromotionIDs: line.PromotionIDs,
		}
		if line.BasePrice != nil {
			base := line.BasePrice.String()
			dto.BasePrice = &base
		}
		dtos[i] = dto
	}
	return dtos
}
