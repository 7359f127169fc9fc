/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the quote/commit/refund engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Settlement:
    POST   /api/loyalty/quote     Compute a quote and open a hold
    POST   /api/loyalty/commit    Settle a hold against an order
    POST   /api/loyalty/refund    Compensate a committed receipt
    POST   /api/loyalty/cancel    Void a PENDING hold

  Cart:
    POST   /api/loyalty/precalc   Apply pricing promotions to a cart

  Read side:
    GET    /api/loyalty/balance/{merchantId}/{customerId}
    GET    /api/loyalty/transactions/{merchantId}/{customerId}

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (quote, commit, refund engines)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Engine errors are mapped to JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, expired QR tokens
  - 404: Unknown hold or receipt
  - 409: Conflict (replayed QR, finished hold, insufficient points)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. Tenancy is enforced by
  merchant id scoping only; put an authenticating proxy in front.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopline/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Quote  *loyalty.QuoteEngine
	Commit *loyalty.CommitEngine
	Refund *loyalty.RefundEngine

	Store    loyalty.UnitOfWork
	Resolver *loyalty.PositionResolver
	Clock    loyalty.Clock
	Log      *slog.Logger
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now()
	}
	return time.Now().UTC()
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// PostQuote computes a quote and opens a hold.
func (h *Handler) PostQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	positions, err := toPositions(req.Positions)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	qr, err := toQrMeta(req.Qr)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.Quote.Quote(r.Context(), loyalty.QuoteRequest{
		MerchantID:   req.MerchantID,
		CustomerID:   req.CustomerID,
		Mode:         loyalty.HoldMode(req.Mode),
		OrderID:      req.OrderID,
		Total:        req.Total,
		Positions:    positions,
		RedeemAmount: req.RedeemAmount,
		OutletID:     req.OutletID,
		StaffID:      req.StaffID,
		DeviceID:     req.DeviceID,
		DryRun:       req.DryRun,
	}, qr)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQuoteDTO(res))
}

// PostCommit settles a hold against an order.
func (h *Handler) PostCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	positions, err := toPositions(req.Positions)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.Commit.Commit(r.Context(), loyalty.CommitRequest{
		HoldID:             req.HoldID,
		OrderID:            req.OrderID,
		ReceiptNumber:      req.ReceiptNumber,
		RequestID:          req.RequestID,
		ExpectedMerchantID: req.MerchantID,
		PromoCodeID:        req.PromoCodeID,
		PromoCode:          req.PromoCode,
		ManualEarnPoints:   req.ManualEarnPoints,
		ManualRedeemAmount: req.ManualRedeemAmount,
		Positions:          positions,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCommitDTO(res))
}

// PostRefund compensates a committed receipt.
func (h *Handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Refund.Refund(r.Context(), loyalty.RefundRequest{
		MerchantID: req.MerchantID,
		ReceiptID:  req.ReceiptID,
		OrderID:    req.OrderID,
		StaffID:    req.StaffID,
		RequestID:  req.RequestID,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRefundDTO(res))
}

// PostCancel voids a PENDING hold and frees its QR token.
func (h *Handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.HoldID == "" {
		writeError(w, http.StatusBadRequest, "hold_id is required", nil)
		return
	}

	if err := h.Refund.Cancel(r.Context(), req.MerchantID, req.HoldID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// =============================================================================
// CART HANDLERS
// =============================================================================

// PostPrecalc applies the pricing promotion kinds to a cart without
// persisting anything.
func (h *Handler) PostPrecalc(w http.ResponseWriter, r *http.Request) {
	var req PrecalcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MerchantID == "" {
		writeError(w, http.StatusBadRequest, "merchant_id is required", nil)
		return
	}

	positions, err := toPositions(req.Positions)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	lines, messages, err := h.Resolver.Precalculate(r.Context(), h.Store, req.MerchantID, req.CustomerID, positions)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PrecalcDTO{
		Lines:    toPrecalcLineDTOs(lines),
		Messages: messages,
	})
}

// =============================================================================
// READ-SIDE HANDLERS
// =============================================================================

// GetBalance returns the customer's point balance. A customer without a
// wallet yet reads as zero, not as an error.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantId")
	customerID := chi.URLParam(r, "customerId")

	var balance int64
	wallet, err := h.Store.Wallets().Get(r.Context(), merchantID, customerID)
	if err != nil {
		if !errors.Is(err, loyalty.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "Failed to load balance", err)
			return
		}
	} else {
		balance = wallet.Balance
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		MerchantID: merchantID,
		CustomerID: customerID,
		Balance:    balance,
		AsOf:       h.now().Format(time.RFC3339),
	})
}

// GetTransactions returns the customer's history, newest first. The
// optional ?limit query caps the page size.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantId")
	customerID := chi.URLParam(r, "customerId")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	txns, err := h.Store.Transactions().ListByCustomer(r.Context(), merchantID, customerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(txns))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps domain errors onto HTTP statuses. Validation
// problems (including expired QR tokens) are the caller's fault;
// conflicts mean someone else settled first; everything unexpected is
// logged and hidden behind a 500.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case loyalty.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "VALIDATION"})
	case loyalty.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, loyalty.ErrInsufficientFunds):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INSUFFICIENT_POINTS"})
	case loyalty.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	default:
		h.log().Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
